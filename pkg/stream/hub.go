package stream

import "sync"

// Hub maps session ids to their broadcast channels. Sessions are independent
// channels, so no ordering is implied across sessions.
type Hub struct {
	mu       sync.RWMutex
	logCap   int
	channels map[string]*Broadcaster
}

// NewHub creates a hub whose broadcasters retain up to logCap events.
func NewHub(logCap int) *Hub {
	return &Hub{
		logCap:   logCap,
		channels: make(map[string]*Broadcaster),
	}
}

// Open creates the broadcaster for a session, replacing any closed one.
func (h *Hub) Open(sessionID string, snapshot SnapshotFunc) *Broadcaster {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.channels[sessionID]; ok {
		return existing
	}
	b := NewBroadcaster(sessionID, h.logCap, snapshot)
	h.channels[sessionID] = b
	return b
}

// Get returns the broadcaster for a session, if open.
func (h *Hub) Get(sessionID string) (*Broadcaster, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.channels[sessionID]
	return b, ok
}

// Remove closes and forgets the broadcaster for a session.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	b, ok := h.channels[sessionID]
	if ok {
		delete(h.channels, sessionID)
	}
	h.mu.Unlock()
	if ok {
		b.Close()
	}
}

// Close tears down every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	channels := make([]*Broadcaster, 0, len(h.channels))
	for id, b := range h.channels {
		channels = append(channels, b)
		delete(h.channels, id)
	}
	h.mu.Unlock()
	for _, b := range channels {
		b.Close()
	}
}
