package insert

import (
	"context"
	"sync"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Manager owns live insertion sidecars.
type Manager struct {
	mu       sync.Mutex
	sidecars map[string]*Sidecar

	hub      *stream.Hub
	drivers  *driver.Manager
	provider decision.Provider
	library  *script.Library
}

// NewManager creates an empty sidecar manager.
func NewManager(hub *stream.Hub, drivers *driver.Manager, provider decision.Provider, library *script.Library) *Manager {
	return &Manager{
		sidecars: make(map[string]*Sidecar),
		hub:      hub,
		drivers:  drivers,
		provider: provider,
		library:  library,
	}
}

// Start opens a sidecar for the given script, replaying through afterStep.
func (m *Manager) Start(ctx context.Context, scriptID string, afterStep int) (*Sidecar, error) {
	saved, err := m.library.Get(scriptID)
	if err != nil {
		return nil, err
	}

	sidecar, err := New(Config{
		Script:    saved,
		AfterStep: afterStep,
		Manager:   m.drivers,
		Provider:  m.provider,
		Library:   m.library,
	})
	if err != nil {
		return nil, err
	}
	sidecar.broadcaster = m.hub.Open(streamID(sidecar.ID()), sidecar.Snapshot)

	if err := sidecar.Start(ctx); err != nil {
		m.hub.Remove(streamID(sidecar.ID()))
		return nil, err
	}

	m.mu.Lock()
	m.sidecars[sidecar.ID()] = sidecar
	m.mu.Unlock()
	return sidecar, nil
}

// Get returns a live sidecar by id.
func (m *Manager) Get(id string) (*Sidecar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sidecar, ok := m.sidecars[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeSessionNotFound, "insertion session not found").
			WithContext("insertId", id)
	}
	return sidecar, nil
}

// Remove cancels a sidecar if still open and drops it with its channel.
func (m *Manager) Remove(id string) error {
	sidecar, err := m.Get(id)
	if err != nil {
		return err
	}
	sidecar.Cancel()

	m.mu.Lock()
	delete(m.sidecars, id)
	m.mu.Unlock()
	m.hub.Remove(streamID(id))
	return nil
}

// CloseAll cancels every open sidecar. Used on shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sidecars := make([]*Sidecar, 0, len(m.sidecars))
	for _, s := range m.sidecars {
		sidecars = append(sidecars, s)
	}
	m.sidecars = make(map[string]*Sidecar)
	m.mu.Unlock()

	for _, s := range sidecars {
		s.Cancel()
	}
}

func streamID(insertID string) string {
	return "insert:" + insertID
}

// StreamID returns the hub channel id for an insertion session.
func StreamID(insertID string) string {
	return streamID(insertID)
}
