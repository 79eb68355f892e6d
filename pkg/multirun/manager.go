package multirun

import (
	"sync"

	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Manager owns every live batch and its event channel.
type Manager struct {
	mu      sync.Mutex
	batches map[string]*Coordinator

	hub      *stream.Hub
	launcher SessionLauncher
	scripts  ScriptResolver
	logger   *logging.Logger
}

// NewManager creates an empty batch manager.
func NewManager(hub *stream.Hub, launcher SessionLauncher, scripts ScriptResolver, logger *logging.Logger) *Manager {
	return &Manager{
		batches:  make(map[string]*Coordinator),
		hub:      hub,
		launcher: launcher,
		scripts:  scripts,
		logger:   logger,
	}
}

// Start creates a batch and begins executing it in the background.
func (m *Manager) Start(tests []QueuedTest, options Options) (*Coordinator, error) {
	coord, err := NewCoordinator(CoordinatorConfig{
		Tests:    tests,
		Options:  options,
		Launcher: m.launcher,
		Scripts:  m.scripts,
		Logger:   m.logger,
	})
	if err != nil {
		return nil, err
	}

	coord.broadcaster = m.hub.Open(streamID(coord.ID()), coord.Snapshot)

	m.mu.Lock()
	m.batches[coord.ID()] = coord
	m.mu.Unlock()

	go coord.Run()

	if m.logger != nil {
		_ = m.logger.Info(logging.CategoryMultiRun, "multirun.started", "batch started", map[string]any{
			"batchId": coord.ID(),
			"tests":   len(tests),
		})
	}
	return coord, nil
}

// Get returns a live batch by id.
func (m *Manager) Get(id string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coord, ok := m.batches[id]
	if !ok {
		return nil, errors.New(errors.ErrCodeBatchNotFound, "batch not found").
			WithContext("batchId", id)
	}
	return coord, nil
}

// List snapshots every known batch.
func (m *Manager) List() []State {
	m.mu.Lock()
	coords := make([]*Coordinator, 0, len(m.batches))
	for _, c := range m.batches {
		coords = append(coords, c)
	}
	m.mu.Unlock()

	out := make([]State, 0, len(coords))
	for _, c := range coords {
		out = append(out, c.State())
	}
	return out
}

// Delete stops a batch if needed and removes it with its event channel.
func (m *Manager) Delete(id string) error {
	coord, err := m.Get(id)
	if err != nil {
		return err
	}
	if err := coord.Stop(); err != nil {
		return err
	}
	<-coord.Done()

	m.mu.Lock()
	delete(m.batches, id)
	m.mu.Unlock()
	m.hub.Remove(streamID(id))
	return nil
}

// StopAll stops every running batch and waits for them to settle.
func (m *Manager) StopAll() {
	for _, coord := range m.coordinators() {
		_ = coord.Stop()
		<-coord.Done()
	}
}

func (m *Manager) coordinators() []*Coordinator {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Coordinator, 0, len(m.batches))
	for _, c := range m.batches {
		out = append(out, c)
	}
	return out
}

// streamID namespaces batch event channels away from session ids.
func streamID(batchID string) string {
	return "multirun:" + batchID
}

// StreamID returns the hub channel id for a batch.
func StreamID(batchID string) string {
	return streamID(batchID)
}
