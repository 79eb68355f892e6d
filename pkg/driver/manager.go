package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	apperrors "github.com/odvcencio/testpilot/pkg/errors"
)

// ErrOwnershipConflict is returned when a second loop attempts to claim a
// handle already owned for the same session id.
var ErrOwnershipConflict = errors.New("handle already owned for session")

// ownershipConflict keeps the sentinel in the chain for errors.Is callers
// while carrying the structured code HTTP handlers map to a 409.
func ownershipConflict(sessionID string) error {
	return apperrors.Wrap(ErrOwnershipConflict, apperrors.ErrCodeOwnershipConflict, "handle already owned").
		WithContext("sessionId", sessionID)
}

// Manager tracks handle ownership per session id and bounds the number of
// simultaneously open handles.
type Manager struct {
	driver  Driver
	sem     *semaphore.Weighted
	mu      sync.Mutex
	handles map[string]Handle
}

// NewManager creates a Manager backed by the provided driver. maxConcurrent
// bounds simultaneously open handles; values <= 0 default to 4.
func NewManager(d Driver, maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Manager{
		driver:  d,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		handles: make(map[string]Handle),
	}
}

// Acquire launches a handle for the session, claiming exclusive ownership.
// Blocks until a handle slot is available or ctx is done.
func (m *Manager) Acquire(ctx context.Context, opts LaunchOptions) (Handle, error) {
	if m == nil || m.driver == nil {
		return nil, ErrUnavailable
	}
	if opts.SessionID == "" {
		return nil, fmt.Errorf("session_id is required")
	}

	m.mu.Lock()
	if _, exists := m.handles[opts.SessionID]; exists {
		m.mu.Unlock()
		return nil, ownershipConflict(opts.SessionID)
	}
	m.mu.Unlock()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	handle, err := m.driver.Launch(ctx, opts)
	if err != nil {
		m.sem.Release(1)
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.handles[opts.SessionID]; exists {
		m.mu.Unlock()
		_ = handle.Close()
		m.sem.Release(1)
		return nil, ownershipConflict(opts.SessionID)
	}
	m.handles[opts.SessionID] = handle
	m.mu.Unlock()
	return handle, nil
}

// Get returns the handle owned for a session, if any.
func (m *Manager) Get(sessionID string) (Handle, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	handle, ok := m.handles[sessionID]
	return handle, ok
}

// Release closes the handle owned for a session and frees its slot.
// Releasing an unowned session is a no-op.
func (m *Manager) Release(sessionID string) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	handle, ok := m.handles[sessionID]
	if ok {
		delete(m.handles, sessionID)
	}
	m.mu.Unlock()
	if !ok || handle == nil {
		return nil
	}
	err := handle.Close()
	m.sem.Release(1)
	return err
}

// Active returns the number of currently owned handles.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Close releases every handle and shuts down the underlying driver.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var lastErr error
	for _, id := range ids {
		if err := m.Release(id); err != nil {
			lastErr = err
		}
	}
	if m.driver != nil {
		if err := m.driver.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
