package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/decision/decisiontest"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/driver/drivertest"
	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// memStore is an in-memory Store for registry tests.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	steps    map[string][]StepRecord
	failed   map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*Session),
		steps:    make(map[string][]StepRecord),
		failed:   make(map[string]string),
	}
}

func (m *memStore) SaveSession(sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) SaveStep(sessionID string, step StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps[sessionID] = append(m.steps[sessionID], step)
	return nil
}

func (m *memStore) ListOpenSessionIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, sess := range m.sessions {
		if !sess.Status.Terminal() {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *memStore) MarkSessionFailed(sessionID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[sessionID] = message
	if sess, ok := m.sessions[sessionID]; ok {
		sess.Status = StatusFailed
	}
	return nil
}

func newTestRegistry(t *testing.T, provider decision.Provider) (*Registry, *drivertest.Driver, *memStore) {
	t.Helper()
	drv := drivertest.New()
	manager := driver.NewManager(drv, 4)
	t.Cleanup(func() { _ = manager.Close() })

	hub := stream.NewHub(100)
	t.Cleanup(hub.Close)

	store := newMemStore()
	reg := NewRegistry(RegistryConfig{
		Hub:      hub,
		Manager:  manager,
		Provider: provider,
		Store:    store,
	})
	t.Cleanup(reg.StopAll)
	return reg, drv, store
}

func waitTerminal(t *testing.T, ctrl *Controller) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Status().Terminal()
	}, 5*time.Second, 5*time.Millisecond)
}

func TestRegistryCreateAndGet(t *testing.T) {
	provider := &decisiontest.Provider{}
	reg, _, store := newTestRegistry(t, provider)

	ctrl, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeAutonomous, Goal: "g"})
	require.NoError(t, err)
	require.NotEmpty(t, ctrl.ID())

	got, err := reg.Get(ctrl.ID())
	require.NoError(t, err)
	assert.Same(t, ctrl, got)

	store.mu.Lock()
	_, persisted := store.sessions[ctrl.ID()]
	store.mu.Unlock()
	assert.True(t, persisted, "new session persisted on create")

	waitTerminal(t, ctrl)
}

func TestRegistryGetUnknownSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &decisiontest.Provider{})

	_, err := reg.Get("no-such-id")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotFound))

	assert.True(t, errors.IsCode(reg.Pause("no-such-id"), errors.ErrCodeSessionNotFound))
	assert.True(t, errors.IsCode(reg.Stop("no-such-id"), errors.ErrCodeSessionNotFound))
	assert.True(t, errors.IsCode(reg.Restart("no-such-id"), errors.ErrCodeSessionNotFound))
}

func TestRegistryListSnapshotsAllSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &decisiontest.Provider{})

	a, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeAutonomous, Goal: "a"})
	require.NoError(t, err)
	b, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeAutonomous, Goal: "b"})
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, snap := range reg.List() {
		ids[snap["id"].(string)] = true
	}
	assert.True(t, ids[a.ID()])
	assert.True(t, ids[b.ID()])

	waitTerminal(t, a)
	waitTerminal(t, b)
}

func TestRegistryRestartRunsFreshLoop(t *testing.T) {
	provider := &decisiontest.Provider{}
	reg, drv, _ := newTestRegistry(t, provider)

	ctrl, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeAutonomous, Goal: "g"})
	require.NoError(t, err)
	waitTerminal(t, ctrl)
	require.Equal(t, 1, drv.Launched())

	require.NoError(t, reg.Restart(ctrl.ID()))

	waitTerminal(t, ctrl)
	assert.Equal(t, 2, drv.Launched(), "restart launches a fresh handle")
}

func TestRegistryDeleteRemovesSessionAndChannel(t *testing.T) {
	reg, _, _ := newTestRegistry(t, &decisiontest.Provider{})

	ctrl, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeAutonomous, Goal: "g"})
	require.NoError(t, err)
	waitTerminal(t, ctrl)

	require.NoError(t, reg.Delete(ctrl.ID()))

	_, err = reg.Get(ctrl.ID())
	assert.True(t, errors.IsCode(err, errors.ErrCodeSessionNotFound))
}

func TestRegistrySendChatRoutesByMode(t *testing.T) {
	provider := &decisiontest.Provider{
		Plans: []decision.Plan{{
			CanExecute: true,
			Steps: []decision.PlannedStep{{
				Summary: "click",
				Action:  driver.Action{Type: driver.ActionClick, Selector: "#x"},
			}},
		}},
	}
	reg, _, _ := newTestRegistry(t, provider)

	ctrl, err := reg.Create(Options{Kind: KindGeneration, Mode: ModeManual})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return ctrl.Status() == StatusAwaitingInput
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.SendChat(ctrl.ID(), "click the thing"))

	require.Eventually(t, func() bool {
		return len(ctrl.Steps()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Stop(ctrl.ID()))
}

func TestRegistryRecoverOrphans(t *testing.T) {
	reg, _, store := newTestRegistry(t, &decisiontest.Provider{})

	// Simulate sessions left open by a previous process.
	store.sessions["orphan-1"] = &Session{ID: "orphan-1", Status: StatusRunning}
	store.sessions["done-1"] = &Session{ID: "done-1", Status: StatusCompleted}

	require.NoError(t, reg.RecoverOrphans())

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Contains(t, store.failed, "orphan-1")
	assert.NotContains(t, store.failed, "done-1")
}
