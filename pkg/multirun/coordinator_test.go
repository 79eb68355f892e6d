package multirun

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/testpilot/pkg/decision/decisiontest"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/driver/drivertest"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/session"
	"github.com/odvcencio/testpilot/pkg/stream"
)

type batchFixture struct {
	registry *session.Registry
	library  *script.Library
	drv      *drivertest.Driver
	hub      *stream.Hub
	manager  *Manager
	testIDs  []string
}

// newBatchFixture saves one single-step script per selector and wires a real
// registry on the scripted driver.
func newBatchFixture(t *testing.T, selectors ...string) *batchFixture {
	t.Helper()

	drv := drivertest.New()
	dm := driver.NewManager(drv, 2)
	t.Cleanup(func() { _ = dm.Close() })

	hub := stream.NewHub(100)
	t.Cleanup(hub.Close)

	lib, err := script.NewLibrary(t.TempDir())
	require.NoError(t, err)

	registry := session.NewRegistry(session.RegistryConfig{
		Hub:      hub,
		Manager:  dm,
		Provider: &decisiontest.Provider{},
	})
	t.Cleanup(registry.StopAll)

	f := &batchFixture{
		registry: registry,
		library:  lib,
		drv:      drv,
		hub:      hub,
		manager:  NewManager(hub, registry, lib, nil),
	}
	for _, selector := range selectors {
		s := script.New("test " + selector)
		s.BaseURL = "https://example.test/"
		s.Steps = []script.Step{{
			Seq:     1,
			Summary: "click " + selector,
			Action:  driver.Action{Type: driver.ActionClick, Selector: selector},
		}}
		require.NoError(t, lib.Save(s))
		f.testIDs = append(f.testIDs, s.ID)
	}
	return f
}

func (f *batchFixture) queue(enabled ...bool) []QueuedTest {
	tests := make([]QueuedTest, len(f.testIDs))
	for i, id := range f.testIDs {
		on := true
		if i < len(enabled) {
			on = enabled[i]
		}
		tests[i] = QueuedTest{TestID: id, Order: i + 1, Enabled: on}
	}
	return tests
}

func waitBatch(t *testing.T, coord *Coordinator) State {
	t.Helper()
	select {
	case <-coord.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("batch did not finish")
	}
	return coord.State()
}

func TestBatchRunsAllTestsInOrder(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)
	state := waitBatch(t, coord)

	assert.Equal(t, StatusCompleted, state.Status)
	require.Len(t, state.Tests, 3)
	seen := map[string]bool{}
	for i, entry := range state.Tests {
		assert.Equal(t, TestPassed, entry.Status, "test %d", i+1)
		assert.NotEmpty(t, entry.RunID)
		assert.False(t, seen[entry.RunID], "each entry gets its own run session")
		seen[entry.RunID] = true
	}

	// Strict sequencing: one step plus the initial navigation per test, and
	// never more than one handle open at a time (the driver would have
	// rejected concurrent launches past the ceiling otherwise).
	assert.Equal(t, 3, f.drv.Launched())
}

func TestStopOnFailureSkipsRemainder(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")
	f.drv.FailActions = map[string]string{"#b": "element not found"}

	coord, err := f.manager.Start(f.queue(), Options{StopOnFailure: true})
	require.NoError(t, err)
	state := waitBatch(t, coord)

	assert.Equal(t, StatusStopped, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
	assert.Equal(t, TestFailed, state.Tests[1].Status)
	assert.Equal(t, TestSkipped, state.Tests[2].Status)
	assert.Equal(t, 2, f.drv.Launched(), "the third test never starts")
}

func TestFailureWithoutStopOnFailureContinues(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")
	f.drv.FailActions = map[string]string{"#b": "element not found"}

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)
	state := waitBatch(t, coord)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
	assert.Equal(t, TestFailed, state.Tests[1].Status)
	assert.Equal(t, TestPassed, state.Tests[2].Status)
}

func TestSkipAdvancesToNextTest(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")

	release := make(chan struct{})
	executing := make(chan struct{}, 1)
	var once sync.Once
	f.drv.ExecuteHook = func(action driver.Action) {
		if action.Selector == "#b" {
			once.Do(func() {
				executing <- struct{}{}
				<-release
			})
		}
	}

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)

	<-executing
	require.NoError(t, coord.Skip())
	close(release)

	state := waitBatch(t, coord)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
	assert.Equal(t, TestSkipped, state.Tests[1].Status)
	assert.Equal(t, TestPassed, state.Tests[2].Status, "queue advances without operator intervention")
}

func TestStopMarksRemainingSkipped(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")

	release := make(chan struct{})
	executing := make(chan struct{}, 1)
	var once sync.Once
	f.drv.ExecuteHook = func(action driver.Action) {
		if action.Selector == "#a" {
			once.Do(func() {
				executing <- struct{}{}
				<-release
			})
		}
	}

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)

	<-executing
	require.NoError(t, coord.Stop())
	close(release)

	state := waitBatch(t, coord)
	assert.Equal(t, StatusStopped, state.Status)
	for i, entry := range state.Tests {
		assert.Equal(t, TestSkipped, entry.Status, "test %d", i+1)
	}
	assert.Equal(t, 1, f.drv.Launched())

	require.NoError(t, coord.Stop(), "stopping a finished batch is a no-op")
}

func TestPauseForwardsToActiveSession(t *testing.T) {
	f := newBatchFixture(t, "#a")

	release := make(chan struct{})
	executing := make(chan struct{}, 1)
	var once sync.Once
	f.drv.ExecuteHook = func(action driver.Action) {
		if action.Selector == "#a" {
			once.Do(func() {
				executing <- struct{}{}
				<-release
			})
		}
	}

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)

	<-executing
	require.NoError(t, coord.Pause())
	close(release)

	runID := coord.State().Tests[0].RunID
	ctrl, err := f.registry.Get(runID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return ctrl.Status() == session.StatusPaused
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusRunning, coord.State().Status, "the queue itself stays ready")

	require.NoError(t, coord.Resume())
	state := waitBatch(t, coord)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
}

func TestDisabledEntriesNeverRun(t *testing.T) {
	f := newBatchFixture(t, "#a", "#b", "#c")

	coord, err := f.manager.Start(f.queue(true, false, true), Options{})
	require.NoError(t, err)
	state := waitBatch(t, coord)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
	assert.Equal(t, TestSkipped, state.Tests[1].Status)
	assert.Equal(t, TestPassed, state.Tests[2].Status)
	assert.Equal(t, 2, f.drv.Launched())
}

func TestUnknownScriptFailsEntry(t *testing.T) {
	f := newBatchFixture(t, "#a")
	tests := append(f.queue(), QueuedTest{TestID: "missing", Order: 2, Enabled: true})

	coord, err := f.manager.Start(tests, Options{})
	require.NoError(t, err)
	state := waitBatch(t, coord)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, TestPassed, state.Tests[0].Status)
	assert.Equal(t, TestFailed, state.Tests[1].Status)
	assert.Contains(t, state.Tests[1].Error, "script not found")
}

func TestManagerGetAndDelete(t *testing.T) {
	f := newBatchFixture(t, "#a")

	coord, err := f.manager.Start(f.queue(), Options{})
	require.NoError(t, err)

	got, err := f.manager.Get(coord.ID())
	require.NoError(t, err)
	assert.Same(t, coord, got)

	waitBatch(t, coord)
	require.NoError(t, f.manager.Delete(coord.ID()))
	_, err = f.manager.Get(coord.ID())
	assert.Error(t, err)
}
