package multirun

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/session"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// SessionLauncher is the slice of the session registry the coordinator
// needs: create run sessions, wait for them, and forward control verbs.
type SessionLauncher interface {
	Create(opts session.Options) (*session.Controller, error)
	Done(id string) (<-chan struct{}, error)
	Pause(id string) error
	Resume(id string) error
	Stop(id string) error
}

// ScriptResolver resolves a queued test id to its saved script.
type ScriptResolver interface {
	Get(id string) (*script.Script, error)
}

// Coordinator drives one batch to completion, one enabled entry at a time.
type Coordinator struct {
	mu    sync.Mutex
	state State

	launcher    SessionLauncher
	scripts     ScriptResolver
	broadcaster *stream.Broadcaster
	logger      *logging.Logger

	activeRunID   string
	skipRequested bool
	stopRequested bool
	done          chan struct{}
}

// CoordinatorConfig wires one batch run.
type CoordinatorConfig struct {
	Tests       []QueuedTest
	Options     Options
	Launcher    SessionLauncher
	Scripts     ScriptResolver
	Broadcaster *stream.Broadcaster // optional
	Logger      *logging.Logger     // optional
}

// NewCoordinator validates and indexes the batch. Entries execute in Order,
// not in slice position.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if len(cfg.Tests) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "batch has no tests")
	}
	if cfg.Launcher == nil || cfg.Scripts == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "launcher and script resolver required")
	}

	tests := make([]QueuedTest, len(cfg.Tests))
	copy(tests, cfg.Tests)
	sort.SliceStable(tests, func(i, j int) bool { return tests[i].Order < tests[j].Order })
	for i := range tests {
		tests[i].Status = TestPending
		tests[i].RunID = ""
		tests[i].Duration = 0
		tests[i].Error = ""
	}

	return &Coordinator{
		state: State{
			ID:               ulid.Make().String(),
			Status:           StatusRunning,
			CurrentTestIndex: -1,
			Tests:            tests,
			Options:          cfg.Options,
			StartedAt:        time.Now(),
		},
		launcher:    cfg.Launcher,
		scripts:     cfg.Scripts,
		broadcaster: cfg.Broadcaster,
		logger:      cfg.Logger,
		done:        make(chan struct{}),
	}, nil
}

// ID returns the batch identifier.
func (c *Coordinator) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ID
}

// State returns a snapshot of the batch.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() State {
	out := c.state
	out.Tests = make([]QueuedTest, len(c.state.Tests))
	copy(out.Tests, c.state.Tests)
	return out
}

// Snapshot adapts State for stream hydration.
func (c *Coordinator) Snapshot() map[string]any {
	s := c.State()
	return map[string]any{
		"id":               s.ID,
		"status":           string(s.Status),
		"currentTestIndex": s.CurrentTestIndex,
		"tests":            s.Tests,
		"options":          s.Options,
		"startedAt":        s.StartedAt,
	}
}

// Done is closed when the batch reaches a terminal status.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run executes the batch. It blocks until the batch is terminal; callers run
// it on its own goroutine.
func (c *Coordinator) Run() {
	defer close(c.done)

	for i := range c.state.Tests {
		c.mu.Lock()
		if c.stopRequested {
			c.mu.Unlock()
			break
		}
		if !c.state.Tests[i].Enabled {
			c.state.Tests[i].Status = TestSkipped
			c.mu.Unlock()
			continue
		}
		testID := c.state.Tests[i].TestID
		startFrom := c.state.Tests[i].StartFromStep
		c.state.CurrentTestIndex = i
		c.mu.Unlock()

		c.runEntry(i, testID, startFrom)

		c.mu.Lock()
		failed := c.state.Tests[i].Status == TestFailed
		stopOnFailure := c.state.Options.StopOnFailure
		c.mu.Unlock()
		if failed && stopOnFailure {
			c.requestStop()
			break
		}
	}

	c.mu.Lock()
	if c.stopRequested {
		c.state.Status = StatusStopped
		for i := range c.state.Tests {
			if !c.state.Tests[i].Status.Terminal() {
				c.state.Tests[i].Status = TestSkipped
			}
		}
	} else {
		c.state.Status = StatusCompleted
	}
	c.state.FinishedAt = time.Now()
	c.mu.Unlock()

	c.emitProgress()
}

func (c *Coordinator) runEntry(index int, testID string, startFrom int) {
	saved, err := c.scripts.Get(testID)
	if err != nil {
		c.mu.Lock()
		c.state.Tests[index].Status = TestFailed
		c.state.Tests[index].Error = "script not found: " + testID
		c.mu.Unlock()
		c.emitProgress()
		return
	}

	c.mu.Lock()
	opts := session.Options{
		Kind:          session.KindRun,
		Mode:          session.ModeScript,
		TestID:        testID,
		ScriptSteps:   saved.Steps,
		StartFromStep: startFrom,
		InitialURL:    saved.BaseURL,
		Headed:        c.state.Options.Headed,
		SlowMo:        c.state.Options.SlowMo,
	}
	c.mu.Unlock()

	ctrl, err := c.launcher.Create(opts)
	if err != nil {
		c.mu.Lock()
		c.state.Tests[index].Status = TestFailed
		c.state.Tests[index].Error = err.Error()
		c.mu.Unlock()
		c.emitProgress()
		return
	}

	c.mu.Lock()
	c.state.Tests[index].Status = TestRunning
	c.state.Tests[index].RunID = ctrl.ID()
	c.activeRunID = ctrl.ID()
	c.skipRequested = false
	c.mu.Unlock()
	c.emitProgress()

	runDone, err := c.launcher.Done(ctrl.ID())
	if err == nil {
		<-runDone
	}

	result := ctrl.Result()

	c.mu.Lock()
	c.activeRunID = ""
	skipped := c.skipRequested
	c.skipRequested = false
	entry := &c.state.Tests[index]
	if result != nil {
		entry.Duration = result.Duration
		entry.Error = result.Message
	}
	switch {
	case skipped:
		entry.Status = TestSkipped
		entry.Error = ""
	case result != nil && result.Status == "passed":
		entry.Status = TestPassed
	case result != nil && result.Status == "stopped":
		entry.Status = TestSkipped
	default:
		entry.Status = TestFailed
	}
	c.mu.Unlock()
	c.emitProgress()

	if c.logger != nil {
		_ = c.logger.Info(logging.CategoryMultiRun, "multirun.entry_finished", testID, map[string]any{
			"batchId": c.ID(),
			"runId":   ctrl.ID(),
			"status":  string(c.State().Tests[index].Status),
		})
	}
}

// Pause suspends only the currently active per-test session; the queue
// itself stays ready.
func (c *Coordinator) Pause() error {
	id, err := c.requireActive()
	if err != nil {
		return err
	}
	return c.launcher.Pause(id)
}

// Resume continues the currently active per-test session.
func (c *Coordinator) Resume() error {
	id, err := c.requireActive()
	if err != nil {
		return err
	}
	return c.launcher.Resume(id)
}

// Skip stops the active entry, marks it skipped, and lets the queue advance
// immediately to the next entry.
func (c *Coordinator) Skip() error {
	c.mu.Lock()
	id := c.activeRunID
	if id == "" {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput, "no test is active")
	}
	c.skipRequested = true
	c.mu.Unlock()
	return c.launcher.Stop(id)
}

// Stop ends the batch: the active entry is stopped and every not-yet-started
// entry is marked skipped. Stopping a finished batch is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state.Status != StatusRunning {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.requestStop()
	return nil
}

func (c *Coordinator) requestStop() {
	c.mu.Lock()
	c.stopRequested = true
	id := c.activeRunID
	c.mu.Unlock()
	if id != "" {
		_ = c.launcher.Stop(id)
	}
}

func (c *Coordinator) requireActive() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeRunID == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "no test is active")
	}
	return c.activeRunID, nil
}

func (c *Coordinator) emitProgress() {
	if c.broadcaster == nil {
		return
	}
	s := c.State()
	c.broadcaster.Publish(stream.EventProgress, map[string]any{
		"batchId":          s.ID,
		"status":           string(s.Status),
		"currentTestIndex": s.CurrentTestIndex,
		"tests":            s.Tests,
	})
}
