package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/decision/decisiontest"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/driver/drivertest"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/stream"
)

type loopFixture struct {
	ctrl     *Controller
	runner   *Runner
	drv      *drivertest.Driver
	manager  *driver.Manager
	provider *decisiontest.Provider
	done     chan struct{}
}

func newLoopFixture(t *testing.T, opts Options, provider *decisiontest.Provider) *loopFixture {
	t.Helper()
	if opts.Kind == "" {
		opts.Kind = KindGeneration
	}
	if opts.Mode == "" {
		opts.Mode = ModeAutonomous
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = 10
	}

	drv := drivertest.New()
	manager := driver.NewManager(drv, 2)
	t.Cleanup(func() { _ = manager.Close() })

	var ctrl *Controller
	b := stream.NewBroadcaster("loop-test", 200, func() map[string]any { return ctrl.Snapshot() })
	t.Cleanup(b.Close)
	ctrl = NewController("loop-test", opts, b)

	runner, err := NewRunner(RunnerConfig{
		Controller: ctrl,
		Manager:    manager,
		Provider:   provider,
	})
	require.NoError(t, err)

	return &loopFixture{
		ctrl:     ctrl,
		runner:   runner,
		drv:      drv,
		manager:  manager,
		provider: provider,
		done:     make(chan struct{}),
	}
}

func (f *loopFixture) start(t *testing.T) {
	t.Helper()
	go func() {
		defer close(f.done)
		f.runner.Run(context.Background())
	}()
}

func (f *loopFixture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not terminate")
	}
}

func waitStatus(t *testing.T, ctrl *Controller, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return ctrl.Status() == want
	}, 5*time.Second, 5*time.Millisecond, "waiting for status %s, at %s", want, ctrl.Status())
}

func clickDecision(selector string) decision.Decision {
	return decision.Decision{
		Action:  driver.Action{Type: driver.ActionClick, Selector: selector},
		Summary: "click " + selector,
	}
}

func TestAutonomousRunsToCompletion(t *testing.T) {
	provider := &decisiontest.Provider{
		Decisions: []decision.Decision{
			clickDecision("#login"),
			clickDecision("#submit"),
		},
	}
	f := newLoopFixture(t, Options{
		Goal:       "log in",
		InitialURL: "https://example.test/login",
	}, provider)

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusCompleted, f.ctrl.Status())
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Equal(t, "passed", res.Status)

	steps := f.ctrl.Steps()
	require.Len(t, steps, 2)
	assert.Equal(t, "click #login", steps[0].Summary)
	assert.Equal(t, "click #submit", steps[1].Summary)

	assert.Equal(t, 0, f.manager.Active(), "handle released on exit")
	assert.Equal(t, 3, provider.DecideCalls(), "two actions plus the terminal done")
}

func TestAutonomousProviderFailureTerminates(t *testing.T) {
	provider := &decisiontest.Provider{
		DecideErr: errors.New("model unavailable"),
	}
	f := newLoopFixture(t, Options{Goal: "anything"}, provider)

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusFailed, f.ctrl.Status())
	steps := f.ctrl.Steps()
	require.Len(t, steps, 1, "provider failure is recorded as a failed step")
	assert.True(t, steps[0].Failed)
	assert.Equal(t, 0, f.manager.Active())
}

func TestAutonomousStopsAtMaxSteps(t *testing.T) {
	provider := &decisiontest.Provider{
		DecideFn: func(decision.DecideRequest) (*decision.Decision, error) {
			d := clickDecision("#next")
			return &d, nil
		},
	}
	f := newLoopFixture(t, Options{Goal: "never done", MaxSteps: 3}, provider)

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusFailed, f.ctrl.Status())
	assert.Len(t, f.ctrl.Steps(), 3)
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Contains(t, res.Message, "max steps")
}

func TestPauseResumePreservesSessionIdentity(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	provider := &decisiontest.Provider{
		DecideFn: func(req decision.DecideRequest) (*decision.Decision, error) {
			started <- struct{}{}
			<-gate
			if len(req.History) >= 1 {
				return &decision.Decision{
					Action:    driver.Action{Type: driver.ActionDone},
					Reasoning: "done",
				}, nil
			}
			d := clickDecision("#once")
			return &d, nil
		},
	}
	f := newLoopFixture(t, Options{Goal: "pausable"}, provider)
	f.start(t)

	<-started
	require.Equal(t, StatusThinking, f.ctrl.Status())
	require.NoError(t, f.ctrl.Pause())
	gate <- struct{}{}

	// The decided action must not apply while paused.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusPaused, f.ctrl.Status())
	assert.Empty(t, f.ctrl.Steps())

	require.NoError(t, f.ctrl.Resume())
	<-started
	gate <- struct{}{}
	f.wait(t)

	assert.Equal(t, StatusCompleted, f.ctrl.Status())
	assert.Len(t, f.ctrl.Steps(), 1, "loop resumed exactly where it left off")
	assert.Equal(t, 1, f.drv.Launched(), "same handle across pause and resume")
}

func TestStopAbortsLoopAndReleasesHandle(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{}, 8)
	provider := &decisiontest.Provider{
		DecideFn: func(decision.DecideRequest) (*decision.Decision, error) {
			started <- struct{}{}
			<-gate
			d := clickDecision("#never")
			return &d, nil
		},
	}
	f := newLoopFixture(t, Options{Goal: "stoppable"}, provider)
	f.start(t)

	<-started
	require.NoError(t, f.ctrl.Stop())
	close(gate)
	f.wait(t)

	assert.Equal(t, StatusStopped, f.ctrl.Status())
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Equal(t, "stopped", res.Status)
	assert.Empty(t, f.ctrl.Steps(), "no step events after stop")
	assert.Equal(t, 0, f.manager.Active())
}

func TestManualSingleInstruction(t *testing.T) {
	provider := &decisiontest.Provider{
		Plans: []decision.Plan{{
			CanExecute: true,
			Steps: []decision.PlannedStep{{
				Summary: "click the login button",
				Action:  driver.Action{Type: driver.ActionClick, Selector: "#login"},
			}},
		}},
	}
	f := newLoopFixture(t, Options{Mode: ModeManual}, provider)
	f.start(t)

	waitStatus(t, f.ctrl, StatusAwaitingInput)
	require.NoError(t, f.ctrl.SendInstruction("click the login button"))

	require.Eventually(t, func() bool {
		return len(f.ctrl.Steps()) == 1 && f.ctrl.Status() == StatusAwaitingInput
	}, 5*time.Second, 5*time.Millisecond)

	steps := f.ctrl.Steps()
	assert.Equal(t, "click the login button", steps[0].Summary)
	assert.False(t, steps[0].Failed)
	assert.Equal(t, 1, provider.PlanCalls())

	require.NoError(t, f.ctrl.Stop())
	f.wait(t)
}

func TestManualClarificationExecutesNothing(t *testing.T) {
	provider := &decisiontest.Provider{
		Plans: []decision.Plan{{
			CanExecute:    false,
			Clarification: "which button do you mean?",
		}},
	}
	f := newLoopFixture(t, Options{Mode: ModeManual}, provider)
	f.start(t)

	waitStatus(t, f.ctrl, StatusAwaitingInput)
	require.NoError(t, f.ctrl.SendInstruction("click it"))

	require.Eventually(t, func() bool {
		return provider.PlanCalls() == 1 && f.ctrl.Status() == StatusAwaitingInput
	}, 5*time.Second, 5*time.Millisecond)

	assert.Empty(t, f.ctrl.Steps())
	snap := f.ctrl.Snapshot()
	chat := snap["chat"].([]ChatMessage)
	require.NotEmpty(t, chat)
	assert.Equal(t, "which button do you mean?", chat[len(chat)-1].Text)

	require.NoError(t, f.ctrl.Stop())
	f.wait(t)
}

func TestManualInterruptAbandonsRemainder(t *testing.T) {
	release := make(chan struct{})
	executing := make(chan struct{}, 8)
	var once sync.Once

	provider := &decisiontest.Provider{
		Plans: []decision.Plan{{
			CanExecute: true,
			Steps: []decision.PlannedStep{
				{Summary: "step a", Action: driver.Action{Type: driver.ActionClick, Selector: "#a"}},
				{Summary: "step b", Action: driver.Action{Type: driver.ActionClick, Selector: "#b"}},
				{Summary: "step c", Action: driver.Action{Type: driver.ActionClick, Selector: "#c"}},
			},
		}},
	}
	f := newLoopFixture(t, Options{Mode: ModeManual}, provider)
	f.drv.ExecuteHook = func(action driver.Action) {
		if action.Selector == "#a" {
			once.Do(func() {
				executing <- struct{}{}
				<-release
			})
		}
	}
	f.start(t)

	waitStatus(t, f.ctrl, StatusAwaitingInput)
	require.NoError(t, f.ctrl.SendInstruction("do three things"))

	// Interrupt lands while the first sub-step is still in flight.
	<-executing
	require.NoError(t, f.ctrl.Interrupt())
	close(release)

	require.Eventually(t, func() bool {
		return len(f.ctrl.Steps()) == 1 && f.ctrl.Status() == StatusAwaitingInput
	}, 5*time.Second, 5*time.Millisecond)

	steps := f.ctrl.Steps()
	assert.Equal(t, "step a", steps[0].Summary, "in-flight action completes and records")
	assert.False(t, steps[0].Failed)

	require.NoError(t, f.ctrl.Stop())
	f.wait(t)
}

func TestScriptReplayPasses(t *testing.T) {
	steps := []script.Step{
		{Seq: 1, Summary: "open login", Action: driver.Action{Type: driver.ActionNavigate, URL: "https://example.test/login"}},
		{Seq: 2, Summary: "fill user", Action: driver.Action{Type: driver.ActionTypeText, Selector: "#user", Value: "qa"}},
		{Seq: 3, Summary: "submit", Action: driver.Action{Type: driver.ActionClick, Selector: "#go"}},
	}
	f := newLoopFixture(t, Options{
		Kind:        KindRun,
		Mode:        ModeScript,
		ScriptSteps: steps,
	}, &decisiontest.Provider{})

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusCompleted, f.ctrl.Status())
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Equal(t, "passed", res.Status)
	assert.Len(t, f.ctrl.Steps(), 3)
	assert.Equal(t, 0, f.provider.DecideCalls(), "script replay never consults the provider")
}

func TestScriptReplayStartsFromStep(t *testing.T) {
	steps := []script.Step{
		{Seq: 1, Summary: "one", Action: driver.Action{Type: driver.ActionClick, Selector: "#1"}},
		{Seq: 2, Summary: "two", Action: driver.Action{Type: driver.ActionClick, Selector: "#2"}},
		{Seq: 3, Summary: "three", Action: driver.Action{Type: driver.ActionClick, Selector: "#3"}},
	}
	f := newLoopFixture(t, Options{
		Kind:          KindRun,
		Mode:          ModeScript,
		ScriptSteps:   steps,
		StartFromStep: 2,
	}, &decisiontest.Provider{})

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusCompleted, f.ctrl.Status())
	recorded := f.ctrl.Steps()
	require.Len(t, recorded, 2)
	assert.Equal(t, "two", recorded[0].Summary)
	assert.Equal(t, "three", recorded[1].Summary)
}

func TestScriptStepFailureFailsRun(t *testing.T) {
	steps := []script.Step{
		{Seq: 1, Summary: "ok", Action: driver.Action{Type: driver.ActionClick, Selector: "#ok"}},
		{Seq: 2, Summary: "broken", Action: driver.Action{Type: driver.ActionClick, Selector: "#gone"}},
		{Seq: 3, Summary: "never runs", Action: driver.Action{Type: driver.ActionClick, Selector: "#after"}},
	}
	f := newLoopFixture(t, Options{
		Kind:        KindRun,
		Mode:        ModeScript,
		ScriptSteps: steps,
	}, &decisiontest.Provider{})
	f.drv.FailActions = map[string]string{"#gone": "element not found"}

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusFailed, f.ctrl.Status())
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Equal(t, "failed", res.Status)
	assert.Contains(t, res.Message, "step 2")

	recorded := f.ctrl.Steps()
	require.Len(t, recorded, 2, "the failing step records, the rest never run")
	assert.True(t, recorded[1].Failed)
}

func TestLaunchFailureFailsSession(t *testing.T) {
	f := newLoopFixture(t, Options{Goal: "anything"}, &decisiontest.Provider{})
	f.drv.LaunchErr = errors.New("no browsers available")

	f.start(t)
	f.wait(t)

	assert.Equal(t, StatusFailed, f.ctrl.Status())
	res := f.ctrl.Result()
	require.NotNil(t, res)
	assert.Contains(t, res.Message, "launch")
}

func TestGenerationAutoSavesScript(t *testing.T) {
	lib, err := script.NewLibrary(t.TempDir())
	require.NoError(t, err)

	provider := &decisiontest.Provider{
		Decisions: []decision.Decision{clickDecision("#only")},
	}
	f := newLoopFixture(t, Options{Goal: "record one click", InitialURL: "https://example.test/"}, provider)
	f.runner.library = lib

	f.start(t)
	f.wait(t)

	require.Equal(t, StatusCompleted, f.ctrl.Status())
	saved := lib.List()
	require.Len(t, saved, 1)
	require.Len(t, saved[0].Steps, 1)
	assert.Equal(t, "click #only", saved[0].Steps[0].Summary)
	assert.Equal(t, "https://example.test/", saved[0].BaseURL)
}
