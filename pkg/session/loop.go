package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/metrics"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/stream"
)

const defaultMaxSteps = 25

// Store is the opaque persistence collaborator. The core only needs get/put
// style operations; pkg/storage provides the SQLite implementation.
type Store interface {
	SaveSession(sess *Session) error
	SaveStep(sessionID string, step StepRecord) error
	ListOpenSessionIDs() ([]string, error)
	MarkSessionFailed(sessionID, message string) error
}

// RunnerConfig configures one agent loop.
type RunnerConfig struct {
	Controller *Controller
	Manager    *driver.Manager
	Provider   decision.Provider
	Store      Store            // optional
	Library    *script.Library  // optional; enables auto-save of generated scripts
	Logger     *logging.Logger  // optional
	Metrics    *metrics.Metrics // optional
}

// Runner drives one session's observe/decide/act/record/check loop. Exactly
// one runner owns a session's browser handle.
type Runner struct {
	ctrl     *Controller
	manager  *driver.Manager
	provider decision.Provider
	store    Store
	library  *script.Library
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// NewRunner creates an agent loop bound to a controller.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Controller == nil {
		return nil, fmt.Errorf("controller required")
	}
	if cfg.Manager == nil {
		return nil, fmt.Errorf("driver manager required")
	}
	if cfg.Provider == nil && cfg.Controller.Options().Mode != ModeScript {
		return nil, fmt.Errorf("decision provider required")
	}
	return &Runner{
		ctrl:     cfg.Controller,
		manager:  cfg.Manager,
		provider: cfg.Provider,
		store:    cfg.Store,
		library:  cfg.Library,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}, nil
}

// Controller returns the runner's controller.
func (r *Runner) Controller() *Controller {
	return r.ctrl
}

// Run executes the whole session lifecycle: acquire handle, drive the loop,
// release the handle on every exit path, and persist the terminal snapshot.
func (r *Runner) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.ctrl.setCancel(cancel)

	id := r.ctrl.ID()
	opts := r.ctrl.Options()

	r.metricsSessionStarted(opts.Kind)
	handle, err := r.manager.Acquire(ctx, driver.LaunchOptions{
		SessionID:  id,
		InitialURL: opts.InitialURL,
		Viewport:   opts.Viewport,
		Headed:     opts.Headed,
		SlowMo:     opts.SlowMo,
	})
	if err != nil {
		r.ctrl.EmitError("failed to launch browser", err)
		r.ctrl.finish(StatusFailed, "failed", "browser launch failed: "+err.Error())
		r.persistTerminal()
		r.metricsSessionFinished()
		return
	}
	defer func() {
		_ = r.manager.Release(id)
		r.persistTerminal()
		r.metricsSessionFinished()
	}()

	if opts.InitialURL != "" {
		if _, err := handle.Execute(ctx, driver.Action{Type: driver.ActionNavigate, URL: opts.InitialURL}); err != nil {
			r.recordStep(StepRecord{
				Summary: "open " + opts.InitialURL,
				Action:  driver.Action{Type: driver.ActionNavigate, URL: opts.InitialURL},
				Failed:  true,
				Error:   err.Error(),
			})
			r.ctrl.EmitError("initial navigation failed", err)
			r.ctrl.finish(StatusFailed, "failed", "initial navigation failed: "+err.Error())
			return
		}
	}

	switch opts.Mode {
	case ModeScript:
		r.runScript(ctx, handle)
	case ModeManual:
		r.runManual(ctx, handle)
	default:
		r.runAutonomous(ctx, handle)
	}
}

// runAutonomous pursues the configured goal one atomic action at a time.
func (r *Runner) runAutonomous(ctx context.Context, handle driver.Handle) {
	if err := r.ctrl.setStatus(StatusRunning); err != nil {
		r.finishStopped()
		return
	}

	opts := r.ctrl.Options()
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	for {
		if err := r.ctrl.checkpoint(); err != nil {
			r.finishStopped()
			return
		}

		obs, err := handle.Observe(ctx)
		if err != nil {
			r.failUnrecoverable("page observation failed", err)
			return
		}

		if err := r.ctrl.setStatus(StatusThinking); err != nil {
			r.finishStopped()
			return
		}
		started := time.Now()
		dec, err := r.provider.Decide(ctx, decision.DecideRequest{
			Goal:            opts.Goal,
			SuccessCriteria: opts.SuccessCriteria,
			PageState:       *obs,
			History:         r.history(),
		})
		r.metricsDecision(time.Since(started), err)
		if err != nil {
			// Timeouts and malformed output are recorded as a failed step,
			// then the loop takes the termination path instead of retrying.
			r.recordStep(StepRecord{
				Summary: "decision provider error",
				Failed:  true,
				Error:   err.Error(),
			})
			r.ctrl.EmitError("decision provider failed", err)
			r.ctrl.finish(StatusFailed, "failed", "decision provider failed: "+err.Error())
			return
		}
		// A pause issued while thinking takes effect here, before the
		// decided action is applied.
		if err := r.ctrl.checkpoint(); err != nil {
			r.finishStopped()
			return
		}
		if err := r.ctrl.setStatus(StatusRunning); err != nil {
			r.finishStopped()
			return
		}

		if dec.Done() {
			r.ctrl.AppendLog("info", "goal reached: "+dec.Reasoning)
			r.ctrl.finish(StatusCompleted, "passed", dec.Reasoning)
			r.autoSave()
			return
		}

		outcome, execErr := handle.Execute(ctx, dec.Action)
		record := StepRecord{
			Summary: dec.Summary,
			Action:  dec.Action,
		}
		if record.Summary == "" {
			record.Summary = string(dec.Action.Type)
		}
		if execErr != nil {
			record.Failed = true
			record.Error = execErr.Error()
		} else if outcome != nil && !outcome.Success {
			record.Failed = true
			record.Error = outcome.Error
		}
		r.recordStep(record)

		if execErr != nil && isUnrecoverable(execErr) {
			r.failUnrecoverable("browser handle lost", execErr)
			return
		}

		if err := r.ctrl.checkpoint(); err != nil {
			r.finishStopped()
			return
		}

		if len(r.ctrl.Steps()) >= maxSteps {
			r.ctrl.EmitError("max steps reached", nil)
			r.ctrl.finish(StatusFailed, "failed", fmt.Sprintf("max steps reached (%d)", maxSteps))
			return
		}
	}
}

// runManual executes one operator instruction at a time, parking in
// awaiting_input between instructions.
func (r *Runner) runManual(ctx context.Context, handle driver.Handle) {
	if err := r.ctrl.setStatus(StatusAwaitingInput); err != nil {
		r.finishStopped()
		return
	}

	for {
		instruction, err := r.ctrl.awaitInstruction(ctx)
		if err != nil {
			r.finishStopped()
			return
		}
		if err := r.ctrl.checkpoint(); err != nil {
			if stderrors.Is(err, errInterrupted) {
				continue
			}
			r.finishStopped()
			return
		}

		obs, err := handle.Observe(ctx)
		if err != nil {
			r.failUnrecoverable("page observation failed", err)
			return
		}

		if err := r.ctrl.setStatus(StatusThinking); err != nil {
			r.finishStopped()
			return
		}
		started := time.Now()
		plan, err := r.provider.Plan(ctx, decision.PlanRequest{
			Instruction:   instruction,
			PageState:     *obs,
			RecentHistory: r.history(),
		})
		r.metricsDecision(time.Since(started), err)
		if err != nil {
			r.recordStep(StepRecord{
				Summary: "instruction planning error",
				Failed:  true,
				Error:   err.Error(),
			})
			r.ctrl.EmitError("instruction planning failed", err)
			r.ctrl.finish(StatusFailed, "failed", "instruction planning failed: "+err.Error())
			return
		}

		if !plan.CanExecute {
			// Nothing executes; the operator corrects the instruction.
			r.ctrl.AppendChat("assistant", plan.Clarification)
			r.ctrl.emit(stream.EventPlanReady, map[string]any{
				"canExecute":    false,
				"clarification": plan.Clarification,
			})
			if err := r.ctrl.setStatus(StatusAwaitingInput); err != nil {
				r.finishStopped()
				return
			}
			continue
		}

		r.ctrl.emit(stream.EventPlanReady, map[string]any{
			"canExecute": true,
			"stepCount":  len(plan.Steps),
		})
		// An interrupt issued while planning abandons the whole plan.
		if err := r.ctrl.checkpoint(); err != nil {
			if stderrors.Is(err, errInterrupted) {
				continue
			}
			r.finishStopped()
			return
		}
		if err := r.ctrl.setStatus(StatusRunning); err != nil {
			r.finishStopped()
			return
		}

		interrupted := false
		for _, sub := range plan.Steps {
			if err := r.ctrl.checkpoint(); err != nil {
				if stderrors.Is(err, errInterrupted) {
					// Abandon only the un-executed remainder; the applied
					// actions stay recorded.
					interrupted = true
					break
				}
				r.finishStopped()
				return
			}

			outcome, execErr := handle.Execute(ctx, sub.Action)
			record := StepRecord{Summary: sub.Summary, Action: sub.Action}
			if execErr != nil {
				record.Failed = true
				record.Error = execErr.Error()
			} else if outcome != nil && !outcome.Success {
				record.Failed = true
				record.Error = outcome.Error
			}
			r.recordStep(record)

			if execErr != nil {
				if isUnrecoverable(execErr) {
					r.failUnrecoverable("browser handle lost", execErr)
					return
				}
				r.ctrl.EmitError("step execution failed", execErr)
				break
			}
		}

		if after, err := handle.Observe(ctx); err == nil {
			r.ctrl.emit(stream.EventPageChanged, map[string]any{
				"url":   after.URL,
				"title": after.Title,
			})
		}

		if !interrupted {
			if err := r.ctrl.setStatus(StatusAwaitingInput); err != nil {
				r.finishStopped()
				return
			}
		}
		// After an interrupt the controller already parked the session in
		// awaiting_input.
	}
}

// runScript replays a saved script's steps in order.
func (r *Runner) runScript(ctx context.Context, handle driver.Handle) {
	if err := r.ctrl.setStatus(StatusRunning); err != nil {
		r.finishStopped()
		return
	}

	opts := r.ctrl.Options()
	start := opts.StartFromStep
	if start < 1 {
		start = 1
	}

	for i := start - 1; i < len(opts.ScriptSteps); i++ {
		step := opts.ScriptSteps[i]

		if err := r.ctrl.checkpoint(); err != nil {
			r.finishStopped()
			return
		}

		outcome, execErr := handle.Execute(ctx, step.Action)
		record := StepRecord{Summary: step.Summary, Action: step.Action}
		if execErr != nil {
			record.Failed = true
			record.Error = execErr.Error()
		} else if outcome != nil && !outcome.Success {
			record.Failed = true
			record.Error = outcome.Error
		}
		r.recordStep(record)

		if record.Failed {
			message := fmt.Sprintf("step %d failed: %s", step.Seq, record.Error)
			r.ctrl.EmitError(message, execErr)
			r.ctrl.finish(StatusFailed, "failed", message)
			return
		}

		if err := r.ctrl.checkpoint(); err != nil {
			r.finishStopped()
			return
		}
	}

	r.ctrl.finish(StatusCompleted, "passed", "")
}

// history summarizes recorded steps for the decision provider.
func (r *Runner) history() []decision.StepSummary {
	steps := r.ctrl.Steps()
	out := make([]decision.StepSummary, 0, len(steps))
	for _, s := range steps {
		out = append(out, decision.StepSummary{
			Seq:     s.Seq,
			Summary: s.Summary,
			Action:  string(s.Action.Type),
			Failed:  s.Failed,
		})
	}
	return out
}

func (r *Runner) recordStep(record StepRecord) {
	record = r.ctrl.AppendStep(record)
	r.metricsStep(record.Failed)
	if r.store != nil && record.Seq > 0 {
		if err := r.store.SaveStep(r.ctrl.ID(), record); err != nil {
			r.logError("step.persist_failed", err)
		}
	}
	if r.logger != nil {
		_ = r.logger.Info(logging.CategoryLoop, "step.executed", record.Summary, map[string]any{
			"seq":    record.Seq,
			"action": string(record.Action.Type),
			"failed": record.Failed,
		})
	}
}

// autoSave turns a completed generation session's steps into a draft script.
func (r *Runner) autoSave() {
	if r.library == nil || r.ctrl.Kind() != KindGeneration {
		return
	}
	steps := r.ctrl.Steps()
	if len(steps) == 0 {
		return
	}

	draft := script.New("draft " + r.ctrl.ID())
	draft.BaseURL = r.ctrl.Options().InitialURL
	for _, s := range steps {
		if s.Failed {
			continue
		}
		draft.Steps = append(draft.Steps, script.Step{Summary: s.Summary, Action: s.Action})
	}
	draft.Renumber()
	if len(draft.Steps) == 0 {
		return
	}
	if err := r.library.Save(draft); err != nil {
		r.logError("script.autosave_failed", err)
		return
	}
	r.ctrl.emit(stream.EventAutoSaved, map[string]any{
		"scriptId": draft.ID,
		"steps":    len(draft.Steps),
	})
}

func (r *Runner) finishStopped() {
	r.ctrl.finish(StatusStopped, "stopped", "stopped by operator")
}

func (r *Runner) failUnrecoverable(message string, err error) {
	r.ctrl.EmitError(message, err)
	r.ctrl.finish(StatusFailed, "failed", message+": "+err.Error())
}

func (r *Runner) persistTerminal() {
	if r.store == nil {
		return
	}
	snapshot := r.ctrl.snapshotSession()
	if err := r.store.SaveSession(snapshot); err != nil {
		r.logError("session.persist_failed", err)
	}
}

func (r *Runner) logError(eventType string, err error) {
	if r.logger == nil {
		return
	}
	_ = r.logger.Error(logging.CategoryLoop, eventType, err.Error(), nil)
}

func (r *Runner) metricsSessionStarted(kind Kind) {
	if r.metrics != nil {
		r.metrics.SessionStarted(string(kind))
	}
}

func (r *Runner) metricsSessionFinished() {
	if r.metrics == nil {
		return
	}
	result := "stopped"
	if res := r.ctrl.Result(); res != nil {
		result = res.Status
	}
	r.metrics.SessionFinished(result)
}

func (r *Runner) metricsStep(failed bool) {
	if r.metrics != nil {
		r.metrics.StepExecuted(failed)
	}
}

func (r *Runner) metricsDecision(elapsed time.Duration, err error) {
	if r.metrics != nil {
		r.metrics.DecisionObserved(elapsed, err != nil)
	}
}

func isUnrecoverable(err error) bool {
	return stderrors.Is(err, driver.ErrHandleClosed) ||
		stderrors.Is(err, driver.ErrUnavailable) ||
		stderrors.Is(err, context.Canceled)
}
