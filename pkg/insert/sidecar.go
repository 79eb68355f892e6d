// Package insert implements the step insertion sidecar: an ephemeral session
// that replays a saved script up to a chosen step, then lets the operator
// stage new steps against the live page before splicing them into the script.
package insert

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Sidecar replays script steps 1..K without recording, then executes planned
// instructions live and stages the resulting steps. Nothing touches the
// parent script until Confirm.
type Sidecar struct {
	mu sync.Mutex

	id        string
	parent    *script.Script
	afterStep int
	staged    []script.Step

	handleID    string
	handle      driver.Handle
	manager     *driver.Manager
	provider    decision.Provider
	library     *script.Library
	broadcaster *stream.Broadcaster

	closed bool
}

// Config wires one sidecar.
type Config struct {
	Script      *script.Script
	AfterStep   int
	Manager     *driver.Manager
	Provider    decision.Provider
	Library     *script.Library
	Broadcaster *stream.Broadcaster // optional
}

// New validates the insertion point and prepares a sidecar. Start must be
// called before instructions are accepted.
func New(cfg Config) (*Sidecar, error) {
	if cfg.Script == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "script required")
	}
	if cfg.AfterStep < 0 || cfg.AfterStep > len(cfg.Script.Steps) {
		return nil, errors.New(errors.ErrCodeInvalidInput, "insertion point out of range").
			WithContext("scriptId", cfg.Script.ID).
			WithContext("afterStep", cfg.AfterStep)
	}
	if cfg.Manager == nil || cfg.Provider == nil || cfg.Library == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "manager, provider, and library required")
	}

	id := ulid.Make().String()
	return &Sidecar{
		id:          id,
		parent:      cfg.Script.Clone(),
		afterStep:   cfg.AfterStep,
		handleID:    "insert-" + id,
		manager:     cfg.Manager,
		provider:    cfg.Provider,
		library:     cfg.Library,
		broadcaster: cfg.Broadcaster,
	}, nil
}

// ID returns the sidecar identifier.
func (s *Sidecar) ID() string {
	return s.id
}

// ScriptID returns the parent script's id.
func (s *Sidecar) ScriptID() string {
	return s.parent.ID
}

// Snapshot adapts the sidecar state for stream hydration.
func (s *Sidecar) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := make([]script.Step, len(s.staged))
	copy(staged, s.staged)
	return map[string]any{
		"id":        s.id,
		"scriptId":  s.parent.ID,
		"afterStep": s.afterStep,
		"staged":    staged,
		"closed":    s.closed,
	}
}

// Start acquires a handle and replays steps 1..K. Replayed steps are not
// re-recorded; they only reproduce the page state at the insertion point.
func (s *Sidecar) Start(ctx context.Context) error {
	handle, err := s.manager.Acquire(ctx, driver.LaunchOptions{
		SessionID:  s.handleID,
		InitialURL: s.parent.BaseURL,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDriverLaunch, "launching insertion browser").
			WithContext("scriptId", s.parent.ID)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()

	if s.parent.BaseURL != "" {
		if _, err := handle.Execute(ctx, driver.Action{Type: driver.ActionNavigate, URL: s.parent.BaseURL}); err != nil {
			s.teardown()
			return errors.Wrap(err, errors.ErrCodeDriverNavigation, "opening script base URL").
				WithContext("scriptId", s.parent.ID)
		}
	}

	for _, step := range s.parent.Steps[:s.afterStep] {
		if _, err := handle.Execute(ctx, step.Action); err != nil {
			s.teardown()
			return errors.Wrap(err, errors.ErrCodeDriverAction, "replaying script step").
				WithContext("scriptId", s.parent.ID).
				WithContext("seq", step.Seq)
		}
	}

	if obs, err := handle.Observe(ctx); err == nil {
		s.emit(stream.EventPageChanged, map[string]any{
			"url":   obs.URL,
			"title": obs.Title,
		})
	}
	return nil
}

// Instruct plans one natural-language instruction against the live page.
// Executable sub-steps run immediately and join the staged list; a plan that
// cannot be grounded returns a clarification and executes nothing.
func (s *Sidecar) Instruct(ctx context.Context, instruction string) (*decision.Plan, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrCodeSessionTerminal, "insertion session closed").
			WithContext("insertId", s.id)
	}
	handle := s.handle
	s.mu.Unlock()
	if handle == nil {
		return nil, errors.New(errors.ErrCodeInvalidInput, "insertion session not started").
			WithContext("insertId", s.id)
	}

	obs, err := handle.Observe(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDriverAction, "observing page").
			WithContext("insertId", s.id)
	}

	plan, err := s.provider.Plan(ctx, decision.PlanRequest{
		Instruction: instruction,
		PageState:   *obs,
	})
	if err != nil {
		return nil, err
	}

	if !plan.CanExecute {
		s.emit(stream.EventPlanReady, map[string]any{
			"canExecute":    false,
			"clarification": plan.Clarification,
		})
		return plan, nil
	}

	s.emit(stream.EventPlanReady, map[string]any{
		"canExecute": true,
		"stepCount":  len(plan.Steps),
	})

	for _, sub := range plan.Steps {
		if _, err := handle.Execute(ctx, sub.Action); err != nil {
			return plan, errors.Wrap(err, errors.ErrCodeDriverAction, "executing staged step").
				WithContext("insertId", s.id)
		}
		staged := script.Step{Summary: sub.Summary, Action: sub.Action}
		s.mu.Lock()
		staged.Seq = len(s.staged) + 1
		s.staged = append(s.staged, staged)
		s.mu.Unlock()
		s.emit(stream.EventStepRecorded, map[string]any{
			"staged":  true,
			"seq":     staged.Seq,
			"summary": staged.Summary,
		})
	}

	if after, err := handle.Observe(ctx); err == nil {
		s.emit(stream.EventPageChanged, map[string]any{
			"url":   after.URL,
			"title": after.Title,
		})
	}
	return plan, nil
}

// Staged returns the staged preview list.
func (s *Sidecar) Staged() []script.Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]script.Step, len(s.staged))
	copy(out, s.staged)
	return out
}

// DeleteStaged removes one staged step by position (1-based).
func (s *Sidecar) DeleteStaged(seq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 || seq > len(s.staged) {
		return errors.New(errors.ErrCodeInvalidInput, "staged step does not exist").
			WithContext("insertId", s.id).
			WithContext("seq", seq)
	}
	s.staged = append(s.staged[:seq-1], s.staged[seq:]...)
	for i := range s.staged {
		s.staged[i].Seq = i + 1
	}
	return nil
}

// Confirm splices the staged steps into the parent script immediately after
// step K, renumbers contiguously, persists the script, and tears the sidecar
// down.
func (s *Sidecar) Confirm() (*script.Script, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New(errors.ErrCodeSessionTerminal, "insertion session closed").
			WithContext("insertId", s.id)
	}
	staged := make([]script.Step, len(s.staged))
	copy(staged, s.staged)
	s.mu.Unlock()

	updated, err := s.library.Get(s.parent.ID)
	if err != nil {
		return nil, err
	}
	if err := updated.SpliceAfter(s.afterStep, staged); err != nil {
		return nil, err
	}
	if err := s.library.Save(updated); err != nil {
		return nil, err
	}

	s.teardown()
	s.emit(stream.EventAutoSaved, map[string]any{
		"scriptId": updated.ID,
		"steps":    len(updated.Steps),
	})
	return updated, nil
}

// Cancel releases the handle and discards the staged list unconditionally.
// Cancelling twice is a no-op.
func (s *Sidecar) Cancel() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.staged = nil
	s.mu.Unlock()
	s.teardown()
}

func (s *Sidecar) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.manager.Release(s.handleID)
}

func (s *Sidecar) emit(eventType stream.EventType, data map[string]any) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(eventType, data)
}
