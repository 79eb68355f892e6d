package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/logging"
	"github.com/odvcencio/testpilot/pkg/metrics"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	Hub      *stream.Hub
	Manager  *driver.Manager
	Provider decision.Provider
	Store    Store            // optional
	Library  *script.Library  // optional
	Logger   *logging.Logger  // optional
	Metrics  *metrics.Metrics // optional
}

// Registry owns every live session and routes control verbs to the right
// controller. One registry per process.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry

	hub      *stream.Hub
	manager  *driver.Manager
	provider decision.Provider
	store    Store
	library  *script.Library
	logger   *logging.Logger
	metrics  *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type registryEntry struct {
	ctrl *Controller
	done chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		entries:  make(map[string]*registryEntry),
		hub:      cfg.Hub,
		manager:  cfg.Manager,
		provider: cfg.Provider,
		store:    cfg.Store,
		library:  cfg.Library,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// RecoverOrphans marks sessions the store still reports as open from a
// previous process as failed. Their browser handles died with that process,
// so the loops cannot be resumed.
func (r *Registry) RecoverOrphans() error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.ListOpenSessionIDs()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageRead, "listing open sessions")
	}
	for _, id := range ids {
		if err := r.store.MarkSessionFailed(id, "orphaned by process restart"); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "marking orphaned session failed").
				WithContext("sessionId", id)
		}
		if r.logger != nil {
			_ = r.logger.Warn(logging.CategorySession, "session.orphan_recovered", "marked orphaned session failed", map[string]any{
				"sessionId": id,
			})
		}
	}
	return nil
}

// Create registers a new session and starts its loop in the background. The
// returned controller is already live.
func (r *Registry) Create(opts Options) (*Controller, error) {
	id := uuid.NewString()

	// The broadcaster needs the controller's snapshot for hydration, and the
	// controller needs the broadcaster to emit. Subscribe only happens after
	// both exist.
	var ctrl *Controller
	broadcaster := r.hub.Open(id, func() map[string]any {
		return ctrl.Snapshot()
	})
	ctrl = NewController(id, opts, broadcaster)

	runner, err := NewRunner(RunnerConfig{
		Controller: ctrl,
		Manager:    r.manager,
		Provider:   r.provider,
		Store:      r.store,
		Library:    r.library,
		Logger:     r.logger,
		Metrics:    r.metrics,
	})
	if err != nil {
		r.hub.Remove(id)
		return nil, err
	}

	if r.store != nil {
		if err := r.store.SaveSession(ctrl.snapshotSession()); err != nil {
			r.hub.Remove(id)
			return nil, errors.Wrap(err, errors.ErrCodeStorageWrite, "persisting new session").
				WithContext("sessionId", id)
		}
	}

	entry := &registryEntry{ctrl: ctrl, done: make(chan struct{})}
	r.mu.Lock()
	r.entries[id] = entry
	r.mu.Unlock()

	r.spawn(runner, entry)

	if r.logger != nil {
		_ = r.logger.Info(logging.CategorySession, "session.created", "session started", map[string]any{
			"sessionId": id,
			"kind":      string(opts.Kind),
			"mode":      string(opts.Mode),
		})
	}
	return ctrl, nil
}

func (r *Registry) spawn(runner *Runner, entry *registryEntry) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(entry.done)
		runner.Run(r.baseCtx)
	}()
}

// Get returns the controller for a live session.
func (r *Registry) Get(id string) (*Controller, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.ErrCodeSessionNotFound, "session not found").
			WithContext("sessionId", id)
	}
	return entry.ctrl, nil
}

// Done returns a channel closed when the session's loop has exited.
func (r *Registry) Done(id string) (<-chan struct{}, error) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New(errors.ErrCodeSessionNotFound, "session not found").
			WithContext("sessionId", id)
	}
	return entry.done, nil
}

// List returns snapshots of every registered session, live and terminal.
func (r *Registry) List() []map[string]any {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ctrl.Snapshot())
	}
	return out
}

// Pause routes a pause verb.
func (r *Registry) Pause(id string) error {
	ctrl, err := r.Get(id)
	if err != nil {
		return err
	}
	return ctrl.Pause()
}

// Resume routes a resume verb.
func (r *Registry) Resume(id string) error {
	ctrl, err := r.Get(id)
	if err != nil {
		return err
	}
	return ctrl.Resume()
}

// Stop routes a stop verb.
func (r *Registry) Stop(id string) error {
	ctrl, err := r.Get(id)
	if err != nil {
		return err
	}
	return ctrl.Stop()
}

// Interrupt routes an interrupt verb.
func (r *Registry) Interrupt(id string) error {
	ctrl, err := r.Get(id)
	if err != nil {
		return err
	}
	return ctrl.Interrupt()
}

// SendChat delivers an operator message. Manual sessions treat it as the
// next instruction; other modes just record it in the conversation.
func (r *Registry) SendChat(id, text string) error {
	ctrl, err := r.Get(id)
	if err != nil {
		return err
	}
	if ctrl.Options().Mode == ModeManual {
		ctrl.AppendChat("user", text)
		return ctrl.SendInstruction(text)
	}
	if ctrl.Status().Terminal() {
		return errors.New(errors.ErrCodeSessionTerminal, "session already terminal").
			WithContext("sessionId", id)
	}
	ctrl.AppendChat("user", text)
	return nil
}

// Restart stops the session's loop if still live, clears its history, and
// starts a fresh loop with the same configuration.
func (r *Registry) Restart(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeSessionNotFound, "session not found").
			WithContext("sessionId", id)
	}

	if err := entry.ctrl.Stop(); err != nil && !errors.IsCode(err, errors.ErrCodeSessionTerminal) {
		return err
	}
	<-entry.done

	entry.ctrl.ResetHistory()
	runner, err := NewRunner(RunnerConfig{
		Controller: entry.ctrl,
		Manager:    r.manager,
		Provider:   r.provider,
		Store:      r.store,
		Library:    r.library,
		Logger:     r.logger,
		Metrics:    r.metrics,
	})
	if err != nil {
		return err
	}

	fresh := &registryEntry{ctrl: entry.ctrl, done: make(chan struct{})}
	r.mu.Lock()
	r.entries[id] = fresh
	r.mu.Unlock()

	r.spawn(runner, fresh)

	if r.logger != nil {
		_ = r.logger.Info(logging.CategorySession, "session.restarted", "session restarted", map[string]any{
			"sessionId": id,
		})
	}
	return nil
}

// Delete stops a session if needed and removes it from the registry along
// with its event channel.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return errors.New(errors.ErrCodeSessionNotFound, "session not found").
			WithContext("sessionId", id)
	}

	if err := entry.ctrl.Stop(); err != nil && !errors.IsCode(err, errors.ErrCodeSessionTerminal) {
		return err
	}
	<-entry.done

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	r.hub.Remove(id)
	return nil
}

// StopAll stops every live session and waits for their loops to exit. Used
// on process shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		if err := e.ctrl.Stop(); err != nil && !errors.IsCode(err, errors.ErrCodeSessionTerminal) && r.logger != nil {
			_ = r.logger.Warn(logging.CategorySession, "session.stop_failed", err.Error(), map[string]any{
				"sessionId": e.ctrl.ID(),
			})
		}
	}
	r.cancel()
	r.wg.Wait()
}
