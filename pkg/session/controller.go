package session

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Sentinel signals consumed by the agent loop at checkpoints.
var (
	errStopRequested = stderrors.New("stop requested")
	errInterrupted   = stderrors.New("instruction interrupted")
)

const (
	defaultLogCap  = 1000
	defaultChatCap = 200
)

// Controller owns a session's state machine and exposes the control verbs.
// The loop observes controller state only at checkpoints, so the browser
// handle is never abandoned mid-action.
type Controller struct {
	mu   sync.Mutex
	cond *sync.Cond

	sess        *Session
	broadcaster *stream.Broadcaster

	interrupted  bool
	instructions chan string
	cancelFunc   context.CancelFunc
}

// NewController creates a controller around a fresh session.
func NewController(id string, opts Options, broadcaster *stream.Broadcaster) *Controller {
	c := &Controller{
		sess:         newSession(id, opts),
		broadcaster:  broadcaster,
		instructions: make(chan string, 8),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ID returns the session identifier.
func (c *Controller) ID() string {
	return c.sess.ID
}

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess.Status
}

// Kind returns the session kind.
func (c *Controller) Kind() Kind {
	return c.sess.Kind
}

// Options returns the immutable session configuration.
func (c *Controller) Options() Options {
	return c.sess.Options
}

// Result returns the terminal result, if set.
func (c *Controller) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess.Result == nil {
		return nil
	}
	r := *c.sess.Result
	return &r
}

// Snapshot returns the full current session state for hydration.
func (c *Controller) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	steps := make([]StepRecord, len(c.sess.Steps))
	copy(steps, c.sess.Steps)
	logs := make([]LogEntry, len(c.sess.Logs))
	copy(logs, c.sess.Logs)
	chat := make([]ChatMessage, len(c.sess.Chat))
	copy(chat, c.sess.Chat)

	snapshot := map[string]any{
		"id":        c.sess.ID,
		"kind":      string(c.sess.Kind),
		"status":    string(c.sess.Status),
		"options":   c.sess.Options,
		"startedAt": c.sess.StartedAt,
		"updatedAt": c.sess.UpdatedAt,
		"steps":     steps,
		"logs":      logs,
		"chat":      chat,
	}
	if c.sess.Result != nil {
		r := *c.sess.Result
		snapshot["result"] = r
	}
	return snapshot
}

// transitionLocked validates and applies a transition. Callers hold c.mu and
// must emit the status event via emitStatus after releasing the lock; the
// channel's hydration callback re-enters the controller, so publishing while
// holding c.mu would invert the lock order against Subscribe.
func (c *Controller) transitionLocked(to Status) (Status, error) {
	from := c.sess.Status
	if from == to {
		return from, nil
	}
	if from.Terminal() {
		return from, errors.New(errors.ErrCodeSessionTerminal, "session already terminal").
			WithContext("sessionId", c.sess.ID).
			WithContext("status", string(from))
	}
	if !CanTransition(from, to) {
		return from, errors.New(errors.ErrCodeTransitionInvalid, "invalid status transition").
			WithContext("sessionId", c.sess.ID).
			WithContext("from", string(from)).
			WithContext("to", string(to))
	}
	c.sess.Status = to
	c.sess.UpdatedAt = time.Now()
	c.cond.Broadcast()
	return from, nil
}

// emitStatus publishes the status event for a completed transition. Never
// called with c.mu held.
func (c *Controller) emitStatus(from, to Status) {
	if from == to {
		return
	}
	c.emit(stream.EventStatus, map[string]any{
		"status":     string(to),
		"prevStatus": string(from),
	})
}

func (c *Controller) setStatus(to Status) error {
	c.mu.Lock()
	from, err := c.transitionLocked(to)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emitStatus(from, to)
	return nil
}

// Pause suspends the loop at its next checkpoint. The handle stays open and
// untouched. Pausing an already-paused session is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	status := c.sess.Status
	if status == StatusPaused {
		c.mu.Unlock()
		return nil
	}
	switch status {
	case StatusRunning, StatusThinking:
		from, err := c.transitionLocked(StatusPaused)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.emitStatus(from, StatusPaused)
		return nil
	}
	c.mu.Unlock()
	return errors.New(errors.ErrCodeTransitionInvalid, "pause only valid while running").
		WithContext("sessionId", c.sess.ID).
		WithContext("status", string(status))
}

// Resume continues a paused session exactly where it left off.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.sess.Status != StatusPaused {
		status := c.sess.Status
		c.mu.Unlock()
		return errors.New(errors.ErrCodeTransitionInvalid, "resume only valid while paused").
			WithContext("sessionId", c.sess.ID).
			WithContext("status", string(status))
	}
	from, err := c.transitionLocked(StatusRunning)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.emitStatus(from, StatusRunning)
	return nil
}

// Stop moves any non-terminal session to stopped and aborts in-flight work.
// A second stop is a no-op.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.sess.Status == StatusStopped {
		c.mu.Unlock()
		return nil
	}
	if c.sess.Status.Terminal() {
		status := c.sess.Status
		c.mu.Unlock()
		return errors.New(errors.ErrCodeSessionTerminal, "session already terminal").
			WithContext("sessionId", c.sess.ID).
			WithContext("status", string(status))
	}
	from, err := c.transitionLocked(StatusStopped)
	cancel := c.cancelFunc
	c.mu.Unlock()

	if err == nil {
		c.emitStatus(from, StatusStopped)
	}
	if cancel != nil {
		cancel()
	}
	return err
}

// Interrupt abandons the un-executed remainder of the current instruction's
// sub-steps and parks the session in awaiting_input. Manual mode only.
func (c *Controller) Interrupt() error {
	c.mu.Lock()
	if c.sess.Options.Mode != ModeManual {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeTransitionInvalid, "interrupt only valid in manual mode").
			WithContext("sessionId", c.sess.ID)
	}
	status := c.sess.Status
	switch status {
	case StatusRunning, StatusThinking:
		c.interrupted = true
		from, err := c.transitionLocked(StatusAwaitingInput)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.emitStatus(from, StatusAwaitingInput)
		return nil
	}
	c.mu.Unlock()
	return errors.New(errors.ErrCodeTransitionInvalid, "interrupt only valid while executing").
		WithContext("sessionId", c.sess.ID).
		WithContext("status", string(status))
}

// ResetHistory discards all recorded steps, logs, and chat while preserving
// configuration. Used by restart before a fresh loop takes over.
func (c *Controller) ResetHistory() {
	c.mu.Lock()
	c.sess.Steps = nil
	c.sess.Logs = nil
	c.sess.Chat = nil
	c.sess.Result = nil
	c.sess.Status = StatusInitializing
	c.sess.StartedAt = time.Now()
	c.sess.UpdatedAt = c.sess.StartedAt
	c.interrupted = false
	// Drain instructions queued against the old loop.
drain:
	for {
		select {
		case <-c.instructions:
		default:
			break drain
		}
	}
	c.mu.Unlock()

	c.emit(stream.EventStatus, map[string]any{
		"status":     string(StatusInitializing),
		"prevStatus": "",
		"restarted":  true,
	})
}

// setCancel registers the loop's context cancel so stop can abort in-flight
// provider and driver calls.
func (c *Controller) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancelFunc = cancel
	c.mu.Unlock()
}

// checkpoint is called by the loop before each iteration and immediately
// after each atomic action. It blocks while paused, and reports stop or
// interrupt requests.
func (c *Controller) checkpoint() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.sess.Status == StatusPaused {
		c.cond.Wait()
	}
	if c.sess.Status == StatusStopped {
		return errStopRequested
	}
	if c.sess.Status.Terminal() {
		return errStopRequested
	}
	if c.interrupted {
		c.interrupted = false
		return errInterrupted
	}
	return nil
}

// SendInstruction queues one natural-language instruction for a manual-mode
// session parked in awaiting_input.
func (c *Controller) SendInstruction(text string) error {
	c.mu.Lock()
	if c.sess.Options.Mode != ModeManual {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput, "session does not accept instructions").
			WithContext("sessionId", c.sess.ID)
	}
	if c.sess.Status.Terminal() {
		status := c.sess.Status
		c.mu.Unlock()
		return errors.New(errors.ErrCodeSessionTerminal, "session already terminal").
			WithContext("sessionId", c.sess.ID).
			WithContext("status", string(status))
	}
	c.mu.Unlock()

	select {
	case c.instructions <- text:
		return nil
	default:
		return errors.New(errors.ErrCodeInvalidInput, "instruction queue full").
			WithContext("sessionId", c.sess.ID)
	}
}

// awaitInstruction blocks until the next instruction arrives or the session
// is stopped.
func (c *Controller) awaitInstruction(ctx context.Context) (string, error) {
	select {
	case text := <-c.instructions:
		return text, nil
	case <-ctx.Done():
		return "", errStopRequested
	}
}

// AppendStep records one executed step with the next contiguous sequence
// number and emits the kind-appropriate step event.
func (c *Controller) AppendStep(record StepRecord) StepRecord {
	c.mu.Lock()
	if c.sess.Status.Terminal() {
		c.mu.Unlock()
		return record
	}
	record.Seq = len(c.sess.Steps) + 1
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	c.sess.Steps = append(c.sess.Steps, record)
	c.sess.UpdatedAt = time.Now()
	kind := c.sess.Kind
	c.mu.Unlock()

	eventType := stream.EventStep
	if kind == KindGeneration {
		eventType = stream.EventStepRecorded
	}
	c.emit(eventType, map[string]any{
		"seq":     record.Seq,
		"summary": record.Summary,
		"action":  record.Action,
		"failed":  record.Failed,
		"error":   record.Error,
	})
	return record
}

// DeleteStep removes one step and renumbers the remainder so sequence
// numbers stay contiguous.
func (c *Controller) DeleteStep(seq int) error {
	c.mu.Lock()
	if seq < 1 || seq > len(c.sess.Steps) {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeInvalidInput, "step does not exist").
			WithContext("sessionId", c.sess.ID).
			WithContext("seq", seq)
	}
	c.sess.Steps = append(c.sess.Steps[:seq-1], c.sess.Steps[seq:]...)
	for i := range c.sess.Steps {
		c.sess.Steps[i].Seq = i + 1
	}
	c.sess.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.emit(stream.EventStepDeleted, map[string]any{"seq": seq})
	return nil
}

// Steps returns a copy of the recorded steps.
// snapshotSession returns a deep-enough copy of the session for persistence.
func (c *Controller) snapshotSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := *c.sess
	out.Steps = make([]StepRecord, len(c.sess.Steps))
	copy(out.Steps, c.sess.Steps)
	out.Logs = make([]LogEntry, len(c.sess.Logs))
	copy(out.Logs, c.sess.Logs)
	out.Chat = make([]ChatMessage, len(c.sess.Chat))
	copy(out.Chat, c.sess.Chat)
	if c.sess.Result != nil {
		res := *c.sess.Result
		out.Result = &res
	}
	return &out
}

func (c *Controller) Steps() []StepRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StepRecord, len(c.sess.Steps))
	copy(out, c.sess.Steps)
	return out
}

// AppendLog appends a capped log entry and emits a log event.
func (c *Controller) AppendLog(level, message string) {
	c.mu.Lock()
	if c.sess.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	entry := LogEntry{Level: level, Message: message, Timestamp: time.Now()}
	c.sess.Logs = append(c.sess.Logs, entry)
	cap := c.sess.Options.LogCap
	if cap <= 0 {
		cap = defaultLogCap
	}
	if len(c.sess.Logs) > cap {
		c.sess.Logs = c.sess.Logs[len(c.sess.Logs)-cap:]
	}
	c.sess.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.emit(stream.EventLog, map[string]any{
		"level":   level,
		"message": message,
	})
}

// AppendChat appends a capped chat message and emits a chat event.
func (c *Controller) AppendChat(role, text string) ChatMessage {
	c.mu.Lock()
	if c.sess.Status.Terminal() {
		c.mu.Unlock()
		return ChatMessage{}
	}
	msg := ChatMessage{
		ID:        nextChatID(),
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
	c.sess.Chat = append(c.sess.Chat, msg)
	cap := c.sess.Options.ChatCap
	if cap <= 0 {
		cap = defaultChatCap
	}
	if len(c.sess.Chat) > cap {
		c.sess.Chat = c.sess.Chat[len(c.sess.Chat)-cap:]
	}
	c.sess.UpdatedAt = time.Now()
	c.mu.Unlock()

	c.emit(stream.EventChat, map[string]any{
		"id":   msg.ID,
		"role": msg.Role,
		"text": msg.Text,
	})
	return msg
}

// finish moves the session to a terminal status and sets its result once.
// Events after this point are suppressed by the terminal status guard.
func (c *Controller) finish(status Status, resultStatus, message string) {
	c.mu.Lock()
	if c.sess.Status.Terminal() && c.sess.Result != nil {
		c.mu.Unlock()
		return
	}
	from := c.sess.Status
	transitioned := false
	if !from.Terminal() {
		if _, err := c.transitionLocked(status); err == nil {
			transitioned = true
		}
	}
	if c.sess.Result == nil {
		c.sess.Result = &Result{
			Status:   resultStatus,
			Message:  message,
			Steps:    len(c.sess.Steps),
			Duration: time.Since(c.sess.StartedAt),
		}
	}
	result := *c.sess.Result
	kind := c.sess.Kind
	c.mu.Unlock()

	if transitioned {
		c.emitStatus(from, status)
	}
	eventType := stream.EventResult
	if kind == KindGeneration {
		eventType = stream.EventCompleted
	}
	c.emit(eventType, map[string]any{
		"status":   result.Status,
		"message":  result.Message,
		"steps":    result.Steps,
		"duration": result.Duration.String(),
	})
}

// EmitError surfaces a failure as an error event with a readable message.
func (c *Controller) EmitError(message string, err error) {
	data := map[string]any{"message": message}
	if err != nil {
		data["error"] = err.Error()
	}
	c.emit(stream.EventError, data)
}

// emit publishes to the session's channel, if one is attached. Terminal
// result/status events are produced before the loop tears the channel down,
// so no step/log/chat event can follow a stopped session.
func (c *Controller) emit(eventType stream.EventType, data map[string]any) {
	if c.broadcaster == nil {
		return
	}
	c.broadcaster.Publish(eventType, data)
}
