// Package session implements the orchestration core: the canonical mutable
// state of one live automation session, the status state machine with its
// control verbs, and the agent loop that drives a browser handle through it.
package session

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/script"
)

// Kind distinguishes AI-driven recording sessions from saved-script runs.
type Kind string

const (
	KindGeneration Kind = "generation"
	KindRun        Kind = "run"
)

// Status represents the session state machine position.
type Status string

const (
	StatusInitializing  Status = "initializing"
	StatusRunning       Status = "running"
	StatusThinking      Status = "thinking"
	StatusAwaitingInput Status = "awaiting_input"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusStopped       Status = "stopped"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	}
	return false
}

// transitions is the full table of allowed status moves. restart is handled
// separately because it is valid from any state.
var transitions = map[Status][]Status{
	StatusInitializing:  {StatusRunning, StatusAwaitingInput, StatusFailed, StatusStopped},
	StatusRunning:       {StatusThinking, StatusPaused, StatusAwaitingInput, StatusCompleted, StatusFailed, StatusStopped},
	StatusThinking:      {StatusRunning, StatusPaused, StatusAwaitingInput, StatusFailed, StatusStopped},
	StatusAwaitingInput: {StatusRunning, StatusThinking, StatusFailed, StatusStopped},
	StatusPaused:        {StatusRunning, StatusFailed, StatusStopped},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Mode selects how the agent loop sources its next action.
type Mode string

const (
	// ModeAutonomous pursues a stated goal via the decision provider.
	ModeAutonomous Mode = "autonomous"
	// ModeManual executes one operator instruction at a time.
	ModeManual Mode = "manual"
	// ModeScript replays a saved test script.
	ModeScript Mode = "script"
)

// Options is the immutable per-session configuration. Restart preserves it
// while discarding all recorded history.
type Options struct {
	Kind            Kind          `json:"kind"`
	Mode            Mode          `json:"mode"`
	Goal            string        `json:"goal,omitempty"`
	SuccessCriteria string        `json:"successCriteria,omitempty"`
	TestID          string        `json:"testId,omitempty"`
	ScriptSteps     []script.Step `json:"scriptSteps,omitempty"`
	StartFromStep   int           `json:"startFromStep,omitempty"`
	InitialURL      string        `json:"initialUrl,omitempty"`
	MaxSteps        int           `json:"maxSteps,omitempty"`
	Viewport        driver.Viewport `json:"viewport"`
	Headed          bool          `json:"headed,omitempty"`
	SlowMo          time.Duration `json:"slowMo,omitempty"`
	CredentialRef   string        `json:"credentialRef,omitempty"`
	LogCap          int           `json:"-"`
	ChatCap         int           `json:"-"`
}

// StepRecord is one executed step. Sequence numbers are 1-based and stay
// contiguous across deletions.
type StepRecord struct {
	Seq        int           `json:"seq"`
	Summary    string        `json:"summary"`
	Action     driver.Action `json:"action"`
	Timestamp  time.Time     `json:"timestamp"`
	Screenshot string        `json:"screenshot,omitempty"`
	Failed     bool          `json:"failed,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ChatMessage is one entry in the session's operator conversation.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"` // user|assistant|system
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is one append-only session log line.
type LogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is set exactly once when a session reaches a terminal status.
type Result struct {
	Status   string        `json:"status"` // passed|failed|stopped
	Message  string        `json:"message,omitempty"`
	Steps    int           `json:"steps"`
	Duration time.Duration `json:"duration"`
}

// Session is the canonical mutable state of one live session. All access
// goes through the owning Controller's lock.
type Session struct {
	ID        string     `json:"id"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Options   Options    `json:"options"`
	StartedAt time.Time  `json:"startedAt"`
	UpdatedAt time.Time  `json:"updatedAt"`

	Steps []StepRecord  `json:"steps"`
	Logs  []LogEntry    `json:"logs"`
	Chat  []ChatMessage `json:"chat"`

	Result *Result `json:"result,omitempty"`
}

func newSession(id string, opts Options) *Session {
	now := time.Now()
	return &Session{
		ID:        id,
		Kind:      opts.Kind,
		Status:    StatusInitializing,
		Options:   opts,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// nextChatID produces a sortable unique chat message id.
func nextChatID() string {
	return ulid.Make().String()
}
