// Package multirun sequences an ordered batch of saved-script runs. The
// queue is strictly sequential: two queued tests never drive browser handles
// at the same time.
package multirun

import (
	"time"
)

// TestStatus is the per-entry lifecycle within a batch.
type TestStatus string

const (
	TestPending TestStatus = "pending"
	TestRunning TestStatus = "running"
	TestPassed  TestStatus = "passed"
	TestFailed  TestStatus = "failed"
	TestSkipped TestStatus = "skipped"
)

// Terminal reports whether an entry has finished one way or another.
func (s TestStatus) Terminal() bool {
	switch s {
	case TestPassed, TestFailed, TestSkipped:
		return true
	}
	return false
}

// Status is the batch-wide aggregate status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// QueuedTest is one entry in a batch.
type QueuedTest struct {
	TestID        string        `json:"testId"`
	Order         int           `json:"order"`
	Enabled       bool          `json:"enabled"`
	StartFromStep int           `json:"startFromStep,omitempty"`
	Status        TestStatus    `json:"status"`
	RunID         string        `json:"runId,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Options are shared by every entry in the batch.
type Options struct {
	Headed        bool          `json:"headed"`
	SlowMo        time.Duration `json:"slowMo,omitempty"`
	ReuseBrowser  bool          `json:"reuseBrowser,omitempty"`
	StopOnFailure bool          `json:"stopOnFailure"`
}

// State is the observable snapshot of one batch.
type State struct {
	ID               string       `json:"id"`
	Status           Status       `json:"status"`
	CurrentTestIndex int          `json:"currentTestIndex"`
	Tests            []QueuedTest `json:"tests"`
	Options          Options      `json:"options"`
	StartedAt        time.Time    `json:"startedAt"`
	FinishedAt       time.Time    `json:"finishedAt,omitempty"`
}
