// Package script manages saved test scripts: ordered atomic steps persisted
// as JSON files in a library directory.
package script

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
)

// Step is one saved atomic step. Sequence numbers are 1-based and contiguous.
type Step struct {
	Seq     int           `json:"seq"`
	Summary string        `json:"summary"`
	Action  driver.Action `json:"action"`
}

// Script is one saved test.
type Script struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"baseUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Steps     []Step    `json:"steps"`
}

// New creates an empty named script.
func New(name string) *Script {
	now := time.Now()
	return &Script{
		ID:        ulid.Make().String(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Renumber rewrites sequence numbers to 1..n.
func (s *Script) Renumber() {
	for i := range s.Steps {
		s.Steps[i].Seq = i + 1
	}
}

// DeleteStep removes the step with the given sequence number and renumbers
// the remainder contiguously.
func (s *Script) DeleteStep(seq int) error {
	if seq < 1 || seq > len(s.Steps) {
		return errors.New(errors.ErrCodeInvalidInput, "step does not exist").
			WithContext("scriptId", s.ID).
			WithContext("seq", seq)
	}
	s.Steps = append(s.Steps[:seq-1], s.Steps[seq:]...)
	s.Renumber()
	s.UpdatedAt = time.Now()
	return nil
}

// SpliceAfter inserts steps immediately after position k (0 prepends) and
// renumbers the whole script contiguously.
func (s *Script) SpliceAfter(k int, steps []Step) error {
	if k < 0 || k > len(s.Steps) {
		return errors.New(errors.ErrCodeInvalidInput, "splice position out of range").
			WithContext("scriptId", s.ID).
			WithContext("k", k)
	}
	if len(steps) == 0 {
		return nil
	}
	combined := make([]Step, 0, len(s.Steps)+len(steps))
	combined = append(combined, s.Steps[:k]...)
	combined = append(combined, steps...)
	combined = append(combined, s.Steps[k:]...)
	s.Steps = combined
	s.Renumber()
	s.UpdatedAt = time.Now()
	return nil
}

// Clone returns a deep copy.
func (s *Script) Clone() *Script {
	clone := *s
	clone.Steps = make([]Step, len(s.Steps))
	copy(clone.Steps, s.Steps)
	return &clone
}

// Validate checks structural invariants.
func (s *Script) Validate() error {
	if s.ID == "" {
		return errors.New(errors.ErrCodeScriptInvalid, "script has no id")
	}
	if s.Name == "" {
		return errors.New(errors.ErrCodeScriptInvalid, "script has no name").
			WithContext("scriptId", s.ID)
	}
	for i, step := range s.Steps {
		if step.Seq != i+1 {
			return errors.New(errors.ErrCodeScriptInvalid, "step sequence not contiguous").
				WithContext("scriptId", s.ID).
				WithContext("seq", step.Seq).
				WithContext("position", i+1)
		}
		if step.Action.Type == "" {
			return errors.New(errors.ErrCodeScriptInvalid, "step has no action").
				WithContext("scriptId", s.ID).
				WithContext("seq", step.Seq)
		}
	}
	return nil
}
