// Package decision defines the port to the external decision provider: the
// component that chooses the next atomic action in autonomous mode, or
// decomposes one operator instruction into atomic sub-steps in manual mode.
package decision

import (
	"context"

	"github.com/odvcencio/testpilot/pkg/driver"
)

// StepSummary is one prior step handed to the provider as history.
type StepSummary struct {
	Seq     int    `json:"seq"`
	Summary string `json:"summary"`
	Action  string `json:"action"`
	Failed  bool   `json:"failed,omitempty"`
}

// DecideRequest asks for the next atomic action in autonomous mode.
type DecideRequest struct {
	Goal            string             `json:"goal"`
	SuccessCriteria string             `json:"success_criteria,omitempty"`
	PageState       driver.Observation `json:"page_state"`
	History         []StepSummary      `json:"history,omitempty"`
}

// Decision is the provider's next atomic action. A driver.ActionDone action
// type marks goal completion.
type Decision struct {
	Action    driver.Action `json:"action"`
	Reasoning string        `json:"reasoning,omitempty"`
	Summary   string        `json:"summary,omitempty"`
}

// Done reports whether the decision terminates the loop.
func (d *Decision) Done() bool {
	return d != nil && d.Action.Type == driver.ActionDone
}

// PlanRequest asks for a decomposition of one instruction in manual mode.
type PlanRequest struct {
	Instruction   string             `json:"instruction"`
	PageState     driver.Observation `json:"page_state"`
	RecentHistory []StepSummary      `json:"recent_history,omitempty"`
}

// PlannedStep is one atomic sub-step of a planned instruction.
type PlannedStep struct {
	Action  driver.Action `json:"action"`
	Summary string        `json:"summary"`
}

// Plan is the provider's decomposition answer. When the instruction cannot be
// grounded on the current page, CanExecute is false and Clarification carries
// a message for the operator.
type Plan struct {
	CanExecute    bool          `json:"can_execute"`
	Steps         []PlannedStep `json:"steps,omitempty"`
	Clarification string        `json:"clarification,omitempty"`
}

// Provider is the external decision component.
type Provider interface {
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)
	Plan(ctx context.Context, req PlanRequest) (*Plan, error)
}
