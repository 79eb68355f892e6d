// Package decisiontest provides a scripted decision provider for tests.
package decisiontest

import (
	"context"
	"sync"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
)

// Provider replays canned decisions and plans in order.
type Provider struct {
	mu sync.Mutex

	// Decisions are returned in order by Decide; once exhausted, Decide
	// returns a terminal done decision.
	Decisions []decision.Decision
	// DecideErr, when set, fails every Decide call.
	DecideErr error
	// DecideFn, when set, overrides scripted behavior entirely.
	DecideFn func(decision.DecideRequest) (*decision.Decision, error)

	// Plans are returned in order by Plan.
	Plans []decision.Plan
	// PlanErr, when set, fails every Plan call.
	PlanErr error
	// PlanFn, when set, overrides scripted behavior entirely.
	PlanFn func(decision.PlanRequest) (*decision.Plan, error)

	decideCalls int
	planCalls   int
}

// Decide implements decision.Provider.
func (p *Provider) Decide(_ context.Context, req decision.DecideRequest) (*decision.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decideCalls++
	if p.DecideFn != nil {
		return p.DecideFn(req)
	}
	if p.DecideErr != nil {
		return nil, p.DecideErr
	}
	if p.decideCalls > len(p.Decisions) {
		return &decision.Decision{
			Action:  driver.Action{Type: driver.ActionDone},
			Summary: "goal complete",
		}, nil
	}
	d := p.Decisions[p.decideCalls-1]
	return &d, nil
}

// Plan implements decision.Provider.
func (p *Provider) Plan(_ context.Context, req decision.PlanRequest) (*decision.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.planCalls++
	if p.PlanFn != nil {
		return p.PlanFn(req)
	}
	if p.PlanErr != nil {
		return nil, p.PlanErr
	}
	if p.planCalls > len(p.Plans) {
		return &decision.Plan{
			CanExecute:    false,
			Clarification: "no plan scripted",
		}, nil
	}
	plan := p.Plans[p.planCalls-1]
	return &plan, nil
}

// DecideCalls reports how many Decide calls were made.
func (p *Provider) DecideCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decideCalls
}

// PlanCalls reports how many Plan calls were made.
func (p *Provider) PlanCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.planCalls
}
