package decision_test

import (
	"context"
	"testing"
	"time"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/decision/decisiontest"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
)

type slowProvider struct{}

func (slowProvider) Decide(ctx context.Context, _ decision.DecideRequest) (*decision.Decision, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowProvider) Plan(ctx context.Context, _ decision.PlanRequest) (*decision.Plan, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestBoundedDecideTimeout(t *testing.T) {
	bounded := decision.Bound(slowProvider{}, 20*time.Millisecond, 20*time.Millisecond)

	_, err := bounded.Decide(context.Background(), decision.DecideRequest{Goal: "buy socks"})
	if !errors.IsCode(err, errors.ErrCodeProviderTimeout) {
		t.Fatalf("expected PROVIDER_TIMEOUT, got %v", err)
	}

	_, err = bounded.Plan(context.Background(), decision.PlanRequest{Instruction: "click login"})
	if !errors.IsCode(err, errors.ErrCodeProviderTimeout) {
		t.Fatalf("expected PROVIDER_TIMEOUT, got %v", err)
	}
}

func TestBoundedDecideMalformed(t *testing.T) {
	tests := []struct {
		name     string
		decision decision.Decision
	}{
		{"empty action", decision.Decision{}},
		{"click without selector", decision.Decision{Action: driver.Action{Type: driver.ActionClick}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			scripted := &decisiontest.Provider{Decisions: []decision.Decision{tc.decision}}
			bounded := decision.Bound(scripted, time.Second, time.Second)

			_, err := bounded.Decide(context.Background(), decision.DecideRequest{Goal: "g"})
			if !errors.IsCode(err, errors.ErrCodeProviderMalformed) {
				t.Fatalf("expected PROVIDER_MALFORMED, got %v", err)
			}
		})
	}
}

func TestBoundedPlanMalformed(t *testing.T) {
	scripted := &decisiontest.Provider{Plans: []decision.Plan{
		{CanExecute: true}, // executable but no steps
	}}
	bounded := decision.Bound(scripted, time.Second, time.Second)

	_, err := bounded.Plan(context.Background(), decision.PlanRequest{Instruction: "fill email"})
	if !errors.IsCode(err, errors.ErrCodeProviderMalformed) {
		t.Fatalf("expected PROVIDER_MALFORMED, got %v", err)
	}
}

func TestBoundedPassThrough(t *testing.T) {
	scripted := &decisiontest.Provider{
		Decisions: []decision.Decision{
			{Action: driver.Action{Type: driver.ActionClick, Selector: "#go"}, Summary: "click go"},
		},
		Plans: []decision.Plan{
			{CanExecute: false, Clarification: "which button?"},
		},
	}
	bounded := decision.Bound(scripted, time.Second, time.Second)

	d, err := bounded.Decide(context.Background(), decision.DecideRequest{Goal: "g"})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Summary != "click go" {
		t.Errorf("unexpected summary %q", d.Summary)
	}

	p, err := bounded.Plan(context.Background(), decision.PlanRequest{Instruction: "press the button"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if p.CanExecute || p.Clarification == "" {
		t.Error("clarification plan should pass through unchanged")
	}
}
