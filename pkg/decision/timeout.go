package decision

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
)

// BoundedProvider wraps a Provider with per-call timeouts and validates its
// output. A deadline overrun surfaces as PROVIDER_TIMEOUT and malformed
// output as PROVIDER_MALFORMED; callers record either as a failed step and
// never retry without bound.
type BoundedProvider struct {
	inner         Provider
	decideTimeout time.Duration
	planTimeout   time.Duration
}

// Bound wraps a provider. Non-positive timeouts default to 60s/45s.
func Bound(inner Provider, decideTimeout, planTimeout time.Duration) *BoundedProvider {
	if decideTimeout <= 0 {
		decideTimeout = 60 * time.Second
	}
	if planTimeout <= 0 {
		planTimeout = 45 * time.Second
	}
	return &BoundedProvider{
		inner:         inner,
		decideTimeout: decideTimeout,
		planTimeout:   planTimeout,
	}
}

// Decide implements Provider.
func (b *BoundedProvider) Decide(ctx context.Context, req DecideRequest) (*Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.decideTimeout)
	defer cancel()

	decision, err := b.inner.Decide(callCtx, req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, errors.ErrCodeProviderTimeout, "decide call timed out").
				WithContext("timeout", b.decideTimeout.String())
		}
		return nil, errors.Wrap(err, errors.ErrCodeProviderAPIError, "decide call failed")
	}
	if decision == nil || decision.Action.Type == "" {
		return nil, errors.New(errors.ErrCodeProviderMalformed, "decide returned no action")
	}
	if !decision.Done() && actionNeedsSelector(decision.Action.Type) && decision.Action.Selector == "" {
		return nil, errors.New(errors.ErrCodeProviderMalformed, "decide returned action without selector").
			WithContext("action", string(decision.Action.Type))
	}
	return decision, nil
}

// Plan implements Provider.
func (b *BoundedProvider) Plan(ctx context.Context, req PlanRequest) (*Plan, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.planTimeout)
	defer cancel()

	plan, err := b.inner.Plan(callCtx, req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return nil, errors.Wrap(err, errors.ErrCodeProviderTimeout, "plan call timed out").
				WithContext("timeout", b.planTimeout.String())
		}
		return nil, errors.Wrap(err, errors.ErrCodeProviderAPIError, "plan call failed")
	}
	if plan == nil {
		return nil, errors.New(errors.ErrCodeProviderMalformed, "plan returned nothing")
	}
	if plan.CanExecute && len(plan.Steps) == 0 {
		return nil, errors.New(errors.ErrCodeProviderMalformed, "executable plan has no steps")
	}
	if !plan.CanExecute && plan.Clarification == "" {
		return nil, errors.New(errors.ErrCodeProviderMalformed, "unexecutable plan has no clarification")
	}
	return plan, nil
}

func actionNeedsSelector(t driver.ActionType) bool {
	switch t {
	case driver.ActionClick, driver.ActionTypeText, driver.ActionHover, driver.ActionFocus, driver.ActionSelect:
		return true
	}
	return false
}
