package driver

import "context"

// Driver launches browser handles.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
	Close() error
}

// Handle is the port implemented by automation driver adapters. Exactly one
// agent loop may use a handle at a time; the Manager enforces this.
type Handle interface {
	ID() string
	Observe(ctx context.Context) (*Observation, error)
	Execute(ctx context.Context, action Action) (*Outcome, error)
	Close() error
}
