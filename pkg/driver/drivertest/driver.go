// Package drivertest provides an in-memory scripted driver used across the
// repo's tests. It records every executed action and serves canned
// observations without touching a real browser.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/odvcencio/testpilot/pkg/driver"
)

// Driver is a scripted in-memory automation driver.
type Driver struct {
	mu       sync.Mutex
	launched int
	closed   bool

	// LaunchErr, when set, fails every Launch call.
	LaunchErr error
	// Page is served by every handle observation unless a handle override is set.
	Page driver.Observation
	// FailActions maps a selector to an error message; executing an action
	// against that selector fails.
	FailActions map[string]string
	// ExecuteHook, when set, runs at the start of every Execute call. Tests
	// use it to block execution at a chosen action.
	ExecuteHook func(driver.Action)
}

// New creates a scripted driver serving the given page.
func New() *Driver {
	return &Driver{
		Page: driver.Observation{
			URL:   "https://example.test/",
			Title: "Example",
		},
	}
}

// Launch implements driver.Driver.
func (d *Driver) Launch(_ context.Context, opts driver.LaunchOptions) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	if d.closed {
		return nil, driver.ErrUnavailable
	}
	d.launched++
	return &Handle{
		id:     fmt.Sprintf("handle-%s-%d", opts.SessionID, d.launched),
		parent: d,
		url:    opts.InitialURL,
	}, nil
}

// Close implements driver.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Launched reports how many handles were ever launched.
func (d *Driver) Launched() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launched
}

// Handle is a scripted browser handle.
type Handle struct {
	id     string
	parent *Driver

	mu       sync.Mutex
	closed   bool
	url      string
	executed []driver.Action
}

// ID implements driver.Handle.
func (h *Handle) ID() string { return h.id }

// Observe implements driver.Handle.
func (h *Handle) Observe(_ context.Context) (*driver.Observation, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, driver.ErrHandleClosed
	}
	obs := h.parent.Page
	if h.url != "" {
		obs.URL = h.url
	}
	obs.Timestamp = time.Now()
	return &obs, nil
}

// Execute implements driver.Handle.
func (h *Handle) Execute(_ context.Context, action driver.Action) (*driver.Outcome, error) {
	if hook := h.parent.ExecuteHook; hook != nil {
		hook(action)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, driver.ErrHandleClosed
	}

	if msg, ok := h.parent.FailActions[action.Selector]; ok {
		return &driver.Outcome{Success: false, Error: msg},
			driver.WrapDriverError("selector_not_found", msg, driver.ErrSelectorNotFound)
	}

	h.executed = append(h.executed, action)
	if action.Type == driver.ActionNavigate {
		h.url = action.URL
	}
	return &driver.Outcome{Success: true, Duration: time.Millisecond}, nil
}

// Close implements driver.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Closed reports whether the handle was released.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Executed returns a copy of every action executed on this handle.
func (h *Handle) Executed() []driver.Action {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]driver.Action, len(h.executed))
	copy(out, h.executed)
	return out
}
