// Package playwrightd adapts the driver port to an external browser
// automation daemon speaking JSON over WebSocket. Each launched handle maps
// to one browser context owned by the daemon.
package playwrightd

import (
	"context"
	"errors"
	"time"

	"github.com/odvcencio/testpilot/pkg/driver"
)

// Config controls the daemon connection.
type Config struct {
	// Endpoint is the daemon WebSocket URL, e.g. ws://127.0.0.1:4591/rpc.
	Endpoint string
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
}

// Driver talks to a playwrightd daemon.
type Driver struct {
	cfg Config
}

// New creates a daemon-backed driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("playwrightd endpoint required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	return &Driver{cfg: cfg}, nil
}

type launchParams struct {
	SessionID  string `json:"session_id"`
	InitialURL string `json:"initial_url,omitempty"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	Headed     bool   `json:"headed,omitempty"`
	SlowMoMs   int64  `json:"slow_mo_ms,omitempty"`
}

type launchResult struct {
	HandleID string `json:"handle_id"`
}

// Launch implements driver.Driver. Each handle gets its own connection so
// concurrent sessions never serialize behind one socket.
func (d *Driver) Launch(ctx context.Context, opts driver.LaunchOptions) (driver.Handle, error) {
	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	c, err := dial(dialCtx, d.cfg.Endpoint)
	if err != nil {
		return nil, driver.WrapDriverError("unavailable", "daemon unreachable", err)
	}

	var result launchResult
	params := launchParams{
		SessionID:  opts.SessionID,
		InitialURL: opts.InitialURL,
		Width:      opts.Viewport.Width,
		Height:     opts.Viewport.Height,
		Headed:     opts.Headed,
		SlowMoMs:   opts.SlowMo.Milliseconds(),
	}
	if err := c.call(ctx, "launch", params, &result); err != nil {
		_ = c.close()
		return nil, mapDaemonError(err)
	}

	return &handle{
		id:     result.HandleID,
		client: c,
	}, nil
}

// Close implements driver.Driver. Handles own their connections, so there is
// nothing shared to tear down.
func (d *Driver) Close() error {
	return nil
}

func mapDaemonError(err error) error {
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) {
		return driver.WrapDriverError("internal", "daemon call failed", err)
	}
	switch rpcErr.Code {
	case "selector_not_found":
		return driver.WrapDriverError(rpcErr.Code, rpcErr.Message, driver.ErrSelectorNotFound)
	case "navigation_timeout":
		return driver.WrapDriverError(rpcErr.Code, rpcErr.Message, driver.ErrNavigationTimeout)
	case "timeout":
		return driver.WrapDriverError(rpcErr.Code, rpcErr.Message, driver.ErrOperationTimeout)
	case "handle_closed":
		return driver.WrapDriverError(rpcErr.Code, rpcErr.Message, driver.ErrHandleClosed)
	default:
		return driver.NewDriverError(rpcErr.Code, rpcErr.Message)
	}
}
