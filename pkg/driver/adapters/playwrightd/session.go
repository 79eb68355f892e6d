package playwrightd

import (
	"context"
	"sync"
	"time"

	"github.com/odvcencio/testpilot/pkg/driver"
)

// handle is one daemon-owned browser context.
type handle struct {
	id     string
	client *client

	mu     sync.Mutex
	closed bool
}

func (h *handle) ID() string { return h.id }

type observeParams struct {
	HandleID string `json:"handle_id"`
}

type observeResult struct {
	URL        string               `json:"url"`
	Title      string               `json:"title"`
	Elements   []driver.PageElement `json:"elements,omitempty"`
	Screenshot string               `json:"screenshot,omitempty"`
}

func (h *handle) Observe(ctx context.Context) (*driver.Observation, error) {
	if h.isClosed() {
		return nil, driver.ErrHandleClosed
	}

	var result observeResult
	if err := h.client.call(ctx, "observe", observeParams{HandleID: h.id}, &result); err != nil {
		return nil, mapDaemonError(err)
	}
	return &driver.Observation{
		URL:        result.URL,
		Title:      result.Title,
		Elements:   result.Elements,
		Screenshot: result.Screenshot,
		Timestamp:  time.Now(),
	}, nil
}

type executeParams struct {
	HandleID  string `json:"handle_id"`
	Type      string `json:"type"`
	Selector  string `json:"selector,omitempty"`
	Value     string `json:"value,omitempty"`
	URL       string `json:"url,omitempty"`
	Key       string `json:"key,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

type executeResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

func (h *handle) Execute(ctx context.Context, action driver.Action) (*driver.Outcome, error) {
	if h.isClosed() {
		return nil, driver.ErrHandleClosed
	}

	params := executeParams{
		HandleID:  h.id,
		Type:      string(action.Type),
		Selector:  action.Selector,
		Value:     action.Value,
		URL:       action.URL,
		Key:       action.Key,
		TimeoutMs: action.Timeout.Milliseconds(),
	}
	var result executeResult
	if err := h.client.call(ctx, "execute", params, &result); err != nil {
		return &driver.Outcome{Success: false, Error: err.Error()}, mapDaemonError(err)
	}
	return &driver.Outcome{
		Success:  result.Success,
		Error:    result.Error,
		Duration: time.Duration(result.DurationMs) * time.Millisecond,
	}, nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	callErr := h.client.call(ctx, "close", observeParams{HandleID: h.id}, nil)
	closeErr := h.client.close()
	if callErr != nil {
		return mapDaemonError(callErr)
	}
	return closeErr
}

func (h *handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
