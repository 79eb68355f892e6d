// Package agentd adapts the decision port to an external agent daemon
// speaking JSON over HTTP. The daemon owns the model call; this client only
// ships page state and history and parses the chosen action back.
package agentd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/errors"
)

const defaultTimeout = 2 * time.Minute

// Config controls the daemon connection.
type Config struct {
	// BaseURL is the daemon's HTTP root, e.g. http://127.0.0.1:4592.
	BaseURL string
	// APIKey, when set, is sent as a bearer token.
	APIKey string
	// Timeout bounds each HTTP call. The agent loop applies its own
	// per-operation deadline on top via decision.Bound.
	Timeout time.Duration
}

// Provider calls an agent daemon for decisions and plans.
type Provider struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a daemon-backed provider.
func New(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "agentd base URL required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Provider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// Decide implements decision.Provider.
func (p *Provider) Decide(ctx context.Context, req decision.DecideRequest) (*decision.Decision, error) {
	var out decision.Decision
	if err := p.post(ctx, "/v1/decide", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Plan implements decision.Provider.
func (p *Provider) Plan(ctx context.Context, req decision.PlanRequest) (*decision.Plan, error) {
	var out decision.Plan
	if err := p.post(ctx, "/v1/plan", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *Provider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProviderMalformed, "encode request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProviderAPIError, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeProviderAPIError, "call agent daemon").
			WithContext("path", path).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.New(errors.ErrCodeProviderAPIError, fmt.Sprintf("agent daemon returned %d", resp.StatusCode)).
			WithContext("path", path).
			WithContext("body", string(snippet)).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrCodeProviderMalformed, "decode response").
			WithContext("path", path)
	}
	return nil
}
