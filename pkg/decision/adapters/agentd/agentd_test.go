package agentd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/odvcencio/testpilot/pkg/decision"
	"github.com/odvcencio/testpilot/pkg/driver"
	"github.com/odvcencio/testpilot/pkg/errors"
)

func TestDecideRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/decide" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", got)
		}
		var req decision.DecideRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Goal != "log in" {
			t.Errorf("goal = %q", req.Goal)
		}
		json.NewEncoder(w).Encode(decision.Decision{
			Action:  driver.Action{Type: driver.ActionClick, Selector: "#login"},
			Summary: "click login",
		})
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	d, err := p.Decide(context.Background(), decision.DecideRequest{Goal: "log in"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Action.Selector != "#login" {
		t.Errorf("selector = %q", d.Action.Selector)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/plan" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(decision.Plan{
			CanExecute: true,
			Steps: []decision.PlannedStep{{
				Action:  driver.Action{Type: driver.ActionClick, Selector: "#submit"},
				Summary: "submit the form",
			}},
		})
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	plan, err := p.Plan(context.Background(), decision.PlanRequest{Instruction: "submit"})
	if err != nil {
		t.Fatal(err)
	}
	if !plan.CanExecute || len(plan.Steps) != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestServerErrorMapsToAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Decide(context.Background(), decision.DecideRequest{Goal: "g"})
	if !errors.IsCode(err, errors.ErrCodeProviderAPIError) {
		t.Fatalf("expected PROVIDER_API_ERROR, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("5xx should be retryable")
	}
}

func TestMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	p, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Plan(context.Background(), decision.PlanRequest{Instruction: "i"})
	if !errors.IsCode(err, errors.ErrCodeProviderMalformed) {
		t.Fatalf("expected PROVIDER_MALFORMED, got %v", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty base URL")
	}
}
