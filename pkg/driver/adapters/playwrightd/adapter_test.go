package playwrightd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/testpilot/pkg/driver"
)

// fakeDaemon answers playwrightd calls over a real WebSocket.
func fakeDaemon(t *testing.T, handler func(req request) response) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			resp := handler(req)
			resp.ID = req.ID
			if err := conn.WriteJSON(resp); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestLaunchObserveExecuteClose(t *testing.T) {
	srv := fakeDaemon(t, func(req request) response {
		switch req.Method {
		case "launch":
			result, _ := json.Marshal(launchResult{HandleID: "h-1"})
			return response{Result: result}
		case "observe":
			result, _ := json.Marshal(observeResult{URL: "https://shop.test/cart", Title: "Cart"})
			return response{Result: result}
		case "execute":
			result, _ := json.Marshal(executeResult{Success: true, DurationMs: 12})
			return response{Result: result}
		case "close":
			return response{}
		default:
			return response{Error: &rpcError{Code: "unknown_method", Message: req.Method}}
		}
	})

	d, err := New(Config{Endpoint: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	handle, err := d.Launch(ctx, driver.LaunchOptions{SessionID: "s1", Viewport: driver.Viewport{Width: 1280, Height: 720}})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if handle.ID() != "h-1" {
		t.Errorf("unexpected handle id %q", handle.ID())
	}

	obs, err := handle.Observe(ctx)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if obs.Title != "Cart" {
		t.Errorf("unexpected title %q", obs.Title)
	}

	outcome, err := handle.Execute(ctx, driver.Action{Type: driver.ActionClick, Selector: "#checkout"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !outcome.Success {
		t.Error("expected successful outcome")
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := handle.Observe(ctx); !errors.Is(err, driver.ErrHandleClosed) {
		t.Errorf("expected ErrHandleClosed after close, got %v", err)
	}
}

func TestDaemonErrorMapping(t *testing.T) {
	srv := fakeDaemon(t, func(req request) response {
		switch req.Method {
		case "launch":
			result, _ := json.Marshal(launchResult{HandleID: "h-2"})
			return response{Result: result}
		case "execute":
			return response{Error: &rpcError{Code: "selector_not_found", Message: "#missing did not resolve"}}
		default:
			return response{}
		}
	})

	d, err := New(Config{Endpoint: wsURL(srv)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := d.Launch(context.Background(), driver.LaunchOptions{SessionID: "s2"})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	_, err = handle.Execute(context.Background(), driver.Action{Type: driver.ActionClick, Selector: "#missing"})
	if !errors.Is(err, driver.ErrSelectorNotFound) {
		t.Fatalf("expected ErrSelectorNotFound, got %v", err)
	}
}

func TestNewRequiresEndpoint(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing endpoint")
	}
}
