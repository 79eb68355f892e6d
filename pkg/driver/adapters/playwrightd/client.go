package playwrightd

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// request is one JSON-RPC style call to the playwrightd daemon.
type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// response carries a daemon reply. Replies without an id are unsolicited
// events and are skipped.
type response struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("playwrightd [%s]: %s", e.Code, e.Message)
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func dial(ctx context.Context, endpoint string) (*client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial playwrightd %s: %w", endpoint, err)
	}
	return &client{conn: conn}, nil
}

func (c *client) close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// call sends one request and blocks for its reply. Calls are serialized; the
// daemon answers in order and interleaves only unsolicited events.
func (c *client) call(ctx context.Context, method string, params any, result any) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("playwrightd connection unavailable")
	}

	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		rawParams = data
	}

	req := request{
		ID:     uuid.NewString(),
		Method: method,
		Params: rawParams,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetWriteDeadline(time.Time{})
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	if err := c.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	for {
		var resp response
		if err := c.conn.ReadJSON(&resp); err != nil {
			return fmt.Errorf("read %s reply: %w", method, err)
		}
		if resp.ID == "" {
			continue // unsolicited event
		}
		if resp.ID != req.ID {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}
