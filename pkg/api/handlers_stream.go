package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	apperrors "github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/insert"
	"github.com/odvcencio/testpilot/pkg/multirun"
	"github.com/odvcencio/testpilot/pkg/stream"
)

const streamHeartbeatInterval = 30 * time.Second

func (s *Server) handleSessionStream(w http.ResponseWriter, r *http.Request) {
	s.streamChannel(w, r, chi.URLParam(r, "sessionID"))
}

func (s *Server) handleBatchStream(w http.ResponseWriter, r *http.Request) {
	s.streamChannel(w, r, multirun.StreamID(chi.URLParam(r, "batchID")))
}

func (s *Server) handleInsertStream(w http.ResponseWriter, r *http.Request) {
	s.streamChannel(w, r, insert.StreamID(chi.URLParam(r, "insertID")))
}

// streamChannel serves one event channel over SSE. The subscriber receives a
// hydrate event first, then deltas in publish order, with periodic heartbeat
// comments to keep intermediaries from closing the connection.
func (s *Server) streamChannel(w http.ResponseWriter, r *http.Request, channelID string) {
	broadcaster, ok := s.hub.Get(channelID)
	if !ok {
		respondError(w, apperrors.New(apperrors.ErrCodeSessionNotFound, "no such event channel").
			WithContext("channel", channelID))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	events, unsubscribe := broadcaster.Subscribe()
	defer unsubscribe()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, event); err != nil {
				return
			}
			flusher.Flush()
			if s.metrics != nil {
				s.metrics.EventPublished()
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event stream.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleWebSocket serves any event channel over a WebSocket. The channel is
// selected with ?channel=<id>; session channels use the bare session id,
// batch and insert channels the prefixed ids their stream endpoints use.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		respondBadRequest(w, "channel query parameter is required")
		return
	}
	broadcaster, ok := s.hub.Get(channelID)
	if !ok {
		respondError(w, apperrors.New(apperrors.ErrCodeSessionNotFound, "no such event channel").
			WithContext("channel", channelID))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.logger.Printf("websocket accept: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ctx := r.Context()
	events, unsubscribe := broadcaster.Subscribe()
	defer unsubscribe()

	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := wsjson.Write(ctx, conn, event); err != nil {
				return
			}
			if s.metrics != nil {
				s.metrics.EventPublished()
			}
		case <-heartbeat.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}
