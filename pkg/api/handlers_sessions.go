package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/testpilot/pkg/driver"
	apperrors "github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/session"
	"github.com/odvcencio/testpilot/pkg/storage"
)

// createSessionRequest is the POST /api/sessions body.
type createSessionRequest struct {
	Kind            string `json:"kind"`
	Mode            string `json:"mode"`
	Goal            string `json:"goal,omitempty"`
	SuccessCriteria string `json:"successCriteria,omitempty"`
	TestID          string `json:"testId,omitempty"`
	StartFromStep   int    `json:"startFromStep,omitempty"`
	InitialURL      string `json:"initialUrl,omitempty"`
	MaxSteps        int    `json:"maxSteps,omitempty"`
	Headed          bool   `json:"headed,omitempty"`
	SlowMoMs        int    `json:"slowMoMs,omitempty"`
	CredentialRef   string `json:"credentialRef,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	opts, err := s.sessionOptions(req)
	if err != nil {
		respondError(w, err)
		return
	}

	ctrl, err := s.registry.Create(opts)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, ctrl.Snapshot())
}

// sessionOptions validates a creation request and fills in configured
// defaults. A run request naming a testId has its script steps resolved from
// the library up front.
func (s *Server) sessionOptions(req createSessionRequest) (session.Options, error) {
	opts := session.Options{
		Kind:            session.Kind(req.Kind),
		Mode:            session.Mode(req.Mode),
		Goal:            req.Goal,
		SuccessCriteria: req.SuccessCriteria,
		TestID:          req.TestID,
		StartFromStep:   req.StartFromStep,
		InitialURL:      req.InitialURL,
		MaxSteps:        req.MaxSteps,
		Headed:          req.Headed || s.cfg.Driver.Headed,
		SlowMo:          time.Duration(req.SlowMoMs) * time.Millisecond,
		CredentialRef:   req.CredentialRef,
		Viewport: driver.Viewport{
			Width:  s.cfg.Driver.ViewportWidth,
			Height: s.cfg.Driver.ViewportHeight,
		},
		LogCap:  s.cfg.Session.LogCap,
		ChatCap: s.cfg.Session.ChatCap,
	}
	if opts.SlowMo == 0 {
		opts.SlowMo = s.cfg.Driver.SlowMo
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = s.cfg.Session.MaxSteps
	}

	switch opts.Kind {
	case session.KindGeneration, session.KindRun:
	default:
		return session.Options{}, apperrors.New(apperrors.ErrCodeInvalidInput, "kind must be generation or run")
	}
	switch opts.Mode {
	case session.ModeAutonomous, session.ModeManual, session.ModeScript:
	default:
		return session.Options{}, apperrors.New(apperrors.ErrCodeInvalidInput, "mode must be autonomous, manual, or script")
	}
	if opts.Mode == session.ModeAutonomous && opts.Goal == "" {
		return session.Options{}, apperrors.New(apperrors.ErrCodeInvalidInput, "autonomous sessions require a goal")
	}

	if opts.Mode == session.ModeScript {
		if opts.TestID == "" {
			return session.Options{}, apperrors.New(apperrors.ErrCodeInvalidInput, "script sessions require a testId")
		}
		saved, err := s.library.Get(opts.TestID)
		if err != nil {
			return session.Options{}, err
		}
		opts.ScriptSteps = saved.Steps
		if opts.InitialURL == "" {
			opts.InitialURL = saved.BaseURL
		}
	}

	return opts, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"sessions": s.registry.List()})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ctrl, err := s.registry.Get(id)
	if err != nil {
		// Fall back to persisted history for sessions from earlier processes.
		if s.store != nil {
			if sess, storeErr := s.store.GetSession(id); storeErr == nil {
				respondJSON(w, sess)
				return
			}
		}
		respondError(w, err)
		return
	}
	respondJSON(w, ctrl.Snapshot())
}

// handleSessionVerb adapts registry control verbs into handlers.
func (s *Server) handleSessionVerb(verb func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if err := verb(id); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, map[string]string{"sessionId": id, "status": "ok"})
	}
}

func (s *Server) handleSessionChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if req.Text == "" {
		respondBadRequest(w, "text cannot be empty")
		return
	}
	if err := s.registry.SendChat(id, req.Text); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"sessionId": id, "status": "ok"})
}

func (s *Server) handleDeleteSessionStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	seq, err := parseSeq(chi.URLParam(r, "seq"))
	if err != nil {
		respondError(w, err)
		return
	}
	ctrl, err := s.registry.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := ctrl.DeleteStep(seq); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{"sessionId": id, "deleted": seq})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.registry.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	if s.store != nil {
		if err := s.store.DeleteSession(id); err != nil && !stderrors.Is(err, storage.ErrNotFound) {
			s.logger.Printf("delete session %s from store: %v", id, err)
		}
	}
	respondJSON(w, map[string]string{"sessionId": id, "status": "deleted"})
}

// handleSessionHistory lists persisted session summaries, newest first.
func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondJSON(w, map[string]any{"sessions": []any{}})
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := parseSeq(raw); err == nil {
			limit = parsed
		}
	}
	summaries, err := s.store.ListSessions(limit)
	if err != nil {
		respondError(w, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "listing session history"))
		return
	}
	respondJSON(w, map[string]any{"sessions": summaries})
}
