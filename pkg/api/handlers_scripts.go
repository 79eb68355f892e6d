package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	apperrors "github.com/odvcencio/testpilot/pkg/errors"
	"github.com/odvcencio/testpilot/pkg/script"
)

func (s *Server) handleListScripts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"scripts": s.library.List()})
}

func (s *Server) handleGetScript(w http.ResponseWriter, r *http.Request) {
	saved, err := s.library.Get(chi.URLParam(r, "scriptID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, saved)
}

func (s *Server) handleSaveScript(w http.ResponseWriter, r *http.Request) {
	var incoming script.Script
	if err := decodeJSON(r, &incoming); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if incoming.ID == "" {
		incoming.ID = ulid.Make().String()
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = time.Now()
	}
	incoming.UpdatedAt = time.Now()
	incoming.Renumber()

	if err := incoming.Validate(); err != nil {
		respondError(w, err)
		return
	}
	if err := s.library.Save(&incoming); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, incoming)
}

func (s *Server) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scriptID")
	existing, err := s.library.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}

	var incoming script.Script
	if err := decodeJSON(r, &incoming); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	incoming.ID = id
	incoming.CreatedAt = existing.CreatedAt
	incoming.UpdatedAt = time.Now()
	incoming.Renumber()

	if err := incoming.Validate(); err != nil {
		respondError(w, err)
		return
	}
	if err := s.library.Save(&incoming); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, incoming)
}

func (s *Server) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scriptID")
	if err := s.library.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"scriptId": id, "status": "deleted"})
}

func (s *Server) handleDeleteScriptStep(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scriptID")
	seq, err := parseSeq(chi.URLParam(r, "seq"))
	if err != nil {
		respondError(w, err)
		return
	}

	saved, err := s.library.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := saved.DeleteStep(seq); err != nil {
		respondError(w, err)
		return
	}
	if err := s.library.Save(saved); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, saved)
}

// handleStartInsert spins up an insertion sidecar for a saved script.
func (s *Server) handleStartInsert(w http.ResponseWriter, r *http.Request) {
	if s.inserts == nil {
		respondError(w, apperrors.New(apperrors.ErrCodeNotImplemented, "step insertion is not configured"))
		return
	}
	id := chi.URLParam(r, "scriptID")
	var req struct {
		AfterStep int `json:"afterStep"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}

	sidecar, err := s.inserts.Start(r.Context(), id, req.AfterStep)
	if err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	respondJSON(w, sidecar.Snapshot())
}
