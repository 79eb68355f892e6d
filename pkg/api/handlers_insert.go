package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleInsertDetail(w http.ResponseWriter, r *http.Request) {
	sidecar, err := s.inserts.Get(chi.URLParam(r, "insertID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, sidecar.Snapshot())
}

func (s *Server) handleInsertInstruct(w http.ResponseWriter, r *http.Request) {
	sidecar, err := s.inserts.Get(chi.URLParam(r, "insertID"))
	if err != nil {
		respondError(w, err)
		return
	}

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

	plan, err := sidecar.Instruct(r.Context(), req.Text)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{
		"plan":   plan,
		"staged": sidecar.Staged(),
	})
}

func (s *Server) handleDeleteStagedStep(w http.ResponseWriter, r *http.Request) {
	sidecar, err := s.inserts.Get(chi.URLParam(r, "insertID"))
	if err != nil {
		respondError(w, err)
		return
	}
	seq, err := parseSeq(chi.URLParam(r, "seq"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := sidecar.DeleteStaged(seq); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]any{"staged": sidecar.Staged()})
}

func (s *Server) handleInsertConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insertID")
	sidecar, err := s.inserts.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	updated, err := sidecar.Confirm()
	if err != nil {
		respondError(w, err)
		return
	}
	// The sidecar is closed after confirmation; drop its registration too.
	if err := s.inserts.Remove(id); err != nil {
		s.logger.Printf("remove insert %s: %v", id, err)
	}
	respondJSON(w, updated)
}

func (s *Server) handleCancelInsert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insertID")
	if err := s.inserts.Remove(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"insertId": id, "status": "cancelled"})
}
