package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/testpilot/pkg/multirun"
)

// startBatchRequest is the POST /api/multirun body.
type startBatchRequest struct {
	Tests []struct {
		TestID        string `json:"testId"`
		Enabled       *bool  `json:"enabled,omitempty"`
		StartFromStep int    `json:"startFromStep,omitempty"`
	} `json:"tests"`
	Headed        bool `json:"headed,omitempty"`
	SlowMoMs      int  `json:"slowMoMs,omitempty"`
	ReuseBrowser  bool `json:"reuseBrowser,omitempty"`
	StopOnFailure bool `json:"stopOnFailure,omitempty"`
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondBadRequest(w, "invalid request body: "+err.Error())
		return
	}
	if len(req.Tests) == 0 {
		respondBadRequest(w, "tests cannot be empty")
		return
	}

	tests := make([]multirun.QueuedTest, 0, len(req.Tests))
	for i, t := range req.Tests {
		if t.TestID == "" {
			respondBadRequest(w, "every queued test needs a testId")
			return
		}
		enabled := true
		if t.Enabled != nil {
			enabled = *t.Enabled
		}
		tests = append(tests, multirun.QueuedTest{
			TestID:        t.TestID,
			Order:         i + 1,
			Enabled:       enabled,
			StartFromStep: t.StartFromStep,
		})
	}

	coord, err := s.batches.Start(tests, multirun.Options{
		Headed:        req.Headed,
		SlowMo:        time.Duration(req.SlowMoMs) * time.Millisecond,
		ReuseBrowser:  req.ReuseBrowser,
		StopOnFailure: req.StopOnFailure,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	if s.store != nil {
		go func() {
			<-coord.Done()
			if err := s.store.SaveBatch(coord.State()); err != nil {
				s.logger.Printf("persist batch %s: %v", coord.ID(), err)
			}
		}()
	}

	w.WriteHeader(http.StatusCreated)
	respondJSON(w, coord.State())
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"batches": s.batches.List()})
}

func (s *Server) handleBatchDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	coord, err := s.batches.Get(id)
	if err != nil {
		if s.store != nil {
			if state, storeErr := s.store.GetBatch(id); storeErr == nil {
				respondJSON(w, state)
				return
			}
		}
		respondError(w, err)
		return
	}
	respondJSON(w, coord.State())
}

// handleBatchVerb adapts coordinator control verbs into handlers.
func (s *Server) handleBatchVerb(verb func(*multirun.Coordinator) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "batchID")
		coord, err := s.batches.Get(id)
		if err != nil {
			respondError(w, err)
			return
		}
		if err := verb(coord); err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, map[string]string{"batchId": id, "status": "ok"})
	}
}

func (s *Server) handleDeleteBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	if err := s.batches.Delete(id); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, map[string]string{"batchId": id, "status": "deleted"})
}
