// Package api exposes the HTTP control surface: session CRUD and verbs,
// live event streams (SSE and WebSocket), batch runs, the script library,
// and step insertion.
package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odvcencio/testpilot/pkg/config"
	"github.com/odvcencio/testpilot/pkg/insert"
	"github.com/odvcencio/testpilot/pkg/metrics"
	"github.com/odvcencio/testpilot/pkg/multirun"
	"github.com/odvcencio/testpilot/pkg/script"
	"github.com/odvcencio/testpilot/pkg/session"
	"github.com/odvcencio/testpilot/pkg/storage"
	"github.com/odvcencio/testpilot/pkg/stream"
)

// Server hosts the control surface.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	batches  *multirun.Manager
	inserts  *insert.Manager
	library  *script.Library
	hub      *stream.Hub
	store    *storage.Store   // optional
	metrics  *metrics.Metrics // optional
	logger   *log.Logger

	httpServer *http.Server
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Config   *config.Config
	Registry *session.Registry
	Batches  *multirun.Manager
	Inserts  *insert.Manager
	Library  *script.Library
	Hub      *stream.Hub
	Store    *storage.Store
	Metrics  *metrics.Metrics
	Logger   *log.Logger
}

// NewServer builds the server and its router.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}
	s := &Server{
		cfg:      cfg.Config,
		registry: cfg.Registry,
		batches:  cfg.Batches,
		inserts:  cfg.Inserts,
		library:  cfg.Library,
		hub:      cfg.Hub,
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		logger:   logger,
	}
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.BindAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.requestLogMiddleware)

	router.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	router.Get("/ws", s.handleWebSocket)

	router.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleSessionDetail)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Get("/{sessionID}/stream", s.handleSessionStream)
			r.Post("/{sessionID}/pause", s.handleSessionVerb(s.registry.Pause))
			r.Post("/{sessionID}/resume", s.handleSessionVerb(s.registry.Resume))
			r.Post("/{sessionID}/stop", s.handleSessionVerb(s.registry.Stop))
			r.Post("/{sessionID}/interrupt", s.handleSessionVerb(s.registry.Interrupt))
			r.Post("/{sessionID}/restart", s.handleSessionVerb(s.registry.Restart))
			r.Post("/{sessionID}/chat", s.handleSessionChat)
			r.Delete("/{sessionID}/steps/{seq}", s.handleDeleteSessionStep)
		})

		r.Route("/multirun", func(r chi.Router) {
			r.Get("/", s.handleListBatches)
			r.Post("/", s.handleStartBatch)
			r.Get("/{batchID}", s.handleBatchDetail)
			r.Delete("/{batchID}", s.handleDeleteBatch)
			r.Get("/{batchID}/stream", s.handleBatchStream)
			r.Post("/{batchID}/pause", s.handleBatchVerb((*multirun.Coordinator).Pause))
			r.Post("/{batchID}/resume", s.handleBatchVerb((*multirun.Coordinator).Resume))
			r.Post("/{batchID}/skip", s.handleBatchVerb((*multirun.Coordinator).Skip))
			r.Post("/{batchID}/stop", s.handleBatchVerb((*multirun.Coordinator).Stop))
		})

		r.Route("/scripts", func(r chi.Router) {
			r.Get("/", s.handleListScripts)
			r.Post("/", s.handleSaveScript)
			r.Get("/{scriptID}", s.handleGetScript)
			r.Put("/{scriptID}", s.handleUpdateScript)
			r.Delete("/{scriptID}", s.handleDeleteScript)
			r.Delete("/{scriptID}/steps/{seq}", s.handleDeleteScriptStep)
			r.Post("/{scriptID}/insert", s.handleStartInsert)
		})

		r.Route("/insert", func(r chi.Router) {
			r.Get("/{insertID}", s.handleInsertDetail)
			r.Get("/{insertID}/stream", s.handleInsertStream)
			r.Post("/{insertID}/instruct", s.handleInsertInstruct)
			r.Delete("/{insertID}/staged/{seq}", s.handleDeleteStagedStep)
			r.Post("/{insertID}/confirm", s.handleInsertConfirm)
			r.Delete("/{insertID}", s.handleCancelInsert)
		})

		r.Get("/history", s.handleSessionHistory)
	})

	return router
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.logger.Printf("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(started).Round(time.Millisecond))
	})
}
