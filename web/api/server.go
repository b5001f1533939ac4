// Package api serves the generation pipeline over HTTP: JSON endpoints for
// tasks, generations, sandboxes and jobs, plus the live status channel as
// server-sent events and over a websocket.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/sandbox-builder/internal/errors"
	"github.com/hochfrequenz/sandbox-builder/internal/observer"
	"github.com/hochfrequenz/sandbox-builder/internal/pipeline"
	"github.com/hochfrequenz/sandbox-builder/internal/sandbox"
	"github.com/hochfrequenz/sandbox-builder/internal/taskstore"
	"github.com/hochfrequenz/sandbox-builder/internal/vcs"
)

// Deps are the services behind the API. Integrator and Observer may be nil.
type Deps struct {
	Pipeline   *pipeline.Pipeline
	Store      *taskstore.Store
	Sandboxes  *sandbox.Manager
	Integrator *vcs.Integrator
	Observer   *observer.Observer
	Logger     *slog.Logger
}

// Server is the HTTP API server
type Server struct {
	deps     Deps
	logger   *slog.Logger
	addr     string
	mux      *http.ServeMux
	hub      *SSEHub
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewServer creates a new API server and subscribes it to pipeline events
func NewServer(deps Deps, addr string) *Server {
	s := &Server{
		deps:   deps,
		logger: deps.Logger.With("component", "api"),
		addr:   addr,
		mux:    http.NewServeMux(),
		hub:    NewSSEHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	deps.Pipeline.OnEvent(func(ev pipeline.Event) {
		s.Broadcast(SSEEvent{Type: string(ev.Type), Data: ev})
	})
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("POST /api/generate", s.generateHandler())
	s.mux.HandleFunc("GET /api/generations/{id}", s.getGenerationHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/tasks", s.listTasksHandler())
	s.mux.HandleFunc("POST /api/projects/{id}/combined-pr", s.combinedPRHandler())
	s.mux.HandleFunc("GET /api/tasks/{id}", s.getTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/move", s.moveTaskHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/pull-request", s.pullRequestHandler())
	s.mux.HandleFunc("POST /api/tasks/{id}/merge", s.mergeHandler())
	s.mux.HandleFunc("GET /api/sandboxes", s.listSandboxesHandler())
	s.mux.HandleFunc("POST /api/sandboxes/sweep", s.sweepHandler())
	s.mux.HandleFunc("POST /api/sandboxes/{id}/extend", s.extendSandboxHandler())
	s.mux.HandleFunc("GET /api/jobs", s.listJobsHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}", s.getJobHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/ws", s.wsHandler())
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api listening", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Broadcast sends an event to all SSE and websocket clients
func (s *Server) Broadcast(event SSEEvent) {
	s.hub.Broadcast(event)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}

// ErrorResponse is the body of a failed request
type ErrorResponse struct {
	Error   string `json:"error"`
	Kind    string `json:"kind"`
	Subject string `json:"subject,omitempty"`
}

// writeErr maps an error's kind onto an HTTP status
func writeErr(w http.ResponseWriter, err error) {
	writeJSONStatus(w, statusFor(err), ErrorResponse{
		Error:   err.Error(),
		Kind:    string(errors.KindOf(err)),
		Subject: errors.SubjectOf(err),
	})
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindInvalid:
		return http.StatusBadRequest
	case errors.KindVCS, errors.KindProvisioning:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
