// Package server implements the Steward HTTP server, REST API, auth, and SSE real-time events.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/steward/comms"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/event"
	"github.com/GoCodeAlone/steward/server/api"
	"github.com/GoCodeAlone/steward/server/ws"
)

// Server is the Steward HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks     api.TaskService
	agents    api.AgentLister
	states    api.ProjectStates
	transport comms.Transport
	handlers  *api.Handlers

	hub *ws.Hub
	sub *event.Subscription

	routesOnce sync.Once

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		hub:       ws.NewHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetTaskService attaches the task manager the API drives.
func (s *Server) SetTaskService(tasks api.TaskService) {
	s.tasks = tasks
}

// SetAgents attaches the agent roster.
func (s *Server) SetAgents(agents api.AgentLister) {
	s.agents = agents
}

// SetProjectStates attaches the orchestrator whose per-project state is
// reported alongside projects.
func (s *Server) SetProjectStates(states api.ProjectStates) {
	s.states = states
}

// SetTransport attaches the chat transport messages are posted through.
func (s *Server) SetTransport(t comms.Transport) {
	s.transport = t
}

// SetEvents streams every domain event on bus to SSE clients.
func (s *Server) SetEvents(bus *event.Bus) {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	s.sub = s.hub.Forward(bus)
}

// Handler returns the fully routed HTTP handler.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// Start registers routes and begins listening. It returns nil once Stop has
// shut the server down.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9090"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Tasks:     s.tasks,
		Agents:    s.agents,
		States:    s.states,
		Transport: s.transport,
		Logger:    s.logger,
		Version:   s.version,
		StartAt:   s.startTime,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())

	// SSE: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleSSE streams domain events. The token comes from the query string.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := verifyJWT(s.jwtSecret(), r.URL.Query().Get("token")); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.hub.ServeSSE(w, r)
}

// BroadcastEvent sends a JSON-encoded event to all connected SSE clients.
func (s *Server) BroadcastEvent(eventType string, payload any) {
	s.hub.Broadcast(ws.Event{Type: eventType, Payload: payload})
}
