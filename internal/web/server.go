// Package web exposes the hub over plain HTTP: JSON listings of the
// aggregated tools, resources, and prompts, a call endpoint routed to
// one peer, and peer status for dashboards.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/mcphub/internal/buildinfo"
	"github.com/nugget/mcphub/internal/hub"
	"github.com/nugget/mcphub/internal/peers"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		logger.Debug("failed to write error response", "error", err)
	}
}

// Server is the HTTP bridge server.
type Server struct {
	listen string
	hub    *hub.Hub
	mgr    *peers.Manager
	logger *slog.Logger
	server *http.Server
}

// NewServer creates the bridge over the given hub and peer manager.
func NewServer(listen string, h *hub.Hub, mgr *peers.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		listen: listen,
		hub:    h,
		mgr:    mgr,
		logger: logger,
	}
}

// Handler builds the route table. Exposed separately so tests can
// drive it through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/resources", s.handleResources)
	mux.HandleFunc("GET /api/prompts", s.handlePrompts)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/call", s.handleCall)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s.withLogging(mux)
}

// Start runs the bridge until the server is shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	s.logger.Info("starting bridge server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.ListTools(r.Context()), s.logger)
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.ListResources(r.Context()), s.logger)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.hub.ListPrompts(r.Context()), s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"peers": s.hub.Status(r.Context()),
	}, s.logger)
}

// callRequest is the body of POST /api/call.
type callRequest struct {
	Peer      string         `json:"peer"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error(), s.logger)
		return
	}
	if req.Peer == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "peer and name are required", s.logger)
		return
	}

	result, err := s.hub.CallTool(r.Context(), req.Peer, req.Name, req.Arguments)
	if err != nil {
		writeError(w, statusForCallError(err), err.Error(), s.logger)
		return
	}

	writeJSON(w, map[string]any{
		"peer":    req.Peer,
		"result":  result,
		"text":    result.Text(),
		"isError": result.IsError,
	}, s.logger)
}

// statusForCallError maps the typed peer errors onto HTTP statuses: an
// unknown or unconnected peer is the client's mistake, a peer-side
// failure is a gateway problem.
func statusForCallError(err error) int {
	var (
		ncErr   *peers.NotConnectedError
		capErr  *peers.CapabilityError
		execErr *peers.ExecutionError
	)
	switch {
	case errors.As(err, &ncErr):
		return http.StatusNotFound
	case errors.As(err, &capErr):
		return http.StatusBadRequest
	case errors.As(err, &execErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snapshot := s.mgr.Snapshot()
	connected := 0
	for _, info := range snapshot {
		if info.State == peers.StateConnected.String() {
			connected++
		}
	}

	writeJSON(w, map[string]any{
		"status":          "healthy",
		"build":           buildinfo.Info(),
		"peers_known":     len(snapshot),
		"peers_connected": connected,
	}, s.logger)
}
