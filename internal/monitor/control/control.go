// Package control exposes the monitoring controls over HTTP.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/featurewatch/featurewatch/internal/common/constants"
	"github.com/featurewatch/featurewatch/internal/monitor/dispatch"
	"github.com/featurewatch/featurewatch/internal/monitor/models"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Controller is the monitoring surface driven by the API.
type Controller interface {
	Start(ctx context.Context) (bool, string)
	Stop(ctx context.Context) error
	Status(ctx context.Context) bool
	RunStatus(ctx context.Context) (models.RunStatus, error)
	RunCycle(ctx context.Context) (dispatch.Report, error)
}

// Config holds the configuration for the control server.
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// Server is the control API HTTP server.
type Server struct {
	addr       net.Addr
	httpServer *http.Server
	ctrl       Controller

	mu sync.RWMutex
}

// New creates the control server for ctrl.
func New(cfg Config, ctrl Controller) *Server {
	s := &Server{ctrl: ctrl}

	r := mux.NewRouter()
	r.HandleFunc("/version", s.version).Methods(http.MethodGet)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/monitoring/start", s.start).Methods(http.MethodPost)
	api.HandleFunc("/monitoring/stop", s.stop).Methods(http.MethodPost)
	api.HandleFunc("/monitoring/status", s.status).Methods(http.MethodGet)
	api.HandleFunc("/monitoring/check", s.check).Methods(http.MethodPost)

	var handler http.Handler = r
	if cfg.RequestTimeout > 0 {
		handler = http.TimeoutHandler(r, cfg.RequestTimeout, "")
	}

	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server and listens for incoming requests.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	slog.Info("Starting control server", "addr", listener.Addr().String())
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

type startResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

type stopResponse struct {
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Running     bool       `json:"running"`
	RunID       string     `json:"run_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	ok, msg := s.ctrl.Start(r.Context())

	code := http.StatusOK
	switch {
	case ok:
	case msg == dispatch.MsgAlreadyRunning:
		code = http.StatusConflict
	default:
		code = http.StatusInternalServerError
		slog.Error("Failed to start monitoring", "req_id", reqID, "reason", msg)
	}

	writeJSON(w, reqID, code, startResponse{Started: ok, Message: msg})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	if err := s.ctrl.Stop(r.Context()); err != nil {
		slog.Error("Failed to stop monitoring", "req_id", reqID, "err", err)
		writeJSON(w, reqID, http.StatusInternalServerError, stopResponse{Error: err.Error()})
		return
	}
	writeJSON(w, reqID, http.StatusOK, stopResponse{Stopped: true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	resp := statusResponse{Running: s.ctrl.Status(r.Context())}

	if st, err := s.ctrl.RunStatus(r.Context()); err == nil && st.IsRunning {
		resp.RunID = st.RunID
		resp.StartedAt = timePtr(st.StartedAt)
		resp.HeartbeatAt = timePtr(st.HeartbeatAt)
	}

	writeJSON(w, reqID, http.StatusOK, resp)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.NewString()
	rep, err := s.ctrl.RunCycle(r.Context())
	switch {
	case err == nil:
		writeJSON(w, reqID, http.StatusOK, rep)
	case errors.Is(err, dispatch.ErrCycleInProgress):
		writeJSON(w, reqID, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, dispatch.ErrFetch):
		slog.Warn("Manual check could not fetch the snapshot", "req_id", reqID, "err", err)
		writeJSON(w, reqID, http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		slog.Error("Manual check failed", "req_id", reqID, "err", err)
		writeJSON(w, reqID, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, "", http.StatusOK, map[string]string{"version": constants.Version})
}

func writeJSON(w http.ResponseWriter, reqID string, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", "req_id", reqID, "err", err)
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
