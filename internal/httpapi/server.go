// Package httpapi exposes the markd command set over HTTP: POST
// /api/{command} with a JSON body runs the same command as the socket
// protocol. Health probes and the Prometheus scrape share the router.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"markd/internal/health"
	"markd/internal/ipc"
	"markd/internal/logging"
	"markd/internal/metrics"
	"markd/internal/ratelimit"
)

// Executor runs a named command. *ipc.DaemonHandler implements it.
type Executor interface {
	Execute(ctx context.Context, name string, decode func(any) error) (any, error)
}

// Config configures the HTTP API.
type Config struct {
	Addr     string
	Executor Executor
	Health   *health.Checker
	Metrics  *metrics.Metrics
	Log      *logging.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit caps commands per second per remote address; zero
	// disables it.
	RateLimit float64
	RateBurst int
}

// Server is the HTTP front of the daemon.
type Server struct {
	cfg    Config
	exec   Executor
	health *health.Checker
	met    *metrics.Metrics
	log    *logging.Logger
	limit  *ratelimit.Keyed
	router chi.Router
	srv    *http.Server
}

// ErrorBody is the JSON body of a failed command.
type ErrorBody struct {
	OK    bool   `json:"ok"`
	Code  int    `json:"code"`
	Error string `json:"error"`
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("httpapi: executor is required")
	}
	if cfg.Health == nil {
		cfg.Health = health.NewChecker()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		exec:   cfg.Executor,
		health: cfg.Health,
		met:    cfg.Metrics,
		log:    cfg.Log.WithComponent("http"),
		limit:  ratelimit.NewKeyed(cfg.RateLimit, cfg.RateBurst, 10*time.Minute),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Method(http.MethodGet, "/health", s.health.HealthHandler())
	r.Method(http.MethodGet, "/health/live", s.health.LivenessHandler())
	r.Method(http.MethodGet, "/health/ready", s.health.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", s.met.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/{command}", s.handleCommand)
	})

	s.router = r
	return s, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", ln.Addr().String())
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.log.Info("stopped")
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(started),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limit.Allow(host) {
			s.met.ObserveRequest("http", path.Base(r.URL.Path), "limited", time.Now())
			writeError(w, &ipc.Error{Code: ipc.ErrRateLimited, Message: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	name := chi.URLParam(r, "command")
	if _, ok := ipc.CommandType(name); !ok {
		writeError(w, ipc.ErrUnknownCommand)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, ipc.MaxPayload+1))
	if err != nil {
		s.finish(r.Context(), w, name, started, nil, &ipc.Error{Code: ipc.ErrInvalidRequest, Message: "read body: " + err.Error()})
		return
	}
	if len(body) > ipc.MaxPayload {
		s.finish(r.Context(), w, name, started, nil, &ipc.Error{Code: ipc.ErrInvalidRequest, Message: "body too large"})
		return
	}

	ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
	resp, err := s.exec.Execute(ctx, name, func(v any) error {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return json.Unmarshal(body, v)
	})
	s.finish(ctx, w, name, started, resp, err)
}

func (s *Server) finish(ctx context.Context, w http.ResponseWriter, name string, started time.Time, resp any, err error) {
	if err != nil {
		e := ipc.AsError(err)
		if e.Code == ipc.ErrInternalError {
			s.log.WithContext(ctx).Warn("command failed", "command", name, "error", err)
		}
		s.met.ObserveRequest("http", name, "error", started)
		writeError(w, e)
		return
	}
	s.met.ObserveRequest("http", name, "ok", started)
	writeJSON(w, http.StatusOK, resp)
}

// StatusCode maps a protocol error code onto an HTTP status.
func StatusCode(code int) int {
	switch code {
	case ipc.ErrInvalidRequest, ipc.ErrInvalidBackup:
		return http.StatusBadRequest
	case ipc.ErrNotFound, ipc.ErrNotOpen:
		return http.StatusNotFound
	case ipc.ErrPermissionDenied:
		return http.StatusForbidden
	case ipc.ErrAlreadyExists:
		return http.StatusConflict
	case ipc.ErrUnresolvable:
		return http.StatusUnprocessableEntity
	case ipc.ErrQuotaExceeded:
		return http.StatusInsufficientStorage
	case ipc.ErrRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, e *ipc.Error) {
	writeJSON(w, StatusCode(e.Code), ErrorBody{Code: e.Code, Error: e.Message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
