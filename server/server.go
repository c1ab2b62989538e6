// Package server exposes the assistant over HTTP: JSON endpoints for the
// dataset, the tool catalog and sessions, a WebSocket stream of turn events
// and Prometheus metrics.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/qoe-assistant/agent"
	"github.com/PipeOpsHQ/qoe-assistant/dataset"
	"github.com/PipeOpsHQ/qoe-assistant/session"
	"github.com/PipeOpsHQ/qoe-assistant/tools"
	"github.com/PipeOpsHQ/qoe-assistant/types"
)

const DefaultAddr = "127.0.0.1:7070"

const maxBodyBytes = 1 << 20

type Config struct {
	Addr     string
	Agent    *agent.Agent
	Dataset  *dataset.Dataset
	Registry *tools.Registry
	// Gatherer backs /metrics; nil uses the default Prometheus registry.
	Gatherer prometheus.Gatherer
	Logger   logrus.FieldLogger
}

type Server struct {
	cfg     Config
	log     logrus.FieldLogger
	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
	once    sync.Once

	// ctx is canceled on Close and bounds every running turn, including
	// those on hijacked WebSocket connections that Shutdown does not track.
	ctx     context.Context
	cancel  context.CancelFunc
	turnsMu sync.Mutex
	closing bool
	turns   sync.WaitGroup
}

var errServerClosed = errors.New("server is shutting down")

func New(cfg Config) (*Server, error) {
	if cfg.Agent == nil {
		return nil, errors.New("agent is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{
		cfg: cfg,
		log: log.WithField("component", "server"),
		mux: http.NewServeMux(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.registerRoutes()
	s.handler = otelhttp.NewHandler(s.logRequests(s.mux), "qoe-assistant",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("listening")
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received, stopping")
		if err := s.Close(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops accepting connections, gives plain requests a grace period,
// then cancels the turns still running and waits for them to return.
func (s *Server) Close() error {
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			s.log.WithError(outErr).Warn("server shutdown failed")
		}

		s.turnsMu.Lock()
		s.closing = true
		s.turnsMu.Unlock()
		s.cancel()
		s.turns.Wait()
	})
	return outErr
}

// runTurn runs one agent turn bound to both the request and the server
// lifetime. It refuses new turns once Close has started.
func (s *Server) runTurn(ctx context.Context, sessionID, input string, onEvent func(types.Event)) (types.TurnResult, error) {
	s.turnsMu.Lock()
	if s.closing {
		s.turnsMu.Unlock()
		return types.TurnResult{}, errServerClosed
	}
	s.turns.Add(1)
	s.turnsMu.Unlock()
	defer s.turns.Done()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()
	return s.cfg.Agent.Turn(turnCtx, sessionID, input, onEvent)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/dataset", s.handleDataset)
	s.mux.HandleFunc("GET /api/v1/tools", s.handleTools)
	s.mux.HandleFunc("POST /api/v1/sessions", s.handleNewSession)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleHistory)
	s.mux.HandleFunc("POST /api/v1/sessions/{id}/messages", s.handleTurn)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/turns", s.handleTurns)
	s.mux.HandleFunc("GET /api/v1/sessions/{id}/stream", s.handleStream)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "provider": s.cfg.Agent.Provider()})
}

func (s *Server) handleDataset(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Dataset == nil {
		writeError(w, http.StatusNotFound, errors.New("no dataset loaded"))
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dataset.Summary())
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"bound": s.cfg.Agent.Tools()}
	if s.cfg.Registry != nil {
		resp["tools"] = s.cfg.Registry.Catalog()
		resp["bundles"] = s.cfg.Registry.BundleCatalog()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNewSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": session.NewID()})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	infos, err := s.cfg.Agent.Store().ListSessions(r.Context(), session.ListSessionsQuery{Limit: limit, Offset: offset})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": infos})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.cfg.Agent.History(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": r.PathValue("id"), "messages": msgs})
}

func (s *Server) handleTurns(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	turns, err := s.cfg.Agent.Store().ListTurns(r.Context(), session.ListTurnsQuery{
		SessionID: r.PathValue("id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

type turnRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	res, err := s.runTurn(r.Context(), r.PathValue("id"), req.Content, nil)
	if err != nil {
		writeError(w, turnErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, errServerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, agent.ErrDegenerateResponse), errors.Is(err, agent.ErrMaxIterations):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Debug("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func pageParams(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
