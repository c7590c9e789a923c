// Package api exposes the HTTP interface for the queue service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/metrics"
	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// Queue is the engine surface the API drives.
type Queue interface {
	Start(ctx context.Context, items []queue.WorkItem, concurrency int) (queue.StartResult, error)
	Stop(ctx context.Context) (queue.StopResult, error)
	Status(ctx context.Context) (queue.Status, error)
	queue.Completer
}

// Options wires the server's collaborators. Events and Ready are optional.
type Options struct {
	Queue   Queue
	Results queue.ResultStore
	// Events serves the progress websocket at /v1/events.
	Events http.Handler
	// Ready reports whether downstream dependencies are usable.
	Ready   func(ctx context.Context) error
	APIKey  string
	Timeout time.Duration
	Logger  *zap.Logger
}

// Server wires HTTP handlers to the engine and result store.
type Server struct {
	router  chi.Router
	queue   Queue
	results *ResultsHandler
	ready   func(ctx context.Context) error
	logger  *zap.Logger
}

const defaultRequestTimeout = 60 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Queue == nil {
		return nil, errors.New("api server requires a queue")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRequestTimeout
	}
	s := &Server{
		queue:   opts.Queue,
		results: NewResultsHandler(opts.Results, opts.Logger),
		ready:   opts.Ready,
		logger:  opts.Logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		if opts.Events != nil {
			// Websockets hijack the connection and cannot sit behind the
			// timeout handler.
			r.Method(http.MethodGet, "/events", opts.Events)
		}
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(opts.Timeout))
			r.Route("/queue", func(r chi.Router) {
				r.Post("/start", s.start)
				r.Post("/stop", s.stop)
				r.Get("/status", s.status)
				r.Post("/complete", s.complete)
			})
			r.Get("/results", s.results.ListResults)
			r.Get("/results/lookup", s.results.GetResult)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	Targets     []string          `json:"targets"`
	Items       []queue.WorkItem  `json:"items"`
	Concurrency int               `json:"concurrency"`
	Fields      map[string]string `json:"fields"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	items, err := req.workItems()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.queue.Start(r.Context(), items, req.Concurrency)
	if err != nil {
		s.writeQueueError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// workItems merges the shorthand target list with explicit items. Shared
// fields apply to every shorthand target.
func (req startRequest) workItems() ([]queue.WorkItem, error) {
	items := make([]queue.WorkItem, 0, len(req.Targets)+len(req.Items))
	for _, target := range req.Targets {
		items = append(items, queue.WorkItem{Target: strings.TrimSpace(target), Fields: req.Fields})
	}
	items = append(items, req.Items...)
	if len(items) == 0 {
		return nil, errors.New("targets required")
	}
	for i, item := range items {
		if strings.TrimSpace(item.Target) == "" {
			return nil, fmt.Errorf("item %d: target is required", i)
		}
	}
	return items, nil
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	res, err := s.queue.Stop(r.Context())
	if err != nil {
		s.writeQueueError(w, "stop", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Status(r.Context())
	if err != nil {
		s.writeQueueError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	var completion queue.Completion
	if err := json.NewDecoder(r.Body).Decode(&completion); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(completion.Target) == "" {
		writeError(w, http.StatusBadRequest, "target required")
		return
	}
	advanced, err := s.queue.ItemCompleted(r.Context(), completion)
	if err != nil {
		s.writeQueueError(w, "complete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"advanced": advanced})
}

func (s *Server) writeQueueError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("queue command failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, queue.ErrEmptyQueue):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
