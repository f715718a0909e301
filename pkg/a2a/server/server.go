// Package server exposes a task service over the HTTP+JSON transport:
// agent card discovery, task submission, SSE streaming, cancel and
// resume.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/veritas-agent/veritas/pkg/a2a"
	"github.com/veritas-agent/veritas/pkg/task"
)

// Config contains configuration for the HTTP server.
type Config struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	// ExtendedCardToken, when set, gates the authenticated extended
	// card endpoint behind a bearer token.
	ExtendedCardToken string `yaml:"extended_card_token" json:"-"`
}

// Server serves one agent's card and task lifecycle.
type Server struct {
	cfg          Config
	card         *a2a.AgentCard
	extendedCard *a2a.AgentCard
	service      *task.Service
	metrics      http.Handler
	log          *slog.Logger
	httpServer   *http.Server
}

// Option customizes a Server.
type Option func(*Server)

// WithExtendedCard installs the richer card served to authenticated
// clients.
func WithExtendedCard(card *a2a.AgentCard) Option {
	return func(s *Server) { s.extendedCard = card }
}

// WithMetricsHandler mounts a metrics endpoint at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates the transport over a task service.
func New(cfg Config, card *a2a.AgentCard, service *task.Service, opts ...Option) (*Server, error) {
	if card == nil {
		return nil, fmt.Errorf("agent card is required")
	}
	if service == nil {
		return nil, fmt.Errorf("task service is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	if card.URL == "" {
		card.URL = cfg.BaseURL
	}

	s := &Server{
		cfg:     cfg,
		card:    card,
		service: service,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the HTTP route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.corsMiddleware)
	r.Use(s.loggingMiddleware)

	r.Get(a2a.WellKnownCardPath, s.handleAgentCard)
	r.Get("/agent/authenticatedExtendedCard", s.handleExtendedCard)

	r.Post("/message/send", s.handleMessageSend)
	r.Post("/message/stream", s.handleMessageStream)

	r.Get("/tasks", s.handleTaskList)
	r.Get("/tasks/{taskID}", s.handleTaskGet)
	r.Post("/tasks/{taskID}/cancel", s.handleTaskCancel)
	r.Post("/tasks/{taskID}/resume", s.handleTaskResume)
	r.Post("/tasks/{taskID}/resubscribe", s.handleTaskResubscribe)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

// Start runs the server until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("server starting",
		"addr", s.httpServer.Addr,
		"card", s.cfg.BaseURL+a2a.WellKnownCardPath)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ============================================================================
// DISCOVERY
// ============================================================================

// GET /.well-known/agent-card.json
func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.card)
}

// GET /agent/authenticatedExtendedCard
func (s *Server) handleExtendedCard(w http.ResponseWriter, r *http.Request) {
	if s.extendedCard == nil {
		respondJSON(w, http.StatusOK, s.card)
		return
	}
	if s.cfg.ExtendedCardToken != "" {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token != s.cfg.ExtendedCardToken {
			respondError(w, http.StatusUnauthorized, a2a.ErrorCodeProtocol, "invalid or missing bearer token")
			return
		}
	}
	respondJSON(w, http.StatusOK, s.extendedCard)
}

// ============================================================================
// TASK LIFECYCLE
// ============================================================================

// POST /message/send
func (s *Server) handleMessageSend(w http.ResponseWriter, r *http.Request) {
	var params a2a.MessageSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, a2a.ErrorCodeProtocol, "invalid request body: "+err.Error())
		return
	}

	t, err := s.service.Submit(r.Context(), params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	status := http.StatusAccepted
	if params.Blocking {
		status = http.StatusOK
	}
	respondJSON(w, status, t)
}

// POST /message/stream
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var params a2a.MessageSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, a2a.ErrorCodeProtocol, "invalid request body: "+err.Error())
		return
	}
	params.Blocking = false

	t, err := s.service.Submit(r.Context(), params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}

	events, err := s.service.Stream(r.Context(), t.ID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.streamEvents(w, r, t.ID, events)
}

// GET /tasks
func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	tasks := s.service.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"total": len(tasks),
	})
}

// GET /tasks/{taskID}
func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.service.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// POST /tasks/{taskID}/cancel
func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	var params a2a.TaskCancelParams
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			respondError(w, http.StatusBadRequest, a2a.ErrorCodeProtocol, "invalid request body: "+err.Error())
			return
		}
	}

	t, err := s.service.Cancel(r.Context(), chi.URLParam(r, "taskID"), params.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// POST /tasks/{taskID}/resume
func (s *Server) handleTaskResume(w http.ResponseWriter, r *http.Request) {
	var params a2a.TaskResumeParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondError(w, http.StatusBadRequest, a2a.ErrorCodeProtocol, "invalid request body: "+err.Error())
		return
	}

	t, err := s.service.Resume(chi.URLParam(r, "taskID"), params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// POST /tasks/{taskID}/resubscribe
func (s *Server) handleTaskResubscribe(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	events, err := s.service.Stream(r.Context(), taskID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.streamEvents(w, r, taskID, events)
}

// ============================================================================
// STREAMING
// ============================================================================

// streamEvents pumps a task's event channel to the client as SSE until
// the stream closes or the client disconnects.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, taskID string, events <-chan a2a.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Initial snapshot so late subscribers see the current state.
	if t, err := s.service.Get(taskID); err == nil {
		s.sendSSEEvent(w, flusher, string(a2a.StreamEventStatus), a2a.StreamEvent{
			Type:      a2a.StreamEventStatus,
			TaskID:    t.ID,
			State:     t.Status.State,
			Result:    t.Result,
			Error:     t.Error,
			Timestamp: time.Now(),
		})
		if t.Status.State.IsTerminal() {
			return
		}
	}

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			s.sendSSEEvent(w, flusher, string(ev.Type), ev)
			if ev.Final() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// sendSSEEvent writes one event in SSE framing: event: type\ndata: json\n\n
func (s *Server) sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

// ============================================================================
// MIDDLEWARE AND HELPERS
// ============================================================================

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start))
	})
}

// respondServiceError maps task service errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		respondError(w, http.StatusNotFound, a2a.ErrorCodeProtocol, err.Error())
	case errors.Is(err, task.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, a2a.ErrorCodeProtocol, err.Error())
	case errors.Is(err, task.ErrAlreadyTerminal), errors.Is(err, task.ErrNotPaused):
		respondError(w, http.StatusConflict, a2a.ErrorCodeProtocol, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, a2a.ErrorCodeInternal, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]any{
		"error": a2a.TaskError{Code: code, Message: message},
	})
}
