// Package server exposes the queue over HTTP: job submission, status,
// cancellation, stats, blocking waits, dead-letter inspection, and a
// WebSocket feed of transitions and progress.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/queue"
)

// Server handles HTTP requests for job management
type Server struct {
	queue      *queue.JobQueue
	httpAddr   string
	httpServer *http.Server
	wsManager  *models.WebSocketManager
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewServer wires the queue's notifiers into the WebSocket manager and
// returns a server ready to Start.
func NewServer(q *queue.JobQueue, httpAddr string) *Server {
	wsManager := models.NewWebSocketManager()
	wsManager.Start()

	s := &Server{
		queue:     q,
		httpAddr:  httpAddr,
		wsManager: wsManager,
		logger:    log.With().Str("component", "server").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	q.SetNotifier(wsManager.BroadcastJobUpdate)
	q.SetProgressNotifier(wsManager.BroadcastProgress)
	s.httpServer = &http.Server{Addr: httpAddr, Handler: s.Handler()}
	return s
}

// Handler builds the route table; exposed separately so tests can drive
// it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /jobs", s.cors(http.HandlerFunc(s.handleCreateJob)))
	mux.Handle("GET /jobs", s.cors(http.HandlerFunc(s.handleListJobs)))
	mux.Handle("GET /jobs/{id}", s.cors(http.HandlerFunc(s.handleGetJob)))
	mux.Handle("DELETE /jobs/{id}", s.cors(http.HandlerFunc(s.handleCancelJob)))
	mux.Handle("POST /jobs/{id}/wait", s.cors(http.HandlerFunc(s.handleWaitForJob)))
	mux.Handle("GET /stats", s.cors(http.HandlerFunc(s.handleStats)))
	mux.Handle("GET /dlq", s.cors(http.HandlerFunc(s.handleDeadLetters)))
	mux.Handle("GET /ws", http.HandlerFunc(s.handleWebSocket))
	mux.Handle("OPTIONS /", s.cors(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})))
	return mux
}

// Start begins serving; it blocks until the listener fails or Shutdown
// is called. An orderly shutdown is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener and waits for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

type createJobRequest struct {
	Type        models.JobType  `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    int             `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	job, err := s.queue.Enqueue(r.Context(), req.Type, req.Payload, req.Priority, req.MaxAttempts)
	if err != nil {
		var ve *models.ValidationError
		switch {
		case errors.Is(err, models.ErrUnknownJobType), errors.As(err, &ve):
			s.writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	filter := models.JobFilter{
		Status: models.JobStatus(qs.Get("status")),
		Type:   models.JobType(qs.Get("type")),
	}
	filter.Limit = intParam(qs.Get("limit"), 50)
	filter.Offset = intParam(qs.Get("offset"), 0)

	jobs := s.queue.ListJobs(filter)
	if jobs == nil {
		jobs = []*models.Job{}
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.GetJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.PathValue("id"))
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, models.ErrJobTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

type waitRequest struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
}

func (s *Server) handleWaitForJob(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	timeout := time.Duration(req.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	job, err := s.queue.WaitForJob(r.Context(), r.PathValue("id"), timeout)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, models.ErrWaitTimeout):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queue.GetStats())
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	entries, err := s.queue.DeadLetters(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*models.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// handleWebSocket upgrades the connection, sends the current job list as
// a snapshot, and leaves the client subscribed to broadcasts.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to upgrade to WebSocket")
		return
	}

	jobs := s.queue.ListJobs(models.JobFilter{})
	if jobs == nil {
		jobs = []*models.Job{}
	}
	initial, err := json.Marshal(map[string]any{
		"type": "initial_jobs",
		"jobs": jobs,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal initial snapshot")
		initial = nil
	}

	// The manager goroutine writes the snapshot; writing here would race
	// a concurrent broadcast on the same conn.
	s.wsManager.RegisterClient(conn, initial)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.wsManager.UnregisterClient(conn)
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
