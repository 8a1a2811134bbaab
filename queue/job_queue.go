// Package queue is the scheduler: it accepts job submissions, dispatches
// them to registered handlers under a concurrency cap, retries transient
// failures with exponential backoff, routes exhausted jobs to the
// dead-letter store, and answers status/wait/cancel queries.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/store"
)

// ProgressFunc reports handler progress as a 0-100 percentage. The queue
// keeps job progress monotone: late or lower reports are ignored.
type ProgressFunc func(pct int)

// Handler executes one job attempt. Handlers classify failures with
// models.Transient / models.Permanent and observe the control token at
// chunk/batch boundaries; the queue alone decides retries.
type Handler interface {
	Run(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error)

// Run invokes the function.
func (f HandlerFunc) Run(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
	return f(ctx, job, report, control)
}

// PayloadValidator lets a handler reject bad payloads at submission time
// so callers get a ValidationError instead of a queued job that will fail.
type PayloadValidator interface {
	ValidatePayload(raw json.RawMessage) error
}

// Config controls scheduling and retry behavior.
type Config struct {
	MaxConcurrent      int           // parallel jobs, default 4
	DefaultMaxAttempts int           // when a submission omits maxAttempts, default 3
	BaseDelay          time.Duration // first retry delay, default 500ms
	MaxDelay           time.Duration // backoff cap, default 30s
	DisableDeadLetter  bool          // skip dead-letter records for exhausted jobs
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// JobQueue owns the job table. All mutation after submission happens in
// its dispatch/retry/terminal logic under one mutex; readers get clones.
type JobQueue struct {
	cfg    Config
	store  store.JobStore
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[models.JobType]Handler
	jobs     map[string]*models.Job
	ready    readyHeap                  // queued jobs eligible to dispatch
	delayed  []*models.Job              // retrying jobs waiting for NextAttemptAt
	running  map[string]*models.Control // control tokens of in-flight jobs
	done     map[string]chan struct{}   // closed when a job reaches terminal status
	seq      uint64

	wake     chan struct{}
	stopped  chan struct{}
	notify   func(*models.Job)
	progress func(jobID string, pct int)
}

// New creates a queue backed by the given store. Call Start to begin
// dispatching.
func New(cfg Config, st store.JobStore) *JobQueue {
	return &JobQueue{
		cfg:      cfg.withDefaults(),
		store:    st,
		logger:   log.With().Str("component", "queue").Logger(),
		handlers: make(map[models.JobType]Handler),
		jobs:     make(map[string]*models.Job),
		running:  make(map[string]*models.Control),
		done:     make(map[string]chan struct{}),
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
}

// Stopped is closed once the dispatch loop has drained after its context
// was cancelled.
func (q *JobQueue) Stopped() <-chan struct{} { return q.stopped }

// SetNotifier installs a callback invoked after every status transition,
// with a snapshot of the job. Used by the server's WebSocket push. Safe
// to call while the dispatch loop is running.
func (q *JobQueue) SetNotifier(fn func(*models.Job)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// SetProgressNotifier installs a callback for mid-flight progress updates.
func (q *JobQueue) SetProgressNotifier(fn func(jobID string, pct int)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress = fn
}

// RegisterHandler binds a handler to a job type. Last registration wins;
// re-registering while jobs of that type are running is the caller's
// mistake to avoid.
func (q *JobQueue) RegisterHandler(jobType models.JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Enqueue submits a job and returns its record. Fails with
// models.ErrUnknownJobType when no handler is registered, and with a
// ValidationError when the handler rejects the payload up front.
func (q *JobQueue) Enqueue(ctx context.Context, jobType models.JobType, payload json.RawMessage, priority, maxAttempts int) (*models.Job, error) {
	q.mu.RLock()
	h, ok := q.handlers[jobType]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownJobType, jobType)
	}
	if v, ok := h.(PayloadValidator); ok {
		if err := v.ValidatePayload(payload); err != nil {
			return nil, err
		}
	}
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.DefaultMaxAttempts
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Status:      models.StatusQueued,
		Priority:    priority,
		Payload:     payload,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.done[job.ID] = make(chan struct{})
	q.seq++
	heap.Push(&q.ready, &queuedJob{job: job, seq: q.seq})
	snapshot := job.Clone()
	q.mu.Unlock()

	if err := q.store.SaveJob(ctx, snapshot); err != nil {
		q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to persist job")
	}
	q.logger.Info().Str("job_id", job.ID).Str("type", string(jobType)).Int("priority", priority).Msg("Job enqueued")
	q.kick()
	return snapshot, nil
}

// GetJob returns a snapshot of a job by id.
func (q *JobQueue) GetJob(id string) (*models.Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns snapshots matching the filter, newest first.
func (q *JobQueue) ListJobs(filter models.JobFilter) []*models.Job {
	q.mu.RLock()
	jobs := make([]*models.Job, 0, len(q.jobs))
	for _, job := range q.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		jobs = append(jobs, job.Clone())
	}
	q.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if filter.Offset >= len(jobs) {
		return nil
	}
	jobs = jobs[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs
}

// GetStats counts jobs per status.
func (q *JobQueue) GetStats() models.QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()
	var s models.QueueStats
	for _, job := range q.jobs {
		switch job.Status {
		case models.StatusQueued:
			s.Queued++
		case models.StatusRunning:
			s.Running++
		case models.StatusRetrying:
			s.Retrying++
		case models.StatusCompleted:
			s.Completed++
		case models.StatusFailed:
			s.Failed++
		case models.StatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s
}

// Cancel removes a queued job immediately, or flags a running job's
// control token so the handler stops at its next checkpoint. Returns
// models.ErrJobTerminal when the job already finished.
func (q *JobQueue) Cancel(id string) (*models.Job, error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return nil, models.ErrJobNotFound
	}

	switch job.Status {
	case models.StatusQueued, models.StatusRetrying:
		q.removePending(id)
		job.Status = models.StatusCancelled
		job.CompletedAt = time.Now()
		snapshot := job.Clone()
		done := q.done[id]
		q.mu.Unlock()

		if err := q.store.SaveJob(context.Background(), snapshot); err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("Failed to persist cancellation")
		}
		close(done)
		q.emit(snapshot)
		q.logger.Info().Str("job_id", id).Msg("Queued job cancelled")
		return snapshot, nil

	case models.StatusRunning:
		control := q.running[id]
		snapshot := job.Clone()
		q.mu.Unlock()
		if control != nil {
			control.Cancel()
		}
		q.logger.Info().Str("job_id", id).Msg("Cancellation requested for running job")
		return snapshot, nil

	default:
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", models.ErrJobTerminal, id, job.Status)
	}
}

// WaitForJob blocks the caller (never the dispatch loop) until the job
// reaches a terminal status or timeout elapses, in which case it returns
// models.ErrWaitTimeout.
func (q *JobQueue) WaitForJob(ctx context.Context, id string, timeout time.Duration) (*models.Job, error) {
	q.mu.RLock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.RUnlock()
		return nil, models.ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		snapshot := job.Clone()
		q.mu.RUnlock()
		return snapshot, nil
	}
	done := q.done[id]
	q.mu.RUnlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return q.GetJob(id)
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", models.ErrWaitTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover reloads persisted jobs into the table. Jobs that were queued,
// retrying, or mid-run when the process died are re-queued; terminal
// records are kept for queries only.
func (q *JobQueue) Recover(ctx context.Context) error {
	jobs, err := q.store.ListJobs(ctx, models.JobFilter{})
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}

	q.mu.Lock()
	requeued := 0
	for _, job := range jobs {
		if _, exists := q.jobs[job.ID]; exists {
			continue
		}
		q.jobs[job.ID] = job
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = models.StatusQueued
		job.Progress = 0
		q.done[job.ID] = make(chan struct{})
		q.seq++
		heap.Push(&q.ready, &queuedJob{job: job, seq: q.seq})
		requeued++
	}
	q.mu.Unlock()

	q.logger.Info().Int("loaded", len(jobs)).Int("requeued", requeued).Msg("Recovered persisted jobs")
	q.kick()
	return nil
}

// DeadLetters returns the dead-letter entries for operational triage.
func (q *JobQueue) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	return q.store.ListDeadLetters(ctx)
}

// emit pushes a transition snapshot to the notifier, if any. The field
// is read under the lock but invoked outside it.
func (q *JobQueue) emit(job *models.Job) {
	q.mu.RLock()
	notify := q.notify
	q.mu.RUnlock()
	if notify != nil {
		notify(job)
	}
}

// kick nudges the dispatch loop without blocking.
func (q *JobQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// removePending drops a job from the ready heap or delayed set.
// Caller holds q.mu.
func (q *JobQueue) removePending(id string) {
	for i, qj := range q.ready {
		if qj.job.ID == id {
			heap.Remove(&q.ready, i)
			return
		}
	}
	for i, job := range q.delayed {
		if job.ID == id {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// queuedJob is a heap entry; seq breaks createdAt ties so order within a
// priority tier is strictly first-in-first-out.
type queuedJob struct {
	job *models.Job
	seq uint64
}

// readyHeap orders by priority descending, then submission order.
type readyHeap []*queuedJob

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	if !h[i].job.CreatedAt.Equal(h[j].job.CreatedAt) {
		return h[i].job.CreatedAt.Before(h[j].job.CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
