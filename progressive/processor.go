// Package progressive drives partial-before-complete processing of large
// datasets: a fast preview over the head of the data, a statistically
// sized sample, and a full pausable, cancellable chunked run that exposes
// partial results mid-flight.
package progressive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chunkflow/chunkflow/models"
)

// PreviewLimit caps how many records a preview run touches.
const PreviewLimit = 1000

// DefaultBatchSize is the records-per-batch default for full runs.
const DefaultBatchSize = 1000

// DefaultPausePoll is how often a paused run rechecks its control token.
const DefaultPausePoll = 50 * time.Millisecond

// ItemFunc processes one record. Handlers supply the actual analysis;
// the processor only drives batching, pacing, and bookkeeping.
type ItemFunc[T, R any] func(ctx context.Context, item T) (R, error)

// SessionStatus tracks the lifecycle of one run.
type SessionStatus string

const (
	SessionIdle       SessionStatus = "idle"
	SessionProcessing SessionStatus = "processing"
	SessionPaused     SessionStatus = "paused"
	SessionCancelled  SessionStatus = "cancelled"
)

// Session is a consistent snapshot of run state.
type Session struct {
	Status        SessionStatus
	ProcessedRows int
	TotalRows     int
}

// ProgressEvent is emitted after each batch of a full run.
type ProgressEvent struct {
	ProcessedRows   int
	TotalRows       int
	PercentComplete float64
}

// ItemError is emitted per failed record when ContinueOnError is set.
type ItemError struct {
	Index int
	Err   error
}

// Options configures a processor.
type Options struct {
	BatchSize       int
	ContinueOnError bool
	PausePoll       time.Duration
	OnProgress      func(ProgressEvent)
	OnItemError     func(ItemError)
}

// Processor runs one dataset at a time. Pause, Resume, and Cancel act on
// the current run via the control token; cancellation is cooperative and
// observed at batch boundaries only.
type Processor[T, R any] struct {
	handle  ItemFunc[T, R]
	opts    Options
	control *models.Control
	logger  zerolog.Logger

	mu      sync.Mutex
	session Session
	partial []R
}

// New creates a processor. A nil control gets a fresh token; passing the
// job's token lets the queue's cancel reach the run directly.
func New[T, R any](handle ItemFunc[T, R], control *models.Control, opts Options) *Processor[T, R] {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.PausePoll <= 0 {
		opts.PausePoll = DefaultPausePoll
	}
	if control == nil {
		control = models.NewControl()
	}
	return &Processor[T, R]{
		handle:  handle,
		opts:    opts,
		control: control,
		logger:  log.With().Str("component", "progressive").Logger(),
		session: Session{Status: SessionIdle},
	}
}

// Pause asks the current run to hold at its next batch boundary. Idempotent.
func (p *Processor[T, R]) Pause() { p.control.Pause() }

// Resume lets a paused run continue. Idempotent.
func (p *Processor[T, R]) Resume() { p.control.Resume() }

// Cancel stops the current run at its next batch boundary. Idempotent.
func (p *Processor[T, R]) Cancel() { p.control.Cancel() }

// IsPaused reports whether a pause is requested.
func (p *Processor[T, R]) IsPaused() bool { return p.control.IsPaused() }

// Session returns a snapshot of the current run.
func (p *Processor[T, R]) Session() Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// PartialResults returns the results accumulated so far, safe to call
// while a run is still in flight.
func (p *Processor[T, R]) PartialResults() []R {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]R, len(p.partial))
	copy(out, p.partial)
	return out
}

// Preview processes only the first min(PreviewLimit, len(items)) records
// and returns immediately. It never pauses and reports no incremental
// progress beyond the single final event.
func (p *Processor[T, R]) Preview(ctx context.Context, items []T) ([]R, error) {
	n := len(items)
	if n > PreviewLimit {
		n = PreviewLimit
	}

	results := make([]R, 0, n)
	for i := 0; i < n; i++ {
		r, err := p.handle(ctx, items[i])
		if err != nil {
			if p.opts.ContinueOnError {
				p.emitItemError(i, err)
				continue
			}
			return results, fmt.Errorf("preview item %d: %w", i, err)
		}
		results = append(results, r)
	}

	if p.opts.OnProgress != nil {
		p.opts.OnProgress(ProgressEvent{ProcessedRows: n, TotalRows: len(items), PercentComplete: percent(n, len(items))})
	}
	return results, nil
}

// Full iterates fixed-size batches over the whole dataset. Before each
// batch it honors pause (spinning on a short poll) and cancellation
// (returning models.ErrProcessingCancelled). Partial results accumulate
// and remain retrievable after an aborted run.
func (p *Processor[T, R]) Full(ctx context.Context, items []T) ([]R, error) {
	p.beginRun(len(items))

	for start := 0; start < len(items); start += p.opts.BatchSize {
		if err := p.gate(ctx); err != nil {
			return p.PartialResults(), err
		}

		end := start + p.opts.BatchSize
		if end > len(items) {
			end = len(items)
		}

		batch := make([]R, 0, end-start)
		for i := start; i < end; i++ {
			r, err := p.handle(ctx, items[i])
			if err != nil {
				if p.opts.ContinueOnError {
					p.emitItemError(i, err)
					continue
				}
				p.endRun(SessionIdle)
				return p.PartialResults(), fmt.Errorf("item %d: %w", i, err)
			}
			batch = append(batch, r)
		}

		p.mu.Lock()
		p.partial = append(p.partial, batch...)
		p.session.ProcessedRows = end
		ev := ProgressEvent{
			ProcessedRows:   end,
			TotalRows:       len(items),
			PercentComplete: percent(end, len(items)),
		}
		p.mu.Unlock()

		if p.opts.OnProgress != nil {
			p.opts.OnProgress(ev)
		}
	}

	p.endRun(SessionIdle)
	return p.PartialResults(), nil
}

// gate blocks while paused and fails once cancelled. Session status
// mirrors what the run is doing so status queries see paused/cancelled.
func (p *Processor[T, R]) gate(ctx context.Context) error {
	for {
		if p.control.IsCancelled() {
			p.endRun(SessionCancelled)
			return models.ErrProcessingCancelled
		}
		if err := ctx.Err(); err != nil {
			p.endRun(SessionCancelled)
			return fmt.Errorf("%w: %v", models.ErrProcessingCancelled, err)
		}
		if !p.control.IsPaused() {
			p.setStatus(SessionProcessing)
			return nil
		}
		p.setStatus(SessionPaused)
		select {
		case <-p.control.Done():
		case <-ctx.Done():
		case <-time.After(p.opts.PausePoll):
		}
	}
}

func (p *Processor[T, R]) beginRun(total int) {
	p.mu.Lock()
	p.session = Session{Status: SessionProcessing, TotalRows: total}
	p.partial = nil
	p.mu.Unlock()
	p.logger.Debug().Int("total_rows", total).Msg("Starting run")
}

func (p *Processor[T, R]) endRun(status SessionStatus) {
	p.mu.Lock()
	p.session.Status = status
	p.mu.Unlock()
}

func (p *Processor[T, R]) setStatus(status SessionStatus) {
	p.mu.Lock()
	p.session.Status = status
	p.mu.Unlock()
}

func (p *Processor[T, R]) emitItemError(index int, err error) {
	if p.opts.OnItemError != nil {
		p.opts.OnItemError(ItemError{Index: index, Err: err})
	}
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}
