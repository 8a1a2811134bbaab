package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"time"

	"github.com/chunkflow/chunkflow/models"
)

// Start runs the dispatch loop until ctx is cancelled. On shutdown every
// running job's control token is cancelled and the loop waits for
// handlers to come back before returning.
func (q *JobQueue) Start(ctx context.Context) {
	go q.loop(ctx)
}

func (q *JobQueue) loop(ctx context.Context) {
	defer close(q.stopped)
	q.logger.Info().Int("max_concurrent", q.cfg.MaxConcurrent).Msg("Dispatch loop started")
	for {
		q.promoteDue()
		q.dispatchReady(ctx)

		timer := time.NewTimer(q.nextWakeIn())
		select {
		case <-ctx.Done():
			timer.Stop()
			q.shutdown()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteDue moves retrying jobs whose NextAttemptAt has passed back into
// the ready heap.
func (q *JobQueue) promoteDue() {
	now := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.delayed[:0]
	for _, job := range q.delayed {
		if job.NextAttemptAt.After(now) {
			kept = append(kept, job)
			continue
		}
		job.Status = models.StatusQueued
		job.NextAttemptAt = time.Time{}
		q.seq++
		heap.Push(&q.ready, &queuedJob{job: job, seq: q.seq})
	}
	q.delayed = kept
}

// nextWakeIn returns how long the loop may sleep before the earliest
// scheduled retry is due.
func (q *JobQueue) nextWakeIn() time.Duration {
	q.mu.RLock()
	defer q.mu.RUnlock()

	wait := time.Minute
	now := time.Now()
	for _, job := range q.delayed {
		if d := job.NextAttemptAt.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// dispatchReady launches the highest-priority ready jobs while the
// running count stays under MaxConcurrent.
func (q *JobQueue) dispatchReady(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.running) >= q.cfg.MaxConcurrent || q.ready.Len() == 0 {
			q.mu.Unlock()
			return
		}

		qj := heap.Pop(&q.ready).(*queuedJob)
		job := qj.job
		handler, ok := q.handlers[job.Type]
		if !ok {
			// Handler unregistered between enqueue and dispatch.
			job.Status = models.StatusFailed
			job.CompletedAt = time.Now()
			job.Error = &models.JobError{Kind: "permanent", Message: "no handler registered for " + string(job.Type)}
			snapshot := job.Clone()
			done := q.done[job.ID]
			q.mu.Unlock()
			q.persist(snapshot)
			close(done)
			q.emit(snapshot)
			continue
		}

		job.Status = models.StatusRunning
		job.Attempts++
		if job.StartedAt.IsZero() {
			job.StartedAt = time.Now()
		}
		control := models.NewControl()
		q.running[job.ID] = control
		snapshot := job.Clone()
		q.mu.Unlock()

		q.persist(snapshot)
		q.emit(snapshot)
		q.logger.Info().Str("job_id", job.ID).Int("attempt", snapshot.Attempts).Msg("Dispatching job")

		go q.runJob(ctx, job, handler, control)
	}
}

// runJob executes one attempt and routes the outcome through the queue's
// retry/terminal logic.
func (q *JobQueue) runJob(ctx context.Context, job *models.Job, handler Handler, control *models.Control) {
	report := q.progressFunc(job.ID)

	result, err := handler.Run(ctx, job.Clone(), report, control)

	// A handler that noticed the token late may return success for work
	// that was cancelled; the token is authoritative.
	if err == nil && control.IsCancelled() {
		err = models.ErrProcessingCancelled
	}

	switch {
	case err == nil:
		q.completeJob(job, result)
	case models.IsCancelled(err):
		q.cancelRunningJob(job)
	case models.IsPermanent(err):
		q.failJob(job, err)
	default:
		q.retryOrFail(job, err)
	}

	q.mu.Lock()
	delete(q.running, job.ID)
	q.mu.Unlock()
	q.kick()
}

// progressFunc builds the monotone per-job progress reporter handed to
// handlers. Reads of the job table observe the clamped value.
func (q *JobQueue) progressFunc(jobID string) ProgressFunc {
	return func(pct int) {
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}

		q.mu.Lock()
		job, ok := q.jobs[jobID]
		if !ok || job.Status != models.StatusRunning || pct <= job.Progress {
			q.mu.Unlock()
			return
		}
		job.Progress = pct
		progress := q.progress
		q.mu.Unlock()

		if progress != nil {
			progress(jobID, pct)
		}
	}
}

func (q *JobQueue) completeJob(job *models.Job, result any) {
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to marshal job result")
		} else {
			raw = data
		}
	}

	q.mu.Lock()
	job.Status = models.StatusCompleted
	job.Progress = 100
	job.Result = raw
	job.CompletedAt = time.Now()
	snapshot := job.Clone()
	done := q.done[job.ID]
	q.mu.Unlock()

	q.persist(snapshot)
	close(done)
	q.emit(snapshot)
	q.logger.Info().Str("job_id", job.ID).Int("attempts", snapshot.Attempts).Msg("Job completed")
}

// cancelRunningJob marks a cooperatively-stopped job cancelled. No error
// is recorded and no dead-letter entry is written.
func (q *JobQueue) cancelRunningJob(job *models.Job) {
	q.mu.Lock()
	job.Status = models.StatusCancelled
	job.CompletedAt = time.Now()
	job.Error = nil
	snapshot := job.Clone()
	done := q.done[job.ID]
	q.mu.Unlock()

	q.persist(snapshot)
	close(done)
	q.emit(snapshot)
	q.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
}

// retryOrFail applies the transient policy: re-queue with exponential
// backoff while attempts remain, otherwise fail and dead-letter.
func (q *JobQueue) retryOrFail(job *models.Job, err error) {
	q.mu.Lock()
	if job.Attempts <= job.MaxAttempts {
		delay := q.backoff(job.Attempts)
		job.Status = models.StatusRetrying
		job.NextAttemptAt = time.Now().Add(delay)
		job.Error = &models.JobError{Kind: models.ErrorKind(err), Message: err.Error()}
		q.delayed = append(q.delayed, job)
		snapshot := job.Clone()
		q.mu.Unlock()

		q.persist(snapshot)
		q.emit(snapshot)
		q.logger.Warn().Err(err).Str("job_id", job.ID).
			Int("attempt", snapshot.Attempts).Dur("retry_in", delay).
			Msg("Transient failure, retry scheduled")
		return
	}
	q.mu.Unlock()
	q.failJob(job, err)
}

// failJob is the terminal failure path shared by permanent errors and
// exhausted retries.
func (q *JobQueue) failJob(job *models.Job, err error) {
	q.mu.Lock()
	job.Status = models.StatusFailed
	job.CompletedAt = time.Now()
	job.Error = &models.JobError{Kind: models.ErrorKind(err), Message: err.Error()}
	snapshot := job.Clone()
	done := q.done[job.ID]
	q.mu.Unlock()

	q.persist(snapshot)

	if !q.cfg.DisableDeadLetter {
		dl := &models.DeadLetter{
			JobID:         snapshot.ID,
			Type:          snapshot.Type,
			FailureReason: snapshot.Error.Message,
			Attempts:      snapshot.Attempts,
			MovedAt:       time.Now(),
		}
		if dlErr := q.store.SaveDeadLetter(context.Background(), dl); dlErr != nil {
			q.logger.Error().Err(dlErr).Str("job_id", job.ID).Msg("Failed to write dead letter")
		}
	}

	close(done)
	q.emit(snapshot)
	q.logger.Error().Err(err).Str("job_id", job.ID).Int("attempts", snapshot.Attempts).Msg("Job failed")
}

// backoff computes base * 2^(attempts-1), capped at MaxDelay.
func (q *JobQueue) backoff(attempts int) time.Duration {
	delay := q.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.cfg.MaxDelay {
			return q.cfg.MaxDelay
		}
	}
	if delay > q.cfg.MaxDelay {
		delay = q.cfg.MaxDelay
	}
	return delay
}

// shutdown cancels every running job's token and waits for the handlers
// to observe it.
func (q *JobQueue) shutdown() {
	q.mu.Lock()
	controls := make([]*models.Control, 0, len(q.running))
	for _, c := range q.running {
		controls = append(controls, c)
	}
	q.mu.Unlock()

	for _, c := range controls {
		c.Cancel()
	}

	// Handlers stop at their next checkpoint; poll until they return.
	for {
		q.mu.RLock()
		n := len(q.running)
		q.mu.RUnlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	q.logger.Info().Msg("Dispatch loop stopped")
}

func (q *JobQueue) persist(snapshot *models.Job) {
	if err := q.store.SaveJob(context.Background(), snapshot); err != nil {
		q.logger.Error().Err(err).Str("job_id", snapshot.ID).Msg("Failed to persist job transition")
	}
}
