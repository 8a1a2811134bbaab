package queue

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/store"
)

const testType models.JobType = "batch-process"

func newTestQueue(t *testing.T, cfg Config) *JobQueue {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return New(cfg, st)
}

func startQueue(t *testing.T, q *JobQueue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-q.Stopped()
	})
}

func TestEnqueueUnknownType(t *testing.T) {
	q := newTestQueue(t, Config{})
	_, err := q.Enqueue(context.Background(), "no-such-type", nil, 0, 0)
	assert.ErrorIs(t, err, models.ErrUnknownJobType)
}

func TestJobLifecycleSuccess(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		report(50)
		return map[string]int{"processed": 3}, nil
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusQueued, job.Status)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, 1, final.Attempts)
	assert.JSONEq(t, `{"processed":3}`, string(final.Result))
	assert.False(t, final.StartedAt.IsZero())
	assert.False(t, final.CompletedAt.IsZero())
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{BaseDelay: 5 * time.Millisecond})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		if calls.Add(1) < 3 {
			return nil, models.Transient("collaborator busy")
		}
		return "ok", nil
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 3)
	require.NoError(t, err)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.Attempts)

	// Recovered jobs leave no dead-letter trace.
	entries, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{BaseDelay: 5 * time.Millisecond})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		calls.Add(1)
		return nil, models.Transient("always down")
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 2)
	require.NoError(t, err)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	// The initial attempt plus maxAttempts retries.
	assert.Equal(t, 3, final.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	require.NotNil(t, final.Error)
	assert.Equal(t, "transient", final.Error.Kind)

	entries, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, job.ID, entries[0].JobID)
	assert.Equal(t, 3, entries[0].Attempts)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{BaseDelay: 5 * time.Millisecond})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		calls.Add(1)
		return nil, models.Permanent("payload unusable")
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 5)
	require.NoError(t, err)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, 1, final.Attempts)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "permanent", final.Error.Kind)

	entries, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrencyCap(t *testing.T) {
	var inFlight, peak atomic.Int32
	q := newTestQueue(t, Config{MaxConcurrent: 2})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		cur := inFlight.Add(1)
		for {
			prev := peak.Load()
			if cur <= prev || peak.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	startQueue(t, q)

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		_, err := q.WaitForJob(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPriorityOrdering(t *testing.T) {
	var mu sync.Mutex
	var order []int
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return nil, nil
	}))

	// Enqueue before starting so dispatch sees all three at once.
	var ids []string
	for _, prio := range []int{1, 10, 5} {
		job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), prio, 0)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	startQueue(t, q)

	for _, id := range ids {
		_, err := q.WaitForJob(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 5, 1}, order)
}

func TestFIFOWithinSamePriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	q := newTestQueue(t, Config{MaxConcurrent: 1})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 7, 0)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	startQueue(t, q)

	for _, id := range ids {
		_, err := q.WaitForJob(context.Background(), id, 5*time.Second)
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ids, order)
}

func TestCancelQueuedJob(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		return nil, nil
	}))
	// Not started: the job stays queued.

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	cancelled, err := q.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)

	// Terminal jobs reject a second cancel.
	_, err = q.Cancel(job.ID)
	assert.ErrorIs(t, err, models.ErrJobTerminal)

	// WaitForJob returns immediately for terminal jobs.
	final, err := q.WaitForJob(context.Background(), job.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)
}

func TestCancelRunningJobCooperatively(t *testing.T) {
	started := make(chan struct{})
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		close(started)
		for {
			if err := control.Checkpoint(5 * time.Millisecond); err != nil {
				return nil, err
			}
			time.Sleep(5 * time.Millisecond)
		}
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)
	<-started

	_, err = q.Cancel(job.ID)
	require.NoError(t, err)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, final.Status)
	assert.Nil(t, final.Error)

	entries, err := q.DeadLetters(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "cancellation is not a failure")
}

func TestCancelUnknownJob(t *testing.T) {
	q := newTestQueue(t, Config{})
	_, err := q.Cancel("missing")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestWaitForJobTimeout(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		return nil, nil
	}))
	// Queue not started: the job can never finish.

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	_, err = q.WaitForJob(context.Background(), job.ID, 50*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrWaitTimeout)

	_, err = q.WaitForJob(context.Background(), "missing", 50*time.Millisecond)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	q := newTestQueue(t, Config{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, q.backoff(1))
	assert.Equal(t, 200*time.Millisecond, q.backoff(2))
	assert.Equal(t, 400*time.Millisecond, q.backoff(3))
	assert.Equal(t, 500*time.Millisecond, q.backoff(4))
	assert.Equal(t, 500*time.Millisecond, q.backoff(10))
}

func TestRetrySchedulesNextAttempt(t *testing.T) {
	var calls atomic.Int32
	q := newTestQueue(t, Config{BaseDelay: 40 * time.Millisecond})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		if calls.Add(1) == 1 {
			return nil, models.Transient("first attempt fails")
		}
		return nil, nil
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 3)
	require.NoError(t, err)

	// Shortly after the first failure the job is parked as retrying with a
	// scheduled next attempt.
	require.Eventually(t, func() bool {
		j, err := q.GetJob(job.ID)
		return err == nil && j.Status == models.StatusRetrying
	}, time.Second, 5*time.Millisecond)

	parked, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.False(t, parked.NextAttemptAt.IsZero())

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.Attempts)
}

func TestGetStatsCounts(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		return nil, nil
	}))

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
		require.NoError(t, err)
	}

	s := q.GetStats()
	assert.Equal(t, 3, s.Queued)
	assert.Equal(t, 3, s.Total)
}

func TestListJobsFilterAndOrder(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		return nil, nil
	}))

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
		require.NoError(t, err)
		ids = append(ids, job.ID)
		time.Sleep(2 * time.Millisecond)
	}

	jobs := q.ListJobs(models.JobFilter{})
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID, "newest first")

	jobs = q.ListJobs(models.JobFilter{Status: models.StatusCompleted})
	assert.Empty(t, jobs)

	jobs = q.ListJobs(models.JobFilter{Limit: 2})
	assert.Len(t, jobs, 2)

	jobs = q.ListJobs(models.JobFilter{Offset: 2})
	assert.Len(t, jobs, 1)
}

func TestRecoverRequeuesInterruptedJobs(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewFileStore(dir)
	require.NoError(t, err)

	// Simulate a crash: one job died mid-run, one already finished.
	interrupted := &models.Job{
		ID: "job-interrupted", Type: testType, Status: models.StatusRunning,
		Progress: 40, Attempts: 1, MaxAttempts: 3, CreatedAt: time.Now(),
	}
	finished := &models.Job{
		ID: "job-finished", Type: testType, Status: models.StatusCompleted,
		Progress: 100, Attempts: 1, MaxAttempts: 3, CreatedAt: time.Now(),
	}
	require.NoError(t, st.SaveJob(context.Background(), interrupted))
	require.NoError(t, st.SaveJob(context.Background(), finished))

	q := New(Config{}, st)
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		return "recovered", nil
	}))
	require.NoError(t, q.Recover(context.Background()))
	startQueue(t, q)

	final, err := q.WaitForJob(context.Background(), "job-interrupted", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, final.Status)

	kept, err := q.GetJob("job-finished")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, kept.Status)
}

type rejectAllHandler struct{}

func (rejectAllHandler) Run(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
	return nil, nil
}

func (rejectAllHandler) ValidatePayload(raw json.RawMessage) error {
	return models.Invalid("always rejected")
}

func TestEnqueueValidatesPayload(t *testing.T) {
	q := newTestQueue(t, Config{})
	q.RegisterHandler(testType, rejectAllHandler{})

	_, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.Error(t, err)
	assert.True(t, models.IsPermanent(err))
	assert.Empty(t, q.ListJobs(models.JobFilter{}), "rejected submissions never enter the table")
}

func TestProgressIsMonotone(t *testing.T) {
	q := newTestQueue(t, Config{})
	advance := make(chan int)
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		for pct := range advance {
			report(pct)
		}
		return nil, nil
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	advance <- 30
	advance <- 10 // late, lower report must be ignored
	advance <- 60
	require.Eventually(t, func() bool {
		j, err := q.GetJob(job.ID)
		return err == nil && j.Progress == 60
	}, time.Second, 5*time.Millisecond)

	j, err := q.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, j.Progress)
	close(advance)

	final, err := q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 100, final.Progress)
}

func TestSetNotifierWhileDispatching(t *testing.T) {
	q := newTestQueue(t, Config{})
	release := make(chan struct{})
	q.RegisterHandler(testType, HandlerFunc(func(ctx context.Context, job *models.Job, report ProgressFunc, control *models.Control) (any, error) {
		report(50)
		<-release
		return nil, nil
	}))
	startQueue(t, q)

	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	// Install the notifiers while the dispatch loop is already emitting
	// transitions for the running job.
	var mu sync.Mutex
	var statuses []models.JobStatus
	q.SetNotifier(func(j *models.Job) {
		mu.Lock()
		statuses = append(statuses, j.Status)
		mu.Unlock()
	})
	q.SetProgressNotifier(func(jobID string, pct int) {})

	close(release)
	_, err = q.WaitForJob(context.Background(), job.ID, 5*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, statuses, models.StatusCompleted)
}
