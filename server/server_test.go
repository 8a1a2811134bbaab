package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/queue"
	"github.com/chunkflow/chunkflow/store"
)

const testType models.JobType = "batch-process"

// newTestServer wires a queue with an instant-success handler behind the
// HTTP surface. start=false leaves the dispatch loop off so jobs stay
// queued, which the timeout and cancel tests rely on.
func newTestServer(t *testing.T, start bool) (*httptest.Server, *queue.JobQueue) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	q := queue.New(queue.Config{BaseDelay: 5 * time.Millisecond}, st)
	q.RegisterHandler(testType, queue.HandlerFunc(func(ctx context.Context, job *models.Job, report queue.ProgressFunc, control *models.Control) (any, error) {
		return map[string]string{"outcome": "done"}, nil
	}))
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		q.Start(ctx)
		t.Cleanup(func() {
			cancel()
			<-q.Stopped()
		})
	}

	srv := httptest.NewServer(NewServer(q, "").Handler())
	t.Cleanup(srv.Close)
	return srv, q
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateJob(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp := postJSON(t, srv.URL+"/jobs", map[string]any{
		"type":     testType,
		"payload":  map[string]any{"items": []int{1, 2}},
		"priority": 3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	job := decode[models.Job](t, resp)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, 3, job.Priority)
}

func TestCreateJobUnknownType(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp := postJSON(t, srv.URL+"/jobs", map[string]any{"type": "no-such-type"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateJobMalformedBody(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, err := http.Post(srv.URL+"/jobs", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJob(t *testing.T) {
	srv, q := newTestServer(t, false)
	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/jobs/" + job.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Job](t, resp)
	assert.Equal(t, job.ID, got.ID)
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsWithFilter(t *testing.T) {
	srv, q := newTestServer(t, false)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/jobs?status=queued&limit=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs := decode[[]models.Job](t, resp)
	assert.Len(t, jobs, 2)

	resp, err = http.Get(srv.URL + "/jobs?status=completed")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs = decode[[]models.Job](t, resp)
	assert.Empty(t, jobs)
}

func TestCancelJob(t *testing.T) {
	srv, q := newTestServer(t, false)
	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+job.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Job](t, resp)
	assert.Equal(t, models.StatusCancelled, got.Status)

	// A second cancel hits a terminal job.
	resp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestWaitForJobCompletes(t *testing.T) {
	srv, q := newTestServer(t, true)
	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/jobs/"+job.ID+"/wait", map[string]any{"timeout_seconds": 5})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[models.Job](t, resp)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"outcome":"done"}`, string(got.Result))
}

func TestWaitForJobTimeout(t *testing.T) {
	srv, q := newTestServer(t, false)
	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/jobs/"+job.ID+"/wait", map[string]any{"timeout_seconds": 0.05})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestTimeout, resp.StatusCode)
}

func TestStats(t *testing.T) {
	srv, q := newTestServer(t, false)
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
		require.NoError(t, err)
	}

	resp, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stats := decode[models.QueueStats](t, resp)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 2, stats.Total)
}

func TestDeadLettersEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, false)

	resp, err := http.Get(srv.URL + "/dlq")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]models.DeadLetter](t, resp)
	assert.Empty(t, entries)
}

type wsMessage struct {
	Type   string       `json:"type"`
	Jobs   []models.Job `json:"jobs"`
	JobID  string       `json:"job_id"`
	Status string       `json:"status"`
}

func readWS(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocketInitialSnapshotThenUpdates(t *testing.T) {
	srv, q := newTestServer(t, false)
	job, err := q.Enqueue(context.Background(), testType, json.RawMessage(`{}`), 0, 0)
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The snapshot must arrive first, before any broadcast.
	msg := readWS(t, conn)
	require.Equal(t, "initial_jobs", msg.Type)
	require.Len(t, msg.Jobs, 1)
	assert.Equal(t, job.ID, msg.Jobs[0].ID)

	_, err = q.Cancel(job.ID)
	require.NoError(t, err)

	msg = readWS(t, conn)
	assert.Equal(t, "job_update", msg.Type)
	assert.Equal(t, job.ID, msg.JobID)
	assert.Equal(t, string(models.StatusCancelled), msg.Status)
}

func TestShutdownStopsListener(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	q := queue.New(queue.Config{}, st)

	s := NewServer(q, "127.0.0.1:0")
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.NoError(t, err, "an orderly shutdown is not a listener failure")
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
