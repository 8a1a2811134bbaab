// Package handlers holds the built-in job handlers. Each one receives
// (job, reportProgress, control) from the queue, classifies its failures
// with the models error taxonomy, and checks the control token only at
// sub-batch/chunk boundaries. The analytical work itself is an injected
// collaborator; handlers own pacing, pooling, and progress.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/pool"
	"github.com/chunkflow/chunkflow/queue"
)

// checkpointPoll is how often paused handlers recheck their token.
const checkpointPoll = 50 * time.Millisecond

// ItemFunc is the collaborator applied to one record while a pooled
// connection is held.
type ItemFunc func(ctx context.Context, conn pool.Conn, item json.RawMessage) (json.RawMessage, error)

// BatchHandler processes a bounded array of records in fixed-size
// sub-batches, holding a pooled connection per sub-batch and reporting
// progress after each one.
type BatchHandler struct {
	Pool      *pool.Pool
	Process   ItemFunc
	BatchSize int // default 100 when the payload does not say
}

// BatchResult summarizes a completed batch job.
type BatchResult struct {
	Processed int               `json:"processed"`
	Results   []json.RawMessage `json:"results,omitempty"`
}

// ValidatePayload rejects empty or malformed batch payloads at submission.
func (h *BatchHandler) ValidatePayload(raw json.RawMessage) error {
	var payload models.BatchPayload
	if err := models.DecodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Items) == 0 {
		return models.Invalid("batch payload needs at least one item")
	}
	return nil
}

// Run implements queue.Handler.
func (h *BatchHandler) Run(ctx context.Context, job *models.Job, report queue.ProgressFunc, control *models.Control) (any, error) {
	var payload models.BatchPayload
	if err := models.DecodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}

	batchSize := payload.BatchSize
	if batchSize <= 0 {
		batchSize = h.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	total := len(payload.Items)
	results := make([]json.RawMessage, 0, total)
	report(0)

	for start := 0; start < total; start += batchSize {
		if err := control.Checkpoint(checkpointPoll); err != nil {
			return nil, err
		}

		end := start + batchSize
		if end > total {
			end = total
		}

		err := h.Pool.WithConn(ctx, func(conn pool.Conn) error {
			for _, item := range payload.Items[start:end] {
				r, err := h.Process(ctx, conn, item)
				if err != nil {
					return err
				}
				results = append(results, r)
			}
			return nil
		})
		if err != nil {
			// Pool contention and collaborator classifications pass
			// through untouched; the queue decides what to do.
			return nil, err
		}

		report(end * 100 / total)
	}

	return &BatchResult{Processed: len(results), Results: results}, nil
}
