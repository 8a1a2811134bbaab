package handlers

import (
	"context"
	"encoding/json"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/progressive"
	"github.com/chunkflow/chunkflow/queue"
)

// ScoreFunc is the analytical collaborator applied to one record. What
// it computes (sentiment, PII matches, estimators) is outside the engine.
type ScoreFunc func(ctx context.Context, record json.RawMessage) (json.RawMessage, error)

// AnalysisHandler drives a dataset through the progressive processor in
// the mode the payload asks for: quick preview, balanced statistical
// sample, or thorough full run. The job's control token is shared with
// the processor, so queue-level cancel stops the run at the next batch.
type AnalysisHandler struct {
	Score     ScoreFunc
	BatchSize int // records per batch for full runs, default 1000
}

// ValidatePayload rejects empty datasets and unknown modes at submission.
func (h *AnalysisHandler) ValidatePayload(raw json.RawMessage) error {
	var payload models.DatasetAnalysisPayload
	if err := models.DecodePayload(raw, &payload); err != nil {
		return err
	}
	if len(payload.Records) == 0 {
		return models.Invalid("analysis payload needs records")
	}
	switch payload.Mode {
	case "", models.ModeQuick, models.ModeBalanced, models.ModeThorough:
		return nil
	default:
		return models.Invalid("unknown analysis mode %q", payload.Mode)
	}
}

// Run implements queue.Handler.
func (h *AnalysisHandler) Run(ctx context.Context, job *models.Job, report queue.ProgressFunc, control *models.Control) (any, error) {
	var payload models.DatasetAnalysisPayload
	if err := models.DecodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}

	proc := progressive.New(
		func(ctx context.Context, record json.RawMessage) (json.RawMessage, error) {
			return h.Score(ctx, record)
		},
		control,
		progressive.Options{
			BatchSize:       h.BatchSize,
			ContinueOnError: payload.ContinueOnError,
			OnProgress: func(ev progressive.ProgressEvent) {
				report(int(ev.PercentComplete))
			},
		},
	)

	var sampleOpts progressive.SampleOptions
	if payload.StratifyKey != "" {
		records := payload.Records
		key := payload.StratifyKey
		sampleOpts.StratifyBy = func(index int) string {
			return stratumOf(records[index], key)
		}
	}

	result, err := proc.Process(ctx, payload.Records, payload.Mode, sampleOpts)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// stratumOf pulls the stratification value out of a raw record; records
// without the key land in a shared bucket.
func stratumOf(record json.RawMessage, key string) string {
	var m map[string]any
	if err := json.Unmarshal(record, &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
