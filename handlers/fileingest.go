package handlers

import (
	"context"
	"encoding/json"
	"os"

	"github.com/chunkflow/chunkflow/chunker"
	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/pool"
	"github.com/chunkflow/chunkflow/queue"
)

// ChunkSink is the collaborator that lands one chunk while a pooled
// connection is held.
type ChunkSink func(ctx context.Context, conn pool.Conn, chunk chunker.Chunk) error

// FileIngestHandler streams a large on-disk input through the chunker,
// landing each chunk via a pooled connection. Memory stays bounded by
// the chunk size no matter how large the input is.
type FileIngestHandler struct {
	Pool      *pool.Pool
	Sink      ChunkSink
	ChunkSize int // default chunker.DefaultChunkSize
}

// IngestResult summarizes a completed ingestion.
type IngestResult struct {
	Chunks int   `json:"chunks"`
	Bytes  int64 `json:"bytes"`
}

// ValidatePayload rejects payloads without a path at submission.
func (h *FileIngestHandler) ValidatePayload(raw json.RawMessage) error {
	var payload models.FileIngestPayload
	if err := models.DecodePayload(raw, &payload); err != nil {
		return err
	}
	if payload.Path == "" {
		return models.Invalid("file ingest payload needs a path")
	}
	return nil
}

// Run implements queue.Handler.
func (h *FileIngestHandler) Run(ctx context.Context, job *models.Job, report queue.ProgressFunc, control *models.Control) (any, error) {
	var payload models.FileIngestPayload
	if err := models.DecodePayload(job.Payload, &payload); err != nil {
		return nil, err
	}
	if _, err := os.Stat(payload.Path); err != nil {
		return nil, models.Permanent("source file unreadable: %v", err)
	}

	chunkSize := payload.ChunkSize
	if chunkSize <= 0 {
		chunkSize = h.ChunkSize
	}

	chunks := 0
	report(0)

	bytes, err := chunker.StreamFile(ctx, payload.Path, chunker.Options{
		ChunkSize: chunkSize,
		OnChunk: func(c chunker.Chunk) error {
			if err := control.Checkpoint(checkpointPoll); err != nil {
				return err
			}
			if err := h.Pool.WithConn(ctx, func(conn pool.Conn) error {
				return h.Sink(ctx, conn, c)
			}); err != nil {
				return err
			}
			chunks++
			return nil
		},
		OnProgress: func(p chunker.Progress) {
			report(int(p.PercentComplete))
		},
	})
	if err != nil {
		return nil, err
	}

	return &IngestResult{Chunks: chunks, Bytes: bytes}, nil
}
