// Package store persists job records and dead-letter entries. Two
// editions share the interface: a file store keeping one JSON document
// per record, and a Postgres store built on pgx.
package store

import (
	"context"

	"github.com/chunkflow/chunkflow/models"
)

// JobStore is the queue's persistence boundary. Jobs are archived, never
// deleted: terminal records stay queryable, and a dead-lettered job keeps
// its failed record plus a separate dead-letter entry.
//
// All methods must be safe for concurrent use.
type JobStore interface {
	// SaveJob upserts the full job record. Called on every status
	// transition, so it must tolerate repeated writes for the same id.
	SaveJob(ctx context.Context, job *models.Job) error

	// GetJob returns models.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListJobs returns records matching the filter, newest first.
	ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error)

	// SaveDeadLetter records a job that exhausted its retries.
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error

	// ListDeadLetters returns all dead-letter entries, newest first.
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)

	Close() error
}

// matches applies a JobFilter's status/type predicates.
func matches(job *models.Job, filter models.JobFilter) bool {
	if filter.Status != "" && job.Status != filter.Status {
		return false
	}
	if filter.Type != "" && job.Type != filter.Type {
		return false
	}
	return true
}

// paginate applies limit/offset to an already-sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
