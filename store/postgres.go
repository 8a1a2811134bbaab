package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chunkflow/chunkflow/models"
	"github.com/chunkflow/chunkflow/pool"
)

const jobsSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 0,
	payload      JSONB,
	progress     INT NOT NULL DEFAULT 0,
	attempts     INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	error        JSONB,
	result       JSONB
);
CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status);
CREATE INDEX IF NOT EXISTS jobs_type_idx ON jobs (type);

CREATE TABLE IF NOT EXISTS dead_letters (
	job_id         TEXT NOT NULL,
	type           TEXT NOT NULL,
	failure_reason TEXT NOT NULL,
	attempts       INT NOT NULL,
	moved_at       TIMESTAMPTZ NOT NULL
);`

// PostgresStore keeps the job table and dead-letter table in Postgres
// via a pgx connection pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if _, err := db.Exec(ctx, jobsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// SaveJob upserts the full record.
func (s *PostgresStore) SaveJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, type, status, priority, payload, progress, attempts,
			max_attempts, created_at, started_at, completed_at, error, result)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			attempts = EXCLUDED.attempts,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			error = EXCLUDED.error,
			result = EXCLUDED.result`,
		job.ID, job.Type, job.Status, job.Priority, job.Payload, job.Progress,
		job.Attempts, job.MaxAttempts, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.Error, job.Result)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob reads one record by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, type, status, priority, payload, progress, attempts,
			max_attempts, created_at, started_at, completed_at, error, result
		FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", id, err)
	}
	job, err := pgx.CollectOneRow(rows, scanJob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs filters in SQL; status/type are optional predicates.
func (s *PostgresStore) ListJobs(ctx context.Context, filter models.JobFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, type, status, priority, payload, progress, attempts,
			max_attempts, created_at, started_at, completed_at, error, result
		FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		string(filter.Status), string(filter.Type), limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.CollectableRow) (*models.Job, error) {
	var job models.Job
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.Priority, &job.Payload,
		&job.Progress, &job.Attempts, &job.MaxAttempts, &job.CreatedAt,
		&job.StartedAt, &job.CompletedAt, &job.Error, &job.Result)
	return &job, err
}

// SaveDeadLetter appends an entry to the dead-letter table.
func (s *PostgresStore) SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dead_letters (job_id, type, failure_reason, attempts, moved_at)
		VALUES ($1, $2, $3, $4, $5)`,
		dl.JobID, dl.Type, dl.FailureReason, dl.Attempts, dl.MovedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter %s: %w", dl.JobID, err)
	}
	return nil
}

// ListDeadLetters returns all entries, newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	rows, err := s.db.Query(ctx, `
		SELECT job_id, type, failure_reason, attempts, moved_at
		FROM dead_letters ORDER BY moved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.DeadLetter, error) {
		var dl models.DeadLetter
		err := row.Scan(&dl.JobID, &dl.Type, &dl.FailureReason, &dl.Attempts, &dl.MovedAt)
		return &dl, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan dead letters: %w", err)
	}
	return entries, nil
}

// Close releases the pgx pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// pgxConn adapts a dedicated pgx connection to the resource pool's Conn.
type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Close() error {
	return c.conn.Close(context.Background())
}

// Conn returns the underlying pgx connection for handler queries.
func (c *pgxConn) Conn() *pgx.Conn { return c.conn }

// PgxFactory returns a pool.Factory dialing dedicated Postgres
// connections, the production backing for the resource pool.
func PgxFactory(databaseURL string) pool.Factory {
	return func(ctx context.Context) (pool.Conn, error) {
		conn, err := pgx.Connect(ctx, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		return &pgxConn{conn: conn}, nil
	}
}
