package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/chunkflow/chunkflow/models"
)

const deadLetterSuffix = ".dlq.json"

// FileStore keeps one JSON document per job under dataDir, plus one
// document per dead-letter entry. Suited to a single process; the queue
// serializes writers per job id, so file-level locking is not needed.
type FileStore struct {
	dataDir string
	mu      sync.Mutex
}

// NewFileStore ensures the data directory exists.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// SaveJob writes the full record, replacing any previous version.
func (s *FileStore) SaveJob(_ context.Context, job *models.Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	jobPath := filepath.Join(s.dataDir, job.ID+".json")
	if err := os.WriteFile(jobPath, data, 0o644); err != nil {
		return fmt.Errorf("write job file: %w", err)
	}
	return nil
}

// GetJob reads a single record back.
func (s *FileStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dataDir, id+".json"))
	if os.IsNotExist(err) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// ListJobs loads every persisted record and filters in memory. Fine for
// the single-process scale this store targets.
func (s *FileStore) ListJobs(_ context.Context, filter models.JobFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var jobs []*models.Job
	for _, file := range files {
		name := file.Name()
		if filepath.Ext(name) != ".json" || strings.HasSuffix(name, deadLetterSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.dataDir, name))
		if err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Failed to read job file")
			continue
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("Failed to unmarshal job file")
			continue
		}
		if matches(&job, filter) {
			jobs = append(jobs, &job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return paginate(jobs, filter.Limit, filter.Offset), nil
}

// SaveDeadLetter writes the entry next to the job table under a suffix
// that keeps the two inspectable independently.
func (s *FileStore) SaveDeadLetter(_ context.Context, dl *models.DeadLetter) error {
	data, err := json.MarshalIndent(dl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", dl.JobID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, dl.JobID+deadLetterSuffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write dead letter file: %w", err)
	}
	return nil
}

// ListDeadLetters returns all dead-letter entries, newest first.
func (s *FileStore) ListDeadLetters(_ context.Context) ([]*models.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	files, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	var entries []*models.DeadLetter
	for _, file := range files {
		if !strings.HasSuffix(file.Name(), deadLetterSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, file.Name()))
		if err != nil {
			log.Warn().Err(err).Str("file", file.Name()).Msg("Failed to read dead letter file")
			continue
		}
		var dl models.DeadLetter
		if err := json.Unmarshal(data, &dl); err != nil {
			log.Warn().Err(err).Str("file", file.Name()).Msg("Failed to unmarshal dead letter file")
			continue
		}
		entries = append(entries, &dl)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.After(entries[j].MovedAt)
	})
	return entries, nil
}

// Close is a no-op for the file edition.
func (s *FileStore) Close() error { return nil }
