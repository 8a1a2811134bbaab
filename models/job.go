package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusRetrying  JobStatus = "retrying"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether a job in this status will never run again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// JobType selects which registered handler processes a job.
type JobType string

const (
	TypeBatchProcess    JobType = "batch-process"
	TypeFileIngest      JobType = "file-ingest"
	TypeDocumentExtract JobType = "document-extract"
	TypeDatasetAnalysis JobType = "dataset-analysis"
)

// Job is a single unit of work tracked by the queue. The queue's
// dispatch/retry/terminal logic is the only writer after submission.
type Job struct {
	ID            string          `json:"id"`
	Type          JobType         `json:"type"`
	Status        JobStatus       `json:"status"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Progress      int             `json:"progress"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *JobError       `json:"error,omitempty"`
}

// Clone returns a copy of the job safe to hand to readers while the
// queue keeps mutating the original.
func (j *Job) Clone() *Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// JobError is the structured failure reason carried by a failed job.
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return e.Kind + ": " + e.Message
}

// DeadLetter is the durable record of a job that exhausted its retries,
// kept for inspection outside the main job table.
type DeadLetter struct {
	JobID         string    `json:"job_id"`
	Type          JobType   `json:"type"`
	FailureReason string    `json:"failure_reason"`
	Attempts      int       `json:"attempts"`
	MovedAt       time.Time `json:"moved_at"`
}

// JobFilter narrows ListJobs results. Zero values mean "any".
type JobFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
	Offset int
}

// QueueStats holds per-status counts for the stats endpoint.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}
