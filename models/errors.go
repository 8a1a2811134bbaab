package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the pool and queue.
var (
	// ErrPoolExhausted means no handle became idle within the acquire timeout.
	ErrPoolExhausted = errors.New("resource pool exhausted")

	// ErrPoolClosed means the pool was shut down; no further acquisitions succeed.
	ErrPoolClosed = errors.New("resource pool closed")

	// ErrProcessingCancelled means a run stopped at a batch/chunk boundary
	// because its control token was cancelled. Not a failure: the queue maps
	// it to the cancelled status, never to the dead-letter store.
	ErrProcessingCancelled = errors.New("processing cancelled")

	// ErrWaitTimeout means WaitForJob gave up before the job reached a
	// terminal status.
	ErrWaitTimeout = errors.New("timed out waiting for job")

	// ErrUnknownJobType means no handler is registered for the submitted type.
	ErrUnknownJobType = errors.New("unknown job type")

	// ErrJobNotFound means the job id is not in the job table.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal means the operation does not apply to a job that
	// already reached a terminal status.
	ErrJobTerminal = errors.New("job already in terminal status")
)

// TransientError is a handler's signal for a recoverable failure (collaborator
// timeout, rate limit, contention). The queue retries it with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the queue treats it as retryable.
func Transient(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError is a handler's signal for a non-recoverable failure
// (malformed data, unsupported operation). The queue fails the job
// immediately regardless of remaining attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// ValidationError rejects a bad job payload. Surfaced at submission when
// possible, otherwise treated as permanent by the queue.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid wraps err as a payload validation failure.
func Invalid(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

// IsTransient reports whether the queue should retry after err.
// Pool contention counts as transient at the handler level.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, ErrPoolExhausted)
}

// IsPermanent reports whether err must fail the job immediately.
func IsPermanent(err error) bool {
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCancelled reports whether err is a cooperative-cancellation signal.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrProcessingCancelled)
}

// ErrorKind names the classification of err for the structured job error.
func ErrorKind(err error) string {
	var ve *ValidationError
	switch {
	case IsCancelled(err):
		return "cancelled"
	case errors.Is(err, ErrPoolExhausted):
		return "resource_unavailable"
	case errors.As(err, &ve):
		return "validation"
	case IsPermanent(err):
		return "permanent"
	case IsTransient(err):
		return "transient"
	default:
		return "transient"
	}
}
