package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the repositories and the pipeline.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict indicates a conditional update lost against the stored state,
	// e.g. a document advance whose expected status no longer matches. Seeing
	// this means duplicate dispatch slipped past the single-flight claim.
	ErrConflict = errors.New("conditional update conflict")

	// ErrInvalidState indicates an operation was invoked out of sequence.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrAlreadyRunning indicates a task for the same (document, type) pair
	// is already pending or running.
	ErrAlreadyRunning = errors.New("task already running for document")
)

// TimeoutError reports a stage or task exceeding one of its time limits.
// Hard timeouts are fatal to the task; soft timeouts are delivered as
// cooperative cancellation and surface here when the stage observes them.
type TimeoutError struct {
	Stage string
	Hard  bool
	Limit time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	kind := "soft"
	if e.Hard {
		kind = "hard"
	}
	return fmt.Sprintf("stage %s exceeded %s time limit of %s", e.Stage, kind, e.Limit)
}

// QualityError reports stage output below its configured threshold after
// quality retries were exhausted. The pipeline treats it as degraded-accept,
// not as a failure; it is kept as an error type so the degradation can be
// recorded on the task result.
type QualityError struct {
	Stage     string
	Score     float64
	Threshold float64
}

// Error implements the error interface.
func (e *QualityError) Error() string {
	return fmt.Sprintf("stage %s quality %.1f below threshold %.1f", e.Stage, e.Score, e.Threshold)
}
