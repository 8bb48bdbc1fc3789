package sched

import (
	"errors"
	"fmt"
)

// Sentinel errors classifying why a Job attempt or a RunModel phase
// failed. Job-local errors (ErrSubmit, ErrRuntimeNonZero, ErrTimeout,
// ErrLoadFailure) are absorbed by the Job and are retry-eligible up to
// max_submit; ErrCancelled is not retried. ErrInsufficientRealizations
// and ErrAnalysisFailed surface from RunModel, never from a Job.
var (
	// ErrSubmit indicates the driver rejected a submission.
	ErrSubmit = errors.New("sched: driver rejected submission")

	// ErrRuntimeNonZero indicates the job exited with a non-zero code.
	ErrRuntimeNonZero = errors.New("sched: job exited with non-zero code")

	// ErrTimeout indicates max_runtime elapsed before the job returned.
	ErrTimeout = errors.New("sched: realization exceeded max runtime")

	// ErrLoadFailure indicates the ResultCallback could not load results.
	ErrLoadFailure = errors.New("sched: result callback reported load failure")

	// ErrCancelled indicates external cancellation of the scheduler.
	ErrCancelled = errors.New("sched: cancelled")

	// ErrInsufficientRealizations indicates fewer than min_realizations
	// completed successfully; terminal for the run-model phase.
	ErrInsufficientRealizations = errors.New("sched: insufficient realizations succeeded")

	// ErrAnalysisFailed indicates the analysis update failed after
	// exhausting num_retries_per_iter attempts.
	ErrAnalysisFailed = errors.New("sched: analysis update failed after retries")
)

// SubmitError wraps the underlying driver error for a rejected
// submission, keeping the realization index for diagnostics.
type SubmitError struct {
	Iens int
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("sched: realization %d: submit failed: %v", e.Iens, e.Err)
}

func (e *SubmitError) Unwrap() error { return ErrSubmit }

// RuntimeError wraps a non-zero job exit code.
type RuntimeError struct {
	Iens       int
	ReturnCode int
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("sched: realization %d: exited with code %d", e.Iens, e.ReturnCode)
}

func (e *RuntimeError) Unwrap() error { return ErrRuntimeNonZero }
