package domain

import "errors"

// Error codes recorded on a failed JobRecord. Cancellation never writes a
// failed status, so it has no code here.
const (
	ErrCodeTimeout        = "timeout"
	ErrCodeWorkerShutdown = "worker_shutdown"
	ErrCodeParse          = "parse_error"
	ErrCodeAnalysis       = "analysis_error"
	ErrCodeStorage        = "storage_error"
	ErrCodeInternal       = "internal_error"
)

var (
	// ErrJobNotFound is returned when no record exists for a job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobCancelled signals that a cancellation was observed at a
	// checkpoint; the record must be left as-is.
	ErrJobCancelled = errors.New("job cancelled")

	// ErrJobTimedOut signals that the job deadline passed while processing.
	ErrJobTimedOut = errors.New("job timed out")

	// ErrInvalidItem is returned for queue items that cannot be parsed.
	ErrInvalidItem = errors.New("invalid queue item")
)

// JobError carries the error code persisted on the record when a job fails.
type JobError struct {
	Code string
	Err  error
}

func (e *JobError) Error() string {
	return e.Code + ": " + e.Err.Error()
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError wraps err with the record error code.
func NewJobError(code string, err error) error {
	return &JobError{Code: code, Err: err}
}
