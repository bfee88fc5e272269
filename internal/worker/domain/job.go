package domain

import "time"

// Job status values. Completed, failed and cancelled are terminal.
const (
	StatusSubmitted  = "submitted"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// JobRecord is the persisted state of one job, stored as a JSON document
// under the key `job:{jobId}`. While the record is in processing the worker
// owns it exclusively; the API layer reads and writes it otherwise.
type JobRecord struct {
	JobID        string     `json:"jobId"`
	FileName     string     `json:"fileName,omitempty"`
	FileRef      string     `json:"fileRef,omitempty"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	TimeoutAt    time.Time  `json:"timeoutAt"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	ResultRef    string     `json:"resultRef,omitempty"`
	Error        string     `json:"error,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// QueueItem is the minimal pointer pushed onto the job queue. The record in
// the job store stays authoritative; the queue never carries the full payload.
type QueueItem struct {
	JobID    string `json:"jobId"`
	FileRef  string `json:"fileRef"`
	FileName string `json:"fileName"`
}

// IsTerminal reports whether a status can never change again.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
// Terminal states are sticky: no transition out of them is ever allowed.
func CanTransition(from, to string) bool {
	if IsTerminal(from) {
		return false
	}
	switch from {
	case StatusSubmitted:
		return to == StatusProcessing || to == StatusCancelled || to == StatusFailed
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	}
	return false
}

// TimedOut reports whether a processing job has passed its deadline.
// Only processing jobs can time out; terminal and submitted jobs never do.
func (r *JobRecord) TimedOut(now time.Time) bool {
	return r.Status == StatusProcessing && !r.TimeoutAt.IsZero() && now.After(r.TimeoutAt)
}
