// Package dto defines the API request and response shapes.
package dto

import "github.com/datapilot/insight-worker/internal/worker/domain"

// SubmitResponse acknowledges an accepted job.
type SubmitResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// StatusResponse reports the current job record.
type StatusResponse struct {
	JobID        string `json:"jobId"`
	FileName     string `json:"fileName"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	StartedAt    string `json:"startedAt,omitempty"`
	CancelledAt  string `json:"cancelledAt,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	HasResult    bool   `json:"hasResult"`
}

// HealthResponse reports dependency health.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FromRecord maps a job record to its API shape.
func FromRecord(r *domain.JobRecord) StatusResponse {
	resp := StatusResponse{
		JobID:        r.JobID,
		FileName:     r.FileName,
		Status:       string(r.Status),
		CreatedAt:    r.CreatedAt.Format(timeLayout),
		UpdatedAt:    r.UpdatedAt.Format(timeLayout),
		Error:        r.Error,
		ErrorMessage: r.ErrorMessage,
		HasResult:    r.ResultRef != "",
	}
	if r.StartedAt != nil {
		resp.StartedAt = r.StartedAt.Format(timeLayout)
	}
	if r.CancelledAt != nil {
		resp.CancelledAt = r.CancelledAt.Format(timeLayout)
	}
	return resp
}

const timeLayout = "2006-01-02T15:04:05Z07:00"
