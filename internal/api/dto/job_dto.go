package dto

import (
	"encoding/json"

	"github.com/draftloom/draftloom-be/internal/jobs"
)

type CreateJobRequest struct {
	Type  string          `json:"type" binding:"required"`
	Input json.RawMessage `json:"input"`
}

type CreateJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type CancelJobResponse struct {
	JobID     string `json:"job_id"`
	Cancelled bool   `json:"cancelled"`
}

type ListJobsRequest struct {
	Type     string `form:"type"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobStatusDTO `json:"jobs"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type NarrativeResponse struct {
	JobID  string                `json:"job_id"`
	Events []jobs.NarrativeEvent `json:"events"`
}

// JobStatusDTO is the normalized status projection returned by every read.
type JobStatusDTO struct {
	JobID                     string          `json:"job_id"`
	Type                      string          `json:"type"`
	Status                    string          `json:"status"`
	Progress                  int             `json:"progress"`
	CurrentStep               *string         `json:"current_step,omitempty"`
	EstimatedSecondsRemaining *int            `json:"estimated_seconds_remaining,omitempty"`
	Input                     json.RawMessage `json:"input,omitempty"`
	Result                    json.RawMessage `json:"result,omitempty"`
	Error                     *string         `json:"error,omitempty"`
	ErrorCode                 *string         `json:"error_code,omitempty"`
	StartedAt                 *string         `json:"started_at,omitempty"`
	FinishedAt                *string         `json:"finished_at,omitempty"`
	CancelledAt               *string         `json:"cancelled_at,omitempty"`
	CreatedAt                 string          `json:"created_at"`
	UpdatedAt                 string          `json:"updated_at"`
}
