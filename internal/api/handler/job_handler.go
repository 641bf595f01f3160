package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/draftloom/draftloom-be/internal/api/dto"
	"github.com/draftloom/draftloom-be/internal/api/identity"
	"github.com/draftloom/draftloom-be/internal/jobs"
)

// CreateJob handles POST /api/v1/jobs
// Creates a new background job and submits it to the work queue
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	caller := identity.CallerFrom(c)

	jobID, err := h.jobs.Create(c.Request.Context(), jobs.TaskType(req.Type), jobs.JSONText(req.Input), caller)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:  jobID,
		Status: string(jobs.StatusQueued),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the status projection of a job the caller owns
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.GetStatus(c.Request.Context(), jobID, identity.CallerFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if job == nil {
		h.respondNotFound(c, jobID)
		return
	}

	c.JSON(http.StatusOK, toJobStatusDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	rows, err := h.jobs.List(c.Request.Context(), identity.CallerFrom(c), jobs.ListOptions{
		Type:     req.Type,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	hasMore := len(rows) > req.PageSize
	if hasMore {
		rows = rows[:req.PageSize]
	}

	items := make([]dto.JobStatusDTO, len(rows))
	for i := range rows {
		items[i] = toJobStatusDTO(&rows[i])
	}

	var nextCursor string
	if hasMore {
		last := rows[len(rows)-1]
		nextCursor, err = EncodeJobCursor(&jobs.ListCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       items,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Resets a failed job and re-submits it to the queue under the same id
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Retry(c.Request.Context(), jobID, identity.CallerFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if job == nil {
		h.respondNotFound(c, jobID)
		return
	}

	c.JSON(http.StatusOK, toJobStatusDTO(job))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cooperative cancellation of a queued or running job
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.jobs.Cancel(c.Request.Context(), jobID, identity.CallerFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if job == nil {
		h.respondNotFound(c, jobID)
		return
	}

	c.JSON(http.StatusOK, dto.CancelJobResponse{
		JobID:     jobID,
		Cancelled: true,
	})
}

// GetJobEvents handles GET /api/v1/jobs/:job_id/events
// Replays the job's full narrative stream for a reconnecting client
func (h *JobHandler) GetJobEvents(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	// Ownership gate first; the narrative read itself is unrestricted.
	job, err := h.jobs.GetStatus(c.Request.Context(), jobID, identity.CallerFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if job == nil {
		h.respondNotFound(c, jobID)
		return
	}

	events, err := h.jobs.GetNarrative(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NarrativeResponse{
		JobID:  jobID,
		Events: events,
	})
}

func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

func (h *JobHandler) respondNotFound(c *gin.Context, jobID string) {
	// Unowned rows take this path too, so existence is never confirmed.
	c.JSON(http.StatusNotFound, gin.H{
		"error":  "Job not found",
		"job_id": jobID,
	})
}

// respondError maps the lifecycle error taxonomy onto HTTP statuses:
// invariant violations keep their own 400-class code and message,
// user-not-found and broker misconfiguration are 5xx-class.
func (h *JobHandler) respondError(c *gin.Context, err error) {
	var invariant *jobs.InvariantViolationError
	if errors.As(err, &invariant) {
		c.JSON(invariant.Code, gin.H{
			"error": invariant.Message,
		})
		return
	}

	var userNotFound *jobs.UserNotFoundError
	if errors.As(err, &userNotFound) {
		h.logger.Error("Job creation for unknown user", slog.String("user_id", userNotFound.UserID))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": userNotFound.Error(),
		})
		return
	}

	if errors.Is(err, jobs.ErrServiceUnavailable) {
		h.logger.Error("Job queue unavailable", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Job processing is temporarily unavailable",
		})
		return
	}

	h.logger.Error("Job operation failed", slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Internal server error",
	})
}

func toJobStatusDTO(job *jobs.Job) dto.JobStatusDTO {
	out := dto.JobStatusDTO{
		JobID:                     job.ID,
		Type:                      string(job.Type),
		Status:                    string(job.Status),
		Progress:                  job.Progress,
		CurrentStep:               job.CurrentStep,
		EstimatedSecondsRemaining: job.EstimatedSecondsRemaining,
		Input:                     json.RawMessage(job.Input),
		Result:                    json.RawMessage(job.Result),
		Error:                     job.Error,
		ErrorCode:                 job.ErrorCode,
		CreatedAt:                 job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:                 job.UpdatedAt.Format(time.RFC3339),
	}

	out.StartedAt = formatTime(job.StartedAt)
	out.FinishedAt = formatTime(job.FinishedAt)
	out.CancelledAt = formatTime(job.CancelledAt)
	return out
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
