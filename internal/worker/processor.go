package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/draftloom/draftloom-be/internal/jobs"
	"github.com/draftloom/draftloom-be/internal/queue"
)

// processJob drives one dequeued entry through running and into a terminal
// status, honoring a pending cancellation flag before and during execution.
func (r *Runner) processJob(ctx context.Context, entry *queue.Entry) {
	logger := r.logger.With(slog.String("job_id", entry.JobID))

	job, err := r.lifecycle.GetRow(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			// A queue entry without a row: the row was pruned externally or
			// the entry is stale. Keep it in the failed set for diagnostics.
			logger.Warn("Queue entry has no job row, retiring")
			if retireErr := r.queue.Retire(ctx, entry.JobID, true); retireErr != nil {
				logger.Error("Failed to retire orphaned entry", slog.String("error", retireErr.Error()))
			}
			return
		}
		logger.Error("Failed to load job", slog.String("error", err.Error()))
		return
	}

	if job.Status != jobs.StatusQueued {
		// Re-delivered entry for a job another worker already picked up.
		logger.Warn("Job is not queued, skipping",
			slog.String("status", string(job.Status)),
		)
		return
	}

	// Claim: queued -> running.
	now := time.Now()
	startStep := "starting"
	if err := r.lifecycle.UpdateProgress(ctx, entry.JobID, jobs.ProgressUpdate{
		Status:      statusPtr(jobs.StatusRunning),
		StartedAt:   &now,
		CurrentStep: &startStep,
	}); err != nil {
		logger.Warn("Failed to claim job", slog.String("error", err.Error()))
		return
	}

	rep := &Reporter{runner: r, job: job}
	rep.Narrate(ctx, "status", "Job started", nil)

	// Cancellation requested while the job sat in the queue.
	if job.CancelledAt != nil {
		r.finishCancelled(ctx, logger, entry.JobID, rep)
		return
	}

	handler, ok := r.handlers[job.Type]
	if !ok {
		logger.Error("No handler registered for task type",
			slog.String("type", string(job.Type)),
		)
		r.finishFailed(ctx, logger, entry.JobID, rep, "no handler registered for task type "+string(job.Type), "unsupported_task_type")
		return
	}

	result, runErr := handler.Run(ctx, job, rep)

	switch {
	case errors.Is(runErr, ErrCancelled):
		r.finishCancelled(ctx, logger, entry.JobID, rep)

	case runErr != nil:
		code := "task_failed"
		var taskErr *TaskError
		if errors.As(runErr, &taskErr) {
			code = taskErr.Code
		}
		logger.Error("Job execution failed",
			slog.String("error", runErr.Error()),
			slog.String("error_code", code),
		)
		r.finishFailed(ctx, logger, entry.JobID, rep, runErr.Error(), code)

	default:
		finished := time.Now()
		if err := r.lifecycle.UpdateProgress(ctx, entry.JobID, jobs.ProgressUpdate{
			Status:     statusPtr(jobs.StatusCompleted),
			Progress:   intPtr(100),
			Result:     result,
			FinishedAt: &finished,
		}); err != nil {
			logger.Error("Failed to mark job completed", slog.String("error", err.Error()))
			return
		}
		rep.Narrate(ctx, "complete", "Job completed", intPtr(100))
		if err := r.queue.Retire(ctx, entry.JobID, false); err != nil {
			logger.Error("Failed to retire completed entry", slog.String("error", err.Error()))
		}
		logger.Info("Job completed successfully")
	}
}

// finishCancelled performs the worker side of cooperative cancellation: the
// running -> failed transition with the advisory flag folded into the error.
func (r *Runner) finishCancelled(ctx context.Context, logger *slog.Logger, jobID string, rep *Reporter) {
	finished := time.Now()
	msg := "Cancelled"
	if err := r.lifecycle.UpdateProgress(ctx, jobID, jobs.ProgressUpdate{
		Status:     statusPtr(jobs.StatusFailed),
		Error:      &msg,
		ErrorCode:  strPtr("cancelled"),
		FinishedAt: &finished,
	}); err != nil {
		logger.Error("Failed to mark job cancelled", slog.String("error", err.Error()))
		return
	}
	rep.Narrate(ctx, "error", "Job cancelled", nil)
	if err := r.queue.Retire(ctx, jobID, true); err != nil {
		logger.Error("Failed to retire cancelled entry", slog.String("error", err.Error()))
	}
	logger.Info("Job cancelled by request")
}

func (r *Runner) finishFailed(ctx context.Context, logger *slog.Logger, jobID string, rep *Reporter, message, code string) {
	finished := time.Now()
	if err := r.lifecycle.UpdateProgress(ctx, jobID, jobs.ProgressUpdate{
		Status:     statusPtr(jobs.StatusFailed),
		Error:      &message,
		ErrorCode:  &code,
		FinishedAt: &finished,
	}); err != nil {
		logger.Error("Failed to mark job failed", slog.String("error", err.Error()))
		return
	}
	rep.Narrate(ctx, "error", message, nil)
	if err := r.queue.Retire(ctx, jobID, true); err != nil {
		logger.Error("Failed to retire failed entry", slog.String("error", err.Error()))
	}
}

func statusPtr(s jobs.Status) *jobs.Status { return &s }
func intPtr(i int) *int                    { return &i }
func strPtr(s string) *string              { return &s }
