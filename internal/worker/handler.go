package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/draftloom/draftloom-be/internal/jobs"
)

// ErrCancelled is returned by a handler that observed the cancellation flag
// and stopped between units of work.
var ErrCancelled = errors.New("job cancelled")

// TaskError carries an opaque failure from a task handler. The lifecycle
// layer stores code and message untouched and never interprets them.
type TaskError struct {
	Code string
	Err  error
}

func (e *TaskError) Error() string {
	return e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TaskHandler performs the actual work for one task type. Implementations are
// expected to call rep.Cancelled between units of work and return ErrCancelled
// when it reports true; nothing preempts a handler that never checks.
type TaskHandler interface {
	Run(ctx context.Context, job *jobs.Job, rep *Reporter) (jobs.JSONText, error)
}

// Reporter is the handler's channel back into the lifecycle API: durable
// progress updates, durable narrative events mirrored to the live stream, and
// the cancellation flag. A reporter belongs to exactly one job run on one
// worker goroutine and is not safe for concurrent use.
type Reporter struct {
	runner *Runner
	job    *jobs.Job

	lastPoll  time.Time
	cancelled bool
}

// Progress persists progress fields and pushes a live progress event.
func (p *Reporter) Progress(ctx context.Context, step string, percent int, etaSeconds int) {
	update := jobs.ProgressUpdate{
		Progress:    &percent,
		CurrentStep: &step,
	}
	if etaSeconds > 0 {
		update.EstimatedSecondsRemaining = &etaSeconds
	}

	if err := p.runner.lifecycle.UpdateProgress(ctx, p.job.ID, update); err != nil {
		p.runner.logger.Error("Failed to update job progress",
			slog.String("job_id", p.job.ID),
			slog.String("error", err.Error()),
		)
	}

	p.publish(ctx, "job:progress", map[string]interface{}{
		"job_id":       p.job.ID,
		"progress":     percent,
		"current_step": step,
	})
}

// Narrate appends one event to the durable narrative stream and mirrors it to
// the live stream. Replay after a reconnect reads the durable copy.
func (p *Reporter) Narrate(ctx context.Context, eventType, content string, progress *int) {
	event := jobs.NarrativeEvent{
		Type:     eventType,
		Content:  content,
		Progress: progress,
	}
	if err := p.runner.lifecycle.AppendNarrative(ctx, p.job.ID, event); err != nil {
		p.runner.logger.Error("Failed to append narrative event",
			slog.String("job_id", p.job.ID),
			slog.String("error", err.Error()),
		)
	}

	p.publish(ctx, "job:narrative", map[string]interface{}{
		"job_id":  p.job.ID,
		"type":    eventType,
		"content": content,
	})
}

// Cancelled polls the cancellation flag, hitting the database at most once
// per cancel poll interval: handlers may check at every small unit of work
// without each check costing a query. The flag only ever transitions to set,
// so a positive answer is remembered and a negative one is cached until the
// interval elapses. Lookup errors read as not cancelled so a transient
// database blip never aborts a healthy run.
func (p *Reporter) Cancelled(ctx context.Context) bool {
	if p.cancelled {
		return true
	}

	if !p.lastPoll.IsZero() && time.Since(p.lastPoll) < p.runner.cancelPollInterval {
		return false
	}
	p.lastPoll = time.Now()

	cancelled, err := p.runner.lifecycle.IsCancelled(ctx, p.job.ID)
	if err != nil {
		p.runner.logger.Warn("Failed to poll cancellation flag",
			slog.String("job_id", p.job.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	p.cancelled = cancelled
	return cancelled
}

func (p *Reporter) publish(ctx context.Context, event string, payload interface{}) {
	connectionID := ownerConnection(p.job)
	if connectionID == "" {
		return
	}
	if err := p.runner.publisher.Publish(ctx, connectionID, event, payload); err != nil {
		p.runner.logger.Debug("Failed to publish stream event",
			slog.String("job_id", p.job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// ownerConnection picks the channel a job's owner listens on: the anonymous
// session when present, the user id otherwise.
func ownerConnection(job *jobs.Job) string {
	if job.SessionID != nil && *job.SessionID != "" {
		return *job.SessionID
	}
	if job.UserID != nil && *job.UserID != "" {
		return *job.UserID
	}
	return ""
}

// SimulatedHandler walks through a fixed list of steps with a delay between
// them, checking the cancellation flag at each boundary. It stands in for the
// generation handlers during local runs and load tests.
type SimulatedHandler struct {
	Steps     []string
	StepDelay time.Duration
}

func (h *SimulatedHandler) Run(ctx context.Context, job *jobs.Job, rep *Reporter) (jobs.JSONText, error) {
	steps := h.Steps
	if len(steps) == 0 {
		steps = []string{"preparing", "generating", "finalizing"}
	}
	delay := h.StepDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	for i, step := range steps {
		if rep.Cancelled(ctx) {
			return nil, ErrCancelled
		}

		percent := (i * 100) / len(steps)
		remaining := int(delay.Seconds()) * (len(steps) - i)
		rep.Progress(ctx, step, percent, remaining)
		rep.Narrate(ctx, "status", fmt.Sprintf("Step %d/%d: %s", i+1, len(steps), step), &percent)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("job execution interrupted: %w", ctx.Err())
		}
	}

	result, err := json.Marshal(map[string]interface{}{
		"status":  "success",
		"message": fmt.Sprintf("Job %s of type %s completed", job.ID, job.Type),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return jobs.JSONText(result), nil
}
