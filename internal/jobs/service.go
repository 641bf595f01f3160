package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Queue is the work queue the lifecycle service submits to. Submitting the
// same job id twice replaces the earlier entry rather than duplicating it.
type Queue interface {
	// Ready reports whether the broker behind the queue is configured and
	// reachable. Mutating operations call it before touching anything.
	Ready() error
	Enqueue(ctx context.Context, taskType TaskType, jobID string) error
}

// UserStore is the identity collaborator, consulted only during creation to
// validate a claimed user id.
type UserStore interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ProgressUpdate carries the fields a worker wants to change. Nil fields are
// left untouched.
type ProgressUpdate struct {
	Status                    *Status
	Progress                  *int
	CurrentStep               *string
	EstimatedSecondsRemaining *int
	Result                    JSONText
	Error                     *string
	ErrorCode                 *string
	StartedAt                 *time.Time
	FinishedAt                *time.Time
}

// ListOptions narrows a job listing beyond the caller's ownership scope.
type ListOptions struct {
	Type     string
	Status   string
	PageSize int
	Cursor   *ListCursor
}

// Service is the only code path allowed to create, read, retry, cancel, or
// mutate a job record. Every mutator re-reads current state, validates the
// requested transition, and only then writes, so a rejected operation never
// partially applies.
type Service struct {
	store  Store
	queue  Queue
	users  UserStore
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a lifecycle service around the given collaborators.
func NewService(store Store, queue Queue, users UserStore, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		queue:  queue,
		users:  users,
		logger: logger,
		now:    time.Now,
	}
}

// Create inserts a queued job row and submits it to the work queue under the
// same id, then returns that id.
//
// The row is written before the queue submission. A crash between the two
// leaves an orphaned queued row with no queue entry; there is no
// reconciliation pass for that case.
func (s *Service) Create(ctx context.Context, taskType TaskType, input JSONText, caller Caller) (string, error) {
	if !taskType.Valid() {
		return "", newInvariantViolation("unknown task type: %s", taskType)
	}

	if caller.UserID == "" && caller.SessionID == "" {
		return "", newInvariantViolation("a user id or session id is required to create a job")
	}

	if err := s.queue.Ready(); err != nil {
		return "", fmt.Errorf("%w: %s", ErrServiceUnavailable, err.Error())
	}

	userID := caller.UserID
	if userID != "" {
		exists, err := s.users.Exists(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("failed to look up user: %w", err)
		}
		if !exists {
			if caller.SessionID == "" {
				return "", &UserNotFoundError{UserID: userID}
			}
			// Stale identity with an anonymous session present: degrade to
			// session ownership instead of failing the request.
			s.logger.Warn("Claimed user does not exist, falling back to session ownership",
				slog.String("user_id", userID),
				slog.String("session_id", caller.SessionID),
			)
			userID = ""
		}
	}

	now := s.now()
	job := &Job{
		ID:              uuid.New().String(),
		Type:            taskType,
		Status:          StatusQueued,
		Progress:        0,
		Input:           input,
		NarrativeStream: NarrativeStream{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if caller.TenantID != "" {
		job.TenantID = &caller.TenantID
	}
	if userID != "" {
		job.UserID = &userID
	}
	if caller.SessionID != "" {
		sessionID := caller.SessionID
		job.SessionID = &sessionID
	}

	if err := s.store.Insert(ctx, job); err != nil {
		return "", err
	}

	if err := s.queue.Enqueue(ctx, taskType, job.ID); err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("type", string(taskType)),
	)

	return job.ID, nil
}

// GetStatus returns the job row when the caller owns it, and (nil, nil) when
// the row does not exist or belongs to someone else. The caller maps nil to
// not-found, never to permission-denied.
func (s *Service) GetStatus(ctx context.Context, jobID string, caller Caller) (*Job, error) {
	return s.authorize(ctx, jobID, caller)
}

// Retry re-runs a failed job. The row is reset to its initial runnable state
// and re-submitted to the queue under the same id, which the queue treats as
// a replace. There is no cap on how often a job may be retried.
func (s *Service) Retry(ctx context.Context, jobID string, caller Caller) (*Job, error) {
	if err := s.queue.Ready(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnavailable, err.Error())
	}

	job, err := s.authorize(ctx, jobID, caller)
	if err != nil || job == nil {
		return nil, err
	}

	if job.Status != StatusFailed {
		return nil, newInvariantViolation("only failed jobs can be retried (current status: %s)", job.Status)
	}

	if err := s.store.ResetForRetry(ctx, jobID); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.Type, jobID); err != nil {
		return nil, fmt.Errorf("failed to re-enqueue job %s: %w", jobID, err)
	}

	s.logger.Info("Job queued for retry",
		slog.String("job_id", jobID),
		slog.String("type", string(job.Type)),
	)

	return s.store.Get(ctx, jobID)
}

// Cancel stamps cancelled_at on a queued or running job. The status is left
// untouched: cancellation is advisory until the worker observes the flag and
// itself moves the row to failed.
func (s *Service) Cancel(ctx context.Context, jobID string, caller Caller) (*Job, error) {
	job, err := s.authorize(ctx, jobID, caller)
	if err != nil || job == nil {
		return nil, err
	}

	if job.Status != StatusQueued && job.Status != StatusRunning {
		return nil, newInvariantViolation("job cannot be cancelled in status %s", job.Status)
	}

	at := s.now()
	if err := s.store.SetCancelled(ctx, jobID, at); err != nil {
		return nil, err
	}

	s.logger.Info("Job cancellation requested",
		slog.String("job_id", jobID),
		slog.String("status", string(job.Status)),
	)

	job.CancelledAt = &at
	return job, nil
}

// UpdateProgress is the worker-trusted mutator; it applies only the supplied
// fields and performs no ownership check. A supplied status is validated
// against the current row first: only queued->running, running->completed,
// and running->failed are reachable here.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, update ProgressUpdate) error {
	if update.Status != nil {
		job, err := s.store.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if !canTransition(job.Status, *update.Status) {
			return newInvariantViolation("illegal status transition: %s -> %s", job.Status, *update.Status)
		}
	}

	return s.store.ApplyUpdate(ctx, jobID, update)
}

// IsCancelled reports whether cancellation has been requested for the job.
// Workers poll this between units of work.
func (s *Service) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelledAt != nil, nil
}

// GetRow is the unrestricted raw read for worker use.
func (s *Service) GetRow(ctx context.Context, jobID string) (*Job, error) {
	return s.store.Get(ctx, jobID)
}

// AppendNarrative appends one event to the job's narrative stream. A zero
// timestamp is filled in with the current time.
func (s *Service) AppendNarrative(ctx context.Context, jobID string, event NarrativeEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	return s.store.AppendNarrative(ctx, jobID, event)
}

// GetNarrative returns the full ordered narrative stream for replay. It never
// returns nil: a job with no events, or no job at all, yields an empty slice.
func (s *Service) GetNarrative(ctx context.Context, jobID string) (NarrativeStream, error) {
	stream, err := s.store.GetNarrative(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return NarrativeStream{}, nil
		}
		return nil, err
	}
	return stream, nil
}

// List returns the caller's jobs, newest first, with keyset pagination. The
// page is scoped to the caller's identity channels; other owners' rows are
// invisible.
func (s *Service) List(ctx context.Context, caller Caller, opts ListOptions) ([]Job, error) {
	if caller.UserID == "" && caller.SessionID == "" {
		return nil, newInvariantViolation("a user id or session id is required to list jobs")
	}

	filter := ListFilter{
		UserID:    caller.UserID,
		SessionID: caller.SessionID,
		Type:      opts.Type,
		Status:    opts.Status,
		PageSize:  opts.PageSize,
		Cursor:    opts.Cursor,
	}
	return s.store.List(ctx, filter)
}

func (s *Service) authorize(ctx context.Context, jobID string, caller Caller) (*Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	if !hasAccess(job, caller) {
		// Treated exactly like a missing row so existence of other owners'
		// jobs is never confirmed.
		s.logger.Debug("Ownership check failed",
			slog.String("job_id", jobID),
		)
		return nil, nil
	}

	return job, nil
}
