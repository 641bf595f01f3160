package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	id, tenant_id, user_id, session_id, type, status,
	progress, current_step, estimated_seconds_remaining,
	input, result, error, error_code,
	started_at, finished_at, cancelled_at,
	narrative_stream, created_at, updated_at
`

// Store is the persistence boundary of the lifecycle service. The Postgres
// implementation below is the production one; tests substitute an in-memory
// fake.
type Store interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ApplyUpdate(ctx context.Context, jobID string, update ProgressUpdate) error
	SetCancelled(ctx context.Context, jobID string, at time.Time) error
	ResetForRetry(ctx context.Context, jobID string) error
	AppendNarrative(ctx context.Context, jobID string, event NarrativeEvent) error
	GetNarrative(ctx context.Context, jobID string) (NarrativeStream, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
}

// PostgresStore persists job rows in the jobs table.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (
			:id, :tenant_id, :user_id, :session_id, :type, :status,
			:progress, :current_step, :estimated_seconds_remaining,
			:input, :result, :error, :error_code,
			:started_at, :finished_at, :cancelled_at,
			:narrative_stream, :created_at, :updated_at
		)
	`

	if _, err := s.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// ApplyUpdate writes only the fields the update supplies, in a single
// UPDATE statement built the same way the list filter builds its WHERE
// clause.
func (s *PostgresStore) ApplyUpdate(ctx context.Context, jobID string, update ProgressUpdate) error {
	sets := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if update.Status != nil {
		add("status", *update.Status)
	}
	if update.Progress != nil {
		add("progress", *update.Progress)
	}
	if update.CurrentStep != nil {
		add("current_step", *update.CurrentStep)
	}
	if update.EstimatedSecondsRemaining != nil {
		add("estimated_seconds_remaining", *update.EstimatedSecondsRemaining)
	}
	if update.Result != nil {
		add("result", update.Result)
	}
	if update.Error != nil {
		add("error", *update.Error)
	}
	if update.ErrorCode != nil {
		add("error_code", *update.ErrorCode)
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.FinishedAt != nil {
		add("finished_at", *update.FinishedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE jobs SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += fmt.Sprintf(", updated_at = NOW() WHERE id = $%d", argIdx)
	args = append(args, jobID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetCancelled stamps cancelled_at and nothing else. The status stays as-is;
// a worker observing the timestamp performs the actual transition.
func (s *PostgresStore) SetCancelled(ctx context.Context, jobID string, at time.Time) error {
	query := `UPDATE jobs SET cancelled_at = $1, updated_at = NOW() WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, at, jobID)
	if err != nil {
		return fmt.Errorf("failed to set cancelled_at: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ResetForRetry puts a row back into its initial runnable state while
// preserving id, ownership, and the original input payload.
func (s *PostgresStore) ResetForRetry(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET status = $1,
			progress = 0,
			current_step = NULL,
			estimated_seconds_remaining = NULL,
			result = NULL,
			error = NULL,
			error_code = NULL,
			started_at = NULL,
			finished_at = NULL,
			cancelled_at = NULL,
			updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, StatusQueued, jobID)
	if err != nil {
		return fmt.Errorf("failed to reset job for retry: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// AppendNarrative concatenates one event onto the JSONB array in place, so
// two quick successive appends from the same worker never lose an entry to a
// read-modify-write race.
func (s *PostgresStore) AppendNarrative(ctx context.Context, jobID string, event NarrativeEvent) error {
	entry := NarrativeStream{event}
	query := `
		UPDATE jobs
		SET narrative_stream = COALESCE(narrative_stream, '[]'::jsonb) || $1::jsonb,
			updated_at = NOW()
		WHERE id = $2
	`

	result, err := s.db.ExecContext(ctx, query, entry, jobID)
	if err != nil {
		return fmt.Errorf("failed to append narrative event: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) GetNarrative(ctx context.Context, jobID string) (NarrativeStream, error) {
	var stream NarrativeStream
	query := `SELECT COALESCE(narrative_stream, '[]'::jsonb) FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &stream, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get narrative stream: %w", err)
	}
	if stream == nil {
		stream = NarrativeStream{}
	}
	return stream, nil
}

// ListFilter scopes a listing to one owner with optional type/status filters
// and keyset pagination.
type ListFilter struct {
	UserID    string
	SessionID string
	Type      string
	Status    string
	PageSize  int
	Cursor    *ListCursor
}

// ListCursor is a keyset position: everything strictly older than
// (CreatedAt, JobID) in descending order.
type ListCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	// Ownership scope: either identity channel matches.
	if filter.UserID != "" && filter.SessionID != "" {
		query += fmt.Sprintf(" AND (user_id = $%d OR session_id = $%d)", argIdx, argIdx+1)
		args = append(args, filter.UserID, filter.SessionID)
		argIdx += 2
	} else if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	} else if filter.SessionID != "" {
		query += fmt.Sprintf(" AND session_id = $%d", argIdx)
		args = append(args, filter.SessionID)
		argIdx++
	}

	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", argIdx)
		args = append(args, filter.Type)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	// Fetch one extra to determine if there are more results.
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []Job
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return rows, nil
}
