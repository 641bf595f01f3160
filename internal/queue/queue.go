// Package queue implements the durable work queue on top of the shared Redis
// broker. Entries are keyed by the job's database id: submitting the same id
// twice replaces the earlier entry, which is the property that makes retry an
// idempotent re-submission.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/draftloom/draftloom-be/internal/jobs"
	"github.com/draftloom/draftloom-be/shared/redisbroker"
)

const (
	// DefaultName is the one queue this service operates on.
	DefaultName = "content-jobs"

	// DefaultKeepCompleted bounds how many completed entries are retained
	// for inspection. Failed entries are kept without bound.
	DefaultKeepCompleted = 100

	defaultBlockTimeout = 5 * time.Second
)

// Entry is one dequeued unit of work.
type Entry struct {
	JobID string
	Type  jobs.TaskType
}

// Options tune a queue beyond its defaults.
type Options struct {
	Name          string
	KeepCompleted int
	BlockTimeout  time.Duration
}

// Queue is a named FIFO-with-priority structure over Redis. The pending set
// is a sorted set scored by priority and enqueue time; each entry carries a
// small hash with its task type.
type Queue struct {
	client        *redis.Client
	name          string
	keepCompleted int
	blockTimeout  time.Duration
	logger        *slog.Logger
}

// New creates a queue over the given client. Zero-valued options fall back to
// the package defaults.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Queue {
	if opts.Name == "" {
		opts.Name = DefaultName
	}
	if opts.KeepCompleted <= 0 {
		opts.KeepCompleted = DefaultKeepCompleted
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}

	return &Queue{
		client:        client,
		name:          opts.Name,
		keepCompleted: opts.KeepCompleted,
		blockTimeout:  opts.BlockTimeout,
		logger:        logger,
	}
}

// Ready reports whether the queue has a usable broker connection.
func (q *Queue) Ready() error {
	if q.client == nil {
		return fmt.Errorf("queue %q has no broker connection: set %s to a redis://host:port URL", q.name, redisbroker.URLEnv)
	}
	return nil
}

// Enqueue submits an entry under the job's id. Re-submitting an id that is
// already pending updates its score and type in place; nothing is duplicated.
func (q *Queue) Enqueue(ctx context.Context, taskType jobs.TaskType, jobID string) error {
	if err := q.Ready(); err != nil {
		return err
	}

	now := time.Now()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.entryKey(jobID),
		"job_id", jobID,
		"type", string(taskType),
		"enqueued_at", now.Format(time.RFC3339Nano),
	)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  entryScore(0, now),
		Member: jobID,
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}

	q.logger.Debug("Job enqueued",
		slog.String("queue", q.name),
		slog.String("job_id", jobID),
		slog.String("type", string(taskType)),
	)

	return nil
}

// Dequeue blocks for up to the configured timeout and pops the entry with the
// lowest score. It returns (nil, nil) when the wait times out with nothing
// pending, so consumers can loop on it.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	if err := q.Ready(); err != nil {
		return nil, err
	}

	popped, err := q.client.BZPopMin(ctx, q.blockTimeout, q.pendingKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue from %s: %w", q.name, err)
	}

	jobID, ok := popped.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T in queue %s", popped.Member, q.name)
	}

	taskType, err := q.client.HGet(ctx, q.entryKey(jobID), "type").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read queue entry %s: %w", jobID, err)
	}

	return &Entry{JobID: jobID, Type: jobs.TaskType(taskType)}, nil
}

// Retire records a finished entry per the retention policy: completed entries
// go onto a list trimmed to the most recent KeepCompleted ids, failed entries
// are kept in full for diagnostics. The pending entry hash is dropped either
// way.
func (q *Queue) Retire(ctx context.Context, jobID string, failed bool) error {
	if err := q.Ready(); err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.entryKey(jobID))
	if failed {
		pipe.SAdd(ctx, q.failedKey(), jobID)
	} else {
		pipe.LPush(ctx, q.completedKey(), jobID)
		pipe.LTrim(ctx, q.completedKey(), 0, int64(q.keepCompleted)-1)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to retire job %s: %w", jobID, err)
	}
	return nil
}

func (q *Queue) pendingKey() string {
	return fmt.Sprintf("draftloom:queue:%s:pending", q.name)
}

func (q *Queue) entryKey(jobID string) string {
	return fmt.Sprintf("draftloom:queue:%s:entry:%s", q.name, jobID)
}

func (q *Queue) completedKey() string {
	return fmt.Sprintf("draftloom:queue:%s:completed", q.name)
}

func (q *Queue) failedKey() string {
	return fmt.Sprintf("draftloom:queue:%s:failed", q.name)
}

// entryScore orders the pending set: lower priority values pop first, ties
// break by enqueue time so equal-priority entries stay FIFO.
func entryScore(priority int, enqueuedAt time.Time) float64 {
	return float64(priority)*1e13 + float64(enqueuedAt.UnixMilli())
}
