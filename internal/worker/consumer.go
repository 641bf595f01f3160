package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// dispatchLoop pulls entries off the queue and feeds them to the worker pool.
// Dequeue blocks with a timeout, so the loop wakes up regularly to notice a
// canceled context.
func (r *Runner) dispatchLoop(ctx context.Context) {
	r.logger.Info("Dispatcher started",
		slog.String("worker_id", r.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Dispatcher stopped - context canceled")
			return
		default:
		}

		entry, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info("Dispatcher stopped - context canceled")
				return
			}
			r.logger.Error("Failed to dequeue",
				slog.String("error", err.Error()),
			)
			time.Sleep(time.Second)
			continue
		}

		if entry == nil {
			// Block timeout with nothing pending.
			continue
		}

		if _, err := uuid.Parse(entry.JobID); err != nil {
			r.logger.Error("Invalid job_id in queue entry - not a UUID",
				slog.String("job_id", entry.JobID),
				slog.String("error", err.Error()),
			)
			if retireErr := r.queue.Retire(ctx, entry.JobID, true); retireErr != nil {
				r.logger.Error("Failed to retire malformed entry",
					slog.String("error", retireErr.Error()),
				)
			}
			continue
		}

		select {
		case r.jobsChan <- entry:
			r.logger.Debug("Job dispatched to worker pool",
				slog.String("job_id", entry.JobID),
				slog.String("type", string(entry.Type)),
			)
		case <-ctx.Done():
			// The entry was already popped; put it back so another worker
			// picks it up after this process exits.
			if err := r.queue.Enqueue(context.Background(), entry.Type, entry.JobID); err != nil {
				r.logger.Error("Failed to re-enqueue job on shutdown",
					slog.String("job_id", entry.JobID),
					slog.String("error", err.Error()),
				)
			}
			r.logger.Info("Dispatcher stopped while dispatching job")
			return
		}
	}
}
