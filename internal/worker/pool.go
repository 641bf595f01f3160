package worker

import (
	"context"
	"fmt"
	"log/slog"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (r *Runner) spawnWorkerPool(ctx context.Context) {
	r.logger.Info("Spawning worker pool",
		slog.Int("concurrency", r.concurrency),
		slog.String("worker_id", r.workerID),
	)

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine
func (r *Runner) workerLoop(ctx context.Context, workerNum int) {
	defer r.wg.Done()

	workerName := fmt.Sprintf("%s-%d", r.workerID, workerNum)
	r.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			r.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case entry, ok := <-r.jobsChan:
			if !ok {
				r.logger.Info("Worker goroutine stopping - jobsChan closed",
					slog.String("worker_name", workerName),
				)
				return
			}

			r.logger.Info("Worker received job",
				slog.String("worker_name", workerName),
				slog.String("job_id", entry.JobID),
				slog.String("type", string(entry.Type)),
			)

			r.processJob(ctx, entry)
		}
	}
}
