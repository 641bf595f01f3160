// Package worker consumes the work queue and drives jobs through their
// lifecycle. Cancellation is strictly cooperative: the API only stamps a
// flag, and this package polls it between units of work. A worker that dies
// mid-run leaves its job in running with no watchdog to reclaim it.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/draftloom/draftloom-be/internal/jobs"
	"github.com/draftloom/draftloom-be/internal/queue"
	"github.com/draftloom/draftloom-be/internal/stream"
)

// Lifecycle is the slice of the job lifecycle API the worker calls back into.
type Lifecycle interface {
	GetRow(ctx context.Context, jobID string) (*jobs.Job, error)
	UpdateProgress(ctx context.Context, jobID string, update jobs.ProgressUpdate) error
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	AppendNarrative(ctx context.Context, jobID string, event jobs.NarrativeEvent) error
}

// WorkSource is the queue surface the runner consumes from.
type WorkSource interface {
	Dequeue(ctx context.Context) (*queue.Entry, error)
	Enqueue(ctx context.Context, taskType jobs.TaskType, jobID string) error
	Retire(ctx context.Context, jobID string, failed bool) error
}

// Config holds runner configuration
type Config struct {
	Logger             *slog.Logger
	Lifecycle          Lifecycle
	Queue              WorkSource
	Publisher          stream.Publisher
	Handlers           map[jobs.TaskType]TaskHandler
	Concurrency        int
	CancelPollInterval time.Duration
}

// Runner dispatches dequeued entries to a pool of worker goroutines.
type Runner struct {
	logger             *slog.Logger
	lifecycle          Lifecycle
	queue              WorkSource
	publisher          stream.Publisher
	handlers           map[jobs.TaskType]TaskHandler
	concurrency        int
	cancelPollInterval time.Duration
	workerID           string
	jobsChan           chan *queue.Entry
	stopChan           chan struct{}
	wg                 sync.WaitGroup
}

// NewRunner creates a runner instance
func NewRunner(cfg *Config) *Runner {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	publisher := cfg.Publisher
	if publisher == nil {
		publisher = stream.NopPublisher{}
	}

	pollInterval := cfg.CancelPollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	return &Runner{
		logger:             cfg.Logger,
		lifecycle:          cfg.Lifecycle,
		queue:              cfg.Queue,
		publisher:          publisher,
		handlers:           cfg.Handlers,
		concurrency:        cfg.Concurrency,
		cancelPollInterval: pollInterval,
		workerID:           fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		jobsChan:           make(chan *queue.Entry),
		stopChan:           make(chan struct{}),
	}
}

// Start spawns the worker pool and consumes the queue until the context is
// canceled.
func (r *Runner) Start(ctx context.Context) error {
	r.logger.Info("Starting worker runner",
		slog.String("worker_id", r.workerID),
		slog.Int("concurrency", r.concurrency),
	)

	r.spawnWorkerPool(ctx)
	r.dispatchLoop(ctx)

	return nil
}

// Stop gracefully stops the runner, waiting for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.logger.Info("Stopping worker runner...")
	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("Worker runner stopped")
}
