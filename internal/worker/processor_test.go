package worker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftloom/draftloom-be/internal/jobs"
	"github.com/draftloom/draftloom-be/internal/queue"
)

type fakeLifecycle struct {
	row         *jobs.Job
	cancelled   bool
	cancelPolls int
	updates     []jobs.ProgressUpdate
	narrative   []jobs.NarrativeEvent
}

func (f *fakeLifecycle) GetRow(ctx context.Context, jobID string) (*jobs.Job, error) {
	if f.row == nil || f.row.ID != jobID {
		return nil, jobs.ErrJobNotFound
	}
	return f.row, nil
}

func (f *fakeLifecycle) UpdateProgress(ctx context.Context, jobID string, update jobs.ProgressUpdate) error {
	f.updates = append(f.updates, update)
	if update.Status != nil {
		f.row.Status = *update.Status
	}
	if update.Progress != nil {
		f.row.Progress = *update.Progress
	}
	if update.Error != nil {
		f.row.Error = update.Error
	}
	if update.ErrorCode != nil {
		f.row.ErrorCode = update.ErrorCode
	}
	if update.Result != nil {
		f.row.Result = update.Result
	}
	return nil
}

func (f *fakeLifecycle) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	f.cancelPolls++
	return f.cancelled, nil
}

func (f *fakeLifecycle) AppendNarrative(ctx context.Context, jobID string, event jobs.NarrativeEvent) error {
	f.narrative = append(f.narrative, event)
	return nil
}

type retireCall struct {
	jobID  string
	failed bool
}

type fakeWork struct {
	retired  []retireCall
	enqueued []string
}

func (f *fakeWork) Dequeue(ctx context.Context) (*queue.Entry, error) {
	return nil, nil
}

func (f *fakeWork) Enqueue(ctx context.Context, taskType jobs.TaskType, jobID string) error {
	f.enqueued = append(f.enqueued, jobID)
	return nil
}

func (f *fakeWork) Retire(ctx context.Context, jobID string, failed bool) error {
	f.retired = append(f.retired, retireCall{jobID: jobID, failed: failed})
	return nil
}

type stubHandler struct {
	result jobs.JSONText
	err    error
}

func (h *stubHandler) Run(ctx context.Context, job *jobs.Job, rep *Reporter) (jobs.JSONText, error) {
	return h.result, h.err
}

func newTestRunner(lc *fakeLifecycle, work *fakeWork, handler TaskHandler) *Runner {
	handlers := map[jobs.TaskType]TaskHandler{}
	if handler != nil {
		handlers[jobs.TaskContentGeneration] = handler
	}
	return NewRunner(&Config{
		Logger:      slog.Default(),
		Lifecycle:   lc,
		Queue:       work,
		Handlers:    handlers,
		Concurrency: 1,
	})
}

func queuedJob(id string) *jobs.Job {
	session := "s1"
	return &jobs.Job{
		ID:        id,
		Type:      jobs.TaskContentGeneration,
		Status:    jobs.StatusQueued,
		SessionID: &session,
	}
}

func TestProcessJobSuccess(t *testing.T) {
	lc := &fakeLifecycle{row: queuedJob("job-1")}
	work := &fakeWork{}
	r := newTestRunner(lc, work, &stubHandler{result: jobs.JSONText(`{"postId":"p1"}`)})

	r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

	assert.Equal(t, jobs.StatusCompleted, lc.row.Status)
	assert.Equal(t, 100, lc.row.Progress)
	assert.JSONEq(t, `{"postId":"p1"}`, string(lc.row.Result))

	// Claim first, then completion.
	require.Len(t, lc.updates, 2)
	require.NotNil(t, lc.updates[0].Status)
	assert.Equal(t, jobs.StatusRunning, *lc.updates[0].Status)
	assert.NotNil(t, lc.updates[0].StartedAt)
	require.NotNil(t, lc.updates[1].Status)
	assert.Equal(t, jobs.StatusCompleted, *lc.updates[1].Status)
	assert.NotNil(t, lc.updates[1].FinishedAt)

	require.Len(t, work.retired, 1)
	assert.False(t, work.retired[0].failed)

	require.GreaterOrEqual(t, len(lc.narrative), 2)
	assert.Equal(t, "Job started", lc.narrative[0].Content)
	assert.Equal(t, "complete", lc.narrative[len(lc.narrative)-1].Type)
}

func TestProcessJobCancelledWhileQueued(t *testing.T) {
	job := queuedJob("job-1")
	at := time.Now()
	job.CancelledAt = &at

	lc := &fakeLifecycle{row: job}
	work := &fakeWork{}
	r := newTestRunner(lc, work, &stubHandler{result: jobs.JSONText(`{}`)})

	r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

	// Still passes through running before landing in failed.
	require.Len(t, lc.updates, 2)
	assert.Equal(t, jobs.StatusRunning, *lc.updates[0].Status)
	assert.Equal(t, jobs.StatusFailed, *lc.updates[1].Status)

	assert.Equal(t, jobs.StatusFailed, lc.row.Status)
	require.NotNil(t, lc.row.Error)
	assert.Equal(t, "Cancelled", *lc.row.Error)
	require.NotNil(t, lc.row.ErrorCode)
	assert.Equal(t, "cancelled", *lc.row.ErrorCode)

	require.Len(t, work.retired, 1)
	assert.True(t, work.retired[0].failed)
}

func TestProcessJobHandlerObservesCancellation(t *testing.T) {
	lc := &fakeLifecycle{row: queuedJob("job-1")}
	work := &fakeWork{}
	r := newTestRunner(lc, work, &stubHandler{err: ErrCancelled})

	r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

	assert.Equal(t, jobs.StatusFailed, lc.row.Status)
	require.NotNil(t, lc.row.Error)
	assert.Equal(t, "Cancelled", *lc.row.Error)
	require.Len(t, work.retired, 1)
	assert.True(t, work.retired[0].failed)
}

func TestProcessJobHandlerFailure(t *testing.T) {
	t.Run("task error carries its code", func(t *testing.T) {
		lc := &fakeLifecycle{row: queuedJob("job-1")}
		work := &fakeWork{}
		r := newTestRunner(lc, work, &stubHandler{
			err: &TaskError{Code: "llm_timeout", Err: errors.New("model did not respond")},
		})

		r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

		assert.Equal(t, jobs.StatusFailed, lc.row.Status)
		require.NotNil(t, lc.row.Error)
		assert.Equal(t, "model did not respond", *lc.row.Error)
		require.NotNil(t, lc.row.ErrorCode)
		assert.Equal(t, "llm_timeout", *lc.row.ErrorCode)
	})

	t.Run("plain error falls back to the generic code", func(t *testing.T) {
		lc := &fakeLifecycle{row: queuedJob("job-1")}
		work := &fakeWork{}
		r := newTestRunner(lc, work, &stubHandler{err: errors.New("boom")})

		r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

		assert.Equal(t, jobs.StatusFailed, lc.row.Status)
		require.NotNil(t, lc.row.ErrorCode)
		assert.Equal(t, "task_failed", *lc.row.ErrorCode)
		require.Len(t, work.retired, 1)
		assert.True(t, work.retired[0].failed)
	})
}

func TestProcessJobUnknownTaskType(t *testing.T) {
	job := queuedJob("job-1")
	job.Type = jobs.TaskType("mystery")

	lc := &fakeLifecycle{row: job}
	work := &fakeWork{}
	r := newTestRunner(lc, work, &stubHandler{result: jobs.JSONText(`{}`)})

	r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: job.Type})

	assert.Equal(t, jobs.StatusFailed, lc.row.Status)
	require.NotNil(t, lc.row.ErrorCode)
	assert.Equal(t, "unsupported_task_type", *lc.row.ErrorCode)
	require.Len(t, work.retired, 1)
	assert.True(t, work.retired[0].failed)
}

func TestProcessJobOrphanedEntry(t *testing.T) {
	lc := &fakeLifecycle{}
	work := &fakeWork{}
	r := newTestRunner(lc, work, &stubHandler{result: jobs.JSONText(`{}`)})

	r.processJob(context.Background(), &queue.Entry{JobID: "job-gone", Type: jobs.TaskContentGeneration})

	assert.Empty(t, lc.updates)
	require.Len(t, work.retired, 1)
	assert.Equal(t, "job-gone", work.retired[0].jobID)
	assert.True(t, work.retired[0].failed)
}

func TestProcessJobSkipsNonQueued(t *testing.T) {
	for _, status := range []jobs.Status{jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed} {
		job := queuedJob("job-1")
		job.Status = status

		lc := &fakeLifecycle{row: job}
		work := &fakeWork{}
		r := newTestRunner(lc, work, &stubHandler{result: jobs.JSONText(`{}`)})

		r.processJob(context.Background(), &queue.Entry{JobID: "job-1", Type: jobs.TaskContentGeneration})

		assert.Empty(t, lc.updates, "status %s", status)
		assert.Empty(t, work.retired, "status %s", status)
		assert.Equal(t, status, lc.row.Status)
	}
}

func TestSimulatedHandlerHonorsCancellation(t *testing.T) {
	lc := &fakeLifecycle{row: queuedJob("job-1"), cancelled: true}
	work := &fakeWork{}
	handler := &SimulatedHandler{StepDelay: time.Millisecond}
	r := newTestRunner(lc, work, handler)

	rep := &Reporter{runner: r, job: lc.row}
	result, err := handler.Run(context.Background(), lc.row, rep)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSimulatedHandlerCompletes(t *testing.T) {
	lc := &fakeLifecycle{row: queuedJob("job-1")}
	work := &fakeWork{}
	handler := &SimulatedHandler{Steps: []string{"one", "two"}, StepDelay: time.Millisecond}
	r := newTestRunner(lc, work, handler)

	rep := &Reporter{runner: r, job: lc.row}
	result, err := handler.Run(context.Background(), lc.row, rep)

	require.NoError(t, err)
	assert.Contains(t, string(result), "success")

	// One progress update and one narrative entry per step.
	assert.Len(t, lc.updates, 2)
	assert.Len(t, lc.narrative, 2)
	assert.Equal(t, "Step 1/2: one", lc.narrative[0].Content)
}

func TestReporterCancelledPacesPolls(t *testing.T) {
	newReporter := func(lc *fakeLifecycle, interval time.Duration) *Reporter {
		r := NewRunner(&Config{
			Logger:             slog.Default(),
			Lifecycle:          lc,
			Queue:              &fakeWork{},
			Concurrency:        1,
			CancelPollInterval: interval,
		})
		return &Reporter{runner: r, job: lc.row}
	}

	t.Run("checks within the interval reuse the cached answer", func(t *testing.T) {
		lc := &fakeLifecycle{row: queuedJob("job-1")}
		rep := newReporter(lc, time.Hour)

		for i := 0; i < 5; i++ {
			assert.False(t, rep.Cancelled(context.Background()))
		}
		assert.Equal(t, 1, lc.cancelPolls, "only the first check should reach the database")
	})

	t.Run("an elapsed interval triggers a fresh poll", func(t *testing.T) {
		lc := &fakeLifecycle{row: queuedJob("job-1")}
		rep := newReporter(lc, time.Millisecond)

		assert.False(t, rep.Cancelled(context.Background()))
		time.Sleep(5 * time.Millisecond)

		lc.cancelled = true
		assert.True(t, rep.Cancelled(context.Background()))
		assert.Equal(t, 2, lc.cancelPolls)
	})

	t.Run("a set flag is remembered without further polls", func(t *testing.T) {
		lc := &fakeLifecycle{row: queuedJob("job-1"), cancelled: true}
		rep := newReporter(lc, time.Hour)

		require.True(t, rep.Cancelled(context.Background()))
		lc.cancelled = false

		assert.True(t, rep.Cancelled(context.Background()), "cancellation never un-happens")
		assert.Equal(t, 1, lc.cancelPolls)
	})
}

func TestOwnerConnection(t *testing.T) {
	session := "s1"
	user := "u1"
	empty := ""

	tests := []struct {
		name string
		job  *jobs.Job
		want string
	}{
		{name: "session wins over user", job: &jobs.Job{SessionID: &session, UserID: &user}, want: "s1"},
		{name: "user only", job: &jobs.Job{UserID: &user}, want: "u1"},
		{name: "empty session falls through", job: &jobs.Job{SessionID: &empty, UserID: &user}, want: "u1"},
		{name: "no identity", job: &jobs.Job{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ownerConnection(tt.job))
		})
	}
}
