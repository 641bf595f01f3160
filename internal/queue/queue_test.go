package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftloom/draftloom-be/internal/jobs"
)

// pipelineRecorder is a go-redis hook that captures pipelined commands and
// short-circuits them before any network dial, so queue writes can be
// asserted without a broker.
type pipelineRecorder struct {
	pipelines [][]redis.Cmder
}

func (r *pipelineRecorder) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (r *pipelineRecorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		return nil
	}
}

func (r *pipelineRecorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		r.pipelines = append(r.pipelines, cmds)
		return nil
	}
}

func newRecordedQueue(opts Options) (*Queue, *pipelineRecorder) {
	recorder := &pipelineRecorder{}
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	client.AddHook(recorder)
	return New(client, opts, slog.Default()), recorder
}

// commandsByName indexes one captured pipeline, ignoring the transaction
// markers a TxPipeline may add around it.
func commandsByName(cmds []redis.Cmder) map[string]redis.Cmder {
	out := make(map[string]redis.Cmder)
	for _, cmd := range cmds {
		switch cmd.Name() {
		case "multi", "exec":
			continue
		}
		out[cmd.Name()] = cmd
	}
	return out
}

func TestNewDefaults(t *testing.T) {
	q := New(nil, Options{}, slog.Default())

	assert.Equal(t, DefaultName, q.name)
	assert.Equal(t, DefaultKeepCompleted, q.keepCompleted)
	assert.Equal(t, defaultBlockTimeout, q.blockTimeout)
}

func TestNewOverrides(t *testing.T) {
	q := New(nil, Options{
		Name:          "priority-jobs",
		KeepCompleted: 10,
		BlockTimeout:  time.Second,
	}, slog.Default())

	assert.Equal(t, "priority-jobs", q.name)
	assert.Equal(t, 10, q.keepCompleted)
	assert.Equal(t, time.Second, q.blockTimeout)
}

func TestReadyWithoutBroker(t *testing.T) {
	q := New(nil, Options{}, slog.Default())

	err := q.Ready()
	require.Error(t, err)
	assert.ErrorContains(t, err, "REDIS_URL")
}

func TestKeyNames(t *testing.T) {
	q := New(nil, Options{Name: "content-jobs"}, slog.Default())

	assert.Equal(t, "draftloom:queue:content-jobs:pending", q.pendingKey())
	assert.Equal(t, "draftloom:queue:content-jobs:entry:abc", q.entryKey("abc"))
	assert.Equal(t, "draftloom:queue:content-jobs:completed", q.completedKey())
	assert.Equal(t, "draftloom:queue:content-jobs:failed", q.failedKey())
}

func TestEnqueueIsKeyedByJobID(t *testing.T) {
	q, recorder := newRecordedQueue(Options{Name: "content-jobs"})

	require.NoError(t, q.Enqueue(context.Background(), jobs.TaskContentGeneration, "job-1"))
	require.NoError(t, q.Enqueue(context.Background(), jobs.TaskContentGeneration, "job-1"))

	require.Len(t, recorder.pipelines, 2)
	for _, pipeline := range recorder.pipelines {
		cmds := commandsByName(pipeline)

		hset, ok := cmds["hset"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:entry:job-1", hset.Args()[1])

		// The sorted-set member is the job id itself, so the second
		// submission lands on the same member instead of adding a duplicate.
		zadd, ok := cmds["zadd"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:pending", zadd.Args()[1])
		assert.Equal(t, "job-1", zadd.Args()[len(zadd.Args())-1])
	}
}

func TestRetireRetention(t *testing.T) {
	t.Run("completed entries are trimmed to the retention cap", func(t *testing.T) {
		q, recorder := newRecordedQueue(Options{Name: "content-jobs", KeepCompleted: 5})

		require.NoError(t, q.Retire(context.Background(), "job-1", false))

		require.Len(t, recorder.pipelines, 1)
		cmds := commandsByName(recorder.pipelines[0])

		del, ok := cmds["del"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:entry:job-1", del.Args()[1])

		lpush, ok := cmds["lpush"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:completed", lpush.Args()[1])
		assert.Equal(t, "job-1", lpush.Args()[2])

		ltrim, ok := cmds["ltrim"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:completed", ltrim.Args()[1])
		assert.EqualValues(t, 0, ltrim.Args()[2])
		assert.EqualValues(t, 4, ltrim.Args()[3])

		_, hasSAdd := cmds["sadd"]
		assert.False(t, hasSAdd)
	})

	t.Run("failed entries are kept without bound", func(t *testing.T) {
		q, recorder := newRecordedQueue(Options{Name: "content-jobs"})

		require.NoError(t, q.Retire(context.Background(), "job-2", true))

		require.Len(t, recorder.pipelines, 1)
		cmds := commandsByName(recorder.pipelines[0])

		sadd, ok := cmds["sadd"]
		require.True(t, ok)
		assert.Equal(t, "draftloom:queue:content-jobs:failed", sadd.Args()[1])
		assert.Equal(t, "job-2", sadd.Args()[2])

		_, hasLPush := cmds["lpush"]
		assert.False(t, hasLPush)
		_, hasLTrim := cmds["ltrim"]
		assert.False(t, hasLTrim)
	})
}

func TestEntryScore(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	t.Run("equal priority stays fifo", func(t *testing.T) {
		first := entryScore(0, base)
		second := entryScore(0, base.Add(time.Millisecond))
		assert.Less(t, first, second)
	})

	t.Run("lower priority value pops first", func(t *testing.T) {
		urgent := entryScore(0, base.Add(time.Hour))
		routine := entryScore(1, base)
		assert.Less(t, urgent, routine, "priority dominates enqueue time")
	})

	t.Run("same instant same priority is a tie", func(t *testing.T) {
		assert.Equal(t, entryScore(2, base), entryScore(2, base))
	})
}
