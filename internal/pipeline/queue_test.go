package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueRecorder struct {
	mu       sync.Mutex
	started  []string
	finished map[string]string
	failed   map[string]error
}

func newQueueRecorder() *queueRecorder {
	return &queueRecorder{finished: make(map[string]string), failed: make(map[string]error)}
}

func (r *queueRecorder) callbacks() QueueCallbacks {
	return QueueCallbacks{
		OnStarted: func(path string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.started = append(r.started, path)
		},
		OnFinished: func(path, docID string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.finished[path] = docID
		},
		OnFailed: func(path string, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed[path] = err
		},
	}
}

func TestQueue_ProcessesAllJobs(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, nil, nil, nil, nil, Config{})
	rec := newQueueRecorder()
	q := NewQueue(context.Background(), p, 2, 8, rec.callbacks())

	paths := []string{
		writeInput(t, "a.txt", strongSheet),
		writeInput(t, "b.txt", weakSheet),
		writeInput(t, "c.txt", "SECAO 14\nNumero ONU: UN 1203\n"),
	}
	for _, path := range paths {
		require.NoError(t, q.Enqueue(path, ModeOffline))
	}
	require.True(t, q.Stop(10*time.Second))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.started, 3)
	assert.Len(t, rec.finished, 3)
	assert.Empty(t, rec.failed)
	for _, path := range paths {
		assert.NotEmpty(t, rec.finished[path])
	}
}

func TestQueue_ReportsFailures(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, nil, nil, nil, nil, Config{})
	rec := newQueueRecorder()
	q := NewQueue(context.Background(), p, 1, 4, rec.callbacks())

	require.NoError(t, q.Enqueue("/nonexistent/fds.txt", ModeOffline))
	require.True(t, q.Stop(10*time.Second))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Contains(t, rec.failed, "/nonexistent/fds.txt")
	assert.Error(t, rec.failed["/nonexistent/fds.txt"])
	assert.Empty(t, rec.finished)
}

func TestQueue_EnqueueAfterStop(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, nil, nil, nil, nil, Config{})
	q := NewQueue(context.Background(), p, 1, 4, QueueCallbacks{})

	require.True(t, q.Stop(time.Second))
	err := q.Enqueue(writeInput(t, "late.txt", weakSheet), ModeOffline)
	assert.True(t, eris.Is(err, ErrQueueStopped))

	// Stop is safe to call twice.
	assert.True(t, q.Stop(time.Second))
}

func TestQueue_BackpressuresWhenBufferFull(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, nil, nil, nil, nil, Config{})
	rec := newQueueRecorder()
	// Buffer of one forces Enqueue to block until a worker drains a slot;
	// every file in a batch larger than the buffer must still process.
	q := NewQueue(context.Background(), p, 1, 1, rec.callbacks())

	var paths []string
	for _, name := range []string{"p1.txt", "p2.txt", "p3.txt", "p4.txt", "p5.txt"} {
		paths = append(paths, writeInput(t, name, weakSheet))
	}
	for _, path := range paths {
		require.NoError(t, q.Enqueue(path, ModeOffline))
	}
	require.True(t, q.Stop(10*time.Second))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.finished, len(paths))
	assert.Empty(t, rec.failed)
}

func TestQueue_EnqueueUnblocksOnCancel(t *testing.T) {
	st := newTestStore(t)
	p := NewProcessor(st, nil, nil, nil, nil, Config{})
	// Workers bound to a cancelled context never drain the buffer, so a
	// blocked Enqueue must fail with the context error instead of hanging.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := NewQueue(ctx, p, 1, 1, QueueCallbacks{})
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, q.Enqueue("/a.txt", ModeOffline))
	err := q.Enqueue("/b.txt", ModeOffline)
	require.Error(t, err)
	assert.True(t, eris.Is(err, context.Canceled))
}
