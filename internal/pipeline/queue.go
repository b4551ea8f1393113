package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = eris.New("pipeline: queue stopped")

// QueueCallbacks receive lifecycle notifications per job. Any callback may
// be nil.
type QueueCallbacks struct {
	OnStarted  func(path string)
	OnFinished func(path, documentID string)
	OnFailed   func(path string, err error)
}

type job struct {
	path string
	mode Mode
}

// ProcessingQueue feeds files to a fixed pool of processor workers.
type ProcessingQueue struct {
	processor *DocumentProcessor
	callbacks QueueCallbacks
	ctx       context.Context
	jobs      chan job
	wg        sync.WaitGroup
	enq       sync.WaitGroup
	mu        sync.Mutex
	stopped   bool
	log       *zap.Logger
}

// NewQueue starts workers immediately. They exit when Stop drains the
// queue or when ctx is cancelled.
func NewQueue(ctx context.Context, processor *DocumentProcessor, workers, buffer int, callbacks QueueCallbacks) *ProcessingQueue {
	if workers <= 0 {
		workers = 2
	}
	if buffer <= 0 {
		buffer = workers * 4
	}
	q := &ProcessingQueue{
		processor: processor,
		callbacks: callbacks,
		ctx:       ctx,
		jobs:      make(chan job, buffer),
		log:       zap.L().Named("queue"),
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker(ctx)
	}
	return q
}

// Enqueue submits one file for processing, blocking while the buffer is
// full so large batches backpressure instead of dropping files. Fails once
// the queue has been stopped or the queue context is cancelled.
func (q *ProcessingQueue) Enqueue(path string, mode Mode) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrQueueStopped
	}
	q.enq.Add(1)
	q.mu.Unlock()
	defer q.enq.Done()

	select {
	case q.jobs <- job{path: path, mode: mode}:
		return nil
	case <-q.ctx.Done():
		return eris.Wrapf(q.ctx.Err(), "pipeline: enqueue %s", path)
	}
}

// Stop closes intake and waits for in-flight jobs up to the timeout.
// Returns false when workers were still busy at the deadline.
func (q *ProcessingQueue) Stop(timeout time.Duration) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return true
	}
	q.stopped = true
	q.mu.Unlock()

	// Let blocked Enqueue calls land before closing intake.
	q.enq.Wait()
	close(q.jobs)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		q.log.Warn("queue stop timed out with jobs in flight")
		return false
	}
}

func (q *ProcessingQueue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, j)
		}
	}
}

func (q *ProcessingQueue) run(ctx context.Context, j job) {
	if q.callbacks.OnStarted != nil {
		q.callbacks.OnStarted(j.path)
	}
	docID, err := q.processor.Process(ctx, j.path, j.mode)
	if err != nil {
		q.log.Error("processing failed", zap.String("path", j.path), zap.Error(err))
		if q.callbacks.OnFailed != nil {
			q.callbacks.OnFailed(j.path, err)
		}
		return
	}
	if q.callbacks.OnFinished != nil {
		q.callbacks.OnFinished(j.path, docID)
	}
}
