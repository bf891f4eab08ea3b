package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/internal/logging"
)

const defaultQueueCapacity = 64

// ErrQueueFull is returned by QueueTask when the task queue has no free slot.
var ErrQueueFull = errors.New("task queue full")

// TaskFunc is a unit of work queued through API.QueueTask. The context is
// cancelled when the API closes.
type TaskFunc func(ctx context.Context) error

type queuedTask struct {
	fn     TaskFunc
	result chan error
}

// taskQueue runs queued tasks sequentially on a single worker goroutine.
type taskQueue struct {
	logger zerolog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	tasks  chan queuedTask

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func newTaskQueue(capacity int, logger zerolog.Logger) *taskQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &taskQueue{
		logger: logging.Component(logger, "task_queue"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(chan queuedTask, capacity),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *taskQueue) submit(fn TaskFunc) (<-chan error, error) {
	if fn == nil {
		return nil, errors.New("task must not be nil")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}
	task := queuedTask{fn: fn, result: make(chan error, 1)}
	select {
	case q.tasks <- task:
		return task.result, nil
	default:
		return nil, ErrQueueFull
	}
}

// worker runs one task at a time. A running task is no longer awaited once
// the queue is cancelled, so a task may close the API it runs on.
func (q *taskQueue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := q.ctx.Err(); err != nil {
			task.result <- err
			continue
		}
		done := make(chan struct{})
		go func(task queuedTask) {
			defer close(done)
			task.result <- q.run(task.fn)
		}(task)
		select {
		case <-done:
		case <-q.ctx.Done():
		}
	}
}

func (q *taskQueue) run(fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			q.logger.Error().Interface("panic", r).Msg("queued task panicked")
		}
	}()
	if err = fn(q.ctx); err != nil {
		q.logger.Warn().Err(err).Msg("queued task failed")
	}
	return err
}

// close cancels running work, fails pending tasks and waits for the worker.
// It does not wait for a task that is still running.
func (q *taskQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cancel()
	close(q.tasks)
	q.mu.Unlock()
	q.wg.Wait()
}
