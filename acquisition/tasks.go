package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timzifer/scopectl/data"
)

// RecordTask is the handle of one recording. Close must be called on every
// exit path; closing an unfinished task cancels it.
type RecordTask struct {
	stream *stream

	mu     sync.Mutex
	closed bool
	result []*data.DataAndMetadata
}

// Grab blocks until the recording finished and returns its frame set.
// Later calls return the cached result.
func (t *RecordTask) Grab(ctx context.Context) ([]*data.DataAndMetadata, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.result != nil {
		result := t.result
		t.mu.Unlock()
		return result, nil
	}
	t.mu.Unlock()

	began := time.Now()
	st, err := t.stream.waitDone(ctx)
	if err != nil && st == "" {
		return nil, err
	}
	switch st {
	case StateFinished:
		_, _, frames := t.stream.snapshot()
		t.mu.Lock()
		t.result = frames
		t.mu.Unlock()
		t.stream.source.metrics.ObserveGrab(t.stream.source.id, string(KindRecord), time.Since(began))
		return frames, nil
	case StateCanceled:
		return nil, fmt.Errorf("record task %d: %w", t.stream.id, ErrCanceled)
	default:
		return nil, err
	}
}

// Cancel aborts the recording. A blocked Grab returns ErrCanceled.
func (t *RecordTask) Cancel() error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	t.stream.abort()
	return nil
}

// IsFinished reports whether the recording finished or was canceled.
func (t *RecordTask) IsFinished() (bool, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	st, _, _ := t.stream.snapshot()
	return st.terminal(), nil
}

// State returns the task state.
func (t *RecordTask) State() TaskState {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return StateClosed
	}
	st, _, _ := t.stream.snapshot()
	return st
}

// Close releases the task, canceling it when unfinished.
func (t *RecordTask) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.stream.abort()
	t.stream.source.emit(t.stream, StateClosed, 0, nil)
	return nil
}

// ViewTask is the handle of a continuous view. Close must be called on
// every exit path; it stops the view.
type ViewTask struct {
	stream *stream

	mu     sync.Mutex
	closed bool
}

func (t *ViewTask) open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

// GrabImmediate returns the last completed frame set without blocking.
func (t *ViewTask) GrabImmediate() ([]*data.DataAndMetadata, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	_, seq, frames := t.stream.snapshot()
	if seq == 0 {
		return nil, ErrNotReady
	}
	return frames, nil
}

// GrabNextToFinish waits for the frame set in flight.
func (t *ViewTask) GrabNextToFinish(ctx context.Context) ([]*data.DataAndMetadata, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	_, seq, _ := t.stream.snapshot()
	return t.grab(ctx, seq+1)
}

// GrabNextToStart waits for a frame set whose exposure began after the call.
func (t *ViewTask) GrabNextToStart(ctx context.Context) ([]*data.DataAndMetadata, error) {
	if err := t.open(); err != nil {
		return nil, err
	}
	_, seq, _ := t.stream.snapshot()
	return t.grab(ctx, seq+2)
}

func (t *ViewTask) grab(ctx context.Context, target uint64) ([]*data.DataAndMetadata, error) {
	began := time.Now()
	frames, err := t.stream.waitFrame(ctx, target)
	if err != nil {
		return nil, err
	}
	t.stream.source.metrics.ObserveGrab(t.stream.source.id, string(KindView), time.Since(began))
	return frames, nil
}

// State returns the task state.
func (t *ViewTask) State() TaskState {
	if t.open() != nil {
		return StateClosed
	}
	st, _, _ := t.stream.snapshot()
	return st
}

// Close stops the view and releases the task.
func (t *ViewTask) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.stream.abort()
	t.stream.source.emit(t.stream, StateClosed, 0, nil)
	return nil
}
