package acquisition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timzifer/scopectl/data"
	"github.com/timzifer/scopectl/runtime/activity"
)

// Kind distinguishes continuous viewing from one-shot recording.
type Kind string

const (
	KindView   Kind = "view"
	KindRecord Kind = "record"
)

// TaskState is the lifecycle state of an acquisition stream or task.
type TaskState string

const (
	StateCreated  TaskState = "created"
	StateRunning  TaskState = "running"
	StateFinished TaskState = "finished"
	StateCanceled TaskState = "canceled"
	StateFailed   TaskState = "failed"
	StateClosed   TaskState = "closed"
)

func (s TaskState) terminal() bool {
	return s == StateFinished || s == StateCanceled || s == StateFailed || s == StateClosed
}

// stream is one run of the source's device. A source owns at most one
// active stream; frames are published under mu and waiters are woken by
// closing and replacing changed.
type stream struct {
	id      uint64
	kind    Kind
	source  *HardwareSource
	params  FrameParameters
	enabled []bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   TaskState
	seq     uint64
	latest  []*data.DataAndMetadata
	changed chan struct{}
	stop    bool
	err     error
}

func newStream(src *HardwareSource, id uint64, kind Kind, params FrameParameters, enabled []bool) *stream {
	ctx, cancel := context.WithCancel(context.Background())
	return &stream{
		id:      id,
		kind:    kind,
		source:  src,
		params:  params,
		enabled: enabled,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   StateCreated,
		changed: make(chan struct{}),
	}
}

func (s *stream) run() {
	defer close(s.done)
	defer s.cancel()

	if !s.transition(StateCreated, StateRunning, nil) {
		return
	}
	for {
		s.mu.Lock()
		stop := s.stop
		s.mu.Unlock()
		if stop {
			s.finish(StateFinished, nil)
			return
		}

		frames, err := s.source.device.Acquire(s.ctx, s.params.Clone(), append([]bool(nil), s.enabled...))
		if err != nil {
			if s.ctx.Err() != nil {
				s.finish(StateCanceled, ErrCanceled)
			} else {
				s.source.logger.Error().Err(err).Uint64("task", s.id).Str("kind", string(s.kind)).Msg("acquire frame")
				s.finish(StateFailed, fmt.Errorf("acquire frame: %w", err))
			}
			return
		}
		if !s.publish(frames) {
			return
		}
		if s.kind == KindRecord {
			s.finish(StateFinished, nil)
			return
		}
	}
}

// publish stores a completed frame set unless the stream ended meanwhile.
func (s *stream) publish(frames []*data.DataAndMetadata) bool {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	s.seq++
	s.latest = frames
	s.wakeLocked()
	s.mu.Unlock()
	return true
}

func (s *stream) wakeLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// transition moves from one state to another if the stream is still in from.
func (s *stream) transition(from, to TaskState, err error) bool {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.err = err
	s.wakeLocked()
	frames := s.seq
	s.mu.Unlock()
	s.source.emit(s, to, frames, err)
	return true
}

// finish moves the stream to a terminal state. The first terminal state wins.
func (s *stream) finish(to TaskState, err error) bool {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.err = err
	s.wakeLocked()
	frames := s.seq
	s.mu.Unlock()
	s.source.emit(s, to, frames, err)
	return true
}

// abort cancels the stream and unblocks every waiter immediately, even if
// the device is slow to honour cancellation.
func (s *stream) abort() {
	s.finish(StateCanceled, ErrCanceled)
	s.cancel()
}

// requestStop lets the stream end after the frame in flight.
func (s *stream) requestStop() {
	s.mu.Lock()
	s.stop = true
	s.mu.Unlock()
}

func (s *stream) snapshot() (TaskState, uint64, []*data.DataAndMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.seq, s.latest
}

func (s *stream) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.state.terminal()
}

// waitFrame blocks until at least target frames have completed.
func (s *stream) waitFrame(ctx context.Context, target uint64) ([]*data.DataAndMetadata, error) {
	for {
		s.mu.Lock()
		if s.seq >= target {
			frames := s.latest
			s.mu.Unlock()
			return frames, nil
		}
		if s.state.terminal() {
			err := s.endErrLocked()
			s.mu.Unlock()
			return nil, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// waitDone blocks until the stream reached a terminal state.
func (s *stream) waitDone(ctx context.Context) (TaskState, error) {
	for {
		s.mu.Lock()
		if s.state.terminal() {
			st, err := s.state, s.err
			s.mu.Unlock()
			return st, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (s *stream) endErrLocked() error {
	switch s.state {
	case StateCanceled:
		return fmt.Errorf("%s task %d: %w", s.kind, s.id, ErrCanceled)
	case StateFailed:
		return s.err
	case StateClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%s task %d: %w", s.kind, s.id, ErrStopped)
	}
}

func (s *stream) event(st TaskState, frames uint64, err error) activity.TaskEvent {
	ev := activity.TaskEvent{
		Source:    s.source.id,
		TaskID:    s.id,
		Kind:      string(s.kind),
		State:     string(st),
		Frames:    frames,
		Timestamp: time.Now(),
	}
	if err != nil && st == StateFailed {
		ev.Error = err.Error()
	}
	return ev
}
