package acquisition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/data"
	"github.com/timzifer/scopectl/runtime/activity"
	"github.com/timzifer/scopectl/runtime/readers"
	"github.com/timzifer/scopectl/runtime/state"
	"github.com/timzifer/scopectl/telemetry"
)

var (
	// ErrNotFound is returned for unknown properties and profiles.
	ErrNotFound = state.ErrNotFound
	// ErrTypeMismatch is returned when a property is accessed with the wrong type.
	ErrTypeMismatch = state.ErrTypeMismatch
	// ErrCanceled is returned when waiting on a canceled task.
	ErrCanceled = errors.New("task canceled")
	// ErrNotReady is returned by immediate grabs before the first frame.
	ErrNotReady = errors.New("no frame available")
	// ErrClosed is returned for calls on closed tasks and sources.
	ErrClosed = errors.New("closed")
	// ErrTimeout is returned when a blocking grab exceeds its timeout.
	ErrTimeout = errors.New("grab timeout")
	// ErrStopped is returned when waiting for a frame of a stopped stream.
	ErrStopped = errors.New("stream stopped")
	// ErrChannels is returned for invalid channel enable masks.
	ErrChannels = errors.New("invalid channel mask")
)

// Option configures a HardwareSource.
type Option func(*HardwareSource)

// WithLogger sets the logger used by the source.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *HardwareSource) {
		s.logger = logger
	}
}

// WithTelemetry sets the telemetry collector.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(s *HardwareSource) {
		if collector != nil {
			s.metrics = collector
		}
	}
}

// WithListener subscribes a task listener from construction on.
func WithListener(l activity.Listener) Option {
	return func(s *HardwareSource) {
		s.hub.Subscribe(l)
	}
}

// HardwareSource drives a single acquisition device. Only one stream, view
// or record, is active at a time; starting a stream aborts its predecessor.
type HardwareSource struct {
	id          string
	name        string
	logger      zerolog.Logger
	metrics     telemetry.Collector
	hub         *activity.Hub
	device      readers.Device
	channels    []readers.Channel
	enabled     []bool
	grabTimeout time.Duration
	props       *state.Properties

	startMu sync.Mutex

	mu           sync.Mutex
	defaults     FrameParameters
	profiles     []FrameParameters
	profileIndex int
	recordParams FrameParameters
	active       *stream
	nextID       uint64
	closed       bool
}

// New creates a hardware source around device.
func New(cfg config.HardwareSourceConfig, device readers.Device, opts ...Option) (*HardwareSource, error) {
	if cfg.ID == "" {
		return nil, errors.New("hardware source id must not be empty")
	}
	if device == nil {
		return nil, fmt.Errorf("hardware source %s: device must not be nil", cfg.ID)
	}
	props, err := state.NewProperties(cfg.Properties)
	if err != nil {
		return nil, fmt.Errorf("hardware source %s: %w", cfg.ID, err)
	}
	src := &HardwareSource{
		id:          cfg.ID,
		name:        cfg.Name,
		logger:      zerolog.Nop(),
		metrics:     telemetry.Noop(),
		hub:         activity.NewHub(),
		device:      device,
		channels:    device.Channels(),
		grabTimeout: cfg.GrabTimeout.Duration,
		props:       props,
		defaults:    FrameParameters(cfg.FrameParameters).Clone(),
	}
	if src.name == "" {
		src.name = cfg.ID
	}
	if src.defaults == nil {
		src.defaults = FrameParameters{}
	}
	if len(src.channels) == 0 {
		return nil, fmt.Errorf("hardware source %s: device reports no channels", cfg.ID)
	}

	src.enabled = make([]bool, len(src.channels))
	for i := range src.enabled {
		src.enabled[i] = true
	}
	for _, ch := range cfg.Channels {
		pos := -1
		for i, dc := range src.channels {
			if dc.ID == ch.ID {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, fmt.Errorf("hardware source %s: unknown channel %q", cfg.ID, ch.ID)
		}
		if ch.Enabled != nil {
			src.enabled[pos] = *ch.Enabled
		}
	}

	for _, profile := range cfg.Profiles {
		src.profiles = append(src.profiles, merge(src.defaults, profile))
	}
	if len(src.profiles) == 0 {
		src.profiles = []FrameParameters{src.defaults.Clone()}
	}
	if cfg.ProfileIndex < 0 || cfg.ProfileIndex >= len(src.profiles) {
		return nil, fmt.Errorf("hardware source %s: profile index %d out of range", cfg.ID, cfg.ProfileIndex)
	}
	src.profileIndex = cfg.ProfileIndex

	for _, opt := range opts {
		if opt != nil {
			opt(src)
		}
	}
	src.logger = src.logger.With().Str("component", "hardware_source").Str("source", cfg.ID).Logger()
	return src, nil
}

// ID returns the source identifier.
func (s *HardwareSource) ID() string { return s.id }

// Name returns the display name.
func (s *HardwareSource) Name() string { return s.name }

// Channels returns the device channels in order.
func (s *HardwareSource) Channels() []readers.Channel {
	return append([]readers.Channel(nil), s.channels...)
}

// Subscribe registers a task listener and returns its cancel function.
func (s *HardwareSource) Subscribe(l activity.Listener) func() {
	return s.hub.Subscribe(l)
}

func (s *HardwareSource) emit(st *stream, to TaskState, frames uint64, err error) {
	s.metrics.IncTaskTransition(s.id, string(st.kind), string(to))
	s.logger.Debug().Uint64("task", st.id).Str("kind", string(st.kind)).Str("state", string(to)).Uint64("frames", frames).Msg("task transition")
	s.hub.TaskTransition(st.event(to, frames, err))
}

// channelMask resolves a caller supplied mask against the defaults. Missing
// trailing entries keep the configured default.
func (s *HardwareSource) channelMask(enabled []bool) ([]bool, error) {
	if len(enabled) > len(s.channels) {
		return nil, fmt.Errorf("%d entries for %d channels: %w", len(enabled), len(s.channels), ErrChannels)
	}
	mask := append([]bool(nil), s.enabled...)
	copy(mask, enabled)
	for _, on := range mask {
		if on {
			return mask, nil
		}
	}
	return nil, fmt.Errorf("no channel enabled: %w", ErrChannels)
}

func (s *HardwareSource) start(kind Kind, params FrameParameters, enabled []bool) (*stream, error) {
	mask, err := s.channelMask(enabled)
	if err != nil {
		return nil, err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	base := s.profiles[s.profileIndex]
	if kind == KindRecord && s.recordParams != nil {
		base = s.recordParams
	}
	s.nextID++
	st := newStream(s, s.nextID, kind, merge(base, params), mask)
	prev := s.active
	s.active = st
	s.mu.Unlock()

	if prev != nil {
		prev.abort()
		<-prev.done
	}
	s.emit(st, StateCreated, 0, nil)
	go st.run()
	return st, nil
}

func (s *HardwareSource) current(kind Kind) *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.kind != kind || !s.active.running() {
		return nil
	}
	return s.active
}

// StartPlaying starts continuous viewing. Nil params or enabled use the
// current profile and the configured channel defaults.
func (s *HardwareSource) StartPlaying(params FrameParameters, enabled []bool) error {
	_, err := s.start(KindView, params, enabled)
	return err
}

// StopPlaying ends viewing after the frame in flight completes.
func (s *HardwareSource) StopPlaying() {
	if st := s.current(KindView); st != nil {
		st.requestStop()
	}
}

// AbortPlaying ends viewing immediately.
func (s *HardwareSource) AbortPlaying() {
	if st := s.current(KindView); st != nil {
		st.abort()
	}
}

// StartRecording starts a one frame recording.
func (s *HardwareSource) StartRecording(params FrameParameters, enabled []bool) error {
	_, err := s.start(KindRecord, params, enabled)
	return err
}

// AbortRecording cancels a recording in progress.
func (s *HardwareSource) AbortRecording() {
	if st := s.current(KindRecord); st != nil {
		st.abort()
	}
}

// IsPlaying reports whether a view stream is active.
func (s *HardwareSource) IsPlaying() bool {
	return s.current(KindView) != nil
}

// IsRecording reports whether a record stream is active.
func (s *HardwareSource) IsRecording() bool {
	return s.current(KindRecord) != nil
}

func (s *HardwareSource) grabContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = s.grabTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func timeoutErr(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return err
}

// Record acquires one frame set and waits for it. The recording is aborted
// when the timeout elapses.
func (s *HardwareSource) Record(ctx context.Context, params FrameParameters, enabled []bool, timeout time.Duration) ([]*data.DataAndMetadata, error) {
	began := time.Now()
	st, err := s.start(KindRecord, params, enabled)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := s.grabContext(ctx, timeout)
	defer cancel()

	frames, err := st.waitFrame(waitCtx, 1)
	if err != nil {
		if waitCtx.Err() != nil {
			st.abort()
		}
		return nil, timeoutErr(ctx, err)
	}
	s.metrics.ObserveGrab(s.id, string(KindRecord), time.Since(began))
	return frames, nil
}

// GrabNextToFinish returns the frame set in flight once it completes,
// starting the view with current parameters if it is not playing.
func (s *HardwareSource) GrabNextToFinish(ctx context.Context, timeout time.Duration) ([]*data.DataAndMetadata, error) {
	began := time.Now()
	st := s.current(KindView)
	if st == nil {
		var err error
		if st, err = s.start(KindView, nil, nil); err != nil {
			return nil, err
		}
	}
	_, seq, _ := st.snapshot()
	waitCtx, cancel := s.grabContext(ctx, timeout)
	defer cancel()
	frames, err := st.waitFrame(waitCtx, seq+1)
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}
	s.metrics.ObserveGrab(s.id, string(KindView), time.Since(began))
	return frames, nil
}

// GrabNextToStart returns a frame set whose exposure began after the call.
// New params or channels restart the view with them.
func (s *HardwareSource) GrabNextToStart(ctx context.Context, params FrameParameters, enabled []bool, timeout time.Duration) ([]*data.DataAndMetadata, error) {
	began := time.Now()
	st := s.current(KindView)
	var target uint64
	if st == nil || params != nil || enabled != nil {
		var err error
		if st, err = s.start(KindView, params, enabled); err != nil {
			return nil, err
		}
		target = 1
	} else {
		_, seq, _ := st.snapshot()
		target = seq + 2
	}
	waitCtx, cancel := s.grabContext(ctx, timeout)
	defer cancel()
	frames, err := st.waitFrame(waitCtx, target)
	if err != nil {
		return nil, timeoutErr(ctx, err)
	}
	s.metrics.ObserveGrab(s.id, string(KindView), time.Since(began))
	return frames, nil
}

// CreateRecordTask starts a recording and returns its handle.
func (s *HardwareSource) CreateRecordTask(params FrameParameters, enabled []bool) (*RecordTask, error) {
	st, err := s.start(KindRecord, params, enabled)
	if err != nil {
		return nil, err
	}
	return &RecordTask{stream: st}, nil
}

// CreateViewTask starts viewing and returns its handle.
func (s *HardwareSource) CreateViewTask(params FrameParameters, enabled []bool) (*ViewTask, error) {
	st, err := s.start(KindView, params, enabled)
	if err != nil {
		return nil, err
	}
	return &ViewTask{stream: st}, nil
}

// DefaultFrameParameters returns the configured base parameters.
func (s *HardwareSource) DefaultFrameParameters() FrameParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaults.Clone()
}

// FrameParameters returns the parameters of the current profile.
func (s *HardwareSource) FrameParameters() FrameParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[s.profileIndex].Clone()
}

// SetFrameParameters replaces the parameters of the current profile. They
// apply to streams started afterwards.
func (s *HardwareSource) SetFrameParameters(params FrameParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[s.profileIndex] = merge(s.defaults, params)
}

// RecordFrameParameters returns the parameters used by recordings started
// without explicit parameters.
func (s *HardwareSource) RecordFrameParameters() FrameParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordParams != nil {
		return s.recordParams.Clone()
	}
	return s.profiles[s.profileIndex].Clone()
}

// SetRecordFrameParameters overrides the record parameters. Nil reverts to
// the current profile.
func (s *HardwareSource) SetRecordFrameParameters(params FrameParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if params == nil {
		s.recordParams = nil
		return
	}
	s.recordParams = merge(s.defaults, params)
}

// ProfileCount returns the number of frame parameter profiles.
func (s *HardwareSource) ProfileCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// FrameParametersForProfile returns the parameters of profile index.
func (s *HardwareSource) FrameParametersForProfile(index int) (FrameParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.profiles) {
		return nil, fmt.Errorf("profile %d: %w", index, ErrNotFound)
	}
	return s.profiles[index].Clone(), nil
}

// SetFrameParametersForProfile replaces the parameters of profile index.
func (s *HardwareSource) SetFrameParametersForProfile(index int, params FrameParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.profiles) {
		return fmt.Errorf("profile %d: %w", index, ErrNotFound)
	}
	s.profiles[index] = merge(s.defaults, params)
	return nil
}

// ProfileIndex returns the selected profile.
func (s *HardwareSource) ProfileIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profileIndex
}

// SetProfileIndex selects the profile used by streams started afterwards.
func (s *HardwareSource) SetProfileIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.profiles) {
		return fmt.Errorf("profile %d: %w", index, ErrNotFound)
	}
	s.profileIndex = index
	return nil
}

func (s *HardwareSource) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// GetPropertyAsBool returns the bool property name.
func (s *HardwareSource) GetPropertyAsBool(name string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	return s.props.GetBool(name)
}

// SetPropertyAsBool sets the bool property name.
func (s *HardwareSource) SetPropertyAsBool(name string, value bool) error {
	return s.setProperty(name, config.ValueKindBool, value)
}

// GetPropertyAsFloat returns the float property name.
func (s *HardwareSource) GetPropertyAsFloat(name string) (float64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.props.GetFloat(name)
}

// SetPropertyAsFloat sets the float property name.
func (s *HardwareSource) SetPropertyAsFloat(name string, value float64) error {
	return s.setProperty(name, config.ValueKindFloat, value)
}

// GetPropertyAsInt returns the int property name.
func (s *HardwareSource) GetPropertyAsInt(name string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.props.GetInt(name)
}

// SetPropertyAsInt sets the int property name.
func (s *HardwareSource) SetPropertyAsInt(name string, value int64) error {
	return s.setProperty(name, config.ValueKindInt, value)
}

// GetPropertyAsString returns the string property name.
func (s *HardwareSource) GetPropertyAsString(name string) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}
	return s.props.GetString(name)
}

// SetPropertyAsString sets the string property name.
func (s *HardwareSource) SetPropertyAsString(name string, value string) error {
	return s.setProperty(name, config.ValueKindString, value)
}

// GetPropertyAsFloatPoint returns the float point property name.
func (s *HardwareSource) GetPropertyAsFloatPoint(name string) (state.FloatPoint, error) {
	if err := s.checkOpen(); err != nil {
		return state.FloatPoint{}, err
	}
	return s.props.GetFloatPoint(name)
}

// SetPropertyAsFloatPoint sets the float point property name.
func (s *HardwareSource) SetPropertyAsFloatPoint(name string, value state.FloatPoint) error {
	return s.setProperty(name, config.ValueKindFloatPoint, value)
}

func (s *HardwareSource) setProperty(name string, kind config.ValueKind, value interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.props.Set(name, kind, value)
	return err
}

// PropertyNames returns the sorted property names.
func (s *HardwareSource) PropertyNames() []string {
	return s.props.Names()
}

// Close aborts the active stream and closes the device.
func (s *HardwareSource) Close() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	active := s.active
	s.active = nil
	s.mu.Unlock()

	if active != nil {
		active.abort()
		<-active.done
	}
	return s.device.Close()
}
