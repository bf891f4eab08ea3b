package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/writers"
)

// StateRamping is reported while a control's read-back is still slewing.
const StateRamping = "ramping"

// Writer simulates instrument hardware with slew-limited, quantised outputs.
type Writer struct {
	settings WriterSettings
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	controls map[string]*slewed
	closed   bool
}

// NewWriterFactory returns a factory building simulated control writers.
func NewWriterFactory() writers.WriterFactory {
	return func(cfg config.InstrumentConfig, deps writers.WriterDependencies) (writers.ControlWriter, error) {
		settings, err := decodeWriterSettings(cfg)
		if err != nil {
			return nil, err
		}
		return newWriter(settings, deps.Logger.With().Str("driver", "sim").Logger(), time.Now), nil
	}
}

func newWriter(settings WriterSettings, logger zerolog.Logger, now func() time.Time) *Writer {
	return &Writer{settings: settings, logger: logger, now: now, controls: make(map[string]*slewed)}
}

// Apply quantises value and starts slewing the read-back towards it.
func (w *Writer) Apply(_ context.Context, control string, value float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("sim writer closed")
	}
	res := w.settings.resolve(control)
	now := w.now()
	target := quantize(value, res.resolution)
	state, ok := w.controls[control]
	if !ok {
		w.controls[control] = &slewed{target: target, value: target, updated: now}
		return nil
	}
	state.advance(now, res.rate)
	state.target = target
	w.logger.Trace().Str("control", control).Float64("target", target).Msg("apply")
	return nil
}

// ReadBack returns the slewed value plus the configured offset.
func (w *Writer) ReadBack(_ context.Context, control string) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.controls[control]
	if !ok {
		return 0, fmt.Errorf("control %q: %w", control, writers.ErrUnknownControl)
	}
	res := w.settings.resolve(control)
	state.advance(w.now(), res.rate)
	return state.value + res.offset, nil
}

// ControlState reports StateRamping while the read-back slews towards its target.
func (w *Writer) ControlState(control string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	state, ok := w.controls[control]
	if !ok {
		return ""
	}
	state.advance(w.now(), w.settings.resolve(control).rate)
	if !state.settled() {
		return StateRamping
	}
	return ""
}

// Close stops accepting writes.
func (w *Writer) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}
