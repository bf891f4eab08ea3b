package writers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/connections"
)

// ErrUnknownControl is returned by writers that do not drive the named control.
var ErrUnknownControl = errors.New("unknown control")

// ControlWriter drives control outputs of an instrument on hardware.
//
// Apply requests a new output; ReadBack reports what the hardware currently
// delivers, which may lag behind the last applied value while the output
// settles. Implementations must be safe for concurrent use.
type ControlWriter interface {
	Apply(ctx context.Context, control string, value float64) error
	ReadBack(ctx context.Context, control string) (float64, error)
	Close() error
}

// StateReporter is implemented by writers that know more about a control's
// state than the instrument's confirmation bookkeeping.
type StateReporter interface {
	ControlState(control string) string
}

// WriterDependencies carries shared services handed to writer factories.
type WriterDependencies struct {
	Logger      zerolog.Logger
	Connections *connections.Pool
}

// WriterFactory constructs a ControlWriter for an instrument configuration.
//
// The factory pattern keeps the instrument core agnostic of protocol details.
type WriterFactory func(cfg config.InstrumentConfig, deps WriterDependencies) (ControlWriter, error)

// Memory is a ControlWriter whose read-back immediately follows applied values.
type Memory struct {
	mu     sync.RWMutex
	values map[string]float64
	closed bool
}

// NewMemory creates an empty in-memory writer.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]float64)}
}

// NewMemoryFactory returns a WriterFactory producing Memory writers.
func NewMemoryFactory() WriterFactory {
	return func(config.InstrumentConfig, WriterDependencies) (ControlWriter, error) {
		return NewMemory(), nil
	}
}

// Apply stores the value as the control's read-back.
func (m *Memory) Apply(_ context.Context, control string, value float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("memory writer closed")
	}
	m.values[control] = value
	return nil
}

// ReadBack returns the last applied value of control.
func (m *Memory) ReadBack(_ context.Context, control string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[control]
	if !ok {
		return 0, fmt.Errorf("control %q: %w", control, ErrUnknownControl)
	}
	return value, nil
}

// Close rejects later writes.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
