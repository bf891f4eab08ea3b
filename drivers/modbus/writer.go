package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/connections"
	"github.com/timzifer/scopectl/runtime/writers"
)

// Writer drives instrument controls through Modbus holding registers.
type Writer struct {
	registers map[string]resolvedRegister
	logger    zerolog.Logger

	mu      sync.Mutex
	client  Client
	release func() error
	closed  bool
}

// NewWriterFactory builds a Modbus control writer factory. Instruments on
// the same endpoint share one client through the connection pool.
func NewWriterFactory(factory ClientFactory) writers.WriterFactory {
	if factory == nil {
		factory = NewTCPClientFactory()
	}
	return func(cfg config.InstrumentConfig, deps writers.WriterDependencies) (writers.ControlWriter, error) {
		settings, err := decodeSettings(cfg)
		if err != nil {
			return nil, err
		}
		registers, err := settings.resolve()
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
		}
		endpoint := settings.endpoint()
		w := &Writer{
			registers: registers,
			logger:    deps.Logger.With().Str("driver", "modbus").Str("endpoint", endpoint.Address).Logger(),
		}
		if deps.Connections == nil {
			client, err := factory(endpoint)
			if err != nil {
				return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
			}
			w.client = client
			w.release = client.Close
			return w, nil
		}
		handle, release, err := deps.Connections.Acquire(endpoint.key(), func(string) (connections.Handle, error) {
			return factory(endpoint)
		})
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
		}
		client, ok := handle.(Client)
		if !ok {
			_ = release()
			return nil, fmt.Errorf("instrument %s: connection %s is not a modbus client", cfg.ID, endpoint.key())
		}
		w.client = client
		w.release = release
		return w, nil
	}
}

func (w *Writer) register(control string) (resolvedRegister, error) {
	reg, ok := w.registers[control]
	if !ok {
		return resolvedRegister{}, fmt.Errorf("control %q: %w", control, writers.ErrUnknownControl)
	}
	return reg, nil
}

// Apply scales the value to a raw register value and writes it.
func (w *Writer) Apply(_ context.Context, control string, value float64) error {
	reg, err := w.register(control)
	if err != nil {
		return err
	}
	raw, err := encodeRegister(value, reg)
	if err != nil {
		return fmt.Errorf("control %s: %w", control, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("modbus writer closed")
	}
	if _, err := w.client.WriteSingleRegister(reg.address, raw); err != nil {
		w.logger.Error().Err(err).Str("control", control).Uint16("address", reg.address).Msg("modbus write failed")
		return fmt.Errorf("write register %d: %w", reg.address, err)
	}
	w.logger.Trace().Str("control", control).Uint16("address", reg.address).Uint16("raw", raw).Msg("register written")
	return nil
}

// ReadBack reads the control's read-back register and scales it.
func (w *Writer) ReadBack(_ context.Context, control string) (float64, error) {
	reg, err := w.register(control)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return 0, errors.New("modbus writer closed")
	}
	var payload []byte
	if reg.readFunction == "input" {
		payload, err = w.client.ReadInputRegisters(reg.readAddress, 1)
	} else {
		payload, err = w.client.ReadHoldingRegisters(reg.readAddress, 1)
	}
	w.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("read register %d: %w", reg.readAddress, err)
	}
	if len(payload) < 2 {
		return 0, fmt.Errorf("read register %d: short payload of %d bytes", reg.readAddress, len(payload))
	}
	return decodeRegister(binary.BigEndian.Uint16(payload[:2]), reg), nil
}

// Close releases the client lease.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.release != nil {
		return w.release()
	}
	return nil
}

func encodeRegister(value float64, reg resolvedRegister) (uint16, error) {
	raw := decimal.NewFromFloat(value).Div(decimal.NewFromFloat(reg.scale)).Round(0)
	if !raw.IsInteger() {
		return 0, fmt.Errorf("value %v cannot be scaled", value)
	}
	n := raw.IntPart()
	var value16 uint16
	if reg.signed {
		if n < math.MinInt16 || n > math.MaxInt16 {
			return 0, fmt.Errorf("value %v out of range for int16", value)
		}
		value16 = uint16(int16(n))
	} else {
		if n < 0 || n > math.MaxUint16 {
			return 0, fmt.Errorf("value %v out of range for uint16", value)
		}
		value16 = uint16(n)
	}
	if reg.littleEndian {
		value16 = swapBytes(value16)
	}
	return value16, nil
}

func decodeRegister(raw uint16, reg resolvedRegister) float64 {
	if reg.littleEndian {
		raw = swapBytes(raw)
	}
	var n int64
	if reg.signed {
		n = int64(int16(raw))
	} else {
		n = int64(raw)
	}
	out, _ := decimal.NewFromInt(n).Mul(decimal.NewFromFloat(reg.readScale)).Float64()
	return out
}

func swapBytes(v uint16) uint16 {
	return (v>>8)&0x00FF | (v<<8)&0xFF00
}
