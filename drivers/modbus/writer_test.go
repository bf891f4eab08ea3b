package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/instrument"
	"github.com/timzifer/scopectl/runtime/connections"
	"github.com/timzifer/scopectl/runtime/writers"
)

type fakeClient struct {
	mu       sync.Mutex
	holding  map[uint16]uint16
	input    map[uint16]uint16
	writeErr error
	closed   int
}

func newFakeClient() *fakeClient {
	return &fakeClient{holding: make(map[uint16]uint16), input: make(map[uint16]uint16)}
}

func encode(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func (f *fakeClient) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encode(f.holding[address]), nil
}

func (f *fakeClient) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encode(f.input[address]), nil
}

func (f *fakeClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return nil, f.writeErr
	}
	f.holding[address] = value
	return encode(value), nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func instrumentConfig() config.InstrumentConfig {
	return config.InstrumentConfig{
		ID:     "hv",
		Driver: "modbus",
		DriverSettings: map[string]interface{}{
			"address": "10.0.0.5:502",
			"unit_id": 3,
			"controls": map[string]interface{}{
				"voltage": map[string]interface{}{"address": 10, "scale": 0.1},
				"shift":   map[string]interface{}{"address": 11, "signed": true, "endianness": "little"},
				"lens":    map[string]interface{}{"address": 12, "read_back": "input", "read_address": 40, "read_scale": 0.5},
			},
		},
		Controls: []config.ControlConfig{{Name: "voltage"}, {Name: "shift"}, {Name: "lens"}},
	}
}

func newTestWriter(t *testing.T, client *fakeClient, pool *connections.Pool) writers.ControlWriter {
	t.Helper()
	factory := NewWriterFactory(func(endpoint Endpoint) (Client, error) {
		require.Equal(t, "10.0.0.5:502", endpoint.Address)
		require.EqualValues(t, 3, endpoint.UnitID)
		return client, nil
	})
	w, err := factory(instrumentConfig(), writers.WriterDependencies{Logger: zerolog.Nop(), Connections: pool})
	require.NoError(t, err)
	return w
}

func TestWriterScalesRegisters(t *testing.T) {
	client := newFakeClient()
	w := newTestWriter(t, client, nil)
	ctx := context.Background()

	require.NoError(t, w.Apply(ctx, "voltage", 12.3))
	require.EqualValues(t, 123, client.holding[10])
	v, err := w.ReadBack(ctx, "voltage")
	require.NoError(t, err)
	require.InDelta(t, 12.3, v, 1e-9)

	require.NoError(t, w.Apply(ctx, "shift", -2))
	require.EqualValues(t, 0xFEFF, client.holding[11])
	v, err = w.ReadBack(ctx, "shift")
	require.NoError(t, err)
	require.Equal(t, -2.0, v)

	client.input[40] = 7
	v, err = w.ReadBack(ctx, "lens")
	require.NoError(t, err)
	require.Equal(t, 3.5, v)

	require.Error(t, w.Apply(ctx, "voltage", 1e9))
	require.Error(t, w.Apply(ctx, "voltage", -1))
	_, err = w.ReadBack(ctx, "unknown")
	require.True(t, errors.Is(err, writers.ErrUnknownControl))

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.Equal(t, 1, client.closed)
}

func TestWriterWriteFailure(t *testing.T) {
	client := newFakeClient()
	client.writeErr = errors.New("gateway timeout")
	w := newTestWriter(t, client, nil)
	err := w.Apply(context.Background(), "voltage", 1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "gateway timeout")
}

func TestWritersShareConnectionsThroughPool(t *testing.T) {
	client := newFakeClient()
	pool := connections.NewPool()
	a := newTestWriter(t, client, pool)
	b := newTestWriter(t, client, pool)
	require.Equal(t, 1, pool.Len())

	require.NoError(t, a.Close())
	require.Zero(t, client.closed)
	require.NoError(t, b.Close())
	require.Equal(t, 1, client.closed)
	require.Zero(t, pool.Len())
}

func TestFactoryRejectsBadSettings(t *testing.T) {
	factory := NewWriterFactory(func(Endpoint) (Client, error) { return newFakeClient(), nil })
	_, err := factory(config.InstrumentConfig{ID: "x"}, writers.WriterDependencies{})
	require.Error(t, err)

	cfg := instrumentConfig()
	cfg.DriverSettings["controls"] = map[string]interface{}{"a": map[string]interface{}{"address": 1, "endianness": "middle"}}
	_, err = factory(cfg, writers.WriterDependencies{})
	require.Error(t, err)
}

func TestInstrumentConfirmsThroughModbus(t *testing.T) {
	client := newFakeClient()
	w := newTestWriter(t, client, nil)
	inst, err := instrument.New(instrumentConfig(), w)
	require.NoError(t, err)
	defer inst.Close()
	ctx := context.Background()

	require.NoError(t, inst.SetControlOutput(ctx, "voltage", 20, instrument.SetOptions{Confirm: true, ConfirmTimeout: time.Second}))
	require.EqualValues(t, 200, client.holding[10])

	err = inst.SetControlOutput(ctx, "lens", 4, instrument.SetOptions{Confirm: true, ConfirmTimeout: 20 * time.Millisecond})
	require.True(t, errors.Is(err, instrument.ErrTimeout))
}
