package processor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/readers"
	"github.com/timzifer/scopectl/runtime/writers"
	"github.com/timzifer/scopectl/telemetry"
)

const baseConfig = `hot_reload: true
instruments:
  - id: stem
    controls:
      - name: defocus
`

const extendedConfig = `hot_reload: true
instruments:
  - id: stem
    controls:
      - name: defocus
  - id: stage
    driver: sim
    controls:
      - name: x
`

const cyclicConfig = `instruments:
  - id: stem
    controls:
      - name: a
        inputs:
          - control: b
            weight: 1
      - name: b
        inputs:
          - control: a
            weight: 1
`

type reloadCounter struct {
	telemetry.Collector
	mu    sync.Mutex
	files []string
}

func (r *reloadCounter) IncHotReload(file string) {
	r.mu.Lock()
	r.files = append(r.files, file)
	r.mu.Unlock()
}

func (r *reloadCounter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.files)
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func newProcessor(t *testing.T, content string, opts ...Option) (*Processor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, content)
	opts = append([]Option{WithConfigPath(path, nil), WithLogger(zerolog.Nop())}, opts...)
	proc, err := New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(proc.Close)
	return proc, path
}

func TestNewRequiresConfiguration(t *testing.T) {
	_, err := New(context.Background())
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = New(ctx, WithConfig(&config.Config{}))
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewWithConfig(t *testing.T) {
	cfg := &config.Config{Instruments: []config.InstrumentConfig{{ID: "stem"}}}
	proc, err := New(context.Background(), WithConfig(cfg), WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	defer proc.Close()
	require.Equal(t, []string{"stem"}, proc.API().InstrumentIDs())

	require.Error(t, proc.Reload(context.Background()))
}

func TestWithDriverValidation(t *testing.T) {
	_, err := New(context.Background(), WithDriver(DriverDefinition{}))
	require.Error(t, err)
	_, err = New(context.Background(), WithDriver(DriverDefinition{Driver: "x"}))
	require.Error(t, err)
	_, err = New(context.Background(), WithReloadInterval(0))
	require.Error(t, err)
}

func TestWithDriverRegistersFactories(t *testing.T) {
	var built []string
	def := DriverDefinition{
		Driver: "bench",
		Writer: func(cfg config.InstrumentConfig, deps writers.WriterDependencies) (writers.ControlWriter, error) {
			built = append(built, cfg.ID)
			return writers.NewMemory(), nil
		},
	}
	cfg := &config.Config{Instruments: []config.InstrumentConfig{{ID: "stem", Driver: "bench"}}}
	proc, err := New(context.Background(), WithConfig(cfg), WithLogger(zerolog.Nop()), WithDriver(def))
	require.NoError(t, err)
	defer proc.Close()
	require.Equal(t, []string{"stem"}, built)
}

func TestBuildServiceOptions(t *testing.T) {
	writer := func(config.InstrumentConfig, writers.WriterDependencies) (writers.ControlWriter, error) {
		return nil, nil
	}
	device := func(config.HardwareSourceConfig, readers.DeviceDependencies) (readers.Device, error) {
		return nil, nil
	}
	opts := buildServiceOptions([]DriverDefinition{
		{Driver: "alpha", Writer: writer},
		{Driver: "beta", Device: device},
		{Driver: "gamma", Writer: writer, Device: device},
	})
	bundled := len(buildServiceOptions(nil))
	require.NotZero(t, bundled)
	require.Len(t, opts, bundled+4)
}

func TestReloadWhileStopped(t *testing.T) {
	proc, path := newProcessor(t, baseConfig)
	require.Equal(t, []string{"stem"}, proc.API().InstrumentIDs())

	writeConfig(t, path, extendedConfig)
	require.NoError(t, proc.Reload(context.Background()))
	require.Equal(t, []string{"stage", "stem"}, proc.API().InstrumentIDs())

	writeConfig(t, path, cyclicConfig)
	require.Error(t, proc.Reload(context.Background()))
	require.Equal(t, []string{"stage", "stem"}, proc.API().InstrumentIDs())
}

func TestRunHotReload(t *testing.T) {
	counter := &reloadCounter{Collector: telemetry.Noop()}
	proc, path := newProcessor(t, baseConfig, WithTelemetry(counter), WithReloadInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- proc.Run(ctx) }()

	writeConfig(t, path, extendedConfig)
	require.Eventually(t, func() bool {
		api := proc.API()
		return api != nil && len(api.InstrumentIDs()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return counter.count() > 0 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.Nil(t, proc.API())
}

func TestReloadWhileRunning(t *testing.T) {
	proc, path := newProcessor(t, baseConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- proc.Run(ctx) }()

	require.Eventually(t, func() bool {
		proc.mu.Lock()
		defer proc.mu.Unlock()
		return proc.running
	}, time.Second, 5*time.Millisecond)

	writeConfig(t, path, cyclicConfig)
	require.Error(t, proc.Reload(ctx))
	require.Equal(t, []string{"stem"}, proc.API().InstrumentIDs())

	writeConfig(t, path, extendedConfig)
	require.NoError(t, proc.Reload(ctx))
	require.Equal(t, []string{"stage", "stem"}, proc.API().InstrumentIDs())

	require.Error(t, proc.Run(ctx))

	cancel()
	<-errCh
}

func TestTickChannel(t *testing.T) {
	if tickChannel(nil) != nil {
		t.Fatal("expected nil channel for nil ticker")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	if tickChannel(ticker) != ticker.C {
		t.Fatal("expected ticker channel to be returned")
	}
}
