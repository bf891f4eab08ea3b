package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/acquisition"
	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/data"
	"github.com/timzifer/scopectl/instrument"
	"github.com/timzifer/scopectl/internal/logging"
	mqttnotify "github.com/timzifer/scopectl/notify/mqtt"
	"github.com/timzifer/scopectl/runtime/activity"
	"github.com/timzifer/scopectl/runtime/connections"
	"github.com/timzifer/scopectl/runtime/readers"
	"github.com/timzifer/scopectl/runtime/writers"
	"github.com/timzifer/scopectl/telemetry"
)

var (
	// ErrNotFound is returned for unknown instrument or hardware source ids.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned once the API has been closed.
	ErrClosed = errors.New("api closed")
)

// API is the scripting facade over the configured instruments and hardware sources.
type API struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry telemetry.Collector
	hub       *activity.Hub
	pool      *connections.Pool
	notifier  *mqttnotify.Publisher
	queue     *taskQueue

	instruments map[string]*instrument.Instrument
	sources     map[string]*acquisition.HardwareSource

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Option configures the API during construction.
type Option func(*factoryRegistry)

type factoryRegistry struct {
	writers   map[string]writers.WriterFactory
	devices   map[string]readers.DeviceFactory
	telemetry telemetry.Collector
	listeners []activity.Listener
}

func newFactoryRegistry() factoryRegistry {
	memory := writers.NewMemoryFactory()
	return factoryRegistry{
		writers: map[string]writers.WriterFactory{
			"":       memory,
			"memory": memory,
		},
		devices:   make(map[string]readers.DeviceFactory),
		telemetry: telemetry.Noop(),
	}
}

func applyOptions(reg factoryRegistry, opts []Option) factoryRegistry {
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	return reg
}

// WithWriterFactory registers or overrides a control writer factory for a driver identifier.
// A nil factory removes the driver.
func WithWriterFactory(driver string, factory writers.WriterFactory) Option {
	return func(reg *factoryRegistry) {
		if reg.writers == nil {
			reg.writers = make(map[string]writers.WriterFactory)
		}
		if factory == nil {
			delete(reg.writers, driver)
			return
		}
		reg.writers[driver] = factory
	}
}

// WithDeviceFactory registers or overrides an acquisition device factory for a driver identifier.
// A nil factory removes the driver.
func WithDeviceFactory(driver string, factory readers.DeviceFactory) Option {
	return func(reg *factoryRegistry) {
		if reg.devices == nil {
			reg.devices = make(map[string]readers.DeviceFactory)
		}
		if factory == nil {
			delete(reg.devices, driver)
			return
		}
		reg.devices[driver] = factory
	}
}

// WithTelemetry installs the collector handed to instruments and sources.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(reg *factoryRegistry) {
		if collector == nil {
			collector = telemetry.Noop()
		}
		reg.telemetry = collector
	}
}

// WithListener subscribes a listener to every instrument change and task transition.
func WithListener(l activity.Listener) Option {
	return func(reg *factoryRegistry) {
		if l != nil {
			reg.listeners = append(reg.listeners, l)
		}
	}
}

// New builds the API from configuration and registered driver factories.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*API, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registry := applyOptions(newFactoryRegistry(), opts)

	api := &API{
		cfg:         cfg,
		logger:      logging.Component(logger, "api"),
		telemetry:   registry.telemetry,
		hub:         activity.NewHub(),
		pool:        connections.NewPool(),
		instruments: make(map[string]*instrument.Instrument, len(cfg.Instruments)),
		sources:     make(map[string]*acquisition.HardwareSource, len(cfg.HardwareSources)),
		done:        make(chan struct{}),
	}
	for _, l := range registry.listeners {
		api.hub.Subscribe(l)
	}
	cleanupOnErr := func(err error) (*API, error) {
		api.closeResources()
		return nil, err
	}

	if cfg.Notify.Enabled {
		notifier, err := mqttnotify.New(cfg.Notify, logger)
		if err != nil {
			return cleanupOnErr(fmt.Errorf("notify: %w", err))
		}
		api.notifier = notifier
		api.hub.Subscribe(notifier)
	}

	for _, instCfg := range cfg.Instruments {
		inst, err := buildInstrument(instCfg, registry, api, logger)
		if err != nil {
			return cleanupOnErr(err)
		}
		api.instruments[instCfg.ID] = inst
	}
	for _, srcCfg := range cfg.HardwareSources {
		src, err := buildHardwareSource(srcCfg, registry, api, logger)
		if err != nil {
			return cleanupOnErr(err)
		}
		api.sources[srcCfg.ID] = src
	}

	api.queue = newTaskQueue(cfg.Queue.Capacity, api.logger)
	api.logger.Info().
		Int("instruments", len(api.instruments)).
		Int("hardware_sources", len(api.sources)).
		Msg("api ready")
	return api, nil
}

func buildInstrument(cfg config.InstrumentConfig, reg factoryRegistry, api *API, logger zerolog.Logger) (*instrument.Instrument, error) {
	factory, ok := reg.writers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("instrument %s: unsupported driver %q", cfg.ID, cfg.Driver)
	}
	writer, err := factory(cfg, writers.WriterDependencies{Logger: logger, Connections: api.pool})
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", cfg.ID, err)
	}
	inst, err := instrument.New(cfg, writer,
		instrument.WithLogger(logger),
		instrument.WithTelemetry(api.telemetry),
		instrument.WithListener(api.hub),
	)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return inst, nil
}

func buildHardwareSource(cfg config.HardwareSourceConfig, reg factoryRegistry, api *API, logger zerolog.Logger) (*acquisition.HardwareSource, error) {
	factory, ok := reg.devices[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("hardware source %s: unsupported driver %q", cfg.ID, cfg.Driver)
	}
	device, err := factory(cfg, readers.DeviceDependencies{Logger: logger, Connections: api.pool})
	if err != nil {
		return nil, fmt.Errorf("hardware source %s: %w", cfg.ID, err)
	}
	src, err := acquisition.New(cfg, device,
		acquisition.WithLogger(logger),
		acquisition.WithTelemetry(api.telemetry),
		acquisition.WithListener(api.hub),
	)
	if err != nil {
		_ = device.Close()
		return nil, err
	}
	return src, nil
}

// Validate performs a dry-run construction of every instrument and hardware
// source without connecting the notifier, then releases everything again.
func Validate(cfg *config.Config, logger zerolog.Logger, opts ...Option) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	dry := *cfg
	dry.Notify.Enabled = false
	api, err := New(&dry, logger, opts...)
	if err != nil {
		return err
	}
	return api.Close()
}

// Config returns the configuration the API was built from.
func (a *API) Config() *config.Config {
	return a.cfg
}

// Subscribe registers a listener for instrument changes and task transitions.
func (a *API) Subscribe(l activity.Listener) func() {
	return a.hub.Subscribe(l)
}

// GetInstrumentByID returns the instrument with the given id through an API
// of the requested version.
func (a *API) GetInstrumentByID(id, version string) (*instrument.Instrument, error) {
	if err := CheckVersion(version); err != nil {
		return nil, err
	}
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	inst, ok := a.instruments[id]
	if !ok {
		return nil, fmt.Errorf("%w: instrument %q", ErrNotFound, id)
	}
	return inst, nil
}

// GetHardwareSourceByID returns the hardware source with the given id through
// an API of the requested version.
func (a *API) GetHardwareSourceByID(id, version string) (*acquisition.HardwareSource, error) {
	if err := CheckVersion(version); err != nil {
		return nil, err
	}
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	src, ok := a.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: hardware source %q", ErrNotFound, id)
	}
	return src, nil
}

// InstrumentIDs returns the sorted ids of all instruments.
func (a *API) InstrumentIDs() []string {
	ids := make([]string, 0, len(a.instruments))
	for id := range a.instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HardwareSourceIDs returns the sorted ids of all hardware sources.
func (a *API) HardwareSourceIDs() []string {
	ids := make([]string, 0, len(a.sources))
	for id := range a.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CreateCalibration builds a calibration; nil offset and scale mean 0 and 1.
func (a *API) CreateCalibration(offset, scale *float64, units string) data.Calibration {
	return data.NewCalibration(offset, scale, units)
}

// CreateDataAndMetadata assembles a data buffer with calibrations and metadata.
func (a *API) CreateDataAndMetadata(values []float64, shape []int, intensity *data.Calibration, dimensional []data.Calibration, metadata map[string]interface{}) (*data.DataAndMetadata, error) {
	opts := []data.Option{data.WithMetadata(metadata)}
	if intensity != nil {
		opts = append(opts, data.WithIntensityCalibration(*intensity))
	}
	if len(dimensional) > 0 {
		opts = append(opts, data.WithDimensionalCalibrations(dimensional))
	}
	return data.New(values, shape, opts...)
}

// QueueTask schedules fn on the API's task worker. Tasks run one at a time in
// submission order; the returned channel receives the task's result.
func (a *API) QueueTask(fn TaskFunc) (<-chan error, error) {
	if err := a.checkOpen(); err != nil {
		return nil, err
	}
	return a.queue.submit(fn)
}

// Run blocks until the context is cancelled or the API is closed.
func (a *API) Run(ctx context.Context) error {
	if err := a.checkOpen(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return nil
	case <-a.done:
		return ErrClosed
	}
}

func (a *API) checkOpen() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	return nil
}

// Close stops the task worker and releases every instrument, hardware source
// and shared connection.
func (a *API) Close() error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	a.mu.Unlock()

	if a.queue != nil {
		a.queue.close()
	}
	return a.closeResources()
}

func (a *API) closeResources() error {
	var errs []error
	for _, id := range a.HardwareSourceIDs() {
		if err := a.sources[id].Close(); err != nil && !errors.Is(err, acquisition.ErrClosed) {
			errs = append(errs, fmt.Errorf("hardware source %s: %w", id, err))
		}
	}
	for _, id := range a.InstrumentIDs() {
		if err := a.instruments[id].Close(); err != nil && !errors.Is(err, instrument.ErrClosed) {
			errs = append(errs, fmt.Errorf("instrument %s: %w", id, err))
		}
	}
	if err := a.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
