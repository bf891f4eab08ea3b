package processor

import (
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/drivers/bundle"
	"github.com/timzifer/scopectl/runtime/readers"
	"github.com/timzifer/scopectl/runtime/writers"
	"github.com/timzifer/scopectl/service"
	"github.com/timzifer/scopectl/telemetry"
)

// Option configures the processor during construction.
type Option func(*settings) error

// DriverDefinition bundles optional writer and device factories under a driver identifier.
type DriverDefinition struct {
	Driver string
	Writer writers.WriterFactory
	Device readers.DeviceFactory
}

type settings struct {
	config            *config.Config
	configPath        string
	registerReload    func(ReloadFunc)
	logger            zerolog.Logger
	customLogger      bool
	telemetry         telemetry.Collector
	telemetryProvided bool
	drivers           []DriverDefinition
	serviceOptions    []service.Option
	interval          time.Duration
}

// WithLogger provides a custom logger instance for the processor.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *settings) error {
		cfg.logger = logger
		cfg.customLogger = true
		return nil
	}
}

// WithDriver installs additional writer and device factories for a driver.
func WithDriver(def DriverDefinition) Option {
	return func(cfg *settings) error {
		if strings.TrimSpace(def.Driver) == "" {
			return errors.New("driver id must not be empty")
		}
		if def.Writer == nil && def.Device == nil {
			return errors.New("driver " + def.Driver + " has no factories")
		}
		cfg.drivers = append(cfg.drivers, def)
		return nil
	}
}

// WithServiceOptions forwards options to every API the processor builds.
func WithServiceOptions(opts ...service.Option) Option {
	return func(cfg *settings) error {
		cfg.serviceOptions = append(cfg.serviceOptions, opts...)
		return nil
	}
}

// WithConfigPath configures the processor to load configuration data from the provided path.
func WithConfigPath(path string, register func(ReloadFunc)) Option {
	return func(cfg *settings) error {
		cfg.configPath = strings.TrimSpace(path)
		cfg.registerReload = register
		return nil
	}
}

// WithConfig supplies an already loaded configuration instance.
func WithConfig(cfgData *config.Config) Option {
	return func(cfg *settings) error {
		cfg.config = cfgData
		return nil
	}
}

// WithReloadInterval sets how often configuration files are checked for changes.
func WithReloadInterval(interval time.Duration) Option {
	return func(cfg *settings) error {
		if interval <= 0 {
			return errors.New("reload interval must be positive")
		}
		cfg.interval = interval
		return nil
	}
}

// WithTelemetry injects a collector instance overriding the default configuration-based behaviour.
func WithTelemetry(collector telemetry.Collector) Option {
	return func(cfg *settings) error {
		if collector == nil {
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
		cfg.telemetryProvided = true
		return nil
	}
}

// buildServiceOptions registers the bundled drivers first so that custom
// definitions can override them.
func buildServiceOptions(defs []DriverDefinition) []service.Option {
	opts := bundle.Options(nil)
	for _, def := range defs {
		if def.Writer != nil {
			opts = append(opts, service.WithWriterFactory(def.Driver, def.Writer))
		}
		if def.Device != nil {
			opts = append(opts, service.WithDeviceFactory(def.Driver, def.Device))
		}
	}
	return opts
}
