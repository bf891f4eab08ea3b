package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/internal/logging"
	"github.com/timzifer/scopectl/internal/reload"
	"github.com/timzifer/scopectl/service"
	"github.com/timzifer/scopectl/telemetry"
)

const defaultReloadInterval = time.Second

// ReloadFunc represents a function that reloads the processor configuration.
type ReloadFunc func(ctx context.Context) error

// Processor owns the API built from configuration and swaps it when the
// configuration changes on disk.
type Processor struct {
	mu sync.Mutex

	config     *config.Config
	configPath string

	collector      telemetry.Collector
	serviceOptions []service.Option
	customLogger   bool
	baseLogger     zerolog.Logger
	interval       time.Duration

	watcher  *reload.Watcher
	reloadCh chan reloadRequest

	current *runtimeState
	running bool
}

type runtimeState struct {
	cfg     *config.Config
	logger  zerolog.Logger
	cleanup func()
	api     *service.API
}

func (r *runtimeState) close() {
	if r == nil {
		return
	}
	if err := r.api.Close(); err != nil {
		r.logger.Error().Err(err).Msg("close api")
	}
	r.cleanup()
}

type reloadRequest struct {
	done  chan error
	files []string
}

// New constructs a processor with the supplied options.
func New(ctx context.Context, opts ...Option) (*Processor, error) {
	if ctx != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	cfg := settings{
		logger:    zerolog.Nop(),
		telemetry: telemetry.Noop(),
		interval:  defaultReloadInterval,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		if cfg.configPath == "" {
			return nil, errors.New("configuration path required")
		}
		loaded, err := config.Load(cfg.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
		cfg.config = loaded
	}

	if !cfg.telemetryProvided {
		collector, err := newTelemetryCollector(cfg.config.Telemetry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
			collector = telemetry.Noop()
		}
		cfg.telemetry = collector
	}

	proc := &Processor{
		config:         cfg.config,
		configPath:     cfg.configPath,
		collector:      cfg.telemetry,
		serviceOptions: append(buildServiceOptions(cfg.drivers), cfg.serviceOptions...),
		customLogger:   cfg.customLogger,
		baseLogger:     cfg.logger,
		interval:       cfg.interval,
	}

	runtime, err := proc.buildRuntime(cfg.config)
	if err != nil {
		return nil, err
	}
	proc.current = runtime

	if cfg.configPath != "" {
		proc.reloadCh = make(chan reloadRequest)
	}
	if err := proc.initWatcher(cfg.config); err != nil {
		runtime.close()
		return nil, err
	}
	if cfg.registerReload != nil {
		cfg.registerReload(proc.Reload)
	}
	return proc, nil
}

// API returns the API of the active runtime, or nil once the processor stopped.
func (p *Processor) API() *service.API {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	return p.current.api
}

// Run serves the API until the context is cancelled, rebuilding it whenever
// the configuration changes.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.current == nil {
		p.mu.Unlock()
		return errors.New("processor not initialized")
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	current := p.current
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		if p.current == current {
			p.current = nil
		}
		p.mu.Unlock()
	}()

	for {
		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func(api *service.API) {
			errCh <- api.Run(runCtx)
		}(current.api)

		next, req, err := p.waitForReload(ctx, current, errCh)
		cancelRun()
		if next == nil {
			current.close()
			return err
		}

		if err := <-errCh; err != nil {
			current.logger.Error().Err(err).Msg("api stopped during reload")
		}
		current.close()

		runtime, err := p.buildRuntime(next)
		if err != nil {
			req.reply(err)
			return err
		}

		p.mu.Lock()
		p.current = runtime
		p.config = next
		if err := p.initWatcher(next); err != nil {
			runtime.logger.Error().Err(err).Msg("failed to update configuration watcher")
		}
		p.mu.Unlock()
		current = runtime

		req.reply(nil)
		for _, file := range req.files {
			p.collector.IncHotReload(file)
		}
		current.logger.Info().Strs("files", req.files).Msg("configuration reloaded")
	}
}

// waitForReload blocks until a validated configuration is ready to replace
// the current runtime. A nil configuration means Run must return err.
func (p *Processor) waitForReload(ctx context.Context, current *runtimeState, errCh <-chan error) (*config.Config, reloadRequest, error) {
	p.mu.Lock()
	watcher := p.watcher
	reloadCh := p.reloadCh
	p.mu.Unlock()

	var ticker *time.Ticker
	if watcher != nil {
		ticker = time.NewTicker(p.interval)
		defer ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			if err := <-errCh; err != nil && !errors.Is(err, service.ErrClosed) {
				return nil, reloadRequest{}, err
			}
			return nil, reloadRequest{}, ctx.Err()
		case err := <-errCh:
			return nil, reloadRequest{}, err
		case req := <-reloadCh:
			cfg, err := p.loadValidated(current.logger)
			if err != nil {
				req.reply(err)
				continue
			}
			return cfg, req, nil
		case <-tickChannel(ticker):
			changes, err := watcher.Check()
			if err != nil {
				current.logger.Error().Err(err).Msg("failed to check configuration changes")
				continue
			}
			if len(changes) == 0 {
				continue
			}
			cfg, err := p.loadValidated(current.logger)
			if err != nil {
				// Track the broken state so the same edit is not retried every tick.
				_ = watcher.Update(p.configPath, current.cfg)
				continue
			}
			return cfg, reloadRequest{files: changes}, nil
		}
	}
}

func (req reloadRequest) reply(err error) {
	if req.done != nil {
		req.done <- err
	}
}

func (p *Processor) loadValidated(logger zerolog.Logger) (*config.Config, error) {
	cfg, err := p.loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to reload configuration")
		return nil, err
	}
	if err := service.Validate(cfg, zerolog.Nop(), p.serviceOptions...); err != nil {
		logger.Error().Err(err).Msg("reloaded configuration invalid")
		return nil, err
	}
	return cfg, nil
}

// Reload rebuilds the processor using the latest configuration from disk.
func (p *Processor) Reload(ctx context.Context) error {
	p.mu.Lock()
	running := p.running
	reloadCh := p.reloadCh
	p.mu.Unlock()

	if !running {
		cfg, err := p.loadValidated(zerolog.Nop())
		if err != nil {
			return err
		}
		return p.swapRuntime(cfg)
	}
	if reloadCh == nil {
		return errors.New("reload not supported without configuration path")
	}

	req := reloadRequest{done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case reloadCh <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-req.done:
		return err
	}
}

// Close releases resources managed by the processor.
func (p *Processor) Close() {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.mu.Unlock()
	current.close()
}

func (p *Processor) swapRuntime(cfg *config.Config) error {
	runtime, err := p.buildRuntime(cfg)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.current
	p.current = runtime
	p.config = cfg
	err = p.initWatcher(cfg)
	p.mu.Unlock()
	if err != nil {
		runtime.close()
		return err
	}
	old.close()
	return nil
}

func (p *Processor) buildRuntime(cfg *config.Config) (*runtimeState, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	runtime := &runtimeState{cfg: cfg, cleanup: func() {}}
	if p.customLogger {
		runtime.logger = p.baseLogger
	} else {
		logger, cleanup, err := logging.Setup(cfg.Logging)
		if err != nil {
			return nil, err
		}
		runtime.logger = logger
		runtime.cleanup = cleanup
	}
	log.Logger = runtime.logger

	opts := append([]service.Option{service.WithTelemetry(p.collector)}, p.serviceOptions...)
	api, err := service.New(cfg, runtime.logger, opts...)
	if err != nil {
		runtime.cleanup()
		return nil, err
	}
	runtime.api = api
	return runtime, nil
}

func (p *Processor) loadConfig() (*config.Config, error) {
	if p.configPath == "" {
		return nil, errors.New("configuration path not configured")
	}
	return config.Load(p.configPath)
}

func (p *Processor) initWatcher(cfg *config.Config) error {
	if p.configPath == "" || !cfg.HotReload {
		p.watcher = nil
		return nil
	}
	if p.watcher == nil {
		watcher, err := reload.NewWatcher(p.configPath, cfg)
		if err != nil {
			return err
		}
		p.watcher = watcher
		return nil
	}
	return p.watcher.Update(p.configPath, cfg)
}

func tickChannel(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
