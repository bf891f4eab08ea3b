package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the runtime.
//
// Implementations may forward metrics to Prometheus, loggers or other
// monitoring systems. They should be inexpensive to call because hooks are
// executed inline with control writes and acquisition loops.
type Collector interface {
	IncHotReload(file string)
	ObserveControlWrite(instrument, control, valueType string)
	IncConfirmTimeout(instrument, control string)
	IncTaskTransition(source, kind, state string)
	ObserveGrab(source, kind string, elapsed time.Duration)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncHotReload(string)                        {}
func (noopCollector) ObserveControlWrite(string, string, string) {}
func (noopCollector) IncConfirmTimeout(string, string)           {}
func (noopCollector) IncTaskTransition(string, string, string)   {}
func (noopCollector) ObserveGrab(string, string, time.Duration)  {}

// PrometheusCollector exposes telemetry counters via Prometheus.
type PrometheusCollector struct {
	hotReloads      *prometheus.CounterVec
	controlWrites   *prometheus.CounterVec
	confirmTimeouts *prometheus.CounterVec
	taskTransitions *prometheus.CounterVec
	grabLatency     *prometheus.HistogramVec
}

var (
	collectorsMu sync.Mutex
	collectors   = make(map[string]prometheus.Collector)
)

// NewPrometheusCollector registers the required metrics with the provided registerer.
//
// Metrics are cached per name so that repeated construction, for example on a
// configuration reload, reuses the already registered vectors.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	collectorsMu.Lock()
	defer collectorsMu.Unlock()

	hotReloads, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "scopectl_config_hot_reload_total",
		Help: "Number of hot reload operations triggered per configuration source file.",
	}, "file")
	if err != nil {
		return nil, err
	}
	controlWrites, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "scopectl_control_writes_total",
		Help: "Number of control output writes per instrument, control and value type.",
	}, "instrument", "control", "value_type")
	if err != nil {
		return nil, err
	}
	confirmTimeouts, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "scopectl_control_confirm_timeouts_total",
		Help: "Number of confirmed control writes whose read-back did not converge in time.",
	}, "instrument", "control")
	if err != nil {
		return nil, err
	}
	taskTransitions, err := registerCounterVec(reg, prometheus.CounterOpts{
		Name: "scopectl_acquisition_task_transitions_total",
		Help: "Number of acquisition task state transitions per hardware source.",
	}, "source", "kind", "state")
	if err != nil {
		return nil, err
	}
	grabLatency, err := registerHistogramVec(reg, prometheus.HistogramOpts{
		Name:    "scopectl_acquisition_grab_seconds",
		Help:    "Time spent blocked in grab calls.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	}, "source", "kind")
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		hotReloads:      hotReloads,
		controlWrites:   controlWrites,
		confirmTimeouts: confirmTimeouts,
		taskTransitions: taskTransitions,
		grabLatency:     grabLatency,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels ...string) (*prometheus.CounterVec, error) {
	if existing, ok := collectors[opts.Name].(*prometheus.CounterVec); ok {
		return existing, nil
	}
	counter := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(counter); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, err
		}
		counter = existing
	}
	collectors[opts.Name] = counter
	return counter, nil
}

func registerHistogramVec(reg prometheus.Registerer, opts prometheus.HistogramOpts, labels ...string) (*prometheus.HistogramVec, error) {
	if existing, ok := collectors[opts.Name].(*prometheus.HistogramVec); ok {
		return existing, nil
	}
	histogram := prometheus.NewHistogramVec(opts, labels)
	if err := reg.Register(histogram); err != nil {
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return nil, err
		}
		histogram = existing
	}
	collectors[opts.Name] = histogram
	return histogram, nil
}

// IncHotReload increments the counter for the provided file path.
func (p *PrometheusCollector) IncHotReload(file string) {
	if p == nil || p.hotReloads == nil {
		return
	}
	p.hotReloads.WithLabelValues(file).Inc()
}

// ObserveControlWrite counts a control output write.
func (p *PrometheusCollector) ObserveControlWrite(instrument, control, valueType string) {
	if p == nil || p.controlWrites == nil {
		return
	}
	p.controlWrites.WithLabelValues(instrument, control, valueType).Inc()
}

// IncConfirmTimeout counts a confirmation that timed out.
func (p *PrometheusCollector) IncConfirmTimeout(instrument, control string) {
	if p == nil || p.confirmTimeouts == nil {
		return
	}
	p.confirmTimeouts.WithLabelValues(instrument, control).Inc()
}

// IncTaskTransition counts an acquisition task entering a state.
func (p *PrometheusCollector) IncTaskTransition(source, kind, state string) {
	if p == nil || p.taskTransitions == nil {
		return
	}
	p.taskTransitions.WithLabelValues(source, kind, state).Inc()
}

// ObserveGrab records how long a grab call blocked.
func (p *PrometheusCollector) ObserveGrab(source, kind string, elapsed time.Duration) {
	if p == nil || p.grabLatency == nil {
		return
	}
	p.grabLatency.WithLabelValues(source, kind).Observe(elapsed.Seconds())
}

func resetForTest() {
	collectorsMu.Lock()
	collectors = make(map[string]prometheus.Collector)
	collectorsMu.Unlock()
}
