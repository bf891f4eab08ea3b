package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.IncHotReload("config.yaml")
	collector.ObserveControlWrite("stem", "defocus", "output")
	collector.IncConfirmTimeout("stem", "defocus")
	collector.IncTaskTransition("camera", "record", "finished")
	collector.ObserveGrab("camera", "record", time.Millisecond)
}

func TestPrometheusCollectorRegistersAndReusesCounter(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.IncHotReload("a.yaml")

	family := findFamily(t, reg, "scopectl_config_hot_reload_total")
	requireCounterValue(t, family, 1)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.hotReloads, again.hotReloads)

	again.IncHotReload("a.yaml")
	requireCounterValue(t, findFamily(t, reg, "scopectl_config_hot_reload_total"), 2)
}

func TestPrometheusCollectorReusesAlreadyRegistered(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	reg := prometheus.NewRegistry()
	first, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	resetForTest()
	second, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, first.controlWrites, second.controlWrites)
}

func TestPrometheusCollectorRecordsDomainMetrics(t *testing.T) {
	resetForTest()
	t.Cleanup(resetForTest)

	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	collector.ObserveControlWrite("stem", "defocus", "delta")
	collector.IncConfirmTimeout("stem", "defocus")
	collector.IncTaskTransition("camera", "view", "running")
	collector.ObserveGrab("camera", "view", 20*time.Millisecond)

	requireCounterValue(t, findFamily(t, reg, "scopectl_control_writes_total"), 1)
	requireCounterValue(t, findFamily(t, reg, "scopectl_control_confirm_timeouts_total"), 1)
	requireCounterValue(t, findFamily(t, reg, "scopectl_acquisition_task_transitions_total"), 1)

	grab := findFamily(t, reg, "scopectl_acquisition_grab_seconds")
	require.Len(t, grab.Metric, 1)
	require.EqualValues(t, 1, grab.Metric[0].GetHistogram().GetSampleCount())
}

func TestNilPrometheusCollectorIsSafe(t *testing.T) {
	var collector *PrometheusCollector
	collector.IncHotReload("x")
	collector.ObserveControlWrite("a", "b", "c")
	collector.IncConfirmTimeout("a", "b")
	collector.IncTaskTransition("a", "b", "c")
	collector.ObserveGrab("a", "b", time.Second)
}

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == name {
			return family
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}
