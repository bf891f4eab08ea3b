package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/config"
)

func TestExecuteConfigCheck(t *testing.T) {
	cfg := &config.Config{
		Instruments: []config.InstrumentConfig{{
			ID: "stem",
			Controls: []config.ControlConfig{
				{Name: "defocus", Units: "nm", Value: 2},
				{Name: "c10", Inputs: []config.ControlInputConfig{{Control: "defocus", Weight: 0.5}}},
			},
			Source: config.ModuleReference{Name: "optics", File: "optics.yaml"},
		}},
		HardwareSources: []config.HardwareSourceConfig{{ID: "camera"}},
	}
	var out bytes.Buffer
	require.Equal(t, 0, executeConfigCheck(&out, cfg))
	text := out.String()
	require.Contains(t, text, `Instrument "stem" (driver memory)`)
	require.Contains(t, text, "Module: optics (optics.yaml)")
	require.Contains(t, text, "defocus [nm]: local 2, output 2")
	require.Contains(t, text, "<- defocus x 0.5")
	require.Contains(t, text, "-> c10")
	require.Contains(t, text, `Hardware source "camera" (driver sim`)
	require.Contains(t, text, "completed successfully")
}

func TestExecuteConfigCheckReportsCycle(t *testing.T) {
	cfg := &config.Config{Instruments: []config.InstrumentConfig{{
		ID: "stem",
		Controls: []config.ControlConfig{
			{Name: "a", Inputs: []config.ControlInputConfig{{Control: "b", Weight: 1}}},
			{Name: "b", Inputs: []config.ControlInputConfig{{Control: "a", Weight: 1}}},
		},
	}}}
	var out bytes.Buffer
	require.Equal(t, 1, executeConfigCheck(&out, cfg))
	require.Contains(t, out.String(), "cycle")
}

func TestExecuteHealthCheck(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - id: stem\n    driver: sim\n"), 0o600))
	require.NoError(t, executeHealthCheck(path))

	require.NoError(t, os.WriteFile(path, []byte("instruments:\n  - id: stem\n    driver: warp\n"), 0o600))
	require.Error(t, executeHealthCheck(path))
}

func TestDescribeModule(t *testing.T) {
	require.Equal(t, "", describeModule(config.ModuleReference{}))
	require.Equal(t, "a.yaml", describeModule(config.ModuleReference{File: "a.yaml"}))
	require.Equal(t, "base: shared", describeModule(config.ModuleReference{Name: "base", Description: "shared"}))
}
