package sim

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/scopectl/acquisition"
	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/runtime/readers"
)

func TestCameraRendersPattern(t *testing.T) {
	cam, err := NewCamera(CameraSettings{Pattern: "x + y*size + channel*1000", PixelSize: 0.5, PixelUnits: "nm"},
		[]readers.Channel{{ID: "haadf"}, {ID: "bf"}})
	require.NoError(t, err)

	frames, err := cam.Acquire(context.Background(), map[string]interface{}{"size": 4}, []bool{false, true})
	require.NoError(t, err)
	require.Len(t, frames, 1)

	frame := frames[0]
	require.Equal(t, []int{4, 4}, frame.Shape)
	v, err := frame.Datum(1, 2)
	require.NoError(t, err)
	require.Equal(t, 1006.0, v)
	require.Equal(t, "bf", frame.Metadata["channel_id"])
	require.EqualValues(t, 1, frame.Metadata["frame_index"])
	require.Equal(t, 0.5, frame.DimensionalCalibrations[0].Scale)
	require.Equal(t, "nm", frame.DimensionalCalibrations[1].Units)
}

func TestCameraNoiseIsReproducibleWithSeed(t *testing.T) {
	seed := int64(42)
	settings := CameraSettings{Pattern: "0", Noise: 2, Seed: &seed}
	channels := []readers.Channel{{ID: "sim"}}

	a, err := NewCamera(settings, channels)
	require.NoError(t, err)
	b, err := NewCamera(settings, channels)
	require.NoError(t, err)

	fa, err := a.Acquire(context.Background(), map[string]interface{}{"size": 3}, nil)
	require.NoError(t, err)
	fb, err := b.Acquire(context.Background(), map[string]interface{}{"size": 3}, nil)
	require.NoError(t, err)
	require.Equal(t, fa[0].Data, fb[0].Data)
	for _, v := range fa[0].Data {
		require.LessOrEqual(t, v, 1.0)
		require.GreaterOrEqual(t, v, -1.0)
	}
}

func TestCameraExposureHonoursCancellation(t *testing.T) {
	cam, err := NewCamera(CameraSettings{}, []readers.Channel{{ID: "sim"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = cam.Acquire(ctx, map[string]interface{}{"exposure_ms": 10000}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestCameraRejectsBadInput(t *testing.T) {
	_, err := NewCamera(CameraSettings{Pattern: "x +"}, []readers.Channel{{ID: "sim"}})
	require.Error(t, err)
	_, err = NewCamera(CameraSettings{Source: "quantum"}, []readers.Channel{{ID: "sim"}})
	require.Error(t, err)

	cam, err := NewCamera(CameraSettings{}, []readers.Channel{{ID: "sim"}})
	require.NoError(t, err)
	_, err = cam.Acquire(context.Background(), map[string]interface{}{"size": 2.5}, nil)
	require.Error(t, err)
	_, err = cam.Acquire(context.Background(), map[string]interface{}{"size": "big"}, nil)
	require.Error(t, err)
	_, err = cam.Acquire(context.Background(), map[string]interface{}{"size": 1 << 20}, nil)
	require.ErrorContains(t, err, "size must be in")
}

func TestSimulatedHardwareSourceRecord(t *testing.T) {
	cfg := config.HardwareSourceConfig{
		ID:              "camera",
		Driver:          "sim",
		DriverSettings:  map[string]interface{}{"pattern": "frame", "seed": 1},
		Channels:        []config.ChannelConfig{{ID: "haadf"}, {ID: "maadf"}},
		FrameParameters: map[string]interface{}{"size": 2, "exposure_ms": 1},
	}
	device, err := NewDeviceFactory()(cfg, readers.DeviceDependencies{Logger: zerolog.Nop()})
	require.NoError(t, err)
	src, err := acquisition.New(cfg, device)
	require.NoError(t, err)
	defer src.Close()

	frames, err := src.Record(context.Background(), nil, nil, time.Second)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, []float64{1, 1, 1, 1}, frames[0].Data)
	require.Equal(t, "maadf", frames[1].Metadata["channel_id"])
}
