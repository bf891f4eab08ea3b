package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/scopectl/config"
	"github.com/timzifer/scopectl/data"
	"github.com/timzifer/scopectl/runtime/readers"
)

// Camera is a simulated acquisition device rendering frames from an
// expression.
type Camera struct {
	settings CameraSettings
	channels []readers.Channel
	program  *vm.Program
	noise    randomSource
	logger   zerolog.Logger

	mu     sync.Mutex
	frame  int64
	closed bool
}

// NewDeviceFactory returns a factory building simulated cameras.
func NewDeviceFactory() readers.DeviceFactory {
	return func(cfg config.HardwareSourceConfig, deps readers.DeviceDependencies) (readers.Device, error) {
		settings, err := decodeCameraSettings(cfg)
		if err != nil {
			return nil, err
		}
		channels := make([]readers.Channel, 0, len(cfg.Channels))
		for _, ch := range cfg.Channels {
			channels = append(channels, readers.Channel{ID: ch.ID, Name: ch.Name})
		}
		if len(channels) == 0 {
			channels = append(channels, readers.Channel{ID: "sim", Name: "Simulated"})
		}
		cam, err := NewCamera(settings, channels)
		if err != nil {
			return nil, fmt.Errorf("hardware source %s: %w", cfg.ID, err)
		}
		cam.logger = deps.Logger.With().Str("driver", "sim").Logger()
		return cam, nil
	}
}

// NewCamera compiles the pattern expression and prepares the noise source.
func NewCamera(settings CameraSettings, channels []readers.Channel) (*Camera, error) {
	if settings.Pattern == "" {
		settings.Pattern = defaultPattern
	}
	if len(channels) == 0 {
		return nil, errors.New("camera needs at least one channel")
	}
	program, err := expr.Compile(settings.Pattern, expr.Env(patternEnv(0, 0, 0, 0, 0)), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	noise, err := newRandomSource(settings.Source, settings.Seed)
	if err != nil {
		return nil, err
	}
	return &Camera{
		settings: settings,
		channels: channels,
		program:  program,
		noise:    noise,
		logger:   zerolog.Nop(),
	}, nil
}

func patternEnv(x, y, frame, channel, size int) map[string]interface{} {
	return map[string]interface{}{
		"x":       float64(x),
		"y":       float64(y),
		"frame":   float64(frame),
		"channel": float64(channel),
		"size":    float64(size),
		"pi":      math.Pi,
		"sin":     math.Sin,
		"cos":     math.Cos,
		"exp":     math.Exp,
		"sqrt":    math.Sqrt,
		"hypot":   math.Hypot,
	}
}

// Channels returns the configured channels.
func (c *Camera) Channels() []readers.Channel {
	return append([]readers.Channel(nil), c.channels...)
}

// Acquire waits for the exposure and renders one frame per enabled channel.
// Recognised parameters are size (pixels per side) and exposure_ms.
func (c *Camera) Acquire(ctx context.Context, params map[string]interface{}, enabled []bool) ([]*data.DataAndMetadata, error) {
	size, err := intParam(params, "size", defaultSize)
	if err != nil {
		return nil, err
	}
	if size <= 0 || size > maxSize {
		return nil, fmt.Errorf("size must be in 1..%d, got %d", maxSize, size)
	}
	exposureMS, err := floatParam(params, "exposure_ms", 0)
	if err != nil {
		return nil, err
	}
	if exposureMS < 0 {
		return nil, fmt.Errorf("exposure_ms must not be negative")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("sim camera closed")
	}
	c.mu.Unlock()

	if exposureMS > 0 {
		timer := time.NewTimer(time.Duration(exposureMS * float64(time.Millisecond)))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.frame++
	frame := c.frame
	c.mu.Unlock()

	started := time.Now().UTC()
	out := make([]*data.DataAndMetadata, 0, len(c.channels))
	for idx, ch := range c.channels {
		if idx < len(enabled) && !enabled[idx] {
			continue
		}
		values, err := c.render(int(frame), idx, size)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch.ID, err)
		}
		dims := []data.Calibration{data.Identity(), data.Identity()}
		if c.settings.PixelSize > 0 {
			scale := c.settings.PixelSize
			cal := data.NewCalibration(nil, &scale, c.settings.PixelUnits)
			dims = []data.Calibration{cal, cal}
		}
		d, err := data.New(values, []int{size, size},
			data.WithDimensionalCalibrations(dims),
			data.WithIntensityCalibration(data.NewCalibration(nil, nil, c.settings.IntensityUnits)),
			data.WithTimestamp(started),
			data.WithMetadata(map[string]interface{}{
				"channel_id":  ch.ID,
				"frame_index": frame,
				"exposure_ms": exposureMS,
			}),
		)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	c.logger.Trace().Int64("frame", frame).Int("channels", len(out)).Msg("frame acquired")
	return out, nil
}

func (c *Camera) render(frame, channel, size int) ([]float64, error) {
	values := make([]float64, size*size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			result, err := vm.Run(c.program, patternEnv(x, y, frame, channel, size))
			if err != nil {
				return nil, fmt.Errorf("evaluate pattern: %w", err)
			}
			v, err := toFloat(result)
			if err != nil {
				return nil, err
			}
			if c.settings.Noise > 0 {
				sample, err := c.noise.Float64()
				if err != nil {
					return nil, err
				}
				v += (sample - 0.5) * c.settings.Noise
			}
			values[y*size+x] = v
		}
	}
	return values, nil
}

// Close marks the camera closed.
func (c *Camera) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("pattern returned %T, expected number", value)
	}
}

func floatParam(params map[string]interface{}, key string, def float64) (float64, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return def, nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, fmt.Errorf("frame parameter %s: %w", key, err)
	}
	return v, nil
}

func intParam(params map[string]interface{}, key string, def int) (int, error) {
	v, err := floatParam(params, key, float64(def))
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("frame parameter %s: expected integer, got %v", key, v)
	}
	return int(v), nil
}
