package sim

import (
	"fmt"

	"github.com/timzifer/scopectl/config"
)

const (
	defaultPattern = "exp(-((x - size/2)^2 + (y - size/2)^2) / (2 * (size/8)^2)) * (channel + 1)"
	defaultSize    = 16
	maxSize        = 8192
)

// WriterSettings describes driver_settings of simulated instruments.
type WriterSettings struct {
	// Rate limits how fast read-back follows applied outputs, in units per
	// second. Zero makes read-back follow immediately.
	Rate float64 `json:"rate,omitempty"`
	// Offset is added to every read-back. A non-zero offset models a control
	// that never converges.
	Offset float64 `json:"offset,omitempty"`
	// Resolution quantises applied outputs to multiples of the DAC step.
	Resolution float64 `json:"resolution,omitempty"`
	// Controls overrides settings per control.
	Controls map[string]ControlSettings `json:"controls,omitempty"`
}

// ControlSettings overrides WriterSettings for a single control.
type ControlSettings struct {
	Rate       *float64 `json:"rate,omitempty"`
	Offset     *float64 `json:"offset,omitempty"`
	Resolution *float64 `json:"resolution,omitempty"`
}

type resolvedControl struct {
	rate       float64
	offset     float64
	resolution float64
}

func (s WriterSettings) resolve(control string) resolvedControl {
	out := resolvedControl{rate: s.Rate, offset: s.Offset, resolution: s.Resolution}
	if override, ok := s.Controls[control]; ok {
		if override.Rate != nil {
			out.rate = *override.Rate
		}
		if override.Offset != nil {
			out.offset = *override.Offset
		}
		if override.Resolution != nil {
			out.resolution = *override.Resolution
		}
	}
	return out
}

func (s WriterSettings) validate() error {
	if s.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	if s.Resolution < 0 {
		return fmt.Errorf("resolution must not be negative")
	}
	for name, ctrl := range s.Controls {
		if ctrl.Rate != nil && *ctrl.Rate < 0 {
			return fmt.Errorf("control %s: rate must not be negative", name)
		}
		if ctrl.Resolution != nil && *ctrl.Resolution < 0 {
			return fmt.Errorf("control %s: resolution must not be negative", name)
		}
	}
	return nil
}

// CameraSettings describes driver_settings of simulated cameras.
type CameraSettings struct {
	// Pattern is an expression over x, y, frame, channel and size giving
	// the noiseless pixel value.
	Pattern string `json:"pattern,omitempty"`
	// Noise is the peak-to-peak amplitude of uniform noise added per pixel.
	Noise float64 `json:"noise,omitempty"`
	// Source selects the noise generator: pseudo (default) or secure.
	Source string `json:"source,omitempty"`
	// Seed makes pseudo noise reproducible.
	Seed *int64 `json:"seed,omitempty"`
	// PixelSize calibrates both spatial dimensions when non-zero.
	PixelSize float64 `json:"pixel_size,omitempty"`
	// PixelUnits names the spatial calibration units.
	PixelUnits string `json:"pixel_units,omitempty"`
	// IntensityUnits names the intensity calibration units.
	IntensityUnits string `json:"intensity_units,omitempty"`
}

func decodeWriterSettings(cfg config.InstrumentConfig) (WriterSettings, error) {
	var settings WriterSettings
	if err := config.DecodeSettings(cfg.DriverSettings, &settings); err != nil {
		return WriterSettings{}, fmt.Errorf("instrument %s: decode sim settings: %w", cfg.ID, err)
	}
	if err := settings.validate(); err != nil {
		return WriterSettings{}, fmt.Errorf("instrument %s: %w", cfg.ID, err)
	}
	return settings, nil
}

func decodeCameraSettings(cfg config.HardwareSourceConfig) (CameraSettings, error) {
	var settings CameraSettings
	if err := config.DecodeSettings(cfg.DriverSettings, &settings); err != nil {
		return CameraSettings{}, fmt.Errorf("hardware source %s: decode sim settings: %w", cfg.ID, err)
	}
	if settings.Pattern == "" {
		settings.Pattern = defaultPattern
	}
	if settings.Noise < 0 {
		return CameraSettings{}, fmt.Errorf("hardware source %s: noise must not be negative", cfg.ID)
	}
	return settings, nil
}
