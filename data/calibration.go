package data

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Calibration maps raw values onto calibrated values:
//
//	calibrated = Offset + value*Scale
type Calibration struct {
	Offset float64 `json:"offset"`
	Scale  float64 `json:"scale"`
	Units  string  `json:"units,omitempty"`
}

// NewCalibration returns a calibration; nil offset and scale default to 0 and 1.
func NewCalibration(offset, scale *float64, units string) Calibration {
	cal := Calibration{Scale: 1, Units: units}
	if offset != nil {
		cal.Offset = *offset
	}
	if scale != nil {
		cal.Scale = *scale
	}
	return cal
}

// Identity returns the uncalibrated mapping.
func Identity() Calibration {
	return Calibration{Scale: 1}
}

// IsIdentity reports whether the calibration leaves values unchanged.
func (c Calibration) IsIdentity() bool {
	return c.Offset == 0 && c.Scale == 1 && c.Units == ""
}

// Convert returns the calibrated value for a raw value.
func (c Calibration) Convert(value float64) float64 {
	return c.Offset + value*c.Scale
}

// ConvertBack returns the raw value for a calibrated value.
func (c Calibration) ConvertBack(calibrated float64) (float64, error) {
	if c.Scale == 0 {
		return 0, fmt.Errorf("calibration scale is zero")
	}
	return (calibrated - c.Offset) / c.Scale, nil
}

// Inverse returns the calibration mapping calibrated values back to raw values.
func (c Calibration) Inverse() (Calibration, error) {
	if c.Scale == 0 {
		return Calibration{}, fmt.Errorf("calibration scale is zero")
	}
	return Calibration{Offset: -c.Offset / c.Scale, Scale: 1 / c.Scale}, nil
}

// Format renders the calibrated value rounded to the given number of decimal places.
func (c Calibration) Format(value float64, places int32) string {
	calibrated := c.Convert(value)
	if math.IsNaN(calibrated) || math.IsInf(calibrated, 0) {
		return strings.TrimSpace(fmt.Sprintf("%v %s", calibrated, c.Units))
	}
	rendered := decimal.NewFromFloat(calibrated).Round(places).StringFixed(places)
	if c.Units == "" {
		return rendered
	}
	return rendered + " " + c.Units
}
