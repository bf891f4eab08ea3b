package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrShape is returned when data does not match its declared shape.
var ErrShape = errors.New("data shape mismatch")

// DataAndMetadata is a calibrated multi-dimensional buffer with attached metadata.
//
// Data is stored row-major; the last dimension varies fastest.
type DataAndMetadata struct {
	Data                    []float64              `json:"data"`
	Shape                   []int                  `json:"shape"`
	IntensityCalibration    Calibration            `json:"intensity_calibration"`
	DimensionalCalibrations []Calibration          `json:"dimensional_calibrations"`
	Metadata                map[string]interface{} `json:"metadata,omitempty"`
	Timestamp               time.Time              `json:"timestamp"`
}

// Option customises DataAndMetadata construction.
type Option func(*DataAndMetadata)

// WithIntensityCalibration sets the intensity calibration.
func WithIntensityCalibration(cal Calibration) Option {
	return func(d *DataAndMetadata) {
		d.IntensityCalibration = cal
	}
}

// WithDimensionalCalibrations sets one calibration per dimension.
func WithDimensionalCalibrations(cals []Calibration) Option {
	return func(d *DataAndMetadata) {
		d.DimensionalCalibrations = append([]Calibration(nil), cals...)
	}
}

// WithMetadata attaches JSON-serialisable metadata.
func WithMetadata(metadata map[string]interface{}) Option {
	return func(d *DataAndMetadata) {
		d.Metadata = metadata
	}
}

// WithTimestamp overrides the creation timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(d *DataAndMetadata) {
		d.Timestamp = ts
	}
}

// New validates and assembles a DataAndMetadata value.
func New(values []float64, shape []int, opts ...Option) (*DataAndMetadata, error) {
	size, err := shapeSize(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != size {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(values), shape)
	}
	d := &DataAndMetadata{
		Data:                 values,
		Shape:                append([]int(nil), shape...),
		IntensityCalibration: Identity(),
		Timestamp:            time.Now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	switch {
	case len(d.DimensionalCalibrations) == 0:
		d.DimensionalCalibrations = make([]Calibration, len(shape))
		for i := range d.DimensionalCalibrations {
			d.DimensionalCalibrations[i] = Identity()
		}
	case len(d.DimensionalCalibrations) != len(shape):
		return nil, fmt.Errorf("%w: %d dimensional calibrations for %d dimensions", ErrShape, len(d.DimensionalCalibrations), len(shape))
	}
	if d.Metadata != nil {
		if _, err := json.Marshal(d.Metadata); err != nil {
			return nil, fmt.Errorf("metadata is not JSON serialisable: %w", err)
		}
	}
	return d, nil
}

func shapeSize(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("%w: empty shape", ErrShape)
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return 0, fmt.Errorf("%w: non-positive dimension in %v", ErrShape, shape)
		}
		if size > math.MaxInt/dim {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrShape, shape)
		}
		size *= dim
	}
	return size, nil
}

// Size returns the number of elements.
func (d *DataAndMetadata) Size() int {
	if d == nil {
		return 0
	}
	return len(d.Data)
}

// Datum returns the raw element at the given index.
func (d *DataAndMetadata) Datum(index ...int) (float64, error) {
	if d == nil {
		return 0, errors.New("data is nil")
	}
	if len(index) != len(d.Shape) {
		return 0, fmt.Errorf("%w: index %v for shape %v", ErrShape, index, d.Shape)
	}
	offset := 0
	for i, idx := range index {
		if idx < 0 || idx >= d.Shape[i] {
			return 0, fmt.Errorf("index %v out of range for shape %v", index, d.Shape)
		}
		offset = offset*d.Shape[i] + idx
	}
	return d.Data[offset], nil
}

// CalibratedDatum returns the element at the given index with the intensity calibration applied.
func (d *DataAndMetadata) CalibratedDatum(index ...int) (float64, error) {
	value, err := d.Datum(index...)
	if err != nil {
		return 0, err
	}
	return d.IntensityCalibration.Convert(value), nil
}

// Clone returns a deep copy.
func (d *DataAndMetadata) Clone() *DataAndMetadata {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Data = append([]float64(nil), d.Data...)
	clone.Shape = append([]int(nil), d.Shape...)
	clone.DimensionalCalibrations = append([]Calibration(nil), d.DimensionalCalibrations...)
	clone.Metadata = cloneMetadata(d.Metadata)
	return &clone
}

func cloneMetadata(src map[string]interface{}) map[string]interface{} {
	if src == nil {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case map[string]interface{}:
			dst[key] = cloneMetadata(v)
		case []interface{}:
			dst[key] = append([]interface{}(nil), v...)
		default:
			dst[key] = value
		}
	}
	return dst
}
