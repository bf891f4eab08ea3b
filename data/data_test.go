package data

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalibrationConvert(t *testing.T) {
	offset, scale := 10.0, 0.5
	cal := NewCalibration(&offset, &scale, "nm")
	require.Equal(t, 12.0, cal.Convert(4))

	raw, err := cal.ConvertBack(12)
	require.NoError(t, err)
	require.Equal(t, 4.0, raw)

	inv, err := cal.Inverse()
	require.NoError(t, err)
	require.InDelta(t, 4.0, inv.Convert(12), 1e-12)
}

func TestCalibrationDefaults(t *testing.T) {
	cal := NewCalibration(nil, nil, "")
	require.True(t, cal.IsIdentity())
	require.Equal(t, 3.0, cal.Convert(3))
}

func TestCalibrationZeroScale(t *testing.T) {
	cal := Calibration{Offset: 1}
	_, err := cal.ConvertBack(1)
	require.Error(t, err)
	_, err = cal.Inverse()
	require.Error(t, err)
}

func TestCalibrationFormat(t *testing.T) {
	cal := Calibration{Offset: 0.1, Scale: 0.2, Units: "eV"}
	require.Equal(t, "0.70 eV", cal.Format(3, 2))
	require.Equal(t, "3", Identity().Format(3, 0))
	require.Contains(t, Identity().Format(math.Inf(1), 2), "Inf")
}

func TestNewValidatesShape(t *testing.T) {
	_, err := New([]float64{1, 2, 3}, []int{2, 2})
	require.True(t, errors.Is(err, ErrShape))

	_, err = New(nil, nil)
	require.True(t, errors.Is(err, ErrShape))

	_, err = New([]float64{1, 2}, []int{2}, WithDimensionalCalibrations([]Calibration{Identity(), Identity()}))
	require.True(t, errors.Is(err, ErrShape))

	_, err = New([]float64{1}, []int{math.MaxInt / 2, 3})
	require.True(t, errors.Is(err, ErrShape))
	require.ErrorContains(t, err, "overflows")
}

func TestNewRejectsUnserialisableMetadata(t *testing.T) {
	_, err := New([]float64{1}, []int{1}, WithMetadata(map[string]interface{}{"fn": func() {}}))
	require.Error(t, err)
}

func TestDatumRowMajor(t *testing.T) {
	d, err := New([]float64{0, 1, 2, 3, 4, 5}, []int{2, 3},
		WithIntensityCalibration(Calibration{Offset: 1, Scale: 2}))
	require.NoError(t, err)
	require.Len(t, d.DimensionalCalibrations, 2)

	v, err := d.Datum(1, 2)
	require.NoError(t, err)
	require.Equal(t, 5.0, v)

	c, err := d.CalibratedDatum(1, 0)
	require.NoError(t, err)
	require.Equal(t, 7.0, c)

	_, err = d.Datum(2, 0)
	require.Error(t, err)
	_, err = d.Datum(0)
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	d, err := New([]float64{1, 2}, []int{2}, WithMetadata(map[string]interface{}{
		"hardware": map[string]interface{}{"exposure_ms": 10.0},
	}))
	require.NoError(t, err)

	clone := d.Clone()
	clone.Data[0] = 99
	clone.Metadata["hardware"].(map[string]interface{})["exposure_ms"] = 20.0

	require.Equal(t, 1.0, d.Data[0])
	require.Equal(t, 10.0, d.Metadata["hardware"].(map[string]interface{})["exposure_ms"])
	require.Equal(t, 2, clone.Size())
}
