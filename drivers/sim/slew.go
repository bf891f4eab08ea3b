package sim

import (
	"time"

	"github.com/shopspring/decimal"
)

// slewed follows a target at a bounded rate.
type slewed struct {
	target  float64
	value   float64
	updated time.Time
}

// advance moves the value towards the target by at most rate*dt.
func (s *slewed) advance(now time.Time, rate float64) {
	if rate <= 0 {
		s.value = s.target
		s.updated = now
		return
	}
	dt := now.Sub(s.updated).Seconds()
	if dt <= 0 {
		return
	}
	step := rate * dt
	delta := s.target - s.value
	if delta > step {
		delta = step
	}
	if delta < -step {
		delta = -step
	}
	s.value += delta
	s.updated = now
}

func (s *slewed) settled() bool {
	return s.value == s.target
}

// quantize rounds value to the nearest multiple of resolution using exact
// decimal arithmetic.
func quantize(value, resolution float64) float64 {
	if resolution <= 0 {
		return value
	}
	step := decimal.NewFromFloat(resolution)
	q := decimal.NewFromFloat(value).Div(step).Round(0).Mul(step)
	out, _ := q.Float64()
	return out
}
