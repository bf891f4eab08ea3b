package sim

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"
)

// randomSource abstracts the noise generator of the camera.
type randomSource interface {
	Float64() (float64, error)
}

// pseudoSource wraps math/rand to provide deterministic pseudo random numbers.
type pseudoSource struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

func newPseudoSource(seed *int64) *pseudoSource {
	var src mathrand.Source
	if seed != nil {
		src = mathrand.NewSource(*seed)
	} else {
		src = mathrand.NewSource(time.Now().UnixNano())
	}
	return &pseudoSource{rng: mathrand.New(src)}
}

func (s *pseudoSource) Float64() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64(), nil
}

// secureSource uses crypto/rand.
type secureSource struct{}

func (secureSource) Float64() (float64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	// Mask the sign bit to keep the value in the positive range.
	val := binary.BigEndian.Uint64(buf[:]) & math.MaxInt64
	return float64(val) / float64(math.MaxInt64), nil
}

func newRandomSource(source string, seed *int64) (randomSource, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", "pseudo", "math":
		return newPseudoSource(seed), nil
	case "secure", "crypto":
		return secureSource{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}
