package connections

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeHandle struct{ closed int }

func (f *fakeHandle) Close() error {
	f.closed++
	return nil
}

func TestPoolSharesHandlesByKey(t *testing.T) {
	pool := NewPool()
	dials := 0
	dial := func(string) (Handle, error) {
		dials++
		return &fakeHandle{}, nil
	}

	a, releaseA, err := pool.Acquire("10.0.0.1:502", dial)
	require.NoError(t, err)
	b, releaseB, err := pool.Acquire("10.0.0.1:502", dial)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Equal(t, 1, dials)
	require.Equal(t, 1, pool.Len())

	require.NoError(t, releaseA())
	require.NoError(t, releaseA())
	require.Zero(t, a.(*fakeHandle).closed)
	require.NoError(t, releaseB())
	require.Equal(t, 1, a.(*fakeHandle).closed)
	require.Zero(t, pool.Len())
}

func TestPoolDialFailureAndClose(t *testing.T) {
	pool := NewPool()
	_, _, err := pool.Acquire("bad", func(string) (Handle, error) { return nil, errors.New("refused") })
	require.Error(t, err)

	h, _, err := pool.Acquire("ok", func(string) (Handle, error) { return &fakeHandle{}, nil })
	require.NoError(t, err)
	require.NoError(t, pool.Close())
	require.Equal(t, 1, h.(*fakeHandle).closed)

	_, _, err = pool.Acquire("ok", func(string) (Handle, error) { return &fakeHandle{}, nil })
	require.ErrorIs(t, err, ErrClosed)
}
