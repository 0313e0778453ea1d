package wefax

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChebyshevLowPassResponse(t *testing.T) {
	f, err := NewChebyshev(LowPass, 0.05, 10, 8)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, f.response(0), 1e-6)
	for freq := 0.01; freq <= 0.04; freq += 0.005 {
		r := f.response(freq)
		assert.GreaterOrEqual(t, r, 0.99, "passband %.3f", freq)
		assert.LessOrEqual(t, r, 1.12, "passband %.3f", freq)
	}
	assert.Less(t, f.response(0.1), 1e-3)
	assert.Less(t, f.response(0.25), 1e-3)
}

func TestChebyshevHighPassResponse(t *testing.T) {
	f, err := NewChebyshev(HighPass, 0.1, 10, 8)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, f.response(0.5), 1e-6)
	assert.Less(t, f.response(0.02), 1e-3)
}

func TestChebyshevStep(t *testing.T) {
	f, err := NewChebyshev(LowPass, 0.05, 10, 8)
	require.NoError(t, err)

	y := 0.0
	for i := 0; i < 2000; i++ {
		y = f.Filter(1)
	}
	assert.InDelta(t, 1.0, y, 1e-3)

	f.Reset()
	assert.Equal(t, 0.0, f.Filter(0))
}

func TestChebyshevStopband(t *testing.T) {
	f, err := NewChebyshev(LowPass, 0.05, 10, 8)
	require.NoError(t, err)

	buf := make([]float64, 4000)
	for i := range buf {
		buf[i] = math.Sin(2 * math.Pi * 0.2 * float64(i))
	}
	f.FilterBlock(buf)

	peak := 0.0
	for _, v := range buf[1000:] {
		peak = math.Max(peak, math.Abs(v))
	}
	assert.Less(t, peak, 1e-3)
}

func TestChebyshevRejectsBadDesign(t *testing.T) {
	_, err := NewChebyshev(LowPass, 0.1, 10, 7)
	assert.Error(t, err)
	_, err = NewChebyshev(LowPass, 0.1, 10, 22)
	assert.Error(t, err)
	_, err = NewChebyshev(LowPass, 0, 10, 4)
	assert.Error(t, err)
	_, err = NewChebyshev(LowPass, 0.1, 30, 4)
	assert.Error(t, err)

	f, err := NewChebyshev(LowPass, 0.7, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.49, f.cutoff)

	a, b := f.Coefficients()
	assert.Len(t, a, 3)
	assert.Len(t, b, 3)
}
