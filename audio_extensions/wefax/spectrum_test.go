package wefax

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTuner struct {
	freq   int
	setErr error
}

func (f *fakeTuner) Frequency(context.Context) (int, error) { return f.freq, nil }

func (f *fakeTuner) SetFrequency(_ context.Context, hz int) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.freq = hz
	return nil
}

func toneSpectrum(t *testing.T, freq float64) *Spectrum {
	t.Helper()
	s := NewSpectrum(48000, 200)
	require.Equal(t, 16384, s.fftSize)

	tap := SpectrumTap{Source: NewSliceSource(toneSamples(freq, 48000, 2*16384, 8000)), Spectrum: s}
	for {
		if _, err := tap.NextSample(); err != nil {
			break
		}
	}
	return s
}

func TestSpectrumColumns(t *testing.T) {
	s := NewSpectrum(48000, 200)
	assert.Equal(t, 200, s.Width())
	assert.Equal(t, SpectrumLowerFreq, s.AudioFreq(0))
	assert.Equal(t, 1800, s.AudioFreq(100))
	assert.Len(t, s.Columns(), 200)
}

func TestSpectrumPeakNear(t *testing.T) {
	s := toneSpectrum(t, 1800)
	assert.Equal(t, 100, s.PeakNear(101))
	assert.Equal(t, 100, s.PeakNear(95))
}

func TestPeakNearSearchWindow(t *testing.T) {
	cols := make([]float64, 50)
	cols[3] = 1
	cols[30] = 5
	assert.Equal(t, 3, peakNear(cols, 1))
	assert.Equal(t, 30, peakNear(cols, 25))
	// Nothing in range keeps the clicked column
	assert.Equal(t, 44, peakNear(cols, 45))
}

func TestTuneToClick(t *testing.T) {
	s := toneSpectrum(t, 1800)
	tuner := &fakeTuner{freq: 8000000}

	freq, err := TuneToClick(context.Background(), tuner, s, 101, 2300)
	require.NoError(t, err)
	assert.Equal(t, 7999500, freq)
	assert.Equal(t, 7999500, tuner.freq)

	tuner.setErr = errors.New("rig busy")
	_, err = TuneToClick(context.Background(), tuner, s, 101, 2300)
	assert.ErrorIs(t, err, tuner.setErr)

	_, err = TuneToClick(context.Background(), nil, s, 101, 2300)
	assert.Error(t, err)

	tuner.setErr = nil
	for _, x := range []float64{-300, -0.5, 200, 5000} {
		_, err = TuneToClick(context.Background(), tuner, s, x, 2300)
		assert.ErrorIs(t, err, ErrColumnRange, "x=%v", x)
	}
	assert.Equal(t, 7999500, tuner.freq, "out of range clicks do not retune")
}
