package wefax

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Audio range covered by the tuning spectrum
const (
	SpectrumLowerFreq = 1200
	SpectrumUpperFreq = 2400
	tuneSearchBins    = 10
)

// Tuner is a receiver whose dial frequency can be read and changed
type Tuner interface {
	Frequency(ctx context.Context) (int, error)
	SetFrequency(ctx context.Context, hz int) error
}

// Spectrum keeps an averaged magnitude spectrum of the received audio
// between SpectrumLowerFreq and SpectrumUpperFreq, resampled to width
// columns. It is used to tune the receiver by clicking on a signal.
type Spectrum struct {
	mu sync.Mutex

	sampleRate int
	fftSize    int
	width      int

	window      []float64
	buffer      []float64
	bufferIndex int
	fftInstance *fourier.FFT

	columnBins []int     // FFT bin for each display column
	average    []float64 // averaged magnitude per column
	updates    int
}

// NewSpectrum creates an analyzer with width display columns
func NewSpectrum(sampleRate, width int) *Spectrum {
	fftSize := 1
	for fftSize < sampleRate/4 {
		fftSize <<= 1
	}
	if width < 1 {
		width = 1
	}

	s := &Spectrum{
		sampleRate:  sampleRate,
		fftSize:     fftSize,
		width:       width,
		window:      make([]float64, fftSize),
		buffer:      make([]float64, fftSize),
		fftInstance: fourier.NewFFT(fftSize),
		columnBins:  make([]int, width),
		average:     make([]float64, width),
	}

	// Hann window
	for i := 0; i < fftSize; i++ {
		s.window[i] = 0.5 * (1.0 - math.Cos(2.0*math.Pi*float64(i)/float64(fftSize-1)))
	}

	df := float64(sampleRate) / float64(fftSize)
	for c := 0; c < width; c++ {
		s.columnBins[c] = int(math.Round(float64(s.AudioFreq(c)) / df))
	}
	return s
}

// Add feeds one audio sample; a new spectrum is computed every fftSize samples
func (s *Spectrum) Add(sample int16) {
	s.buffer[s.bufferIndex] = float64(sample)
	s.bufferIndex++
	if s.bufferIndex >= s.fftSize {
		s.bufferIndex = 0
		s.compute()
	}
}

func (s *Spectrum) compute() {
	windowed := make([]float64, s.fftSize)
	floats.MulTo(windowed, s.buffer, s.window)
	coeffs := s.fftInstance.Coefficients(nil, windowed)

	s.mu.Lock()
	defer s.mu.Unlock()
	for c, bin := range s.columnBins {
		mag := 0.0
		if bin < len(coeffs) {
			mag = math.Hypot(real(coeffs[bin]), imag(coeffs[bin])) / float64(s.fftSize)
		}
		if s.updates == 0 {
			s.average[c] = mag
		} else {
			s.average[c] = (s.average[c] + mag) / 2
		}
	}
	s.updates++
}

// Width is the number of display columns
func (s *Spectrum) Width() int { return s.width }

// Columns returns a copy of the averaged magnitudes
func (s *Spectrum) Columns() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.average...)
}

// AudioFreq maps a display column to its audio frequency in Hz
func (s *Spectrum) AudioFreq(column int) int {
	return SpectrumLowerFreq + (SpectrumUpperFreq-SpectrumLowerFreq)*column/s.width
}

// PeakNear returns the strongest column within tuneSearchBins of the
// clicked position x.
func (s *Spectrum) PeakNear(x float64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return peakNear(s.average, x)
}

func peakNear(columns []float64, x float64) int {
	idx := int(x - 0.5)
	from := max(idx-tuneSearchBins, 0)
	to := min(idx+tuneSearchBins, len(columns)-1)

	best, bestIdx := 0.0, idx
	for i := from; i < to; i++ {
		if best < columns[i] {
			best = columns[i]
			bestIdx = i
		}
	}
	return bestIdx
}

// ErrColumnRange is returned for a click outside the spectrum
var ErrColumnRange = errors.New("column outside the spectrum")

// TuneToClick moves the receiver so the signal nearest column x lands on
// the white frequency. It returns the new dial frequency.
func TuneToClick(ctx context.Context, tuner Tuner, spec *Spectrum, x float64, whiteFreq int) (int, error) {
	if tuner == nil {
		return 0, fmt.Errorf("tune: no receiver control configured")
	}
	if x < 0 || x >= float64(spec.Width()) {
		return 0, fmt.Errorf("tune: column %.1f: %w", x, ErrColumnRange)
	}
	audio := spec.AudioFreq(spec.PeakNear(x))

	freq, err := tuner.Frequency(ctx)
	if err != nil {
		return 0, fmt.Errorf("tune: reading frequency: %w", err)
	}
	freq += audio - whiteFreq
	if err := tuner.SetFrequency(ctx, freq); err != nil {
		return 0, fmt.Errorf("tune: setting frequency %d: %w", freq, err)
	}
	return freq, nil
}

// SpectrumTap copies every sample read from Source into Spectrum
type SpectrumTap struct {
	Source   SampleSource
	Spectrum *Spectrum
}

func (t SpectrumTap) NextSample() (int16, error) {
	v, err := t.Source.NextSample()
	if err == nil {
		t.Spectrum.Add(v)
	}
	return v, err
}
