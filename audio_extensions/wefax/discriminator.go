package wefax

import (
	"fmt"
	"math"
)

const (
	discrScale         = 3.0 // zero crossing frequency to level divisor
	discrFloor         = 510 // subtracted after scaling, maps ~1530 Hz to 0
	sigAveWindow       = 20.0
	bilevelScaleFactor = 750.0
)

// SampleSource delivers raw signed 16-bit audio samples one at a time.
// Implementations block until a sample is available or return an error
// (io.EOF at the end of a finite stream).
type SampleSource interface {
	NextSample() (int16, error)
}

// Discriminator turns audio into one 0-255 pixel level per pixel period
type Discriminator interface {
	SampleLevel() (byte, error)
}

// NewDiscriminator builds the discriminator selected by cfg.Detector
func NewDiscriminator(cfg WEFAXConfig, src SampleSource) (Discriminator, error) {
	switch cfg.Detector {
	case DetectorZeroCrossing, "":
		return NewZeroCrossing(cfg, src), nil
	case DetectorBilevel:
		return NewBilevel(cfg, src), nil
	}
	return nil, fmt.Errorf("%w: detector %q", ErrInvalidConfig, cfg.Detector)
}

// ZeroCrossing estimates the instantaneous frequency from the spacing of
// zero crossings of a smoothed signal. Fractional pixel lengths carry over
// from one pixel to the next.
type ZeroCrossing struct {
	src       SampleSource
	rate      float64
	pixelLen  float64
	minCycle3 int

	samplesUsed   float64
	zerosPeriod   float64
	signalFreq    float64
	newAvg        float64
	lastAvg       float64
	interp        float64
	periodCntIncr int
	numZeros      int
	interZero     int
}

// NewZeroCrossing creates a zero crossing discriminator reading from src
func NewZeroCrossing(cfg WEFAXConfig, src SampleSource) *ZeroCrossing {
	return &ZeroCrossing{
		src:       src,
		rate:      float64(cfg.SampleRate),
		pixelLen:  cfg.PixelLen(),
		minCycle3: cfg.SampleRate / cfg.WhiteFreq / 3,
	}
}

// SampleLevel consumes one pixel worth of samples and returns its level
func (z *ZeroCrossing) SampleLevel() (byte, error) {
	for z.samplesUsed < z.pixelLen {
		s, err := z.src.NextSample()
		if err != nil {
			return 0, err
		}

		z.newAvg = (z.newAvg*(sigAveWindow-1) + float64(s)) / sigAveWindow

		z.interZero++
		if z.newAvg*z.lastAvg <= 0 && z.interZero >= z.minCycle3 {
			if d := z.lastAvg - z.newAvg; d != 0 {
				z.interp = z.newAvg / d
			}
			z.interp = math.Max(-1, math.Min(1, z.interp))

			z.numZeros++
			z.periodCntIncr = 0
			z.interZero = 0
		}
		z.lastAvg = z.newAvg

		z.zerosPeriod++
		z.periodCntIncr++
		z.samplesUsed++
	}

	if z.numZeros > 0 {
		z.zerosPeriod += z.interp
		halfCycle := (z.zerosPeriod - float64(z.periodCntIncr)) / float64(z.numZeros)
		if halfCycle != 0 {
			z.signalFreq = z.rate / 2 / halfCycle
		}
		// Samples after the last crossing belong to the next measurement
		z.zerosPeriod = float64(z.periodCntIncr) - z.interp
		z.periodCntIncr = 0
	}
	z.numZeros = 0
	z.samplesUsed -= z.pixelLen

	return clampLevel(z.signalFreq/discrScale - discrFloor), nil
}

// Bilevel compares Goertzel energies at the black and white frequencies
// over a short window and quantizes the ratio to five levels.
type Bilevel struct {
	src      SampleSource
	pixelLen float64
	pixelIdx float64

	ring       *Ring[int16]
	blackCoeff float64
	whiteCoeff float64
	scale      float64
}

// NewBilevel creates a bilevel discriminator reading from src
func NewBilevel(cfg WEFAXConfig, src SampleSource) *Bilevel {
	rate := float64(cfg.SampleRate)
	detPeriod := cfg.SampleRate / (cfg.WhiteFreq - cfg.BlackFreq)
	return &Bilevel{
		src:        src,
		pixelLen:   cfg.PixelLen(),
		ring:       NewRing[int16](detPeriod),
		blackCoeff: 2 * math.Cos(2*math.Pi/rate*float64(cfg.BlackFreq)),
		whiteCoeff: 2 * math.Cos(2*math.Pi/rate*float64(cfg.WhiteFreq)),
		scale:      float64(detPeriod) * bilevelScaleFactor,
	}
}

// SampleLevel consumes one pixel worth of samples and returns 0, 64, 128,
// 196 or 255.
func (b *Bilevel) SampleLevel() (byte, error) {
	for b.pixelIdx < b.pixelLen {
		s, err := b.src.NextSample()
		if err != nil {
			return 0, err
		}
		b.ring.Put(s)
		b.pixelIdx++
	}
	b.pixelIdx -= b.pixelLen

	var bq1, bq2, wq1, wq2 float64
	n := b.ring.Len()
	start := b.ring.Input() // oldest sample
	for i := 0; i < n; i++ {
		v := float64(b.ring.At(start + i))
		bq1, bq2 = b.blackCoeff*bq1-bq2+v, bq1
		wq1, wq2 = b.whiteCoeff*wq1-wq2+v, wq1
	}

	black := goertzelPower(bq1/b.scale, bq2/b.scale, b.blackCoeff)
	white := goertzelPower(wq1/b.scale, wq2/b.scale, b.whiteCoeff)
	return bilevelQuantize(black, white), nil
}

func goertzelPower(q1, q2, coeff float64) int {
	return int(q1*q1 + q2*q2 - q1*q2*coeff)
}

func bilevelQuantize(black, white int) byte {
	switch {
	case black > 8*white:
		return 0
	case black > 4*white:
		return 64
	case white < 4*black:
		return 128
	case white < 8*black:
		return 196
	}
	return 255
}

func clampLevel(v float64) byte {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return byte(v)
}
