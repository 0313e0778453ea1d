package wefax

import "math"

const (
	tonePeriodMult  = 3600.0 // detector integration length, in pixels, is period*3600/lpm
	toneLevelAveWin = 8
)

// ToneDetector measures the strength of a periodic pattern in the
// discriminator output with a Goertzel filter. The tone period is given in
// pixels, so the detector works on levels rather than audio samples.
type ToneDetector struct {
	lpm int

	period         float64
	coeff          float64
	detectorPeriod int
	q1, q2         float64
	inputCount     int
	levelAve       int
}

// NewToneDetector creates a detector for the given scan rate
func NewToneDetector(linesPerMin int) *ToneDetector {
	return &ToneDetector{lpm: linesPerMin}
}

// Level feeds one discriminator output and returns the sliding average of
// the tone level. A new period resets the filter.
func (t *ToneDetector) Level(period float64, input byte) int {
	if period != t.period {
		t.retune(period)
	}

	q0 := t.coeff*t.q1 - t.q2 + float64(input) - 127.0
	t.q2 = t.q1
	t.q1 = q0

	if t.inputCount >= t.detectorPeriod {
		q1 := t.q1 / t.period
		q2 := t.q2 / t.period
		level := int(q1*q1 + q2*q2 - q1*q2*t.coeff)

		// Integer sliding average, truncating like the level itself
		t.levelAve = (t.levelAve*(toneLevelAveWin-1) + level) / toneLevelAveWin

		t.q1, t.q2 = 0, 0
		t.inputCount = 0
	} else {
		t.inputCount++
	}

	return t.levelAve
}

func (t *ToneDetector) retune(period float64) {
	t.period = period
	t.detectorPeriod = int(period*tonePeriodMult/float64(t.lpm) + 0.5)
	t.coeff = 2.0 * math.Cos(2.0*math.Pi/period)
	t.q1, t.q2 = 0, 0
	t.inputCount = 0
	t.levelAve = 0
}

// Reset clears the filter and forces a retune on the next input
func (t *ToneDetector) Reset() {
	t.period = 0
	t.q1, t.q2 = 0, 0
	t.inputCount = 0
	t.levelAve = 0
}
