package wefax

// Hysteresis thresholds for the start and stop tone gates
const (
	StartToneUp   = 300000
	StartToneDown = 100000
	StopToneUp    = 300000
	StopToneDown  = 100000
)

// ToneGate reports a tone once its level has risen above the upper
// threshold and then fallen below the lower one.
type ToneGate struct {
	detector *ToneDetector
	period   float64
	up, down int

	toneUp bool
	level  int
}

// NewToneGate wires a detector tuned to period (pixels) to a hysteresis gate
func NewToneGate(detector *ToneDetector, period float64, up, down int) *ToneGate {
	return &ToneGate{
		detector: detector,
		period:   period,
		up:       up,
		down:     down,
	}
}

// NewStartGate returns the start tone gate for cfg
func NewStartGate(cfg WEFAXConfig) *ToneGate {
	return NewToneGate(NewToneDetector(cfg.LPM), cfg.StartTonePeriod(), StartToneUp, StartToneDown)
}

// NewStopGate returns the stop tone gate for cfg
func NewStopGate(cfg WEFAXConfig) *ToneGate {
	return NewToneGate(NewToneDetector(cfg.LPM), cfg.StopTonePeriod(), StopToneUp, StopToneDown)
}

// Feed passes one discriminator level through the detector and gate
func (g *ToneGate) Feed(input byte) bool {
	return g.Step(g.detector.Level(g.period, input))
}

// Step applies the hysteresis to a tone level. It returns true exactly once
// per up/down cycle.
func (g *ToneGate) Step(level int) bool {
	g.level = level
	if level > g.up {
		g.toneUp = true
	}
	if level < g.down && g.toneUp {
		g.toneUp = false
		return true
	}
	return false
}

// Level is the most recent tone level
func (g *ToneGate) Level() int { return g.level }

func (g *ToneGate) Reset() {
	g.toneUp = false
	g.level = 0
	g.detector.Reset()
}
