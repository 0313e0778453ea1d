package wefax

const (
	PhasingPulseLen = 55   // width of the phasing pulse in pixels (at 1200 ppl)
	phasingPulseWin = 32.0 // sliding average window used to locate the pulse
)

// Phasing aligns the line buffer input index to the phasing pulses sent
// before an image. The pulse is steered towards ppl/2+PhasingPulseLen, so
// that once the output index is set half a line behind, image lines start
// just after the pulse.
type Phasing struct {
	ppl   int
	ref   int
	lines int

	pixelIdx  int
	count     int
	lastError int
	lastLimit int
	lastPeak  int
}

// NewPhasing creates a synchronizer for ppl pixel lines that finishes after
// more than phasingLines pulse lines.
func NewPhasing(ppl, phasingLines int) *Phasing {
	return &Phasing{
		ppl:   ppl,
		ref:   ppl/2 + PhasingPulseLen,
		lines: phasingLines,
	}
}

// Push stores one discriminator level in buf and, at the end of each line,
// corrects the input index by the clamped pulse position error. It returns
// true once enough lines were examined; buf's output index then points half
// a line behind the end of the buffer.
func (p *Phasing) Push(buf *Ring[byte], level byte) bool {
	buf.PutWithin(level, p.ppl)

	p.pixelIdx++
	if p.pixelIdx < p.ppl {
		return false
	}
	p.pixelIdx = 0

	peak, peakIdx := -256, 0
	ave := 0.0
	for i := 0; i < p.ppl; i++ {
		ave = (ave*(phasingPulseWin-1) + float64(buf.At(i))) / phasingPulseWin
		if peak < int(ave) {
			peak = int(ave)
			peakIdx = i
		}
	}

	p.count++
	limit := p.ppl / 2 / p.count
	err := peakIdx - p.ref
	if err > limit {
		err = limit
	} else if err < -limit {
		err = -limit
	}
	p.lastError = err
	p.lastLimit = limit
	p.lastPeak = peak

	buf.SetInput(wrapIndex(buf.Input()-err, p.ppl))

	if p.count > p.lines {
		buf.SetOutput(buf.Len() - p.ppl/2)
		p.Reset()
		return true
	}
	return false
}

// Reset discards partial progress
func (p *Phasing) Reset() {
	p.pixelIdx = 0
	p.count = 0
}

// Lines is the number of complete pulse lines examined so far
func (p *Phasing) Lines() int { return p.count }

// LastError is the clamped correction applied at the last line
func (p *Phasing) LastError() int { return p.lastError }

// ErrorLimit is the clamp applied at the last line
func (p *Phasing) ErrorLimit() int { return p.lastLimit }
