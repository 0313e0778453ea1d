package wefax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// pulseLevel is the phasing signal at stream position s: a white pulse of
// PhasingPulseLen pixels starting offset pixels into every line.
func pulseLevel(s, offset, ppl int) byte {
	if wrapIndex(s-offset, ppl) < PhasingPulseLen {
		return 255
	}
	return 0
}

func TestPhasingConverges(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const ppl, lines = 600, 10
		offset := rapid.IntRange(0, ppl-1).Draw(t, "offset")

		buf := NewRing[byte](2 * ppl)
		p := NewPhasing(ppl, lines)

		done := -1
		for s := 0; s < (lines+2)*ppl; s++ {
			if p.Push(buf, pulseLevel(s, offset, ppl)) {
				done = s
				break
			}
		}

		if done != (lines+1)*ppl-1 {
			t.Fatalf("phasing finished at pixel %d", done)
		}
		if p.LastError() != 0 {
			t.Fatalf("residual error %d", p.LastError())
		}
		if buf.Output() != 2*ppl-ppl/2 {
			t.Fatalf("output index %d", buf.Output())
		}
		// Pulse ends at the reference position
		for i := p.ref - PhasingPulseLen + 1; i <= p.ref; i++ {
			if buf.At(i) != 255 {
				t.Fatalf("pixel %d not in pulse", i)
			}
		}
		if buf.At(p.ref+1) != 0 {
			t.Fatalf("pulse extends past reference")
		}
	})
}

func TestPhasingErrorLimitShrinks(t *testing.T) {
	const ppl = 600
	buf := NewRing[byte](2 * ppl)
	p := NewPhasing(ppl, 20)
	assert.Equal(t, ppl/2+PhasingPulseLen, p.ref)

	var limits []int
	for s := 0; s < 4*ppl; s++ {
		p.Push(buf, pulseLevel(s, 0, ppl))
		if s%ppl == ppl-1 {
			limits = append(limits, p.ErrorLimit())
		}
	}
	assert.Equal(t, []int{300, 150, 100, 75}, limits)
	assert.Equal(t, 4, p.Lines())

	// The first line has its peak at 54 and the error is clamped
	p.Reset()
	assert.Equal(t, 0, p.Lines())
}

func TestPhasingWritesWithinOneLine(t *testing.T) {
	const ppl = 300
	buf := NewRing[byte](2 * ppl)
	for i := ppl; i < 2*ppl; i++ {
		buf.SetInput(i)
		buf.Put(77)
	}
	buf.SetInput(0)

	p := NewPhasing(ppl, 10)
	for s := 0; s < 3*ppl; s++ {
		p.Push(buf, pulseLevel(s, 100, ppl))
	}
	for i := ppl; i < 2*ppl; i++ {
		require.Equal(t, byte(77), buf.At(i), "index %d", i)
	}
	assert.Less(t, buf.Input(), ppl)
}
