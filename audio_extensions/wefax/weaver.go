package wefax

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
)

// Weaver demodulator defaults
const (
	WeaverFreq      = 1920   // Hz, offset of the IQ center from the suppressed carrier
	DemodBandwidth  = 1400.0 // Hz, I/Q low-pass bandwidth
	WeaverBlockLen  = 32768  // IQ samples handed from producer to consumer at once
	ssbFilterPoles  = 8
	ssbFilterRipple = 10.0
	adagcRefLevel   = 25000.0
	adagcDecay      = 0.99995
)

// Sideband selects upper or lower sideband demodulation
type Sideband string

const (
	USB Sideband = "USB"
	LSB Sideband = "LSB"
)

// ParseSideband returns LSB for any string mentioning LSB and USB otherwise
func ParseSideband(s string) Sideband {
	if strings.Contains(strings.ToUpper(s), "LSB") {
		return LSB
	}
	return USB
}

// Weaver turns a stream of complex baseband samples into SSB audio using
// the Weaver method, with an audio derived AGC. IQ blocks are produced by
// one goroutine (PushIQ) and consumed by the decoder (NextSample).
type Weaver struct {
	sinT, cosT []float64
	itr        int
	offset     int
	lsb        atomic.Bool

	filterI, filterQ *Chebyshev

	// Consumer side
	bufI, bufQ []float64
	idx        int
	scale      float64
	scaleBits  atomic.Uint64

	// Producer side
	blockLen int
	pendI    []float64
	pendQ    []float64
	ready    chan [2][]float64
	dropped  atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

// WeaverOffset is the mixing frequency actually used at rate: the trig
// tables hold a whole number of samples per cycle, so it is rate divided by
// rate/WeaverFreq (2000 Hz at 12 kHz). The IQ center must sit this far
// above the carrier for USB and below it for LSB. Zero means NewWeaver
// rejects rate.
func WeaverOffset(rate int) int {
	trigLen := rate / WeaverFreq
	if trigLen < 2 || rate%trigLen != 0 {
		return 0
	}
	return rate / trigLen
}

// NewWeaver creates a demodulator for IQ sampled at rate. blockLen <= 0
// selects WeaverBlockLen.
func NewWeaver(rate int, sideband Sideband, blockLen int) (*Weaver, error) {
	trigLen := rate / WeaverFreq
	if trigLen < 2 {
		return nil, fmt.Errorf("weaver: sample rate %d too low for %d Hz offset", rate, WeaverFreq)
	}
	if rate%trigLen != 0 {
		return nil, fmt.Errorf("weaver: sample rate %d is not a multiple of %d", rate, trigLen)
	}
	if blockLen <= 0 {
		blockLen = WeaverBlockLen
	}

	cutoff := DemodBandwidth / (float64(rate) * 2)
	fi, err := NewChebyshev(LowPass, cutoff, ssbFilterRipple, ssbFilterPoles)
	if err != nil {
		return nil, err
	}
	fq, _ := NewChebyshev(LowPass, cutoff, ssbFilterRipple, ssbFilterPoles)

	w := &Weaver{
		sinT:     make([]float64, trigLen),
		cosT:     make([]float64, trigLen),
		offset:   rate / trigLen,
		filterI:  fi,
		filterQ:  fq,
		scale:    1,
		blockLen: blockLen,
		pendI:    make([]float64, 0, blockLen),
		pendQ:    make([]float64, 0, blockLen),
		ready:    make(chan [2][]float64, 1),
		done:     make(chan struct{}),
	}

	w.SetSideband(sideband)
	dphi := 2 * math.Pi / float64(trigLen)
	phi := 0.0
	for i := 0; i < trigLen; i++ {
		w.sinT[i] = math.Sin(phi)
		w.cosT[i] = math.Cos(phi)
		phi += dphi
	}
	w.scaleBits.Store(math.Float64bits(w.scale))
	return w, nil
}

// PushIQ adds one complex sample. Completed blocks are handed to the
// consumer only if it has taken the previous one; otherwise they are
// dropped.
func (w *Weaver) PushIQ(i, q float64) {
	w.pendI = append(w.pendI, i)
	w.pendQ = append(w.pendQ, q)
	if len(w.pendI) < w.blockLen {
		return
	}

	select {
	case w.ready <- [2][]float64{w.pendI, w.pendQ}:
		w.pendI = make([]float64, 0, w.blockLen)
		w.pendQ = make([]float64, 0, w.blockLen)
	default:
		w.dropped.Add(1)
		w.pendI = w.pendI[:0]
		w.pendQ = w.pendQ[:0]
	}
}

// PushInterleaved adds int16 samples ordered I, Q, I, Q...
func (w *Weaver) PushInterleaved(iq []int16) {
	for n := 0; n+1 < len(iq); n += 2 {
		w.PushIQ(float64(iq[n]), float64(iq[n+1]))
	}
}

// NextSample returns the next demodulated audio sample, blocking until an
// IQ block is available.
func (w *Weaver) NextSample() (int16, error) {
	if w.idx >= len(w.bufI) {
		select {
		case blk := <-w.ready:
			w.bufI, w.bufQ = blk[0], blk[1]
		case <-w.done:
			return 0, ErrSourceClosed
		}
		w.filterI.FilterBlock(w.bufI)
		w.filterQ.FilterBlock(w.bufQ)
		w.idx = 0
	}

	// LSB mixes with a negative phase step
	sin := w.sinT[w.itr]
	if w.lsb.Load() {
		sin = -sin
	}
	base := w.bufI[w.idx]*sin + w.bufQ[w.idx]*w.cosT[w.itr]
	w.itr++
	if w.itr >= len(w.sinT) {
		w.itr = 0
	}
	w.idx++

	// Attack to the signal ratio, slow decay otherwise
	ratio := math.Abs(base) / adagcRefLevel
	if ratio > w.scale {
		w.scale = ratio
	} else {
		w.scale *= adagcDecay
	}
	w.scaleBits.Store(math.Float64bits(w.scale))

	return int16(base / w.scale), nil
}

// SetSideband switches the demodulated sideband. It may be called while
// another goroutine reads samples.
func (w *Weaver) SetSideband(sb Sideband) {
	w.lsb.Store(sb == LSB)
}

// Offset is the mixing frequency in Hz, see WeaverOffset
func (w *Weaver) Offset() int { return w.offset }

// Scale is the current AGC divisor
func (w *Weaver) Scale() float64 {
	return math.Float64frombits(w.scaleBits.Load())
}

// Dropped counts IQ blocks discarded because the consumer fell behind
func (w *Weaver) Dropped() int64 { return w.dropped.Load() }

// Close releases a consumer blocked in NextSample
func (w *Weaver) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}
