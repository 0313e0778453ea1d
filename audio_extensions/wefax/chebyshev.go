package wefax

import (
	"fmt"
	"math"
	"math/cmplx"
)

// FilterType selects low-pass or high-pass design
type FilterType int

const (
	LowPass  FilterType = 0
	HighPass FilterType = 1
)

// Chebyshev is a recursive (IIR) Chebyshev filter built as a cascade of
// two-pole sections, designed by the bilinear transform.
type Chebyshev struct {
	kind   FilterType
	cutoff float64 // fraction of the sample rate
	ripple float64 // passband ripple, percent
	poles  int

	a, b []float64 // a[0..poles], b[1..poles]
	x, y []float64 // past inputs and outputs, ring of poles+1
	ring int
}

// NewChebyshev designs a filter. cutoff is a fraction of the sample rate
// (capped at 0.49), poles must be even and between 2 and 20, ripple is in
// percent (0 gives a Butterworth response).
func NewChebyshev(kind FilterType, cutoff, ripple float64, poles int) (*Chebyshev, error) {
	if poles < 2 || poles > 20 || poles%2 != 0 {
		return nil, fmt.Errorf("chebyshev: %d poles (must be even, 2-20)", poles)
	}
	if cutoff <= 0 {
		return nil, fmt.Errorf("chebyshev: cutoff %g must be positive", cutoff)
	}
	if ripple < 0 || ripple > 29 {
		return nil, fmt.Errorf("chebyshev: ripple %g%% (must be 0-29)", ripple)
	}
	if cutoff > 0.49 {
		cutoff = 0.49
	}

	f := &Chebyshev{
		kind:   kind,
		cutoff: cutoff,
		ripple: ripple,
		poles:  poles,
		x:      make([]float64, poles+1),
		y:      make([]float64, poles+1),
	}
	f.design()
	return f, nil
}

func (f *Chebyshev) design() {
	np := f.poles
	a := make([]float64, np+3)
	b := make([]float64, np+3)
	ta := make([]float64, np+3)
	tb := make([]float64, np+3)
	a[2], b[2] = 1, 1

	t := 2 * math.Tan(0.5)
	w := 2 * math.Pi * f.cutoff

	var k float64
	if f.kind == HighPass {
		k = -math.Cos((w+1)/2) / math.Cos((w-1)/2)
	} else {
		k = math.Sin((1-w)/2) / math.Sin((1+w)/2)
	}

	for p := 1; p <= np/2; p++ {
		// Pole location on the unit circle
		tmp := math.Pi/float64(np)/2 + float64(p-1)*math.Pi/float64(np)
		rp := -math.Cos(tmp)
		ip := math.Sin(tmp)

		// Warp the circle into an ellipse
		if f.ripple > 0 {
			tmp = 100 / (100 - f.ripple)
			es := math.Sqrt(tmp*tmp - 1)
			vx := math.Asinh(1/es) / float64(np)
			kx := math.Cosh(math.Acosh(1/es) / float64(np))
			rp *= math.Sinh(vx) / kx
			ip *= math.Cosh(vx) / kx
		}

		// s-domain to z-domain
		m := rp*rp + ip*ip
		d := 4 - 4*rp*t + m*t*t
		xn0 := t * t / d
		xn1 := 2 * t * t / d
		xn2 := t * t / d
		yn1 := (8 - 2*m*t*t) / d
		yn2 := (-4 - 4*rp*t - m*t*t) / d

		// Low-pass to low-pass or high-pass transform
		d = 1 + yn1*k - yn2*k*k
		a0 := (xn0 - xn1*k + xn2*k*k) / d
		a1 := (-2*xn0*k + xn1 + xn1*k*k - 2*xn2*k) / d
		a2 := (xn0*k*k - xn1*k + xn2) / d
		b1 := (2*k + yn1 + yn1*k*k - 2*yn2*k) / d
		b2 := (-k*k - yn1*k + yn2) / d
		if f.kind == HighPass {
			a1 = -a1
			b1 = -b1
		}

		copy(ta, a)
		copy(tb, b)
		for i := 2; i <= np+2; i++ {
			a[i] = a0*ta[i] + a1*ta[i-1] + a2*ta[i-2]
			b[i] = tb[i] - b1*tb[i-1] - b2*tb[i-2]
		}
	}

	b[2] = 0
	for i := 0; i <= np; i++ {
		a[i] = a[i+2]
		b[i] = -b[i+2]
	}

	// Unity gain at DC (low-pass) or Nyquist (high-pass)
	var sa, sb float64
	sign := 1.0
	for i := 0; i <= np; i++ {
		sa += a[i] * sign
		sb += b[i] * sign
		if f.kind == HighPass {
			sign = -sign
		}
	}
	gain := sa / (1 - sb)
	for i := 0; i <= np; i++ {
		a[i] /= gain
	}

	f.a = a[:np+1]
	f.b = b[:np+1]
}

// Filter processes one sample
func (f *Chebyshev) Filter(x float64) float64 {
	np1 := f.poles + 1
	y := x * f.a[0]
	for i := 1; i < np1; i++ {
		y += f.a[i]*f.x[f.ring] + f.b[i]*f.y[f.ring]
		f.ring++
		if f.ring >= np1 {
			f.ring = 0
		}
	}
	f.y[f.ring] = y
	f.x[f.ring] = x
	return y
}

// FilterBlock filters buf in place
func (f *Chebyshev) FilterBlock(buf []float64) {
	for i, v := range buf {
		buf[i] = f.Filter(v)
	}
}

// Reset clears the filter history
func (f *Chebyshev) Reset() {
	clear(f.x)
	clear(f.y)
	f.ring = 0
}

// response evaluates the magnitude of the transfer function at freq, given
// as a fraction of the sample rate.
func (f *Chebyshev) response(freq float64) float64 {
	var num, den complex128
	den = 1
	for i := 0; i <= f.poles; i++ {
		z := cmplx.Exp(complex(0, -2*math.Pi*freq*float64(i)))
		num += complex(f.a[i], 0) * z
		if i > 0 {
			den -= complex(f.b[i], 0) * z
		}
	}
	return cmplx.Abs(num / den)
}

// Coefficients returns copies of the feed-forward and feedback terms
func (f *Chebyshev) Coefficients() (a, b []float64) {
	return append([]float64(nil), f.a...), append([]float64(nil), f.b...)
}
