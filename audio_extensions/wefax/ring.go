package wefax

// Ring is a fixed size circular buffer with independent input and output
// indices. Both indices always stay in [0, Len()).
type Ring[T any] struct {
	buf []T
	in  int
	out int
}

// NewRing allocates a ring holding size elements
func NewRing[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size)}
}

// Len returns the capacity of the ring
func (r *Ring[T]) Len() int { return len(r.buf) }

// Wrap maps any index, including negative ones, into [0, Len())
func (r *Ring[T]) Wrap(i int) int {
	return wrapIndex(i, len(r.buf))
}

// Put stores v at the input index and advances it
func (r *Ring[T]) Put(v T) {
	r.buf[r.in] = v
	r.in++
	if r.in >= len(r.buf) {
		r.in = 0
	}
}

// PutWithin stores v at the input index and advances it modulo n, keeping
// writes inside the first n slots.
func (r *Ring[T]) PutWithin(v T, n int) {
	r.buf[r.in] = v
	r.in++
	if r.in >= n {
		r.in = 0
	}
}

// Next returns the element at the output index and advances it
func (r *Ring[T]) Next() T {
	v := r.buf[r.out]
	r.out++
	if r.out >= len(r.buf) {
		r.out = 0
	}
	return v
}

// At returns the element at index i (wrapped)
func (r *Ring[T]) At(i int) T { return r.buf[r.Wrap(i)] }

func (r *Ring[T]) Input() int  { return r.in }
func (r *Ring[T]) Output() int { return r.out }

func (r *Ring[T]) SetInput(i int)  { r.in = r.Wrap(i) }
func (r *Ring[T]) SetOutput(i int) { r.out = r.Wrap(i) }

// Gap is the number of slots the input index is ahead of the output index
func (r *Ring[T]) Gap() int { return r.Wrap(r.in - r.out) }

// Reset zeroes both indices, leaving the contents in place
func (r *Ring[T]) Reset() {
	r.in = 0
	r.out = 0
}

func wrapIndex(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}
