package wefax

import (
	"errors"
	"io"
)

// ErrSourceClosed is returned by ChanSource once its done channel is closed
var ErrSourceClosed = errors.New("sample source closed")

// ChanSource adapts a channel of sample blocks, as routed from the RTP
// receiver, to a SampleSource.
type ChanSource struct {
	ch   <-chan []int16
	done <-chan struct{}
	buf  []int16
	pos  int
}

// NewChanSource reads blocks from ch until it is closed (io.EOF) or done is
// closed (ErrSourceClosed).
func NewChanSource(ch <-chan []int16, done <-chan struct{}) *ChanSource {
	return &ChanSource{ch: ch, done: done}
}

func (c *ChanSource) NextSample() (int16, error) {
	for c.pos >= len(c.buf) {
		select {
		case <-c.done:
			return 0, ErrSourceClosed
		case block, ok := <-c.ch:
			if !ok {
				return 0, io.EOF
			}
			c.buf = block
			c.pos = 0
		}
	}
	s := c.buf[c.pos]
	c.pos++
	return s, nil
}

// SliceSource plays back a fixed set of samples, then returns io.EOF
type SliceSource struct {
	samples []int16
	pos     int
}

func NewSliceSource(samples []int16) *SliceSource {
	return &SliceSource{samples: samples}
}

func (s *SliceSource) NextSample() (int16, error) {
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	v := s.samples[s.pos]
	s.pos++
	return v, nil
}

// RogueFilter removes isolated samples whose sign differs from both
// neighbours, replacing them with the neighbours' mean. Output lags the
// input by one sample.
type RogueFilter struct {
	src    SampleSource
	s1, s2 int
}

func NewRogueFilter(src SampleSource) *RogueFilter {
	return &RogueFilter{src: src}
}

func (f *RogueFilter) NextSample() (int16, error) {
	v, err := f.src.NextSample()
	if err != nil {
		return 0, err
	}
	s3 := int(v)
	if f.s1*f.s2 < 0 && f.s2*s3 < 0 {
		f.s2 = (f.s1 + s3) / 2
	}
	out := f.s2
	f.s1 = f.s2
	f.s2 = s3
	return int16(out), nil
}
