package main

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavReadFrames = 4096

// WAVSource plays back a recorded WAV file as a wefax.SampleSource. Only
// the first channel of multi-channel files is used.
type WAVSource struct {
	file     *os.File
	decoder  *wav.Decoder
	buf      audio.IntBuffer
	channels int
	shift    int
	unsigned bool

	pos, n int
}

// OpenWAVSource opens path and checks it is PCM WAV
func OpenWAVSource(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file: %w", err)
	}

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("%s: invalid WAV file", path)
	}
	format := decoder.Format()
	if format == nil || format.NumChannels < 1 {
		f.Close()
		return nil, fmt.Errorf("%s: missing format chunk", path)
	}
	depth := int(decoder.BitDepth)
	if depth != 8 && depth != 16 && depth != 24 && depth != 32 {
		f.Close()
		return nil, fmt.Errorf("%s: unsupported bit depth %d", path, depth)
	}

	return &WAVSource{
		file:    f,
		decoder: decoder,
		buf: audio.IntBuffer{
			Format: format,
			Data:   make([]int, wavReadFrames*format.NumChannels),
		},
		channels: format.NumChannels,
		shift:    depth - 16,
		unsigned: depth == 8,
	}, nil
}

// SampleRate is the file's sample rate in Hz
func (s *WAVSource) SampleRate() int { return s.buf.Format.SampleRate }

func (s *WAVSource) NextSample() (int16, error) {
	if s.pos >= s.n {
		n, err := s.decoder.PCMBuffer(&s.buf)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		s.n = n - n%s.channels
		s.pos = 0
		if s.n == 0 {
			return 0, io.EOF
		}
	}

	v := s.buf.Data[s.pos]
	s.pos += s.channels
	if s.unsigned {
		v -= 128
	}
	switch {
	case s.shift > 0:
		v >>= s.shift
	case s.shift < 0:
		v <<= -s.shift
	}
	return int16(v), nil
}

func (s *WAVSource) Close() error {
	return s.file.Close()
}

// WAVRecorder copies every sample read from Source into a 16-bit mono WAV
// file. Close must be called to finalize the header.
type WAVRecorder struct {
	Source wefax.SampleSource

	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
	buf     audio.IntBuffer
	err     error
}

// NewWAVRecorder creates path and records src into it
func NewWAVRecorder(path string, sampleRate int, src wefax.SampleSource) (*WAVRecorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	format := &audio.Format{NumChannels: 1, SampleRate: sampleRate}
	return &WAVRecorder{
		Source:  src,
		file:    f,
		encoder: wav.NewEncoder(f, sampleRate, 16, 1, 1),
		buf:     audio.IntBuffer{Format: format, SourceBitDepth: 16, Data: make([]int, 0, wavReadFrames)},
	}, nil
}

func (r *WAVRecorder) NextSample() (int16, error) {
	v, err := r.Source.NextSample()
	if err != nil {
		return v, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return v, nil
	}
	r.buf.Data = append(r.buf.Data, int(v))
	if len(r.buf.Data) == cap(r.buf.Data) {
		r.flushLocked()
	}
	return v, nil
}

func (r *WAVRecorder) flushLocked() {
	if len(r.buf.Data) == 0 || r.err != nil {
		r.buf.Data = r.buf.Data[:0]
		return
	}
	r.err = r.encoder.Write(&r.buf)
	r.buf.Data = r.buf.Data[:0]
}

// Close writes any buffered samples and the WAV header
func (r *WAVRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return r.err
	}
	r.flushLocked()
	if err := r.encoder.Close(); err != nil && r.err == nil {
		r.err = err
	}
	if err := r.file.Close(); err != nil && r.err == nil {
		r.err = err
	}
	r.encoder = nil
	if r.err != nil {
		return fmt.Errorf("failed to write recording: %w", r.err)
	}
	return nil
}
