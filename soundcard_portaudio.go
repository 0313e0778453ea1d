//go:build portaudio
// +build portaudio

package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
)

const soundcardFrames = 1024

// SoundcardSource reads mono 16-bit audio from a PortAudio input device
type SoundcardSource struct {
	stream *portaudio.Stream
	buf    []int16
	pos    int
	name   string

	closeOnce sync.Once
}

// OpenSoundcard opens device, given as a 1-based index or a name prefix.
// An empty device selects the default input.
func OpenSoundcard(device string, sampleRate int, logger *log.Logger) (*SoundcardSource, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	info, err := findInputDevice(device)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}

	p := portaudio.HighLatencyParameters(info, nil)
	p.Input.Channels = 1
	p.Output.Channels = 0
	p.SampleRate = float64(sampleRate)
	p.FramesPerBuffer = soundcardFrames

	s := &SoundcardSource{
		buf:  make([]int16, soundcardFrames),
		name: info.Name,
	}
	s.pos = len(s.buf)

	s.stream, err = portaudio.OpenStream(p, s.buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open input: %w", err)
	}
	if err := s.stream.Start(); err != nil {
		s.stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("start input: %w", err)
	}

	logger.Info("Sound card opened", "device", info.Name, "rate", sampleRate)
	return s, nil
}

func findInputDevice(device string) (*portaudio.DeviceInfo, error) {
	if device == "" {
		return portaudio.DefaultInputDevice()
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if i, err := strconv.Atoi(device); err == nil && i > 0 && i <= len(devices) {
		return devices[i-1], nil
	}
	for _, d := range devices {
		if d.MaxInputChannels > 0 && strings.HasPrefix(d.Name, device) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("input device not found: %s", device)
}

func (s *SoundcardSource) NextSample() (int16, error) {
	if s.pos >= len(s.buf) {
		// Overflows only mean lost samples; the line sync absorbs them
		if err := s.stream.Read(); err != nil && err != portaudio.InputOverflowed {
			return 0, fmt.Errorf("sound card read: %w", err)
		}
		s.pos = 0
	}
	v := s.buf[s.pos]
	s.pos++
	return v, nil
}

// Name is the PortAudio device name
func (s *SoundcardSource) Name() string { return s.name }

func (s *SoundcardSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stream.Stop()
		err = s.stream.Close()
		portaudio.Terminate()
	})
	return err
}
