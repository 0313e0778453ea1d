//go:build !portaudio
// +build !portaudio

package main

import (
	"errors"

	"github.com/charmbracelet/log"
)

// SoundcardSource is unavailable without PortAudio
type SoundcardSource struct{}

// OpenSoundcard reports that sound card input was not compiled in
func OpenSoundcard(device string, sampleRate int, logger *log.Logger) (*SoundcardSource, error) {
	logger.Warn("Sound card input requested but not compiled in")
	logger.Warn("To enable it: sudo apt install portaudio19-dev, then rebuild with: go build -tags portaudio")
	return nil, errors.New("sound card input not available in this build")
}

func (s *SoundcardSource) NextSample() (int16, error) {
	return 0, errors.New("sound card input not available in this build")
}

func (s *SoundcardSource) Name() string { return "" }

func (s *SoundcardSource) Close() error { return nil }
