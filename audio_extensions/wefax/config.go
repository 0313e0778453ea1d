package wefax

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned (wrapped) by Validate for out of range settings
var ErrInvalidConfig = errors.New("invalid wefax configuration")

// IOC values (index of cooperation)
const (
	IOC288 = 288
	IOC576 = 576
)

// Tone frequencies in Hz
const (
	ioc576StartTone = 300
	ioc288StartTone = 675
	stopToneFreq    = 450
)

// EnhanceMode selects post-processing applied to each decoded line
type EnhanceMode int

const (
	EnhanceNone     EnhanceMode = 0
	EnhanceContrast EnhanceMode = 1
	EnhanceBilevel  EnhanceMode = 2
)

func (m EnhanceMode) String() string {
	switch m {
	case EnhanceNone:
		return "none"
	case EnhanceContrast:
		return "contrast"
	case EnhanceBilevel:
		return "bilevel"
	}
	return fmt.Sprintf("EnhanceMode(%d)", int(m))
}

// ParseEnhanceMode accepts "none", "contrast" or "bilevel"
func ParseEnhanceMode(s string) (EnhanceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return EnhanceNone, nil
	case "contrast", "normalize":
		return EnhanceContrast, nil
	case "bilevel":
		return EnhanceBilevel, nil
	}
	return EnhanceNone, fmt.Errorf("unknown enhance mode %q", s)
}

func (m EnhanceMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *EnhanceMode) UnmarshalText(b []byte) error {
	v, err := ParseEnhanceMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// DetectorKind selects the FM discriminator
type DetectorKind string

const (
	DetectorZeroCrossing DetectorKind = "zero_crossing"
	DetectorBilevel      DetectorKind = "bilevel"
)

// WEFAXConfig contains configuration parameters for the WEFAX decoder
type WEFAXConfig struct {
	SampleRate     int          `json:"sample_rate" yaml:"sample_rate"`         // Audio sample rate in Hz
	BlackFreq      int          `json:"black_freq" yaml:"black_freq"`           // Black level tone (1500)
	WhiteFreq      int          `json:"white_freq" yaml:"white_freq"`           // White level tone (2300)
	LPM            int          `json:"lpm" yaml:"lpm"`                         // Lines per minute (60, 90, 120, 240)
	PixelsPerLine  int          `json:"pixels_per_line" yaml:"pixels_per_line"` // Image width in pixels
	IOC            int          `json:"ioc" yaml:"ioc"`                         // 288 or 576
	PhasingLines   int          `json:"phasing_lines" yaml:"phasing_lines"`     // Phasing lines to wait for
	ImageLines     int          `json:"image_lines" yaml:"image_lines"`         // Maximum lines per image
	Enhance        EnhanceMode  `json:"enhance" yaml:"enhance"`                 // none, contrast, bilevel
	SyncSlant      int          `json:"sync_slant" yaml:"sync_slant"`           // Slant correction, pixels per 1000 lines
	InImagePhasing bool         `json:"inimage_phasing" yaml:"inimage_phasing"` // Track the phasing pulse inside the image
	Detector       DetectorKind `json:"detector" yaml:"detector"`               // zero_crossing or bilevel
}

// DefaultWEFAXConfig returns default configuration
func DefaultWEFAXConfig() WEFAXConfig {
	return WEFAXConfig{
		SampleRate:     48000,
		BlackFreq:      1500,
		WhiteFreq:      2300,
		LPM:            120,
		PixelsPerLine:  1200,
		IOC:            IOC576,
		PhasingLines:   40,
		ImageLines:     1200,
		Enhance:        EnhanceNone,
		InImagePhasing: false,
		Detector:       DetectorZeroCrossing,
	}
}

// Validate checks every field against its permitted range
func (c WEFAXConfig) Validate() error {
	check := func(name string, v, lo, hi int) error {
		if v < lo || v > hi {
			return fmt.Errorf("%w: %s %d (must be %d-%d)", ErrInvalidConfig, name, v, lo, hi)
		}
		return nil
	}

	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("%w: sample rate %d Hz (must be 8000-192000)", ErrInvalidConfig, c.SampleRate)
	}
	for _, err := range []error{
		check("black frequency", c.BlackFreq, 1300, 1700),
		check("white frequency", c.WhiteFreq, 2100, 2500),
		check("lpm", c.LPM, 60, 1000),
		check("pixels per line", c.PixelsPerLine, 120, 1200),
		check("phasing lines", c.PhasingLines, 10, 60),
		check("image lines", c.ImageLines, 120, 3000),
	} {
		if err != nil {
			return err
		}
	}
	if c.IOC != IOC288 && c.IOC != IOC576 {
		return fmt.Errorf("%w: ioc %d (must be 288 or 576)", ErrInvalidConfig, c.IOC)
	}
	if c.Enhance < EnhanceNone || c.Enhance > EnhanceBilevel {
		return fmt.Errorf("%w: enhance mode %d", ErrInvalidConfig, int(c.Enhance))
	}
	if c.Detector != DetectorZeroCrossing && c.Detector != DetectorBilevel {
		return fmt.Errorf("%w: detector %q (must be %s or %s)",
			ErrInvalidConfig, c.Detector, DetectorZeroCrossing, DetectorBilevel)
	}
	if pl := c.PixelLen(); pl < 1 {
		return fmt.Errorf("%w: %.3f samples per pixel is below one", ErrInvalidConfig, pl)
	}
	return nil
}

// PixelLen is the number of audio samples per pixel, including slant correction
func (c WEFAXConfig) PixelLen() float64 {
	lineLen := float64(c.SampleRate) / (float64(c.LPM) / 60.0)
	return lineLen / (float64(c.PixelsPerLine) + float64(c.SyncSlant)/1000.0)
}

// StartTone returns the start tone frequency for the configured IOC
func (c WEFAXConfig) StartTone() int {
	if c.IOC == IOC288 {
		return ioc288StartTone
	}
	return ioc576StartTone
}

// StartTonePeriod is the start tone period measured in pixels
func (c WEFAXConfig) StartTonePeriod() float64 {
	return float64(c.LPM) / 60.0 * float64(c.PixelsPerLine) / float64(c.StartTone())
}

// StopTonePeriod is the stop tone period measured in pixels
func (c WEFAXConfig) StopTonePeriod() float64 {
	return float64(c.LPM) / 60.0 * float64(c.PixelsPerLine) / stopToneFreq
}

// LineBufferSize is the capacity of the circular line buffer (two lines)
func (c WEFAXConfig) LineBufferSize() int {
	return 2 * c.PixelsPerLine
}
