package main

import (
	"bufio"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/google/uuid"
	"github.com/lestrrat-go/strftime"
)

// SavedImage describes an image written to disk
type SavedImage struct {
	ID       string          `json:"id"`
	Station  string          `json:"station,omitempty"`
	Files    []string        `json:"files"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	Reason   wefax.EndReason `json:"reason"`
	LPM      int             `json:"lpm"`
	IOC      int             `json:"ioc"`
	Started  time.Time       `json:"started"`
	Finished time.Time       `json:"finished"`
}

// ImageWriter saves completed images as PGM and/or JPEG files. It is a
// wefax.ImageSink.
type ImageWriter struct {
	cfg     ImagesConfig
	pattern *strftime.Strftime
	logger  *log.Logger

	mu      sync.Mutex
	station string
	onSaved []func(SavedImage)
}

// NewImageWriter creates the output directory and compiles the filename
// pattern
func NewImageWriter(cfg ImagesConfig, logger *log.Logger) (*ImageWriter, error) {
	if logger == nil {
		logger = log.Default()
	}
	pattern, err := strftime.New(cfg.FilenamePattern)
	if err != nil {
		return nil, fmt.Errorf("invalid images.filename_pattern: %w", err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &ImageWriter{
		cfg:     cfg,
		pattern: pattern,
		logger:  logger.WithPrefix("images"),
	}, nil
}

// SetStation sets the name appended to following filenames
func (w *ImageWriter) SetStation(name string) {
	w.mu.Lock()
	w.station = name
	w.mu.Unlock()
}

// OnSaved registers fn to be called after each image is written
func (w *ImageWriter) OnSaved(fn func(SavedImage)) {
	w.mu.Lock()
	w.onSaved = append(w.onSaved, fn)
	w.mu.Unlock()
}

// sanitizeName keeps a station name usable in a filename
func sanitizeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r == ' ' || r == '/':
			return '_'
		}
		return -1
	}, name)
}

// basePath returns the path of the image without extension
func (w *ImageWriter) basePath(t time.Time, station string) string {
	base := w.pattern.FormatString(t)
	if s := sanitizeName(station); s != "" {
		base += "-" + s
	}
	return filepath.Join(w.cfg.Dir, base)
}

// SaveImage writes img in the configured formats. An existing file is
// never overwritten; a counter is added instead.
func (w *ImageWriter) SaveImage(img *wefax.Image) error {
	if img.Height == 0 {
		return nil
	}

	w.mu.Lock()
	station := w.station
	callbacks := append([]func(SavedImage){}, w.onSaved...)
	w.mu.Unlock()

	started := img.Started
	if started.IsZero() {
		started = time.Now()
	}
	base := uniqueBase(w.basePath(started, station), w.extensions())

	saved := SavedImage{
		ID:       uuid.New().String(),
		Station:  station,
		Width:    img.Width,
		Height:   img.Height,
		Reason:   img.Reason,
		LPM:      img.Config.LPM,
		IOC:      img.Config.IOC,
		Started:  img.Started,
		Finished: img.Finished,
	}

	for _, ext := range w.extensions() {
		path := base + ext
		var err error
		if ext == ".pgm" {
			err = writePGM(path, img)
		} else {
			err = writeJPEG(path, img, w.cfg.JPEGQuality)
		}
		if err != nil {
			return fmt.Errorf("failed to save %s: %w", path, err)
		}
		saved.Files = append(saved.Files, path)
	}

	w.logger.Info("Image saved", "files", saved.Files, "height", img.Height, "reason", img.Reason)
	for _, fn := range callbacks {
		fn(saved)
	}
	return nil
}

func (w *ImageWriter) extensions() []string {
	switch w.cfg.Format {
	case "jpeg":
		return []string{".jpg"}
	case "both":
		return []string{".pgm", ".jpg"}
	}
	return []string{".pgm"}
}

func uniqueBase(base string, exts []string) string {
	exists := func(b string) bool {
		for _, ext := range exts {
			if _, err := os.Stat(b + ext); err == nil {
				return true
			}
		}
		return false
	}
	if !exists(base) {
		return base
	}
	for n := 1; ; n++ {
		b := fmt.Sprintf("%s-%d", base, n)
		if !exists(b) {
			return b
		}
	}
}

// writePGM writes a binary (P5) graymap
func writePGM(path string, img *wefax.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "P5\n%d %d\n255\n", img.Width, img.Height)
	if _, err := bw.Write(img.Pix[:img.Width*img.Height]); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJPEG(path string, img *wefax.Image, quality int) error {
	gray := &image.Gray{
		Pix:    img.Pix[:img.Width*img.Height],
		Stride: img.Width,
		Rect:   image.Rect(0, 0, img.Width, img.Height),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, gray, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
