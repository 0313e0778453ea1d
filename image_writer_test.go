package main

import (
	"bytes"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage(w, h int) *wefax.Image {
	pix := make([]byte, w*h)
	for i := range pix {
		pix[i] = byte(i % 256)
	}
	cfg := wefax.DefaultWEFAXConfig()
	return &wefax.Image{
		Width:    w,
		Height:   h,
		Pix:      pix,
		Reason:   wefax.EndStopTone,
		Config:   cfg,
		Started:  time.Date(2026, 3, 14, 9, 26, 0, 0, time.UTC),
		Finished: time.Date(2026, 3, 14, 9, 36, 0, 0, time.UTC),
	}
}

func newTestImageWriter(t *testing.T, format string) *ImageWriter {
	t.Helper()
	w, err := NewImageWriter(ImagesConfig{
		Dir:             filepath.Join(t.TempDir(), "out"),
		Format:          format,
		JPEGQuality:     85,
		FilenamePattern: "%d%b%Y-%H%M",
	}, log.New(io.Discard))
	require.NoError(t, err)
	return w
}

func TestSavePGM(t *testing.T) {
	w := newTestImageWriter(t, "pgm")
	w.SetStation("Northwood (UK)")

	var saved []SavedImage
	w.OnSaved(func(s SavedImage) { saved = append(saved, s) })

	img := testImage(16, 4)
	require.NoError(t, w.SaveImage(img))
	require.Len(t, saved, 1)
	require.Len(t, saved[0].Files, 1)
	assert.Equal(t, "14Mar2026-0926-Northwood_UK.pgm", filepath.Base(saved[0].Files[0]))
	assert.NotEmpty(t, saved[0].ID)
	assert.Equal(t, wefax.EndStopTone, saved[0].Reason)
	assert.Equal(t, 120, saved[0].LPM)

	data, err := os.ReadFile(saved[0].Files[0])
	require.NoError(t, err)
	header := []byte("P5\n16 4\n255\n")
	require.True(t, bytes.HasPrefix(data, header))
	assert.Equal(t, img.Pix, data[len(header):])
}

func TestSaveNeverOverwrites(t *testing.T) {
	w := newTestImageWriter(t, "pgm")
	var files []string
	w.OnSaved(func(s SavedImage) { files = append(files, s.Files...) })

	for i := 0; i < 3; i++ {
		require.NoError(t, w.SaveImage(testImage(8, 2)))
	}
	require.Len(t, files, 3)
	assert.Equal(t, "14Mar2026-0926.pgm", filepath.Base(files[0]))
	assert.Equal(t, "14Mar2026-0926-1.pgm", filepath.Base(files[1]))
	assert.Equal(t, "14Mar2026-0926-2.pgm", filepath.Base(files[2]))
}

func TestSaveBothFormats(t *testing.T) {
	w := newTestImageWriter(t, "both")
	var saved SavedImage
	w.OnSaved(func(s SavedImage) { saved = s })

	require.NoError(t, w.SaveImage(testImage(64, 32)))
	require.Len(t, saved.Files, 2)
	assert.Equal(t, ".pgm", filepath.Ext(saved.Files[0]))
	assert.Equal(t, ".jpg", filepath.Ext(saved.Files[1]))

	f, err := os.Open(saved.Files[1])
	require.NoError(t, err)
	defer f.Close()
	decoded, err := jpeg.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 64, decoded.Bounds().Dx())
	assert.Equal(t, 32, decoded.Bounds().Dy())
}

func TestSaveEmptyImage(t *testing.T) {
	w := newTestImageWriter(t, "pgm")
	called := false
	w.OnSaved(func(SavedImage) { called = true })

	require.NoError(t, w.SaveImage(&wefax.Image{Width: 1200}))
	assert.False(t, called)

	entries, err := os.ReadDir(w.cfg.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "Hamburg_Pinneberg_DWD", sanitizeName(" Hamburg/Pinneberg DWD "))
	assert.Equal(t, "Kodiak_AK", sanitizeName("Kodiak AK"))
	assert.Equal(t, "NMC-2.0", sanitizeName("NMC-2.0!?"))
}

func TestBadFilenamePattern(t *testing.T) {
	_, err := NewImageWriter(ImagesConfig{Dir: t.TempDir(), FilenamePattern: "%"}, nil)
	assert.Error(t, err)
}
