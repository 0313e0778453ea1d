package main

import (
	"bytes"
	"testing"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineFrameRaw(t *testing.T) {
	e := NewLineFrameEncoder(false)
	defer e.Close()

	msg := wefax.EncodeLine(7, bytes.Repeat([]byte{0x80}, 1200))
	frame := e.Encode(msg)
	assert.Equal(t, []byte{0x46, 0x57, LineFrameVersion, LineFormatRaw}, frame[:LineFrameHeaderSize])

	got, err := DecodeLineFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestLineFrameZstd(t *testing.T) {
	e := NewLineFrameEncoder(true)
	defer e.Close()

	msg := wefax.EncodeLine(0, bytes.Repeat([]byte{0xff}, 1200))
	frame := e.Encode(msg)
	assert.Equal(t, LineFormatZstd, frame[3])
	assert.Less(t, len(frame), len(msg), "a flat line compresses")

	got, err := DecodeLineFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	stats := e.GetStats()
	assert.Equal(t, uint64(1), stats["frameCount"])
	assert.Equal(t, uint64(len(msg)), stats["rawBytes"])
}

func TestDecodeLineFrameErrors(t *testing.T) {
	_, err := DecodeLineFrame([]byte{0x46, 0x57})
	assert.ErrorContains(t, err, "too short")

	_, err = DecodeLineFrame([]byte{0x00, 0x00, 1, 0, 2})
	assert.ErrorContains(t, err, "magic")

	_, err = DecodeLineFrame([]byte{0x46, 0x57, 9, 0, 2})
	assert.ErrorContains(t, err, "version")

	_, err = DecodeLineFrame([]byte{0x46, 0x57, 1, 7, 2})
	assert.ErrorContains(t, err, "format")

	_, err = DecodeLineFrame([]byte{0x46, 0x57, 1, LineFormatZstd, 1, 2, 3})
	assert.ErrorContains(t, err, "decompress")
}
