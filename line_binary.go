package main

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Display frame format
// ====================
//
// Every websocket message carries one wefax message (image line, state or
// image complete) behind a 4 byte header:
//
// Offset | Size | Type   | Description
// -------|------|--------|---------------------------------------------
// 0      | 2    | uint16 | Magic: 0x5746 ("WF"), little-endian
// 2      | 1    | uint8  | Version: 1
// 3      | 1    | uint8  | Format: 0=raw, 1=zstd
// 4      | N    | []byte | Message, zstd compressed when format is 1
//
// Image lines are mostly runs of similar gray levels, so compression pays
// off for wide lines. Clients opt in with ?compress=zstd.

const (
	LineFrameMagic   uint16 = 0x5746
	LineFrameVersion uint8  = 1

	LineFormatRaw  uint8 = 0
	LineFormatZstd uint8 = 1

	LineFrameHeaderSize = 4
)

var lineZstdEncoderPool = sync.Pool{
	New: func() interface{} {
		encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		return encoder
	},
}

var lineZstdDecoderPool = sync.Pool{
	New: func() interface{} {
		decoder, _ := zstd.NewReader(nil)
		return decoder
	},
}

// LineFrameEncoder wraps wefax messages for one websocket client
type LineFrameEncoder struct {
	useCompression bool
	zstdEncoder    *zstd.Encoder
	encoderMu      sync.Mutex

	frameCount uint64
	rawBytes   uint64
	sentBytes  uint64
}

func NewLineFrameEncoder(useCompression bool) *LineFrameEncoder {
	e := &LineFrameEncoder{useCompression: useCompression}
	if useCompression {
		e.zstdEncoder = lineZstdEncoderPool.Get().(*zstd.Encoder)
	}
	return e
}

// Encode returns msg framed, and compressed when enabled
func (e *LineFrameEncoder) Encode(msg []byte) []byte {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	format := LineFormatRaw
	payload := msg
	if e.useCompression && e.zstdEncoder != nil {
		format = LineFormatZstd
		payload = e.zstdEncoder.EncodeAll(msg, make([]byte, 0, len(msg)/2))
	}

	frame := make([]byte, LineFrameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:], LineFrameMagic)
	frame[2] = LineFrameVersion
	frame[3] = format
	copy(frame[LineFrameHeaderSize:], payload)

	e.frameCount++
	e.rawBytes += uint64(len(msg))
	e.sentBytes += uint64(len(frame))
	return frame
}

// Close returns the zstd encoder to the pool
func (e *LineFrameEncoder) Close() {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()
	if e.zstdEncoder != nil {
		lineZstdEncoderPool.Put(e.zstdEncoder)
		e.zstdEncoder = nil
	}
}

// GetStats returns counters for the client status endpoint
func (e *LineFrameEncoder) GetStats() map[string]interface{} {
	e.encoderMu.Lock()
	defer e.encoderMu.Unlock()

	return map[string]interface{}{
		"frameCount":     e.frameCount,
		"useCompression": e.useCompression,
		"rawBytes":       e.rawBytes,
		"sentBytes":      e.sentBytes,
	}
}

// DecodeLineFrame checks the header and returns the wefax message
func DecodeLineFrame(frame []byte) ([]byte, error) {
	if len(frame) < LineFrameHeaderSize {
		return nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if magic := binary.LittleEndian.Uint16(frame[0:]); magic != LineFrameMagic {
		return nil, fmt.Errorf("bad frame magic 0x%04x", magic)
	}
	if frame[2] != LineFrameVersion {
		return nil, fmt.Errorf("unsupported frame version %d", frame[2])
	}

	payload := frame[LineFrameHeaderSize:]
	switch frame[3] {
	case LineFormatRaw:
		return payload, nil
	case LineFormatZstd:
		decoder := lineZstdDecoderPool.Get().(*zstd.Decoder)
		defer lineZstdDecoderPool.Put(decoder)
		msg, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
		return msg, nil
	}
	return nil, fmt.Errorf("unknown frame format %d", frame[3])
}
