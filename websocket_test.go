package main

import (
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialHub(t *testing.T, hub *DisplayHub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readMessage reads one frame and returns the wefax message inside it
func readMessage(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := DecodeLineFrame(frame)
	require.NoError(t, err)
	return msg
}

func lineRow(t *testing.T, msg []byte) (int, []byte) {
	t.Helper()
	require.Equal(t, wefax.MsgImageLine, msg[0])
	row := int(binary.BigEndian.Uint32(msg[1:5]))
	width := int(binary.BigEndian.Uint32(msg[5:9]))
	require.Len(t, msg, 9+width)
	return row, msg[9:]
}

func TestDisplayHubReplay(t *testing.T) {
	hub := NewDisplayHub(nil, log.New(io.Discard))
	hub.SetAction(wefax.ActionDecode)
	hub.WriteLine(0, []byte{1, 2, 3})
	hub.WriteLine(1, []byte{4, 5, 6})
	// Out of order rows are broadcast but not kept
	hub.WriteLine(5, []byte{9, 9, 9})

	conn := dialHub(t, hub, "?compress=zstd")

	assert.Equal(t, []byte{wefax.MsgState, byte(wefax.ActionDecode)}, readMessage(t, conn))
	row, pix := lineRow(t, readMessage(t, conn))
	assert.Equal(t, 0, row)
	assert.Equal(t, []byte{1, 2, 3}, pix)
	row, pix = lineRow(t, readMessage(t, conn))
	assert.Equal(t, 1, row)
	assert.Equal(t, []byte{4, 5, 6}, pix)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.WriteLine(2, []byte{7, 8, 9})
	row, pix = lineRow(t, readMessage(t, conn))
	assert.Equal(t, 2, row)
	assert.Equal(t, []byte{7, 8, 9}, pix)

	require.NoError(t, hub.SaveImage(&wefax.Image{Width: 3, Height: 3, Reason: wefax.EndStopTone}))
	msg := readMessage(t, conn)
	assert.Equal(t, wefax.MsgImageComplete, msg[0])
	assert.Equal(t, "stop_tone", string(msg[10:]))

	// A new image clears the replay buffer
	hub.WriteLine(0, []byte{0, 0, 0})
	readMessage(t, conn)
	late := dialHub(t, hub, "")
	readMessage(t, late)
	row, pix = lineRow(t, readMessage(t, late))
	assert.Equal(t, 0, row)
	assert.Equal(t, []byte{0, 0, 0}, pix)
}

func TestDisplayHubCommands(t *testing.T) {
	hub := NewDisplayHub(nil, log.New(io.Discard))
	ctl := &fakeControl{receiving: true}
	hub.SetControl(ctl)

	conn := dialHub(t, hub, "")
	readMessage(t, conn)

	for _, cmd := range []string{
		`{"type":"skip"}`,
		`not json`,
		`{"type":"bogus"}`,
		`{"type":"align","x":321}`,
		`{"type":"stop"}`,
		`{"type":"start"}`,
	} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(cmd)))
	}

	require.Eventually(t, func() bool { return len(ctl.recorded()) == 4 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"skip", "align", "stop", "start"}, ctl.recorded())
	ctl.mu.Lock()
	assert.Equal(t, 321.0, ctl.alignX)
	ctl.mu.Unlock()

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisplayHubWithoutClients(t *testing.T) {
	hub := NewDisplayHub(nil, nil)
	assert.NotPanics(t, func() {
		hub.WriteLine(0, make([]byte, 1200))
		hub.Flush()
		hub.SetAction(wefax.ActionStop)
	})
	assert.Zero(t, hub.ClientCount())
}
