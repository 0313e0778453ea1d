package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsSendBuffer   = 256 // frames, a few seconds of lines at 120 lpm
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Frames are compressed per message with zstd when the client asks
	EnableCompression: false,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// displayControl is the subset of the receiver a display client may drive
type displayControl interface {
	Start() error
	Stop()
	Skip()
	Align(x float64) error
}

// clientCommand is a JSON text message from a display client
type clientCommand struct {
	Type string  `json:"type"`
	X    float64 `json:"x,omitempty"`
}

// wsClient is one connected display. All writes happen on its writer
// goroutine.
type wsClient struct {
	id      string
	conn    *websocket.Conn
	encoder *LineFrameEncoder
	send    chan []byte
	done    chan struct{}
}

// DisplayHub fans decoded lines out to websocket clients. It is a
// wefax.DisplaySink; rows of the current image are kept so that a client
// joining mid-image sees it from the top.
type DisplayHub struct {
	logger  *log.Logger
	metrics *PrometheusMetrics

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	rows    [][]byte
	action  wefax.Action
	control displayControl
}

func NewDisplayHub(metrics *PrometheusMetrics, logger *log.Logger) *DisplayHub {
	if logger == nil {
		logger = log.Default()
	}
	return &DisplayHub{
		logger:  logger.WithPrefix("WebSocket"),
		metrics: metrics,
		clients: make(map[*wsClient]struct{}),
	}
}

// SetControl lets clients send skip/stop/start/align commands
func (h *DisplayHub) SetControl(c displayControl) {
	h.mu.Lock()
	h.control = c
	h.mu.Unlock()
}

// WriteLine stores and broadcasts one decoded row. Row 0 starts a new image.
func (h *DisplayHub) WriteLine(row int, pix []byte) {
	line := append([]byte(nil), pix...)

	h.mu.Lock()
	if row == 0 {
		h.rows = h.rows[:0]
	}
	if row == len(h.rows) {
		h.rows = append(h.rows, line)
	}
	h.mu.Unlock()

	h.broadcast(wefax.EncodeLine(row, line))
}

func (h *DisplayHub) Flush() {}

// SetAction broadcasts a decoder state change
func (h *DisplayHub) SetAction(a wefax.Action) {
	h.mu.Lock()
	h.action = a
	h.mu.Unlock()
	h.broadcast(wefax.EncodeState(a))
}

// SaveImage announces a completed image to the clients
func (h *DisplayHub) SaveImage(img *wefax.Image) error {
	h.broadcast(wefax.EncodeImageComplete(img))
	return nil
}

// ClientCount returns the number of connected displays
func (h *DisplayHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *DisplayHub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.queue(c, msg)
	}
}

// queue never blocks; a full client buffer drops the frame
func (h *DisplayHub) queue(c *wsClient, msg []byte) {
	select {
	case c.send <- c.encoder.Encode(msg):
		h.metrics.RecordWSFrame(true)
	default:
		h.metrics.RecordWSFrame(false)
	}
}

// HandleWebSocket upgrades the request and streams frames until the client
// goes away. ?compress=zstd selects compressed frames.
func (h *DisplayHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "err", err)
		return
	}

	c := &wsClient{
		id:      uuid.New().String(),
		conn:    rawConn,
		encoder: NewLineFrameEncoder(r.URL.Query().Get("compress") == "zstd"),
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
	}

	// Register and replay under one lock so no row is missed or doubled
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.queue(c, wefax.EncodeState(h.action))
	for i, row := range h.rows {
		h.queue(c, wefax.EncodeLine(i, row))
	}
	h.mu.Unlock()

	h.metrics.RecordWSConnection()
	h.logger.Info("Display client connected", "id", c.id, "remote", r.RemoteAddr)

	go h.writeLoop(c)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	close(c.send)
	h.mu.Unlock()
	<-c.done

	c.encoder.Close()
	rawConn.Close()
	h.metrics.RecordWSDisconnect()
	h.logger.Info("Display client disconnected", "id", c.id, "stats", c.encoder.GetStats())
}

func (h *DisplayHub) writeLoop(c *wsClient) {
	defer close(c.done)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				// Unblock readLoop, then drain until the hub closes send
				c.conn.Close()
				for range c.send {
				}
				return
			}
		case <-ping.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				for range c.send {
				}
				return
			}
		}
	}
}

func (h *DisplayHub) readLoop(c *wsClient) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Read error", "id", c.id, "err", err)
			}
			return
		}
		var cmd clientCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			h.logger.Debug("Ignoring malformed command", "id", c.id, "err", err)
			continue
		}
		h.handleCommand(c, cmd)
	}
}

func (h *DisplayHub) handleCommand(c *wsClient, cmd clientCommand) {
	h.mu.Lock()
	ctl := h.control
	h.mu.Unlock()
	if ctl == nil {
		return
	}

	var err error
	switch cmd.Type {
	case "start":
		err = ctl.Start()
	case "stop":
		ctl.Stop()
	case "skip":
		ctl.Skip()
	case "align":
		err = ctl.Align(cmd.X)
	default:
		h.logger.Debug("Unknown command", "id", c.id, "type", cmd.Type)
		return
	}
	if err != nil {
		h.logger.Warn("Command failed", "id", c.id, "type", cmd.Type, "err", err)
	}
}
