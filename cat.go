package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"go.bug.st/serial"
)

// Yaesu 5-byte commands: 4 parameter bytes then the opcode
var (
	ft847CatOn   = []byte{0, 0, 0, 0, 0x00}
	ft847CatOff  = []byte{0, 0, 0, 0, 0x80}
	ft847ReadVFO = []byte{0, 0, 0, 0, 0x03}
)

const (
	ft847SetVFO  = 0x01
	ft847SetMode = 0x07
	ft847ModeLSB = 0x00
	ft847ModeUSB = 0x01

	// Elecraft filter bandwidth in 10 Hz units and IF shift in Hz
	k3FilterBW = 140
	k3IFShift  = 1900

	catReadTimeout = 500 * time.Millisecond
	catWriteDelay  = 50 * time.Millisecond
	catReadRetries = 10
)

// catPort is the part of serial.Port the CAT driver uses
type catPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	Close() error
}

// elecraftState is the K2/K3 setup saved at open and restored at close
type elecraftState struct {
	vfo      int
	mode     int
	filterBW int
	ifShift  int
}

// CATController tunes Yaesu FT-847/FT-857 and Elecraft K2/K3 rigs over a
// serial port. It satisfies wefax.Tuner.
type CATController struct {
	kind   string
	port   catPort
	logger *log.Logger
	delay  time.Duration

	mu       sync.Mutex
	sideband wefax.Sideband
	saved    *elecraftState
}

func defaultCATBaud(kind string) int {
	if kind == "ft847" {
		return 57600
	}
	return 38400
}

// OpenCAT opens the serial port and checks the rig answers
func OpenCAT(cfg CATConfig, logger *log.Logger) (*CATController, error) {
	baud := cfg.Baud
	if baud == 0 {
		baud = defaultCATBaud(cfg.Type)
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Device, err)
	}
	if err := port.SetReadTimeout(catReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	c, err := newCATController(cfg.Type, port, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	c.logger.Info("CAT set up", "rig", cfg.Type, "device", cfg.Device, "baud", baud)
	return c, nil
}

func newCATController(kind string, port catPort, logger *log.Logger) (*CATController, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := &CATController{
		kind:     kind,
		port:     port,
		logger:   logger.WithPrefix("CAT"),
		delay:    catWriteDelay,
		sideband: wefax.USB,
	}
	if err := c.handshake(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *CATController) handshake() error {
	buf := make([]byte, 5)
	switch c.kind {
	case "ft847":
		if err := c.write(ft847CatOn); err != nil {
			return fmt.Errorf("failed to enable FT847 CAT: %w", err)
		}
		if err := c.query(ft847ReadVFO, buf); err != nil {
			c.write(ft847CatOff)
			return fmt.Errorf("failed to enable FT847 CAT: %w", err)
		}
	case "ft857":
		if err := c.query(ft847ReadVFO, buf); err != nil {
			return fmt.Errorf("failed to enable FT857 CAT: %w", err)
		}
	case "k2":
		if _, err := c.readVFOA(); err != nil {
			return fmt.Errorf("failed to enable K2 CAT: %w", err)
		}
	case "k3":
		if err := c.write([]byte("K31;")); err != nil {
			return fmt.Errorf("failed to enable K3 CAT: %w", err)
		}
		resp := make([]byte, 4)
		if err := c.query([]byte("K3;"), resp); err != nil {
			return fmt.Errorf("failed to enable K3 CAT: %w", err)
		}
		if string(resp) != "K31;" {
			return fmt.Errorf("failed to enable K3 CAT: unexpected reply %q", resp)
		}
	default:
		return fmt.Errorf("unsupported CAT rig %q", c.kind)
	}

	if c.isElecraft() {
		state, err := c.readElecraftState()
		if err != nil {
			c.logger.Warn("Could not read rig state, it will not be restored", "err", err)
		} else {
			c.saved = state
		}
	}
	return nil
}

func (c *CATController) isElecraft() bool {
	return c.kind == "k2" || c.kind == "k3"
}

func (c *CATController) write(cmd []byte) error {
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	n, err := c.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("write: sent %d of %d bytes", n, len(cmd))
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	return nil
}

// readFull reads exactly len(buf) bytes, tolerating read timeouts that
// return no data
func (c *CATController) readFull(buf []byte) error {
	got := 0
	for tries := 0; got < len(buf); {
		n, err := c.port.Read(buf[got:])
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			tries++
			if tries >= catReadRetries {
				return fmt.Errorf("read: got %d of %d bytes", got, len(buf))
			}
			continue
		}
		got += n
	}
	return nil
}

func (c *CATController) query(cmd, resp []byte) error {
	if err := c.write(cmd); err != nil {
		return err
	}
	return c.readFull(resp)
}

// encodeYaesuFreq packs hz as 8 BCD digits of 10 Hz units
func encodeYaesuFreq(hz int) [4]byte {
	digits := fmt.Sprintf("%08d", hz/10)
	digits = digits[len(digits)-8:]
	var out [4]byte
	for i := range out {
		out[i] = (digits[2*i]-'0')<<4 | (digits[2*i+1] - '0')
	}
	return out
}

// decodeYaesuFreq is the inverse of encodeYaesuFreq
func decodeYaesuFreq(b []byte) int {
	freq := 0
	for i := 0; i < 4; i++ {
		freq = freq*10 + int(b[i]>>4)
		freq = freq*10 + int(b[i]&0x0F)
	}
	return freq * 10
}

func (c *CATController) readVFOA() (int, error) {
	resp := make([]byte, len("FA00000000000;"))
	if err := c.query([]byte("FA;"), resp); err != nil {
		return 0, err
	}
	return parseElecraft(resp, "FA")
}

// parseElecraft extracts the number from a reply such as "FA00014100000;"
// or "IS 1900;"
func parseElecraft(resp []byte, prefix string) (int, error) {
	s := string(resp)
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, ";") {
		return 0, fmt.Errorf("unexpected reply %q", s)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s[len(prefix) : len(s)-1]))
	if err != nil {
		return 0, fmt.Errorf("unexpected reply %q", s)
	}
	return v, nil
}

func (c *CATController) readElecraftState() (*elecraftState, error) {
	var st elecraftState
	var err error
	if st.vfo, err = c.readVFOA(); err != nil {
		return nil, err
	}
	queries := []struct {
		cmd, prefix string
		size        int
		dst         *int
	}{
		{"MD;", "MD", len("MD2;"), &st.mode},
		{"FW;", "FW", len("FW0140;"), &st.filterBW},
		{"IS;", "IS", len("IS 1900;"), &st.ifShift},
	}
	for _, q := range queries {
		resp := make([]byte, q.size)
		if err := c.query([]byte(q.cmd), resp); err != nil {
			return nil, err
		}
		if *q.dst, err = parseElecraft(resp, q.prefix); err != nil {
			return nil, err
		}
	}
	return &st, nil
}

func (c *CATController) writeElecraft(vfo, mode, filterBW, ifShift int) error {
	cmds := []string{
		fmt.Sprintf("FA%011d;", vfo),
		fmt.Sprintf("MD%d;", mode),
		fmt.Sprintf("FW%04d;", filterBW),
		fmt.Sprintf("IS %04d;", ifShift),
	}
	for _, cmd := range cmds {
		if err := c.write([]byte(cmd)); err != nil {
			return err
		}
	}
	return nil
}

func elecraftMode(sb wefax.Sideband) int {
	if sb == wefax.LSB {
		return 1
	}
	return 2
}

// Frequency reads the main VFO in Hz
func (c *CATController) Frequency(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isElecraft() {
		return c.readVFOA()
	}
	resp := make([]byte, 5)
	if err := c.query(ft847ReadVFO, resp); err != nil {
		return 0, err
	}
	return decodeYaesuFreq(resp), nil
}

// SetFrequency tunes the main VFO. Elecraft rigs also get the sideband,
// a narrow filter and an IF shift centered on the WEFAX band.
func (c *CATController) SetFrequency(ctx context.Context, hz int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isElecraft() {
		return c.writeElecraft(hz, elecraftMode(c.sideband), k3FilterBW, k3IFShift)
	}
	bcd := encodeYaesuFreq(hz)
	return c.write([]byte{bcd[0], bcd[1], bcd[2], bcd[3], ft847SetVFO})
}

// SetSideband selects USB or LSB
func (c *CATController) SetSideband(ctx context.Context, sb wefax.Sideband) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sideband = sb
	if c.isElecraft() {
		return c.write([]byte(fmt.Sprintf("MD%d;", elecraftMode(sb))))
	}
	mode := byte(ft847ModeUSB)
	if sb == wefax.LSB {
		mode = ft847ModeLSB
	}
	return c.write([]byte{mode, 0, 0, 0, ft847SetMode})
}

// Close restores the Elecraft setup, turns FT-847 CAT off and closes the
// port
func (c *CATController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.saved != nil {
		s := c.saved
		if err := c.writeElecraft(s.vfo, s.mode, s.filterBW, s.ifShift); err != nil {
			c.logger.Warn("Failed to restore rig state", "err", err)
		}
	}
	if c.kind == "ft847" {
		if err := c.write(ft847CatOff); err != nil {
			c.logger.Warn("Failed to disable FT847 CAT", "err", err)
		}
	}
	return c.port.Close()
}
