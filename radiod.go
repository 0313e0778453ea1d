package main

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"golang.org/x/net/ipv4"
)

// Status tags from ka9q-radio status.h
const (
	tagEOL            = 0x00
	tagCommandTag     = 0x01
	tagOutputSSRC     = 0x12
	tagOutputSamprate = 0x14
	tagRadioFrequency = 0x21
	tagPreset         = 0x55
	tagStatusInterval = 0x6A

	pktCommand = 1
)

// RadiodController sends channel commands to ka9q-radio's radiod
type RadiodController struct {
	statusAddr *net.UDPAddr
	dataAddr   *net.UDPAddr
	conn       *net.UDPConn
	iface      *net.Interface
	logger     *log.Logger
	cmdMu      sync.Mutex
}

// fnv1hash implements the FNV-1 hash used by ka9q-radio's make_maddr()
func fnv1hash(data []byte) uint32 {
	hash := uint32(0x811c9dc5)
	for _, b := range data {
		hash *= 0x01000193
		hash ^= uint32(b)
	}
	return hash
}

// makeMaddr derives an administratively scoped multicast address from a
// hostname the way radiod does when the name does not resolve
func makeMaddr(hostname string) string {
	hash := fnv1hash([]byte(hostname))
	addr := (239 << 24) | (hash & 0xffffff)

	// 239.0.0.0/24 and 239.128.0.0/24 share Ethernet multicast MACs with
	// other groups
	if (addr & 0x007fff00) == 0 {
		addr |= (addr & 0xff) << 8
	}
	if (addr & 0x007fff00) == 0 {
		addr |= 0x00100000
	}

	return fmt.Sprintf("%d.%d.%d.%d",
		(addr>>24)&0xff,
		(addr>>16)&0xff,
		(addr>>8)&0xff,
		addr&0xff)
}

// resolveMulticastAddr resolves host:port, falling back to the hash
// generated group
func resolveMulticastAddr(addrStr string, logger *log.Logger) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", addrStr)
	if err == nil {
		return addr, nil
	}

	hostname, port, found := strings.Cut(addrStr, ":")
	if hostname == "" {
		return nil, fmt.Errorf("invalid address format: %s", addrStr)
	}
	if !found {
		port = "0"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in address %s: %w", addrStr, err)
	}

	generated := fmt.Sprintf("%s:%d", makeMaddr(hostname), portNum)
	logger.Info("DNS resolution failed, using hash-generated address", "addr", addrStr, "generated", generated)
	return net.ResolveUDPAddr("udp", generated)
}

// NewRadiodController resolves the multicast groups and opens the control
// socket
func NewRadiodController(cfg RadiodConfig, logger *log.Logger) (*RadiodController, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("radiod")

	statusAddr, err := resolveMulticastAddr(cfg.StatusGroup, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve status address: %w", err)
	}
	dataAddr, err := resolveMulticastAddr(cfg.DataGroup, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data address: %w", err)
	}

	var iface *net.Interface
	if cfg.Interface != "" {
		iface, err = net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("failed to get interface %s: %w", cfg.Interface, err)
		}
	} else {
		iface, err = getDefaultInterface()
		if err != nil {
			logger.Warn("Could not determine default interface", "err", err)
		}
	}

	conn, err := setupControlSocket(statusAddr, iface, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create control socket: %w", err)
	}

	logger.Info("Control socket ready", "status", statusAddr, "data", dataAddr)
	return &RadiodController{
		statusAddr: statusAddr,
		dataAddr:   dataAddr,
		conn:       conn,
		iface:      iface,
		logger:     logger,
	}, nil
}

// setupControlSocket creates the UDP socket commands are sent from, with
// the multicast options radiod's own tools use
func setupControlSocket(addr *net.UDPAddr, iface *net.Interface, logger *log.Logger) (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP socket: %w", err)
	}

	rawConn, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var sockErr error
	err = rawConn.Control(func(fd uintptr) {
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_LOOP, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_LOOP: %w", err)
			return
		}
		// Local network only
		if err := syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_TTL, 1); err != nil {
			sockErr = fmt.Errorf("failed to set IP_MULTICAST_TTL: %w", err)
			return
		}
		if iface != nil {
			mreqn := syscall.IPMreqn{Ifindex: int32(iface.Index)}
			if err := syscall.SetsockoptIPMreqn(int(fd), syscall.IPPROTO_IP, syscall.IP_MULTICAST_IF, &mreqn); err != nil {
				sockErr = fmt.Errorf("failed to set IP_MULTICAST_IF: %w", err)
				return
			}
		}
		if err := syscall.SetNonblock(int(fd), true); err != nil {
			sockErr = fmt.Errorf("failed to set non-blocking: %w", err)
		}
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to control socket: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, sockErr
	}

	// Joining the group on the sending side keeps IGMP snooping switches
	// forwarding our commands
	joinGroups(ipv4.NewPacketConn(conn), addr, iface, logger)
	return conn, nil
}

// joinGroups joins addr on iface and on loopback for local traffic
func joinGroups(p *ipv4.PacketConn, addr *net.UDPAddr, iface *net.Interface, logger *log.Logger) {
	if iface != nil {
		if err := p.JoinGroup(iface, addr); err != nil {
			logger.Warn("Failed to join multicast group", "iface", iface.Name, "err", err)
		}
	}
	loopback, err := getLoopbackInterface()
	if err == nil && loopback != nil {
		if err := p.JoinGroup(loopback, addr); err != nil {
			logger.Warn("Failed to join multicast group on loopback", "err", err)
		}
	}
}

// getDefaultInterface returns the first up, non-loopback multicast interface
func getDefaultInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		return &iface, nil
	}
	return nil, fmt.Errorf("no suitable interface found")
}

func getLoopbackInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			return &iface, nil
		}
	}
	return nil, fmt.Errorf("loopback interface not found")
}

// channelCommand is one radiod command packet. Zero fields are omitted,
// except the frequency when disable is set.
type channelCommand struct {
	ssrc       uint32
	frequency  int
	preset     string
	sampleRate int
	disable    bool
	tag        uint32
}

// encode builds the TLV packet. Frequency must precede the preset so the
// preset is applied at the new frequency.
func (c channelCommand) encode() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, pktCommand)
	buf = encodeInt32(&buf, tagOutputSSRC, c.ssrc)
	if c.disable {
		buf = encodeDouble(&buf, tagRadioFrequency, 0)
	} else if c.frequency > 0 {
		buf = encodeDouble(&buf, tagRadioFrequency, float64(c.frequency))
	}
	if c.preset != "" {
		buf = encodeString(&buf, tagPreset, c.preset)
	}
	if c.sampleRate > 0 {
		buf = encodeInt32(&buf, tagOutputSamprate, uint32(c.sampleRate))
	}
	if !c.disable {
		// 5 frames of 20 ms; preset reloads reset it, so it goes with every command
		buf = encodeInt32(&buf, tagStatusInterval, 5)
	}
	buf = encodeInt32(&buf, tagCommandTag, c.tag)
	return append(buf, tagEOL)
}

// encodeInt32 encodes a 32-bit integer with leading zero suppression
func encodeInt32(buf *[]byte, tag byte, value uint32) []byte {
	*buf = append(*buf, tag)
	if value == 0 {
		*buf = append(*buf, 0)
		return *buf
	}

	x := uint64(value)
	length := 8
	for length > 0 && (x>>56) == 0 {
		x <<= 8
		length--
	}
	*buf = append(*buf, byte(length))
	for i := 0; i < length; i++ {
		*buf = append(*buf, byte(x>>56))
		x <<= 8
	}
	return *buf
}

// encodeDouble encodes the IEEE 754 bits of value with leading zero
// suppression
func encodeDouble(buf *[]byte, tag byte, value float64) []byte {
	*buf = append(*buf, tag)
	bits := math.Float64bits(value)
	if bits == 0 {
		*buf = append(*buf, 0)
		return *buf
	}

	length := 8
	for length > 0 && (bits>>56) == 0 {
		bits <<= 8
		length--
	}
	*buf = append(*buf, byte(length))
	for i := 0; i < length; i++ {
		*buf = append(*buf, byte(bits>>56))
		bits <<= 8
	}
	return *buf
}

func encodeString(buf *[]byte, tag byte, value string) []byte {
	*buf = append(*buf, tag)
	length := len(value)
	if length < 128 {
		*buf = append(*buf, byte(length))
	} else {
		*buf = append(*buf, 0x80|2, byte(length>>8), byte(length))
	}
	*buf = append(*buf, value...)
	return *buf
}

// sendCommand writes one command packet to the status group
func (rc *RadiodController) sendCommand(cmd []byte) error {
	rc.cmdMu.Lock()
	defer rc.cmdMu.Unlock()

	if err := rc.conn.SetWriteDeadline(time.Now().Add(1 * time.Second)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	n, err := rc.conn.WriteTo(cmd, rc.statusAddr)
	if err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("incomplete write: sent %d of %d bytes", n, len(cmd))
	}
	return nil
}

// DataAddr returns the data multicast address
func (rc *RadiodController) DataAddr() *net.UDPAddr { return rc.dataAddr }

// Interface returns the network interface used for multicast
func (rc *RadiodController) Interface() *net.Interface { return rc.iface }

func (rc *RadiodController) Close() error {
	if rc.conn != nil {
		return rc.conn.Close()
	}
	return nil
}

// ssrcForFrequency follows the ka9q-radio convention of naming a channel by
// its frequency in kHz
func ssrcForFrequency(hz int) uint32 {
	ssrc := uint32(hz / 1000)
	if ssrc == 0 || ssrc == 0xffffffff {
		ssrc = 1
	}
	return ssrc
}

// RadiodChannel is the receive channel for one WEFAX session. It
// satisfies wefax.Tuner; the SSRC stays fixed when it is retuned. I/Q
// channels are centered iqOffset above (USB) or below (LSB) the dial
// frequency for the local Weaver demodulator.
type RadiodChannel struct {
	rc         *RadiodController
	ssrc       uint32
	sampleRate int
	iqOffset   int

	mu        sync.Mutex
	frequency int
	preset    string
	sideband  wefax.Sideband
}

// OpenChannel creates the radiod channel
func (rc *RadiodController) OpenChannel(cfg RadiodConfig) (*RadiodChannel, error) {
	if cfg.Frequency <= 0 {
		return nil, fmt.Errorf("radiod.frequency is required")
	}
	ch := &RadiodChannel{
		rc:         rc,
		ssrc:       ssrcForFrequency(cfg.Frequency),
		sampleRate: cfg.SampleRate,
		frequency:  cfg.Frequency,
		preset:     cfg.Preset(),
		sideband:   wefax.ParseSideband(cfg.Sideband),
	}
	if cfg.IQ {
		ch.iqOffset = wefax.WeaverOffset(cfg.SampleRate)
		if ch.iqOffset == 0 {
			return nil, fmt.Errorf("radiod.sample_rate %d cannot be demodulated locally", cfg.SampleRate)
		}
	}
	cmd := channelCommand{
		ssrc:       ch.ssrc,
		frequency:  ch.center(ch.frequency, ch.sideband),
		preset:     ch.preset,
		sampleRate: ch.sampleRate,
		tag:        uint32(time.Now().Unix()),
	}
	if err := rc.sendCommand(cmd.encode()); err != nil {
		return nil, fmt.Errorf("failed to send create command: %w", err)
	}
	rc.logger.Info("Created channel", "ssrc", fmt.Sprintf("0x%08x", ch.ssrc),
		"freq", ch.frequency, "preset", ch.preset, "rate", ch.sampleRate, "iq_offset", ch.iqOffset)
	return ch, nil
}

// center is the radiod tuning frequency for dial frequency hz
func (ch *RadiodChannel) center(hz int, sb wefax.Sideband) int {
	if sb == wefax.LSB {
		return hz - ch.iqOffset
	}
	return hz + ch.iqOffset
}

func (ch *RadiodChannel) SSRC() uint32 { return ch.ssrc }

func (ch *RadiodChannel) Frequency(ctx context.Context) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.frequency, nil
}

func (ch *RadiodChannel) SetFrequency(ctx context.Context, hz int) error {
	if hz <= 0 {
		return fmt.Errorf("invalid frequency %d", hz)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	cmd := channelCommand{ssrc: ch.ssrc, frequency: ch.center(hz, ch.sideband), tag: uint32(time.Now().Unix())}
	if err := ch.rc.sendCommand(cmd.encode()); err != nil {
		return fmt.Errorf("failed to send tune command: %w", err)
	}
	ch.frequency = hz
	return nil
}

// SetSideband switches between the usb and lsb presets. I/Q channels keep
// their preset and move the center to the other side of the carrier.
func (ch *RadiodChannel) SetSideband(ctx context.Context, sb wefax.Sideband) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.preset == "iq" {
		if sb == ch.sideband {
			return nil
		}
		cmd := channelCommand{ssrc: ch.ssrc, frequency: ch.center(ch.frequency, sb), tag: uint32(time.Now().Unix())}
		if err := ch.rc.sendCommand(cmd.encode()); err != nil {
			return fmt.Errorf("failed to send tune command: %w", err)
		}
		ch.sideband = sb
		return nil
	}
	preset := strings.ToLower(string(sb))
	if preset == ch.preset {
		return nil
	}
	cmd := channelCommand{ssrc: ch.ssrc, frequency: ch.frequency, preset: preset, sampleRate: ch.sampleRate, tag: uint32(time.Now().Unix())}
	if err := ch.rc.sendCommand(cmd.encode()); err != nil {
		return fmt.Errorf("failed to send preset command: %w", err)
	}
	ch.preset = preset
	ch.sideband = sb
	return nil
}

// Close disables the channel by setting its frequency to 0. radiod
// removes idle channels itself.
func (ch *RadiodChannel) Close() error {
	cmd := channelCommand{ssrc: ch.ssrc, disable: true, tag: uint32(time.Now().Unix())}
	if err := ch.rc.sendCommand(cmd.encode()); err != nil {
		return fmt.Errorf("failed to send disable command: %w", err)
	}
	ch.rc.logger.Info("Disabled channel", "ssrc", fmt.Sprintf("0x%08x", ch.ssrc))
	return nil
}
