package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// IQSink accepts interleaved I/Q samples, e.g. a *wefax.Weaver
type IQSink interface {
	PushInterleaved(iq []int16)
}

// route is where the payloads of one SSRC go
type route struct {
	pcm chan<- []int16
	iq  IQSink
}

// AudioReceiver receives RTP streams from radiod's data group and routes
// them by SSRC
type AudioReceiver struct {
	conn   *net.UDPConn
	logger *log.Logger

	mu      sync.RWMutex
	routes  map[uint32]route
	dropped map[uint32]int

	wg sync.WaitGroup
}

// NewAudioReceiver joins the data multicast group
func NewAudioReceiver(dataAddr *net.UDPAddr, iface *net.Interface, logger *log.Logger) (*AudioReceiver, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("rtp")

	conn, err := setupDataSocket(dataAddr, iface, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to setup data socket: %w", err)
	}
	logger.Info("Listening", "addr", dataAddr.String())

	return &AudioReceiver{
		conn:    conn,
		logger:  logger,
		routes:  make(map[uint32]route),
		dropped: make(map[uint32]int),
	}, nil
}

// setupDataSocket binds the multicast group with SO_REUSEPORT so other
// radiod consumers on the host can share it
func setupDataSocket(addr *net.UDPAddr, iface *net.Interface, logger *log.Logger) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp4", addr.String())
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	udpConn := conn.(*net.UDPConn)

	if err := udpConn.SetReadBuffer(1024 * 1024); err != nil {
		logger.Warn("Failed to set read buffer size", "err", err)
	}

	joinGroups(ipv4.NewPacketConn(udpConn), addr, iface, logger)
	return udpConn, nil
}

// RoutePCM delivers the big-endian 16-bit PCM of ssrc to ch. Blocks are
// dropped if ch is full.
func (ar *AudioReceiver) RoutePCM(ssrc uint32, ch chan<- []int16) {
	ar.mu.Lock()
	ar.routes[ssrc] = route{pcm: ch}
	ar.mu.Unlock()
}

// RouteIQ delivers the interleaved I/Q of ssrc to sink
func (ar *AudioReceiver) RouteIQ(ssrc uint32, sink IQSink) {
	ar.mu.Lock()
	ar.routes[ssrc] = route{iq: sink}
	ar.mu.Unlock()
}

// Unroute stops delivering ssrc
func (ar *AudioReceiver) Unroute(ssrc uint32) {
	ar.mu.Lock()
	delete(ar.routes, ssrc)
	delete(ar.dropped, ssrc)
	ar.mu.Unlock()
}

// Start runs the receive loop until ctx is done
func (ar *AudioReceiver) Start(ctx context.Context) {
	ar.wg.Add(1)
	go func() {
		defer ar.wg.Done()
		ar.receiveLoop()
	}()
	go func() {
		<-ctx.Done()
		ar.conn.Close()
	}()
}

// Wait blocks until the receive loop has exited
func (ar *AudioReceiver) Wait() { ar.wg.Wait() }

func (ar *AudioReceiver) receiveLoop() {
	buffer := make([]byte, 65536)
	packets := 0

	for {
		n, _, err := ar.conn.ReadFromUDP(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			ar.logger.Error("Error reading UDP packet", "err", err)
			continue
		}
		if n < 12 {
			continue
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			ar.logger.Debug("Error parsing RTP packet", "err", err)
			continue
		}
		packets++
		ar.routePayload(packet.SSRC, packet.Payload)
	}

	ar.logger.Debug("Receive loop exited", "packets", packets)
}

func (ar *AudioReceiver) routePayload(ssrc uint32, payload []byte) {
	ar.mu.RLock()
	r, ok := ar.routes[ssrc]
	ar.mu.RUnlock()
	if !ok || len(payload) < 2 {
		// Other channels on the same group
		return
	}

	// bytesToInt16Samples copies, the packet buffer is reused
	samples := bytesToInt16Samples(payload)
	if r.iq != nil {
		r.iq.PushInterleaved(samples)
		return
	}

	select {
	case r.pcm <- samples:
	default:
		ar.mu.Lock()
		ar.dropped[ssrc]++
		n := ar.dropped[ssrc]
		ar.mu.Unlock()
		if n%100 == 1 {
			ar.logger.Warn("Decoder not keeping up, dropping audio", "ssrc", fmt.Sprintf("0x%08x", ssrc), "dropped", n)
		}
	}
}

// bytesToInt16Samples converts big-endian PCM bytes to int16 samples
func bytesToInt16Samples(pcmBytes []byte) []int16 {
	samples := make([]int16, len(pcmBytes)/2)
	for i := range samples {
		samples[i] = int16(pcmBytes[i*2])<<8 | int16(pcmBytes[i*2+1])
	}
	return samples
}
