package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
)

// Passband requested with the mode, Hz
const rigctlPassband = 2400

// RigctlClient tunes a receiver through a Hamlib rigctld daemon over TCP.
// It satisfies wefax.Tuner.
type RigctlClient struct {
	addr              string
	conn              net.Conn
	reader            *bufio.Reader
	connected         bool
	mu                sync.Mutex
	timeout           time.Duration
	autoReconnect     bool
	initialRetryDelay time.Duration
	maxRetryDelay     time.Duration
	logger            *log.Logger
}

// NewRigctlClient creates a client for rigctld at addr (host:port)
func NewRigctlClient(addr string, logger *log.Logger) *RigctlClient {
	if logger == nil {
		logger = log.Default()
	}
	return &RigctlClient{
		addr:              addr,
		timeout:           5 * time.Second,
		autoReconnect:     true,
		initialRetryDelay: 1 * time.Second,
		maxRetryDelay:     60 * time.Second,
		logger:            logger.WithPrefix("rigctl"),
	}
}

// Connect establishes a connection to rigctld
func (r *RigctlClient) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return fmt.Errorf("already connected")
	}
	return r.connectLocked(ctx)
}

func (r *RigctlClient) connectLocked(ctx context.Context) error {
	d := net.Dialer{Timeout: r.timeout}
	conn, err := d.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to rigctld at %s: %w", r.addr, err)
	}
	r.conn = conn
	r.reader = bufio.NewReader(conn)
	r.connected = true
	return nil
}

// reconnect retries with exponential backoff until it succeeds or ctx is
// done
func (r *RigctlClient) reconnect(ctx context.Context) error {
	delay := r.initialRetryDelay
	for attempt := 1; ; attempt++ {
		r.mu.Lock()
		if r.connected {
			r.mu.Unlock()
			return nil
		}
		err := r.connectLocked(ctx)
		r.mu.Unlock()
		if err == nil {
			r.logger.Info("Reconnected", "addr", r.addr, "attempts", attempt)
			return nil
		}

		if attempt == 1 || attempt%10 == 0 {
			r.logger.Warn("Reconnection failed", "attempt", attempt, "retry_in", delay, "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > r.maxRetryDelay {
			delay = r.maxRetryDelay
		}
	}
}

// Disconnect closes the connection to rigctld
func (r *RigctlClient) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disconnectLocked()
}

func (r *RigctlClient) disconnectLocked() error {
	if !r.connected {
		return nil
	}
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
		r.reader = nil
	}
	r.connected = false
	return err
}

// sendCommand sends one command line and returns the single reply line.
// rigctld answers set commands with "RPRT n" and get commands with the value.
func (r *RigctlClient) sendCommand(ctx context.Context, cmd string) (string, error) {
	return r.sendCommandWithRetry(ctx, cmd, true)
}

func (r *RigctlClient) sendCommandWithRetry(ctx context.Context, cmd string, allowRetry bool) (string, error) {
	r.mu.Lock()
	if !r.connected || r.conn == nil {
		r.mu.Unlock()
		if allowRetry && r.autoReconnect {
			if err := r.reconnect(ctx); err != nil {
				return "", fmt.Errorf("not connected and reconnection failed: %w", err)
			}
			return r.sendCommandWithRetry(ctx, cmd, false)
		}
		return "", fmt.Errorf("not connected to rigctld")
	}

	line, err := r.exchangeLocked(cmd)
	if err != nil {
		r.disconnectLocked()
		r.mu.Unlock()
		if allowRetry && r.autoReconnect {
			if reconnErr := r.reconnect(ctx); reconnErr == nil {
				return r.sendCommandWithRetry(ctx, cmd, false)
			}
		}
		return "", err
	}
	r.mu.Unlock()
	return line, nil
}

func (r *RigctlClient) exchangeLocked(cmd string) (string, error) {
	if err := r.conn.SetWriteDeadline(time.Now().Add(r.timeout)); err != nil {
		return "", fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := r.conn.Write([]byte(cmd + "\n")); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}
	if err := r.conn.SetReadDeadline(time.Now().Add(r.timeout)); err != nil {
		return "", fmt.Errorf("failed to set read deadline: %w", err)
	}
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// checkResponse turns a non-zero RPRT line into an error
func checkResponse(response string) error {
	if !strings.HasPrefix(response, "RPRT") {
		return nil
	}
	parts := strings.Fields(response)
	if len(parts) < 2 {
		return fmt.Errorf("invalid RPRT response: %s", response)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return fmt.Errorf("invalid RPRT response: %s", response)
	}
	if code != 0 {
		return fmt.Errorf("rigctld error: RPRT %d (%s)", code, getErrorMessage(code))
	}
	return nil
}

// getErrorMessage returns the Hamlib description of an RPRT code
func getErrorMessage(code int) string {
	messages := map[int]string{
		-1:  "invalid parameter",
		-2:  "invalid configuration",
		-3:  "out of memory",
		-4:  "not implemented",
		-5:  "communication timed out",
		-6:  "IO error",
		-7:  "internal error",
		-8:  "protocol error",
		-9:  "command rejected",
		-10: "argument error",
		-11: "invalid VFO",
		-12: "argument out of range",
	}
	if msg, ok := messages[code]; ok {
		return msg
	}
	return "unknown error"
}

// Frequency reads the VFO frequency in Hz
func (r *RigctlClient) Frequency(ctx context.Context) (int, error) {
	resp, err := r.sendCommand(ctx, "f")
	if err != nil {
		return 0, err
	}
	if err := checkResponse(resp); err != nil {
		return 0, err
	}
	hz, err := strconv.ParseFloat(resp, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frequency response %q", resp)
	}
	return int(hz), nil
}

// SetFrequency sets the VFO frequency in Hz
func (r *RigctlClient) SetFrequency(ctx context.Context, hz int) error {
	resp, err := r.sendCommand(ctx, fmt.Sprintf("F %d", hz))
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

// SetSideband selects USB or LSB with a passband wide enough for WEFAX
func (r *RigctlClient) SetSideband(ctx context.Context, sb wefax.Sideband) error {
	resp, err := r.sendCommand(ctx, fmt.Sprintf("M %s %d", sb, rigctlPassband))
	if err != nil {
		return err
	}
	return checkResponse(resp)
}

func (r *RigctlClient) Close() error { return r.Disconnect() }
