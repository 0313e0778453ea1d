package main

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRigctld answers the rigctld commands used for tuning
type fakeRigctld struct {
	ln       net.Listener
	mu       sync.Mutex
	freq     string
	commands []string
}

func startFakeRigctld(t *testing.T) *fakeRigctld {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeRigctld{ln: ln, freq: "14100000"}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f
}

func (f *fakeRigctld) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		f.mu.Lock()
		f.commands = append(f.commands, line)
		var reply string
		switch {
		case line == "f":
			reply = f.freq
		case strings.HasPrefix(line, "F 0"):
			reply = "RPRT -12"
		case strings.HasPrefix(line, "F "):
			f.freq = strings.TrimPrefix(line, "F ")
			reply = "RPRT 0"
		case strings.HasPrefix(line, "M "):
			reply = "RPRT 0"
		default:
			reply = "RPRT -4"
		}
		f.mu.Unlock()
		io.WriteString(conn, reply+"\n")
	}
}

func (f *fakeRigctld) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func TestRigctlClient(t *testing.T) {
	rig := startFakeRigctld(t)
	ctx := context.Background()

	c := NewRigctlClient(rig.ln.Addr().String(), log.New(io.Discard))
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	assert.Error(t, c.Connect(ctx), "already connected")

	var _ wefax.Tuner = c

	freq, err := c.Frequency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14100000, freq)

	require.NoError(t, c.SetFrequency(ctx, 8459000))
	freq, err = c.Frequency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8459000, freq)

	require.NoError(t, c.SetSideband(ctx, wefax.LSB))

	err = c.SetFrequency(ctx, 0)
	assert.ErrorContains(t, err, "argument out of range")

	assert.Equal(t, []string{"f", "F 8459000", "f", "M LSB 2400", "F 0"}, rig.received())
}

func TestRigctlReconnect(t *testing.T) {
	rig := startFakeRigctld(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewRigctlClient(rig.ln.Addr().String(), log.New(io.Discard))
	// Never connected: the first command dials
	freq, err := c.Frequency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14100000, freq)
	require.NoError(t, c.Disconnect())

	freq, err = c.Frequency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 14100000, freq)
}

func TestRigctlConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewRigctlClient(addr, log.New(io.Discard))
	assert.Error(t, c.Connect(context.Background()))
}

func TestCheckResponse(t *testing.T) {
	assert.NoError(t, checkResponse("RPRT 0"))
	assert.NoError(t, checkResponse("14100000"))
	assert.ErrorContains(t, checkResponse("RPRT -9"), "command rejected")
	assert.ErrorContains(t, checkResponse("RPRT"), "invalid RPRT")
	assert.ErrorContains(t, checkResponse("RPRT x"), "invalid RPRT")
	assert.Equal(t, "unknown error", getErrorMessage(-99))
}
