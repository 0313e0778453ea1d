package main

import (
	"context"
	"sync"
	"testing"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// fakeRig answers CAT commands from a table; unknown commands get no reply
type fakeRig struct {
	mu      sync.Mutex
	replies map[string]string
	pending []byte
	writes  []string
	closed  bool
}

func newFakeRig(replies map[string]string) *fakeRig {
	return &fakeRig{replies: replies}
}

func (f *fakeRig) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *fakeRig) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(p))
	f.pending = append(f.pending, f.replies[string(p)]...)
	return len(p), nil
}

func (f *fakeRig) ResetInputBuffer() error {
	f.mu.Lock()
	f.pending = nil
	f.mu.Unlock()
	return nil
}

func (f *fakeRig) Close() error {
	f.closed = true
	return nil
}

func (f *fakeRig) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func TestYaesuFreqBCD(t *testing.T) {
	assert.Equal(t, [4]byte{0x01, 0x41, 0x00, 0x00}, encodeYaesuFreq(14100000))
	assert.Equal(t, [4]byte{0x00, 0x46, 0x10, 0x00}, encodeYaesuFreq(4610000))
	assert.Equal(t, 8459000, decodeYaesuFreq([]byte{0x00, 0x84, 0x59, 0x00}))

	rapid.Check(t, func(t *rapid.T) {
		hz := rapid.IntRange(0, 99999999).Draw(t, "tens") * 10
		b := encodeYaesuFreq(hz)
		assert.Equal(t, hz, decodeYaesuFreq(b[:]))
	})
}

func TestParseElecraft(t *testing.T) {
	v, err := parseElecraft([]byte("FA00014100000;"), "FA")
	require.NoError(t, err)
	assert.Equal(t, 14100000, v)

	v, err = parseElecraft([]byte("IS 1900;"), "IS")
	require.NoError(t, err)
	assert.Equal(t, 1900, v)

	_, err = parseElecraft([]byte("?;"), "FA")
	assert.Error(t, err)
	_, err = parseElecraft([]byte("FA0001410000"), "FA")
	assert.Error(t, err)
}

func TestFT847(t *testing.T) {
	rig := newFakeRig(map[string]string{
		string(ft847ReadVFO): "\x01\x41\x00\x00\x01",
	})
	c, err := newCATController("ft847", rig, nil)
	require.NoError(t, err)
	c.delay = 0

	freq, err := c.Frequency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 14100000, freq)

	require.NoError(t, c.SetFrequency(context.Background(), 4610000))
	require.NoError(t, c.SetSideband(context.Background(), wefax.LSB))
	require.NoError(t, c.Close())

	writes := rig.written()
	assert.Equal(t, string(ft847CatOn), writes[0])
	assert.Contains(t, writes, "\x00\x46\x10\x00\x01")
	assert.Contains(t, writes, "\x00\x00\x00\x00\x07")
	assert.Equal(t, string(ft847CatOff), writes[len(writes)-1])
	assert.True(t, rig.closed)
}

func TestFT857NoReply(t *testing.T) {
	_, err := newCATController("ft857", newFakeRig(nil), nil)
	assert.ErrorContains(t, err, "FT857")
}

func TestK3SaveAndRestore(t *testing.T) {
	rig := newFakeRig(map[string]string{
		"K3;": "K31;",
		"FA;": "FA00014100000;",
		"MD;": "MD3;",
		"FW;": "FW0270;",
		"IS;": "IS 0800;",
	})
	c, err := newCATController("k3", rig, nil)
	require.NoError(t, err)
	c.delay = 0
	require.NotNil(t, c.saved)
	assert.Equal(t, elecraftState{vfo: 14100000, mode: 3, filterBW: 270, ifShift: 800}, *c.saved)

	require.NoError(t, c.SetFrequency(context.Background(), 4610000))
	n := len(rig.written())
	require.NoError(t, c.Close())

	writes := rig.written()
	assert.Equal(t, []string{"FA00004610000;", "MD2;", "FW0140;", "IS 1900;"}, writes[n-4:n])
	assert.Equal(t, []string{"FA00014100000;", "MD3;", "FW0270;", "IS 0800;"}, writes[n:])
}

func TestK3BadEcho(t *testing.T) {
	_, err := newCATController("k3", newFakeRig(map[string]string{"K3;": "K30;"}), nil)
	assert.ErrorContains(t, err, "unexpected reply")
}

func TestDefaultCATBaud(t *testing.T) {
	assert.Equal(t, 57600, defaultCATBaud("ft847"))
	assert.Equal(t, 38400, defaultCATBaud("k3"))
}
