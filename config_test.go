package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "radiod:\n  frequency: 8459000\n"))
	require.NoError(t, err)

	assert.Equal(t, 8459000, cfg.Radiod.Frequency)
	assert.Equal(t, "usb", cfg.Radiod.Preset())
	assert.Equal(t, InputRadiod, cfg.Input.Source)
	assert.Equal(t, "pgm", cfg.Images.Format)
	assert.Equal(t, 120, cfg.WEFAX.LPM)
	assert.Equal(t, "stations.txt", cfg.StationsFile)
}

func TestLoadConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
input:
  source: wav
  wav_file: fax.wav
wefax:
  lpm: 60
  ioc: 288
  enhance: contrast
images:
  format: both
radiod:
  iq: true
`))
	require.NoError(t, err)
	assert.Equal(t, InputWAV, cfg.Input.Source)
	assert.Equal(t, 60, cfg.WEFAX.LPM)
	assert.Equal(t, 288, cfg.WEFAX.IOC)
	assert.Equal(t, "both", cfg.Images.Format)
	assert.Equal(t, "iq", cfg.Radiod.Preset())
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad source", "input:\n  source: tape\n", "input.source"},
		{"wav without file", "input:\n  source: wav\n", "input.wav_file"},
		{"bad sideband", "radiod:\n  sideband: am\n", "radiod.sideband"},
		{"iq rate", "radiod:\n  iq: true\n  sample_rate: 44100\n", "radiod.iq"},
		{"bad format", "images:\n  format: png\n", "images.format"},
		{"bad quality", "images:\n  jpeg_quality: 0\n", "images.jpeg_quality"},
		{"serial cat without device", "cat:\n  type: k3\n", "cat.device"},
		{"bad cat", "cat:\n  type: ic7300\n", "cat.type"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"bad lpm", "wefax:\n  lpm: 10\n", "lpm"},
		{"bad allowed host", "prometheus:\n  enabled: true\n  allowed_hosts: [nonsense]\n", "allowed_hosts"},
		{"not yaml", "radiod: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadConfigWithFlags(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := loadConfigWithFlags(missing, false, "", "fax.wav")
	require.NoError(t, err)
	assert.Equal(t, InputWAV, cfg.Input.Source)
	assert.Equal(t, "fax.wav", cfg.Input.WAVFile)

	_, err = loadConfigWithFlags(missing, true, "", "")
	assert.Error(t, err, "an explicit config file must exist")

	_, err = loadConfigWithFlags(missing, false, "tape", "")
	assert.ErrorContains(t, err, "input.source")
}

func TestPrometheusAllowedHosts(t *testing.T) {
	pc := PrometheusConfig{Enabled: true, AllowedHosts: []string{"127.0.0.1", "10.0.0.0/8", "::1"}}
	require.NoError(t, pc.parseAllowedHosts())

	assert.True(t, pc.IsIPAllowed("127.0.0.1"))
	assert.True(t, pc.IsIPAllowed("10.20.30.40"))
	assert.True(t, pc.IsIPAllowed("::1"))
	assert.False(t, pc.IsIPAllowed("192.168.1.1"))
	assert.False(t, pc.IsIPAllowed("garbage"))

	open := PrometheusConfig{Enabled: true}
	require.NoError(t, open.parseAllowedHosts())
	assert.True(t, open.IsIPAllowed("192.168.1.1"))
}
