package main

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Radiod       RadiodConfig      `yaml:"radiod"`
	Input        InputConfig       `yaml:"input"`
	WEFAX        wefax.WEFAXConfig `yaml:"wefax"`
	Images       ImagesConfig      `yaml:"images"`
	CAT          CATConfig         `yaml:"cat"`
	Server       ServerConfig      `yaml:"server"`
	Prometheus   PrometheusConfig  `yaml:"prometheus"`
	MQTT         MQTTConfig        `yaml:"mqtt"`
	Logging      LoggingConfig     `yaml:"logging"`
	StationsFile string            `yaml:"stations_file"`
}

// Input sources
const (
	InputRadiod    = "radiod"
	InputWAV       = "wav"
	InputSoundcard = "soundcard"
)

// RadiodConfig contains ka9q-radio connection settings
type RadiodConfig struct {
	StatusGroup string `yaml:"status_group"` // Multicast group for status/control
	DataGroup   string `yaml:"data_group"`   // Multicast group for data streams
	Interface   string `yaml:"interface"`    // Network interface to use
	Frequency   int    `yaml:"frequency"`    // Dial frequency in Hz
	Sideband    string `yaml:"sideband"`     // usb or lsb
	IQ          bool   `yaml:"iq"`           // Request raw I/Q and demodulate locally
	SampleRate  int    `yaml:"sample_rate"`  // Channel output rate in Hz
}

// Preset returns the radiod preset name for the channel
func (rc RadiodConfig) Preset() string {
	if rc.IQ {
		return "iq"
	}
	return strings.ToLower(string(wefax.ParseSideband(rc.Sideband)))
}

// InputConfig selects where audio comes from
type InputConfig struct {
	Source      string `yaml:"source"`       // radiod, wav or soundcard
	WAVFile     string `yaml:"wav_file"`     // File decoded when source is wav
	Device      string `yaml:"device"`       // Sound card index or name prefix
	RecordFile  string `yaml:"record_file"`  // Optional WAV recording of received audio
	RogueFilter bool   `yaml:"rogue_filter"` // Remove isolated sign flips from sound card input
}

// ImagesConfig controls where and how completed images are saved
type ImagesConfig struct {
	Dir             string `yaml:"dir"`
	Format          string `yaml:"format"`           // pgm, jpeg or both
	JPEGQuality     int    `yaml:"jpeg_quality"`     // 1-100
	FilenamePattern string `yaml:"filename_pattern"` // strftime pattern, station name is appended
}

// CATConfig selects the receiver tuning backend when radiod is not used
type CATConfig struct {
	Type    string `yaml:"type"`    // none, rigctld, ft847, ft857, k2 or k3
	Address string `yaml:"address"` // host:port of rigctld
	Device  string `yaml:"device"`  // Serial device for Yaesu/Elecraft rigs
	Baud    int    `yaml:"baud"`    // 0 selects the rig's default rate
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	EnableCORS  bool   `yaml:"enable_cors"`
	Compression bool   `yaml:"compression"` // zstd-compress websocket line frames
	MDNS        bool   `yaml:"mdns"`        // Advertise the control API with mDNS
	MDNSName    string `yaml:"mdns_name"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json or logfmt
}

// PrometheusConfig contains Prometheus metrics endpoint settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`

	allowedNets []*net.IPNet
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // e.g. http://pushgateway:9091
	Instance string `yaml:"instance"` // Basic auth username and instance label
	Token    string `yaml:"token"`    // Basic auth password
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Broker          string        `yaml:"broker"` // e.g. tcp://mqtt.example.com:1883
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	TopicPrefix     string        `yaml:"topic_prefix"`
	PublishInterval int           `yaml:"publish_interval"` // Metrics snapshot interval in seconds
	QoS             byte          `yaml:"qos"`
	Retain          bool          `yaml:"retain"`
	TLS             MQTTTLSConfig `yaml:"tls"`
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// DefaultConfig returns a configuration that decodes from radiod with
// images written to ./images
func DefaultConfig() *Config {
	return &Config{
		Radiod: RadiodConfig{
			StatusGroup: "hf-status.local:5006",
			DataGroup:   "wefax-pcm.local:5004",
			Sideband:    "usb",
			SampleRate:  12000,
		},
		Input: InputConfig{
			Source: InputRadiod,
		},
		WEFAX: wefax.DefaultWEFAXConfig(),
		Images: ImagesConfig{
			Dir:             "images",
			Format:          "pgm",
			JPEGQuality:     85,
			FilenamePattern: "%d%b%Y-%H%M",
		},
		CAT: CATConfig{
			Type:    "none",
			Address: "localhost:4532",
		},
		Server: ServerConfig{
			Listen:   ":8073",
			MDNSName: "ka9q_wefax",
		},
		Prometheus: PrometheusConfig{
			Pushgateway: PushgatewayConfig{
				URL: "http://localhost:9091",
			},
		},
		MQTT: MQTTConfig{
			TopicPrefix:     "wefax",
			PublishInterval: 60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		StationsFile: "stations.txt",
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Input.Source {
	case InputRadiod:
		if c.Radiod.StatusGroup == "" {
			return fmt.Errorf("radiod.status_group is required")
		}
		if c.Radiod.DataGroup == "" {
			return fmt.Errorf("radiod.data_group is required")
		}
		if c.Radiod.SampleRate < 8000 {
			return fmt.Errorf("radiod.sample_rate must be at least 8000 (got %d)", c.Radiod.SampleRate)
		}
		if c.Radiod.IQ && wefax.WeaverOffset(c.Radiod.SampleRate) == 0 {
			return fmt.Errorf("radiod.sample_rate %d cannot be used with radiod.iq", c.Radiod.SampleRate)
		}
	case InputWAV:
		if c.Input.WAVFile == "" {
			return fmt.Errorf("input.wav_file is required when input.source is wav")
		}
	case InputSoundcard:
	default:
		return fmt.Errorf("input.source must be radiod, wav or soundcard (got %q)", c.Input.Source)
	}

	switch strings.ToLower(c.Radiod.Sideband) {
	case "", "usb", "lsb":
	default:
		return fmt.Errorf("radiod.sideband must be usb or lsb (got %q)", c.Radiod.Sideband)
	}

	switch c.Images.Format {
	case "pgm", "jpeg", "both":
	default:
		return fmt.Errorf("images.format must be pgm, jpeg or both (got %q)", c.Images.Format)
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		return fmt.Errorf("images.jpeg_quality must be 1-100 (got %d)", c.Images.JPEGQuality)
	}

	switch c.CAT.Type {
	case "", "none", "rigctld", "ft847", "ft857", "k2", "k3":
	default:
		return fmt.Errorf("cat.type %q is not supported", c.CAT.Type)
	}
	if isSerialCAT(c.CAT.Type) && c.CAT.Device == "" {
		return fmt.Errorf("cat.device is required for cat.type %s", c.CAT.Type)
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2 (got %d)", c.MQTT.QoS)
		}
	}

	switch c.Logging.Format {
	case "", "text", "json", "logfmt":
	default:
		return fmt.Errorf("logging.format must be text, json or logfmt (got %q)", c.Logging.Format)
	}

	// The sample rate of radiod and wav inputs is only known at session start
	if err := c.WEFAX.Validate(); err != nil {
		return err
	}
	return nil
}

func isSerialCAT(kind string) bool {
	switch kind {
	case "ft847", "ft857", "k2", "k3":
		return true
	}
	return false
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	pc.allowedNets = make([]*net.IPNet, 0, len(pc.AllowedHosts))

	for _, ipStr := range pc.AllowedHosts {
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			pc.allowedNets = append(pc.allowedNets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		pc.allowedNets = append(pc.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return nil
}

// IsIPAllowed checks if an IP address is in the allowed hosts list. An
// empty list allows everyone.
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.allowedNets) == 0 {
		return len(pc.AllowedHosts) == 0
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}
