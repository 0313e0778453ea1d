package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes decoder events and periodic metric snapshots
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	metrics *PrometheusMetrics
	logger  *log.Logger
}

// MetricPayload is the periodic metrics message
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// StatePayload is published on every decoder state change
type StatePayload struct {
	Timestamp int64  `json:"timestamp"`
	From      string `json:"from"`
	Action    string `json:"action"`
}

// ImagePayload is published when an image has been written to disk
type ImagePayload struct {
	Timestamp int64 `json:"timestamp"`
	SavedImage
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "ka9q_wefax_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics, logger *log.Logger) (*MQTTPublisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("MQTT")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("Connection lost", "err", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("Attempting to reconnect")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info("Successfully connected to broker", "broker", config.Broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		metrics: metrics,
		logger:  logger,
	}, nil
}

func (mp *MQTTPublisher) topic(suffix string) string {
	return strings.TrimSuffix(mp.config.TopicPrefix, "/") + "/" + suffix
}

// StartPublisher publishes metric snapshots at the configured interval
// and disconnects when ctx is done
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		mp.logger.Info("Metrics publisher started", "interval_s", mp.config.PublishInterval)
		mp.publishAllMetrics()

		for {
			select {
			case <-ctx.Done():
				mp.logger.Info("Metrics publisher stopped")
				mp.client.Disconnect(250)
				return
			case <-ticker.C:
				mp.publishAllMetrics()
			}
		}
	}()
}

// publishAllMetrics gathers the wefax_ metrics and publishes one message
// per label set
func (mp *MQTTPublisher) publishAllMetrics() {
	metricFamilies, err := mp.metrics.Gatherer().Gather()
	if err != nil {
		mp.logger.Error("Failed to gather Prometheus metrics", "err", err)
		return
	}
	for topic, payload := range groupMetrics(metricFamilies, time.Now().Unix()) {
		mp.publish(mp.topic(topic), payload)
	}
}

// groupMetrics buckets wefax_ samples into "metrics" (unlabelled) and
// "metrics/<label>/<value>" payloads
func groupMetrics(families []*dto.MetricFamily, timestamp int64) map[string]MetricPayload {
	out := make(map[string]MetricPayload)
	for _, mf := range families {
		name := mf.GetName()
		if !strings.HasPrefix(name, "wefax_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			topic := "metrics"
			var labels map[string]string
			if len(m.GetLabel()) > 0 {
				labels = make(map[string]string)
				parts := []string{"metrics"}
				for _, label := range m.GetLabel() {
					labels[label.GetName()] = label.GetValue()
					parts = append(parts, label.GetName(), label.GetValue())
				}
				topic = strings.Join(parts, "/")
			}

			p, exists := out[topic]
			if !exists {
				p = MetricPayload{Timestamp: timestamp, Metrics: make(map[string]float64), Labels: labels}
			}
			p.Metrics[strings.TrimPrefix(name, "wefax_")] = value
			out[topic] = p
		}
	}
	return out
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

func (mp *MQTTPublisher) publish(topic string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		mp.logger.Error("Failed to marshal payload", "topic", topic, "err", err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		mp.logger.Error("Failed to publish", "topic", topic, "err", token.Error())
	}
}

// PublishState sends <prefix>/state without blocking the caller
func (mp *MQTTPublisher) PublishState(from, to wefax.Action) {
	if mp == nil {
		return
	}
	go mp.publish(mp.topic("state"), StatePayload{
		Timestamp: time.Now().Unix(),
		From:      from.String(),
		Action:    to.String(),
	})
}

// PublishImage sends <prefix>/image without blocking the caller
func (mp *MQTTPublisher) PublishImage(img SavedImage) {
	if mp == nil {
		return
	}
	go mp.publish(mp.topic("image"), ImagePayload{
		Timestamp:  time.Now().Unix(),
		SavedImage: img,
	})
}
