package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwsl/ka9q_wefax/audio_extensions/wefax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/shirou/gopsutil/v3/cpu"
)

const pushJobName = "ka9q_wefax"

// PrometheusMetrics holds the decoder and process metrics. All methods
// are safe on a nil receiver.
type PrometheusMetrics struct {
	gatherer prometheus.Gatherer
	logger   *log.Logger

	linesDecoded   prometheus.Counter
	imagesSaved    *prometheus.CounterVec // by end reason
	action         prometheus.Gauge
	toneLevel      *prometheus.GaugeVec // start or stop
	phasingError   prometheus.Gauge
	phasingLines   prometheus.Gauge
	syncShifts     prometheus.Counter
	agcScale       prometheus.Gauge
	iqDropped      prometheus.Gauge
	wsClients      prometheus.Gauge
	wsFramesSent   prometheus.Counter
	wsFramesDrop   prometheus.Counter
	frequency      prometheus.Gauge
	tuneErrors     prometheus.Counter
	sessionsTotal  prometheus.Counter
	sourceErrors   prometheus.Counter
	cpuPercent     prometheus.Gauge
	goroutineCount prometheus.Gauge
	memoryAlloc    prometheus.Gauge

	pushesTotal   prometheus.Counter
	pushFailures  prometheus.Counter
	pushSuccesses prometheus.Counter
	lastPushTime  prometheus.Gauge
}

// NewPrometheusMetrics registers the collectors with reg. gatherer is used
// for Pushgateway and MQTT snapshots; normally both are the defaults.
func NewPrometheusMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer, logger *log.Logger) *PrometheusMetrics {
	if logger == nil {
		logger = log.Default()
	}
	f := promauto.With(reg)
	return &PrometheusMetrics{
		gatherer: gatherer,
		logger:   logger.WithPrefix("metrics"),

		linesDecoded: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_lines_decoded_total",
			Help: "Image lines decoded",
		}),
		imagesSaved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wefax_images_saved_total",
			Help: "Images completed, by the reason the image ended",
		}, []string{"reason"}),
		action: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_action",
			Help: "Decoder state (0=begin, 1=start, 2=phasing, 3=decode, 4=stop)",
		}),
		toneLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wefax_tone_level",
			Help: "Goertzel level of the start and stop tone detectors",
		}, []string{"tone"}),
		phasingError: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_phasing_error_pixels",
			Help: "Distance of the last phasing pulse from its reference position",
		}),
		phasingLines: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_phasing_lines",
			Help: "Phasing lines examined in the current phasing stage",
		}),
		syncShifts: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_sync_shifts_total",
			Help: "One-pixel corrections made by in-image phasing",
		}),
		agcScale: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_agc_scale",
			Help: "AGC divisor of the I/Q demodulator",
		}),
		iqDropped: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_iq_blocks_dropped",
			Help: "I/Q blocks dropped because the demodulator was busy, this session",
		}),
		wsClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_websocket_clients",
			Help: "Connected display clients",
		}),
		wsFramesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_websocket_frames_sent_total",
			Help: "Frames written to display clients",
		}),
		wsFramesDrop: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_websocket_frames_dropped_total",
			Help: "Frames dropped for slow display clients",
		}),
		frequency: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_frequency_hz",
			Help: "Receiver dial frequency",
		}),
		tuneErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_tune_errors_total",
			Help: "Failed receiver tuning commands",
		}),
		sessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_sessions_total",
			Help: "Decode sessions started",
		}),
		sourceErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_source_errors_total",
			Help: "Sessions ended by an audio source error",
		}),
		cpuPercent: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_cpu_percent",
			Help: "Host CPU usage",
		}),
		goroutineCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAlloc: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),

		pushesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
		pushSuccesses: f.NewCounter(prometheus.CounterOpts{
			Name: "wefax_pushgateway_success_total",
			Help: "Successful Pushgateway pushes",
		}),
		lastPushTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "wefax_pushgateway_last_push_timestamp",
			Help: "Unix time of the last successful push",
		}),
	}
}

// Gatherer returns the registry snapshots are taken from
func (pm *PrometheusMetrics) Gatherer() prometheus.Gatherer {
	if pm == nil {
		return prometheus.DefaultGatherer
	}
	return pm.gatherer
}

// DecoderHooks returns wefax hooks feeding the decoder metrics
func (pm *PrometheusMetrics) DecoderHooks() wefax.Hooks {
	if pm == nil {
		return wefax.Hooks{}
	}
	return wefax.Hooks{
		OnAction: func(_, to wefax.Action) {
			pm.action.Set(float64(to))
		},
		OnToneLevel: func(tone string, level int) {
			pm.toneLevel.WithLabelValues(tone).Set(float64(level))
		},
		OnPhasingLine: func(line, err, _ int) {
			pm.phasingLines.Set(float64(line))
			pm.phasingError.Set(float64(err))
		},
		OnSyncShift: func(int) {
			pm.syncShifts.Inc()
		},
		OnLine: func(int) {
			pm.linesDecoded.Inc()
		},
		OnImage: func(img *wefax.Image) {
			pm.imagesSaved.WithLabelValues(string(img.Reason)).Inc()
		},
	}
}

func (pm *PrometheusMetrics) RecordSessionStart() {
	if pm == nil {
		return
	}
	pm.sessionsTotal.Inc()
}

func (pm *PrometheusMetrics) RecordSourceError() {
	if pm == nil {
		return
	}
	pm.sourceErrors.Inc()
}

func (pm *PrometheusMetrics) SetFrequency(hz int) {
	if pm == nil {
		return
	}
	pm.frequency.Set(float64(hz))
}

func (pm *PrometheusMetrics) RecordTuneError() {
	if pm == nil {
		return
	}
	pm.tuneErrors.Inc()
}

// UpdateDemodulator records the Weaver AGC state
func (pm *PrometheusMetrics) UpdateDemodulator(scale float64, dropped int64) {
	if pm == nil {
		return
	}
	pm.agcScale.Set(scale)
	pm.iqDropped.Set(float64(dropped))
}

func (pm *PrometheusMetrics) RecordWSConnection() {
	if pm == nil {
		return
	}
	pm.wsClients.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsClients.Dec()
}

func (pm *PrometheusMetrics) RecordWSFrame(sent bool) {
	if pm == nil {
		return
	}
	if sent {
		pm.wsFramesSent.Inc()
	} else {
		pm.wsFramesDrop.Inc()
	}
}

// updateResourceMetrics samples CPU, goroutines and heap usage
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAlloc.Set(float64(m.Alloc))

	// Percent since the previous call
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		pm.cpuPercent.Set(pct[0])
	}
}

// StartResourceUpdater refreshes the resource gauges every interval
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context, interval time.Duration) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker pushes all metrics every minute while ctx lives
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	if pgConfig.Instance == "" || pgConfig.Token == "" {
		pm.logger.Debug("Pushgateway not fully configured (instance or token missing), skipping push worker")
		return
	}

	const pushInterval = 60 * time.Second
	pm.logger.Info("Starting Pushgateway worker", "url", pgConfig.URL, "job", pushJobName,
		"instance", pgConfig.Instance, "interval", pushInterval)

	go func() {
		ticker := time.NewTicker(pushInterval)
		defer ticker.Stop()

		for {
			pm.pushesTotal.Inc()
			if err := pm.pushToGateway(config); err != nil {
				pm.pushFailures.Inc()
				pm.logger.Error("Failed to push metrics to Pushgateway", "err", err)
			} else {
				pm.pushSuccesses.Inc()
				pm.lastPushTime.Set(float64(time.Now().Unix()))
			}

			select {
			case <-ctx.Done():
				pm.logger.Info("Pushgateway worker stopped")
				return
			case <-ticker.C:
			}
		}
	}()
}

func (pm *PrometheusMetrics) pushToGateway(config *Config) error {
	pgConfig := config.Prometheus.Pushgateway
	pusher := push.New(pgConfig.URL, pushJobName).
		Gatherer(pm.gatherer).
		BasicAuth(pgConfig.Instance, pgConfig.Token).
		Grouping("instance", pgConfig.Instance).
		Grouping("version", Version)

	if config.Radiod.Frequency > 0 {
		pusher = pusher.Grouping("frequency", fmt.Sprintf("%d", config.Radiod.Frequency))
	}

	if err := pusher.Push(); err != nil {
		return fmt.Errorf("failed to push to gateway: %w", err)
	}
	return nil
}
