package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
)

const Version = "v1.0.0"

const mdnsService = "_wefax._tcp"

func main() {
	var (
		configFile = pflag.StringP("config", "c", "config.yaml", "Path to configuration file")
		station    = pflag.StringP("station", "s", "", "Select the station whose name starts with this")
		input      = pflag.StringP("input", "i", "", "Audio input: radiod, wav or soundcard")
		wavFile    = pflag.StringP("wav", "w", "", "Decode a WAV file and exit (implies --input wav)")
		debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
		version    = pflag.BoolP("version", "v", false, "Print version and exit")
	)
	pflag.Parse()

	if *version {
		fmt.Printf("ka9q_wefax %s\n", Version)
		os.Exit(0)
	}

	config, err := loadConfigWithFlags(*configFile, pflag.CommandLine.Changed("config"), *input, *wavFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ka9q_wefax: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, config.Logging, *debug)
	log.SetDefault(logger)
	logger.Info("ka9q_wefax starting", "version", Version, "input", config.Input.Source)

	if err := run(config, *station, logger); err != nil {
		logger.Fatal("Exiting", "err", err)
	}
}

// loadConfigWithFlags reads the config file and applies command line
// overrides. A missing default config file is not an error.
func loadConfigWithFlags(path string, explicit bool, input, wavFile string) (*Config, error) {
	config, err := LoadConfig(path)
	if err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		config = DefaultConfig()
	}

	if input != "" {
		config.Input.Source = input
	}
	if wavFile != "" {
		config.Input.Source = InputWAV
		config.Input.WAVFile = wavFile
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func run(config *Config, stationName string, logger *log.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metrics := NewPrometheusMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer, logger)
	metrics.StartResourceUpdater(ctx, 10*time.Second)
	if config.Prometheus.Enabled {
		metrics.StartPushgatewayWorker(ctx, config)
	}

	var mqttPublisher *MQTTPublisher
	if config.MQTT.Enabled {
		mp, err := NewMQTTPublisher(&config.MQTT, metrics, logger)
		if err != nil {
			logger.Error("MQTT disabled", "err", err)
		} else {
			mqttPublisher = mp
			mqttPublisher.StartPublisher(ctx)
		}
	}

	images, err := NewImageWriter(config.Images, logger)
	if err != nil {
		return err
	}
	images.OnSaved(mqttPublisher.PublishImage)

	// A station given on the command line also sets the initial frequency
	if stationName != "" && config.Input.Source == InputRadiod {
		stations, err := LoadStationsFile(config.StationsFile)
		if err != nil {
			return err
		}
		if idx := FindStation(stations, stationName); idx >= 0 {
			if st := stations[idx]; st.Frequency > 0 {
				config.Radiod.Frequency = st.Frequency
				if st.Sideband != "" {
					config.Radiod.Sideband = string(st.Sideband)
				}
			}
		}
	}

	deps := ReceiverDeps{
		Metrics: metrics,
		Hub:     NewDisplayHub(metrics, logger),
		Images:  images,
		MQTT:    mqttPublisher,
	}

	if config.Input.Source == InputRadiod {
		radiod, err := NewRadiodController(config.Radiod, logger)
		if err != nil {
			return fmt.Errorf("failed to set up radiod control: %w", err)
		}
		defer radiod.Close()

		audio, err := NewAudioReceiver(radiod.DataAddr(), radiod.Interface(), logger)
		if err != nil {
			return fmt.Errorf("failed to set up RTP receiver: %w", err)
		}
		audio.Start(ctx)
		defer audio.Wait()

		deps.Radiod = radiod
		deps.Audio = audio
	}

	receiver, err := NewReceiver(ctx, config, deps, logger)
	if err != nil {
		return err
	}
	defer receiver.Close()
	deps.Hub.SetControl(receiver)

	if stationName != "" {
		if _, err := receiver.SelectStationByName(ctx, stationName); err != nil {
			return err
		}
	}

	var server *APIServer
	if config.Server.Listen != "" && config.Input.Source != InputWAV {
		server = NewAPIServer(receiver, deps.Hub, metrics, config, logger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("API server failed", "err", err)
				cancel()
			}
		}()

		if config.Server.MDNS {
			mdns, err := registerMDNS(config.Server, logger)
			if err != nil {
				logger.Warn("mDNS advertisement failed", "err", err)
			} else {
				defer mdns.Shutdown()
			}
		}
	}

	err = receiver.Run(ctx)

	logger.Info("Shutting down")
	cancel()
	if server != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error closing server", "err", err)
		}
	}
	return err
}

// registerMDNS advertises the control API on the local network
func registerMDNS(cfg ServerConfig, logger *log.Logger) (*zeroconf.Server, error) {
	_, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("invalid server.listen %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid server.listen port %q", portStr)
	}

	server, err := zeroconf.Register(cfg.MDNSName, mdnsService, "local.", port,
		[]string{"version=" + Version, "path=/api"}, nil)
	if err != nil {
		return nil, err
	}
	logger.Info("Advertising with mDNS", "name", cfg.MDNSName, "service", mdnsService, "port", port)
	return server, nil
}
