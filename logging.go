package main

import (
	"io"
	"time"

	"github.com/charmbracelet/log"
)

// newLogger builds the process logger from the logging section. debug
// forces the debug level regardless of the configured one.
func newLogger(w io.Writer, cfg LoggingConfig, debug bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})

	switch cfg.Format {
	case "json":
		logger.SetFormatter(log.JSONFormatter)
	case "logfmt":
		logger.SetFormatter(log.LogfmtFormatter)
	default:
		logger.SetFormatter(log.TextFormatter)
	}

	level := log.InfoLevel
	if cfg.Level != "" {
		if l, err := log.ParseLevel(cfg.Level); err == nil {
			level = l
		} else {
			logger.Warn("Unknown log level, using info", "level", cfg.Level)
		}
	}
	if debug {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}
