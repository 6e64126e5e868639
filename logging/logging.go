// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"boardsync/config"
)

// New returns a logger configured from cfg. When cfg.File is set, output
// goes to a rotating file in addition to stderr.
func New(cfg config.Log) (*log.Logger, error) {
	logger := log.New()

	level := log.InfoLevel
	if cfg.Level != "" {
		l, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	logger.SetLevel(level)

	if strings.EqualFold(cfg.Format, "text") {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}
	logger.SetOutput(out)
	return logger, nil
}

// Install applies the settings of logger to the package-level logrus
// logger, which most packages log through.
func Install(logger *log.Logger) {
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)
	log.SetOutput(logger.Out)
}
