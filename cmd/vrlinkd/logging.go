package main

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/vrlink/config"
)

// newLogger builds the daemon logger from the configured level and format.
func newLogger(cfg config.Config, out io.Writer) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	if err := applyLogLevel(logger, cfg); err != nil {
		return nil, err
	}
	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger, nil
}

// applyLogLevel sets the level, also on reload.
func applyLogLevel(logger *logrus.Logger, cfg config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	return nil
}
