// Package logging configures logrus for a participant and carries log
// entries between participants.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/simbus/config"
	"github.com/sirupsen/logrus"
	"github.com/tebeka/atexit"
)

// NewLogger builds a logger from cfg. Output is "stderr", "stdout" or a
// file path; files are appended to and closed at exit.
func NewLogger(cfg config.Logging) (*logrus.Logger, error) {
	level := logrus.InfoLevel

	if cfg.Level != "" {
		var err error

		level, err = logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}

	out, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	return logger, nil
}

func openOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	atexit.Register(func() { _ = f.Close() })

	return f, nil
}

// Component returns an entry tagged with the component and participant.
func Component(logger *logrus.Logger, participant, component string) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"participant": participant,
		"component":   component,
	})
}
