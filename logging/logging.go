// Package logging builds the logrus logger every component writes to.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config configures log output.
type Config struct {
	// Minimum level written. Options: trace, debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Fixed log file. Blank with Dir also blank writes to stdout.
	File string `mapstructure:"file"`
	// Directory for hourly log files. Ignored when File is set.
	Dir string `mapstructure:"dir"`
	// false discards every log line.
	Enabled bool `mapstructure:"enabled"`
}

// NewInstanceID returns a short random id that tells apart the log lines
// of two links running side by side.
func NewInstanceID() string {
	return uuid.NewString()[:8]
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New configures a logger from cfg and returns it tagged with instanceID.
// The closer releases the log file, if one was opened.
func New(cfg Config, instanceID string) (*logrus.Entry, io.Closer, error) {
	var w io.Writer
	var closer io.Closer = nopCloser{}

	switch {
	case !cfg.Enabled:
		w = io.Discard
	case cfg.File != "":
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		w, closer = f, f
	case cfg.Dir != "":
		h, err := NewHourlyFile(cfg.Dir, "gamelink")
		if err != nil {
			return nil, nil, err
		}
		w, closer = h, h
	default:
		w = os.Stdout
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	logLvl, err := logrus.ParseLevel(level)
	if err != nil {
		closer.Close()
		return nil, nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	log := &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logLvl,
	}
	return log.WithField("instance", instanceID), closer, nil
}

// Discard returns a logger that writes nothing, for tests and defaults.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.Out = io.Discard
	return logrus.NewEntry(l)
}
