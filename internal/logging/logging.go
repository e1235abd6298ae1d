// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/logrotate/rotator"
	"github.com/sirupsen/logrus"
)

type Fields = logrus.Fields

var logger = logrus.New()

type Options struct {
	Level  string
	Format string // text or json
	// File, when set, receives a copy of every line and is rotated once it
	// grows past RotateKB.
	File     string
	RotateKB int64
	MaxRolls int
}

// Setup applies opts to the shared logger and returns a closer for the log
// file, if any.
func Setup(opts Options) (io.Closer, error) {
	lvl := logrus.InfoLevel
	if s := strings.TrimSpace(opts.Level); s != "" {
		l, err := logrus.ParseLevel(s)
		if err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
		lvl = l
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging: unknown format %q", opts.Format)
	}

	if opts.File == "" {
		logger.SetOutput(os.Stderr)
		return io.NopCloser(nil), nil
	}

	if dir := filepath.Dir(opts.File); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("logging: create log directory: %w", err)
		}
	}
	rotateKB := opts.RotateKB
	if rotateKB <= 0 {
		rotateKB = 10 * 1024
	}
	maxRolls := opts.MaxRolls
	if maxRolls <= 0 {
		maxRolls = 3
	}
	r, err := rotator.New(opts.File, rotateKB, false, maxRolls)
	if err != nil {
		return nil, fmt.Errorf("logging: create file rotator: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stderr, r))
	return r, nil
}

// For returns an entry tagged with the component name.
func For(component string) *logrus.Entry {
	return logger.WithField("component", component)
}

func Logger() *logrus.Logger {
	return logger
}

// Discard silences the shared logger, mostly for tests.
func Discard() {
	logger.SetOutput(io.Discard)
}
