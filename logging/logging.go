// Package logging configures the global logrus logger from a LogConfig.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opd-ai/xfer/config"
)

// Setup applies c to the standard logrus logger. Logs go to stderr unless
// c.File is set, in which case the file is rotated by lumberjack. The
// returned closer releases the file and must be called on exit.
func Setup(c config.LogConfig) (io.Closer, error) {
	return Apply(logrus.StandardLogger(), c)
}

// Apply configures l from c.
func Apply(l *logrus.Logger, c config.LogConfig) (io.Closer, error) {
	level, err := logrus.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	l.SetLevel(level)

	if strings.EqualFold(c.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if c.File == "" {
		l.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if dir := filepath.Dir(c.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	out := &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    max(c.Rotation.MaxSizeMB, 1),
		MaxBackups: c.Rotation.MaxBackups,
		MaxAge:     c.Rotation.MaxAgeDays,
		Compress:   c.Rotation.Compress,
	}
	l.SetOutput(out)
	return out, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
