package obs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig controls where and how verbosely the relay logs.
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
	JSON       bool   `yaml:"json" json:"json"`
}

// DefaultLogConfig returns the settings used when nothing is configured.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// SetupLogging configures the package-level logrus logger. The returned closer
// releases the rotated log file, if any; it is safe to call on a nil file setup.
func SetupLogging(cfg LogConfig) (io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logrus.SetLevel(level)

	if cfg.JSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	if cfg.File == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	logrus.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}

// ParseLevel accepts logrus level names plus the "warning"/"warn" spellings.
// An empty string means info.
func ParseLevel(s string) (logrus.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return logrus.InfoLevel, nil
	}
	if s == "warn" {
		s = "warning"
	}
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
