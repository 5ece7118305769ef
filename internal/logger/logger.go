// Package logger builds the slog loggers used by every supervisor process.
// The monitor, molds and workers are separate OS processes, so each gets its
// own rotated log file keyed by role and spawn sequence; without a log
// directory everything goes to stderr.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, lumberjack semantics.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes logging for the whole process tree.
type Config struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Level      string `toml:"level" mapstructure:"level"`
	Color      bool   `toml:"color" mapstructure:"color"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger for one process of the tree, tagged with its role and
// spawn sequence, plus a closer for the underlying file.
func (c Config) New(role string, seq uint64) (*slog.Logger, io.Closer, error) {
	lvl := ParseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: lvl}

	if c.Dir == "" {
		if c.Color {
			return slog.New(newConsoleHandler(os.Stderr, opts, role, seq)), nopCloser{}, nil
		}
		h := slog.NewTextHandler(os.Stderr, opts)
		return slog.New(h).With("role", role, "seq", seq), nopCloser{}, nil
	}

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("logger: create dir: %w", err)
	}
	w := &lj.Logger{
		Filename:   filepath.Join(c.Dir, fmt.Sprintf("%s-%d.log", role, seq)),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	l := slog.New(slog.NewTextHandler(w, opts)).With("role", role, "seq", seq)
	return l, w, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
