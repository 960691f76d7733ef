package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"omotes/internal/config"
)

// LogConfig selects the log handler and destination.
type LogConfig struct {
	Level  string // debug, info, warn, error (default: info)
	Format string // json or text (default: json)
	// File enables rotating file output in addition to stdout.
	File       string
	MaxSizeMB  int // default: 100
	MaxBackups int // default: 5
	MaxAgeDays int // default: 28
	Compress   bool
}

// LoadLogConfigFromEnv loads logging configuration from environment variables.
func LoadLogConfigFromEnv() LogConfig {
	return LogConfig{
		Level:      config.GetEnv("OMOTES_LOG_LEVEL", "info"),
		Format:     config.GetEnv("OMOTES_LOG_FORMAT", "json"),
		File:       config.GetEnv("OMOTES_LOG_FILE", ""),
		MaxSizeMB:  config.GetIntEnv("OMOTES_LOG_MAX_SIZE_MB", 100),
		MaxBackups: config.GetIntEnv("OMOTES_LOG_MAX_BACKUPS", 5),
		MaxAgeDays: config.GetIntEnv("OMOTES_LOG_MAX_AGE_DAYS", 28),
		Compress:   config.GetBoolEnv("OMOTES_LOG_COMPRESS", false),
	}
}

// ParseLevel converts a level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return l, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds a logger writing to stdout and, when File is set, to a
// rotating log file. The returned closer flushes and closes the file.
func NewLogger(cfg LogConfig) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		level = l
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return slog.New(handler), closer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
