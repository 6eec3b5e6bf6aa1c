package observability

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig describes the process logger.
type LogConfig struct {
	Level   string
	JSON    bool
	Service string
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

// NewLogger builds the process logger. Every record carries the service and
// version attributes when they are set. Unknown levels fall back to INFO.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With(slog.String("service", cfg.Service))
	}
	if cfg.Version != "" {
		logger = logger.With(slog.String("version", cfg.Version))
	}
	return logger
}

// NoOpLogger provides a logger that discards all output.
func NoOpLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// ParseLevel accepts the slog level names (with optional offsets such as
// "WARN+2"), the alias WARNING and the empty string for INFO.
func ParseLevel(level string) (slog.Level, error) {
	s := strings.ToUpper(strings.TrimSpace(level))
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "WARNING":
		return slog.LevelWarn, nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log level %q: %w", level, err)
	}
	return l, nil
}
