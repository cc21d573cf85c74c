// Package logging builds the application's slog logger
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/karloscodes/cartridge"

	"github.com/chatnationwork/analytics-sub002/internal/config"
)

// NewLogger creates the process logger. With a logs directory configured,
// cartridge writes rotated files sized by the config's log settings.
// Without one the process logs to stdout only: JSON in production, text
// elsewhere.
func NewLogger(cfg *config.Config) *slog.Logger {
	var logger *slog.Logger
	if cfg.GetLogDirectory() != "" {
		logger = cartridge.NewLogger(cfg, nil)
	} else {
		logger = slog.New(newStdoutHandler(os.Stdout, cfg))
	}
	return logger.With(slog.String("app", cfg.AppName))
}

func newStdoutHandler(w io.Writer, cfg *config.Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.LogLevel)}
	if cfg.IsProduction() {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps a configured level to its slog equivalent, defaulting to info.
func ParseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
