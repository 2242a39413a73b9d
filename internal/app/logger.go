package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns a configured slog.Logger based on configuration.
func NewLogger(cfg *Config) *slog.Logger {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{AddSource: true})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{AddSource: true})
	}
	logger := slog.New(handler)
	if cfg != nil && cfg.WorkerID != "" {
		logger = logger.With(slog.String("worker", cfg.WorkerID))
	}
	return logger
}
