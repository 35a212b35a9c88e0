package app

import (
	"log/slog"
	"os"
)

// NewLogger builds the process logger for the API and the worker. LOG_FORMAT
// selects JSON for deployed environments; anything else logs text for local
// work. Source locations are always attached.
func NewLogger(cfg *Config) *slog.Logger {
	if cfg != nil && cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: true}))
}
