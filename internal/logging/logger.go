package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edvin/bluegreen/internal/config"
)

// NewLogger creates a structured zerolog.Logger writing to stderr with
// deployment context fields from the config. Diagnostics must stay off
// stdout so the exit code remains the only machine interface.
func NewLogger(cfg *config.Config, runID string) zerolog.Logger {
	ctx := zerolog.New(os.Stderr).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.Region != "" {
		ctx = ctx.Str("region", cfg.Region)
	}
	if runID != "" {
		ctx = ctx.Str("run_id", runID)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
