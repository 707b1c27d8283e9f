// Package log configures the process-wide slog logger.
package log

import (
	"log/slog"
	"os"
)

func Setup(logLevel string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// WithTarget returns a logger scoped to one project/scenario pair. Pipeline
// runs use it so every line carries the target it belongs to.
func WithTarget(module string, projectID, scenarioID int64) *slog.Logger {
	return slog.With("module", module, "projectId", projectID, "scenarioId", scenarioID)
}
