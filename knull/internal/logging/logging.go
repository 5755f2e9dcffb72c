// Package logging configures the process-wide slog logger.
package logging

import (
	"log/slog"
	"os"

	"knull.dev/knull/internal/env"
)

var (
	// EnvDebugLogging enables verbose logging with source locations.
	EnvDebugLogging = env.Bool{Key: "ENABLE_DEBUG_LOGGING"}

	// EnvJSONLogging switches the handler to JSON output.
	EnvJSONLogging = env.Bool{Key: "ENABLE_JSON_LOGGING"}
)

// Configure installs the default logger. Every record carries the provided instance id.
func Configure(instanceID string) {
	var (
		logger         *slog.Logger
		logHandler     slog.Handler
		handlerOptions slog.HandlerOptions
	)

	if EnvDebugLogging.IsUnset() {
		handlerOptions = slog.HandlerOptions{Level: slog.LevelInfo}
	} else {
		handlerOptions = slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}
	}

	if EnvJSONLogging.IsSet() {
		logHandler = slog.NewJSONHandler(os.Stderr, &handlerOptions)
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &handlerOptions)
	}

	logger = slog.New(logHandler)
	if instanceID != "" {
		logger = logger.With("knull_id", instanceID)
	}

	slog.SetDefault(logger)
	slog.Debug("debug logging enabled")
}
