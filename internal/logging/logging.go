// Package logging configures the process-wide log/slog logger used by
// every subsystem (device workers, routing, front-end each build a
// child logger via slog.Default().With(...)), the same level/log-file
// switch as the teacher's ConfigureDefaultLogger.
package logging

import (
	"errors"
	"io"
	"log/slog"
	"os"
)

// Configure builds and installs the default slog logger.
//
// Valid levels are "none", "error", "warn", "info", "debug". logFile,
// if non-empty, redirects JSON-formatted output to that path;
// otherwise a human-readable text handler writes to stdout. The
// returned *os.File (nil unless logFile was used) should be closed on
// shutdown.
func Configure(level string, logFile string) (*os.File, error) {
	var opts slog.HandlerOptions
	switch level {
	case "none":
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return nil, nil
	case "error":
		opts.Level = slog.LevelError
	case "warn":
		opts.Level = slog.LevelWarn
	case "info":
		opts.Level = slog.LevelInfo
	case "debug":
		opts.Level = slog.LevelDebug
	default:
		return nil, errors.New("logging: unrecognized level " + level)
	}

	var f *os.File
	var handler slog.Handler
	if logFile == "" {
		handler = slog.NewTextHandler(os.Stdout, &opts)
	} else {
		var err error
		f, err = os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		handler = slog.NewJSONHandler(f, &opts)
	}

	slog.SetDefault(slog.New(handler))
	return f, nil
}
