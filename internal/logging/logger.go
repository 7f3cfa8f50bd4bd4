// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// NewLogger returns a project-standard slog logger.
// - env=dev: text handler with source locations
// - env=prod: JSON handler without source locations
// LOG_LEVEL controls the level (debug/info/warn/error), default info.
func NewLogger(env string) *slog.Logger {
	return slog.New(consoleHandler(os.Stdout, env, parseLevel(os.Getenv("LOG_LEVEL"))))
}

// NewLoggerWithFile is NewLogger plus a JSON copy of every record appended
// to path. The returned closer releases the file. An empty path behaves
// like NewLogger.
func NewLoggerWithFile(env, path string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(os.Getenv("LOG_LEVEL"))
	console := consoleHandler(os.Stdout, env, level)

	path = strings.TrimSpace(path)
	if path == "" {
		return slog.New(console), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	file := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, file)), f, nil
}

func consoleHandler(w io.Writer, env string, level slog.Level) slog.Handler {
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		})
	}

	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
