// Package plog is the ambient logger for pmemobj. It defaults to discarding
// everything and is reconfigured once, early, by the root package from the
// PMEMOBJ_LOG_LEVEL / PMEMOBJ_LOG_FILE environment variables.
package plog

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// L is the package-wide logger. It starts out discarding all output.
var L *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

var mu sync.Mutex

// Options configures Init.
type Options struct {
	// Level is the minimum level that will be logged. Defaults to Info.
	Level slog.Level
	// File, if non-empty, is opened in append mode and used as the log
	// sink. If empty, stderr is used.
	File string
}

// Init (re)configures the package logger. Safe to call multiple times; the
// last call wins.
func Init(opts Options) error {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stderr
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w = f
	}

	L = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: opts.Level}))
	return nil
}

// InitFromEnv reads PMEMOBJ_LOG_LEVEL and PMEMOBJ_LOG_FILE and configures
// the package logger accordingly. Unset PMEMOBJ_LOG_LEVEL leaves logging
// discarded, matching spec §6 ("recognised variables: log-level, log-file").
func InitFromEnv() error {
	levelStr := os.Getenv("PMEMOBJ_LOG_LEVEL")
	if levelStr == "" {
		return nil
	}

	level, err := parseLevel(levelStr)
	if err != nil {
		return err
	}

	return Init(Options{Level: level, File: os.Getenv("PMEMOBJ_LOG_FILE")})
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return 0, err
		}
		return lvl, nil
	}
}
