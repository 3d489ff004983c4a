// Package log is the structured logger used across the edge server. It wraps
// log/slog with trace correlation, stack capture for errors and redaction of
// credential-bearing keys.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App     string
	Version string
	Commit  string
	BuildId string

	Level slog.Level

	// StacktraceLevel is the lowest level that gets a "stack" attribute.
	// Zero means slog.LevelError, so Info cannot be selected here.
	StacktraceLevel slog.Level

	JsonFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// RedactKeys are masked in addition to DefaultRedactKeys.
	RedactKeys []string

	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLevel accepts debug|info|warn|error in any case.
func ParseLevel(s string) (slog.Level, error) {
	if lvl, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl, nil
	}
	return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
}
