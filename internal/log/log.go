// Package log is the structured logger used across govexport. It wraps
// log/slog with trace correlation, stack capture for errors and redaction of
// attributes that may carry PHI or credentials.
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
	App       string
	Component string
	Version   string

	Level           slog.Level
	StacktraceLevel slog.Level
	JsonFormat      bool

	MaxErrorLinks     int
	IncludeErrorLinks bool

	// RedactKeys replaces DefaultRedactKeys when non-nil. Matching is
	// case-insensitive on the attribute key.
	RedactKeys []string

	Writer io.Writer
}

// DefaultRedactKeys are attribute keys whose values never reach the log
// output: free text that may contain PHI, and credentials.
var DefaultRedactKeys = []string{
	"justification",
	"conditions",
	"prompt",
	"output",
	"text",
	"query",
	"authorization",
	"token",
	"secret",
	"dsn",
	"password",
}

// Redacted is written in place of a redacted value.
const Redacted = "[REDACTED]"

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
}
