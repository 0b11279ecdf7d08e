// Package logger configures the process-wide structured logger.
//
// The core's stdout is reserved for length-prefixed response frames, so all
// logging is written to stderr regardless of configured level or format.
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the process logger.
type Config struct {
	Level      string // debug, info, warn, error, disabled
	Pretty     bool   // human-readable console writer instead of JSON
	Service    string
	InstanceID string
}

var base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Init configures the package-level logger. Safe to call once at startup;
// later calls replace the base logger (used by tests that want a captured
// writer).
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = os.Stderr
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	l := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		l = l.Str("service", cfg.Service)
	}
	if cfg.InstanceID != "" {
		l = l.Str("instance_id", cfg.InstanceID)
	}
	base = l.Logger()
}

// Get returns the process-wide logger.
func Get() *zerolog.Logger {
	return &base
}

// SetOutput redirects the base logger's writer, preserving level/fields.
// Used by tests to capture log output.
func SetOutput(w io.Writer) {
	base = base.Output(w)
}

type ctxKey struct{}

// WithContext attaches l to ctx so it can be retrieved by FromContext.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored in ctx, or the base logger if none.
func FromContext(ctx context.Context) *zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return &l
	}
	return &base
}

// ForRequest returns a logger enriched with request/message correlation
// fields; the orchestrator builds one per classify request.
func ForRequest(requestID, messageID string) zerolog.Logger {
	ev := base.With()
	if requestID != "" {
		ev = ev.Str("request_id", requestID)
	}
	if messageID != "" {
		ev = ev.Str("message_id", messageID)
	}
	return ev.Logger()
}
