// Package logging sets up the daemon's structured logger: a log/slog
// handler with configurable level/format plus correlation-id propagation
// through context.Context, so every log line for one control-socket
// connection or one session can be grepped together. Grounded in
// bebsworthy-logmcp/internal/logging, trimmed to what this daemon needs
// (no per-component constructors, since every package here shares one
// process-wide logger with contextual fields attached via With).
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// correlationIDKey is the context key carrying a request/connection
// correlation id.
type correlationIDKey struct{}

// Config controls level and output format.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
}

// New builds a *slog.Logger per cfg, writing to w (os.Stderr if nil), with
// correlation-id propagation wired in via CorrelationHandler.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(&CorrelationHandler{Handler: handler}), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}

// CorrelationHandler decorates another slog.Handler, attaching a
// "correlation_id" attribute to every record when the context carries one.
type CorrelationHandler struct {
	slog.Handler
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := CorrelationID(ctx); id != "" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{Handler: h.Handler.WithGroup(name)}
}

// WithCorrelationID returns a context carrying id for CorrelationHandler to
// pick up.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationID extracts the correlation id from ctx, or "" if absent.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}
