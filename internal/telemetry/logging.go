// Package telemetry builds the process logger: JSON lines on disk, an
// optional console mirror, secret redaction and a trace_id on every record.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/go-concierge/internal/shared"
)

const (
	logFileName  = "system.jsonl"
	traceIDKey   = "trace_id"
	untracedID   = "-"
	componentKey = "component"
)

// NewLogger writes JSON lines to <home>/logs/system.jsonl. Unless quiet,
// records are mirrored to stdout as text on a terminal and JSON otherwise.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level), ReplaceAttr: redactAttr}
	sinks := []slog.Handler{slog.NewJSONHandler(file, opts)}
	if !quiet {
		fd := os.Stdout.Fd()
		if isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
			sinks = append(sinks, slog.NewTextHandler(os.Stdout, opts))
		} else {
			sinks = append(sinks, slog.NewJSONHandler(os.Stdout, opts))
		}
	}
	h := &teeHandler{sinks: sinks}
	return slog.New(h).With(componentKey, "concierge"), file, nil
}

// teeHandler fans records out to every sink and stamps trace_id "-" on
// records that carry none, so each line has exactly one trace_id.
type teeHandler struct {
	sinks  []slog.Handler
	traced bool
}

func (t *teeHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range t.sinks {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if !t.traced && !recordHasTrace(r) {
		r = r.Clone()
		r.AddAttrs(slog.String(traceIDKey, untracedID))
	}
	var errs []error
	for _, h := range t.sinks {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &teeHandler{sinks: make([]slog.Handler, len(t.sinks)), traced: t.traced}
	for i, h := range t.sinks {
		next.sinks[i] = h.WithAttrs(attrs)
	}
	for _, a := range attrs {
		if a.Key == traceIDKey {
			next.traced = true
		}
	}
	return next
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := &teeHandler{sinks: make([]slog.Handler, len(t.sinks)), traced: t.traced}
	for i, h := range t.sinks {
		next.sinks[i] = h.WithGroup(name)
	}
	return next
}

func recordHasTrace(r slog.Record) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == traceIDKey
		return !found
	})
	return found
}

// secretKeys are attribute names whose values are never logged. Keys are
// matched exactly or by suffix so counters like "tokens" stay visible.
var secretKeys = []string{"api_key", "apikey", "auth_token", "token", "secret", "password", "authorization", "base64"}

func isSecretKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if k == "" {
		return false
	}
	for _, s := range secretKeys {
		if k == s || strings.HasSuffix(k, "_"+s) {
			return true
		}
	}
	return false
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	switch {
	case a.Key == slog.TimeKey:
		a.Key = "timestamp"
	case isSecretKey(a.Key):
		a.Value = slog.StringValue("[REDACTED]")
	case a.Value.Kind() == slog.KindString:
		v := a.Value.String()
		if strings.Contains(strings.ToLower(v), "authorization:") {
			a.Value = slog.StringValue("[REDACTED]")
		} else if red := shared.Redact(v); red != v {
			a.Value = slog.StringValue(red)
		}
	}
	return a
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "warning":
		return slog.LevelWarn
	case "":
		return slog.LevelInfo
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
