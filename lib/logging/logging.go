// Copyright 2026 The mrmd-monitor Authors
// SPDX-License-Identifier: Apache-2.0

// Package logging builds the slog handlers used across the monitor.
//
// The wire format is one JSON object per line with the keys
// "timestamp", "level", "component", and "message" plus any structured
// fields attached at the call site. Components attach their identity
// once with logger.With("component", name); everything downstream of
// that logger carries it automatically.
//
// The CLI uses the pretty handler unless --log-format json is given:
// a compact single-line rendering of the same records.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// NewHandler returns the JSON-lines handler. Records come out as
//
//	{"timestamp":"2026-08-01T12:00:00Z","level":"info","message":"claimed execution","component":"monitor","exec_id":"exec-..."}
func NewHandler(w io.Writer, level slog.Level) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return attr
			}
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.MessageKey:
				attr.Key = "message"
			case slog.LevelKey:
				level, ok := attr.Value.Any().(slog.Level)
				if ok {
					attr.Value = slog.StringValue(strings.ToLower(level.String()))
				}
			}
			return attr
		},
	})
}

// ParseLevel maps a --log-level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging: unknown log level %q (want debug, info, warn, or error)", s)
}

// NewPrettyHandler returns a human-oriented handler for interactive
// use:
//
//	12:00:00 INF monitor claimed execution exec_id=exec-...
//
// The component attribute is lifted out of the field list and printed
// after the level tag; remaining fields are sorted by key.
func NewPrettyHandler(w io.Writer, level slog.Level) slog.Handler {
	return &prettyHandler{w: w, level: level, mu: &sync.Mutex{}}
}

type prettyHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	mu    *sync.Mutex
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	component := ""
	var fields []string

	collect := func(attr slog.Attr) {
		if attr.Key == "component" {
			component = attr.Value.String()
			return
		}
		fields = append(fields, fmt.Sprintf("%s=%v", attr.Key, attr.Value.Any()))
	}
	for _, attr := range h.attrs {
		collect(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		collect(attr)
		return true
	})
	sort.Strings(fields)

	var b strings.Builder
	b.WriteString(record.Time.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(levelTag(record.Level))
	if component != "" {
		b.WriteByte(' ')
		b.WriteString(component)
	}
	b.WriteByte(' ')
	b.WriteString(record.Message)
	for _, field := range fields {
		b.WriteByte(' ')
		b.WriteString(field)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &prettyHandler{w: h.w, level: h.level, attrs: merged, mu: h.mu}
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	// Groups are not used by the monitor's loggers; flatten.
	return h
}

func levelTag(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}
