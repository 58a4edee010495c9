// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging builds the structured logger the rest of the repo is
// constructed with: a slog.Logger fanned out over a JSON sink (for
// capture/automation) and a colorized terminal sink, in the style
// Manu343726-cucaracha pairs fatih/color with for its CPU debugger's
// console output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
)

var (
	colorDebug = color.New(color.FgWhite)
	colorInfo  = color.New(color.FgGreen)
	colorWarn  = color.New(color.FgYellow)
	colorError = color.New(color.FgRed, color.Bold)
)

// New builds a *slog.Logger that writes structured JSON to jsonSink and
// a colorized one-line-per-record summary to termSink. Either sink may
// be nil to skip it.
func New(level slog.Level, jsonSink, termSink io.Writer) *slog.Logger {
	var handlers []slog.Handler
	if jsonSink != nil {
		handlers = append(handlers, slog.NewJSONHandler(jsonSink, &slog.HandlerOptions{Level: level}))
	}
	if termSink != nil {
		handlers = append(handlers, &terminalHandler{w: termSink, level: level})
	}
	if len(handlers) == 0 {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

// terminalHandler renders one colorized line per record: level, message,
// then key=value attrs. It implements slog.Handler directly rather than
// depending on a themed third-party text handler, since the coloring
// rule here is a two-line function, not a formatting engine.
type terminalHandler struct {
	w     io.Writer
	level slog.Level
	attrs []slog.Attr
	group string
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func levelColor(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return colorError
	case l >= slog.LevelWarn:
		return colorWarn
	case l >= slog.LevelInfo:
		return colorInfo
	default:
		return colorDebug
	}
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	c := levelColor(r.Level)
	line := fmt.Sprintf("%-5s %s", r.Level.String(), r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		name := a.Key
		if h.group != "" {
			name = h.group + "." + name
		}
		line += fmt.Sprintf(" %s=%v", name, a.Value)
		return true
	})
	_, err := c.Fprintln(h.w, line)
	return err
}

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &terminalHandler{w: h.w, level: h.level, group: h.group}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *terminalHandler) WithGroup(name string) slog.Handler {
	n := &terminalHandler{w: h.w, level: h.level, attrs: h.attrs}
	if h.group != "" {
		n.group = h.group + "." + name
	} else {
		n.group = name
	}
	return n
}
