// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONAndTerminalLines(t *testing.T) {
	var jsonBuf, termBuf bytes.Buffer
	logger := New(slog.LevelInfo, &jsonBuf, &termBuf)
	logger.Info("symbol load failed", slog.Uint64("cu_offset", 0x10), slog.String("reason", "bad DIE"))

	require.Contains(t, jsonBuf.String(), `"msg":"symbol load failed"`)
	require.Contains(t, jsonBuf.String(), `"cu_offset":16`)

	term := termBuf.String()
	require.Contains(t, term, "symbol load failed")
	require.Contains(t, term, "cu_offset=16")
}

func TestNewRespectsLevel(t *testing.T) {
	var termBuf bytes.Buffer
	logger := New(slog.LevelWarn, nil, &termBuf)
	logger.Debug("should not appear")
	logger.Warn("should appear")

	out := termBuf.String()
	require.False(t, strings.Contains(out, "should not appear"))
	require.True(t, strings.Contains(out, "should appear"))
}

func TestNewWithNoSinksDiscardsSilently(t *testing.T) {
	logger := New(slog.LevelInfo, nil, nil)
	require.NotPanics(t, func() { logger.Info("noop") })
}

func TestTerminalHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, nil, &buf).With(slog.String("component", "dwarfdata"))
	grouped := logger.WithGroup("stats")
	grouped.Info("loaded", slog.Int("cus", 3))

	out := buf.String()
	require.Contains(t, out, "component=dwarfdata")
	require.Contains(t, out, "stats.cus=3")
}
