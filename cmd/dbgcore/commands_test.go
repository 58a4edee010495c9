// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSourceLocSplitsOnLastColon(t *testing.T) {
	file, line, err := parseSourceLoc("main.c:42")
	require.NoError(t, err)
	require.Equal(t, "main.c", file)
	require.Equal(t, 42, line)
}

func TestParseSourceLocAcceptsColonsInPath(t *testing.T) {
	file, line, err := parseSourceLoc("src/pkg:main.c:7")
	require.NoError(t, err)
	require.Equal(t, "src/pkg:main.c", file)
	require.Equal(t, 7, line)
}

func TestParseSourceLocRejectsMissingColon(t *testing.T) {
	_, _, err := parseSourceLoc("main.c")
	require.Error(t, err)
}

func TestParseSourceLocRejectsNonNumericLine(t *testing.T) {
	_, _, err := parseSourceLoc("main.c:abc")
	require.Error(t, err)
}
