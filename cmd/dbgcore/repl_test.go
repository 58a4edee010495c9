// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceworks/dbgcore/dwarfdata"
	"github.com/traceworks/dbgcore/render"
)

func TestFormatValueSignedPrimitive(t *testing.T) {
	v := &render.Value{Kind: render.KindPrimitive, IsSet: true, Encoding: dwarfdata.EncSigned, Int: -7}
	require.Equal(t, "-7", formatValue(v))
}

func TestFormatValueUnsignedPrimitive(t *testing.T) {
	v := &render.Value{Kind: render.KindPrimitive, IsSet: true, Encoding: dwarfdata.EncUnsigned, Uint: 42}
	require.Equal(t, "42", formatValue(v))
}

func TestFormatValueNilPointer(t *testing.T) {
	v := &render.Value{Kind: render.KindPointer, TypeName: "int *", Note: "nil"}
	require.Equal(t, "(int *) nil", formatValue(v))
}

func TestFormatValueUnavailable(t *testing.T) {
	require.Equal(t, "<unavailable>", formatValue(nil))
}
