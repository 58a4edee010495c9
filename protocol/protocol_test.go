// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStepKindString(t *testing.T) {
	require.Equal(t, "into", StepInto.String())
	require.Equal(t, "over", StepOver.String())
	require.Equal(t, "out_of", StepOut.String())
	require.Equal(t, "unknown", StepKind(99).String())
}

func TestBreakpointLocationBySourceOrID(t *testing.T) {
	bySource := BreakpointLocation{BySource: true, FileHash: 0xabc, Line: 42}
	require.True(t, bySource.BySource)
	require.Zero(t, bySource.ID)

	byID := BreakpointLocation{ID: 3}
	require.False(t, byID.BySource)
	require.Equal(t, 3, byID.ID)
}

func TestStateSnapshotDefaultsToNoSubordinate(t *testing.T) {
	snap := StateSnapshot{
		TargetSummary: &TargetSummary{Path: "/bin/a.out", CompileUnits: 2, Functions: 5},
	}
	require.Equal(t, SubordinateNone, snap.SubordinateState)
	require.Nil(t, snap.Pause)
}

func TestPauseDataCarriesFramesAndValues(t *testing.T) {
	pd := PauseData{
		Registers:      map[int]uint64{0: 1},
		HaveSourceLoc:  true,
		SourceFileHash: 7,
		SourceLine:     10,
		StackFrames: []StackFrame{
			{Name: "main", PC: 0x401000, HaveSourceLoc: true, SourceFileHash: 7, SourceLine: 10},
		},
		Locals: []NamedValue{{Name: "x"}},
	}
	require.Len(t, pd.StackFrames, 1)
	require.Equal(t, "main", pd.StackFrames[0].Name)
	require.Equal(t, "x", pd.Locals[0].Name)
}
