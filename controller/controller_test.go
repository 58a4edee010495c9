// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package controller

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceworks/dbgcore/arch"
	"github.com/traceworks/dbgcore/breakpoint"
	"github.com/traceworks/dbgcore/dwarfdata"
	"github.com/traceworks/dbgcore/frame"
	"github.com/traceworks/dbgcore/protocol"
	"github.com/traceworks/dbgcore/ptrace"
	"github.com/traceworks/dbgcore/strcache"
)

const testLoadAddr = 0x400000

type fakeSubordinate struct {
	mem        map[uint64]byte
	pcSequence []uint64
	pcIdx      int
	waitEvent  ptrace.Event
	killed     bool
	continued  int
}

func (f *fakeSubordinate) Continue(signal int) error {
	f.continued++
	if f.pcIdx < len(f.pcSequence)-1 {
		f.pcIdx++
	}
	return nil
}

func (f *fakeSubordinate) SingleStep() error {
	if f.pcIdx < len(f.pcSequence)-1 {
		f.pcIdx++
	}
	return nil
}

func (f *fakeSubordinate) Wait() (ptrace.Event, error) { return f.waitEvent, nil }

func (f *fakeSubordinate) GetRegs() (ptrace.Registers, error) {
	return ptrace.Registers{arch.RegRIP: f.pcSequence[f.pcIdx]}, nil
}

func (f *fakeSubordinate) SetRegs(regs ptrace.Registers) error { return nil }

func (f *fakeSubordinate) PeekData(pid int, addr uint64, dst []byte) error {
	for i := range dst {
		dst[i] = f.mem[addr+uint64(i)]
	}
	return nil
}

func (f *fakeSubordinate) PokeData(addr uint64, data []byte) error {
	for i, b := range data {
		f.mem[addr+uint64(i)] = b
	}
	return nil
}

func (f *fakeSubordinate) Kill() error { f.killed = true; return nil }

// testTarget returns a one-CU, one-function fixture: statements at
// lines 10/11/12 (file-relative 0x1000/0x1010/0x1020), a function
// spanning [0x1000, 0x1030), and an empty (but non-nil) unwind table,
// plus the file hash and the breakpoint manager built from it.
func testTarget(t *testing.T) (*dwarfdata.Target, uint64, *breakpoint.Manager) {
	target := &dwarfdata.Target{Strings: strcache.New(), Unwinder: &frame.Table{}}
	fileHash := target.Strings.AddString("/tmp/main.c")
	fn := &dwarfdata.Function{
		NameHash:      target.Strings.AddString("main"),
		Declaration:   dwarfdata.SourceLocation{FileHash: fileHash, Line: 10},
		AddressRanges: []dwarfdata.AddressRange{{Low: 0x1000, High: 0x1030}},
		Statements: []dwarfdata.SourceStatement{
			{Addr: 0x1000, Line: 10, BreakpointAddr: 0x1000, IsStmt: true},
			{Addr: 0x1010, Line: 11, BreakpointAddr: 0x1010, IsStmt: true},
			{Addr: 0x1020, Line: 12, BreakpointAddr: 0x1020, IsStmt: true},
		},
	}
	target.DataTypes = []*dwarfdata.DataType{
		{Form: dwarfdata.FormPrimitive, Encoding: dwarfdata.EncSigned, SizeBytes: 8, NameHash: target.Strings.AddString("int64")},
	}
	var counterLoc [9]byte
	counterLoc[0] = 0x03 // DW_OP_addr
	binary.LittleEndian.PutUint64(counterLoc[1:], 0x2000)
	counterVar := &dwarfdata.Variable{
		NameHash:          target.Strings.AddString("counter"),
		DataType:          0,
		LocationExprBytes: counterLoc[:],
	}
	cu := &dwarfdata.CompileUnit{
		SourceFiles: []*dwarfdata.SourceFile{
			{PathHash: fileHash, Statements: fn.Statements},
		},
		Functions: []*dwarfdata.Function{fn},
		Variables: []*dwarfdata.Variable{counterVar},
		Globals:   []dwarfdata.VariableNdx{0},
	}
	target.CompileUnits = []*dwarfdata.CompileUnit{cu}
	mgr := breakpoint.NewManager(target, &arch.AMD64)
	mgr.SetLoadAddr(testLoadAddr)
	return target, fileHash, mgr
}

func newPausedController(t *testing.T, pc uint64) (*Controller, *fakeSubordinate) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	sub := &fakeSubordinate{mem: map[uint64]byte{}, pcSequence: []uint64{pc}}
	c.data = debuggerData{
		state:      StatePaused,
		targetPath: "/tmp/a.out",
		target:     target,
		bpMgr:      mgr,
		proc:       sub,
		pid:        1,
		loadAddr:   testLoadAddr,
	}
	regs, err := sub.GetRegs()
	require.NoError(t, err)
	c.data.pause = c.buildPauseDataLocked(regs)
	return c, sub
}

func TestStateString(t *testing.T) {
	require.Equal(t, "Uninitialized", StateUninitialized.String())
	require.Equal(t, "Loaded", StateLoaded.String())
	require.Equal(t, "Running", StateRunning.String())
	require.Equal(t, "Paused", StatePaused.String())
	require.Equal(t, "ShuttingDown", StateShuttingDown.String())
}

func TestLoadSymbolsRejectsMissingFile(t *testing.T) {
	c := New(nil)
	_, err := c.LoadSymbols(protocol.LoadSymbolsRequest{Path: "/nonexistent/does-not-exist"})
	require.Error(t, err)
	require.Equal(t, StateUninitialized, c.State())
}

func TestLaunchSubordinateRequiresLoadedState(t *testing.T) {
	c := New(nil)
	_, err := c.LaunchSubordinate(protocol.LaunchSubordinateRequest{Path: "/bin/true"})
	require.Error(t, err)
}

func TestLaunchSubordinateStopOnEntryPauses(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, targetPath: "/tmp/a.out", target: target, bpMgr: mgr}
	sub := &fakeSubordinate{mem: map[uint64]byte{}, pcSequence: []uint64{testLoadAddr + 0x1000}}
	c.spawn = func(path string, args []string) (Subordinate, int, uint64, error) {
		return sub, 1, testLoadAddr, nil
	}

	_, err := c.LaunchSubordinate(protocol.LaunchSubordinateRequest{Path: "/tmp/a.out", StopOnEntry: true})
	require.NoError(t, err)
	require.Equal(t, StatePaused, c.State())

	snap := c.Snapshot()
	require.Equal(t, protocol.SubordinatePaused, snap.SubordinateState)
	require.True(t, snap.Pause.HaveSourceLoc)
	require.Equal(t, 10, snap.Pause.SourceLine)
}

func TestStepIntoAdvancesToNextLine(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	sub.pcSequence = []uint64{testLoadAddr + 0x1000, testLoadAddr + 0x1005, testLoadAddr + 0x1010}
	sub.waitEvent = ptrace.Event{Pid: 1, Stopped: true}

	_, err := c.Step(protocol.StepRequest{StepType: protocol.StepInto})
	require.NoError(t, err)
	require.Equal(t, StatePaused, c.State())

	snap := c.Snapshot()
	require.Equal(t, 11, snap.Pause.SourceLine)
}

func TestStepIntoReportsExitedSubordinate(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	sub.pcSequence = []uint64{testLoadAddr + 0x1000}
	sub.waitEvent = ptrace.Event{Pid: 1, Exited: true}

	_, err := c.Step(protocol.StepRequest{StepType: protocol.StepInto})
	require.NoError(t, err)
	require.Equal(t, StateLoaded, c.State())
}

func TestStepOverRunsToNextStatement(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	sub.pcSequence = []uint64{testLoadAddr + 0x1000, testLoadAddr + 0x1020}
	sub.waitEvent = ptrace.Event{Pid: 1, Stopped: true}

	_, err := c.Step(protocol.StepRequest{StepType: protocol.StepOver})
	require.NoError(t, err)
	require.Equal(t, 1, sub.continued)

	snap := c.Snapshot()
	require.Equal(t, 12, snap.Pause.SourceLine)
	require.Empty(t, snap.Breakpoints) // one-shots are cleared, not left behind
}

func TestStepOutRunsToReturnOrExit(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	sub.pcSequence = []uint64{testLoadAddr + 0x1000, testLoadAddr + 0x1020}
	sub.waitEvent = ptrace.Event{Pid: 1, Exited: true}

	_, err := c.Step(protocol.StepRequest{StepType: protocol.StepOut})
	require.NoError(t, err)
	require.Equal(t, StateLoaded, c.State())
}

func TestContinueRequiresPausedState(t *testing.T) {
	c := New(nil)
	_, err := c.Continue(protocol.ContinueRequest{})
	require.Error(t, err)
}

func TestUpdateAndToggleBreakpointWithoutSubordinate(t *testing.T) {
	target, fileHash, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	resp, err := c.UpdateBreakpoint(protocol.UpdateBreakpointRequest{
		Loc: protocol.BreakpointLocation{BySource: true, FileHash: fileHash, Line: 11},
	})
	require.NoError(t, err)
	require.NotZero(t, resp.ID)

	bp, ok := mgr.Get(resp.ID)
	require.True(t, ok)
	require.True(t, bp.Active)

	_, err = c.ToggleBreakpoint(protocol.ToggleBreakpointRequest{ID: resp.ID})
	require.NoError(t, err)
	bp, _ = mgr.Get(resp.ID)
	require.False(t, bp.Active)
}

func TestToggleBreakpointWithSubordinatePokesMemory(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	sub.mem[testLoadAddr+0x1010] = 0x90

	resp, err := c.UpdateBreakpoint(protocol.UpdateBreakpointRequest{
		Loc: protocol.BreakpointLocation{BySource: true, FileHash: c.data.target.CompileUnits[0].SourceFiles[0].PathHash, Line: 11},
	})
	require.NoError(t, err)
	require.Equal(t, byte(0xCC), sub.mem[testLoadAddr+0x1010])

	_, err = c.ToggleBreakpoint(protocol.ToggleBreakpointRequest{ID: resp.ID})
	require.NoError(t, err)
	require.Equal(t, byte(0x90), sub.mem[testLoadAddr+0x1010])
}

func TestKillSubordinateReturnsToLoaded(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	_, err := c.KillSubordinate(protocol.KillSubordinateRequest{})
	require.NoError(t, err)
	require.True(t, sub.killed)
	require.Equal(t, StateLoaded, c.State())
}

func TestQuitTransitionsFromAnyState(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	_, err := c.Quit(protocol.QuitRequest{})
	require.NoError(t, err)
	require.True(t, sub.killed)
	require.Equal(t, StateShuttingDown, c.State())
}

func TestResolveFileHashRoundTrips(t *testing.T) {
	target, fileHash, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	path, ok := c.ResolveFileHash(fileHash)
	require.True(t, ok)
	require.Equal(t, "/tmp/main.c", path)

	_, ok = c.ResolveFileHash(0xdeadbeef)
	require.False(t, ok)
}

func TestEvalSymbolRegexListsFunctions(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	resp, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "re:^ma"})
	require.NoError(t, err)
	require.Equal(t, []string{"main"}, resp.Results)
}

func TestEvalSymbolAddrResolvesFunction(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	resp, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "addr:main"})
	require.NoError(t, err)
	require.Equal(t, []string{"0x401000"}, resp.Results)
}

func TestEvalSymbolAddrRejectsUnknownFunction(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	_, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "addr:nope"})
	require.Error(t, err)
}

func TestEvalSymbolSrcResolvesLine(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	resp, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "src:0x401010"})
	require.NoError(t, err)
	require.Equal(t, []string{"11"}, resp.Results)
}

func TestEvalSymbolValRequiresStoppedSubordinate(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	_, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "val:x"})
	require.Error(t, err)
}

func TestEvalSymbolValFallsBackToGlobal(t *testing.T) {
	c, sub := newPausedController(t, testLoadAddr+0x1000)
	var b [8]byte
	counter := int64(-7)
	binary.LittleEndian.PutUint64(b[:], uint64(counter))
	for i, x := range b {
		sub.mem[testLoadAddr+0x2000+uint64(i)] = x
	}

	resp, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "val:counter"})
	require.NoError(t, err)
	require.Equal(t, []string{"-7"}, resp.Results)
}

func TestEvalSymbolValGlobalRequiresRunningSubordinate(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	_, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "val:counter"})
	require.Error(t, err)
}

func TestEvalSymbolRejectsUnknownPrefix(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, target: target, bpMgr: mgr}

	_, err := c.EvalSymbol(protocol.EvalSymbolRequest{Expr: "0x1234"})
	require.Error(t, err)
}

func TestSnapshotReportsTargetSummary(t *testing.T) {
	target, _, mgr := testTarget(t)
	c := New(nil)
	c.data = debuggerData{state: StateLoaded, targetPath: "/tmp/a.out", target: target, bpMgr: mgr}

	snap := c.Snapshot()
	require.Equal(t, "/tmp/a.out", snap.TargetSummary.Path)
	require.Equal(t, 1, snap.TargetSummary.CompileUnits)
	require.Equal(t, 1, snap.TargetSummary.Functions)
	require.Equal(t, protocol.SubordinateNone, snap.SubordinateState)
}
