// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package protocol defines the request/response types exchanged
// between the debugger core and its clients: one pair per method, even
// when a method's request or response carries no fields of its own, so
// every operation's inputs and outputs are documented in one place.
package protocol

import (
	"github.com/traceworks/dbgcore/render"
)

// StepKind distinguishes the three stepping operations a StepRequest
// can ask for.
type StepKind int

const (
	StepInto StepKind = iota
	StepOver
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepInto:
		return "into"
	case StepOver:
		return "over"
	case StepOut:
		return "out_of"
	default:
		return "unknown"
	}
}

// BreakpointLocation names a breakpoint either by source coordinate or
// by an already-issued breakpoint id.
type BreakpointLocation struct {
	BySource bool
	FileHash uint64
	Line     int
	ID       int
}

// LoadSymbolsRequest asks the controller to parse path's ELF/DWARF.
type LoadSymbolsRequest struct {
	Path string
}

type LoadSymbolsResponse struct{}

// LaunchSubordinateRequest spawns the loaded target under ptrace.
type LaunchSubordinateRequest struct {
	Path        string
	Args        []string
	StopOnEntry bool
}

type LaunchSubordinateResponse struct{}

type KillSubordinateRequest struct{}

type KillSubordinateResponse struct{}

type ContinueRequest struct{}

type ContinueResponse struct{}

type StepRequest struct {
	StepType StepKind
}

type StepResponse struct{}

// UpdateBreakpointRequest creates or moves a breakpoint to loc.
type UpdateBreakpointRequest struct {
	Loc BreakpointLocation
}

type UpdateBreakpointResponse struct {
	ID int
}

// ToggleBreakpointRequest flips a breakpoint between active/inactive.
type ToggleBreakpointRequest struct {
	ID int
}

type ToggleBreakpointResponse struct{}

// SubordinateStoppedRequest is produced internally by the wait thread,
// not issued by clients.
type SubordinateStoppedRequest struct {
	Pid                int
	Exited             bool
	ShouldStopDebugger bool
}

type SubordinateStoppedResponse struct{}

type QuitRequest struct{}

type QuitResponse struct{}

// EvalSymbolRequest asks the controller to evaluate an ad hoc
// expression-string against the symbol table: "re:<pattern>" lists
// matching function names, "addr:<name>" resolves a function's
// address, "src:<addr>" resolves an address to a source line, and
// "val:<name>" renders a local of the currently stopped frame or, if no
// local has that name, a global. This is a REPL convenience layered
// over the symbol table; val: evaluates a global's location with the
// same DWARF-location stack machine the locals rendering uses.
type EvalSymbolRequest struct {
	Expr string
}

type EvalSymbolResponse struct {
	Results []string
}

// BreakpointSummary is one entry of StateSnapshot.Breakpoints.
type BreakpointSummary struct {
	ID       int
	FileHash uint64
	Line     int
	Addr     uint64
	Active   bool
}

// StackFrame is one entry of PauseData.StackFrames.
type StackFrame struct {
	Name           string
	PC             uint64
	HaveSourceLoc  bool
	SourceFileHash uint64
	SourceLine     int
}

// NamedValue pairs a variable/watch name with its rendered value.
type NamedValue struct {
	Name  string
	Value *render.Value
}

// PauseData is populated on StateSnapshot.Pause when the
// subordinate is stopped.
type PauseData struct {
	Registers      map[int]uint64
	HaveSourceLoc  bool
	SourceFileHash uint64
	SourceLine     int
	StackFrames    []StackFrame
	Locals         []NamedValue
	Watches        []NamedValue
}

// SubordinateState distinguishes StateSnapshot's subordinate status.
type SubordinateState int

const (
	SubordinateNone SubordinateState = iota
	SubordinateRunning
	SubordinatePaused
)

// TargetSummary is the load-time-visible shape of the loaded program,
// cheap to clone into every snapshot (no DataType/DIE graph).
type TargetSummary struct {
	Path         string
	CompileUnits int
	Functions    int
	PIE          bool
}

// StateSnapshot is the read-only view clients get of controller state,
// cloned under the controller's lock so readers never observe a
// partially mutated DebuggerData.
type StateSnapshot struct {
	TargetSummary    *TargetSummary
	Breakpoints      []BreakpointSummary
	SubordinateState SubordinateState
	Pause            *PauseData
}
