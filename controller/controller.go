// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package controller implements the debugger's request serializer: a
// single mutex-protected debuggerData and the state machine that walks
// it through Uninitialized/Loaded/Running/Paused/ShuttingDown as load,
// launch, continue, step, and breakpoint requests come in. Every
// operation locks the mutex for the duration of its own work; the
// blocking kernel wait for the subordinate to stop happens with the
// mutex released, so a second caller can still query state while one
// continue/step is in flight.
package controller

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/traceworks/dbgcore/arch"
	"github.com/traceworks/dbgcore/breakpoint"
	"github.com/traceworks/dbgcore/dwarfdata"
	"github.com/traceworks/dbgcore/elfimage"
	"github.com/traceworks/dbgcore/locexpr"
	"github.com/traceworks/dbgcore/protocol"
	"github.com/traceworks/dbgcore/ptrace"
	"github.com/traceworks/dbgcore/render"
)

// State is one node of the debugger's state machine.
type State int

const (
	StateUninitialized State = iota
	StateLoaded
	StateRunning
	StatePaused
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateLoaded:
		return "Loaded"
	case StateRunning:
		return "Running"
	case StatePaused:
		return "Paused"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// Subordinate is the subset of *ptrace.Process the controller needs:
// every breakpoint.Tracer operation, plus Kill.
type Subordinate interface {
	breakpoint.Tracer
	Kill() error
}

// stepInBudget bounds step_in's single-step loop (breakpoint.Manager.StepIn).
const stepInBudget = 200000

// debuggerData is everything the controller owns behind mu.
type debuggerData struct {
	state      State
	targetPath string
	target     *dwarfdata.Target
	bpMgr      *breakpoint.Manager

	proc     Subordinate
	pid      int
	loadAddr uint64

	pause *protocol.PauseData
}

// Controller is the debugger core's request serializer.
type Controller struct {
	mu   sync.Mutex
	data debuggerData
	arch *arch.Architecture
	log  *slog.Logger

	// spawn is overridden in tests to avoid launching a real subordinate.
	spawn func(path string, args []string) (Subordinate, int, uint64, error)
}

// New returns a Controller in the Uninitialized state.
func New(log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{arch: &arch.AMD64, log: log}
	c.spawn = c.realSpawn
	return c
}

func (c *Controller) realSpawn(path string, args []string) (Subordinate, int, uint64, error) {
	argv := append([]string{path}, args...)
	p, err := ptrace.Spawn(path, argv)
	if err != nil {
		return nil, 0, 0, err
	}
	return p, p.Pid, p.LoadAddr, nil
}

// LoadSymbols parses req.Path's ELF/DWARF and resets DebuggerData to
// Loaded, discarding any previous target or subordinate.
func (c *Controller) LoadSymbols(req protocol.LoadSymbolsRequest) (protocol.LoadSymbolsResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.state == StateShuttingDown {
		return protocol.LoadSymbolsResponse{}, fmt.Errorf("controller: load_symbols: shutting down")
	}
	img, err := elfimage.Load(req.Path)
	if err != nil {
		return protocol.LoadSymbolsResponse{}, fmt.Errorf("controller: load_symbols: %w", err)
	}
	target, err := dwarfdata.Load(img, c.log)
	if err != nil {
		return protocol.LoadSymbolsResponse{}, fmt.Errorf("controller: load_symbols: %w", err)
	}
	c.data = debuggerData{
		state:      StateLoaded,
		targetPath: req.Path,
		target:     target,
		bpMgr:      breakpoint.NewManager(target, c.arch),
	}
	c.log.Info("symbols loaded", slog.String("path", req.Path), slog.Int("compile_units", len(target.CompileUnits)))
	return protocol.LoadSymbolsResponse{}, nil
}

// LaunchSubordinate spawns req.Path under ptrace. The new process is
// already stopped at its entry point (ptrace.Spawn waits for the
// post-execve trap); if req.StopOnEntry is set the controller leaves it
// there and reports Paused, otherwise it installs breakpoints and lets
// it run.
func (c *Controller) LaunchSubordinate(req protocol.LaunchSubordinateRequest) (protocol.LaunchSubordinateResponse, error) {
	c.mu.Lock()
	if c.data.state != StateLoaded {
		c.mu.Unlock()
		return protocol.LaunchSubordinateResponse{}, fmt.Errorf("controller: launch_subordinate: not in Loaded state (have %s)", c.data.state)
	}
	spawn := c.spawn
	c.mu.Unlock()

	proc, pid, loadAddr, err := spawn(req.Path, req.Args)
	if err != nil {
		return protocol.LaunchSubordinateResponse{}, fmt.Errorf("controller: launch_subordinate: %w", err)
	}

	c.mu.Lock()
	c.data.proc = proc
	c.data.pid = pid
	c.data.loadAddr = loadAddr
	c.data.bpMgr.SetLoadAddr(loadAddr)

	regs, err := proc.GetRegs()
	if err != nil {
		c.mu.Unlock()
		return protocol.LaunchSubordinateResponse{}, fmt.Errorf("controller: launch_subordinate: %w", err)
	}

	if req.StopOnEntry {
		c.data.state = StatePaused
		c.data.pause = c.buildPauseDataLocked(regs)
		c.mu.Unlock()
		return protocol.LaunchSubordinateResponse{}, nil
	}

	if err := c.data.bpMgr.InstallAll(proc, pid); err != nil {
		c.mu.Unlock()
		return protocol.LaunchSubordinateResponse{}, fmt.Errorf("controller: launch_subordinate: %w", err)
	}
	if err := proc.Continue(0); err != nil {
		c.mu.Unlock()
		return protocol.LaunchSubordinateResponse{}, fmt.Errorf("controller: launch_subordinate: %w", err)
	}
	c.data.state = StateRunning
	c.mu.Unlock()

	go c.waitForStop(proc, pid)
	return protocol.LaunchSubordinateResponse{}, nil
}

// waitForStop blocks in the kernel without holding c.mu, and delivers
// the resulting event as a subordinate_stopped transition once it has
// one.
func (c *Controller) waitForStop(proc Subordinate, pid int) {
	ev, err := proc.Wait()
	if err != nil {
		c.log.Error("wait failed", slog.Int("pid", pid), slog.Any("err", err))
		return
	}
	c.applyStop(proc, ev)
}

// applyStop processes one wait event: exit tears the subordinate down
// to Loaded, a trap adjusts the reported PC past an INT3 byte if one is
// installed there, uninstalls every breakpoint so the stopped image is
// clean to inspect, and builds PauseData.
func (c *Controller) applyStop(proc Subordinate, ev ptrace.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.state == StateShuttingDown {
		return
	}
	if ev.Exited || ev.Signaled {
		c.data.proc = nil
		c.data.pid = 0
		c.data.loadAddr = 0
		c.data.pause = nil
		c.data.state = StateLoaded
		return
	}

	regs, err := proc.GetRegs()
	if err != nil {
		c.log.Error("getregs after stop failed", slog.Any("err", err))
		return
	}
	if candidate := c.data.bpMgr.AdjustPCAfterTrap(regs[arch.RegRIP]); c.data.bpMgr.InstalledAt(candidate) {
		regs[arch.RegRIP] = candidate
		if err := proc.SetRegs(regs); err != nil {
			c.log.Error("setregs after breakpoint trap failed", slog.Any("err", err))
		}
	}
	if err := c.data.bpMgr.UninstallAll(proc, c.data.pid); err != nil {
		c.log.Error("uninstall breakpoints on stop failed", slog.Any("err", err))
	}
	c.data.state = StatePaused
	c.data.pause = c.buildPauseDataLocked(regs)
}

// Continue resumes a paused subordinate, stepping past any breakpoint
// under the current PC first, then running until the next trap or exit.
func (c *Controller) Continue(req protocol.ContinueRequest) (protocol.ContinueResponse, error) {
	c.mu.Lock()
	if c.data.state != StatePaused {
		c.mu.Unlock()
		return protocol.ContinueResponse{}, fmt.Errorf("controller: continue: not in Paused state (have %s)", c.data.state)
	}
	proc, pid, bpMgr := c.data.proc, c.data.pid, c.data.bpMgr
	pc := c.data.pause.Registers[arch.RegRIP]
	c.mu.Unlock()

	if err := bpMgr.StepPastBreakpoint(proc, pid, pc); err != nil {
		return protocol.ContinueResponse{}, fmt.Errorf("controller: continue: %w", err)
	}
	if err := bpMgr.InstallAll(proc, pid); err != nil {
		return protocol.ContinueResponse{}, fmt.Errorf("controller: continue: %w", err)
	}
	if err := proc.Continue(0); err != nil {
		return protocol.ContinueResponse{}, fmt.Errorf("controller: continue: %w", err)
	}

	c.mu.Lock()
	c.data.state = StateRunning
	c.mu.Unlock()

	go c.waitForStop(proc, pid)
	return protocol.ContinueResponse{}, nil
}

// Step performs one step_into/step_over/step_out operation, blocking
// the caller (not the controller mutex) until it completes.
func (c *Controller) Step(req protocol.StepRequest) (protocol.StepResponse, error) {
	c.mu.Lock()
	if c.data.state != StatePaused {
		c.mu.Unlock()
		return protocol.StepResponse{}, fmt.Errorf("controller: step: not in Paused state (have %s)", c.data.state)
	}
	proc, pid, bpMgr, loadAddr := c.data.proc, c.data.pid, c.data.bpMgr, c.data.loadAddr
	startPC := c.data.pause.Registers[arch.RegRIP]
	c.mu.Unlock()

	if err := bpMgr.StepPastBreakpoint(proc, pid, startPC); err != nil {
		return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
	}
	regs, err := proc.GetRegs()
	if err != nil {
		return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
	}
	filePC := regs[arch.RegRIP] - loadAddr

	var ev ptrace.Event
	switch req.StepType {
	case protocol.StepInto:
		newPC, stepErr := bpMgr.StepIn(proc, pid, filePC, stepInBudget)
		if errors.Is(stepErr, breakpoint.ErrSubordinateExited) {
			c.applyStop(proc, ptrace.Event{Pid: pid, Exited: true})
			return protocol.StepResponse{}, nil
		}
		if stepErr != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", stepErr)
		}
		ev = ptrace.Event{Pid: pid, Stopped: true}
		_ = newPC

	case protocol.StepOver:
		if _, err := bpMgr.PlanStepOver(proc, pid, filePC, regs); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}
		if err := proc.Continue(0); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}
		ev, err = proc.Wait()
		if err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}

	case protocol.StepOut:
		if _, err := bpMgr.PlanStepOut(proc, pid, filePC, regs); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}
		if err := proc.Continue(0); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}
		ev, err = proc.Wait()
		if err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}

	default:
		return protocol.StepResponse{}, fmt.Errorf("controller: step: unknown step kind %v", req.StepType)
	}

	// applyStop adjusts the reported PC if it landed on one of the
	// one-shot breakpoints just armed, and uninstalls everything
	// (persistent and one-shot alike) before reading source/locals.
	// ClearOneShots then forgets the one-shot records entirely, only
	// if the subordinate is still alive to poke.
	c.applyStop(proc, ev)
	if !ev.Exited && !ev.Signaled && (req.StepType == protocol.StepOver || req.StepType == protocol.StepOut) {
		if err := bpMgr.ClearOneShots(proc, pid); err != nil {
			return protocol.StepResponse{}, fmt.Errorf("controller: step: %w", err)
		}
	}
	return protocol.StepResponse{}, nil
}

// KillSubordinate kills the running/paused subordinate, if any, and
// returns the controller to Loaded.
func (c *Controller) KillSubordinate(req protocol.KillSubordinateRequest) (protocol.KillSubordinateResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.proc == nil {
		return protocol.KillSubordinateResponse{}, nil
	}
	if err := c.data.proc.Kill(); err != nil {
		return protocol.KillSubordinateResponse{}, fmt.Errorf("controller: kill_subordinate: %w", err)
	}
	c.data.proc = nil
	c.data.pid = 0
	c.data.loadAddr = 0
	c.data.pause = nil
	if c.data.state != StateShuttingDown {
		c.data.state = StateLoaded
	}
	return protocol.KillSubordinateResponse{}, nil
}

// UpdateBreakpoint resolves a source-coordinate breakpoint request and
// installs it immediately if a subordinate is attached.
func (c *Controller) UpdateBreakpoint(req protocol.UpdateBreakpointRequest) (protocol.UpdateBreakpointResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.bpMgr == nil {
		return protocol.UpdateBreakpointResponse{}, fmt.Errorf("controller: update_breakpoint: no target loaded")
	}
	if !req.Loc.BySource {
		return protocol.UpdateBreakpointResponse{ID: req.Loc.ID}, nil
	}
	bp, err := c.data.bpMgr.AddBySource(req.Loc.FileHash, req.Loc.Line)
	if err != nil {
		return protocol.UpdateBreakpointResponse{}, fmt.Errorf("controller: update_breakpoint: %w", err)
	}
	if c.data.proc != nil {
		if err := c.data.bpMgr.InstallAll(c.data.proc, c.data.pid); err != nil {
			return protocol.UpdateBreakpointResponse{}, fmt.Errorf("controller: update_breakpoint: %w", err)
		}
	}
	return protocol.UpdateBreakpointResponse{ID: bp.ID}, nil
}

// ToggleBreakpoint flips a breakpoint's active bit, poking memory if a
// subordinate is attached or just updating bookkeeping otherwise.
func (c *Controller) ToggleBreakpoint(req protocol.ToggleBreakpointRequest) (protocol.ToggleBreakpointResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.bpMgr == nil {
		return protocol.ToggleBreakpointResponse{}, fmt.Errorf("controller: toggle_breakpoint: no target loaded")
	}
	if c.data.proc == nil {
		bp, ok := c.data.bpMgr.Get(req.ID)
		if !ok {
			return protocol.ToggleBreakpointResponse{}, fmt.Errorf("controller: toggle_breakpoint: no breakpoint %d", req.ID)
		}
		if err := c.data.bpMgr.SetActive(req.ID, !bp.Active); err != nil {
			return protocol.ToggleBreakpointResponse{}, fmt.Errorf("controller: toggle_breakpoint: %w", err)
		}
		return protocol.ToggleBreakpointResponse{}, nil
	}
	if err := c.data.bpMgr.Toggle(c.data.proc, c.data.pid, req.ID); err != nil {
		return protocol.ToggleBreakpointResponse{}, fmt.Errorf("controller: toggle_breakpoint: %w", err)
	}
	return protocol.ToggleBreakpointResponse{}, nil
}

// Quit kills any subordinate and transitions to ShuttingDown from any
// state.
func (c *Controller) Quit(req protocol.QuitRequest) (protocol.QuitResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.proc != nil {
		_ = c.data.proc.Kill()
	}
	c.data.proc = nil
	c.data.state = StateShuttingDown
	return protocol.QuitResponse{}, nil
}

// Snapshot returns a clone of DebuggerData's client-visible shape,
// built under the same lock every mutating operation takes.
func (c *Controller) Snapshot() protocol.StateSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() protocol.StateSnapshot {
	var snap protocol.StateSnapshot
	if c.data.target != nil {
		functions := 0
		for _, cu := range c.data.target.CompileUnits {
			functions += len(cu.Functions)
		}
		snap.TargetSummary = &protocol.TargetSummary{
			Path:         c.data.targetPath,
			CompileUnits: len(c.data.target.CompileUnits),
			Functions:    functions,
			PIE:          c.data.target.PIE,
		}
	}
	if c.data.bpMgr != nil {
		for _, bp := range c.data.bpMgr.List() {
			snap.Breakpoints = append(snap.Breakpoints, protocol.BreakpointSummary{
				ID:       bp.ID,
				FileHash: bp.FileHash,
				Line:     bp.Line,
				Addr:     bp.Addr,
				Active:   bp.Active,
			})
		}
	}
	switch c.data.state {
	case StateRunning:
		snap.SubordinateState = protocol.SubordinateRunning
	case StatePaused:
		snap.SubordinateState = protocol.SubordinatePaused
		snap.Pause = c.data.pause
	default:
		snap.SubordinateState = protocol.SubordinateNone
	}
	return snap
}

// State returns the current state machine node, for callers (mainly
// tests and the CLI) that want more than the protocol snapshot exposes.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.state
}

// EvalSymbol evaluates a small prefix-dispatched expression language:
// "re:<pattern>" lists matching function names, "addr:<name>" resolves
// a function's address, "src:<addr>" resolves an address to a source
// line, and "val:<name>" renders a variable's value, checking the
// currently stopped frame's locals first and falling back to a
// package/file-scope global of the same name.
func (c *Controller) EvalSymbol(req protocol.EvalSymbolRequest) (protocol.EvalSymbolResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.bpMgr == nil {
		return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: no target loaded")
	}

	switch {
	case strings.HasPrefix(req.Expr, "re:"):
		re, err := regexp.Compile(req.Expr[len("re:"):])
		if err != nil {
			return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: %w", err)
		}
		return protocol.EvalSymbolResponse{Results: c.data.bpMgr.FunctionsMatching(re)}, nil

	case strings.HasPrefix(req.Expr, "addr:"):
		name := req.Expr[len("addr:"):]
		fn, _, ok := c.data.bpMgr.FunctionByName(name)
		if !ok || len(fn.AddressRanges) == 0 {
			return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: no function %q", name)
		}
		addr := fn.AddressRanges[0].Low + c.data.bpMgr.LoadAddr()
		return protocol.EvalSymbolResponse{Results: []string{fmt.Sprintf("%#x", addr)}}, nil

	case strings.HasPrefix(req.Expr, "src:"):
		addr, err := strconv.ParseUint(req.Expr[len("src:"):], 0, 64)
		if err != nil {
			return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: %w", err)
		}
		filePC := addr - c.data.bpMgr.LoadAddr()
		if _, _, ok := c.data.bpMgr.FunctionForPC(filePC); !ok {
			return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: no function containing %#x", addr)
		}
		line, ok := c.data.bpMgr.LineForFilePC(filePC)
		if !ok {
			return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: no source line for %#x", addr)
		}
		return protocol.EvalSymbolResponse{Results: []string{strconv.Itoa(line)}}, nil

	case strings.HasPrefix(req.Expr, "val:"):
		name := req.Expr[len("val:"):]
		if c.data.pause != nil {
			for _, lv := range c.data.pause.Locals {
				if lv.Name == name {
					return protocol.EvalSymbolResponse{Results: []string{lv.Value.String()}}, nil
				}
			}
		}
		if gv, ok := c.data.bpMgr.GlobalByName(name); ok {
			val, err := c.renderGlobalLocked(gv)
			if err != nil {
				return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: %w", err)
			}
			return protocol.EvalSymbolResponse{Results: []string{val.String()}}, nil
		}
		return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: no local or global %q", name)

	default:
		return protocol.EvalSymbolResponse{}, fmt.Errorf("controller: eval: bad expression syntax %q", req.Expr)
	}
}

// ResolveFileHash looks up the source path a FileHash in a
// BreakpointSummary or StackFrame refers to, for callers that want to
// render those hashes as readable paths rather than raw integers.
func (c *Controller) ResolveFileHash(hash uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.target == nil {
		return "", false
	}
	return c.data.target.Strings.GetString(hash)
}

// buildPauseDataLocked builds PauseData for the current stop. Callers
// must hold c.mu.
func (c *Controller) buildPauseDataLocked(regs ptrace.Registers) *protocol.PauseData {
	pd := &protocol.PauseData{Registers: map[int]uint64(regs)}
	filePC := regs[arch.RegRIP] - c.data.loadAddr

	fn, cu, ok := c.data.bpMgr.FunctionForPC(filePC)
	if ok {
		if line, lok := c.data.bpMgr.LineForFilePC(filePC); lok {
			pd.HaveSourceLoc = true
			pd.SourceLine = line
			pd.SourceFileHash = fn.Declaration.FileHash
		}
		pd.Locals = c.renderLocalsLocked(cu, fn, regs)
	}

	if w, err := c.data.bpMgr.Unwind(c.data.proc, c.data.pid, filePC, regs, 64); err == nil {
		for _, addr := range w.CallStackAddrs {
			sf := protocol.StackFrame{PC: addr}
			fpc := addr - c.data.loadAddr
			if ffn, _, fok := c.data.bpMgr.FunctionForPC(fpc); fok {
				if name, nok := c.data.target.Strings.GetString(ffn.NameHash); nok {
					sf.Name = name
				}
				if line, lok := c.data.bpMgr.LineForFilePC(fpc); lok {
					sf.HaveSourceLoc = true
					sf.SourceLine = line
					sf.SourceFileHash = ffn.Declaration.FileHash
				}
			}
			pd.StackFrames = append(pd.StackFrames, sf)
		}
	}
	return pd
}

// renderGlobalLocked evaluates a package/file-scope variable's
// location expression (ordinarily a bare DW_OP_addr) and renders its
// value. Unlike renderLocalsLocked it needs no frame base or register
// set: a global's address doesn't depend on which frame is current, or
// on any frame being current at all, as long as the subordinate is
// live. Callers must hold c.mu.
func (c *Controller) renderGlobalLocked(v *dwarfdata.Variable) (*render.Value, error) {
	if c.data.proc == nil {
		return nil, fmt.Errorf("subordinate not running")
	}
	ctx := &locexpr.Context{
		Mem:          c.data.proc,
		Pid:          c.data.pid,
		LoadAddr:     c.data.loadAddr,
		VariableSize: c.arch.PointerSize,
	}
	res, err := locexpr.Eval(v.LocationExprBytes, ctx)
	if err != nil || !res.IsAddress {
		return nil, fmt.Errorf("could not resolve address")
	}
	return render.Render(c.data.target, c.data.proc, c.data.pid, c.arch, v.DataType, res.Address)
}

// renderLocalsLocked evaluates each of fn's variables' location
// expressions against the live subordinate and renders their value.
// Callers must hold c.mu.
func (c *Controller) renderLocalsLocked(cu *dwarfdata.CompileUnit, fn *dwarfdata.Function, regs ptrace.Registers) []protocol.NamedValue {
	var out []protocol.NamedValue
	for _, vn := range fn.Variables {
		if int(vn) < 0 || int(vn) >= len(cu.Variables) {
			continue
		}
		v := cu.Variables[vn]
		name, _ := c.data.target.Strings.GetString(v.NameHash)

		ctx := &locexpr.Context{
			Mem:           c.data.proc,
			Pid:           c.data.pid,
			LoadAddr:      c.data.loadAddr,
			Regs:          map[int]uint64(regs),
			VariableSize:  c.arch.PointerSize,
			FrameBaseExpr: fn.FrameBaseExpr,
		}
		res, err := locexpr.Eval(v.LocationExprBytes, ctx)
		if err != nil || !res.IsAddress {
			continue
		}
		val, err := render.Render(c.data.target, c.data.proc, c.data.pid, c.arch, v.DataType, res.Address)
		if err != nil {
			continue
		}
		out = append(out, protocol.NamedValue{Name: name, Value: val})
	}
	return out
}
