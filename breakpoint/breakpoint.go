// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package breakpoint resolves source-coordinate breakpoint requests to
// process addresses, installs/removes the architecture's software
// breakpoint byte, and drives the single-step-past-breakpoint and
// step_in/step_over/step_out sequences.
package breakpoint

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/traceworks/dbgcore/arch"
	"github.com/traceworks/dbgcore/dwarfdata"
	"github.com/traceworks/dbgcore/frame"
	"github.com/traceworks/dbgcore/ptrace"
)

// ErrSubordinateExited is wrapped into the error StepIn returns when
// the subordinate exits mid-step, so callers can recognize it and
// transition state without string-matching.
var ErrSubordinateExited = fmt.Errorf("breakpoint: subordinate exited")

// Tracer is the subset of *ptrace.Process the breakpoint manager needs.
// Defined as an interface, rather than depending on *ptrace.Process
// directly, so tests can exercise install/uninstall/step sequencing
// against a fake.
type Tracer interface {
	Continue(signal int) error
	SingleStep() error
	Wait() (ptrace.Event, error)
	GetRegs() (ptrace.Registers, error)
	SetRegs(regs ptrace.Registers) error
	PeekData(pid int, addr uint64, dst []byte) error
	PokeData(addr uint64, data []byte) error
}

// Breakpoint is one breakpoint record. Addr is a process-virtual
// address; it is zero until the manager has a load address (the
// subordinate must be launched to resolve PIE addresses).
type Breakpoint struct {
	ID       int
	FileHash uint64
	Line     int
	FileAddr uint64 // file/CU-relative address; stable across relaunch
	Addr     uint64 // process-virtual address = FileAddr + loadAddr
	Active   bool
	OneShot  bool // synthesized by step_over/step_out, cleared after one stop

	orig      [arch.MaxBreakpointSize]byte
	installed bool
}

// Manager owns every breakpoint record for one loaded target.
type Manager struct {
	mu       sync.Mutex
	target   *dwarfdata.Target
	arch     *arch.Architecture
	loadAddr uint64
	unwinder *frame.Unwinder

	breakpoints map[int]*Breakpoint
	nextID      int
}

// NewManager returns a Manager with no breakpoints and no load address.
func NewManager(target *dwarfdata.Target, a *arch.Architecture) *Manager {
	return &Manager{target: target, arch: a, breakpoints: map[int]*Breakpoint{}, nextID: 1}
}

// SetLoadAddr records the subordinate's load address (from
// /proc/<pid>/maps) and recomputes every non-one-shot breakpoint's
// process-virtual address.
func (m *Manager) SetLoadAddr(addr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadAddr = addr
	m.unwinder = &frame.Unwinder{
		Table:                 m.target.Unwinder,
		LoadAddr:              addr,
		ReturnAddressRegister: m.arch.ReturnAddressRegister,
		PointerSize:           m.arch.PointerSize,
	}
	for _, bp := range m.breakpoints {
		if !bp.OneShot {
			bp.Addr = bp.FileAddr + addr
		}
	}
}

// AdjustPCAfterTrap decrements a reported PC by the breakpoint
// instruction's size, since on x86 PTRACE_PEEKDATA/GETREGS after an
// INT3 trap report PC pointing just past the breakpoint byte.
func (m *Manager) AdjustPCAfterTrap(pc uint64) uint64 {
	return pc - uint64(m.arch.BreakpointSize)
}

// resolve implements the source-coordinate breakpoint resolution: the
// first statement (smallest line, tie-broken by smallest address)
// whose line is >= the requested line, within the compile unit whose
// source list contains fileHash.
func (m *Manager) resolve(fileHash uint64, line int) (uint64, bool) {
	var best uint64
	bestLine := -1
	found := false
	for _, cu := range m.target.CompileUnits {
		for _, sf := range cu.SourceFiles {
			if sf.PathHash != fileHash {
				continue
			}
			for _, s := range sf.Statements {
				if s.Line < line {
					continue
				}
				if !found || s.Line < bestLine || (s.Line == bestLine && s.BreakpointAddr < best) {
					found = true
					bestLine = s.Line
					best = s.BreakpointAddr
				}
			}
		}
	}
	return best, found
}

// AddBySource resolves a source-coordinate request and records a new,
// initially active breakpoint.
func (m *Manager) AddBySource(fileHash uint64, line int) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fileAddr, ok := m.resolve(fileHash, line)
	if !ok {
		return nil, fmt.Errorf("breakpoint: no statement at or after line %d in file %#x", line, fileHash)
	}
	bp := &Breakpoint{ID: m.nextID, FileHash: fileHash, Line: line, FileAddr: fileAddr, Active: true}
	m.nextID++
	if m.loadAddr != 0 {
		bp.Addr = fileAddr + m.loadAddr
	}
	m.breakpoints[bp.ID] = bp
	return bp, nil
}

// Get returns the breakpoint record for id, if any.
func (m *Manager) Get(id int) (*Breakpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[id]
	return bp, ok
}

// List returns every breakpoint record, including one-shot ones still
// pending from an in-flight step_over/step_out.
func (m *Manager) List() []*Breakpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Breakpoint, 0, len(m.breakpoints))
	for _, bp := range m.breakpoints {
		out = append(out, bp)
	}
	return out
}

func (m *Manager) install(t Tracer, pid int, bp *Breakpoint) error {
	n := m.arch.BreakpointSize
	if err := t.PeekData(pid, bp.Addr, bp.orig[:n]); err != nil {
		return fmt.Errorf("breakpoint: peek %#x: %w", bp.Addr, err)
	}
	if err := t.PokeData(bp.Addr, m.arch.BreakpointInstr[:n]); err != nil {
		return fmt.Errorf("breakpoint: poke %#x: %w", bp.Addr, err)
	}
	bp.installed = true
	return nil
}

func (m *Manager) uninstall(t Tracer, pid int, bp *Breakpoint) error {
	n := m.arch.BreakpointSize
	if err := t.PokeData(bp.Addr, bp.orig[:n]); err != nil {
		return fmt.Errorf("breakpoint: restore %#x: %w", bp.Addr, err)
	}
	bp.installed = false
	return nil
}

// Toggle re-installs an inactive breakpoint, or uninstalls an active
// one.
func (m *Manager) Toggle(t Tracer, pid int, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[id]
	if !ok {
		return fmt.Errorf("breakpoint: no breakpoint %d", id)
	}
	if bp.Active {
		if bp.installed {
			if err := m.uninstall(t, pid, bp); err != nil {
				return err
			}
		}
		bp.Active = false
		return nil
	}
	if err := m.install(t, pid, bp); err != nil {
		return err
	}
	bp.Active = true
	return nil
}

// Delete uninstalls (if installed) and removes a breakpoint record
// entirely.
func (m *Manager) Delete(t Tracer, pid int, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[id]
	if !ok {
		return fmt.Errorf("breakpoint: no breakpoint %d", id)
	}
	if bp.installed {
		if err := m.uninstall(t, pid, bp); err != nil {
			return err
		}
	}
	delete(m.breakpoints, id)
	return nil
}

// InstallAll installs every active, not-yet-installed breakpoint,
// called before each continue.
func (m *Manager) InstallAll(t Tracer, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.breakpoints {
		if bp.Active && !bp.installed {
			if err := m.install(t, pid, bp); err != nil {
				return err
			}
		}
	}
	return nil
}

// UninstallAll restores every installed breakpoint's original byte,
// called once the subordinate has stopped so code can be inspected
// without INT3 bytes in it.
func (m *Manager) UninstallAll(t Tracer, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.breakpoints {
		if bp.installed {
			if err := m.uninstall(t, pid, bp); err != nil {
				return err
			}
		}
	}
	return nil
}

// StepPastBreakpoint implements steps 1-3 of the resume-after-breakpoint
// sequence: uninstall the breakpoint at pc (if one is installed there),
// single-step so the real instruction executes once, then reinstall it.
// The caller issues whatever continue/step the user actually requested
// as a separate step afterward.
func (m *Manager) StepPastBreakpoint(t Tracer, pid int, pc uint64) error {
	m.mu.Lock()
	var at *Breakpoint
	for _, bp := range m.breakpoints {
		if bp.Addr == pc && bp.installed {
			at = bp
			break
		}
	}
	m.mu.Unlock()
	if at == nil {
		return nil
	}
	if err := m.uninstall(t, pid, at); err != nil {
		return err
	}
	if err := t.SingleStep(); err != nil {
		return fmt.Errorf("breakpoint: single-step past %#x: %w", pc, err)
	}
	if _, err := t.Wait(); err != nil {
		return fmt.Errorf("breakpoint: wait after single-step: %w", err)
	}
	if err := m.install(t, pid, at); err != nil {
		return err
	}
	return nil
}

// FunctionForPC returns the function whose address ranges contain the
// given CU/file-relative PC.
func (m *Manager) FunctionForPC(filePC uint64) (*dwarfdata.Function, *dwarfdata.CompileUnit, bool) {
	for _, cu := range m.target.CompileUnits {
		for _, fn := range cu.Functions {
			for _, r := range fn.AddressRanges {
				if filePC >= r.Low && filePC < r.High {
					return fn, cu, true
				}
			}
		}
	}
	return nil, nil, false
}

// FunctionByName looks up a function by its exact symbol name, for
// expression-string lookups like eval's "addr:" prefix.
func (m *Manager) FunctionByName(name string) (*dwarfdata.Function, *dwarfdata.CompileUnit, bool) {
	for _, cu := range m.target.CompileUnits {
		for _, fn := range cu.Functions {
			if n, ok := m.target.Strings.GetString(fn.NameHash); ok && n == name {
				return fn, cu, true
			}
		}
	}
	return nil, nil, false
}

// FunctionsMatching returns every function whose name matches re, for
// eval's "re:" prefix.
func (m *Manager) FunctionsMatching(re *regexp.Regexp) []string {
	var names []string
	for _, cu := range m.target.CompileUnits {
		for _, fn := range cu.Functions {
			if n, ok := m.target.Strings.GetString(fn.NameHash); ok && re.MatchString(n) {
				names = append(names, n)
			}
		}
	}
	return names
}

// GlobalByName looks up a package/file-scope variable by its exact
// name, for eval's "val:" prefix when no stopped frame has a local of
// that name (or nothing is stopped at all).
func (m *Manager) GlobalByName(name string) (*dwarfdata.Variable, bool) {
	for _, cu := range m.target.CompileUnits {
		for _, vn := range cu.Globals {
			if int(vn) < 0 || int(vn) >= len(cu.Variables) {
				continue
			}
			v := cu.Variables[vn]
			if n, ok := m.target.Strings.GetString(v.NameHash); ok && n == name {
				return v, true
			}
		}
	}
	return nil, false
}

// LoadAddr returns the manager's current process load address, zero
// until SetLoadAddr has been called.
func (m *Manager) LoadAddr() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadAddr
}

// LineForFilePC is the exported form of lineForFilePC, used by callers
// outside this package (the controller) to annotate pause data and
// stack frames with source lines.
func (m *Manager) LineForFilePC(filePC uint64) (int, bool) {
	return m.lineForFilePC(filePC)
}

// InstalledAt reports whether an installed breakpoint currently sits at
// the given process-virtual address, used to recognize a SIGTRAP as a
// breakpoint trap rather than some other stop.
func (m *Manager) InstalledAt(addr uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, bp := range m.breakpoints {
		if bp.Addr == addr && bp.installed {
			return true
		}
	}
	return false
}

// SetActive flips a breakpoint's Active bit without touching installed
// memory, for use when no subordinate is attached to poke.
func (m *Manager) SetActive(id int, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp, ok := m.breakpoints[id]
	if !ok {
		return fmt.Errorf("breakpoint: no breakpoint %d", id)
	}
	bp.Active = active
	return nil
}

// Unwind exposes the manager's CFI unwinder for building full stack
// traces for display, beyond the fixed two-frame walk returnAddress
// uses internally.
func (m *Manager) Unwind(t Tracer, pid int, filePC uint64, regs ptrace.Registers, maxDepth int) (frame.Walked, error) {
	if m.unwinder == nil {
		return frame.Walked{}, fmt.Errorf("breakpoint: load address not set")
	}
	return m.unwinder.Walk(t, pid, filePC+m.loadAddr, map[int]uint64(regs), maxDepth)
}

// lineForFilePC finds the function containing filePC and returns the
// source line of its nearest statement at or before filePC.
func (m *Manager) lineForFilePC(filePC uint64) (int, bool) {
	fn, _, ok := m.FunctionForPC(filePC)
	if !ok {
		return 0, false
	}
	best := -1
	var bestAddr uint64
	found := false
	for _, s := range fn.Statements {
		if s.Addr <= filePC && (!found || s.Addr > bestAddr) {
			bestAddr = s.Addr
			best = s.Line
			found = true
		}
	}
	return best, found
}

// returnAddress computes the current frame's return address (a
// process-virtual address) via the CFI unwinder.
func (m *Manager) returnAddress(t Tracer, pid int, filePC uint64, regs ptrace.Registers) (uint64, bool, error) {
	if m.unwinder == nil {
		return 0, false, fmt.Errorf("breakpoint: load address not set")
	}
	w, err := m.unwinder.Walk(t, pid, filePC+m.loadAddr, map[int]uint64(regs), 2)
	if err != nil {
		return 0, false, fmt.Errorf("breakpoint: unwind: %w", err)
	}
	if len(w.CallStackAddrs) < 2 {
		return 0, false, nil
	}
	return w.CallStackAddrs[1], true, nil
}

func (m *Manager) installOneShot(t Tracer, pid int, addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bp := &Breakpoint{ID: m.nextID, Addr: addr, Active: true, OneShot: true}
	m.nextID++
	if err := m.install(t, pid, bp); err != nil {
		return err
	}
	m.breakpoints[bp.ID] = bp
	return nil
}

// PlanStepOver installs a one-shot breakpoint on every statement of
// the function containing filePC, plus its return address, and
// returns the set of process-virtual addresses it armed. The caller
// continues the subordinate and, once it stops, calls ClearOneShots.
func (m *Manager) PlanStepOver(t Tracer, pid int, filePC uint64, regs ptrace.Registers) ([]uint64, error) {
	fn, _, ok := m.FunctionForPC(filePC)
	if !ok {
		return nil, fmt.Errorf("breakpoint: step_over: no function contains pc %#x", filePC)
	}
	currentAddr := filePC + m.loadAddr
	addrs := map[uint64]bool{}
	for _, s := range fn.Statements {
		addr := s.BreakpointAddr + m.loadAddr
		if addr == currentAddr {
			continue // resuming from here; arming a trap on our own PC would retrap instantly
		}
		addrs[addr] = true
	}
	if ret, ok, err := m.returnAddress(t, pid, filePC, regs); err != nil {
		return nil, err
	} else if ok {
		addrs[ret] = true
	}
	out := make([]uint64, 0, len(addrs))
	for addr := range addrs {
		if err := m.installOneShot(t, pid, addr); err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// PlanStepOut installs a one-shot breakpoint at the current frame's
// return address and returns that address.
func (m *Manager) PlanStepOut(t Tracer, pid int, filePC uint64, regs ptrace.Registers) (uint64, error) {
	addr, ok, err := m.returnAddress(t, pid, filePC, regs)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("breakpoint: step_out: no return address available at pc %#x", filePC)
	}
	if err := m.installOneShot(t, pid, addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// ClearOneShots uninstalls and forgets every one-shot breakpoint
// PlanStepOver/PlanStepOut armed, once the subordinate has stopped.
func (m *Manager) ClearOneShots(t Tracer, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, bp := range m.breakpoints {
		if !bp.OneShot {
			continue
		}
		if bp.installed {
			if err := m.uninstall(t, pid, bp); err != nil {
				return err
			}
		}
		delete(m.breakpoints, id)
	}
	return nil
}

// StepIn single-steps until the source line changes from the starting
// PC's line, or the function containing the PC changes, or budget
// single-steps have executed without either happening.
func (m *Manager) StepIn(t Tracer, pid int, startFilePC uint64, budget int) (uint64, error) {
	startLine, _ := m.lineForFilePC(startFilePC)
	startFn, _, _ := m.FunctionForPC(startFilePC)

	for i := 0; i < budget; i++ {
		if err := t.SingleStep(); err != nil {
			return 0, fmt.Errorf("breakpoint: step_in: %w", err)
		}
		ev, err := t.Wait()
		if err != nil {
			return 0, fmt.Errorf("breakpoint: step_in wait: %w", err)
		}
		if ev.Exited {
			return 0, fmt.Errorf("breakpoint: step_in: %w", ErrSubordinateExited)
		}
		regs, err := t.GetRegs()
		if err != nil {
			return 0, fmt.Errorf("breakpoint: step_in getregs: %w", err)
		}
		pc := regs[arch.RegRIP]
		filePC := pc - m.loadAddr
		line, lok := m.lineForFilePC(filePC)
		fn, _, fok := m.FunctionForPC(filePC)
		if (lok && line != startLine) || (fok && fn != startFn) {
			return pc, nil
		}
	}
	return 0, fmt.Errorf("breakpoint: step_in: exceeded budget of %d single-steps", budget)
}
