// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ptrace owns every ptrace(2) call this debugger makes. All
// such calls are funneled through one dedicated OS thread, since
// ptrace requires every call for a given tracee to come from the same
// thread that attached to it.
package ptrace

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/traceworks/dbgcore/arch"
)

// Registers is the subset of general-purpose register state this repo
// reads and writes, keyed by DWARF register number (arch.RegRAX etc.)
// rather than a struct with one field per ABI register name.
type Registers map[int]uint64

// Event is what Wait reports: either the tracee stopped at a signal or
// it has exited.
type Event struct {
	Pid      int
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
	Stopped  bool
	StopSig  syscall.Signal
}

// Process owns one tracee and the dedicated thread its ptrace calls run on.
type Process struct {
	Pid      int
	Arch     *arch.Architecture
	LoadAddr uint64

	fc chan func() error
	ec chan error
}

// Spawn starts name under ptrace, stopping it at the first exec per the
// usual PTRACE_TRACEME convention, and returns once that first stop has
// been consumed.
func Spawn(name string, argv []string) (*Process, error) {
	p := &Process{Arch: &arch.AMD64, fc: make(chan func() error), ec: make(chan error)}
	go p.run()

	var proc *os.Process
	p.fc <- func() error {
		var err error
		proc, err = os.StartProcess(name, argv, &os.ProcAttr{
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				Ptrace:    true,
				Pdeathsig: syscall.SIGKILL,
			},
		})
		return err
	}
	if err := <-p.ec; err != nil {
		return nil, fmt.Errorf("ptrace: spawn %s: %w", name, err)
	}
	p.Pid = proc.Pid

	var ws syscall.WaitStatus
	p.fc <- func() error {
		_, err := syscall.Wait4(p.Pid, &ws, 0, nil)
		return err
	}
	if err := <-p.ec; err != nil {
		return nil, fmt.Errorf("ptrace: initial wait: %w", err)
	}

	addr, err := loadAddress(p.Pid)
	if err == nil {
		p.LoadAddr = addr
	}
	return p, nil
}

// run is the dedicated OS thread every ptrace call for this process
// funnels through.
func (p *Process) run() {
	runtime.LockOSThread()
	for f := range p.fc {
		p.ec <- f()
	}
}

func (p *Process) call(f func() error) error {
	p.fc <- f
	return <-p.ec
}

// Continue resumes the tracee, delivering signal (0 for none).
func (p *Process) Continue(signal int) error {
	return p.call(func() error { return syscall.PtraceCont(p.Pid, signal) })
}

// SingleStep executes exactly one instruction.
func (p *Process) SingleStep() error {
	return p.call(func() error { return syscall.PtraceSingleStep(p.Pid) })
}

// Pause sends SIGSTOP, used to interrupt a running tracee on demand.
func (p *Process) Pause() error {
	return syscall.Kill(p.Pid, syscall.SIGSTOP)
}

// Kill terminates the tracee unconditionally.
func (p *Process) Kill() error {
	return syscall.Kill(p.Pid, syscall.SIGKILL)
}

// Wait blocks for the tracee's next state change.
func (p *Process) Wait() (Event, error) {
	var ws syscall.WaitStatus
	var wpid int
	err := p.call(func() error {
		var e error
		wpid, e = syscall.Wait4(p.Pid, &ws, 0, nil)
		return e
	})
	if err != nil {
		return Event{}, fmt.Errorf("ptrace: wait: %w", err)
	}
	ev := Event{Pid: wpid}
	switch {
	case ws.Exited():
		ev.Exited = true
		ev.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		ev.Signaled = true
		ev.Signal = ws.Signal()
	case ws.Stopped():
		ev.Stopped = true
		ev.StopSig = ws.StopSignal()
	}
	return ev, nil
}

// registersFromPtrace converts the kernel's AMD64 register struct into
// a DWARF-register-numbered map, per the System V AMD64 DWARF register
// table (arch.RegRAX..arch.RegRIP).
func registersFromPtrace(raw *syscall.PtraceRegs) Registers {
	return Registers{
		arch.RegRAX: raw.Rax,
		arch.RegRDX: raw.Rdx,
		arch.RegRCX: raw.Rcx,
		arch.RegRBX: raw.Rbx,
		arch.RegRSI: raw.Rsi,
		arch.RegRDI: raw.Rdi,
		arch.RegRBP: raw.Rbp,
		arch.RegRSP: raw.Rsp,
		arch.RegR8:  raw.R8,
		arch.RegR9:  raw.R9,
		arch.RegR10: raw.R10,
		arch.RegR11: raw.R11,
		arch.RegR12: raw.R12,
		arch.RegR13: raw.R13,
		arch.RegR14: raw.R14,
		arch.RegR15: raw.R15,
		arch.RegRIP: raw.Rip,
	}
}

// applyRegisters writes every register present in regs back into raw,
// leaving fields regs doesn't mention untouched.
func applyRegisters(raw *syscall.PtraceRegs, regs Registers) {
	for num, v := range regs {
		switch num {
		case arch.RegRAX:
			raw.Rax = v
		case arch.RegRDX:
			raw.Rdx = v
		case arch.RegRCX:
			raw.Rcx = v
		case arch.RegRBX:
			raw.Rbx = v
		case arch.RegRSI:
			raw.Rsi = v
		case arch.RegRDI:
			raw.Rdi = v
		case arch.RegRBP:
			raw.Rbp = v
		case arch.RegRSP:
			raw.Rsp = v
		case arch.RegR8:
			raw.R8 = v
		case arch.RegR9:
			raw.R9 = v
		case arch.RegR10:
			raw.R10 = v
		case arch.RegR11:
			raw.R11 = v
		case arch.RegR12:
			raw.R12 = v
		case arch.RegR13:
			raw.R13 = v
		case arch.RegR14:
			raw.R14 = v
		case arch.RegR15:
			raw.R15 = v
		case arch.RegRIP:
			raw.Rip = v
		}
	}
}

// GetRegs reads the tracee's general-purpose registers into a
// DWARF-register-numbered map.
func (p *Process) GetRegs() (Registers, error) {
	var regs syscall.PtraceRegs
	if err := p.call(func() error { return syscall.PtraceGetRegs(p.Pid, &regs) }); err != nil {
		return nil, fmt.Errorf("ptrace: getregs: %w", err)
	}
	return registersFromPtrace(&regs), nil
}

// SetRegs writes back a register map previously obtained from GetRegs
// (only the registers present in the map are changed; the rest of the
// kernel's register struct is read first and left untouched).
func (p *Process) SetRegs(regs Registers) error {
	var raw syscall.PtraceRegs
	if err := p.call(func() error { return syscall.PtraceGetRegs(p.Pid, &raw) }); err != nil {
		return fmt.Errorf("ptrace: getregs for set: %w", err)
	}
	applyRegisters(&raw, regs)
	return p.call(func() error { return syscall.PtraceSetRegs(p.Pid, &raw) })
}

// PeekData reads len(dst) bytes of the tracee's memory starting at addr.
func (p *Process) PeekData(pid int, addr uint64, dst []byte) error {
	var n int
	err := p.call(func() error {
		var e error
		n, e = syscall.PtracePeekText(p.Pid, uintptr(addr), dst)
		return e
	})
	if err != nil {
		return fmt.Errorf("ptrace: peek %#x: %w", addr, err)
	}
	if n != len(dst) {
		return fmt.Errorf("ptrace: peek %#x: got %d bytes, want %d", addr, n, len(dst))
	}
	return nil
}

// PokeData writes data into the tracee's memory at addr. Writes that
// don't start or end on a word boundary are done as a word-sized
// read-modify-write so bytes outside [addr, addr+len(data)) are left
// untouched.
func (p *Process) PokeData(addr uint64, data []byte) error {
	const wordSize = 8
	start := addr - addr%wordSize
	end := addr + uint64(len(data))
	if rem := end % wordSize; rem != 0 {
		end += wordSize - rem
	}
	buf := make([]byte, end-start)
	if err := p.PeekData(p.Pid, start, buf); err != nil {
		return err
	}
	copy(buf[addr-start:], data)

	var n int
	err := p.call(func() error {
		var e error
		n, e = syscall.PtracePokeText(p.Pid, uintptr(start), buf)
		return e
	})
	if err != nil {
		return fmt.Errorf("ptrace: poke %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("ptrace: poke %#x: wrote %d bytes, want %d", addr, n, len(buf))
	}
	return nil
}

// SetBreakpoint installs the architecture's breakpoint instruction at
// addr, returning the bytes it overwrote so they can be restored later.
func (p *Process) SetBreakpoint(addr uint64) (orig [arch.MaxBreakpointSize]byte, err error) {
	n := p.Arch.BreakpointSize
	if err := p.PeekData(p.Pid, addr, orig[:n]); err != nil {
		return orig, err
	}
	if err := p.PokeData(addr, p.Arch.BreakpointInstr[:n]); err != nil {
		return orig, err
	}
	return orig, nil
}

// UnsetBreakpoint restores the bytes SetBreakpoint overwrote.
func (p *Process) UnsetBreakpoint(addr uint64, orig [arch.MaxBreakpointSize]byte) error {
	return p.PokeData(addr, orig[:p.Arch.BreakpointSize])
}

// loadAddress reads /proc/<pid>/maps and returns the load address of
// the first (lowest) mapped region, which for a PIE executable is the
// base the dynamic linker chose at exec time.
func loadAddress(pid int) (uint64, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return 0, fmt.Errorf("ptrace: empty /proc/%d/maps", pid)
	}
	line := sc.Text()
	dash := strings.IndexByte(line, '-')
	if dash < 0 {
		return 0, fmt.Errorf("ptrace: malformed maps line %q", line)
	}
	addr, err := strconv.ParseUint(line[:dash], 16, 64)
	if err != nil {
		return 0, fmt.Errorf("ptrace: malformed maps line %q: %w", line, err)
	}
	return addr, nil
}
