// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ptrace

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/traceworks/dbgcore/arch"
)

func TestRegistersFromPtraceMapsAmd64Fields(t *testing.T) {
	raw := syscall.PtraceRegs{
		Rax: 1, Rbx: 2, Rcx: 3, Rdx: 4,
		Rsi: 5, Rdi: 6, Rbp: 7, Rsp: 8,
		R8: 9, R9: 10, R10: 11, R11: 12,
		R12: 13, R13: 14, R14: 15, R15: 16,
		Rip: 17,
	}
	regs := registersFromPtrace(&raw)
	require.Equal(t, uint64(1), regs[arch.RegRAX])
	require.Equal(t, uint64(7), regs[arch.RegRBP])
	require.Equal(t, uint64(8), regs[arch.RegRSP])
	require.Equal(t, uint64(17), regs[arch.RegRIP])
	require.Equal(t, uint64(16), regs[arch.RegR15])
}

func TestApplyRegistersOnlyTouchesGivenKeys(t *testing.T) {
	raw := syscall.PtraceRegs{Rax: 1, Rip: 100}
	applyRegisters(&raw, Registers{arch.RegRIP: 200})
	require.Equal(t, uint64(1), raw.Rax)
	require.Equal(t, uint64(200), raw.Rip)
}

func TestRegisterRoundTrip(t *testing.T) {
	var raw syscall.PtraceRegs
	in := Registers{
		arch.RegRAX: 0xaa, arch.RegRBX: 0xbb, arch.RegRIP: 0x400000,
		arch.RegRSP: 0x7ffff000,
	}
	applyRegisters(&raw, in)
	out := registersFromPtrace(&raw)
	for k, v := range in {
		require.Equal(t, v, out[k])
	}
}
