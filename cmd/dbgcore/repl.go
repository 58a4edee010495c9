// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/traceworks/dbgcore/arch"
	"github.com/traceworks/dbgcore/controller"
	"github.com/traceworks/dbgcore/protocol"
	"github.com/traceworks/dbgcore/render"
)

var (
	colorPrompt  = color.New(color.FgBlue, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed, color.Bold)
	colorAddr    = color.New(color.FgCyan)
	colorSource  = color.New(color.FgHiWhite)
)

// session holds the REPL's state across lines: the shared controller
// and the last line typed, so an empty line repeats it.
type session struct {
	ctrl    *controller.Controller
	log     *slog.Logger
	lastCmd string
	done    bool
}

func newSession(ctrl *controller.Controller, log *slog.Logger) *session {
	return &session{ctrl: ctrl, log: log}
}

func (s *session) targetPath() string {
	snap := s.ctrl.Snapshot()
	if snap.TargetSummary == nil {
		return ""
	}
	return snap.TargetSummary.Path
}

func (s *session) runREPL() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt: colorPrompt.Sprint("(dbgcore) "),
	})
	if err != nil {
		return fmt.Errorf("dbgcore: repl: %w", err)
	}
	defer rl.Close()

	colorSuccess.Println("dbgcore ready. Type 'quit' to exit.")
	for !s.done {
		line, err := rl.Readline()
		if err != nil { // io.EOF (Ctrl-D) or readline.ErrInterrupt (Ctrl-C)
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = s.lastCmd
		}
		if line == "" {
			continue
		}
		s.lastCmd = line
		s.dispatch(line)
	}
	return nil
}

// dispatch re-parses one REPL line through the same cobra command tree
// used for one-shot invocation, so every verb is defined exactly once.
func (s *session) dispatch(line string) {
	rootCmd.SetArgs(strings.Fields(line))
	if err := rootCmd.Execute(); err != nil {
		colorError.Printf("error: %v\n", err)
	}
}

// awaitAndPrintStop polls State until the wait thread has delivered a
// transition out of Running. The controller has no push channel for
// Continue's asynchronous stop, so the CLI, the one client that cares
// about "done yet", polls the cheap snapshot lock instead.
func (s *session) awaitAndPrintStop() {
	for s.ctrl.State() == controller.StateRunning {
		time.Sleep(10 * time.Millisecond)
	}
	s.printStop()
}

func (s *session) printStop() {
	snap := s.ctrl.Snapshot()
	switch snap.SubordinateState {
	case protocol.SubordinateNone:
		colorSuccess.Println("subordinate exited")
		return
	case protocol.SubordinateRunning:
		return
	}
	pd := snap.Pause
	if pd == nil {
		return
	}
	if pd.HaveSourceLoc {
		file, _ := s.ctrl.ResolveFileHash(pd.SourceFileHash)
		colorSource.Printf("stopped at %s:%d\n", file, pd.SourceLine)
	} else {
		colorAddr.Printf("stopped at 0x%x (no source info)\n", pd.Registers[arch.RegRIP])
	}
	for _, lv := range pd.Locals {
		fmt.Printf("  %s = %s\n", lv.Name, formatValue(lv.Value))
	}
}

func (s *session) printFrames() {
	snap := s.ctrl.Snapshot()
	if snap.Pause == nil {
		colorError.Println("no subordinate stopped")
		return
	}
	for i, f := range snap.Pause.StackFrames {
		if f.HaveSourceLoc {
			file, _ := s.ctrl.ResolveFileHash(f.SourceFileHash)
			fmt.Printf("#%d %s at %s:%d (0x%x)\n", i, f.Name, file, f.SourceLine, f.PC)
		} else {
			fmt.Printf("#%d %s (0x%x)\n", i, f.Name, f.PC)
		}
	}
}

// formatValue is a thin wrapper around render.Value.String, kept as its
// own function so it can take a nil *render.Value directly (a missing
// local) without every call site needing a nil check first.
func formatValue(v *render.Value) string {
	return v.String()
}
