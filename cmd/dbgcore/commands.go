// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/traceworks/dbgcore/protocol"
	"github.com/traceworks/dbgcore/strcache"
)

var stopOnEntry bool

var loadCmd = &cobra.Command{
	Use:   "load <binary>",
	Short: "Parse a binary's ELF and DWARF debug info",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := sess.ctrl.LoadSymbols(protocol.LoadSymbolsRequest{Path: args[0]}); err != nil {
			return err
		}
		colorSuccess.Printf("loaded %s\n", args[0])
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [args...]",
	Short: "Launch the loaded binary under ptrace",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := sess.ctrl.LaunchSubordinate(protocol.LaunchSubordinateRequest{
			Path:        sess.targetPath(),
			Args:        args,
			StopOnEntry: stopOnEntry,
		})
		if err != nil {
			return err
		}
		if stopOnEntry {
			sess.printStop()
		} else {
			sess.awaitAndPrintStop()
		}
		return nil
	},
}

// breakCmd accepts a file:line coordinate. The file name must match
// the path the line table resolves to: the name the compiler recorded,
// joined with the compile unit's comp_dir when that name is relative.
// FileHash is a content hash of that string, not a filesystem lookup.
var breakCmd = &cobra.Command{
	Use:   "break <file:line>",
	Short: "Set a breakpoint at a source file and line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, line, err := parseSourceLoc(args[0])
		if err != nil {
			return err
		}
		resp, err := sess.ctrl.UpdateBreakpoint(protocol.UpdateBreakpointRequest{
			Loc: protocol.BreakpointLocation{BySource: true, FileHash: strcache.Hash([]byte(file)), Line: line},
		})
		if err != nil {
			return err
		}
		colorSuccess.Printf("breakpoint %d set at %s:%d\n", resp.ID, file, line)
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Enable or disable a breakpoint by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid breakpoint id %q", args[0])
		}
		if _, err := sess.ctrl.ToggleBreakpoint(protocol.ToggleBreakpointRequest{ID: id}); err != nil {
			return err
		}
		colorSuccess.Printf("breakpoint %d toggled\n", id)
		return nil
	},
}

var continueCmd = &cobra.Command{
	Use:     "continue",
	Aliases: []string{"c"},
	Short:   "Resume a paused subordinate",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := sess.ctrl.Continue(protocol.ContinueRequest{}); err != nil {
			return err
		}
		sess.awaitAndPrintStop()
		return nil
	},
}

var stepCmd = &cobra.Command{
	Use:     "step [into|over|out]",
	Aliases: []string{"s"},
	Short:   "Step one source line (default: into)",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := protocol.StepInto
		if len(args) == 1 {
			switch strings.ToLower(args[0]) {
			case "into", "in", "i":
				kind = protocol.StepInto
			case "over", "o":
				kind = protocol.StepOver
			case "out":
				kind = protocol.StepOut
			default:
				return fmt.Errorf("unknown step kind %q", args[0])
			}
		}
		if _, err := sess.ctrl.Step(protocol.StepRequest{StepType: kind}); err != nil {
			return err
		}
		sess.printStop()
		return nil
	},
}

var framesCmd = &cobra.Command{
	Use:     "frames",
	Aliases: []string{"bt", "where"},
	Short:   "Show the call stack of the paused subordinate",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess.printFrames()
		return nil
	},
}

var evalCmd = &cobra.Command{
	Use:   "eval <expr>",
	Short: `Evaluate a symbol expression (re:, addr:, src:, val: prefixes)`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := sess.ctrl.EvalSymbol(protocol.EvalSymbolRequest{Expr: args[0]})
		if err != nil {
			return err
		}
		for _, r := range resp.Results {
			fmt.Println(r)
		}
		return nil
	},
}

var quitCmd = &cobra.Command{
	Use:     "quit",
	Aliases: []string{"q", "exit"},
	Short:   "Kill the subordinate and end the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := sess.ctrl.Quit(protocol.QuitRequest{})
		if err == nil {
			sess.done = true
		}
		return err
	},
}

func parseSourceLoc(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("expected file:line, got %q", s)
	}
	line, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("invalid line number in %q", s)
	}
	return s[:idx], line, nil
}
