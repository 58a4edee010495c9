// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/traceworks/dbgcore/controller"
	"github.com/traceworks/dbgcore/logging"
	"github.com/traceworks/dbgcore/protocol"
)

var (
	logLevel string
	sess     *session
)

// rootCmd is both the entry point for a one-shot invocation
// (dbgcore ./a.out) and, re-parsed one line at a time via
// SetArgs/Execute, the dispatch table for the interactive REPL.
var rootCmd = &cobra.Command{
	Use:   "dbgcore [binary]",
	Short: "Interactive debugger core for native ELF/DWARF binaries",
	Long: `dbgcore parses an ELF binary's DWARF debug info, launches it under
ptrace, and drops into an interactive session for setting breakpoints,
stepping, and inspecting locals and the call stack.

With a binary argument, dbgcore loads it and starts the interactive
REPL; inside the REPL the same load/run/break/continue/step/frames/
quit verbs are typed as plain words, e.g.:

  (dbgcore) break /src/main.c:42
  (dbgcore) run
  (dbgcore) step over
  (dbgcore) frames
  (dbgcore) continue
  (dbgcore) quit`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			if _, err := sess.ctrl.LoadSymbols(protocol.LoadSymbolsRequest{Path: args[0]}); err != nil {
				return err
			}
			colorSuccess.Printf("loaded %s\n", args[0])
		}
		return sess.runREPL()
	},
}

// Execute runs rootCmd; the shared controller and session are built
// once, after flag parsing, so --log-level takes effect.
func Execute() error {
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if sess != nil {
			return
		}
		level := slog.LevelInfo
		switch logLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		log := logging.New(level, nil, os.Stderr)
		sess = newSession(controller.New(log), log)
	}
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	runCmd.Flags().BoolVar(&stopOnEntry, "stop-on-entry", false, "pause at the subordinate's entry point instead of running it")
	rootCmd.AddCommand(loadCmd, runCmd, breakCmd, toggleCmd, continueCmd, stepCmd, framesCmd, evalCmd, quitCmd)
}
