// Copyright 2024 The dbgcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command dbgcore is the debugger core's command-line front end: a
// cobra command tree (load, run, break, continue, step, frames, quit)
// that doubles as the interactive REPL's dispatch table, one controller
// shared across both.
package main

import "os"

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
