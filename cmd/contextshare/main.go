// File: cmd/contextshare/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// contextshare runs a demonstration workload over shared memory and cleans up
// segments left by crashed controllers. The binary is also its own worker.

package main

import (
	"fmt"
	"os"

	"github.com/momentics/contextshare/worker"
)

func main() {
	if worker.IsWorker() {
		os.Exit(worker.Main())
	}
	if err := App().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
