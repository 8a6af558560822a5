//go:build linux
// +build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific debug probes.

package control

import (
	"runtime"

	"github.com/momentics/contextshare/affinity"
)

// RegisterPlatformProbes adds CPU count and the allowed CPU set.
func RegisterPlatformProbes(dp *DebugProbes) {
	dp.RegisterProbe("platform.cpus", func() any {
		return runtime.NumCPU()
	})
	dp.RegisterProbe("platform.allowed_cpus", func() any {
		cpus, err := affinity.Current()
		if err != nil {
			return err.Error()
		}
		return cpus
	})
}
