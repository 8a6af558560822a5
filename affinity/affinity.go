// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_stub.go) guarded by build tags.
//
// Worker processes use it to pin the OS thread that runs their tasks.

package affinity

import (
	"fmt"
	"runtime"
)

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	if cpuID < 0 {
		return fmt.Errorf("affinity: invalid cpu %d", cpuID)
	}
	return setAffinityPlatform(cpuID)
}

// PinCurrentGoroutine locks the calling goroutine to its OS thread and pins that
// thread to the slot-th CPU of the set it is currently allowed to use (wrapping
// around). The goroutine stays locked even when pinning fails, so callers can
// treat the error as advisory.
func PinCurrentGoroutine(slot int) error {
	if slot < 0 {
		return fmt.Errorf("affinity: invalid slot %d", slot)
	}
	runtime.LockOSThread()
	allowed, err := Current()
	if err != nil || len(allowed) == 0 {
		return SetAffinity(slot % runtime.NumCPU())
	}
	return SetAffinity(allowed[slot%len(allowed)])
}
