//go:build unix && !linux

// File: internal/shm/reserve_other.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

func reserve(fd int, size int) error { return nil }
