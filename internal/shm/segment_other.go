//go:build !unix

// File: internal/shm/segment_other.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub implementation for platforms without mmap.

package shm

import "errors"

var errUnsupported = errors.New("shm: shared memory not supported on this platform")

func create(path string, size int) (*Segment, error) { return nil, errUnsupported }

func open(path string, size int) (*Segment, error) { return nil, errUnsupported }

func munmap(data []byte) error { return nil }
