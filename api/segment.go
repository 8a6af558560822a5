// File: api/segment.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared-memory segment contracts. A segment is a named, mapped region that
// several processes can attach to; only its creator may unlink it.

package api

// Segment describes one mapped shared-memory region.
type Segment interface {
	// Name is the OS-level name (file name under the shm directory).
	Name() string

	// Path is the attachable location handed to other processes.
	Path() string

	// Bytes returns the mapped region. It is invalid after Close.
	Bytes() []byte

	// Size returns the exact byte length requested at creation.
	Size() int

	// Close unmaps the region without deleting its name.
	Close() error

	// Unlink deletes the name. Attached processes keep their mappings.
	Unlink() error

	// Release closes and unlinks; idempotent.
	Release() error
}

// Allocator creates segments owned by the caller.
type Allocator interface {
	Create(size int) (Segment, error)
}
