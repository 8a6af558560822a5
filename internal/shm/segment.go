// File: internal/shm/segment.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/momentics/contextshare/api"
)

// DefaultPrefix marks files created by this package so Sweep can find them.
const DefaultPrefix = "ctxshare_"

// Ensure compile-time API compliance.
var (
	_ api.Segment   = (*Segment)(nil)
	_ api.Allocator = (*Allocator)(nil)
)

// Segment is one mapped shared-memory file.
type Segment struct {
	mu     sync.Mutex
	name   string
	path   string
	size   int
	mem    []byte
	file   *os.File
	owner  bool
	closed bool
	gone   bool
}

// Name returns the file name.
func (s *Segment) Name() string { return s.name }

// Path returns the absolute path other processes attach to.
func (s *Segment) Path() string { return s.path }

// Size returns the segment length in bytes.
func (s *Segment) Size() int { return s.size }

// Bytes returns the mapped memory; nil after Close or for zero-size segments.
func (s *Segment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem
}

// Close unmaps the memory and closes the file. Idempotent.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if s.mem != nil {
		if err := munmap(s.mem); err != nil {
			firstErr = err
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Unlink removes the file name. Only the creating process may do this.
func (s *Segment) Unlink() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.owner {
		return api.Errorf(api.ErrCodeProtocol, "segment %s is attached, not owned", s.name)
	}
	if s.gone {
		return nil
	}
	s.gone = true
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Release unmaps and, when owned, unlinks. Both steps are attempted.
func (s *Segment) Release() error {
	err := s.Close()
	if s.owner {
		err = errors.Join(err, s.Unlink())
	}
	return err
}

// Allocator creates owned segments under Dir.
type Allocator struct {
	Dir    string
	Prefix string
}

// NewAllocator returns an allocator for dir; an empty dir selects DefaultDir().
func NewAllocator(dir string) *Allocator {
	if dir == "" {
		dir = DefaultDir()
	}
	return &Allocator{Dir: dir, Prefix: DefaultPrefix}
}

// Create allocates a segment of exactly size bytes.
func (a *Allocator) Create(size int) (api.Segment, error) {
	if size < 0 {
		return nil, api.Errorf(api.ErrCodeAllocation, "negative segment size %d", size)
	}
	name := a.prefix() + strings.ToLower(ulid.Make().String())
	seg, err := create(filepath.Join(a.dir(), name), size)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeAllocation, err, "create segment").
			WithContext("dir", a.dir()).
			WithContext("size", size)
	}
	return seg, nil
}

func (a *Allocator) dir() string {
	if a.Dir == "" {
		return DefaultDir()
	}
	return a.Dir
}

func (a *Allocator) prefix() string {
	if a.Prefix == "" {
		return DefaultPrefix
	}
	return a.Prefix
}

// Open attaches to an existing segment created by another process.
// The file must be exactly size bytes long.
func Open(path string, size int) (*Segment, error) {
	return open(path, size)
}

// DefaultDir prefers /dev/shm and falls back to the temp directory.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}
