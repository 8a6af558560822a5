//go:build unix

// File: internal/shm/segment_unix.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

func create(path string, size int) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := unix.Ftruncate(int(file.Fd()), int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("ftruncate %s to %d: %w", path, size, err)
	}
	if err := reserve(int(file.Fd()), size); err != nil {
		cleanup()
		return nil, fmt.Errorf("reserve %d bytes for %s: %w", size, path, err)
	}
	mem, err := mmap(file, size)
	if err != nil {
		cleanup()
		return nil, err
	}
	return &Segment{
		name:  filepath.Base(path),
		path:  path,
		size:  size,
		mem:   mem,
		file:  file,
		owner: true,
	}, nil
}

func open(path string, size int) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}
	if info.Size() != int64(size) {
		file.Close()
		return nil, fmt.Errorf("segment %s is %d bytes, descriptor says %d", path, info.Size(), size)
	}
	mem, err := mmap(file, size)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &Segment{
		name: filepath.Base(path),
		path: path,
		size: size,
		mem:  mem,
		file: file,
	}, nil
}

// mmap maps the whole file read/write. Zero-length files are not mapped.
func mmap(file *os.File, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", file.Name(), err)
	}
	return data, nil
}

func munmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	return nil
}
