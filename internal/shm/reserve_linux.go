// File: internal/shm/reserve_linux.go
// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package shm

import (
	"errors"

	"golang.org/x/sys/unix"
)

// reserve backs every page of the file so that writes through the mapping
// cannot fault with SIGBUS once tmpfs runs out of space. Filesystems without
// fallocate keep the sparse file.
func reserve(fd int, size int) error {
	if size == 0 {
		return nil
	}
	for {
		err := unix.Fallocate(fd, 0, 0, int64(size))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EOPNOTSUPP), errors.Is(err, unix.ENOSYS):
			return nil
		default:
			return err
		}
	}
}
