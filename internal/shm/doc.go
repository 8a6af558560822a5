// Package shm
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// File-backed POSIX-style shared-memory segments. A segment is a file under a
// tmpfs directory (normally /dev/shm) mapped MAP_SHARED by every process that
// attaches to it. The creating process owns the name and is the only one that
// unlinks it; attachers only map and unmap.
package shm
