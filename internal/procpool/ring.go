// File: internal/procpool/ring.go
// Package procpool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// taskRing is a bounded ring of submission indices. It is filled by one
// goroutine before dispatch starts and then drained concurrently by the
// per-worker goroutines, so only the head needs compare-and-swap.

package procpool

import "sync/atomic"

type taskRing struct {
	data []int
	mask uint64
	head atomic.Uint64
	_    [64]byte // keep head and tail on separate cache lines
	tail atomic.Uint64
	_    [64]byte
}

// newTaskRing rounds capacity up to a power of two.
func newTaskRing(capacity int) *taskRing {
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &taskRing{data: make([]int, size), mask: uint64(size - 1)}
}

// push adds i; returns false if full. Single producer only.
func (r *taskRing) push(i int) bool {
	tail := r.tail.Load()
	if tail-r.head.Load() >= uint64(len(r.data)) {
		return false
	}
	r.data[tail&r.mask] = i
	r.tail.Store(tail + 1)
	return true
}

// pop removes the oldest index; ok is false once the ring is empty.
// Safe for any number of consumers.
func (r *taskRing) pop() (int, bool) {
	for {
		head := r.head.Load()
		if head >= r.tail.Load() {
			return 0, false
		}
		i := r.data[head&r.mask]
		if r.head.CompareAndSwap(head, head+1) {
			return i, true
		}
	}
}

// drain discards everything still queued and returns how many were dropped.
func (r *taskRing) drain() int {
	n := 0
	for {
		if _, ok := r.pop(); !ok {
			return n
		}
		n++
	}
}

func (r *taskRing) len() int {
	return int(r.tail.Load() - r.head.Load())
}
