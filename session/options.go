// File: session/options.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/control"
)

// Option customizes a Session.
type Option func(*options)

type options struct {
	logger        hclog.Logger
	metrics       *control.Metrics
	shmDir        string
	alloc         api.Allocator
	command       string
	args          []string
	env           []string
	stderr        io.Writer
	stopTimeout   time.Duration
	maxFrameBytes int
	cpuAffinity   bool
}

// WithLogger sets the session logger. Workers log at the same level.
func WithLogger(l hclog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetrics records segment, round and worker metrics.
func WithMetrics(m *control.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithShmDir places segments under dir instead of /dev/shm.
func WithShmDir(dir string) Option {
	return func(o *options) {
		o.shmDir = dir
	}
}

// WithAllocator replaces the shared-memory allocator. Workers must be able to
// attach to the paths it hands out.
func WithAllocator(a api.Allocator) Option {
	return func(o *options) {
		o.alloc = a
	}
}

// WithWorkerCommand runs workers from another binary. It must define the same
// functions and call worker.Main when worker.IsWorker reports true.
func WithWorkerCommand(path string, args ...string) Option {
	return func(o *options) {
		o.command = path
		o.args = args
	}
}

// WithWorkerEnv adds KEY=VALUE entries to the workers' environment.
func WithWorkerEnv(env ...string) Option {
	return func(o *options) {
		o.env = append(o.env, env...)
	}
}

// WithWorkerStderr redirects worker stdout and stderr.
func WithWorkerStderr(w io.Writer) Option {
	return func(o *options) {
		o.stderr = w
	}
}

// WithStopTimeout bounds how long a round waits for workers to exit.
func WithStopTimeout(d time.Duration) Option {
	return func(o *options) {
		o.stopTimeout = d
	}
}

// WithMaxFrameBytes bounds the encoded size of one call or result.
func WithMaxFrameBytes(n int) Option {
	return func(o *options) {
		o.maxFrameBytes = n
	}
}

// WithCPUAffinity pins each worker process to its own CPU.
func WithCPUAffinity(on bool) Option {
	return func(o *options) {
		o.cpuAffinity = on
	}
}

// EvalOption customizes one Evaluate call.
type EvalOption func(*evalOptions)

type evalOptions struct {
	progress func(done, total int)
}

// WithProgress calls fn after every completed call. Calls are serialized and
// never affect results or their order. fn must not call back into the session.
func WithProgress(fn func(done, total int)) EvalOption {
	return func(o *evalOptions) {
		o.progress = fn
	}
}

// WithProgressWriter prints a "done/total" progress line to w, at most ten
// times a second plus once at the end.
func WithProgressWriter(w io.Writer) EvalOption {
	s := &rate.Sometimes{Interval: 100 * time.Millisecond}
	return WithProgress(func(done, total int) {
		if done == total {
			fmt.Fprintf(w, "\r%d/%d\n", done, total)
			return
		}
		s.Do(func() {
			fmt.Fprintf(w, "\r%d/%d", done, total)
		})
	})
}
