// File: session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Session shares named arrays with a pool of worker processes and runs queued
// calls against them in rounds:
//
//	s, _ := session.New(map[string]*array.Array{"x": x}, 4)
//	if err := s.Open(); err != nil { ... }
//	defer s.Close()
//	p, _ := s.Register(funcs.Bind("add_one", funcs.Var("x")))
//	for i := 0; i < 3; i++ {
//		p.Call(i)
//	}
//	res, err := s.Evaluate(ctx)
//
// Calls made through a Proxy only record a DeferredCall; nothing runs until
// Evaluate. Every round starts a fresh pool, so rounds share nothing but the
// shared variables.

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/control"
	"github.com/momentics/contextshare/funcs"
	"github.com/momentics/contextshare/internal/procpool"
	"github.com/momentics/contextshare/internal/registry"
	"github.com/momentics/contextshare/internal/shm"
	"github.com/momentics/contextshare/internal/vartable"
	"github.com/momentics/contextshare/internal/wire"
)

// Descriptor is what a worker needs to attach to one shared variable.
type Descriptor = wire.Descriptor

type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
)

func (st state) String() string {
	switch st {
	case stateNew:
		return "new"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// DeferredCall is one recorded invocation: a function index plus arguments
// already encoded for transport.
type DeferredCall struct {
	Func   int
	Args   *structpb.ListValue
	Kwargs *structpb.Struct
}

func (c *DeferredCall) frame(seq int) *wire.Call {
	return &wire.Call{Seq: seq, Func: c.Func, Args: c.Args, Kwargs: c.Kwargs}
}

// Session owns the shared segments, the function registry and the pending
// queue. It is safe for concurrent use, but only one Evaluate runs at a time.
type Session struct {
	workers int
	opts    options
	alloc   api.Allocator
	logger  hclog.Logger
	metrics *control.Metrics

	// roundMu is held for a whole round and by Close.
	roundMu sync.Mutex

	mu      sync.Mutex
	state   state
	input   map[string]*array.Array
	vars    *vartable.Table
	reg     *registry.Registry
	pending *queue.Queue
}

// New prepares a session over vars with a fixed number of worker processes.
// Nothing is allocated until Open.
func New(vars map[string]*array.Array, workers int, opts ...Option) (*Session, error) {
	if workers <= 0 {
		return nil, api.Errorf(api.ErrCodeProtocol, "worker count must be positive, got %d", workers)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = hclog.NewNullLogger()
	}
	alloc := o.alloc
	if alloc == nil {
		alloc = shm.NewAllocator(o.shmDir)
	}
	input := make(map[string]*array.Array, len(vars))
	for name, a := range vars {
		input[name] = a
	}
	return &Session{
		workers: workers,
		opts:    o,
		alloc:   alloc,
		logger:  o.logger.Named("session"),
		metrics: o.metrics,
		input:   input,
		reg:     registry.New(),
		pending: queue.New(),
	}, nil
}

// Open copies every variable into its own shared segment. On failure no
// segment is left behind and the session stays unopened.
func (s *Session) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return api.Errorf(api.ErrCodeProtocol, "open on %s session", s.state)
	}
	vars, err := vartable.Open(s.alloc, s.input)
	if err != nil {
		s.logger.Error("open failed", "error", err)
		return err
	}
	for _, d := range vars.Descriptors() {
		s.metrics.SegmentCreated(d.Size, true)
	}
	s.vars = vars
	s.input = nil
	s.state = stateOpen
	s.logger.Debug("session open", "vars", vars.Len(), "bytes", vars.Bytes(), "workers", s.workers)
	return nil
}

// Register adds ref to the function table and returns a proxy that queues
// calls to it. ref.Name must be defined in this binary.
func (s *Session) Register(ref funcs.Ref) (*Proxy, error) {
	if _, ok := funcs.Lookup(ref.Name); !ok {
		return nil, api.Errorf(api.ErrCodeProtocol, "function %q is not defined", ref.Name)
	}
	s.mu.Lock()
	closed := s.state == stateClosed
	s.mu.Unlock()
	if closed {
		return nil, api.NewError(api.ErrCodeProtocol, "register on closed session")
	}
	idx, err := s.reg.Add(ref)
	if err != nil {
		return nil, err
	}
	s.logger.Trace("registered", "func", ref.Name, "index", idx)
	return &Proxy{s: s, index: idx, name: ref.Name}, nil
}

func (s *Session) enqueue(c *DeferredCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return api.NewError(api.ErrCodeProtocol, "call on closed session")
	}
	if c.Func < 0 || c.Func >= s.reg.Len() {
		return api.Errorf(api.ErrCodeProtocol, "function index %d out of range", c.Func)
	}
	s.pending.Add(c)
	s.metrics.SetPending(s.pending.Length())
	return nil
}

// Evaluate runs every pending call and returns the results in the order the
// calls were made. The queue is emptied when the round starts, so a failed
// round never runs its calls a second time. An empty queue returns an empty
// result without starting workers.
//
// The first failing call fails the round: a TaskError for a function error, a
// BootstrapError when a worker cannot attach or resolve the function table.
// Canceling ctx kills the round's workers.
func (s *Session) Evaluate(ctx context.Context, opts ...EvalOption) (Results, error) {
	if !s.roundMu.TryLock() {
		return nil, api.NewError(api.ErrCodeProtocol, "evaluation round already in progress")
	}
	defer s.roundMu.Unlock()

	var eo evalOptions
	for _, opt := range opts {
		opt(&eo)
	}

	s.mu.Lock()
	if s.state != stateOpen {
		st := s.state
		s.mu.Unlock()
		return nil, api.Errorf(api.ErrCodeProtocol, "evaluate on %s session", st)
	}
	calls := make([]*wire.Call, 0, s.pending.Length())
	for s.pending.Length() > 0 {
		c := s.pending.Remove().(*DeferredCall)
		calls = append(calls, c.frame(len(calls)))
	}
	s.metrics.SetPending(0)
	vars := s.vars
	s.mu.Unlock()

	if len(calls) == 0 {
		return Results{}, nil
	}

	begin := time.Now()
	res, err := s.round(ctx, vars, calls, eo)
	took := time.Since(begin)
	s.metrics.RoundDone(len(calls), took, err)
	if err != nil {
		s.logger.Warn("round failed", "calls", len(calls), "took", took, "error", err)
		return nil, err
	}
	s.logger.Debug("round done", "calls", len(calls), "took", took)
	return res, nil
}

func (s *Session) round(ctx context.Context, vars *vartable.Table, calls []*wire.Call, eo evalOptions) (_ Results, err error) {
	n := s.reg.Len()
	for i, c := range calls {
		if c.Func >= n {
			return nil, api.Errorf(api.ErrCodeProtocol, "call %d refers to function %d of %d", i, c.Func, n)
		}
	}

	table, ref, err := s.reg.Serialize(s.alloc)
	if err != nil {
		return nil, err
	}
	s.metrics.SegmentCreated(table.Size(), false)
	defer func() {
		err = errors.Join(err, table.Release())
		s.metrics.SegmentReleased(table.Size(), false)
	}()

	pool, err := procpool.Start(ctx, s.poolConfig(), &wire.Init{Vars: vars.Descriptors(), Table: ref})
	if err != nil {
		return nil, err
	}
	s.metrics.WorkersStarted(pool.Workers())
	// workers are gone before the table segment is released
	defer func() {
		err = errors.Join(err, pool.Close())
	}()

	values, err := pool.Map(ctx, calls, eo.progress)
	if err != nil {
		return nil, err
	}
	out := make(Results, len(values))
	for i, v := range values {
		out[i] = wire.Native(v)
	}
	return out, nil
}

func (s *Session) poolConfig() procpool.Config {
	level := s.opts.logger.GetLevel()
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return procpool.Config{
		Workers:       s.workers,
		Command:       s.opts.command,
		Args:          s.opts.args,
		Env:           s.opts.env,
		Stderr:        s.opts.stderr,
		StopTimeout:   s.opts.stopTimeout,
		MaxFrameBytes: s.opts.maxFrameBytes,
		LogLevel:      level.String(),
		CPUAffinity:   s.opts.cpuAffinity,
		Logger:        s.logger,
	}
}

// Var returns the controller's view of a shared variable. Writes through it
// are visible to workers in later rounds.
func (s *Session) Var(name string) (*array.Array, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil, false
	}
	return s.vars.Var(name)
}

// Descriptors lists the shared variables, sorted by name.
func (s *Session) Descriptors() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateOpen {
		return nil
	}
	return s.vars.Descriptors()
}

// Pending returns the number of queued calls.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Length()
}

// Functions returns the number of registered functions.
func (s *Session) Functions() int { return s.reg.Len() }

// Workers returns the configured worker count.
func (s *Session) Workers() int { return s.workers }

// Close waits for a running round, then releases every shared segment.
// Pending calls are dropped. Close is idempotent.
func (s *Session) Close() error {
	s.roundMu.Lock()
	defer s.roundMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateClosed {
		return nil
	}
	prev := s.state
	s.state = stateClosed
	s.input = nil
	if dropped := s.pending.Length(); dropped > 0 {
		s.logger.Debug("dropping pending calls", "calls", dropped)
	}
	s.pending = queue.New()
	s.metrics.SetPending(0)
	if prev != stateOpen {
		return nil
	}

	descs := s.vars.Descriptors()
	err := s.vars.Close()
	for _, d := range descs {
		s.metrics.SegmentReleased(d.Size, true)
	}
	s.vars = nil
	s.logger.Debug("session closed", "vars", len(descs))
	return err
}

// Run opens a session, passes it to fn and closes it however fn ends. The
// error from fn is returned joined with any cleanup error; a panic in fn is
// re-raised after cleanup.
func Run(ctx context.Context, vars map[string]*array.Array, workers int, fn func(context.Context, *Session) error, opts ...Option) (err error) {
	s, err := New(vars, workers, opts...)
	if err != nil {
		return err
	}
	if err := s.Open(); err != nil {
		return errors.Join(err, s.Close())
	}
	defer func() {
		if r := recover(); r != nil {
			if cerr := s.Close(); cerr != nil {
				s.logger.Error("close after panic failed", "error", cerr)
			}
			panic(r)
		}
		err = errors.Join(err, s.Close())
	}()
	return fn(ctx, s)
}
