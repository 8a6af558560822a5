// File: internal/procpool/pool.go
// Package procpool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A fixed-size pool of worker processes. Every worker is bootstrapped once with
// the same init frame; Map then spreads calls over the workers and hands the
// results back in submission order.

package procpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/internal/wire"
	"github.com/momentics/contextshare/worker"
)

// DefaultStopTimeout bounds how long Close waits before killing a worker.
const DefaultStopTimeout = 5 * time.Second

// Config describes how worker processes are started.
type Config struct {
	// Workers is the number of processes; must be positive.
	Workers int
	// Command is the worker executable; empty means the running binary.
	Command string
	Args    []string
	// Env is appended to the controller's environment.
	Env []string
	// Stderr receives worker stderr (and stdout); nil means os.Stderr.
	Stderr io.Writer
	// StopTimeout defaults to DefaultStopTimeout.
	StopTimeout time.Duration
	// MaxFrameBytes bounds one frame in either direction; 0 means the wire default.
	MaxFrameBytes int
	// LogLevel is passed to the workers' loggers.
	LogLevel string
	// CPUAffinity pins worker i to the i-th allowed CPU.
	CPUAffinity bool
	Logger      hclog.Logger
}

// Progress is called after every completed call with the number done so far.
// Calls are serialized.
type Progress func(done, total int)

type proc struct {
	id     int
	pid    int
	cmd    *exec.Cmd
	conn   *wire.Conn
	toW    *os.File
	fromW  *os.File
	exited chan struct{}
	err    error // Wait result, valid once exited is closed
}

// Pool is a set of bootstrapped worker processes.
type Pool struct {
	cfg    Config
	logger hclog.Logger
	procs  []*proc

	mapMu     sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// Start spawns cfg.Workers processes, sends each the init frame and waits
// until all of them report ready. The processes are killed when ctx is
// canceled. If any worker fails to start or bootstrap the whole pool is torn
// down and a BootstrapError is returned.
func Start(ctx context.Context, cfg Config, boot *wire.Init) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, api.Errorf(api.ErrCodeProtocol, "worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, api.Wrap(api.ErrCodeBootstrap, err, "locate worker executable")
		}
		cfg.Command = exe
	}

	p := &Pool{cfg: cfg, logger: cfg.Logger.Named("procpool")}
	for i := 0; i < cfg.Workers; i++ {
		w, err := p.spawn(ctx, i)
		if err != nil {
			return nil, errors.Join(
				api.Wrap(api.ErrCodeBootstrap, err, "spawn worker").WithContext("worker", i),
				p.Close())
		}
		p.procs = append(p.procs, w)
	}

	var g errgroup.Group
	for _, w := range p.procs {
		g.Go(func() error {
			in := *boot
			in.CPU = -1
			if cfg.CPUAffinity {
				in.CPU = w.id
			}
			return p.handshake(w, &in)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Join(err, p.Close())
	}
	p.logger.Debug("pool ready", "workers", len(p.procs), "command", cfg.Command)
	return p, nil
}

func (p *Pool) spawn(ctx context.Context, id int) (*proc, error) {
	childIn, toW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	fromW, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		toW.Close()
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	cmd.Env = append(os.Environ(),
		worker.EnvWorker+"=1",
		worker.EnvLogLevel+"="+p.cfg.LogLevel,
		fmt.Sprintf("%s=%d", worker.EnvMaxFrameBytes, p.cfg.MaxFrameBytes),
	)
	cmd.Env = append(cmd.Env, p.cfg.Env...)
	cmd.Stdout = p.cfg.Stderr
	cmd.Stderr = p.cfg.Stderr
	cmd.WaitDelay = p.cfg.StopTimeout

	err = cmd.Start()
	// the child holds its own copies now
	childIn.Close()
	childOut.Close()
	if err != nil {
		toW.Close()
		fromW.Close()
		return nil, err
	}

	w := &proc{
		id:     id,
		pid:    cmd.Process.Pid,
		cmd:    cmd,
		conn:   wire.NewConn(fromW, toW, p.cfg.MaxFrameBytes),
		toW:    toW,
		fromW:  fromW,
		exited: make(chan struct{}),
	}
	go func() {
		w.err = cmd.Wait()
		close(w.exited)
	}()
	p.logger.Trace("worker spawned", "worker", id, "pid", w.pid)
	return w, nil
}

func (p *Pool) handshake(w *proc, boot *wire.Init) error {
	fail := func(err error, msg string) error {
		return api.Wrap(api.ErrCodeBootstrap, err, msg).
			WithContext("worker", w.id).
			WithContext("pid", w.pid)
	}
	if err := w.conn.Send(wire.KindInit, boot.Encode()); err != nil {
		return fail(w.exitCause(err), "send init")
	}
	kind, body, err := w.conn.Recv()
	if err != nil {
		return fail(w.exitCause(err), "worker exited before ready")
	}
	if kind != wire.KindReady {
		return fail(fmt.Errorf("unexpected %s frame", kind), "handshake")
	}
	if _, fault := wire.DecodeReady(body); fault != nil {
		e := fault.Err().WithContext("worker", w.id).WithContext("pid", w.pid)
		if e.Code != api.ErrCodeBootstrap {
			return fail(e, "worker bootstrap failed")
		}
		return e
	}
	return nil
}

// exitCause prefers the process exit status over a bare pipe error.
func (w *proc) exitCause(err error) error {
	select {
	case <-w.exited:
		if w.err != nil {
			return fmt.Errorf("%w (%v)", err, w.err)
		}
	case <-time.After(time.Second):
	}
	return err
}

// Workers returns the number of processes.
func (p *Pool) Workers() int { return len(p.procs) }

// PIDs returns the worker process ids.
func (p *Pool) PIDs() []int {
	out := make([]int, len(p.procs))
	for i, w := range p.procs {
		out[i] = w.pid
	}
	return out
}

// Map runs every call and returns the results indexed like calls. Each call's
// Seq is overwritten with its index. The first failure stops dispatch of the
// calls not yet sent and is returned once in-flight calls have finished.
func (p *Pool) Map(ctx context.Context, calls []*wire.Call, progress Progress) ([]*structpb.Value, error) {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()

	results := make([]*structpb.Value, len(calls))
	if len(calls) == 0 {
		return results, nil
	}
	ring := newTaskRing(len(calls))
	for i := range calls {
		ring.push(i)
	}

	var (
		progMu sync.Mutex
		done   int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range p.procs {
		g.Go(func() error {
			for gctx.Err() == nil {
				i, ok := ring.pop()
				if !ok {
					return nil
				}
				c := *calls[i]
				c.Seq = i
				res, err := p.roundTrip(w, &c)
				if err != nil {
					return err
				}
				results[i] = res
				if progress != nil {
					progMu.Lock()
					done++
					progress(done, len(calls))
					progMu.Unlock()
				}
			}
			return nil
		})
	}
	err := g.Wait()
	if n := ring.drain(); n > 0 {
		p.logger.Debug("round aborted", "undispatched", n)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("procpool: round canceled: %w", ctx.Err())
		}
		return nil, err
	}
	return results, nil
}

func (p *Pool) roundTrip(w *proc, c *wire.Call) (*structpb.Value, error) {
	lost := func(err error) error {
		return api.Wrap(api.ErrCodeTask, w.exitCause(err), "worker lost").
			WithContext("worker", w.id).
			WithContext("pid", w.pid).
			WithContext("seq", c.Seq)
	}
	if err := w.conn.Send(wire.KindCall, c.Encode()); err != nil {
		if e, ok := api.AsError(err); ok && e.Code == api.ErrCodeSerialization {
			return nil, e.WithContext("seq", c.Seq)
		}
		return nil, lost(err)
	}
	kind, body, err := w.conn.Recv()
	if err != nil {
		return nil, lost(err)
	}
	if kind != wire.KindReply {
		return nil, api.Errorf(api.ErrCodeProtocol, "expected %s frame, got %s", wire.KindReply, kind).
			WithContext("worker", w.id)
	}
	reply, err := wire.DecodeReply(body)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeProtocol, err, "decode reply").WithContext("worker", w.id)
	}
	if reply.Seq != c.Seq {
		return nil, api.Errorf(api.ErrCodeProtocol, "reply for call %d, expected %d", reply.Seq, c.Seq).
			WithContext("worker", w.id)
	}
	if reply.Fault != nil {
		return nil, reply.Fault.Err().WithContext("worker", w.id)
	}
	if reply.Result == nil {
		return structpb.NewNullValue(), nil
	}
	return reply.Result, nil
}

// Close asks every worker to stop, then kills the ones that have not exited
// within StopTimeout. When Close returns no worker process is running.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		for _, w := range p.procs {
			// a worker that already died makes these fail; that is fine
			_ = w.conn.Send(wire.KindStop, nil)
			w.toW.Close()
		}
		timer := time.NewTimer(p.cfg.StopTimeout)
		defer timer.Stop()
		var errs []error
		for _, w := range p.procs {
			select {
			case <-w.exited:
			case <-timer.C:
				// the timer fires once; every straggler is killed here
				errs = append(errs, p.killAll())
			}
			<-w.exited
			w.fromW.Close()
			if w.err != nil {
				p.logger.Debug("worker exit", "worker", w.id, "pid", w.pid, "status", w.err)
			}
		}
		p.closeErr = errors.Join(errs...)
		p.logger.Debug("pool closed", "workers", len(p.procs))
	})
	return p.closeErr
}

func (p *Pool) killAll() error {
	var errs []error
	for _, w := range p.procs {
		select {
		case <-w.exited:
		default:
			p.logger.Warn("killing worker", "worker", w.id, "pid", w.pid)
			if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				errs = append(errs, fmt.Errorf("kill worker %d: %w", w.pid, err))
			}
		}
	}
	return errors.Join(errs...)
}
