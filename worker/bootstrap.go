// File: worker/bootstrap.go
// Package worker
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-worker state: attached shared variables and the resolved function table.

package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/funcs"
	"github.com/momentics/contextshare/internal/registry"
	"github.com/momentics/contextshare/internal/shm"
	"github.com/momentics/contextshare/internal/wire"
)

var _ funcs.Env = (*Context)(nil)

type resolved struct {
	name  string
	fn    funcs.Func
	bound *structpb.ListValue
}

// Context is everything one worker process reconstructed during bootstrap.
// It is built once and handed to every task the worker runs.
type Context struct {
	logger hclog.Logger

	mu     sync.Mutex
	vars   map[string]*array.Array
	segs   []*shm.Segment
	table  []resolved
	closed bool
}

// Bootstrap attaches every shared variable, then loads and verifies the
// function table. Any failure yields a BootstrapError and leaves nothing
// attached.
func Bootstrap(in *wire.Init, logger hclog.Logger) (*Context, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	c := &Context{
		logger: logger,
		vars:   make(map[string]*array.Array, len(in.Vars)),
	}
	for _, d := range in.Vars {
		seg, err := shm.Open(d.Path, d.Size)
		if err != nil {
			return nil, c.abort(err, "attach shared variable", d.Name)
		}
		c.segs = append(c.segs, seg)
		view, err := array.View(d.DType, d.Shape, seg.Bytes())
		if err != nil {
			return nil, c.abort(err, "segment does not match descriptor", d.Name)
		}
		c.vars[d.Name] = view
	}

	table, err := loadTable(in.Table)
	if err != nil {
		return nil, c.abort(err, "load function table", "")
	}
	c.table = table

	logger.Debug("bootstrap complete", "vars", len(c.vars), "funcs", len(c.table))
	return c, nil
}

func loadTable(ref wire.TableRef) ([]resolved, error) {
	seg, err := shm.Open(ref.Path, ref.Size)
	if err != nil {
		return nil, err
	}
	// the table is decoded into process memory; the mapping is not kept
	defer seg.Close()

	payload := seg.Bytes()
	if sum := registry.Checksum(payload); sum != ref.Checksum {
		return nil, fmt.Errorf("checksum %x, expected %x", sum, ref.Checksum)
	}
	entries, err := registry.Decode(payload)
	if err != nil {
		return nil, err
	}
	out := make([]resolved, len(entries))
	for i, e := range entries {
		fn, ok := funcs.Lookup(e.Name)
		if !ok {
			return nil, fmt.Errorf("function %q (index %d) is not defined in this binary", e.Name, i)
		}
		out[i] = resolved{name: e.Name, fn: fn, bound: e.Bound}
	}
	return out, nil
}

func (c *Context) abort(cause error, msg, name string) error {
	e := api.Wrap(api.ErrCodeBootstrap, cause, msg)
	if name != "" {
		e.WithContext("name", name)
	}
	return errors.Join(e, c.Close())
}

// Var returns the local view of a shared variable.
func (c *Context) Var(name string) (*array.Array, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[name]
	return v, ok
}

// Logger returns the worker logger.
func (c *Context) Logger() hclog.Logger { return c.logger }

// Funcs returns the number of functions in the local table.
func (c *Context) Funcs() int { return len(c.table) }

// FuncName returns the catalog name at table index i, or "" when out of range.
func (c *Context) FuncName(i int) string {
	if i < 0 || i >= len(c.table) {
		return ""
	}
	return c.table[i].name
}

// Run executes one call. An out-of-range index is a ProtocolError; a function
// that returns an error or panics yields a TaskError; a result that is not
// plain data yields a SerializationError.
func (c *Context) Run(call *wire.Call) (*structpb.Value, error) {
	if call.Func < 0 || call.Func >= len(c.table) {
		return nil, api.Errorf(api.ErrCodeProtocol, "function index %d out of range", call.Func).
			WithContext("funcs", len(c.table))
	}
	f := &c.table[call.Func]

	// decoded afresh per call so tasks never share argument containers
	pos := append(wire.NativeList(f.bound), wire.NativeList(call.Args)...)
	kw := wire.NativeStruct(call.Kwargs)
	for i := range pos {
		v, err := c.resolve(pos[i])
		if err != nil {
			return nil, err
		}
		pos[i] = v
	}
	for k := range kw {
		v, err := c.resolve(kw[k])
		if err != nil {
			return nil, err
		}
		kw[k] = v
	}

	res, err := c.invoke(f, funcs.Args{Pos: pos, Kw: kw})
	if err != nil {
		return nil, api.Wrap(api.ErrCodeTask, err, "function failed").
			WithContext("func", f.name).
			WithContext("seq", call.Seq)
	}
	out, err := wire.NewValue(res)
	if err != nil {
		if e, ok := api.AsError(err); ok {
			e.WithContext("func", f.name)
		}
		return nil, err
	}
	return out, nil
}

func (c *Context) invoke(f *resolved, args funcs.Args) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task panicked", "func", f.name, "panic", r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return f.fn(c, args)
}

// resolve replaces shared-variable references with local views, descending
// into lists and maps.
func (c *Context) resolve(v any) (any, error) {
	switch x := v.(type) {
	case funcs.VarRef:
		view, ok := c.Var(x.Name)
		if !ok {
			return nil, api.Errorf(api.ErrCodeProtocol, "unknown shared variable %q", x.Name)
		}
		return view, nil
	case []any:
		for i := range x {
			r, err := c.resolve(x[i])
			if err != nil {
				return nil, err
			}
			x[i] = r
		}
	case map[string]any:
		for k := range x {
			r, err := c.resolve(x[k])
			if err != nil {
				return nil, err
			}
			x[k] = r
		}
	}
	return v, nil
}

// Close unmaps every attached segment. Workers never unlink.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	var errs []error
	for _, s := range c.segs {
		errs = append(errs, s.Close())
	}
	c.segs = nil
	c.vars = map[string]*array.Array{}
	return errors.Join(errs...)
}
