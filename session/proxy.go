// File: session/proxy.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package session

import (
	"fmt"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/funcs"
	"github.com/momentics/contextshare/internal/wire"
)

// Proxy stands for one registered function. Calling it queues a DeferredCall
// and returns nothing; results come only from Evaluate.
type Proxy struct {
	s     *Session
	index int
	name  string
}

// Index is the function's position in the table.
func (p *Proxy) Index() int { return p.index }

// Name is the catalog name the proxy was registered with.
func (p *Proxy) Name() string { return p.name }

// Call queues a call with positional arguments. Arguments are encoded now,
// so later changes to them do not affect the call.
func (p *Proxy) Call(args ...any) error {
	return p.CallKw(nil, args...)
}

// CallKw queues a call with keyword and positional arguments.
func (p *Proxy) CallKw(kw map[string]any, args ...any) error {
	l, err := wire.NewList(args)
	if err != nil {
		return p.annotate(err)
	}
	st, err := wire.NewStruct(kw)
	if err != nil {
		return p.annotate(err)
	}
	c := &DeferredCall{Func: p.index, Args: l, Kwargs: st}
	limit := wire.MaxFrameOrDefault(p.s.opts.maxFrameBytes)
	if n := wire.FrameSize(wire.KindCall, c.frame(0).Encode()); n > limit {
		return p.annotate(api.Errorf(api.ErrCodeSerialization, "call arguments encode to %d bytes, limit %d", n, limit).
			WithContext("size", n))
	}
	return p.s.enqueue(c)
}

func (p *Proxy) annotate(err error) error {
	if e, ok := api.AsError(err); ok {
		e.WithContext("func", p.name)
	}
	return err
}

// Results holds one value per call, in call order. Numbers are float64.
type Results []any

// Floats converts every result to float64.
func (r Results) Floats() ([]float64, error) {
	out := make([]float64, len(r))
	for i, v := range r {
		f, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("session: result %d is %T, not a number", i, v)
		}
		out[i] = f
	}
	return out, nil
}

// Ints converts every result to int; each must be integral.
func (r Results) Ints() ([]int, error) {
	fs, err := r.Floats()
	if err != nil {
		return nil, err
	}
	out := make([]int, len(fs))
	for i, f := range fs {
		n, ok := funcs.ExactInt(f)
		if !ok {
			return nil, fmt.Errorf("session: result %d is %v, not an integer in int range", i, f)
		}
		out[i] = n
	}
	return out, nil
}
