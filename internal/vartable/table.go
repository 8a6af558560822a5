// File: internal/vartable/table.go
// Package vartable
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared Variable Table: copies caller arrays into shared-memory segments once
// and hands out the descriptors workers attach with.

package vartable

import (
	"errors"
	"sort"
	"sync"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/internal/wire"
)

type entry struct {
	desc wire.Descriptor
	seg  api.Segment
	view *array.Array
}

// Table owns one segment per shared variable.
type Table struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	closed  bool
}

// Open allocates and fills one segment per variable, in name order. When any
// allocation fails every segment created so far is released before returning.
func Open(alloc api.Allocator, vars map[string]*array.Array) (*Table, error) {
	names := make([]string, 0, len(vars))
	for name, arr := range vars {
		if name == "" {
			return nil, api.NewError(api.ErrCodeProtocol, "shared variable with empty name")
		}
		if err := arr.Validate(); err != nil {
			return nil, api.Wrap(api.ErrCodeProtocol, err, "invalid shared variable").WithContext("name", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	t := &Table{entries: make(map[string]*entry, len(names))}
	for _, name := range names {
		arr := vars[name]
		seg, err := alloc.Create(arr.NBytes())
		if err != nil {
			cerr := t.Close()
			var e *api.Error
			if !errors.As(err, &e) || e.Code != api.ErrCodeAllocation {
				e = api.Wrap(api.ErrCodeAllocation, err, "allocate shared variable")
			}
			return nil, errors.Join(e.WithContext("name", name), cerr)
		}
		copy(seg.Bytes(), arr.Data)
		view, err := array.View(arr.DType, arr.Shape, seg.Bytes())
		if err != nil {
			return nil, errors.Join(api.Wrap(api.ErrCodeAllocation, err, "segment does not fit variable").
				WithContext("name", name), seg.Release(), t.Close())
		}
		t.entries[name] = &entry{
			desc: wire.Descriptor{
				Name:  name,
				Shape: append([]int(nil), arr.Shape...),
				DType: arr.DType,
				Path:  seg.Path(),
				Size:  seg.Size(),
			},
			seg:  seg,
			view: view,
		}
		t.order = append(t.order, name)
	}
	return t, nil
}

// Descriptors returns a copy of every descriptor in name order.
func (t *Table) Descriptors() []wire.Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.Descriptor, 0, len(t.order))
	for _, name := range t.order {
		d := t.entries[name].desc
		d.Shape = append([]int(nil), d.Shape...)
		out = append(out, d)
	}
	return out
}

// Var returns the controller-side view of a variable. It is valid until Close.
func (t *Table) Var(name string) (*array.Array, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, false
	}
	e, ok := t.entries[name]
	if !ok {
		return nil, false
	}
	return e.view, true
}

// Len returns the number of variables.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Bytes returns the total shared size.
func (t *Table) Bytes() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		n += e.desc.Size
	}
	return n
}

// Close releases every segment. Idempotent; all segments are attempted and
// the joined errors returned.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	var errs []error
	for _, name := range t.order {
		if err := t.entries[name].seg.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
