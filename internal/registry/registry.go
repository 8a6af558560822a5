// File: internal/registry/registry.go
// Package registry
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Function Registry: the ordered table of function references a session has
// registered, and its serialized form in shared memory.

package registry

import (
	"fmt"
	"sync"

	"github.com/spaolacci/murmur3"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/funcs"
	"github.com/momentics/contextshare/internal/wire"
)

// Entry is a function reference with its bound arguments already encoded.
type Entry struct {
	Name  string
	Bound *structpb.ListValue
}

// Registry assigns monotonically increasing indices; there is no removal.
type Registry struct {
	mu      sync.RWMutex
	entries []Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{}
}

// Add encodes ref's bound arguments immediately and appends it.
func (r *Registry) Add(ref funcs.Ref) (int, error) {
	if ref.Name == "" {
		return 0, api.NewError(api.ErrCodeProtocol, "function reference without a name")
	}
	bound, err := wire.NewList(ref.Bound)
	if err != nil {
		if e, ok := api.AsError(err); ok {
			e.WithContext("func", ref.Name)
		}
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Name: ref.Name, Bound: bound})
	return len(r.entries) - 1, nil
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Name returns the name registered at index i.
func (r *Registry) Name(i int) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i < 0 || i >= len(r.entries) {
		return "", false
	}
	return r.entries[i].Name, true
}

// Encode marshals the current table. Later Adds are not reflected.
func (r *Registry) Encode() ([]byte, error) {
	r.mu.RLock()
	values := make([]*structpb.Value, len(r.entries))
	for i, e := range r.entries {
		values[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"name":  structpb.NewStringValue(e.Name),
			"bound": structpb.NewListValue(e.Bound),
		}})
	}
	r.mu.RUnlock()

	payload, err := proto.MarshalOptions{Deterministic: true}.Marshal(&structpb.ListValue{Values: values})
	if err != nil {
		return nil, api.Wrap(api.ErrCodeSerialization, err, "marshal function table")
	}
	return payload, nil
}

// Serialize writes the table into a segment sized exactly to the payload.
// The caller owns the returned segment and must release it.
func (r *Registry) Serialize(alloc api.Allocator) (api.Segment, wire.TableRef, error) {
	payload, err := r.Encode()
	if err != nil {
		return nil, wire.TableRef{}, err
	}
	seg, err := alloc.Create(len(payload))
	if err != nil {
		return nil, wire.TableRef{}, err
	}
	copy(seg.Bytes(), payload)
	return seg, wire.TableRef{
		Path:     seg.Path(),
		Size:     len(payload),
		Checksum: Checksum(payload),
	}, nil
}

// Checksum is the integrity hash workers verify before decoding.
func Checksum(payload []byte) uint64 {
	return murmur3.Sum64(payload)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) ([]Entry, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("registry: unmarshal function table: %w", err)
	}
	out := make([]Entry, len(list.GetValues()))
	for i, v := range list.GetValues() {
		s := v.GetStructValue()
		name := s.GetFields()["name"].GetStringValue()
		if name == "" {
			return nil, fmt.Errorf("registry: entry %d has no name", i)
		}
		bound := s.GetFields()["bound"].GetListValue()
		if bound == nil {
			bound = &structpb.ListValue{}
		}
		out[i] = Entry{Name: name, Bound: bound}
	}
	return out, nil
}
