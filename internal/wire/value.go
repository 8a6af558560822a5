// File: internal/wire/value.go
// Package wire
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Conversion between Go plain data and protobuf Values. Everything that crosses
// the controller/worker boundary (bound arguments, call arguments, results)
// goes through NewValue on the sending side and Native on the receiving side.

package wire

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/funcs"
)

// varKey tags a struct value that stands for a shared-variable reference.
const varKey = "__contextshare_var__"

// NewValue converts plain data to a protobuf Value. Unsupported values
// (channels, funcs, structs, pointers) yield a serialization error.
func NewValue(v any) (*structpb.Value, error) {
	pv, err := newValue(v, 0)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeSerialization, err, "encode value")
	}
	return pv, nil
}

// NewList converts a positional argument list.
func NewList(vs []any) (*structpb.ListValue, error) {
	out := &structpb.ListValue{Values: make([]*structpb.Value, len(vs))}
	for i, v := range vs {
		pv, err := newValue(v, 0)
		if err != nil {
			return nil, api.Wrap(api.ErrCodeSerialization, err, "encode argument").WithContext("position", i)
		}
		out.Values[i] = pv
	}
	return out, nil
}

// NewStruct converts keyword arguments.
func NewStruct(m map[string]any) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(m))}
	for k, v := range m {
		pv, err := newValue(v, 0)
		if err != nil {
			return nil, api.Wrap(api.ErrCodeSerialization, err, "encode keyword argument").WithContext("name", k)
		}
		out.Fields[k] = pv
	}
	return out, nil
}

const maxDepth = 64

// MaxExactInt is the largest magnitude an integer may have to cross the
// boundary unchanged; numbers travel as float64.
const MaxExactInt = 1 << 53

func newValue(v any, depth int) (*structpb.Value, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		return structpb.NewNullValue(), nil
	case funcs.VarRef:
		if x.Name == "" {
			return nil, fmt.Errorf("shared variable reference without a name")
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			varKey: structpb.NewStringValue(x.Name),
		}}), nil
	case *structpb.Value:
		return x, nil
	case bool, string, []byte:
		// strings must be valid UTF-8; []byte travels as base64 text
		return structpb.NewValue(x)
	case []any:
		return newListValue(reflect.ValueOf(x), depth)
	case map[string]any:
		return newStructValue(reflect.ValueOf(x), depth)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return newListValue(rv, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("map key type %s is not string", rv.Type().Key())
		}
		return newStructValue(rv, depth)
	case reflect.Bool:
		return structpb.NewBoolValue(rv.Bool()), nil
	case reflect.String:
		return structpb.NewStringValue(rv.String()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n := rv.Int()
		if n > MaxExactInt || n < -MaxExactInt {
			return nil, fmt.Errorf("integer %d does not fit a float64 exactly", n)
		}
		return structpb.NewNumberValue(float64(n)), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n := rv.Uint()
		if n > MaxExactInt {
			return nil, fmt.Errorf("integer %d does not fit a float64 exactly", n)
		}
		return structpb.NewNumberValue(float64(n)), nil
	case reflect.Float32, reflect.Float64:
		return structpb.NewNumberValue(rv.Float()), nil
	}
	return nil, fmt.Errorf("type %T is not plain data", v)
}

func newListValue(rv reflect.Value, depth int) (*structpb.Value, error) {
	list := &structpb.ListValue{Values: make([]*structpb.Value, rv.Len())}
	for i := 0; i < rv.Len(); i++ {
		pv, err := newValue(rv.Index(i).Interface(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		list.Values[i] = pv
	}
	return structpb.NewListValue(list), nil
}

func newStructValue(rv reflect.Value, depth int) (*structpb.Value, error) {
	st := &structpb.Struct{Fields: make(map[string]*structpb.Value, rv.Len())}
	iter := rv.MapRange()
	for iter.Next() {
		k := iter.Key().String()
		pv, err := newValue(iter.Value().Interface(), depth+1)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		st.Fields[k] = pv
	}
	return structpb.NewStructValue(st), nil
}

// Native converts a protobuf Value back to Go data: nil, bool, float64,
// string, []any, map[string]any or funcs.VarRef.
func Native(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return nil
	case *structpb.Value_BoolValue:
		return k.BoolValue
	case *structpb.Value_NumberValue:
		return k.NumberValue
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_ListValue:
		return NativeList(k.ListValue)
	case *structpb.Value_StructValue:
		if name, ok := varName(k.StructValue); ok {
			return funcs.VarRef{Name: name}
		}
		return NativeStruct(k.StructValue)
	}
	return nil
}

// NativeList converts a list of Values.
func NativeList(l *structpb.ListValue) []any {
	out := make([]any, len(l.GetValues()))
	for i, v := range l.GetValues() {
		out[i] = Native(v)
	}
	return out
}

// NativeStruct converts a Struct.
func NativeStruct(s *structpb.Struct) map[string]any {
	out := make(map[string]any, len(s.GetFields()))
	for k, v := range s.GetFields() {
		out[k] = Native(v)
	}
	return out
}

func varName(s *structpb.Struct) (string, bool) {
	if len(s.GetFields()) != 1 {
		return "", false
	}
	v, ok := s.GetFields()[varKey]
	if !ok {
		return "", false
	}
	sv, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return sv.StringValue, true
}
