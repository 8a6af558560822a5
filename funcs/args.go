// File: funcs/args.go
// Package funcs
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package funcs

import (
	"fmt"
	"math"

	"github.com/momentics/contextshare/array"
)

// Args are the decoded arguments of one call: bound arguments followed by the
// call's positional arguments, plus keyword arguments. Numbers arrive as float64.
type Args struct {
	Pos []any
	Kw  map[string]any
}

// Len returns the number of positional arguments.
func (a Args) Len() int { return len(a.Pos) }

// Value returns positional argument i.
func (a Args) Value(i int) (any, error) {
	if i < 0 || i >= len(a.Pos) {
		return nil, fmt.Errorf("funcs: argument %d out of range (have %d)", i, len(a.Pos))
	}
	return a.Pos[i], nil
}

// Float returns positional argument i as a float64.
func (a Args) Float(i int) (float64, error) {
	v, err := a.Value(i)
	if err != nil {
		return 0, err
	}
	return toFloat(v, i)
}

// Int returns positional argument i as an int; the value must be integral.
func (a Args) Int(i int) (int, error) {
	f, err := a.Float(i)
	if err != nil {
		return 0, err
	}
	n, ok := ExactInt(f)
	if !ok {
		return 0, fmt.Errorf("funcs: argument %d is %v, not an integer in int range", i, f)
	}
	return n, nil
}

// ExactInt converts f to int when it is integral and within the int range.
func ExactInt(f float64) (int, bool) {
	if f != math.Trunc(f) || f < float64(math.MinInt) || f >= -float64(math.MinInt) {
		return 0, false
	}
	return int(f), true
}

// String returns positional argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.Value(i)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("funcs: argument %d is %T, not string", i, v)
	}
	return s, nil
}

// Bool returns positional argument i as a bool.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.Value(i)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("funcs: argument %d is %T, not bool", i, v)
	}
	return b, nil
}

// Array returns positional argument i as a shared-variable view. The caller
// passed Var(name) for it.
func (a Args) Array(i int) (*array.Array, error) {
	v, err := a.Value(i)
	if err != nil {
		return nil, err
	}
	arr, ok := v.(*array.Array)
	if !ok {
		return nil, fmt.Errorf("funcs: argument %d is %T, not a shared variable", i, v)
	}
	return arr, nil
}

// Kwarg returns keyword argument name, or def when absent.
func (a Args) Kwarg(name string, def any) any {
	if v, ok := a.Kw[name]; ok {
		return v
	}
	return def
}

// KwFloat returns keyword argument name as a float64, or def when absent.
func (a Args) KwFloat(name string, def float64) (float64, error) {
	v, ok := a.Kw[name]
	if !ok {
		return def, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("funcs: keyword %q is %T, not a number", name, v)
	}
	return f, nil
}

func toFloat(v any, i int) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("funcs: argument %d is %T, not a number", i, v)
	}
}
