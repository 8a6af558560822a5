// File: cmd/contextshare/tasks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"fmt"

	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/funcs"
)

func init() {
	funcs.Define("square_chunk", squareChunk)
	funcs.Define("sum_chunk", sumChunk)
}

// chunk resolves (vector, lo, hi) arguments to the [lo, hi) slice of a
// shared float64 vector.
func chunk(args funcs.Args) ([]float64, error) {
	a, err := args.Array(0)
	if err != nil {
		return nil, err
	}
	lo, err := args.Int(1)
	if err != nil {
		return nil, err
	}
	hi, err := args.Int(2)
	if err != nil {
		return nil, err
	}
	v, err := array.Values[float64](a)
	if err != nil {
		return nil, err
	}
	if lo < 0 || hi > len(v) || lo > hi {
		return nil, fmt.Errorf("chunk [%d, %d) outside vector of %d", lo, hi, len(v))
	}
	return v[lo:hi], nil
}

// squareChunk squares its chunk in place.
func squareChunk(env funcs.Env, args funcs.Args) (any, error) {
	v, err := chunk(args)
	if err != nil {
		return nil, err
	}
	for i, x := range v {
		v[i] = x * x
	}
	env.Logger().Trace("squared chunk", "len", len(v))
	return nil, nil
}

// sumChunk returns the sum of its chunk.
func sumChunk(_ funcs.Env, args funcs.Args) (any, error) {
	v, err := chunk(args)
	if err != nil {
		return nil, err
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s, nil
}
