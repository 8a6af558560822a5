// File: array/array.go
// Package array
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shaped, typed byte buffers. An Array either owns its Data or is a view over
// memory owned by someone else (a shared-memory segment); the type does not
// distinguish the two, the owner of the memory does.

package array

import (
	"errors"
	"fmt"
	"unsafe"
)

// ErrDTypeMismatch is returned by Values when T does not match the array dtype.
var ErrDTypeMismatch = errors.New("array: dtype mismatch")

// Array is a dense, row-major, native-endian n-dimensional buffer.
type Array struct {
	Shape []int
	DType DType
	Data  []byte
}

// New copies values into a fresh array of the given shape.
func New[T Elem](shape []int, values []T) (*Array, error) {
	n, err := product(shape)
	if err != nil {
		return nil, err
	}
	if n != len(values) {
		return nil, fmt.Errorf("array: shape %v holds %d elements, got %d values", shape, n, len(values))
	}
	buf := make([]T, n)
	copy(buf, values)
	return &Array{
		Shape: append([]int(nil), shape...),
		DType: DTypeOf[T](),
		Data:  bytesOf(buf),
	}, nil
}

// FromSlice copies values into a 1-D array.
func FromSlice[T Elem](values []T) *Array {
	a, _ := New([]int{len(values)}, values)
	return a
}

// Zeros allocates a zero-filled array.
func Zeros(dt DType, shape ...int) (*Array, error) {
	if !dt.Valid() {
		return nil, fmt.Errorf("array: invalid dtype %v", dt)
	}
	n, err := product(shape)
	if err != nil {
		return nil, err
	}
	// Back with uint64 words so every element type is aligned.
	words := make([]uint64, (n*dt.Size()+7)/8)
	return &Array{
		Shape: append([]int(nil), shape...),
		DType: dt,
		Data:  bytesOf(words)[:n*dt.Size()],
	}, nil
}

// Len returns the element count (product of Shape).
func (a *Array) Len() int {
	n, _ := product(a.Shape)
	return n
}

// NBytes returns Len() * DType.Size().
func (a *Array) NBytes() int {
	return a.Len() * a.DType.Size()
}

// Validate checks dtype, shape and that Data is exactly NBytes long.
func (a *Array) Validate() error {
	if a == nil {
		return errors.New("array: nil array")
	}
	if !a.DType.Valid() {
		return fmt.Errorf("array: invalid dtype %v", a.DType)
	}
	n, err := product(a.Shape)
	if err != nil {
		return err
	}
	if want := n * a.DType.Size(); len(a.Data) != want {
		return fmt.Errorf("array: shape %v of %v needs %d bytes, have %d", a.Shape, a.DType, want, len(a.Data))
	}
	return nil
}

// Clone returns a deep copy that owns its memory.
func (a *Array) Clone() *Array {
	c, err := Zeros(a.DType, a.Shape...)
	if err != nil || len(c.Data) != len(a.Data) {
		// malformed source; keep its bytes as they are
		return &Array{Shape: append([]int(nil), a.Shape...), DType: a.DType, Data: append([]byte(nil), a.Data...)}
	}
	copy(c.Data, a.Data)
	return c
}

// View wraps existing memory without copying. The caller keeps ownership of data.
func View(dt DType, shape []int, data []byte) (*Array, error) {
	a := &Array{Shape: append([]int(nil), shape...), DType: dt, Data: data}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Values returns a []T aliasing a.Data. Writes through the slice mutate the array.
func Values[T Elem](a *Array) ([]T, error) {
	if want := DTypeOf[T](); a.DType != want {
		return nil, fmt.Errorf("%w: array is %v, requested %v", ErrDTypeMismatch, a.DType, want)
	}
	n := a.Len()
	if n == 0 || len(a.Data) == 0 {
		return []T{}, nil
	}
	if len(a.Data) < n*a.DType.Size() {
		return nil, fmt.Errorf("array: data too short for shape %v", a.Shape)
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.Data[0])), n), nil
}

func product(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("array: negative dimension in shape %v", shape)
		}
		n *= d
	}
	return n, nil
}

func bytesOf[T any](s []T) []byte {
	if len(s) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
