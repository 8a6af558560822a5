// File: funcs/ref.go
// Package funcs
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package funcs

// Ref names a catalog function plus arguments bound at registration time.
// Bound arguments are prepended to every call's positional arguments.
type Ref struct {
	Name  string
	Bound []any
}

// Bind builds a Ref.
func Bind(name string, bound ...any) Ref {
	return Ref{Name: name, Bound: bound}
}

// VarRef is an argument that refers to a shared variable by name. Workers
// replace it with their local view of the variable.
type VarRef struct {
	Name string
}

// Var builds a VarRef argument.
func Var(name string) VarRef {
	return VarRef{Name: name}
}
