// File: funcs/catalog.go
// Package funcs
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide catalog of functions that worker processes can run.
//
// Go cannot ship closures to another process, so every function a session may
// dispatch is defined by name at init time, in the same binary the workers
// execute. A session registers a Ref (name plus plain-data bound arguments) and
// each worker resolves the name against its own copy of this catalog.

package funcs

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/contextshare/array"
)

// Env is the per-worker state a function runs against.
type Env interface {
	// Var returns the local view of a shared variable.
	Var(name string) (*array.Array, bool)

	// Logger is the worker's logger.
	Logger() hclog.Logger
}

// Func is a dispatchable function. The returned value must be plain data.
type Func func(env Env, args Args) (any, error)

var (
	mu      sync.RWMutex
	catalog = make(map[string]Func)
)

// Define adds fn under name. Like flag or gob registration it is meant for
// init-time use and panics on an empty name, nil fn or a duplicate.
func Define(name string, fn Func) {
	if name == "" {
		panic("funcs: Define with empty name")
	}
	if fn == nil {
		panic("funcs: Define " + name + " with nil func")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := catalog[name]; dup {
		panic(fmt.Sprintf("funcs: %q already defined", name))
	}
	catalog[name] = fn
}

// Lookup returns the function defined under name.
func Lookup(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := catalog[name]
	return fn, ok
}

// Names lists every defined function, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(catalog))
	for n := range catalog {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
