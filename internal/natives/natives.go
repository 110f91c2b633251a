// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.
//
// The ProbeChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ProbeChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ProbeChain. If not, see <http://www.gnu.org/licenses/>.

// Package natives implements the host side of the NativeCall opcode: a
// registry of named functions resolved against a module's native table at
// load time, plus the built-in function set (hashing, signature
// verification, and a string-length helper). A native receives the VM context
// and its argument slice and must not retain Value pointers past its
// return unless it stores them somewhere the collector can see.
package natives

import (
	"encoding/hex"
	"fmt"

	"raya/internal/gc"
	"raya/internal/value"
)

// Context is the slice of VM state a native is allowed to touch. Heap
// allocations made through it are GC-visible immediately.
type Context struct {
	Heap   *gc.Heap
	TaskID uint64
	// Cancelled reports whether the calling task has been cancelled; a
	// native performing a long computation should check it periodically
	// and bail out with an error.
	Cancelled func() bool
}

// Func is the native calling convention.
type Func func(ctx *Context, argv []value.Value) (value.Value, error)

// Registry maps names to host functions.
type Registry struct {
	byName map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Func{}}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.byName[name] = fn
}

// Lookup resolves one name.
func (r *Registry) Lookup(name string) (Func, bool) {
	fn, ok := r.byName[name]
	return fn, ok
}

// Resolve maps a module's native table to a dense slice indexed by native
// id, failing if any declared native is missing from the registry.
func (r *Registry) Resolve(names []string) ([]Func, error) {
	fns := make([]Func, len(names))
	for i, n := range names {
		fn, ok := r.byName[n]
		if !ok {
			return nil, fmt.Errorf("natives: unresolved native function %q", n)
		}
		fns[i] = fn
	}
	return fns, nil
}

// ---- argument helpers ----

func argString(ctx *Context, argv []value.Value, i int) (string, error) {
	if i >= len(argv) {
		return "", fmt.Errorf("natives: missing argument %d", i)
	}
	sd, ok := ctx.Heap.String(argv[i])
	if !ok {
		return "", fmt.Errorf("natives: argument %d is not a string", i)
	}
	return string(sd.Bytes), nil
}

func argHexBytes(ctx *Context, argv []value.Value, i int) ([]byte, error) {
	s, err := argString(ctx, argv, i)
	if err != nil {
		return nil, err
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("natives: argument %d is not valid hex: %v", i, err)
	}
	return b, nil
}

// Default returns the registry pre-populated with the built-in set; hosts
// embed it and register their own functions on top.
func Default() *Registry {
	r := NewRegistry()
	registerCrypto(r)
	r.Register("string.length", func(ctx *Context, argv []value.Value) (value.Value, error) {
		s, err := argString(ctx, argv, 0)
		if err != nil {
			return value.Null, err
		}
		return value.I32(int32(len(s))), nil
	})
	return r
}
