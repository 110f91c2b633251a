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

// Package classes holds the shared VM state that outlives any single task:
// the loaded module's class registry with its composed vtables, and the
// mutable global table. The module's class/constant/function tables are
// read-only after load and shared by reference; globals sit behind a
// reader/writer lock.
package classes

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"raya/internal/bytecode"
	"raya/internal/value"
)

// Registry wraps the module's class table with dispatch helpers. The
// underlying ClassDefs are never mutated after load.
type Registry struct {
	module *bytecode.Module

	// slotCache memoizes (classID, slot) -> function id so repeated
	// CallMethod dispatch skips the vtable bounds checks on hot paths.
	slotCache *lru.Cache
}

// NewRegistry wraps m, which must already have its vtables resolved.
func NewRegistry(m *bytecode.Module, cache *lru.Cache) *Registry {
	if cache == nil {
		cache, _ = lru.New(1024)
	}
	return &Registry{module: m, slotCache: cache}
}

// Class returns the definition for id, or nil if out of range.
func (r *Registry) Class(id uint32) *bytecode.ClassDef {
	if int(id) >= len(r.module.Classes) {
		return nil
	}
	return &r.module.Classes[id]
}

type slotKey struct {
	class uint32
	slot  uint32
}

// Resolve looks up the function implementing slot on class id, walking the
// class's composed vtable. ok is false when the slot is unbound.
func (r *Registry) Resolve(classID, slot uint32) (uint32, bool) {
	key := slotKey{classID, slot}
	if fid, hit := r.slotCache.Get(key); hit {
		return fid.(uint32), true
	}
	c := r.Class(classID)
	if c == nil || int(slot) >= len(c.VTable) {
		return 0, false
	}
	fid := c.VTable[slot]
	r.slotCache.Add(key, fid)
	return fid, true
}

// IsSubclassOf walks the parent chain, reporting whether classID is
// ancestorID or inherits from it. Drives InstanceOf and Cast.
func (r *Registry) IsSubclassOf(classID, ancestorID uint32) bool {
	for {
		if classID == ancestorID {
			return true
		}
		c := r.Class(classID)
		if c == nil || c.ParentID < 0 {
			return false
		}
		classID = uint32(c.ParentID)
	}
}

// FieldMeta returns the reflection metadata for a class, or nil when the
// module carries none for it.
func (r *Registry) FieldMeta(classID uint32) []bytecode.FieldMeta {
	if r.module.Reflection == nil {
		return nil
	}
	return r.module.Reflection.Fields[classID]
}

// Globals is the mutable module-global table: LoadGlobal reads under the
// read lock, StoreGlobal writes under the write lock, and the collector
// enumerates every slot as a root inside its stop-the-world window.
type Globals struct {
	mu      sync.RWMutex
	byIndex []value.Value
	byName  map[string]int
}

// NewGlobals sizes the table from the module's declared global count.
func NewGlobals(m *bytecode.Module) *Globals {
	slots := make([]value.Value, m.GlobalCount)
	for i := range slots {
		slots[i] = value.Null
	}
	names := make(map[string]int, len(m.GlobalNames))
	for n, i := range m.GlobalNames {
		names[n] = i
	}
	return &Globals{byIndex: slots, byName: names}
}

// Load reads global slot idx.
func (g *Globals) Load(idx int) (value.Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if idx < 0 || idx >= len(g.byIndex) {
		return value.Null, false
	}
	return g.byIndex[idx], true
}

// Store writes global slot idx.
func (g *Globals) Store(idx int, v value.Value) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 || idx >= len(g.byIndex) {
		return false
	}
	g.byIndex[idx] = v
	return true
}

// LoadByName resolves a declared global name, for natives and host code.
func (g *Globals) LoadByName(name string) (value.Value, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	idx, ok := g.byName[name]
	if !ok {
		return value.Null, false
	}
	return g.byIndex[idx], true
}

// EnumerateRoots visits every global slot. Called by the collector with
// the world stopped; the read lock still guards against a host thread
// outside the safepoint protocol.
func (g *Globals) EnumerateRoots(visit func(value.Value)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, v := range g.byIndex {
		visit(v)
	}
}
