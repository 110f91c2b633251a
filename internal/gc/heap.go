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

// Package gc implements the typed heap and the synchronous mark-sweep
// collector described by the data model: every heap object carries a type
// tag and a mark bit, objects never move (addresses are table indices and
// stay stable across their own lifetime), and collection proceeds only
// inside a stop-the-world window obtained from internal/safepoint.
package gc

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"raya/internal/log"
	"raya/internal/safepoint"
	"raya/internal/value"
)

// Kind tags a heap object's concrete representation.
type Kind uint8

const (
	KindObject Kind = iota
	KindArray
	KindString
	KindClosure
	KindRefCell
	KindMutex
	KindChannel
	KindSemaphore
	KindJSON
)

// ObjectData backs a class instance: a fixed field vector sized by the
// class's total field count (inherited + own).
type ObjectData struct {
	ClassID uint32
	Fields  []value.Value
}

// ArrayData backs a homogeneous, growable array.
type ArrayData struct {
	ElemType uint32
	Elems    []value.Value
}

// StringData backs an immutable UTF-8 string.
type StringData struct {
	Bytes []byte
}

// ClosureData backs a closure: its function index plus captured values (by
// value for read-only captures, or a Ptr to a RefCell for captured+assigned
// variables).
type ClosureData struct {
	FuncIndex uint32
	Captures  []value.Value
}

// RefCellData backs a single mutable slot, used to reify captured-by-
// reference variables.
type RefCellData struct {
	Slot value.Value
}

// SyncHandleData backs a Mutex/Channel/Semaphore heap value: the heap object
// itself carries only the registry id; the live synchronization state lives
// in internal/vmsync's registry.
type SyncHandleData struct {
	RegistryID uint64
}

// JSONKind discriminates the JsonValue tree.
type JSONKind uint8

const (
	JSONNull JSONKind = iota
	JSONBool
	JSONNumber
	JSONString
	JSONArray
	JSONObject
)

// JSONData backs a duck-typed JSON tree node.
type JSONData struct {
	Kind   JSONKind
	Bool   bool
	Number float64
	Str    string
	Array  []value.Value // each a Ptr to another JSONData object
	Keys   []string
	Object map[string]value.Value
}

type object struct {
	kind   Kind
	marked bool
	live   bool
	data   interface{}
}

// Config tunes the collector's allocation threshold.
type Config struct {
	// CollectThreshold is the number of allocations since the previous
	// cycle that triggers the next one.
	CollectThreshold int
}

// DefaultConfig triggers a cycle every few thousand allocations; small
// enough to keep test heaps bounded, large enough to stay off the hot
// path.
var DefaultConfig = Config{CollectThreshold: 4096}

// RootProvider is implemented by whatever owns live roots at collection
// time (the scheduler's task registry plus the shared global table).
// EnumerateRoots must call visit once for every Value that could be a Ptr;
// non-pointer values are skipped cheaply by the collector.
type RootProvider interface {
	EnumerateRoots(visit func(value.Value))
}

// Heap is the collector's typed object table plus its mark-sweep cycle
// logic. All public methods are safe for concurrent use by multiple
// workers; allocation takes a short-lived mutex per the shared-state
// design ("gc — under a mutex; held only for the duration of allocate").
type Heap struct {
	cfg Config

	mu        sync.Mutex
	objects   []object
	free      []uint64
	allocated int

	vtableCache *lru.Cache // auxiliary cache, see classes package

	sp *safepoint.Coordinator

	Collections uint64
	Freed       uint64
}

// New creates an empty heap coordinating stop-the-world pauses through sp.
func New(cfg Config, sp *safepoint.Coordinator) *Heap {
	cache, _ := lru.New(1024)
	return &Heap{cfg: cfg, sp: sp, vtableCache: cache}
}

func (h *Heap) alloc(kind Kind, data interface{}) value.Value {
	h.mu.Lock()
	var idx uint64
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[idx] = object{kind: kind, data: data, live: true}
	} else {
		idx = uint64(len(h.objects))
		h.objects = append(h.objects, object{kind: kind, data: data, live: true})
	}
	h.allocated++
	h.mu.Unlock()
	return value.Ptr(idx)
}

// ShouldCollect reports whether the allocation count since the last cycle
// has crossed the configured threshold. The interpreter polls the safepoint
// before every allocating opcode and then calls its environment's
// MaybeCollect, which checks this and runs Collect if true.
func (h *Heap) ShouldCollect() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocated >= h.cfg.CollectThreshold
}

// AllocObject allocates a class instance with fieldCount fresh null slots.
func (h *Heap) AllocObject(classID uint32, fieldCount int) value.Value {
	fields := make([]value.Value, fieldCount)
	for i := range fields {
		fields[i] = value.Null
	}
	return h.alloc(KindObject, &ObjectData{ClassID: classID, Fields: fields})
}

// AllocArray allocates an array with the given initial elements.
func (h *Heap) AllocArray(elemType uint32, elems []value.Value) value.Value {
	return h.alloc(KindArray, &ArrayData{ElemType: elemType, Elems: elems})
}

// AllocString allocates an immutable string.
func (h *Heap) AllocString(s string) value.Value {
	return h.alloc(KindString, &StringData{Bytes: []byte(s)})
}

// AllocClosure allocates a closure over funcIndex with the given captures.
func (h *Heap) AllocClosure(funcIndex uint32, captures []value.Value) value.Value {
	return h.alloc(KindClosure, &ClosureData{FuncIndex: funcIndex, Captures: captures})
}

// AllocRefCell allocates a single mutable slot seeded with initial.
func (h *Heap) AllocRefCell(initial value.Value) value.Value {
	return h.alloc(KindRefCell, &RefCellData{Slot: initial})
}

// AllocSyncHandle allocates a heap-visible handle for a registry-backed
// Mutex/Channel/Semaphore.
func (h *Heap) AllocSyncHandle(kind Kind, registryID uint64) value.Value {
	return h.alloc(kind, &SyncHandleData{RegistryID: registryID})
}

// AllocJSON allocates a JsonValue tree node.
func (h *Heap) AllocJSON(d *JSONData) value.Value {
	return h.alloc(KindJSON, d)
}

func (h *Heap) get(v value.Value) (*object, bool) {
	idx, ok := v.AsPtr()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if idx >= uint64(len(h.objects)) || !h.objects[idx].live {
		return nil, false
	}
	return &h.objects[idx], true
}

// Kind returns the heap kind of a Ptr value.
func (h *Heap) Kind(v value.Value) (Kind, bool) {
	o, ok := h.get(v)
	if !ok {
		return 0, false
	}
	return o.kind, true
}

// Object, Array, String, Closure, RefCell, SyncHandle, and JSON fetch the
// typed payload behind a Ptr value, or ok=false if it is not a Ptr of that
// kind or has already been collected.
func (h *Heap) Object(v value.Value) (*ObjectData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindObject {
		return nil, false
	}
	return o.data.(*ObjectData), true
}

func (h *Heap) Array(v value.Value) (*ArrayData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindArray {
		return nil, false
	}
	return o.data.(*ArrayData), true
}

func (h *Heap) String(v value.Value) (*StringData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindString {
		return nil, false
	}
	return o.data.(*StringData), true
}

func (h *Heap) Closure(v value.Value) (*ClosureData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindClosure {
		return nil, false
	}
	return o.data.(*ClosureData), true
}

func (h *Heap) RefCell(v value.Value) (*RefCellData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindRefCell {
		return nil, false
	}
	return o.data.(*RefCellData), true
}

func (h *Heap) SyncHandle(v value.Value) (Kind, *SyncHandleData, bool) {
	o, ok := h.get(v)
	if !ok {
		return 0, nil, false
	}
	switch o.kind {
	case KindMutex, KindChannel, KindSemaphore:
		return o.kind, o.data.(*SyncHandleData), true
	default:
		return 0, nil, false
	}
}

func (h *Heap) JSON(v value.Value) (*JSONData, bool) {
	o, ok := h.get(v)
	if !ok || o.kind != KindJSON {
		return nil, false
	}
	return o.data.(*JSONData), true
}

// VTableCache exposes the shared LRU so internal/classes can memoize method
// slot resolution without importing internal/gc's allocation machinery.
func (h *Heap) VTableCache() *lru.Cache { return h.vtableCache }

// Collect runs one synchronous mark-sweep cycle: it requests a stop-the-
// world pause, enumerates roots, traces reachability, sweeps unmarked
// objects, then releases the pause.
func (h *Heap) Collect(roots RootProvider) {
	h.sp.WithStopTheWorld(func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		for i := range h.objects {
			h.objects[i].marked = false
		}

		var stack []uint64
		mark := func(v value.Value) {
			idx, ok := v.AsPtr()
			if !ok || idx >= uint64(len(h.objects)) || !h.objects[idx].live {
				return
			}
			if h.objects[idx].marked {
				return
			}
			h.objects[idx].marked = true
			stack = append(stack, idx)
		}

		roots.EnumerateRoots(mark)

		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			h.trace(idx, mark)
		}

		var freed uint64
		for i := range h.objects {
			if !h.objects[i].live {
				continue
			}
			if !h.objects[i].marked {
				h.objects[i].live = false
				h.objects[i].data = nil
				h.free = append(h.free, uint64(i))
				freed++
			}
		}

		h.allocated = 0
		h.Collections++
		h.Freed += freed
		log.Debug("gc cycle complete", "freed", freed, "live", len(h.objects)-len(h.free))
	})
}

// trace follows outgoing references from the object at idx, invoking mark
// for each. Caller holds h.mu.
func (h *Heap) trace(idx uint64, mark func(value.Value)) {
	o := &h.objects[idx]
	switch o.kind {
	case KindObject:
		for _, f := range o.data.(*ObjectData).Fields {
			mark(f)
		}
	case KindArray:
		for _, e := range o.data.(*ArrayData).Elems {
			mark(e)
		}
	case KindClosure:
		for _, c := range o.data.(*ClosureData).Captures {
			mark(c)
		}
	case KindRefCell:
		mark(o.data.(*RefCellData).Slot)
	case KindJSON:
		j := o.data.(*JSONData)
		for _, e := range j.Array {
			mark(e)
		}
		for _, v := range j.Object {
			mark(v)
		}
	case KindString, KindMutex, KindChannel, KindSemaphore:
		// leaf kinds: no outgoing heap references
	}
}

// Live reports the number of currently live (unswept) objects, for tests
// and diagnostics.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects) - len(h.free)
}
