// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package gc

import (
	"testing"

	"raya/internal/safepoint"
	"raya/internal/value"
)

type fixedRoots []value.Value

func (r fixedRoots) EnumerateRoots(visit func(value.Value)) {
	for _, v := range r {
		visit(v)
	}
}

func newTestHeap(t *testing.T) (*Heap, *safepoint.Coordinator) {
	t.Helper()
	// no worker goroutines poll in these tests, so the coordinator must
	// not wait for any before Collect's stop-the-world section runs
	sp := safepoint.New(0)
	return New(Config{CollectThreshold: 1 << 20}, sp), sp
}

func TestAllocAndFetch(t *testing.T) {
	h, _ := newTestHeap(t)

	s := h.AllocString("boom")
	sd, ok := h.String(s)
	if !ok {
		t.Fatal("expected string object")
	}
	if string(sd.Bytes) != "boom" {
		t.Errorf("expected 'boom', got %q", sd.Bytes)
	}

	obj := h.AllocObject(3, 2)
	od, ok := h.Object(obj)
	if !ok {
		t.Fatal("expected object")
	}
	if od.ClassID != 3 || len(od.Fields) != 2 {
		t.Errorf("unexpected object shape: %+v", od)
	}
}

func TestCollectFreesUnreachable(t *testing.T) {
	h, _ := newTestHeap(t)

	reachable := h.AllocString("kept")
	_ = h.AllocString("garbage")

	if h.Live() != 2 {
		t.Fatalf("expected 2 live objects, got %d", h.Live())
	}

	h.Collect(fixedRoots{reachable})

	if h.Live() != 1 {
		t.Fatalf("expected 1 live object after collection, got %d", h.Live())
	}
	if _, ok := h.String(reachable); !ok {
		t.Error("reachable string should have survived collection")
	}
}

func TestCollectTracesNestedReferences(t *testing.T) {
	h, _ := newTestHeap(t)

	inner := h.AllocString("inner")
	arr := h.AllocArray(0, []value.Value{inner})
	_ = h.AllocString("unreachable")

	h.Collect(fixedRoots{arr})

	if _, ok := h.Array(arr); !ok {
		t.Fatal("array root should survive")
	}
	if _, ok := h.String(inner); !ok {
		t.Error("string reachable only via array element should survive")
	}
	if h.Live() != 2 {
		t.Errorf("expected 2 live objects (array + inner string), got %d", h.Live())
	}
}

func TestAllocReusesFreedSlots(t *testing.T) {
	h, _ := newTestHeap(t)

	_ = h.AllocString("a")
	h.Collect(fixedRoots{}) // frees it

	before := h.Live()
	_ = h.AllocString("b")
	if h.Live() != before+1 {
		t.Errorf("expected live count to grow by 1, got %d -> %d", before, h.Live())
	}
}
