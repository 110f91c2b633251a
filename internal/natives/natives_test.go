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

package natives

import (
	"testing"

	"raya/internal/gc"
	"raya/internal/safepoint"
	"raya/internal/value"
)

func testCtx() (*Context, *gc.Heap) {
	heap := gc.New(gc.DefaultConfig, safepoint.New(0))
	return &Context{Heap: heap, TaskID: 1, Cancelled: func() bool { return false }}, heap
}

func TestSHA3KnownVector(t *testing.T) {
	r := Default()
	ctx, heap := testCtx()
	fn, _ := r.Lookup("crypto.sha3")
	res, err := fn(ctx, []value.Value{heap.AllocString("abc")})
	if err != nil {
		t.Fatal(err)
	}
	sd, ok := heap.String(res)
	if !ok {
		t.Fatal("digest must be a string")
	}
	// SHA3-256("abc"), rendered as a 256-bit hex word
	want := "0x3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532"
	if string(sd.Bytes) != want {
		t.Fatalf("got %s", sd.Bytes)
	}
}

func TestStringLength(t *testing.T) {
	r := Default()
	ctx, heap := testCtx()
	fn, _ := r.Lookup("string.length")
	res, err := fn(ctx, []value.Value{heap.AllocString("raya")})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := res.AsI32(); got != 4 {
		t.Fatalf("got %d", got)
	}
}

func TestResolveMissingNative(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve([]string{"no.such"}); err == nil {
		t.Fatal("unresolved native must error at load, not at call")
	}
}

func TestSecpRecoverRejectsBadInput(t *testing.T) {
	r := Default()
	ctx, heap := testCtx()
	fn, _ := r.Lookup("crypto.secp256k1Recover")
	_, err := fn(ctx, []value.Value{
		heap.AllocString("0xdeadbeef"), // not a valid compact signature
		heap.AllocString("0x" + "00" + "11223344556677889900112233445566778899001122334455667788990011"),
	})
	if err == nil {
		t.Fatal("malformed signature must be rejected")
	}
}

func TestMLDSARejectsWrongKeySize(t *testing.T) {
	r := Default()
	ctx, heap := testCtx()
	fn, _ := r.Lookup("crypto.mldsaVerify")
	_, err := fn(ctx, []value.Value{
		heap.AllocString("0x0102"),
		heap.AllocString("msg"),
		heap.AllocString("0x00"),
	})
	if err == nil {
		t.Fatal("short public key must be rejected")
	}
}

func TestArgumentTypeErrors(t *testing.T) {
	r := Default()
	ctx, _ := testCtx()
	fn, _ := r.Lookup("crypto.sha3")
	if _, err := fn(ctx, []value.Value{value.I32(1)}); err == nil {
		t.Fatal("non-string argument must be rejected")
	}
	if _, err := fn(ctx, nil); err == nil {
		t.Fatal("missing argument must be rejected")
	}
}
