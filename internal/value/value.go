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

// Package value implements the NaN-boxed tagged word that flows through the
// interpreter's operand stack, locals, and globals. Every heap-resident
// value (object, array, string, closure, cell, sync handle, json tree) is
// represented here only as an opaque Ptr index into the collector's object
// table (internal/gc); value itself knows nothing about heap layout.
package value

import "math"

// Tag occupies bits 48-50 of a boxed word once the word's exponent bits mark
// it as a quiet NaN; an untagged word that is not a quiet NaN is read back
// directly as its IEEE-754 float64 bit pattern.
type Tag uint64

const (
	tagFloat Tag = iota // sentinel only: means "not boxed, read as float64"
	tagNull
	tagBool
	tagI32
	tagU64
	tagPtr
)

const (
	quietNaNMask uint64 = 0x7FF8_0000_0000_0000
	expoMask     uint64 = 0x7FF0_0000_0000_0000
	tagShift            = 48
	tagBits             = 0x0007_0000_0000_0000
	payloadMask  uint64 = 0x0000_FFFF_FFFF_FFFF
)

// canonNaN is the bit pattern used whenever a genuine float64 NaN must be
// stored, so it is never confused with a tagged word.
const canonNaN uint64 = quietNaNMask

// Value is the 64-bit boxed word described by the data model: null, bool,
// i32, f64, u64 (task handle), or ptr (opaque heap reference).
type Value uint64

func box(tag Tag, payload uint64) Value {
	return Value(quietNaNMask | (uint64(tag) << tagShift) | (payload & payloadMask))
}

func (v Value) raw() uint64 { return uint64(v) }

func (v Value) isBoxed() bool {
	return v.raw()&expoMask == expoMask && v.raw()&quietNaNMask == quietNaNMask && v.raw()&tagBits != 0
}

func (v Value) tag() Tag {
	if !v.isBoxed() {
		return tagFloat
	}
	return Tag((v.raw() & tagBits) >> tagShift)
}

// Null is the singleton null value.
var Null = box(tagNull, 0)

// True and False are the two boolean values.
var (
	True  = box(tagBool, 1)
	False = box(tagBool, 0)
)

// Bool boxes a Go bool.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// I32 boxes a signed 32-bit integer.
func I32(i int32) Value { return box(tagI32, uint64(uint32(i))) }

// U64 boxes a task handle or other unboxed 64-bit quantity. The payload is
// truncated to 48 bits: task handles are assigned sequentially by the
// scheduler's registry and never approach that range in one process
// lifetime.
func U64(u uint64) Value { return box(tagU64, u) }

// Ptr boxes a heap reference: an index into the collector's object table.
func Ptr(idx uint64) Value { return box(tagPtr, idx) }

// F64 boxes a float64. Genuine NaNs are canonicalized so they remain
// distinguishable from tagged words.
func F64(f float64) Value {
	if math.IsNaN(f) {
		return Value(canonNaN)
	}
	return Value(math.Float64bits(f))
}

func (v Value) IsNull() bool { return v == Null }
func (v Value) IsBool() bool { return v.tag() == tagBool }
func (v Value) IsI32() bool  { return v.tag() == tagI32 }
func (v Value) IsU64() bool  { return v.tag() == tagU64 }
func (v Value) IsPtr() bool  { return v.tag() == tagPtr }
func (v Value) IsF64() bool  { return v.tag() == tagFloat }

func (v Value) AsBool() (bool, bool) {
	if !v.IsBool() {
		return false, false
	}
	return v.raw()&payloadMask != 0, true
}

func (v Value) AsI32() (int32, bool) {
	if !v.IsI32() {
		return 0, false
	}
	return int32(uint32(v.raw() & payloadMask)), true
}

func (v Value) AsU64() (uint64, bool) {
	if !v.IsU64() {
		return 0, false
	}
	return v.raw() & payloadMask, true
}

func (v Value) AsPtr() (uint64, bool) {
	if !v.IsPtr() {
		return 0, false
	}
	return v.raw() & payloadMask, true
}

func (v Value) AsF64() (float64, bool) {
	if !v.IsF64() {
		return 0, false
	}
	return math.Float64frombits(v.raw()), true
}

// Truthy mirrors the interpreter's notion of truthiness for Not/And/Or: null
// and false are falsy, everything else (including 0 and "") is truthy.
func (v Value) Truthy() bool {
	switch v.tag() {
	case tagNull:
		return false
	case tagBool:
		b, _ := v.AsBool()
		return b
	default:
		return true
	}
}

// IdentityEqual implements Eq/Ne: f64 values compare as floats (so NaN != NaN
// per IEEE-754, and 0 == -0), other primitives by bit-equality, and heap
// references by pointer identity (index equality).
// String-value equality is intentionally not performed here: the compiler
// selects Seq/Sne when value equality on strings is meant, per the typed
// binary-operation selection rule.
func (v Value) IdentityEqual(o Value) bool {
	if v.IsF64() && o.IsF64() {
		a, _ := v.AsF64()
		b, _ := o.AsF64()
		return a == b // NaN == NaN is false by IEEE-754, as intended
	}
	return v == o
}

// TypeName returns the runtime type name used by Typeof/ToString error
// messages.
func (v Value) TypeName() string {
	switch v.tag() {
	case tagNull:
		return "null"
	case tagBool:
		return "bool"
	case tagI32:
		return "i32"
	case tagU64:
		return "u64"
	case tagPtr:
		return "ptr"
	default:
		return "f64"
	}
}
