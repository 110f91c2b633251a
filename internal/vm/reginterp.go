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

package vm

import (
	"raya/internal/bytecode"
	"raya/internal/exception"
	"raya/internal/value"
)

// stepReg executes one fixed-width instruction of a register-form frame.
// The register set covers the core a stack-form frame would run through
// the same handlers, so results are identical either way; mixed stacks
// (register caller, stack callee and vice versa) are handled by the
// shared frame entry/exit paths.
func (v *VM) stepReg(t *Task) (Outcome, *Suspension, error) {
	f := &t.Frames[len(t.Frames)-1]
	code := v.Module.Functions[f.FuncIndex].RegCode
	if f.IP >= len(code) {
		return 0, nil, errEndOfBytecode
	}
	op, a, bc := bytecode.DecodeWord(code[f.IP])
	f.IP++

	switch op {
	case bytecode.RNop:

	case bytecode.RLoadInt:
		return v.regSet(t, a, value.I32(int32(bytecode.DecodeAsBx(bc))))
	case bytecode.RLoadNull:
		return v.regSet(t, a, value.Null)
	case bytecode.RLoadTrue:
		return v.regSet(t, a, value.True)
	case bytecode.RLoadFalse:
		return v.regSet(t, a, value.False)
	case bytecode.RLoadConst:
		tag, idx := bytecode.DecodeConstRef(bc)
		if int(idx) >= len(v.Module.Constants) {
			return 0, nil, runtimeErrorf("constant index out of range")
		}
		switch tag {
		case bytecode.ConstTagInt:
			return v.regSet(t, a, value.I32(v.Module.Constants[idx].Int))
		case bytecode.ConstTagFloat:
			return v.regSet(t, a, value.F64(v.Module.Constants[idx].Float))
		default:
			return v.regSet(t, a, v.constStrings[idx])
		}

	case bytecode.RMove:
		b, _ := bytecode.DecodeABC(bc)
		x, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		return v.regSet(t, a, x)

	case bytecode.RIadd, bytecode.RIsub, bytecode.RImul, bytecode.RIdiv, bytecode.RImod:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regI32(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regI32(f, c)
		if err != nil {
			return 0, nil, err
		}
		var r int32
		switch op {
		case bytecode.RIadd:
			r = x + y
		case bytecode.RIsub:
			r = x - y
		case bytecode.RImul:
			r = x * y
		case bytecode.RIdiv:
			if y == 0 {
				return 0, nil, errDivisionByZero
			}
			r = x / y
		case bytecode.RImod:
			if y == 0 {
				return 0, nil, errDivisionByZero
			}
			r = x % y
		}
		return v.regSet(t, a, value.I32(r))

	case bytecode.RIneg:
		b, _ := bytecode.DecodeABC(bc)
		x, err := v.regI32(f, b)
		if err != nil {
			return 0, nil, err
		}
		return v.regSet(t, a, value.I32(-x))

	case bytecode.RFadd, bytecode.RFsub, bytecode.RFmul, bytecode.RFdiv:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regF64(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regF64(f, c)
		if err != nil {
			return 0, nil, err
		}
		var r float64
		switch op {
		case bytecode.RFadd:
			r = x + y
		case bytecode.RFsub:
			r = x - y
		case bytecode.RFmul:
			r = x * y
		case bytecode.RFdiv:
			r = x / y
		}
		return v.regSet(t, a, value.F64(r))

	case bytecode.RFneg:
		b, _ := bytecode.DecodeABC(bc)
		x, err := v.regF64(f, b)
		if err != nil {
			return 0, nil, err
		}
		return v.regSet(t, a, value.F64(-x))

	case bytecode.RSconcat:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regGet(f, c)
		if err != nil {
			return 0, nil, err
		}
		return v.regAlloc(t, a, func() value.Value {
			return v.Heap.AllocString(v.display(x) + v.display(y))
		})

	case bytecode.RIeq, bytecode.RIlt, bytecode.RIle:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regI32(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regI32(f, c)
		if err != nil {
			return 0, nil, err
		}
		var r bool
		switch op {
		case bytecode.RIeq:
			r = x == y
		case bytecode.RIlt:
			r = x < y
		default:
			r = x <= y
		}
		return v.regSet(t, a, value.Bool(r))

	case bytecode.RFeq, bytecode.RFlt, bytecode.RFle:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regF64(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regF64(f, c)
		if err != nil {
			return 0, nil, err
		}
		var r bool
		switch op {
		case bytecode.RFeq:
			r = x == y // NaN compares false per IEEE-754
		case bytecode.RFlt:
			r = x < y
		default:
			r = x <= y
		}
		return v.regSet(t, a, value.Bool(r))

	case bytecode.REq, bytecode.RNe:
		b, c := bytecode.DecodeABC(bc)
		x, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		y, err := v.regGet(f, c)
		if err != nil {
			return 0, nil, err
		}
		eq := x.IdentityEqual(y)
		if op == bytecode.RNe {
			eq = !eq
		}
		return v.regSet(t, a, value.Bool(eq))

	case bytecode.RNot:
		b, _ := bytecode.DecodeABC(bc)
		x, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		return v.regSet(t, a, value.Bool(!x.Truthy()))

	case bytecode.RJmp, bytecode.RJmpIfTrue, bytecode.RJmpIfFalse:
		rel := int(bytecode.DecodeAsBx(bc))
		take := true
		if op != bytecode.RJmp {
			x, err := v.regGet(f, a)
			if err != nil {
				return 0, nil, err
			}
			if op == bytecode.RJmpIfTrue {
				take = x.Truthy()
			} else {
				take = !x.Truthy()
			}
		}
		if !take {
			return OutcomeSuspended, nil, nil
		}
		if rel < 0 {
			susp, err := v.pollSafepoint(t)
			if err != nil {
				return 0, nil, err
			}
			if susp {
				f.IP += rel
				return OutcomeSuspended, &Suspension{Reason: SuspendPreempted}, nil
			}
		}
		f.IP += rel
		if f.IP < 0 || f.IP > len(code) {
			return 0, nil, errEndOfBytecode
		}
		return OutcomeSuspended, nil, nil

	case bytecode.RCall:
		if f.IP >= len(code) {
			return 0, nil, errEndOfBytecode
		}
		fid := code[f.IP]
		f.IP++
		if susp, err := v.pollSafepoint(t); susp || err != nil {
			if err != nil {
				return 0, nil, err
			}
			f.IP -= 2 // re-execute the two-word call after resuming
			return OutcomeSuspended, &Suspension{Reason: SuspendPreempted}, nil
		}
		argc, dst := bytecode.DecodeABC(bc)
		if int(a)+int(argc) > len(f.Regs) {
			return 0, nil, runtimeErrorf("call argument registers out of range")
		}
		args := make([]value.Value, argc)
		copy(args, f.Regs[a:int(a)+int(argc)])
		return OutcomeSuspended, nil, v.newFrame(t, fid, args, value.Null, dst)

	case bytecode.RReturn:
		b, _ := bytecode.DecodeABC(bc)
		ret := value.Null
		if b == 1 {
			x, err := v.regGet(f, a)
			if err != nil {
				return 0, nil, err
			}
			ret = x
		}
		return v.returnFromFrame(t, ret)

	case bytecode.RNew:
		c := v.Classes.Class(uint32(bc))
		if c == nil {
			return 0, nil, runtimeErrorf("class index %d out of range", bc)
		}
		return v.regAlloc(t, a, func() value.Value {
			return v.Heap.AllocObject(uint32(bc), c.FieldCount)
		})

	case bytecode.RLoadField:
		b, c := bytecode.DecodeABC(bc)
		obj, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		fields, err := v.objectFields(obj, int(c))
		if err != nil {
			return 0, nil, err
		}
		return v.regSet(t, a, fields[c])

	case bytecode.RStoreField:
		b, c := bytecode.DecodeABC(bc)
		obj, err := v.regGet(f, a)
		if err != nil {
			return 0, nil, err
		}
		x, err := v.regGet(f, c)
		if err != nil {
			return 0, nil, err
		}
		fields, err := v.objectFields(obj, int(b))
		if err != nil {
			return 0, nil, err
		}
		fields[b] = x
		return OutcomeSuspended, nil, nil

	case bytecode.RNewArray:
		return v.regAlloc(t, a, func() value.Value {
			return v.Heap.AllocArray(uint32(bc), nil)
		})

	case bytecode.RLoadElem:
		b, c := bytecode.DecodeABC(bc)
		arr, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		idx, err := v.regI32(f, c)
		if err != nil {
			return 0, nil, err
		}
		ad, ok := v.Heap.Array(arr)
		if !ok {
			return 0, nil, typeErrorf("indexing non-array %s", v.typeNameOf(arr))
		}
		if idx < 0 || int(idx) >= len(ad.Elems) {
			return 0, nil, errArrayOutOfBounds
		}
		return v.regSet(t, a, ad.Elems[idx])

	case bytecode.RStoreElem:
		b, c := bytecode.DecodeABC(bc)
		arr, err := v.regGet(f, a)
		if err != nil {
			return 0, nil, err
		}
		idx, err := v.regI32(f, b)
		if err != nil {
			return 0, nil, err
		}
		x, err := v.regGet(f, c)
		if err != nil {
			return 0, nil, err
		}
		ad, ok := v.Heap.Array(arr)
		if !ok {
			return 0, nil, typeErrorf("element store on non-array")
		}
		if idx < 0 || int(idx) >= len(ad.Elems) {
			return 0, nil, errArrayOutOfBounds
		}
		ad.Elems[idx] = x
		return OutcomeSuspended, nil, nil

	case bytecode.RMakeClosure:
		if f.IP >= len(code) {
			return 0, nil, errEndOfBytecode
		}
		fid := code[f.IP]
		f.IP++
		count, base := bytecode.DecodeABC(bc)
		if int(base)+int(count) > len(f.Regs) {
			return 0, nil, runtimeErrorf("capture registers out of range")
		}
		if int(fid) >= len(v.Module.Functions) {
			return 0, nil, runtimeErrorf("function index %d out of range", fid)
		}
		caps := make([]value.Value, count)
		copy(caps, f.Regs[base:int(base)+int(count)])
		return v.regAlloc(t, a, func() value.Value {
			return v.Heap.AllocClosure(fid, caps)
		})

	case bytecode.RLoadCaptured:
		b, _ := bytecode.DecodeABC(bc)
		cd, err := v.currentClosure(t)
		if err != nil {
			return 0, nil, err
		}
		if int(b) >= len(cd.Captures) {
			return 0, nil, runtimeErrorf("capture index %d out of range", b)
		}
		return v.regSet(t, a, cd.Captures[b])

	case bytecode.RStoreCaptured:
		b, _ := bytecode.DecodeABC(bc)
		x, err := v.regGet(f, b)
		if err != nil {
			return 0, nil, err
		}
		cd, err := v.currentClosure(t)
		if err != nil {
			return 0, nil, err
		}
		if int(a) >= len(cd.Captures) {
			return 0, nil, runtimeErrorf("capture index %d out of range", a)
		}
		cd.Captures[a] = x
		return OutcomeSuspended, nil, nil

	case bytecode.RTry:
		if f.IP >= len(code) {
			return 0, nil, errEndOfBytecode
		}
		extra := code[f.IP]
		f.IP++
		catchIP, finallyIP := exception.NoHandler, exception.NoHandler
		if c := int(extra >> 16); c != 0xFFFF {
			catchIP = c
		}
		if fi := int(extra & 0xFFFF); fi != 0xFFFF {
			finallyIP = fi
		}
		t.Handlers.Push(exception.Record{
			CatchOffset:   catchIP,
			FinallyOffset: finallyIP,
			StackDepth:    len(t.Stack),
			FrameDepth:    len(t.Frames),
			MutexCount:    len(t.OwnedMutexes),
			CatchReg:      int(a),
		})
		return OutcomeSuspended, nil, nil

	case bytecode.REndTry:
		if _, ok := t.Handlers.Pop(); !ok {
			return 0, nil, runtimeErrorf("EndTry with no open handler")
		}
		return OutcomeSuspended, nil, nil

	case bytecode.RThrow:
		x, err := v.regGet(f, a)
		if err != nil {
			return 0, nil, err
		}
		return v.throwValue(t, x)

	default:
		return 0, nil, runtimeErrorf("invalid register opcode %d", op)
	}
	return OutcomeSuspended, nil, nil
}

// ---- register-file access ----

func (v *VM) regGet(f *Frame, i uint8) (value.Value, error) {
	if int(i) >= len(f.Regs) {
		return value.Null, runtimeErrorf("register %d out of range", i)
	}
	return f.Regs[i], nil
}

// regSet writes dst, silently discarding writes to the reserved discard
// register, and re-reads the frame pointer since the caller's may be
// stale after a frame push.
func (v *VM) regSet(t *Task, dst uint8, x value.Value) (Outcome, *Suspension, error) {
	if dst == bytecode.DiscardReg {
		return OutcomeSuspended, nil, nil
	}
	f := &t.Frames[len(t.Frames)-1]
	if int(dst) >= len(f.Regs) {
		return 0, nil, runtimeErrorf("register %d out of range", dst)
	}
	f.Regs[dst] = x
	return OutcomeSuspended, nil, nil
}

func (v *VM) regI32(f *Frame, i uint8) (int32, error) {
	x, err := v.regGet(f, i)
	if err != nil {
		return 0, err
	}
	n, ok := x.AsI32()
	if !ok {
		return 0, typeErrorf("expected i32, got %s", x.TypeName())
	}
	return n, nil
}

func (v *VM) regF64(f *Frame, i uint8) (float64, error) {
	x, err := v.regGet(f, i)
	if err != nil {
		return 0, err
	}
	if n, ok := x.AsF64(); ok {
		return n, nil
	}
	if n, ok := x.AsI32(); ok {
		return float64(n), nil
	}
	return 0, typeErrorf("expected number, got %s", x.TypeName())
}

// regAlloc polls the safepoint, collects if due, then writes the fresh
// allocation into dst — the register-form twin of allocChecked.
func (v *VM) regAlloc(t *Task, dst uint8, alloc func() value.Value) (Outcome, *Suspension, error) {
	v.SP.Poll()
	if t.takeCancelled() {
		return 0, nil, errCancelled
	}
	v.Env.MaybeCollect()
	return v.regSet(t, dst, alloc())
}
