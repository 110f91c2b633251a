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

package codegen

import (
	"strings"
	"testing"

	"raya/internal/bytecode"
	"raya/internal/ir"
)

// addProgram builds `fn add() { return 2 + 3 }` directly against the IR
// builder, the same way the lowering stage would.
func addProgram() *ir.Program {
	b := ir.NewBuilder()
	c2 := b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(2)})
	c3 := b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(3)})

	b.StartFunction("add", nil, ir.TypeI32)
	entry := b.NewBlock("entry")
	b.SetBlock(entry)
	va := b.NewValue(ir.TypeI32, "a")
	vb := b.NewValue(ir.TypeI32, "b")
	sum := b.NewValue(ir.TypeI32, "sum")
	b.EmitConst(va, c2)
	b.EmitConst(vb, c3)
	b.Emit(ir.OpIadd, sum, va, vb)
	b.EmitReturn(&sum)
	return b.Program()
}

func TestGenerateStraightLine(t *testing.T) {
	mod, err := Generate(addProgram())
	if err != nil {
		t.Fatal(err)
	}
	if len(mod.Functions) != 1 {
		t.Fatalf("function count %d", len(mod.Functions))
	}
	fn := mod.Functions[0]
	dis := bytecode.Disassemble(fn.StackCode)
	for _, want := range []string{"ConstI32", "Iadd", "Return"} {
		if !strings.Contains(dis, want) {
			t.Fatalf("disassembly missing %s:\n%s", want, dis)
		}
	}
	if errs := bytecode.Verify(mod); len(errs) > 0 {
		t.Fatalf("generated module fails verification: %v", errs)
	}
}

func TestRegisterFormProduced(t *testing.T) {
	mod, err := Generate(addProgram())
	if err != nil {
		t.Fatal(err)
	}
	fn := mod.Functions[0]
	if len(fn.RegCode) == 0 {
		t.Fatal("straight-line arithmetic must get a register encoding")
	}
	op0, _, bc := bytecode.DecodeWord(fn.RegCode[0])
	if op0 != bytecode.RLoadInt {
		t.Fatalf("first word is %s", op0)
	}
	if bytecode.DecodeAsBx(bc) != 2 {
		t.Fatalf("sBx immediate = %d", bytecode.DecodeAsBx(bc))
	}
	var sawAdd, sawRet bool
	for _, w := range fn.RegCode {
		op, _, _ := bytecode.DecodeWord(w)
		switch op {
		case bytecode.RIadd:
			sawAdd = true
		case bytecode.RReturn:
			sawRet = true
		}
	}
	if !sawAdd || !sawRet {
		t.Fatalf("register stream incomplete: add=%v ret=%v", sawAdd, sawRet)
	}
	if fn.RegisterCount == 0 {
		t.Fatal("register count must be recorded")
	}
}

// loopProgram builds a conditional backward branch to exercise jump
// patching in both encodings.
func loopProgram() *ir.Program {
	b := ir.NewBuilder()
	c0 := b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(0)})
	c1 := b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(1)})
	c10 := b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(10)})

	b.StartFunction("spin", nil, ir.TypeI32)
	entry := b.NewBlock("entry")
	cond := b.NewBlock("cond")
	body := b.NewBlock("body")
	exit := b.NewBlock("exit")

	b.SetBlock(entry)
	i0 := b.NewValue(ir.TypeI32, "")
	b.EmitConst(i0, c0)
	b.EmitSlotOp(ir.OpStoreLocal, nil, 0, i0)
	b.EmitBranch(cond)

	b.SetBlock(cond)
	cur := b.NewValue(ir.TypeI32, "")
	b.EmitSlotOp(ir.OpLoadLocal, &cur, 0)
	lim := b.NewValue(ir.TypeI32, "")
	b.EmitConst(lim, c10)
	lt := b.NewValue(ir.TypeBool, "")
	b.Emit(ir.OpIlt, lt, cur, lim)
	b.EmitCondBranch(lt, body, exit)

	b.SetBlock(body)
	cur2 := b.NewValue(ir.TypeI32, "")
	b.EmitSlotOp(ir.OpLoadLocal, &cur2, 0)
	one := b.NewValue(ir.TypeI32, "")
	b.EmitConst(one, c1)
	next := b.NewValue(ir.TypeI32, "")
	b.Emit(ir.OpIadd, next, cur2, one)
	b.EmitSlotOp(ir.OpStoreLocal, nil, 0, next)
	b.EmitBranch(cond)

	b.SetBlock(exit)
	fin := b.NewValue(ir.TypeI32, "")
	b.EmitSlotOp(ir.OpLoadLocal, &fin, 0)
	b.EmitReturn(&fin)

	prog := b.Program()
	prog.Functions[0].LocalCount = 1
	return prog
}

func TestJumpPatchingVerifies(t *testing.T) {
	mod, err := Generate(loopProgram())
	if err != nil {
		t.Fatal(err)
	}
	if errs := bytecode.Verify(mod); len(errs) > 0 {
		t.Fatalf("patched jumps out of bounds: %v", errs)
	}
	dis := bytecode.Disassemble(mod.Functions[0].StackCode)
	if !strings.Contains(dis, "JmpIfFalse") || !strings.Contains(dis, "Jmp") {
		t.Fatalf("conditional branch lowering missing:\n%s", dis)
	}
}

func TestClosureCallUsesSentinel(t *testing.T) {
	b := ir.NewBuilder()
	b.StartFunction("target", nil, ir.TypeI32)
	entry := b.NewBlock("entry")
	b.SetBlock(entry)
	z := b.NewValue(ir.TypeI32, "")
	b.EmitConst(z, b.AddConstant(ir.Constant{Type: ir.TypeI32, Value: int32(1)}))
	b.EmitReturn(&z)

	b.StartFunction("main", nil, ir.TypeI32)
	e2 := b.NewBlock("entry")
	b.SetBlock(e2)
	clos := b.NewValue(ir.TypeClosure, "")
	b.Program().Functions[1].Blocks[0].Instructions = append(
		b.Program().Functions[1].Blocks[0].Instructions,
		ir.Instruction{Op: ir.OpMakeClosure, Result: &clos, FuncName: "target"},
	)
	res := b.NewValue(ir.TypeI32, "")
	b.EmitCall(&res, "", clos)
	b.EmitReturn(&res)

	mod, err := Generate(b.Program())
	if err != nil {
		t.Fatal(err)
	}
	code := mod.Functions[1].StackCode
	// find the Call opcode and check its function-index operand
	for ip := 0; ip < len(code); {
		n, err := bytecode.InstrLen(code, ip)
		if err != nil {
			t.Fatal(err)
		}
		if bytecode.Op(code[ip]) == bytecode.OpCall {
			if got := bytecode.U32(code[ip+1 : ip+5]); got != 0xFFFFFFFF {
				t.Fatalf("indirect call must use the sentinel, got %#x", got)
			}
			return
		}
		ip += n
	}
	t.Fatal("no Call instruction emitted")
}

func TestConstantPoolInterning(t *testing.T) {
	b := ir.NewBuilder()
	cs1 := b.AddConstant(ir.Constant{Type: ir.TypeString, Value: "hello"})
	cs2 := b.AddConstant(ir.Constant{Type: ir.TypeString, Value: "hello"})
	b.StartFunction("f", nil, ir.TypeString)
	entry := b.NewBlock("entry")
	b.SetBlock(entry)
	a := b.NewValue(ir.TypeString, "")
	c := b.NewValue(ir.TypeString, "")
	b.EmitConst(a, cs1)
	b.EmitConst(c, cs2)
	b.EmitReturn(&c)

	mod, err := Generate(b.Program())
	if err != nil {
		t.Fatal(err)
	}
	if len(mod.Constants) != 1 {
		t.Fatalf("duplicate string constants must intern to one pool entry, got %d", len(mod.Constants))
	}
}
