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
	"fmt"

	"raya/internal/bytecode"
	"raya/internal/ir"
)

// generateFunction lowers one IR function to both encodings. The stack
// form is always produced; the register form is produced when every
// instruction in the function is expressible in the fixed-width set (see
// reggen.go), and left empty otherwise.
func (g *generator) generateFunction(fn *ir.Function) (*bytecode.Function, error) {
	g.code = nil
	g.labels = map[*ir.BasicBlock]int{}
	g.patches = nil
	g.tempSlot = map[int]int{}
	g.nextTemp = fn.LocalCount
	g.tryOfBody = map[*ir.BasicBlock]*ir.TryRegion{}
	for i := range fn.TryRegions {
		r := &fn.TryRegions[i]
		g.tryOfBody[r.Body] = r
	}

	// Arguments arrive in local slots 0..len(params)-1; the prologue moves
	// them into the params' SSA slots so entry-block stores (which read the
	// param SSA values) see them regardless of what later clobbers the low
	// slots (closure entry code reuses them for captures).
	for i, p := range fn.Params {
		g.emitLoadLocal(i)
		g.emitStoreLocal(g.slotOf(p))
	}

	for _, blk := range fn.Blocks {
		g.labels[blk] = len(g.code)
		if region, ok := g.tryOfBody[blk]; ok {
			g.emitTry(region)
		}
		for _, inst := range blk.Instructions {
			if err := g.generateInstruction(fn, inst); err != nil {
				return nil, err
			}
		}
		if err := g.generateTerminator(blk.Terminator); err != nil {
			return nil, err
		}
	}

	for _, p := range g.patches {
		target, ok := g.labels[p.target]
		if !ok {
			return nil, fmt.Errorf("unplaced jump target block %q", p.target.Label)
		}
		rel := target - p.base
		switch p.width {
		case 2:
			if rel < -32768 || rel > 32767 {
				return nil, fmt.Errorf("jump to %q exceeds 16-bit range", p.target.Label)
			}
			bytecode.PutI16(g.code[p.offset:], int16(rel))
		case 4:
			bytecode.PutI32(g.code[p.offset:], int32(rel))
		}
	}

	bf := &bytecode.Function{
		Name:       fn.Name,
		ParamCount: len(fn.Params),
		LocalCount: g.nextTemp,
		StackCode:  g.code,
	}
	g.generateRegisterForm(fn, bf)
	return bf, nil
}

// slotOf maps an SSA value to its local slot: parameters and temporaries
// alike are allocated above the fixed slot range lowering reserved, so an
// explicit StoreLocal from the lowering can never collide with a
// temporary.
func (g *generator) slotOf(v ir.Value) int {
	if s, ok := g.tempSlot[v.ID]; ok {
		return s
	}
	s := g.nextTemp
	g.nextTemp++
	g.tempSlot[v.ID] = s
	return s
}

// ---- byte emission ----

func (g *generator) emitOp(op bytecode.Op) { g.code = append(g.code, byte(op)) }

func (g *generator) emitU8(v uint8) { g.code = append(g.code, v) }

func (g *generator) emitU16(v uint16) {
	g.code = append(g.code, 0, 0)
	bytecode.PutU16(g.code[len(g.code)-2:], v)
}

func (g *generator) emitU32(v uint32) {
	g.code = append(g.code, 0, 0, 0, 0)
	bytecode.PutU32(g.code[len(g.code)-4:], v)
}

func (g *generator) emitI32(v int32) { g.emitU32(uint32(v)) }

func (g *generator) emitLoadLocal(slot int) {
	switch slot {
	case 0:
		g.emitOp(bytecode.OpLoadLocal0)
	case 1:
		g.emitOp(bytecode.OpLoadLocal1)
	default:
		g.emitOp(bytecode.OpLoadLocal)
		g.emitU16(uint16(slot))
	}
}

func (g *generator) emitStoreLocal(slot int) {
	switch slot {
	case 0:
		g.emitOp(bytecode.OpStoreLocal0)
	case 1:
		g.emitOp(bytecode.OpStoreLocal1)
	default:
		g.emitOp(bytecode.OpStoreLocal)
		g.emitU16(uint16(slot))
	}
}

// emitJump emits op followed by a 16-bit placeholder patched to target.
func (g *generator) emitJump(op bytecode.Op, target *ir.BasicBlock) {
	g.emitOp(op)
	off := len(g.code)
	g.patches = append(g.patches, patch{offset: off, width: 2, base: off + 2, target: target})
	g.emitU16(0)
}

// emitTry emits the Try instruction opening region's handler record. A
// missing catch or finally is encoded as the -1 sentinel the verifier and
// interpreter both understand. Both offsets are resolved relative to the
// end of the full operand block, so the catch patch cannot use its own
// field end as the base the way ordinary jumps do.
func (g *generator) emitTry(region *ir.TryRegion) {
	g.emitOp(bytecode.OpTry)
	first := len(g.patches)
	if region.CatchBlock != nil {
		g.patches = append(g.patches, patch{offset: len(g.code), width: 4, target: region.CatchBlock})
		g.emitI32(0)
	} else {
		g.emitI32(-1)
	}
	if region.FinallyBlock != nil {
		g.patches = append(g.patches, patch{offset: len(g.code), width: 4, target: region.FinallyBlock})
		g.emitI32(0)
	} else {
		g.emitI32(-1)
	}
	for i := first; i < len(g.patches); i++ {
		g.patches[i].base = len(g.code)
	}
}

// pushOperands loads every operand's slot onto the operand stack in order.
func (g *generator) pushOperands(ops []ir.Value) {
	for _, o := range ops {
		g.emitLoadLocal(g.slotOf(o))
	}
}

// storeResult stores the value just pushed by the preceding opcode into the
// result's slot, or pops it when the instruction's result is unused.
func (g *generator) storeResult(result *ir.Value) {
	if result == nil {
		g.emitOp(bytecode.OpPop)
		return
	}
	g.emitStoreLocal(g.slotOf(*result))
}

// simpleStackOp maps the IR ops whose stack encoding is a bare opcode with
// the operands pushed in order and one value produced.
var simpleStackOp = map[ir.Op]bytecode.Op{
	ir.OpIadd: bytecode.OpIadd, ir.OpIsub: bytecode.OpIsub, ir.OpImul: bytecode.OpImul,
	ir.OpIdiv: bytecode.OpIdiv, ir.OpImod: bytecode.OpImod, ir.OpIneg: bytecode.OpIneg,
	ir.OpFadd: bytecode.OpFadd, ir.OpFsub: bytecode.OpFsub, ir.OpFmul: bytecode.OpFmul,
	ir.OpFdiv: bytecode.OpFdiv, ir.OpFmod: bytecode.OpFmod, ir.OpFneg: bytecode.OpFneg,
	ir.OpSconcat: bytecode.OpSconcat,
	ir.OpIeq:     bytecode.OpIeq, ir.OpIne: bytecode.OpIne, ir.OpIlt: bytecode.OpIlt,
	ir.OpIle: bytecode.OpIle, ir.OpIgt: bytecode.OpIgt, ir.OpIge: bytecode.OpIge,
	ir.OpFeq: bytecode.OpFeq, ir.OpFne: bytecode.OpFne, ir.OpFlt: bytecode.OpFlt,
	ir.OpFle: bytecode.OpFle, ir.OpFgt: bytecode.OpFgt, ir.OpFge: bytecode.OpFge,
	ir.OpSeq: bytecode.OpSeq, ir.OpSne: bytecode.OpSne, ir.OpSlt: bytecode.OpSlt,
	ir.OpSle: bytecode.OpSle, ir.OpSgt: bytecode.OpSgt, ir.OpSge: bytecode.OpSge,
	ir.OpEq: bytecode.OpEq, ir.OpNe: bytecode.OpNe,
	ir.OpNot: bytecode.OpNot, ir.OpAnd: bytecode.OpAnd, ir.OpOr: bytecode.OpOr,
	ir.OpTypeof: bytecode.OpTypeof, ir.OpToString: bytecode.OpToString,
	ir.OpLoadElem: bytecode.OpLoadElem, ir.OpArrayLen: bytecode.OpArrayLen,
	ir.OpArrayPush: bytecode.OpArrayPush, ir.OpArrayPop: bytecode.OpArrayPop,
	ir.OpLoadRefCell: bytecode.OpLoadRefCell, ir.OpNewRefCell: bytecode.OpNewRefCell,
	ir.OpAwait: bytecode.OpAwait,
}

func (g *generator) generateInstruction(fn *ir.Function, inst ir.Instruction) error {
	if op, ok := simpleStackOp[inst.Op]; ok {
		g.pushOperands(inst.Operands)
		g.emitOp(op)
		g.storeResult(inst.Result)
		return nil
	}

	switch inst.Op {
	case ir.OpConst:
		return g.generateConst(inst)

	case ir.OpLoadLocal:
		g.emitLoadLocal(inst.Slot)
		g.storeResult(inst.Result)
	case ir.OpStoreLocal:
		g.pushOperands(inst.Operands)
		g.emitStoreLocal(inst.Slot)
	case ir.OpLoadGlobal:
		g.emitOp(bytecode.OpLoadGlobal)
		g.emitU16(uint16(inst.Slot))
		g.storeResult(inst.Result)
	case ir.OpStoreGlobal:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpStoreGlobal)
		g.emitU16(uint16(inst.Slot))
	case ir.OpLoadCaptured:
		g.emitOp(bytecode.OpLoadCaptured)
		g.emitU16(uint16(inst.Slot))
		g.storeResult(inst.Result)
	case ir.OpStoreCaptured:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpStoreCaptured)
		g.emitU16(uint16(inst.Slot))

	case ir.OpStoreRefCell:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpStoreRefCell)

	case ir.OpCall:
		if inst.FuncName == "" {
			// Indirect call: operands[0] is the closure, pushed beneath
			// the arguments; the sentinel function index tells the
			// interpreter to pop it and enter its captured function.
			g.pushOperands(inst.Operands)
			g.emitOp(bytecode.OpCall)
			g.emitU32(0xFFFFFFFF)
			g.emitU16(uint16(len(inst.Operands) - 1))
		} else {
			idx, ok := g.funcIndex[inst.FuncName]
			if !ok {
				return fmt.Errorf("call to unknown function %q", inst.FuncName)
			}
			g.pushOperands(inst.Operands)
			g.emitOp(bytecode.OpCall)
			g.emitU32(uint32(idx))
			g.emitU16(uint16(len(inst.Operands)))
		}
		g.storeResult(inst.Result)

	case ir.OpCallMethod:
		slot, ok := g.methodSlot[inst.MethodName]
		if !ok {
			return fmt.Errorf("call to unknown method %q", inst.MethodName)
		}
		g.pushOperands(inst.Operands) // receiver first, then arguments
		g.emitOp(bytecode.OpCallMethod)
		g.emitU32(uint32(slot))
		g.emitU16(uint16(len(inst.Operands) - 1))
		g.storeResult(inst.Result)

	case ir.OpNativeCall:
		nid, ok := g.nativeIndex[inst.FuncName]
		if !ok {
			nid = len(g.module.Natives)
			g.module.Natives = append(g.module.Natives, bytecode.NativeFuncEntry{Name: inst.FuncName})
			g.nativeIndex[inst.FuncName] = nid
			g.module.Features |= bytecode.FeatureNativeFunctions
		}
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpNativeCall)
		g.emitU16(uint16(nid))
		g.emitU8(uint8(len(inst.Operands)))
		g.storeResult(inst.Result)

	case ir.OpNew:
		idx, ok := g.classIndex[inst.ClassName]
		if !ok {
			return fmt.Errorf("new of unknown class %q", inst.ClassName)
		}
		g.emitOp(bytecode.OpNew)
		g.emitU16(uint16(idx))
		g.storeResult(inst.Result)

	case ir.OpInstanceOf, ir.OpCast:
		idx, ok := g.classIndex[inst.ClassName]
		if !ok {
			return fmt.Errorf("type test against unknown class %q", inst.ClassName)
		}
		g.pushOperands(inst.Operands)
		if inst.Op == ir.OpInstanceOf {
			g.emitOp(bytecode.OpInstanceOf)
		} else {
			g.emitOp(bytecode.OpCast)
		}
		g.emitU16(uint16(idx))
		g.storeResult(inst.Result)

	case ir.OpLoadField:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpLoadField)
		g.emitU16(fieldOffset16(inst.FieldIdx))
		g.storeResult(inst.Result)
	case ir.OpStoreField:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpStoreField)
		g.emitU16(fieldOffset16(inst.FieldIdx))

	case ir.OpNewArray:
		g.emitOp(bytecode.OpNewArray)
		g.emitU16(0) // element type index; the lowering's arrays are untyped at runtime
		g.storeResult(inst.Result)
	case ir.OpStoreElem:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpStoreElem)

	case ir.OpMakeClosure:
		idx, ok := g.funcIndex[inst.FuncName]
		if !ok {
			return fmt.Errorf("closure over unknown function %q", inst.FuncName)
		}
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpMakeClosure)
		g.emitU32(uint32(idx))
		g.emitU16(uint16(len(inst.Operands)))
		g.storeResult(inst.Result)

	case ir.OpSpawn:
		g.pushOperands(inst.Operands)
		if inst.FuncName == "" {
			g.emitOp(bytecode.OpSpawnClosure)
			g.emitU16(uint16(len(inst.Operands) - 1))
		} else {
			idx, ok := g.funcIndex[inst.FuncName]
			if !ok {
				return fmt.Errorf("spawn of unknown function %q", inst.FuncName)
			}
			g.emitOp(bytecode.OpSpawn)
			g.emitU16(uint16(idx))
			g.emitU16(uint16(len(inst.Operands)))
		}
		g.storeResult(inst.Result)

	case ir.OpYield:
		g.emitOp(bytecode.OpYield)
	case ir.OpSleep:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpSleep)
	case ir.OpNewMutex:
		g.emitOp(bytecode.OpNewMutex)
		g.storeResult(inst.Result)
	case ir.OpMutexLock:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpMutexLock)
	case ir.OpMutexUnlock:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpMutexUnlock)

	case ir.OpThrow:
		g.pushOperands(inst.Operands)
		g.emitOp(bytecode.OpThrow)

	case ir.OpCatchValue:
		// The interpreter pushed the exception value on entry to the
		// catch block; all that remains is to bind it.
		g.storeResult(inst.Result)

	case ir.OpPopTryHandler:
		g.emitOp(bytecode.OpEndTry)

	default:
		return fmt.Errorf("no stack encoding for IR op %s", inst.Op)
	}
	return nil
}

// fieldOffset16 encodes a field offset, mapping the lowering's "unresolved"
// -1 to the sentinel the interpreter reports as UnknownField.
func fieldOffset16(idx int) uint16 {
	if idx < 0 {
		return 0xFFFF
	}
	return uint16(idx)
}

func (g *generator) generateConst(inst ir.Instruction) error {
	c := g.irConstants[inst.ConstIdx]
	switch c.Type {
	case ir.TypeNull:
		g.emitOp(bytecode.OpConstNull)
	case ir.TypeBool:
		if c.Value.(bool) {
			g.emitOp(bytecode.OpConstTrue)
		} else {
			g.emitOp(bytecode.OpConstFalse)
		}
	case ir.TypeI32:
		g.emitOp(bytecode.OpConstI32)
		g.emitI32(c.Value.(int32))
	case ir.TypeF64:
		g.emitOp(bytecode.OpConstF64)
		g.emitU16(uint16(g.internFloat(c.Value.(float64))))
	case ir.TypeString:
		g.emitOp(bytecode.OpConstStr)
		g.emitU16(uint16(g.internString(c.Value.(string))))
	default:
		return fmt.Errorf("constant of unsupported type %s", c.Type)
	}
	g.storeResult(inst.Result)
	return nil
}

// internInt is used only by the register back-end: the stack form embeds
// i32 immediates directly, the register form spills out-of-sBx-range ones
// to the pool.
func (g *generator) internInt(v int32) int {
	if idx, ok := g.intIdx[v]; ok {
		return idx
	}
	idx := len(g.constants)
	g.constants = append(g.constants, bytecode.Constant{Int: v})
	g.intIdx[v] = idx
	return idx
}

func (g *generator) internFloat(f float64) int {
	if idx, ok := g.floatIdx[f]; ok {
		return idx
	}
	idx := len(g.constants)
	g.constants = append(g.constants, bytecode.Constant{Float: f})
	g.floatIdx[f] = idx
	return idx
}

func (g *generator) internString(s string) int {
	if idx, ok := g.strIdx[s]; ok {
		return idx
	}
	idx := len(g.constants)
	g.constants = append(g.constants, bytecode.Constant{String: s})
	g.strIdx[s] = idx
	return idx
}

func (g *generator) generateTerminator(term ir.Terminator) error {
	switch t := term.(type) {
	case ir.TermReturn:
		if t.Value != nil {
			g.emitLoadLocal(g.slotOf(*t.Value))
			g.emitOp(bytecode.OpReturn)
		} else {
			g.emitOp(bytecode.OpReturnVoid)
		}
	case ir.TermJump:
		g.emitJump(bytecode.OpJmp, t.Target)
	case ir.TermBranch:
		g.emitLoadLocal(g.slotOf(t.Cond))
		g.emitJump(bytecode.OpJmpIfFalse, t.Else)
		g.emitJump(bytecode.OpJmp, t.Then)
	case ir.TermBranchIfNull:
		g.emitLoadLocal(g.slotOf(t.X))
		g.emitJump(bytecode.OpJmpIfNull, t.Null)
		g.emitJump(bytecode.OpJmp, t.NotNull)
	case ir.TermThrow:
		g.emitLoadLocal(g.slotOf(t.Value))
		g.emitOp(bytecode.OpThrow)
	case ir.TermRethrow:
		g.emitOp(bytecode.OpRethrow)
	case ir.TermUnreachable:
		g.emitOp(bytecode.OpTrap)
		g.emitU16(0)
	case nil:
		return fmt.Errorf("basic block missing terminator")
	default:
		return fmt.Errorf("unknown terminator %T", term)
	}
	return nil
}
