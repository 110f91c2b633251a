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
	"errors"

	"raya/internal/bytecode"
	"raya/internal/ir"
)

// errNoRegForm aborts the register back-end for one function; the stack
// form remains authoritative and the function simply ships without a
// register encoding.
var errNoRegForm = errors.New("not expressible in register form")

// generateRegisterForm populates bf.RegCode when every instruction of fn
// maps onto the fixed-width register set. The two encodings are
// semantically equivalent where both exist; anything the register set
// cannot express (method dispatch, concurrency, json, globals) leaves
// RegCode empty and the VM runs the stack form.
func (g *generator) generateRegisterForm(fn *ir.Function, bf *bytecode.Function) {
	r := &regGen{gen: g, regOf: map[int]uint8{}, labels: map[*ir.BasicBlock]int{}}
	// Fixed local slots claim registers 0..LocalCount-1 so the lowering's
	// explicit slot indices keep their meaning; SSA temporaries allocate
	// above, argument-packing temporaries above those.
	r.nextReg = fn.LocalCount
	code, err := r.generate(fn)
	if err != nil {
		return
	}
	bf.RegCode = code
	bf.RegisterCount = r.maxReg()
}

type regGen struct {
	gen     *generator
	code    []uint32
	regOf   map[int]uint8 // SSA value id -> register
	nextReg int
	labels  map[*ir.BasicBlock]int
	jumps   []regJumpPatch
	tries   []regTryPatch
}

type regJumpPatch struct {
	wordIdx int // index of the instruction word whose sBx field is patched
	target  *ir.BasicBlock
}

type regTryPatch struct {
	wordIdx          int // index of the ABCx extra word
	catchB, finallyB *ir.BasicBlock
}

func (r *regGen) maxReg() int { return r.nextReg }

func (r *regGen) reg(v ir.Value) (uint8, error) {
	if x, ok := r.regOf[v.ID]; ok {
		return x, nil
	}
	if r.nextReg >= int(bytecode.DiscardReg) {
		return 0, errNoRegForm
	}
	x := uint8(r.nextReg)
	r.regOf[v.ID] = x
	r.nextReg++
	return x, nil
}

func (r *regGen) slotReg(slot int) (uint8, error) {
	if slot >= int(bytecode.DiscardReg) {
		return 0, errNoRegForm
	}
	return uint8(slot), nil
}

func (r *regGen) emit(op bytecode.RegOp, a uint8, bc uint16) {
	r.code = append(r.code, bytecode.EncodeWord(op, a, bc))
}

func (r *regGen) emitABC(op bytecode.RegOp, a, b, c uint8) {
	r.emit(op, a, uint16(b)|uint16(c)<<8)
}

func (r *regGen) generate(fn *ir.Function) ([]uint32, error) {
	tryOfBody := map[*ir.BasicBlock]*ir.TryRegion{}
	for i := range fn.TryRegions {
		reg := &fn.TryRegions[i]
		tryOfBody[reg.Body] = reg
	}

	for i, p := range fn.Params {
		dst, err := r.reg(p)
		if err != nil {
			return nil, err
		}
		r.emitABC(bytecode.RMove, dst, uint8(i), 0)
	}

	for _, blk := range fn.Blocks {
		r.labels[blk] = len(r.code)
		if region, ok := tryOfBody[blk]; ok {
			if err := r.genTry(region); err != nil {
				return nil, err
			}
		}
		for _, inst := range blk.Instructions {
			if err := r.genInstruction(inst); err != nil {
				return nil, err
			}
		}
		if err := r.genTerminator(blk.Terminator); err != nil {
			return nil, err
		}
	}

	for _, p := range r.jumps {
		target, ok := r.labels[p.target]
		if !ok {
			return nil, errNoRegForm
		}
		rel := target - (p.wordIdx + 1)
		if rel < -32768 || rel > 32767 {
			return nil, errNoRegForm
		}
		op, a, _ := bytecode.DecodeWord(r.code[p.wordIdx])
		r.code[p.wordIdx] = bytecode.EncodeWord(op, a, uint16(int16(rel)))
	}
	for _, p := range r.tries {
		catchIP, finallyIP := 0xFFFF, 0xFFFF
		if p.catchB != nil {
			catchIP = r.labels[p.catchB]
		}
		if p.finallyB != nil {
			finallyIP = r.labels[p.finallyB]
		}
		if catchIP > 0xFFFF || finallyIP > 0xFFFF {
			return nil, errNoRegForm
		}
		r.code[p.wordIdx] = uint32(catchIP)<<16 | uint32(finallyIP)
	}
	return r.code, nil
}

// genTry emits the two-word Try instruction for region. Its A operand is
// the register the exception value lands in, which is the catch block's
// OpCatchValue result.
func (r *regGen) genTry(region *ir.TryRegion) error {
	var catchReg uint8
	if region.CatchBlock != nil {
		found := false
		for _, inst := range region.CatchBlock.Instructions {
			if inst.Op == ir.OpCatchValue && inst.Result != nil {
				x, err := r.reg(*inst.Result)
				if err != nil {
					return err
				}
				catchReg = x
				found = true
				break
			}
		}
		if !found {
			return errNoRegForm
		}
	}
	r.emit(bytecode.RTry, catchReg, 0)
	r.tries = append(r.tries, regTryPatch{wordIdx: len(r.code), catchB: region.CatchBlock, finallyB: region.FinallyBlock})
	r.code = append(r.code, 0) // extra word, patched
	return nil
}

// binary ops whose register form exists directly.
var regBinOp = map[ir.Op]bytecode.RegOp{
	ir.OpIadd: bytecode.RIadd, ir.OpIsub: bytecode.RIsub, ir.OpImul: bytecode.RImul,
	ir.OpIdiv: bytecode.RIdiv, ir.OpImod: bytecode.RImod,
	ir.OpFadd: bytecode.RFadd, ir.OpFsub: bytecode.RFsub, ir.OpFmul: bytecode.RFmul,
	ir.OpFdiv: bytecode.RFdiv, ir.OpSconcat: bytecode.RSconcat,
	ir.OpIeq: bytecode.RIeq, ir.OpIlt: bytecode.RIlt, ir.OpIle: bytecode.RIle,
	ir.OpFeq: bytecode.RFeq, ir.OpFlt: bytecode.RFlt, ir.OpFle: bytecode.RFle,
	ir.OpEq: bytecode.REq, ir.OpNe: bytecode.RNe,
}

// binary comparisons expressible by swapping the operand order.
var regSwapOp = map[ir.Op]bytecode.RegOp{
	ir.OpIgt: bytecode.RIlt, ir.OpIge: bytecode.RIle,
	ir.OpFgt: bytecode.RFlt, ir.OpFge: bytecode.RFle,
}

func (r *regGen) genInstruction(inst ir.Instruction) error {
	if op, ok := regBinOp[inst.Op]; ok {
		return r.genBin(op, inst, false)
	}
	if op, ok := regSwapOp[inst.Op]; ok {
		return r.genBin(op, inst, true)
	}

	switch inst.Op {
	case ir.OpConst:
		return r.genConst(inst)

	case ir.OpIne, ir.OpFne:
		eq := bytecode.RIeq
		if inst.Op == ir.OpFne {
			eq = bytecode.RFeq
		}
		if err := r.genBin(eq, inst, false); err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RNot, dst, dst, 0)
		return nil

	case ir.OpIneg, ir.OpFneg, ir.OpNot:
		ops := map[ir.Op]bytecode.RegOp{ir.OpIneg: bytecode.RIneg, ir.OpFneg: bytecode.RFneg, ir.OpNot: bytecode.RNot}
		src, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(ops[inst.Op], dst, src, 0)
		return nil

	case ir.OpLoadLocal:
		slot, err := r.slotReg(inst.Slot)
		if err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RMove, dst, slot, 0)
		return nil
	case ir.OpStoreLocal:
		slot, err := r.slotReg(inst.Slot)
		if err != nil {
			return err
		}
		src, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RMove, slot, src, 0)
		return nil

	case ir.OpCall:
		if inst.FuncName == "" {
			return errNoRegForm // indirect calls have no register encoding
		}
		fid, ok := r.gen.funcIndex[inst.FuncName]
		if !ok {
			return errNoRegForm
		}
		base, err := r.packContiguous(inst.Operands)
		if err != nil {
			return err
		}
		dst := bytecode.DiscardReg
		if inst.Result != nil {
			if dst, err = r.reg(*inst.Result); err != nil {
				return err
			}
		}
		r.emit(bytecode.RCall, base, uint16(len(inst.Operands))|uint16(dst)<<8)
		r.code = append(r.code, uint32(fid))
		return nil

	case ir.OpNew:
		idx, ok := r.gen.classIndex[inst.ClassName]
		if !ok {
			return errNoRegForm
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emit(bytecode.RNew, dst, uint16(idx))
		return nil

	case ir.OpLoadField:
		if inst.FieldIdx < 0 || inst.FieldIdx > 255 {
			return errNoRegForm
		}
		obj, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RLoadField, dst, obj, uint8(inst.FieldIdx))
		return nil
	case ir.OpStoreField:
		if inst.FieldIdx < 0 || inst.FieldIdx > 255 {
			return errNoRegForm
		}
		obj, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		src, err := r.reg(inst.Operands[1])
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RStoreField, obj, uint8(inst.FieldIdx), src)
		return nil

	case ir.OpNewArray:
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emit(bytecode.RNewArray, dst, 0)
		return nil
	case ir.OpLoadElem:
		arr, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		idx, err := r.reg(inst.Operands[1])
		if err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RLoadElem, dst, arr, idx)
		return nil
	case ir.OpStoreElem:
		arr, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		idx, err := r.reg(inst.Operands[1])
		if err != nil {
			return err
		}
		src, err := r.reg(inst.Operands[2])
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RStoreElem, arr, idx, src)
		return nil

	case ir.OpMakeClosure:
		fid, ok := r.gen.funcIndex[inst.FuncName]
		if !ok {
			return errNoRegForm
		}
		base, err := r.packContiguous(inst.Operands)
		if err != nil {
			return err
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emit(bytecode.RMakeClosure, dst, uint16(len(inst.Operands))|uint16(base)<<8)
		r.code = append(r.code, uint32(fid))
		return nil
	case ir.OpLoadCaptured:
		if inst.Slot > 255 {
			return errNoRegForm
		}
		dst, err := r.reg(*inst.Result)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RLoadCaptured, dst, uint8(inst.Slot), 0)
		return nil
	case ir.OpStoreCaptured:
		if inst.Slot > 255 {
			return errNoRegForm
		}
		src, err := r.reg(inst.Operands[0])
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RStoreCaptured, uint8(inst.Slot), src, 0)
		return nil

	case ir.OpCatchValue:
		return nil // the Try instruction already named the destination register
	case ir.OpPopTryHandler:
		r.emit(bytecode.REndTry, 0, 0)
		return nil

	default:
		return errNoRegForm
	}
}

func (r *regGen) genBin(op bytecode.RegOp, inst ir.Instruction, swap bool) error {
	a, err := r.reg(inst.Operands[0])
	if err != nil {
		return err
	}
	b, err := r.reg(inst.Operands[1])
	if err != nil {
		return err
	}
	if swap {
		a, b = b, a
	}
	dst, err := r.reg(*inst.Result)
	if err != nil {
		return err
	}
	r.emitABC(op, dst, a, b)
	return nil
}

func (r *regGen) genConst(inst ir.Instruction) error {
	c := r.gen.irConstants[inst.ConstIdx]
	dst, err := r.reg(*inst.Result)
	if err != nil {
		return err
	}
	switch c.Type {
	case ir.TypeNull:
		r.emit(bytecode.RLoadNull, dst, 0)
	case ir.TypeBool:
		if c.Value.(bool) {
			r.emit(bytecode.RLoadTrue, dst, 0)
		} else {
			r.emit(bytecode.RLoadFalse, dst, 0)
		}
	case ir.TypeI32:
		v := c.Value.(int32)
		if v >= -32768 && v <= 32767 {
			r.emit(bytecode.RLoadInt, dst, uint16(int16(v)))
		} else {
			idx := r.gen.internInt(v)
			if idx > 0x3FFF {
				return errNoRegForm
			}
			r.emit(bytecode.RLoadConst, dst, bytecode.ConstTagInt|uint16(idx))
		}
	case ir.TypeF64:
		idx := r.gen.internFloat(c.Value.(float64))
		if idx > 0x3FFF {
			return errNoRegForm
		}
		r.emit(bytecode.RLoadConst, dst, bytecode.ConstTagFloat|uint16(idx))
	case ir.TypeString:
		idx := r.gen.internString(c.Value.(string))
		if idx > 0x3FFF {
			return errNoRegForm
		}
		r.emit(bytecode.RLoadConst, dst, bytecode.ConstTagString|uint16(idx))
	default:
		return errNoRegForm
	}
	return nil
}

// packContiguous ensures vals live in adjacent physical registers, moving
// them into a fresh block above every allocated register when they are not
// already contiguous, and returns the base register.
func (r *regGen) packContiguous(vals []ir.Value) (uint8, error) {
	if len(vals) == 0 {
		return 0, nil
	}
	regs := make([]uint8, len(vals))
	for i, v := range vals {
		x, err := r.reg(v)
		if err != nil {
			return 0, err
		}
		regs[i] = x
	}
	contiguous := true
	for i := 1; i < len(regs); i++ {
		if regs[i] != regs[i-1]+1 {
			contiguous = false
			break
		}
	}
	if contiguous {
		return regs[0], nil
	}
	if r.nextReg+len(regs) > int(bytecode.DiscardReg) {
		return 0, errNoRegForm
	}
	base := uint8(r.nextReg)
	for i, src := range regs {
		r.emitABC(bytecode.RMove, base+uint8(i), src, 0)
	}
	r.nextReg += len(regs)
	return base, nil
}

func (r *regGen) genTerminator(term ir.Terminator) error {
	switch t := term.(type) {
	case ir.TermReturn:
		if t.Value != nil {
			a, err := r.reg(*t.Value)
			if err != nil {
				return err
			}
			r.emitABC(bytecode.RReturn, a, 1, 0)
		} else {
			r.emitABC(bytecode.RReturn, 0, 0, 0)
		}
	case ir.TermJump:
		r.jumps = append(r.jumps, regJumpPatch{wordIdx: len(r.code), target: t.Target})
		r.emit(bytecode.RJmp, 0, 0)
	case ir.TermBranch:
		cond, err := r.reg(t.Cond)
		if err != nil {
			return err
		}
		r.jumps = append(r.jumps, regJumpPatch{wordIdx: len(r.code), target: t.Else})
		r.emit(bytecode.RJmpIfFalse, cond, 0)
		r.jumps = append(r.jumps, regJumpPatch{wordIdx: len(r.code), target: t.Then})
		r.emit(bytecode.RJmp, 0, 0)
	case ir.TermThrow:
		a, err := r.reg(t.Value)
		if err != nil {
			return err
		}
		r.emitABC(bytecode.RThrow, a, 0, 0)
	default:
		return errNoRegForm
	}
	return nil
}
