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

package ir

// Builder incrementally constructs a Program one function and block at a
// time.
type Builder struct {
	program  *Program
	function *Function
	block    *BasicBlock
	nextID   int
}

// NewBuilder starts a fresh, empty program.
func NewBuilder() *Builder {
	return &Builder{program: &Program{}}
}

// Program returns the program built so far.
func (b *Builder) Program() *Program { return b.program }

// AddConstant interns a constant and returns its pool index.
func (b *Builder) AddConstant(c Constant) int {
	b.program.Constants = append(b.program.Constants, c)
	return len(b.program.Constants) - 1
}

// AddType registers a lowered class definition.
func (b *Builder) AddType(t *TypeDef) {
	b.program.Types = append(b.program.Types, t)
}

// StartFunction begins a new function; params are given fixed Values (IDs
// assigned by the caller, conventionally low and stable) as lowering
// assigns locals 0..len(params)-1 to them.
func (b *Builder) StartFunction(name string, params []Value, ret Type) *Function {
	fn := &Function{Name: name, Params: params, ReturnType: ret}
	b.program.Functions = append(b.program.Functions, fn)
	b.function = fn
	if maxID := 0; true {
		for _, p := range params {
			if p.ID >= maxID {
				maxID = p.ID + 1
			}
		}
		b.nextID = maxID
	}
	return fn
}

// NewBlock creates a new, empty block in the current function, not yet the
// active insertion point.
func (b *Builder) NewBlock(label string) *BasicBlock {
	blk := &BasicBlock{Label: label}
	b.function.Blocks = append(b.function.Blocks, blk)
	return blk
}

// SetBlock makes blk the active insertion point for subsequent Emit calls.
func (b *Builder) SetBlock(blk *BasicBlock) { b.block = blk }

// NewValue allocates a fresh SSA value id.
func (b *Builder) NewValue(t Type, name string) Value {
	v := Value{ID: b.nextID, Type: t, Name: name}
	b.nextID++
	return v
}

// Emit appends an instruction computing result from op and operands to the
// active block.
func (b *Builder) Emit(op Op, result Value, operands ...Value) {
	r := result
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: op, Result: &r, Operands: operands})
}

// EmitEffect appends an instruction with no result (StoreLocal/StoreField/...).
func (b *Builder) EmitEffect(op Op, operands ...Value) {
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: op, Operands: operands})
}

// EmitConst loads constant index idx into result.
func (b *Builder) EmitConst(result Value, idx int) {
	r := result
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: OpConst, Result: &r, ConstIdx: idx})
}

// EmitSlotOp appends a slot-addressed instruction (LoadLocal/StoreLocal/
// LoadGlobal/StoreGlobal/LoadCaptured/StoreCaptured).
func (b *Builder) EmitSlotOp(op Op, result *Value, slot int, operands ...Value) {
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: op, Result: result, Slot: slot, Operands: operands})
}

// EmitCall appends a direct or closure call. fname == "" means an indirect
// call through the closure value in operands[0].
func (b *Builder) EmitCall(result *Value, fname string, operands ...Value) {
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: OpCall, Result: result, FuncName: fname, Operands: operands})
}

// EmitFieldOp appends LoadField/StoreField.
func (b *Builder) EmitFieldOp(op Op, result *Value, fieldIdx int, operands ...Value) {
	b.block.Instructions = append(b.block.Instructions, Instruction{Op: op, Result: result, FieldIdx: fieldIdx, Operands: operands})
}

// EmitBranch closes the active block with an unconditional jump.
func (b *Builder) EmitBranch(target *BasicBlock) {
	b.block.Terminator = TermJump{Target: target}
	link(b.block, target)
}

// EmitCondBranch closes the active block with a conditional branch.
func (b *Builder) EmitCondBranch(cond Value, then, els *BasicBlock) {
	b.block.Terminator = TermBranch{Cond: cond, Then: then, Else: els}
	link(b.block, then)
	link(b.block, els)
}

// EmitBranchIfNull closes the active block with a null test.
func (b *Builder) EmitBranchIfNull(x Value, whenNull, whenNotNull *BasicBlock) {
	b.block.Terminator = TermBranchIfNull{X: x, Null: whenNull, NotNull: whenNotNull}
	link(b.block, whenNull)
	link(b.block, whenNotNull)
}

// EmitReturn closes the active block with a return; v == nil returns void.
func (b *Builder) EmitReturn(v *Value) {
	b.block.Terminator = TermReturn{Value: v}
}

// EmitThrow closes the active block by throwing v.
func (b *Builder) EmitThrow(v Value) {
	b.block.Terminator = TermThrow{Value: v}
}

// EmitUnreachable marks the active block as provably never falling through.
func (b *Builder) EmitUnreachable() {
	b.block.Terminator = TermUnreachable{}
}

func link(from, to *BasicBlock) {
	from.Succs = append(from.Succs, to)
	to.Preds = append(to.Preds, from)
}

// CurrentBlock returns the active insertion block.
func (b *Builder) CurrentBlock() *BasicBlock { return b.block }

// SetFunction makes fn the function that receives NewBlock calls. Closure
// lowering uses it to return to the enclosing function after building a
// nested function's blocks.
func (b *Builder) SetFunction(fn *Function) { b.function = fn }

// LastInstruction returns a pointer to the most recently emitted
// instruction of the active block, so a caller can fill in fields (like
// FuncName) that Emit's fixed signature does not take directly.
func (b *Builder) LastInstruction() *Instruction {
	n := len(b.block.Instructions)
	return &b.block.Instructions[n-1]
}

// CurrentFunction returns the function currently being built.
func (b *Builder) CurrentFunction() *Function { return b.function }
