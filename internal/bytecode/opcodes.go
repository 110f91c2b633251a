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

// Package bytecode is the in-memory bytecode model shared by the compiler's
// codegen and the interpreter: the stack and register opcode sets, the
// Module/Function/ClassDef tables, a disassembler for both encodings, and
// the load-time verifier.
package bytecode

// Op is a stack-bytecode opcode. Opcodes are grouped by family and kept in
// family order so a dispatch table can be built by contiguous ranges, as
// described by the opcode family table.
type Op uint8

const (
	// stack family
	OpNop Op = iota
	OpPop
	OpDup
	OpSwap

	// const family
	OpConstNull
	OpConstTrue
	OpConstFalse
	OpConstI32  // imm32
	OpConstF64  // idx16 (constant-pool index of the f64; the value is not inlined as an 8-byte immediate)
	OpConstStr  // idx16

	// local family
	OpLoadLocal  // idx16
	OpStoreLocal // idx16
	OpLoadLocal0
	OpLoadLocal1
	OpStoreLocal0
	OpStoreLocal1

	// arith family (int)
	OpIadd
	OpIsub
	OpImul
	OpIdiv
	OpImod
	OpIpow
	OpIneg
	// arith family (float)
	OpFadd
	OpFsub
	OpFmul
	OpFdiv
	OpFmod
	OpFpow
	OpFneg
	// arith family (generic/string)
	OpSconcat

	// bitwise family
	OpIshl
	OpIshr
	OpIushr
	OpIand
	OpIor
	OpIxor
	OpInot

	// compare family (int)
	OpIeq
	OpIne
	OpIlt
	OpIle
	OpIgt
	OpIge
	// compare family (float)
	OpFeq
	OpFne
	OpFlt
	OpFle
	OpFgt
	OpFge
	// compare family (string)
	OpSeq
	OpSne
	OpSlt
	OpSle
	OpSgt
	OpSge
	// compare family (generic)
	OpEq
	OpNe
	OpStrictEq
	OpStrictNe

	// logical family
	OpNot
	OpAnd
	OpOr
	OpTypeof

	// branch family
	OpJmp         // sbx16
	OpJmpIfTrue   // sbx16
	OpJmpIfFalse  // sbx16
	OpJmpIfNull   // sbx16
	OpJmpIfNotNull // sbx16

	// call family
	OpCall       // fidx32, argc16
	OpCallMethod // midx32, argc16
	OpNativeCall // nid16, argc8
	OpReturn
	OpReturnVoid

	// object family
	OpNew           // class16
	OpLoadField     // fo16
	OpStoreField    // fo16
	OpLoadField0
	OpStoreField0
	OpObjectLiteral // class16, count16
	OpInitObject    // fo16

	// array family
	OpNewArray     // tidx16
	OpLoadElem
	OpStoreElem
	OpArrayLen
	OpArrayLiteral // tidx32, len32
	OpInitArray    // idx32
	OpArrayPush
	OpArrayPop

	// closure family
	OpMakeClosure      // fidx32, capc16
	OpLoadCaptured     // idx16
	OpStoreCaptured    // idx16
	OpSetClosureCapture // idx16

	// refcell family
	OpNewRefCell
	OpLoadRefCell
	OpStoreRefCell

	// concurrency family
	OpSpawn        // fidx16, argc16
	OpSpawnClosure // argc16
	OpAwait
	OpWaitAll
	OpYield
	OpSleep
	OpNewMutex
	OpMutexLock
	OpMutexUnlock
	OpNewChannel
	OpChannelSend
	OpChannelRecv
	OpTaskCancel

	// exception family
	OpTry // catch_sbx32, finally_sbx32
	OpEndTry
	OpThrow
	OpRethrow

	// json family
	OpJsonGet // key32
	OpJsonSet // key32
	OpJsonIndex
	OpJsonIndexSet
	OpJsonKeys
	OpJsonLength
	OpJsonNewObject
	OpJsonNewArray
	OpJsonCast // type16

	// misc family
	OpTrap        // code16
	OpDebugger
	OpInstanceOf // class16
	OpCast       // class16
	OpToString

	// global family (see shared VM state)
	OpLoadGlobal  // idx16
	OpStoreGlobal // idx16

	opcodeCount
)

// Operands describes how many operand bytes (beyond the 1-byte opcode)
// follow an instruction, and how many stack slots it consumes/produces.
type Operands struct {
	Name       string
	ByteWidth  int // operand bytes following the opcode byte; fixed for every opcode
	StackIn    int
	StackOut   int
}

var opcodeTable = [opcodeCount]Operands{
	OpNop:  {"Nop", 0, 0, 0},
	OpPop:  {"Pop", 0, 1, 0},
	OpDup:  {"Dup", 0, 1, 2},
	OpSwap: {"Swap", 0, 2, 2},

	OpConstNull:  {"ConstNull", 0, 0, 1},
	OpConstTrue:  {"ConstTrue", 0, 0, 1},
	OpConstFalse: {"ConstFalse", 0, 0, 1},
	OpConstI32:   {"ConstI32", 4, 0, 1},
	OpConstF64:   {"ConstF64", 2, 0, 1},
	OpConstStr:   {"ConstStr", 2, 0, 1},

	OpLoadLocal:   {"LoadLocal", 2, 0, 1},
	OpStoreLocal:  {"StoreLocal", 2, 1, 0},
	OpLoadLocal0:  {"LoadLocal0", 0, 0, 1},
	OpLoadLocal1:  {"LoadLocal1", 0, 0, 1},
	OpStoreLocal0: {"StoreLocal0", 0, 1, 0},
	OpStoreLocal1: {"StoreLocal1", 0, 1, 0},

	OpIadd: {"Iadd", 0, 2, 1}, OpIsub: {"Isub", 0, 2, 1}, OpImul: {"Imul", 0, 2, 1},
	OpIdiv: {"Idiv", 0, 2, 1}, OpImod: {"Imod", 0, 2, 1}, OpIpow: {"Ipow", 0, 2, 1},
	OpIneg: {"Ineg", 0, 1, 1},
	OpFadd: {"Fadd", 0, 2, 1}, OpFsub: {"Fsub", 0, 2, 1}, OpFmul: {"Fmul", 0, 2, 1},
	OpFdiv: {"Fdiv", 0, 2, 1}, OpFmod: {"Fmod", 0, 2, 1}, OpFpow: {"Fpow", 0, 2, 1},
	OpFneg:    {"Fneg", 0, 1, 1},
	OpSconcat: {"Sconcat", 0, 2, 1},

	OpIshl: {"Ishl", 0, 2, 1}, OpIshr: {"Ishr", 0, 2, 1}, OpIushr: {"Iushr", 0, 2, 1},
	OpIand: {"Iand", 0, 2, 1}, OpIor: {"Ior", 0, 2, 1}, OpIxor: {"Ixor", 0, 2, 1},
	OpInot: {"Inot", 0, 1, 1},

	OpIeq: {"Ieq", 0, 2, 1}, OpIne: {"Ine", 0, 2, 1}, OpIlt: {"Ilt", 0, 2, 1},
	OpIle: {"Ile", 0, 2, 1}, OpIgt: {"Igt", 0, 2, 1}, OpIge: {"Ige", 0, 2, 1},
	OpFeq: {"Feq", 0, 2, 1}, OpFne: {"Fne", 0, 2, 1}, OpFlt: {"Flt", 0, 2, 1},
	OpFle: {"Fle", 0, 2, 1}, OpFgt: {"Fgt", 0, 2, 1}, OpFge: {"Fge", 0, 2, 1},
	OpSeq: {"Seq", 0, 2, 1}, OpSne: {"Sne", 0, 2, 1}, OpSlt: {"Slt", 0, 2, 1},
	OpSle: {"Sle", 0, 2, 1}, OpSgt: {"Sgt", 0, 2, 1}, OpSge: {"Sge", 0, 2, 1},
	OpEq: {"Eq", 0, 2, 1}, OpNe: {"Ne", 0, 2, 1},
	OpStrictEq: {"StrictEq", 0, 2, 1}, OpStrictNe: {"StrictNe", 0, 2, 1},

	OpNot: {"Not", 0, 1, 1}, OpAnd: {"And", 0, 2, 1}, OpOr: {"Or", 0, 2, 1},
	OpTypeof: {"Typeof", 0, 1, 1},

	OpJmp:          {"Jmp", 2, 0, 0},
	OpJmpIfTrue:    {"JmpIfTrue", 2, 1, 0},
	OpJmpIfFalse:   {"JmpIfFalse", 2, 1, 0},
	OpJmpIfNull:    {"JmpIfNull", 2, 1, 0},
	OpJmpIfNotNull: {"JmpIfNotNull", 2, 1, 0},

	OpCall:       {"Call", 6, -1, 1},
	OpCallMethod: {"CallMethod", 6, -1, 1},
	OpNativeCall: {"NativeCall", 3, -1, 1},
	OpReturn:     {"Return", 0, 1, 0},
	OpReturnVoid: {"ReturnVoid", 0, 0, 0},

	OpNew:           {"New", 2, 0, 1},
	OpLoadField:     {"LoadField", 2, 1, 1},
	OpStoreField:    {"StoreField", 2, 2, 0},
	OpLoadField0:    {"LoadField0", 0, 1, 1},
	OpStoreField0:   {"StoreField0", 0, 2, 0},
	OpObjectLiteral: {"ObjectLiteral", 4, -1, 1},
	OpInitObject:    {"InitObject", 2, 2, 1},

	OpNewArray:     {"NewArray", 2, 0, 1},
	OpLoadElem:     {"LoadElem", 0, 2, 1},
	OpStoreElem:    {"StoreElem", 0, 3, 0},
	OpArrayLen:     {"ArrayLen", 0, 1, 1},
	OpArrayLiteral: {"ArrayLiteral", 8, -1, 1},
	OpInitArray:    {"InitArray", 4, -1, 1},
	OpArrayPush:    {"ArrayPush", 0, 2, 1},
	OpArrayPop:     {"ArrayPop", 0, 1, 1},

	OpMakeClosure:       {"MakeClosure", 6, -1, 1},
	OpLoadCaptured:      {"LoadCaptured", 2, 0, 1},
	OpStoreCaptured:     {"StoreCaptured", 2, 1, 0},
	OpSetClosureCapture: {"SetClosureCapture", 2, 2, 1},

	OpNewRefCell:   {"NewRefCell", 0, 1, 1},
	OpLoadRefCell:  {"LoadRefCell", 0, 1, 1},
	OpStoreRefCell: {"StoreRefCell", 0, 2, 0},

	OpSpawn:        {"Spawn", 4, -1, 1},
	OpSpawnClosure: {"SpawnClosure", 2, -1, 1},
	OpAwait:        {"Await", 0, 1, 1},
	OpWaitAll:      {"WaitAll", 0, 1, 1},
	OpYield:        {"Yield", 0, 0, 0},
	OpSleep:        {"Sleep", 0, 1, 0},
	OpNewMutex:     {"NewMutex", 0, 0, 1},
	OpMutexLock:    {"MutexLock", 0, 1, 0},
	OpMutexUnlock:  {"MutexUnlock", 0, 1, 0},
	OpNewChannel:   {"NewChannel", 2, 0, 1},
	OpChannelSend:  {"ChannelSend", 0, 2, 0},
	OpChannelRecv:  {"ChannelRecv", 0, 1, 1},
	OpTaskCancel:   {"TaskCancel", 0, 1, 0},

	OpTry:     {"Try", 8, 0, 0},
	OpEndTry:  {"EndTry", 0, 0, 0},
	OpThrow:   {"Throw", 0, 1, 0},
	OpRethrow: {"Rethrow", 0, 0, 0},

	OpJsonGet:       {"JsonGet", 4, 1, 1},
	OpJsonSet:       {"JsonSet", 4, 2, 0},
	OpJsonIndex:     {"JsonIndex", 0, 2, 1},
	OpJsonIndexSet:  {"JsonIndexSet", 0, 3, 0},
	OpJsonKeys:      {"JsonKeys", 0, 1, 1},
	OpJsonLength:    {"JsonLength", 0, 1, 1},
	OpJsonNewObject: {"JsonNewObject", 0, 0, 1},
	OpJsonNewArray:  {"JsonNewArray", 0, 0, 1},
	OpJsonCast:      {"JsonCast", 2, 1, 1},

	OpTrap:       {"Trap", 2, 0, 0},
	OpDebugger:   {"Debugger", 0, 0, 0},
	OpInstanceOf: {"InstanceOf", 2, 1, 1},
	OpCast:       {"Cast", 2, 1, 1},
	OpToString:   {"ToString", 0, 1, 1},

	OpLoadGlobal:  {"LoadGlobal", 2, 0, 1},
	OpStoreGlobal: {"StoreGlobal", 2, 1, 0},
}

// String returns the opcode's mnemonic, or "Invalid" if op is out of range.
func (op Op) String() string {
	if int(op) >= len(opcodeTable) {
		return "Invalid"
	}
	if opcodeTable[op].Name == "" {
		return "Invalid"
	}
	return opcodeTable[op].Name
}

// Info returns the operand metadata for op.
func (op Op) Info() (Operands, bool) {
	if int(op) >= len(opcodeTable) || opcodeTable[op].Name == "" {
		return Operands{}, false
	}
	return opcodeTable[op], true
}

// Valid reports whether op is a defined opcode.
func (op Op) Valid() bool {
	_, ok := op.Info()
	return ok
}
