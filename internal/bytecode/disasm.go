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

package bytecode

import "fmt"

// Disassemble renders stack bytecode as one mnemonic line per
// instruction. It never fails: each byte that does not start a decodable
// instruction is rendered as its own "<bad byte>" line, and decoding
// resumes at the following byte.
func Disassemble(code []byte) string {
	var out string
	ip := 0
	for ip < len(code) {
		n, err := InstrLen(code, ip)
		if err != nil {
			out += fmt.Sprintf("%04d  <bad byte 0x%02x>\n", ip, code[ip])
			ip++
			continue
		}
		op := Op(code[ip])
		operands := code[ip+1 : ip+n]
		out += fmt.Sprintf("%04d  %-14s %s\n", ip, op.String(), formatOperands(op, operands))
		ip += n
	}
	return out
}

// DisassembleReg renders the fixed-width register encoding, one word per
// line; ABCx instructions print their extra word inline.
func DisassembleReg(code []uint32) string {
	var out string
	for i := 0; i < len(code); i++ {
		op, a, bc := DecodeWord(code[i])
		switch EncodingOf(op) {
		case EncABx:
			out += fmt.Sprintf("%04d  %-14s r%d #%d\n", i, op, a, bc)
		case EncAsBx:
			out += fmt.Sprintf("%04d  %-14s r%d %+d\n", i, op, a, DecodeAsBx(bc))
		case EncABCx:
			extra := uint32(0)
			if i+1 < len(code) {
				i++
				extra = code[i]
			}
			b, c := DecodeABC(bc)
			out += fmt.Sprintf("%04d  %-14s r%d %d %d x=%#x\n", i-1, op, a, b, c, extra)
		default:
			b, c := DecodeABC(bc)
			out += fmt.Sprintf("%04d  %-14s r%d r%d r%d\n", i, op, a, b, c)
		}
	}
	return out
}

func formatOperands(op Op, b []byte) string {
	switch op {
	case OpConstI32:
		return fmt.Sprintf("%d", I32(b))
	case OpConstF64, OpConstStr, OpLoadLocal, OpStoreLocal, OpNew, OpLoadField,
		OpStoreField, OpJsonCast, OpInstanceOf, OpCast, OpTrap, OpLoadCaptured,
		OpStoreCaptured, OpSetClosureCapture, OpNewArray, OpLoadGlobal, OpStoreGlobal:
		return fmt.Sprintf("#%d", U16(b))
	case OpJmp, OpJmpIfTrue, OpJmpIfFalse, OpJmpIfNull, OpJmpIfNotNull:
		return fmt.Sprintf("%+d", I16(b))
	case OpCall, OpCallMethod:
		return fmt.Sprintf("fn=%d argc=%d", U32(b[:4]), U16(b[4:6]))
	case OpNativeCall:
		return fmt.Sprintf("nid=%d argc=%d", U16(b[:2]), b[2])
	case OpObjectLiteral:
		return fmt.Sprintf("class=%d count=%d", U16(b[:2]), U16(b[2:4]))
	case OpArrayLiteral:
		return fmt.Sprintf("type=%d len=%d", U32(b[:4]), U32(b[4:8]))
	case OpInitArray, OpJsonGet, OpJsonSet:
		return fmt.Sprintf("#%d", U32(b))
	case OpMakeClosure:
		return fmt.Sprintf("fn=%d caps=%d", U32(b[:4]), U16(b[4:6]))
	case OpSpawn:
		return fmt.Sprintf("fn=%d argc=%d", U16(b[:2]), U16(b[2:4]))
	case OpSpawnClosure, OpNewChannel:
		return fmt.Sprintf("#%d", U16(b))
	case OpTry:
		return fmt.Sprintf("catch=%+d finally=%+d", I32(b[:4]), I32(b[4:8]))
	default:
		if len(b) == 0 {
			return ""
		}
		return fmt.Sprintf("% x", b)
	}
}
