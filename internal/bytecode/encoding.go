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

import "encoding/binary"

// All immediates are little-endian, per the wire contract.

func PutU16(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }
func PutI16(b []byte, v int16)  { binary.LittleEndian.PutUint16(b, uint16(v)) }
func PutU32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func PutI32(b []byte, v int32)  { binary.LittleEndian.PutUint32(b, uint32(v)) }

func U16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func I16(b []byte) int16  { return int16(binary.LittleEndian.Uint16(b)) }
func U32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func I32(b []byte) int32  { return int32(binary.LittleEndian.Uint32(b)) }
func U64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

// InstrLen returns the total encoded length (opcode byte + operand bytes)
// of the instruction at code[ip], or an error if its declared width would
// run past the end of code or the opcode is unknown. Every opcode carries
// a fixed-width operand header; opcodes whose logical stack effect depends
// on a runtime argument count (Call, Spawn, ...) still encode that count as
// a fixed-width operand rather than a variable number of operand bytes.
func InstrLen(code []byte, ip int) (int, error) {
	if ip >= len(code) {
		return 0, ErrTruncated
	}
	op := Op(code[ip])
	info, ok := op.Info()
	if !ok {
		return 0, ErrInvalidOpcode
	}
	total := 1 + info.ByteWidth
	if ip+total > len(code) {
		return 0, ErrTruncated
	}
	return total, nil
}
