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

// VerifyError pinpoints one problem found while validating a module, with
// the byte offset it was found at (within the offending function).
type VerifyError struct {
	Function string
	Offset   int
	Err      error
}

func (e VerifyError) Error() string {
	return fmt.Sprintf("%s+%d: %v", e.Function, e.Offset, e.Err)
}

// Verify checks every function's bytecode for instruction-boundary,
// operand-bounds, jump-target, and terminator-at-end problems, and checks
// every Call function index (other than the closure-call sentinel) and
// every class reference against the module's tables; CallMethod slots and
// field offsets are not checked here. It
// never runs any bytecode; this is purely load-time validation, the first
// tier of the error-handling design.
func Verify(m *Module) []VerifyError {
	var errs []VerifyError
	for fi := range m.Functions {
		errs = append(errs, verifyFunction(m, fi)...)
	}
	return errs
}

func verifyFunction(m *Module, fi int) []VerifyError {
	fn := &m.Functions[fi]
	var errs []VerifyError
	code := fn.StackCode
	if len(code) == 0 {
		return nil
	}

	report := func(off int, err error) {
		errs = append(errs, VerifyError{Function: fn.Name, Offset: off, Err: err})
	}

	terminatedAtEnd := false
	ip := 0
	for ip < len(code) {
		n, err := InstrLen(code, ip)
		if err != nil {
			report(ip, err)
			break
		}
		op := Op(code[ip])
		operands := code[ip+1 : ip+n]
		if err := verifyOperands(m, fn, op, operands, ip, len(code)); err != nil {
			report(ip, err)
		}
		terminatedAtEnd = isTerminator(op)
		ip += n
	}
	if len(errs) == 0 && !terminatedAtEnd {
		report(len(code), ErrMissingTerminator)
	}
	return errs
}

func isTerminator(op Op) bool {
	switch op {
	case OpReturn, OpReturnVoid, OpThrow, OpRethrow, OpTrap, OpJmp:
		return true
	default:
		return false
	}
}

func verifyOperands(m *Module, fn *Function, op Op, b []byte, ip, codeLen int) error {
	switch op {
	case OpConstF64, OpConstStr:
		idx := int(U16(b))
		if idx >= len(m.Constants) {
			return ErrMalformedConstants
		}
	case OpLoadLocal, OpStoreLocal:
		idx := int(U16(b))
		if idx >= fn.LocalCount {
			return ErrBadRegister
		}
	case OpJmp, OpJmpIfTrue, OpJmpIfFalse, OpJmpIfNull, OpJmpIfNotNull:
		target := ip + 1 + 2 + int(I16(b))
		if target < 0 || target > codeLen {
			return ErrBadJumpTarget
		}
	case OpTry:
		catchOff := int(I32(b[:4]))
		finallyOff := int(I32(b[4:8]))
		base := ip + 1 + 8
		if catchOff != -1 {
			if t := base + catchOff; t < 0 || t > codeLen {
				return ErrBadJumpTarget
			}
		}
		if finallyOff != -1 {
			if t := base + finallyOff; t < 0 || t > codeLen {
				return ErrBadJumpTarget
			}
		}
	case OpCall:
		fidx := U32(b[:4])
		if fidx != 0xFFFFFFFF && int(fidx) >= len(m.Functions) {
			return ErrBadFunctionIndex
		}
	case OpNew, OpObjectLiteral, OpInstanceOf, OpCast:
		idx := int(U16(b[:2]))
		if idx >= len(m.Classes) {
			return ErrBadClassIndex
		}
	case OpLoadField, OpStoreField:
		idx := int(U16(b))
		_ = idx // field offset bounds depend on the receiver's runtime class; checked by the interpreter
	}
	return nil
}
