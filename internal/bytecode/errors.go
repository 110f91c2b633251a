// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import "errors"

// Validation errors: fatal at module load, per the error-handling design's
// first tier. No task is ever started against a module that fails
// verification.
var (
	ErrInvalidOpcode      = errors.New("invalid opcode")
	ErrTruncated          = errors.New("truncated instruction")
	ErrBadOperandEncoding = errors.New("bad operand encoding")
	ErrMalformedConstants = errors.New("malformed constant pool")
	ErrBadJumpTarget      = errors.New("jump target out of bounds")
	ErrBadRegister        = errors.New("register index out of bounds")
	ErrBadFunctionIndex   = errors.New("function index out of bounds")
	ErrBadClassIndex      = errors.New("class index out of bounds")
	ErrMissingTerminator  = errors.New("function falls off the end of its bytecode")
)
