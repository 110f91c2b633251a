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
	"strings"
	"testing"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/safepoint"
	"raya/internal/value"
)

// stubEnv satisfies Env for single-task interpreter tests; concurrency
// opcodes are exercised by the scheduler's own tests.
type stubEnv struct{ heap *gc.Heap }

func (stubEnv) SpawnTask(uint32, []value.Value, value.Value, uint64) (uint64, error) { return 0, nil }
func (stubEnv) TaskStatus(uint64) (TaskState, value.Value, value.Value, bool) {
	return TaskFailed, value.Null, value.Null, false
}
func (stubEnv) AddWaiter(uint64, uint64) bool { return false }
func (stubEnv) WakeTask(uint64)               {}
func (stubEnv) CancelTask(uint64)             {}
func (stubEnv) DrainObserved(uint64)          {}
func (stubEnv) MaybeCollect()                 {}

func instr(op bytecode.Op, operands ...byte) []byte {
	return append([]byte{byte(op)}, operands...)
}

func program(instrs ...[]byte) []byte {
	var out []byte
	for _, i := range instrs {
		out = append(out, i...)
	}
	return out
}

func i32le(v int32) []byte {
	b := make([]byte, 4)
	bytecode.PutI32(b, v)
	return b
}

// testVM builds a VM around one or more raw functions.
func testVM(t *testing.T, fns ...bytecode.Function) *VM {
	t.Helper()
	m := bytecode.NewModule()
	m.Functions = fns
	sp := safepoint.New(0)
	heap := gc.New(gc.DefaultConfig, sp)
	v, err := New(DefaultConfig, m, heap, sp, nil)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	v.Env = stubEnv{heap: heap}
	return v
}

func runMain(t *testing.T, v *VM, args ...value.Value) (*Task, Outcome) {
	t.Helper()
	task := NewTask(1, 0, 0, args, value.Null)
	out, susp := v.Run(task)
	if susp != nil {
		t.Fatalf("unexpected suspension %+v", susp)
	}
	return task, out
}

func TestIaddWraps(t *testing.T) {
	cases := []struct{ a, b, want int32 }{
		{2, 3, 5},
		{2147483647, 1, -2147483648},
		{-2147483648, -1, 2147483647},
		{-7, 7, 0},
	}
	for _, c := range cases {
		v := testVM(t, bytecode.Function{
			Name: "main", LocalCount: 0,
			StackCode: program(
				instr(bytecode.OpConstI32, i32le(c.a)...),
				instr(bytecode.OpConstI32, i32le(c.b)...),
				instr(bytecode.OpIadd),
				instr(bytecode.OpReturn),
			),
		})
		task, out := runMain(t, v)
		if out != OutcomeCompleted {
			t.Fatalf("a=%d b=%d: outcome %v", c.a, c.b, out)
		}
		got, _ := task.Result.AsI32()
		if got != c.want {
			t.Fatalf("a=%d b=%d: got %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestIdivByZeroFailsTask(t *testing.T) {
	for _, a := range []int32{0, 1, -5, 2147483647} {
		v := testVM(t, bytecode.Function{
			Name: "main",
			StackCode: program(
				instr(bytecode.OpConstI32, i32le(a)...),
				instr(bytecode.OpConstI32, i32le(0)...),
				instr(bytecode.OpIdiv),
				instr(bytecode.OpReturn),
			),
		})
		task, out := runMain(t, v)
		if out != OutcomeFailed {
			t.Fatalf("a=%d: expected Failed, got %v", a, out)
		}
		sd, ok := v.Heap.String(task.Exception)
		if !ok || !strings.Contains(string(sd.Bytes), "Division by zero") {
			t.Fatalf("a=%d: wrong exception %s", a, v.Display(task.Exception))
		}
	}
}

func TestStackUnderflowSurfacesAsRuntimeError(t *testing.T) {
	v := testVM(t, bytecode.Function{
		Name:      "main",
		StackCode: program(instr(bytecode.OpPop), instr(bytecode.OpReturnVoid)),
	})
	task, out := runMain(t, v)
	if out != OutcomeFailed {
		t.Fatalf("expected Failed, got %v", out)
	}
	if !strings.Contains(v.Display(task.Exception), "Stack underflow") {
		t.Fatalf("wrong exception: %s", v.Display(task.Exception))
	}
}

func TestTruncatedOperandFails(t *testing.T) {
	v := testVM(t, bytecode.Function{
		Name:      "main",
		StackCode: []byte{byte(bytecode.OpConstI32), 1, 2}, // 2 of 4 operand bytes
	})
	task, out := runMain(t, v)
	if out != OutcomeFailed {
		t.Fatalf("expected Failed, got %v", out)
	}
	if !strings.Contains(v.Display(task.Exception), "Unexpected end of bytecode") {
		t.Fatalf("wrong exception: %s", v.Display(task.Exception))
	}
}

func TestCallAndReturnValue(t *testing.T) {
	// main calls double(21); double returns arg*2 from local slot 0.
	v := testVM(t,
		bytecode.Function{
			Name: "main",
			StackCode: program(
				instr(bytecode.OpConstI32, i32le(21)...),
				instr(bytecode.OpCall, 1, 0, 0, 0, 1, 0), // fidx=1, argc=1
				instr(bytecode.OpReturn),
			),
		},
		bytecode.Function{
			Name: "double", ParamCount: 1, LocalCount: 1,
			StackCode: program(
				instr(bytecode.OpLoadLocal0),
				instr(bytecode.OpLoadLocal0),
				instr(bytecode.OpIadd),
				instr(bytecode.OpReturn),
			),
		},
	)
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	if got, _ := task.Result.AsI32(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestThrowUnwindsToCatch(t *testing.T) {
	// Layout (byte offsets):
	//   0: Try catch=+11 finally=-1 (operands end at 9; catch = 9+11 = 20)
	//   9: ConstI32 7
	//  14: Throw
	//  15: ConstI32 0 (skipped normal path filler)
	//  20: Return — the catch target; the unwinder pushed the exception
	code := program(
		instr(bytecode.OpTry, append(i32le(11), i32le(-1)...)...),
		instr(bytecode.OpConstI32, i32le(7)...),
		instr(bytecode.OpThrow),
		instr(bytecode.OpConstI32, i32le(0)...),
		instr(bytecode.OpReturn),
	)
	v := testVM(t, bytecode.Function{Name: "main", StackCode: code})
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	if got, _ := task.Result.AsI32(); got != 7 {
		t.Fatalf("got %v, want caught 7", v.Display(task.Result))
	}
}

func TestFCompareNaN(t *testing.T) {
	// NaN == NaN is false: 0.0/0.0 produces NaN via Fdiv.
	v := testVM(t, bytecode.Function{
		Name: "main",
		StackCode: program(
			instr(bytecode.OpConstI32, i32le(0)...),
			instr(bytecode.OpConstI32, i32le(0)...),
			instr(bytecode.OpFdiv), // NaN
			instr(bytecode.OpDup),
			instr(bytecode.OpFeq),
			instr(bytecode.OpReturn),
		),
	})
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	b, ok := task.Result.AsBool()
	if !ok || b {
		t.Fatalf("NaN == NaN must be false, got %s", v.Display(task.Result))
	}
}

func TestRefCellRoundTrip(t *testing.T) {
	v := testVM(t, bytecode.Function{
		Name: "main", LocalCount: 1,
		StackCode: program(
			instr(bytecode.OpConstI32, i32le(5)...),
			instr(bytecode.OpNewRefCell),
			instr(bytecode.OpStoreLocal0),
			instr(bytecode.OpLoadLocal0),
			instr(bytecode.OpConstI32, i32le(9)...),
			instr(bytecode.OpStoreRefCell),
			instr(bytecode.OpLoadLocal0),
			instr(bytecode.OpLoadRefCell),
			instr(bytecode.OpReturn),
		),
	})
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	if got, _ := task.Result.AsI32(); got != 9 {
		t.Fatalf("got %d, want 9", got)
	}
}

// regWord builds one fixed-width instruction word.
func regWord(op bytecode.RegOp, a uint8, bc uint16) uint32 {
	return bytecode.EncodeWord(op, a, bc)
}

func abc(b, c uint8) uint16 { return uint16(b) | uint16(c)<<8 }

// The register encoding of `return 20 + 22` plus a call from a stack-form
// main: the per-call selection enters the register frame and the result
// flows back onto the caller's operand stack.
func TestRegisterFormCallFromStackFrame(t *testing.T) {
	regFn := bytecode.Function{
		Name: "answer", RegisterCount: 2,
		RegCode: []uint32{
			regWord(bytecode.RLoadInt, 0, 20),
			regWord(bytecode.RLoadInt, 1, 22),
			regWord(bytecode.RIadd, 0, abc(0, 1)),
			regWord(bytecode.RReturn, 0, abc(1, 0)),
		},
	}
	main := bytecode.Function{
		Name: "main",
		StackCode: program(
			instr(bytecode.OpCall, 1, 0, 0, 0, 0, 0), // fidx=1, argc=0
			instr(bytecode.OpReturn),
		),
	}
	v := testVM(t, main, regFn)
	v.Cfg.PreferRegisterCode = true
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	if got, _ := task.Result.AsI32(); got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

// A register-form try/catch: the thrown value lands in the Try
// instruction's catch register, not on the operand stack.
func TestRegisterFormThrowCatch(t *testing.T) {
	// word layout:
	//  0: Try  catch reg = r1, extra word at 1 -> catch ip 5, no finally
	//  2: LoadInt r0, 7
	//  3: Throw r0
	//  4: LoadInt r1, 0  (skipped)
	//  5: Return r1      (catch target)
	fn := bytecode.Function{
		Name: "main", RegisterCount: 2,
		RegCode: []uint32{
			regWord(bytecode.RTry, 1, 0),
			uint32(5)<<16 | 0xFFFF,
			regWord(bytecode.RLoadInt, 0, 7),
			regWord(bytecode.RThrow, 0, 0),
			regWord(bytecode.RLoadInt, 1, 0),
			regWord(bytecode.RReturn, 1, abc(1, 0)),
		},
	}
	v := testVM(t, fn)
	v.Cfg.PreferRegisterCode = true
	task, out := runMain(t, v)
	if out != OutcomeCompleted {
		t.Fatalf("outcome %v (%s)", out, v.Display(task.Exception))
	}
	if got, _ := task.Result.AsI32(); got != 7 {
		t.Fatalf("got %v, want caught 7", v.Display(task.Result))
	}
}

// Division by zero raises the same runtime error from either encoding.
func TestRegisterFormDivisionByZero(t *testing.T) {
	fn := bytecode.Function{
		Name: "main", RegisterCount: 2,
		RegCode: []uint32{
			regWord(bytecode.RLoadInt, 0, 1),
			regWord(bytecode.RLoadInt, 1, 0),
			regWord(bytecode.RIdiv, 0, abc(0, 1)),
			regWord(bytecode.RReturn, 0, abc(1, 0)),
		},
	}
	v := testVM(t, fn)
	v.Cfg.PreferRegisterCode = true
	task, out := runMain(t, v)
	if out != OutcomeFailed {
		t.Fatalf("expected Failed, got %v", out)
	}
	if !strings.Contains(v.Display(task.Exception), "Division by zero") {
		t.Fatalf("wrong exception: %s", v.Display(task.Exception))
	}
}
