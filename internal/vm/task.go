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
	"sync"
	"sync/atomic"
	"time"

	"raya/internal/exception"
	"raya/internal/value"
)

// TaskState is a task's lifecycle position. Transitions form a DAG whose
// terminal states (Completed, Failed, Cancelled) absorb.
type TaskState int32

const (
	TaskReady TaskState = iota
	TaskRunning
	TaskSuspended
	TaskCompleted
	TaskFailed
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskSuspended:
		return "suspended"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether s is one of the absorbing states.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Frame is one call activation: the callee's code, instruction pointer,
// local slots (or register file, when the frame executes the register
// encoding), operand-stack base, and (for closure calls) the closure
// heap value whose captures LoadCaptured reads.
type Frame struct {
	FuncIndex  uint32
	IP         int // byte offset in stack form, word index in register form
	Locals     []value.Value
	StackBase  int
	ClosureVal value.Value // Null for plain calls

	// RegForm marks a frame running the fixed-width register encoding;
	// Regs is its register file and Locals stays nil.
	RegForm bool
	Regs    []value.Value
	// RegDst is where the CALLER wants this frame's return value when
	// the caller is itself a register frame; DiscardReg means unused.
	RegDst uint8
}

// Task is the unit of scheduling: its own operand stack, frames, handler
// stack, and lifecycle state. A task is only ever mutated by the worker
// currently running it; the state word is the cross-thread handoff point.
type Task struct {
	ID       uint64
	ParentID uint64

	FuncIndex   uint32
	InitialArgs []value.Value // consumed on first entry
	InitClosure value.Value   // closure backing a SpawnClosure task, else Null

	Stack    []value.Value
	Frames   []Frame
	Handlers exception.Stack

	// CurrentException is the value being unwound, preserved for Rethrow
	// and for resuming unwinding after an exception-path finally.
	CurrentException value.Value

	// OwnedMutexes is the registry ids of mutexes this task holds, in
	// acquisition order; unwinding releases past the handler's count.
	OwnedMutexes []uint64

	Result    value.Value // set when Completed
	Exception value.Value // set when Failed

	state int32 // TaskState, atomic

	preempt   int32 // atomic flag: yield at the next safepoint poll
	cancelled int32 // atomic flag: raise CancellationError at the next poll

	// AwaitTarget is the task id currently awaited, 0 if none. Await and
	// WaitAll write it; nothing in the runtime reads it.
	AwaitTarget uint64

	// Mu is a lock a host thread may take while walking the operand stack
	// outside the safepoint protocol; the runtime itself never locks it
	// (a task runs on one worker at a time, and the collector reads task
	// stacks only inside its stop-the-world window).
	Mu sync.Mutex
}

// NewTask builds a ready task that will enter fnIndex with args.
func NewTask(id, parent uint64, fnIndex uint32, args []value.Value, closure value.Value) *Task {
	return &Task{
		ID:          id,
		ParentID:    parent,
		FuncIndex:   fnIndex,
		InitialArgs: args,
		InitClosure: closure,
		Result:      value.Null,
		Exception:   value.Null,
	}
}

// State reads the lifecycle state.
func (t *Task) State() TaskState { return TaskState(atomic.LoadInt32(&t.state)) }

// SetState unconditionally stores a new state.
func (t *Task) SetState(s TaskState) { atomic.StoreInt32(&t.state, int32(s)) }

// CasState attempts the Ready->Running style transition atomically,
// guaranteeing a task is never run by two workers at once.
func (t *Task) CasState(from, to TaskState) bool {
	return atomic.CompareAndSwapInt32(&t.state, int32(from), int32(to))
}

// Preempt asks the task to yield at its next safepoint poll.
func (t *Task) Preempt() { atomic.StoreInt32(&t.preempt, 1) }

func (t *Task) takePreempt() bool {
	return atomic.CompareAndSwapInt32(&t.preempt, 1, 0)
}

// Cancel flags the task for cancellation; the interpreter converts the
// flag into a CancellationError at the next poll.
func (t *Task) Cancel() {
	atomic.StoreInt32(&t.cancelled, 1)
	t.Preempt()
}

// Cancelled reports whether cancellation has been requested.
func (t *Task) Cancelled() bool { return atomic.LoadInt32(&t.cancelled) != 0 }

func (t *Task) takeCancelled() bool {
	return atomic.CompareAndSwapInt32(&t.cancelled, 1, 0)
}

// EnumerateRoots visits every heap reference the task can reach: operand
// stack, every frame's locals and closure, the saved exception values,
// and the not-yet-consumed initial arguments. Called inside the
// collector's stop-the-world window.
func (t *Task) EnumerateRoots(visit func(value.Value)) {
	for _, v := range t.Stack {
		visit(v)
	}
	for i := range t.Frames {
		for _, v := range t.Frames[i].Locals {
			visit(v)
		}
		for _, v := range t.Frames[i].Regs {
			visit(v)
		}
		visit(t.Frames[i].ClosureVal)
	}
	for _, v := range t.InitialArgs {
		visit(v)
	}
	visit(t.InitClosure)
	visit(t.CurrentException)
	visit(t.Result)
	visit(t.Exception)
}

// SuspendReason says why a task parked.
type SuspendReason int

const (
	SuspendAwait SuspendReason = iota
	SuspendWaitAll
	SuspendSleep
	SuspendMutex
	SuspendChanSend
	SuspendChanRecv
	SuspendYield
	SuspendPreempted
)

// Suspension carries everything the scheduler needs to park and later
// wake a task. It is scheduler-internal and never surfaces to user code.
type Suspension struct {
	Reason SuspendReason
	Target uint64    // awaited task id, or sync registry id
	WakeAt time.Time // for SuspendSleep
}
