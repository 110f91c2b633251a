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

// Package vm is the stack interpreter: it executes one task's bytecode
// until the task completes, fails, or parks itself, maintaining the
// task's operand stack and call frames and polling safepoints at the
// sites the collector depends on.
package vm

import (
	"raya/internal/bytecode"
	"raya/internal/classes"
	"raya/internal/gc"
	"raya/internal/natives"
	"raya/internal/safepoint"
	"raya/internal/value"
	"raya/internal/vmsync"
)

// Env is what the interpreter needs from the scheduler. The scheduler
// implements it; splitting the interface this way keeps the dependency
// order scheduler -> interpreter.
type Env interface {
	// SpawnTask creates and enqueues a task running fnIndex with args;
	// closure is Null for direct spawns. Returns the new task's id.
	SpawnTask(fnIndex uint32, args []value.Value, closure value.Value, parent uint64) (uint64, error)
	// TaskStatus reads a task's terminal snapshot: ok is false for an
	// unknown (already drained) id.
	TaskStatus(id uint64) (state TaskState, result, exc value.Value, ok bool)
	// AddWaiter registers waiter to be woken when target reaches a
	// terminal state. Returns false if target is already terminal (the
	// caller should re-check instead of parking).
	AddWaiter(target, waiter uint64) bool
	// WakeTask re-injects a suspended task into the run queue.
	WakeTask(id uint64)
	// DrainObserved tells the registry that an awaiter has consumed the
	// terminal result of id; the task can now be dropped.
	DrainObserved(id uint64)
	// CancelTask requests cancellation of id.
	CancelTask(id uint64)
	// MaybeCollect runs a collection cycle if the heap has crossed its
	// threshold. Called right after the safepoint poll preceding every
	// allocation opcode.
	MaybeCollect()
}

// Config tunes the interpreter.
type Config struct {
	// SliceBudget is the number of instructions a task may execute per
	// scheduling slice before the interpreter reports it preempted; 0
	// disables the budget.
	SliceBudget int

	// PreferRegisterCode makes the per-call encoding selection pick the
	// fixed-width register form whenever the callee carries one; the
	// stack form remains the fallback for functions the register set
	// cannot express. The two encodings are semantically equivalent.
	PreferRegisterCode bool
}

// DefaultConfig bounds a slice so a CPU-bound task cannot starve peers.
var DefaultConfig = Config{SliceBudget: 1 << 16}

// VM bundles the shared, load-time-immutable module state with the
// mutable runtime registries. One VM serves all workers; per-task state
// lives on the Task.
type VM struct {
	Cfg     Config
	Module  *bytecode.Module
	Heap    *gc.Heap
	Classes *classes.Registry
	Globals *classes.Globals
	Sync    *vmsync.Registry
	SP      *safepoint.Coordinator
	Env     Env

	// NativeFns is dense, indexed by the module's native table ids.
	NativeFns []natives.Func

	// constStrings pins one interned heap string per constant-pool entry
	// so ConstStr never allocates on the hot path; enumerated as roots.
	constStrings []value.Value
}

// New wires a VM around a verified module. Natives are resolved against
// reg; a module with no native table needs no registry.
func New(cfg Config, m *bytecode.Module, heap *gc.Heap, sp *safepoint.Coordinator, reg *natives.Registry) (*VM, error) {
	v := &VM{
		Cfg:     cfg,
		Module:  m,
		Heap:    heap,
		Classes: classes.NewRegistry(m, heap.VTableCache()),
		Globals: classes.NewGlobals(m),
		Sync:    vmsync.NewRegistry(),
		SP:      sp,
	}
	if len(m.Natives) > 0 {
		if reg == nil {
			reg = natives.Default()
		}
		names := make([]string, len(m.Natives))
		for i, n := range m.Natives {
			names[i] = n.Name
		}
		fns, err := reg.Resolve(names)
		if err != nil {
			return nil, err
		}
		v.NativeFns = fns
	}
	v.constStrings = make([]value.Value, len(m.Constants))
	for i, c := range m.Constants {
		v.constStrings[i] = heap.AllocString(c.String)
	}
	return v, nil
}

// EnumerateRoots visits the VM-pinned heap references: interned constant
// strings, globals, and channel-buffered values.
func (v *VM) EnumerateRoots(visit func(value.Value)) {
	for _, s := range v.constStrings {
		visit(s)
	}
	v.Globals.EnumerateRoots(visit)
	v.Sync.ChannelValues(visit)
}

// Display renders a value the way Sconcat/ToString do; used by hosts to
// surface results and uncaught exceptions.
func (v *VM) Display(x value.Value) string { return v.display(x) }

// nativeContext builds the restricted view handed to a native call.
func (v *VM) nativeContext(t *Task) *natives.Context {
	return &natives.Context{
		Heap:      v.Heap,
		TaskID:    t.ID,
		Cancelled: t.Cancelled,
	}
}
