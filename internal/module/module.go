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

// Package module is the host entry point: it verifies a compiled module,
// wires the heap, safepoint coordinator, interpreter, and native registry
// into one runtime, and executes functions to completion on a fresh
// scheduler per run.
package module

import (
	"fmt"

	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/log"
	"raya/internal/natives"
	"raya/internal/safepoint"
	"raya/internal/sched"
	"raya/internal/value"
	"raya/internal/vm"
)

// Config aggregates the per-subsystem knobs with workable defaults.
type Config struct {
	Sched sched.Config
	VM    vm.Config
	GC    gc.Config
}

// DefaultConfig is suitable for tests and embedding.
func DefaultConfig() Config {
	return Config{
		Sched: sched.DefaultConfig(),
		VM:    vm.DefaultConfig,
		GC:    gc.DefaultConfig,
	}
}

// ExecError is a task that terminated with an uncaught exception; the
// exception value is retained alongside its rendering.
type ExecError struct {
	Exception value.Value
	Rendered  string
}

func (e *ExecError) Error() string { return "uncaught exception: " + e.Rendered }

// Runtime is a loaded, verified module plus its long-lived machinery.
type Runtime struct {
	Cfg     Config
	Module  *bytecode.Module
	Machine *vm.VM

	// LastSched is the scheduler of the most recent Execute call, kept
	// for post-run inspection (task counts, drain behavior) by tests.
	LastSched *sched.Scheduler
}

// Load verifies m, resolves vtables and natives, and builds the runtime.
// A module failing verification starts no tasks.
func Load(cfg Config, m *bytecode.Module, reg *natives.Registry) (*Runtime, error) {
	if errs := bytecode.Verify(m); len(errs) > 0 {
		return nil, fmt.Errorf("module: verification failed: %v (and %d more)", errs[0], len(errs)-1)
	}
	m.ResolveVTables()

	sp := safepoint.New(cfg.Sched.Workers)
	heap := gc.New(cfg.GC, sp)
	machine, err := vm.New(cfg.VM, m, heap, sp, reg)
	if err != nil {
		return nil, err
	}
	log.Debug("module loaded", "functions", len(m.Functions), "classes", len(m.Classes), "constants", len(m.Constants))
	return &Runtime{Cfg: cfg, Module: m, Machine: machine}, nil
}

// Execute runs the named function as the root task and blocks until it
// terminates, returning its result. An uncaught exception surfaces as
// *ExecError.
func (r *Runtime) Execute(fnName string, args ...value.Value) (value.Value, error) {
	idx := r.Module.FunctionByName(fnName)
	if idx < 0 {
		return value.Null, fmt.Errorf("module: no function named %q", fnName)
	}
	s := sched.New(r.Cfg.Sched, r.Machine)
	r.LastSched = s
	result, exc, state, err := s.Execute(uint32(idx), args)
	if err != nil {
		return value.Null, err
	}
	switch state {
	case vm.TaskCompleted:
		return result, nil
	default:
		return value.Null, &ExecError{Exception: exc, Rendered: r.Machine.Display(exc)}
	}
}
