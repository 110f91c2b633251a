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

// Package codegen lowers this module's typed IR to both bytecode encodings:
// the variable-length stack form the interpreter actually executes, and a
// fixed-width register form covering the common instruction set, produced
// side by side from the same IR so the two stay in lockstep.
package codegen

import (
	"fmt"
	"sort"

	"raya/internal/bytecode"
	"raya/internal/ir"
)

// Generate compiles prog to a loadable Module. Function indices, class
// indices, and global method slots are resolved in a pre-pass so forward
// references (a function calling one declared later) generate correctly.
func Generate(prog *ir.Program) (*bytecode.Module, error) {
	g := &generator{
		module:      bytecode.NewModule(),
		funcIndex:   map[string]int{},
		classIndex:  map[string]int{},
		methodSlot:  map[string]uint16{},
		nativeIndex: map[string]int{},
		intIdx:      map[int32]int{},
		floatIdx:    map[float64]int{},
		strIdx:      map[string]int{},
		irConstants: prog.Constants,
	}
	g.assignFunctionIndices(prog)
	g.assignMethodSlots(prog)
	if err := g.buildClasses(prog); err != nil {
		return nil, err
	}
	g.module.Reflection = &bytecode.ReflectionBlock{Fields: map[uint32][]bytecode.FieldMeta{}}
	for classID, td := range prog.Types {
		var fields []bytecode.FieldMeta
		for _, f := range td.Fields {
			fields = append(fields, bytecode.FieldMeta{Name: f.Name, TypeName: f.Type.String()})
		}
		g.module.Reflection.Fields[uint32(classID)] = fields
	}
	g.module.Features |= bytecode.FeatureReflection

	for _, fn := range prog.Functions {
		bf, err := g.generateFunction(fn)
		if err != nil {
			return nil, fmt.Errorf("codegen: function %s: %w", fn.Name, err)
		}
		g.module.Functions[g.funcIndex[fn.Name]] = *bf
	}

	g.module.Constants = g.constants
	g.module.ResolveVTables()
	return g.module, nil
}

// generator holds cross-function state (function/class/method tables, the
// shared constant pool) plus per-function state that generateFunction resets.
type generator struct {
	module *bytecode.Module

	funcIndex   map[string]int
	classIndex  map[string]int
	methodSlot  map[string]uint16 // keyed by bare method name, shared across classes
	nativeIndex map[string]int

	irConstants []ir.Constant
	constants   []bytecode.Constant
	intIdx      map[int32]int
	floatIdx    map[float64]int
	strIdx      map[string]int

	// per-function state (reset by generateFunction; the register back-end
	// keeps its own state in regGen, see reggen.go)
	code      []byte
	labels    map[*ir.BasicBlock]int
	patches   []patch
	tempSlot  map[int]int
	nextTemp  int
	tryOfBody map[*ir.BasicBlock]*ir.TryRegion
}

type patch struct {
	offset int // where the immediate bytes start
	width  int // 2 or 4
	// base is the position the resolved offset is relative to: the end of
	// the jump's own operand field, except for Try, whose two fields both
	// resolve from the end of the whole 8-byte operand block the way the
	// interpreter and verifier read them.
	base   int
	target *ir.BasicBlock
}

func (g *generator) assignFunctionIndices(prog *ir.Program) {
	g.module.Functions = make([]bytecode.Function, len(prog.Functions))
	for i, fn := range prog.Functions {
		g.funcIndex[fn.Name] = i
		g.module.Functions[i] = bytecode.Function{Name: fn.Name, ParamCount: len(fn.Params), LocalCount: fn.LocalCount}
	}
}

// assignMethodSlots gives every distinct method name appearing anywhere in
// the program one global vtable slot, in sorted order for determinism. A
// subclass overriding a method automatically lands in its parent's slot
// because the slot key is the bare method name, not (class, name).
func (g *generator) assignMethodSlots(prog *ir.Program) {
	var names []string
	seen := map[string]bool{}
	for _, td := range prog.Types {
		for _, fname := range td.Methods {
			mname := methodNameOf(fname)
			if !seen[mname] {
				seen[mname] = true
				names = append(names, mname)
			}
		}
	}
	sort.Strings(names)
	for i, n := range names {
		g.methodSlot[n] = uint16(i)
	}
}

// methodNameOf strips a lowered method function's "Class::" prefix.
func methodNameOf(fname string) string {
	for i := len(fname) - 1; i >= 1; i-- {
		if fname[i] == ':' && fname[i-1] == ':' {
			return fname[i+1:]
		}
	}
	return fname
}

func (g *generator) buildClasses(prog *ir.Program) error {
	for i, td := range prog.Types {
		g.classIndex[td.Name] = i
	}
	g.module.Classes = make([]bytecode.ClassDef, len(prog.Types))
	for i, td := range prog.Types {
		cd := bytecode.ClassDef{
			Name:                  td.Name,
			FieldCount:            len(td.Fields),
			OwnFields:             len(td.Fields) - td.OwnFieldStart,
			ParentID:              -1,
			ConstructorFunctionID: -1,
		}
		if td.Parent != "" {
			pid, ok := g.classIndex[td.Parent]
			if !ok {
				return fmt.Errorf("codegen: class %s has unknown parent %s", td.Name, td.Parent)
			}
			cd.ParentID = int32(pid)
		}
		for _, fname := range td.Methods {
			fid, ok := g.funcIndex[fname]
			if !ok {
				return fmt.Errorf("codegen: method %s not found among lowered functions", fname)
			}
			cd.Methods = append(cd.Methods, bytecode.MethodEntry{
				Name:       methodNameOf(fname),
				FunctionID: uint32(fid),
				Slot:       g.methodSlot[methodNameOf(fname)],
			})
		}
		if td.Constructor != "" {
			fid, ok := g.funcIndex[td.Constructor]
			if !ok {
				return fmt.Errorf("codegen: constructor %s not found among lowered functions", td.Constructor)
			}
			cd.ConstructorFunctionID = int32(fid)
		}
		g.module.Classes[i] = cd
	}
	return nil
}
