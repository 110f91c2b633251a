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

// Magic identifies a Raya module; Version is bumped when the wire contract
// changes in a way that is not backward readable.
const Magic = "RAYA"

const Version uint32 = 1

// Feature flag bits for Module.Features.
const (
	FeatureReflection uint32 = 1 << iota
	FeatureNativeFunctions
	FeatureJITHints
)

// Constant is one entry of the module's constant pool. Only one of the
// fields is meaningful, selected at the use site: stack ConstF64 and
// ConstStr index the pool directly, and register LoadConst selects the
// field through the Bx tag bits. Stack ConstI32 carries its value inline
// and does not use the pool.
type Constant struct {
	Int    int32
	Float  float64
	String string
}

// MethodEntry is one vtable slot of a ClassDef.
type MethodEntry struct {
	Name       string
	FunctionID uint32
	Slot       uint16
}

// ClassDef describes one class: its total field count (including inherited
// fields), optional parent, and vtable slots. The runtime composes a fully
// resolved vtable at load time by inheriting the parent's slots and then
// overlaying the class's own.
type ClassDef struct {
	Name        string
	FieldCount  int
	OwnFields   int // fields declared directly on this class (FieldCount - parent's FieldCount)
	ParentID    int32 // -1 if none
	Methods     []MethodEntry
	ConstructorFunctionID int32 // -1 if none
	VTable      []uint32       // resolved at load time: slot -> function id
}

// FieldMeta is one entry of a class's reflection block.
type FieldMeta struct {
	Name     string
	TypeName string
	ReadOnly bool
	IsStatic bool
}

// ReflectionBlock carries field metadata per class so the runtime can
// satisfy typeof/instanceof/reflect without re-parsing source. Per the
// supplemented-features note, this repo always populates it.
type ReflectionBlock struct {
	Fields map[uint32][]FieldMeta // class id -> fields
}

// NativeFuncEntry is one entry of the module's native-function table; the
// runtime resolves these by name against a host-provided registry (see
// internal/natives).
type NativeFuncEntry struct {
	Name      string
	Signature string
}

// Function holds one function's parameter/local shape and both bytecode
// encodings. The register form is optional; the VM enters it for a call
// only when the function carries one and vm.Config.PreferRegisterCode is
// set, and runs the stack form otherwise.
type Function struct {
	Name         string
	ParamCount   int
	LocalCount   int
	StackCode    []byte
	RegCode      []uint32
	RegisterCount int
}

// Module is the immutable-after-load unit the compiler hands to the
// runtime: ordered function table, constant pool, class table, native
// table, and optional reflection block.
type Module struct {
	Magic    string
	Version  uint32
	Features uint32

	Constants []Constant
	Functions []Function
	Classes   []ClassDef
	Natives   []NativeFuncEntry

	Reflection *ReflectionBlock

	// GlobalCount is the number of module-level global slots addressed by
	// LoadGlobal/StoreGlobal.
	GlobalCount int
	// GlobalNames maps a global's declared name to its slot index, used by
	// natives and host bindings that look globals up by name.
	GlobalNames map[string]int
}

// NewModule returns an empty, ready-to-populate module with the magic and
// current version stamped.
func NewModule() *Module {
	return &Module{
		Magic:       Magic,
		Version:     Version,
		GlobalNames: make(map[string]int),
	}
}

// FunctionByName returns the index of the named function, or -1.
func (m *Module) FunctionByName(name string) int32 {
	for i, f := range m.Functions {
		if f.Name == name {
			return int32(i)
		}
	}
	return -1
}

// ResolveVTables composes every class's vtable by inheriting parent slots
// and overlaying its own, following the inheritance rule in the external
// interfaces section. Must run once at module load before any Call or
// CallMethod executes.
func (m *Module) ResolveVTables() {
	resolved := make([]bool, len(m.Classes))
	var resolve func(id int)
	resolve = func(id int) {
		if resolved[id] {
			return
		}
		c := &m.Classes[id]
		var vtable []uint32
		if c.ParentID >= 0 {
			resolve(int(c.ParentID))
			parent := m.Classes[c.ParentID].VTable
			vtable = append(vtable, parent...)
		}
		for _, me := range c.Methods {
			for len(vtable) <= int(me.Slot) {
				vtable = append(vtable, 0)
			}
			vtable[me.Slot] = me.FunctionID
		}
		c.VTable = vtable
		resolved[id] = true
	}
	for i := range m.Classes {
		resolve(i)
	}
}
