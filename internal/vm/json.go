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
	"raya/internal/bytecode"
	"raya/internal/gc"
	"raya/internal/value"
)

// stepJSON handles the duck-typed JsonValue opcode family. Object keys
// come from the constant pool; children are themselves heap values (JSON
// nodes, strings, numbers) so the tracer can walk them.
func (v *VM) stepJSON(t *Task, op bytecode.Op) error {
	switch op {
	case bytecode.OpJsonNewObject:
		return v.allocChecked(t, func() value.Value {
			return v.Heap.AllocJSON(&gc.JSONData{Kind: gc.JSONObject, Object: map[string]value.Value{}})
		})

	case bytecode.OpJsonNewArray:
		return v.allocChecked(t, func() value.Value {
			return v.Heap.AllocJSON(&gc.JSONData{Kind: gc.JSONArray})
		})

	case bytecode.OpJsonGet:
		key, err := v.constKey(t)
		if err != nil {
			return err
		}
		jd, err := v.popJSON(t, gc.JSONObject)
		if err != nil {
			return err
		}
		if x, ok := jd.Object[key]; ok {
			v.push(t, x)
		} else {
			v.push(t, value.Null)
		}
		return nil

	case bytecode.OpJsonSet:
		key, err := v.constKey(t)
		if err != nil {
			return err
		}
		x, err := v.pop(t)
		if err != nil {
			return err
		}
		jd, err := v.popJSON(t, gc.JSONObject)
		if err != nil {
			return err
		}
		if _, exists := jd.Object[key]; !exists {
			jd.Keys = append(jd.Keys, key)
		}
		jd.Object[key] = x
		return nil

	case bytecode.OpJsonIndex:
		idx, err := v.popI32(t)
		if err != nil {
			return err
		}
		jd, err := v.popJSON(t, gc.JSONArray)
		if err != nil {
			return err
		}
		if idx < 0 || int(idx) >= len(jd.Array) {
			return errArrayOutOfBounds
		}
		v.push(t, jd.Array[idx])
		return nil

	case bytecode.OpJsonIndexSet:
		x, err := v.pop(t)
		if err != nil {
			return err
		}
		idx, err := v.popI32(t)
		if err != nil {
			return err
		}
		jd, err := v.popJSON(t, gc.JSONArray)
		if err != nil {
			return err
		}
		switch {
		case int(idx) == len(jd.Array):
			jd.Array = append(jd.Array, x)
		case idx >= 0 && int(idx) < len(jd.Array):
			jd.Array[idx] = x
		default:
			return errArrayOutOfBounds
		}
		return nil

	case bytecode.OpJsonKeys:
		jd, err := v.popJSON(t, gc.JSONObject)
		if err != nil {
			return err
		}
		return v.allocChecked(t, func() value.Value {
			keys := make([]value.Value, len(jd.Keys))
			for i, k := range jd.Keys {
				keys[i] = v.Heap.AllocString(k)
			}
			return v.Heap.AllocArray(0, keys)
		})

	case bytecode.OpJsonLength:
		x, err := v.pop(t)
		if err != nil {
			return err
		}
		jd, ok := v.Heap.JSON(x)
		if !ok {
			return typeErrorf("json length of %s", v.typeNameOf(x))
		}
		switch jd.Kind {
		case gc.JSONArray:
			v.push(t, value.I32(int32(len(jd.Array))))
		case gc.JSONObject:
			v.push(t, value.I32(int32(len(jd.Keys))))
		case gc.JSONString:
			v.push(t, value.I32(int32(len(jd.Str))))
		default:
			return typeErrorf("json length of scalar")
		}
		return nil

	default: // OpJsonCast
		return v.stepJSONCast(t)
	}
}

func (v *VM) constKey(t *Task) (string, error) {
	idx, err := v.u32(t)
	if err != nil {
		return "", err
	}
	if int(idx) >= len(v.Module.Constants) {
		return "", runtimeErrorf("constant index out of range")
	}
	return v.Module.Constants[idx].String, nil
}

func (v *VM) popJSON(t *Task, want gc.JSONKind) (*gc.JSONData, error) {
	x, err := v.pop(t)
	if err != nil {
		return nil, err
	}
	jd, ok := v.Heap.JSON(x)
	if !ok {
		return nil, typeErrorf("expected json value, got %s", v.typeNameOf(x))
	}
	if jd.Kind != want {
		return nil, typeErrorf("wrong json shape")
	}
	return jd, nil
}

// stepJSONCast validates a JSON object against a class's declared fields
// and materializes a typed instance. The class's reflection metadata
// names each field and its coarse type; a missing key or a kind mismatch
// raises a catchable TypeError.
func (v *VM) stepJSONCast(t *Task) error {
	cid, err := v.u16(t)
	if err != nil {
		return err
	}
	c := v.Classes.Class(uint32(cid))
	if c == nil {
		return runtimeErrorf("class index %d out of range", cid)
	}
	jd, err := v.popJSON(t, gc.JSONObject)
	if err != nil {
		return err
	}
	meta := v.Classes.FieldMeta(uint32(cid))
	if meta == nil {
		return typeErrorf("class %s carries no field metadata for json cast", c.Name)
	}
	fields := make([]value.Value, c.FieldCount)
	for i := range fields {
		fields[i] = value.Null
	}
	for i, fm := range meta {
		if i >= c.FieldCount {
			break
		}
		raw, ok := jd.Object[fm.Name]
		if !ok {
			return typeErrorf("json cast to %s: missing field %q", c.Name, fm.Name)
		}
		converted, ok := v.jsonFieldValue(raw, fm.TypeName)
		if !ok {
			return typeErrorf("json cast to %s: field %q is not a %s", c.Name, fm.Name, fm.TypeName)
		}
		fields[i] = converted
	}
	return v.allocChecked(t, func() value.Value {
		obj := v.Heap.AllocObject(uint32(cid), c.FieldCount)
		od, _ := v.Heap.Object(obj)
		copy(od.Fields, fields)
		return obj
	})
}

// jsonFieldValue coerces a JSON child into the coarse type a class field
// declares. JSON children may be boxed primitives directly or nested
// JSON nodes.
func (v *VM) jsonFieldValue(raw value.Value, typeName string) (value.Value, bool) {
	jd, isNode := v.Heap.JSON(raw)
	switch typeName {
	case "i32":
		if raw.IsI32() {
			return raw, true
		}
		if f, ok := raw.AsF64(); ok && f == float64(int32(f)) {
			return value.I32(int32(f)), true
		}
		if isNode && jd.Kind == gc.JSONNumber && jd.Number == float64(int32(jd.Number)) {
			return value.I32(int32(jd.Number)), true
		}
	case "f64":
		if f, ok := raw.AsF64(); ok {
			return value.F64(f), true
		}
		if i, ok := raw.AsI32(); ok {
			return value.F64(float64(i)), true
		}
		if isNode && jd.Kind == gc.JSONNumber {
			return value.F64(jd.Number), true
		}
	case "bool":
		if raw.IsBool() {
			return raw, true
		}
		if isNode && jd.Kind == gc.JSONBool {
			return value.Bool(jd.Bool), true
		}
	case "string":
		if _, ok := v.Heap.String(raw); ok {
			return raw, true
		}
		if isNode && jd.Kind == gc.JSONString {
			return v.Heap.AllocString(jd.Str), true
		}
	case "null":
		if raw.IsNull() {
			return raw, true
		}
	default:
		// untyped/any field: carry the raw child through
		return raw, true
	}
	return value.Null, false
}
