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

package ir

import (
	"fmt"

	"raya/internal/ast"
)

// Lower turns a type-checked AST program into this package's IR, performing
// constant folding of `const` bindings, closure capture analysis (including
// per-iteration loop captures), and try/finally inlining along the way.
func Lower(prog *ast.Program) (*Program, error) {
	counter := 0
	l := &lowerer{b: NewBuilder(), closureCounter: &counter}
	for _, c := range prog.Classes {
		l.lowerClassShell(c)
	}
	for _, c := range prog.Classes {
		if err := l.lowerClassBody(c); err != nil {
			return nil, err
		}
	}
	for _, fn := range prog.Functions {
		if err := l.lowerFunction(fn, "", false); err != nil {
			return nil, err
		}
	}
	return l.b.Program(), nil
}

func astTypeToIR(t ast.TypeID) Type {
	switch t {
	case ast.TypeNull:
		return TypeNull
	case ast.TypeBool:
		return TypeBool
	case ast.TypeInt:
		return TypeI32
	case ast.TypeNumber:
		return TypeF64
	case ast.TypeString:
		return TypeString
	case ast.TypeArray:
		return TypeArray
	default:
		return TypeAny
	}
}

// localInfo tracks one local binding's lowered representation.
type localInfo struct {
	slot int
	cell bool // true: slot holds a Ptr to a RefCell; false: slot holds the value directly

	// constIdx is non-nil when this local is a folded `const` binding: it
	// is never materialized as a local slot, and every read re-emits an
	// OpConst against this pool index instead (see foldConstExpr).
	constIdx  *int
	constType Type
}

type lowerer struct {
	b      *Builder
	fn     *Function
	locals map[string]*localInfo
	slots  int

	captured map[string]bool // names captured by some nested arrow
	assigned map[string]bool // names assigned anywhere in the function

	// canonicalCellSlot, when non-empty, maps a per-iteration loop variable
	// name to the local slot holding its canonical (condition/update-
	// facing) RefCell pointer, while locals[name] tracks the per-
	// iteration cell used by reads/writes/captures inside the body.
	canonicalCellSlot map[string]int

	pendingFinally [][]ast.Stmt

	// openTryDepth counts how many try regions are lexically open at the
	// current lowering position (incremented around Body, decremented
	// immediately after — Catch/Finally lower with it already decremented,
	// since their handler record was already popped to reach them). Every
	// return/break/continue crossing out of open trys must close that many
	// handler records; see inlinePendingFinally.
	openTryDepth int

	breakTargets    []*BasicBlock
	continueTargets []*BasicBlock

	classes map[string]*TypeDef

	closureCounter *int // shared counter for synthesized closure function names
}

func (l *lowerer) newSlot() int {
	s := l.slots
	l.slots++
	return s
}

// ---- classes ----

func (l *lowerer) lowerClassShell(c *ast.ClassDecl) {
	if l.classes == nil {
		l.classes = map[string]*TypeDef{}
	}
	td := &TypeDef{Name: c.Name, Parent: c.Parent}
	l.classes[c.Name] = td
}

func (l *lowerer) lowerClassBody(c *ast.ClassDecl) error {
	td := l.classes[c.Name]
	parentFields := 0
	if c.Parent != "" {
		if pd, ok := l.classes[c.Parent]; ok {
			parentFields = len(pd.Fields)
			td.Fields = append(td.Fields, pd.Fields...)
		}
	}
	td.OwnFieldStart = parentFields
	for _, f := range c.Fields {
		td.Fields = append(td.Fields, ClassField{Name: f.Name, Type: astTypeToIR(f.Type)})
	}
	l.b.AddType(td)

	for _, m := range c.Methods {
		fname := c.Name + "::" + m.Name
		if err := l.lowerFunction(m, c.Name, true); err != nil {
			return err
		}
		td.Methods = append(td.Methods, fname)
	}
	if c.Constructor != nil {
		fname := c.Name + "::constructor"
		if err := l.lowerFunction(c.Constructor, c.Name, true); err != nil {
			return err
		}
		td.Constructor = fname
	} else {
		td.Constructor = ""
	}
	return nil
}

// ---- functions ----

func (l *lowerer) lowerFunction(f *ast.FuncDecl, className string, isMethod bool) error {
	name := f.Name
	if className != "" {
		name = className + "::" + f.Name
	}

	l.locals = map[string]*localInfo{}
	l.slots = 0
	l.canonicalCellSlot = map[string]int{}
	l.pendingFinally = nil
	l.breakTargets = nil
	l.continueTargets = nil

	l.captured, l.assigned = analyzeCaptures(f.Body)

	var params []Value
	if isMethod && !f.IsStatic {
		pv := Value{ID: 0, Type: TypeObject, Name: "this"}
		params = append(params, pv)
		l.locals["this"] = &localInfo{slot: l.newSlot()}
	}
	for _, p := range f.Params {
		pv := Value{ID: len(params), Type: astTypeToIR(p.Type), Name: p.Name}
		params = append(params, pv)
		info := &localInfo{slot: l.newSlot(), cell: l.captured[p.Name] && l.assigned[p.Name]}
		l.locals[p.Name] = info
	}

	fn := l.b.StartFunction(name, params, astTypeToIR(f.ReturnType))
	l.fn = fn
	entry := l.b.NewBlock("entry")
	l.b.SetBlock(entry)

	// Seed locals for parameters that were promoted to RefCell.
	for _, p := range f.Params {
		info := l.locals[p.Name]
		if info.cell {
			pv := findParam(params, p.Name)
			cellVal := l.b.NewValue(TypeRefCell, p.Name+"_cell")
			l.b.Emit(OpNewRefCell, cellVal, pv)
			l.b.EmitSlotOp(OpStoreLocal, nil, info.slot, cellVal)
		} else if pv := findParam(params, p.Name); pv.Name != "" {
			l.b.EmitSlotOp(OpStoreLocal, nil, info.slot, pv)
		}
	}

	if err := l.lowerBlock(f.Body); err != nil {
		return err
	}
	if cur := l.b.CurrentBlock(); cur.Terminator == nil {
		l.b.EmitReturn(nil)
	}
	fn.LocalCount = l.slots
	return nil
}

func findParam(params []Value, name string) Value {
	for _, p := range params {
		if p.Name == name {
			return p
		}
	}
	return Value{}
}

// ---- statements ----

func (l *lowerer) lowerBlock(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if l.b.CurrentBlock().Terminator != nil {
			break // unreachable: a prior statement already terminated the block
		}
		if err := l.lowerStmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (l *lowerer) lowerStmt(s ast.Stmt) error {
	switch st := s.(type) {
	case *ast.LetStmt:
		return l.lowerLet(st)
	case *ast.AssignStmt:
		return l.lowerAssign(st)
	case *ast.FieldAssignStmt:
		return l.lowerFieldAssign(st)
	case *ast.IndexAssignStmt:
		return l.lowerIndexAssign(st)
	case *ast.ExprStmt:
		_, err := l.lowerExpr(st.X)
		return err
	case *ast.ReturnStmt:
		return l.lowerReturn(st)
	case *ast.BreakStmt:
		return l.lowerBreak()
	case *ast.ContinueStmt:
		return l.lowerContinue()
	case *ast.IfStmt:
		return l.lowerIf(st)
	case *ast.ForStmt:
		return l.lowerFor(st)
	case *ast.TryStmt:
		return l.lowerTry(st)
	case *ast.ThrowStmt:
		v, err := l.lowerExpr(st.Value)
		if err != nil {
			return err
		}
		l.b.EmitThrow(v)
		return nil
	default:
		return fmt.Errorf("lower: unsupported statement %T", s)
	}
}

func (l *lowerer) lowerLet(st *ast.LetStmt) error {
	if st.Const {
		if idx, typ, ok := l.foldConstExpr(st.Init); ok {
			l.locals[st.Name] = &localInfo{constIdx: &idx, constType: typ}
			return nil
		}
	}
	v, err := l.lowerExpr(st.Init)
	if err != nil {
		return err
	}
	promote := l.captured[st.Name] && l.assigned[st.Name]
	info := &localInfo{slot: l.newSlot(), cell: promote}
	l.locals[st.Name] = info
	if promote {
		cell := l.b.NewValue(TypeRefCell, st.Name+"_cell")
		l.b.Emit(OpNewRefCell, cell, v)
		l.b.EmitSlotOp(OpStoreLocal, nil, info.slot, cell)
	} else {
		l.b.EmitSlotOp(OpStoreLocal, nil, info.slot, v)
	}
	return nil
}

func (l *lowerer) lowerAssign(st *ast.AssignStmt) error {
	v, err := l.lowerExpr(st.Value)
	if err != nil {
		return err
	}
	info, ok := l.locals[st.Name]
	if !ok {
		return fmt.Errorf("lower: assignment to undeclared local %q", st.Name)
	}
	if info.cell {
		cellSlot := info.slot
		cellVal := l.b.NewValue(TypeRefCell, st.Name+"_cell_rd")
		l.b.EmitSlotOp(OpLoadLocal, &cellVal, cellSlot)
		l.b.EmitEffect(OpStoreRefCell, cellVal, v)
	} else {
		l.b.EmitSlotOp(OpStoreLocal, nil, info.slot, v)
	}
	return nil
}

func (l *lowerer) lowerReturn(st *ast.ReturnStmt) error {
	var v *Value
	if st.Value != nil {
		val, err := l.lowerExpr(st.Value)
		if err != nil {
			return err
		}
		v = &val
	}
	l.inlinePendingFinally()
	l.b.EmitReturn(v)
	return nil
}

func (l *lowerer) lowerBreak() error {
	if len(l.breakTargets) == 0 {
		return fmt.Errorf("lower: break outside loop")
	}
	l.inlinePendingFinally()
	l.b.EmitBranch(l.breakTargets[len(l.breakTargets)-1])
	return nil
}

func (l *lowerer) lowerContinue() error {
	if len(l.continueTargets) == 0 {
		return fmt.Errorf("lower: continue outside loop")
	}
	l.inlinePendingFinally()
	l.b.EmitBranch(l.continueTargets[len(l.continueTargets)-1])
	return nil
}

// inlinePendingFinally drains the compile-time pending-finally stack,
// innermost first, emitting each finally body's instructions inline before
// the exit terminator that triggered unwinding. This guarantees finally
// runs exactly once on any exit path, per the component design.
func (l *lowerer) inlinePendingFinally() {
	for i := len(l.pendingFinally) - 1; i >= 0; i-- {
		body := l.pendingFinally[i]
		// Errors from a finally body lowered here are not expected: the
		// body was already lowered successfully once by lowerTry's normal
		// path, so re-lowering the same statements cannot newly fail.
		_ = l.lowerBlock(body)
	}
	for i := 0; i < l.openTryDepth; i++ {
		l.b.EmitEffect(OpPopTryHandler)
	}
}

func (l *lowerer) lowerIf(st *ast.IfStmt) error {
	cond, err := l.lowerExpr(st.Cond)
	if err != nil {
		return err
	}
	thenBlk := l.b.NewBlock("if.then")
	elseBlk := l.b.NewBlock("if.else")
	after := l.b.NewBlock("if.after")
	l.b.EmitCondBranch(cond, thenBlk, elseBlk)

	l.b.SetBlock(thenBlk)
	if err := l.lowerBlock(st.Then); err != nil {
		return err
	}
	if l.b.CurrentBlock().Terminator == nil {
		l.b.EmitBranch(after)
	}

	l.b.SetBlock(elseBlk)
	if err := l.lowerBlock(st.Else); err != nil {
		return err
	}
	if l.b.CurrentBlock().Terminator == nil {
		l.b.EmitBranch(after)
	}

	l.b.SetBlock(after)
	return nil
}

// lowerFor lowers a counted loop. A loop variable that is both captured
// by a closure in the body and assigned anywhere gets the per-iteration
// rewrite: each iteration binds a fresh cell seeded from the canonical
// one, and the body's value is copied back before the update runs.
func (l *lowerer) lowerFor(st *ast.ForStmt) error {
	loopVar := st.Init.Name
	perIteration := l.captured[loopVar] && l.assigned[loopVar]

	if err := l.lowerLet(st.Init); err != nil {
		return err
	}
	info := l.locals[loopVar] // may have been promoted to a plain RefCell by lowerLet already

	var canonicalSlot int
	if perIteration {
		// The variable declared by Init is, after lowerLet, a RefCell
		// pointer in info.slot (since captured&&assigned). That RefCell is
		// the canonical cell the condition and post-expression operate on.
		canonicalSlot = info.slot
		l.canonicalCellSlot[loopVar] = canonicalSlot
	}

	condBlk := l.b.NewBlock("for.cond")
	bodyBlk := l.b.NewBlock("for.body")
	postBlk := l.b.NewBlock("for.post")
	afterBlk := l.b.NewBlock("for.after")

	l.b.EmitBranch(condBlk)

	l.b.SetBlock(condBlk)
	cond, err := l.lowerExpr(st.Cond)
	if err != nil {
		return err
	}
	l.b.EmitCondBranch(cond, bodyBlk, afterBlk)

	l.b.SetBlock(bodyBlk)
	var freshSlot int
	if perIteration {
		canonical := l.b.NewValue(TypeRefCell, loopVar+"_canon_rd")
		l.b.EmitSlotOp(OpLoadLocal, &canonical, canonicalSlot)
		curVal := l.b.NewValue(info.slotType(), loopVar+"_cur")
		l.b.Emit(OpLoadRefCell, curVal, canonical)
		freshCell := l.b.NewValue(TypeRefCell, loopVar+"_fresh")
		l.b.Emit(OpNewRefCell, freshCell, curVal)
		freshSlot = l.newSlot()
		l.b.EmitSlotOp(OpStoreLocal, nil, freshSlot, freshCell)
		// Body reads/writes of loopVar now go through the fresh per-
		// iteration cell, so a closure created in the body captures this
		// iteration's own distinct cell.
		l.locals[loopVar] = &localInfo{slot: freshSlot, cell: true}
	}

	l.breakTargets = append(l.breakTargets, afterBlk)
	l.continueTargets = append(l.continueTargets, postBlk)
	if err := l.lowerBlock(st.Body); err != nil {
		return err
	}
	l.breakTargets = l.breakTargets[:len(l.breakTargets)-1]
	l.continueTargets = l.continueTargets[:len(l.continueTargets)-1]

	if l.b.CurrentBlock().Terminator == nil {
		if perIteration {
			// Copy the per-iteration value back into the canonical cell
			// before the update expression runs, per the component design.
			freshRd := l.b.NewValue(TypeRefCell, loopVar+"_fresh_rd")
			l.b.EmitSlotOp(OpLoadLocal, &freshRd, freshSlot)
			freshVal := l.b.NewValue(info.slotType(), loopVar+"_fresh_val")
			l.b.Emit(OpLoadRefCell, freshVal, freshRd)
			canonRd := l.b.NewValue(TypeRefCell, loopVar+"_canon_rd2")
			l.b.EmitSlotOp(OpLoadLocal, &canonRd, canonicalSlot)
			l.b.EmitEffect(OpStoreRefCell, canonRd, freshVal)
			l.locals[loopVar] = &localInfo{slot: canonicalSlot, cell: true}
		}
		l.b.EmitBranch(postBlk)
	}

	l.b.SetBlock(postBlk)
	if perIteration {
		l.locals[loopVar] = &localInfo{slot: canonicalSlot, cell: true}
	}
	if st.Post != nil {
		if err := l.lowerStmt(st.Post); err != nil {
			return err
		}
	}
	if l.b.CurrentBlock().Terminator == nil {
		l.b.EmitBranch(condBlk)
	}

	l.b.SetBlock(afterBlk)
	return nil
}

func (i *localInfo) slotType() Type { return TypeAny }

// lowerTry lowers try/catch/finally using the compile-time pending-finally
// stack: any return/break/continue inside Body or Catch drains Finally
// inline before its terminator (see inlinePendingFinally).
func (l *lowerer) lowerTry(st *ast.TryStmt) error {
	bodyBlk := l.b.NewBlock("try.body")
	var catchBlk, finallyBlk *BasicBlock
	afterBlk := l.b.NewBlock("try.after")

	if st.HasCatch {
		catchBlk = l.b.NewBlock("try.catch")
	}
	if st.HasFinally {
		finallyBlk = l.b.NewBlock("try.finally")
	}

	region := TryRegion{Body: bodyBlk, CatchBlock: catchBlk, FinallyBlock: finallyBlk, AfterBlock: afterBlk}
	regionIdx := len(l.fn.TryRegions)
	l.fn.TryRegions = append(l.fn.TryRegions, region)

	l.b.EmitBranch(bodyBlk)
	l.b.SetBlock(bodyBlk)

	l.openTryDepth++
	if st.HasFinally {
		l.pendingFinally = append(l.pendingFinally, st.Finally)
	}
	if err := l.lowerBlock(st.Body); err != nil {
		return err
	}
	if st.HasFinally {
		l.pendingFinally = l.pendingFinally[:len(l.pendingFinally)-1]
	}
	l.openTryDepth--
	if l.b.CurrentBlock().Terminator == nil {
		// Normal completion: close this try's own handler record (codegen
		// paired it with the OpTry it emits at bodyBlk's entry), then fall
		// through to finally (if any) then after.
		l.b.EmitEffect(OpPopTryHandler)
		if st.HasFinally {
			l.b.EmitBranch(finallyBlk)
		} else {
			l.b.EmitBranch(afterBlk)
		}
	}

	if st.HasCatch {
		l.b.SetBlock(catchBlk)
		excInfo := &localInfo{slot: l.newSlot()}
		l.locals[st.CatchName] = excInfo
		// The interpreter pushes the exception value before entering the
		// catch block; OpCatchValue claims it as an SSA value with no
		// bytecode of its own (see its doc comment), and lowering binds
		// it to a local exactly like any other let.
		excVal := l.b.NewValue(TypeAny, st.CatchName)
		l.b.Emit(OpCatchValue, excVal)
		l.b.EmitSlotOp(OpStoreLocal, nil, excInfo.slot, excVal)

		if st.HasFinally {
			l.pendingFinally = append(l.pendingFinally, st.Finally)
		}
		if err := l.lowerBlock(st.Catch); err != nil {
			return err
		}
		if st.HasFinally {
			l.pendingFinally = l.pendingFinally[:len(l.pendingFinally)-1]
		}
		if l.b.CurrentBlock().Terminator == nil {
			if st.HasFinally {
				l.b.EmitBranch(finallyBlk)
			} else {
				l.b.EmitBranch(afterBlk)
			}
		}
	}

	if st.HasFinally {
		l.b.SetBlock(finallyBlk)
		if err := l.lowerBlock(st.Finally); err != nil {
			return err
		}
		if l.b.CurrentBlock().Terminator == nil {
			l.b.EmitBranch(afterBlk)
		}

		// Exception-path copy: the handler record's finally target runs
		// this duplicate, which ends by resuming unwinding instead of
		// falling through to the after block.
		excCopy := l.b.NewBlock("try.finally.exc")
		l.fn.TryRegions[regionIdx].FinallyBlock = excCopy
		l.b.SetBlock(excCopy)
		if err := l.lowerBlock(st.Finally); err != nil {
			return err
		}
		if l.b.CurrentBlock().Terminator == nil {
			l.b.CurrentBlock().Terminator = TermRethrow{}
		}
	}

	l.b.SetBlock(afterBlk)
	return nil
}
