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
	"testing"

	"raya/internal/ast"
)

func lowerOne(t *testing.T, fns ...*ast.FuncDecl) *Program {
	t.Helper()
	prog, err := Lower(&ast.Program{Functions: fns})
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	return prog
}

func countOps(fn *Function, op Op) int {
	n := 0
	for _, b := range fn.Blocks {
		for _, inst := range b.Instructions {
			if inst.Op == op {
				n++
			}
		}
	}
	return n
}

func findFunction(prog *Program, name string) *Function {
	for _, f := range prog.Functions {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// A variable captured by an arrow and assigned is promoted to a RefCell;
// a captured read-only variable is not.
func TestCapturePromotion(t *testing.T) {
	mkArrow := func(name string) *ast.ArrowExpr {
		return &ast.ArrowExpr{Expr: &ast.IdentExpr{Name: name, Type: ast.TypeInt}, Type: ast.TypeInt}
	}
	fd := &ast.FuncDecl{
		Name: "f", ReturnType: ast.TypeInt,
		Body: []ast.Stmt{
			&ast.LetStmt{Name: "mut", Init: &ast.IntLit{Value: 1}},
			&ast.LetStmt{Name: "ro", Init: &ast.IntLit{Value: 2}},
			&ast.LetStmt{Name: "c1", Init: mkArrow("mut")},
			&ast.LetStmt{Name: "c2", Init: mkArrow("ro")},
			&ast.AssignStmt{Name: "mut", Value: &ast.IntLit{Value: 3}},
			&ast.ReturnStmt{Value: &ast.IdentExpr{Name: "mut", Type: ast.TypeInt}},
		},
	}
	prog := lowerOne(t, fd)
	f := findFunction(prog, "f")
	if f == nil {
		t.Fatal("function f not lowered")
	}
	if countOps(f, OpNewRefCell) != 1 {
		t.Fatalf("exactly the captured+assigned binding gets a cell, got %d", countOps(f, OpNewRefCell))
	}
	// the assignment to the promoted binding goes through the cell
	if countOps(f, OpStoreRefCell) == 0 {
		t.Fatal("assignment to promoted binding must store through the cell")
	}
	// the final read of the promoted binding loads through the cell
	if countOps(f, OpLoadRefCell) == 0 {
		t.Fatal("read of promoted binding must load through the cell")
	}
}

// A const binding with a literal initializer folds away: no local store,
// each read re-emits the constant.
func TestConstFolding(t *testing.T) {
	fd := &ast.FuncDecl{
		Name: "f", ReturnType: ast.TypeInt,
		Body: []ast.Stmt{
			&ast.LetStmt{Name: "k", Const: true, Init: &ast.IntLit{Value: 40}},
			&ast.ReturnStmt{Value: &ast.BinaryExpr{
				Op:   "+",
				Left: &ast.IdentExpr{Name: "k", Type: ast.TypeInt}, Right: &ast.IntLit{Value: 2},
				Type: ast.TypeInt,
			}},
		},
	}
	prog := lowerOne(t, fd)
	f := findFunction(prog, "f")
	if countOps(f, OpStoreLocal) != 0 {
		t.Fatal("folded const must not materialize a local slot")
	}
	if countOps(f, OpConst) != 2 {
		t.Fatalf("read of folded const re-emits the literal, got %d consts", countOps(f, OpConst))
	}
	if f.LocalCount != 0 {
		t.Fatalf("no slots expected, got %d", f.LocalCount)
	}
}

// The exception-path finally copy ends in Rethrow and is the handler
// target; the normal-path copy falls through to the after block.
func TestTryFinallyDualCopies(t *testing.T) {
	fd := &ast.FuncDecl{
		Name: "f", ReturnType: ast.TypeInt,
		Body: []ast.Stmt{
			&ast.TryStmt{
				Body:       []ast.Stmt{&ast.ExprStmt{X: &ast.IntLit{Value: 1}}},
				HasFinally: true,
				Finally:    []ast.Stmt{&ast.ExprStmt{X: &ast.IntLit{Value: 2}}},
			},
			&ast.ReturnStmt{Value: &ast.IntLit{Value: 0}},
		},
	}
	prog := lowerOne(t, fd)
	f := findFunction(prog, "f")
	if len(f.TryRegions) != 1 {
		t.Fatalf("one try region expected, got %d", len(f.TryRegions))
	}
	region := f.TryRegions[0]
	if region.FinallyBlock == nil {
		t.Fatal("handler finally target missing")
	}
	if _, ok := region.FinallyBlock.Terminator.(TermRethrow); !ok {
		t.Fatalf("exception-path finally must end in Rethrow, got %T", region.FinallyBlock.Terminator)
	}
	if region.CatchBlock != nil {
		t.Fatal("no catch clause was declared")
	}
}

// A return from inside try inlines the finally body before the
// terminator and closes the open handler record.
func TestReturnInsideTryInlinesFinally(t *testing.T) {
	fd := &ast.FuncDecl{
		Name: "f", ReturnType: ast.TypeInt,
		Body: []ast.Stmt{
			&ast.LetStmt{Name: "x", Init: &ast.IntLit{Value: 0}},
			&ast.TryStmt{
				Body:       []ast.Stmt{&ast.ReturnStmt{Value: &ast.IntLit{Value: 9}}},
				HasFinally: true,
				Finally:    []ast.Stmt{&ast.AssignStmt{Name: "x", Value: &ast.IntLit{Value: 1}}},
			},
		},
	}
	prog := lowerOne(t, fd)
	f := findFunction(prog, "f")
	// normal finally copy + exception copy + the inlined drain at the
	// return site: the finally body's assignment appears at least 3 times
	if n := countOps(f, OpStoreLocal); n < 3 {
		t.Fatalf("finally body must be inlined at the return site, stores=%d", n)
	}
	if countOps(f, OpPopTryHandler) == 0 {
		t.Fatal("unwound return must close the open handler record")
	}
}

// SSA ids stay unique in the outer function after a nested arrow is
// lowered (the builder's counter is restored).
func TestClosureLoweringKeepsOuterIDsUnique(t *testing.T) {
	fd := &ast.FuncDecl{
		Name: "f", ReturnType: ast.TypeInt,
		Body: []ast.Stmt{
			&ast.LetStmt{Name: "a", Init: &ast.IntLit{Value: 1}},
			&ast.LetStmt{Name: "c", Init: &ast.ArrowExpr{Expr: &ast.IdentExpr{Name: "a", Type: ast.TypeInt}, Type: ast.TypeInt}},
			&ast.LetStmt{Name: "b", Init: &ast.IntLit{Value: 2}},
			&ast.ReturnStmt{Value: &ast.IdentExpr{Name: "b", Type: ast.TypeInt}},
		},
	}
	prog := lowerOne(t, fd)
	f := findFunction(prog, "f")
	seen := map[int]bool{}
	for _, blk := range f.Blocks {
		for _, inst := range blk.Instructions {
			if inst.Result == nil {
				continue
			}
			if seen[inst.Result.ID] {
				t.Fatalf("duplicate SSA id %d in outer function", inst.Result.ID)
			}
			seen[inst.Result.ID] = true
		}
	}
}
