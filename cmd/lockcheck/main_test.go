package main

import (
	"go/ast"
	"go/parser"
	"go/token"
	"testing"
)

func parseFunc(t *testing.T, src string) (*token.FileSet, *ast.FuncDecl) {
	t.Helper()
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "test.go", "package p\nimport \"unsafe\"\n"+src, 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok {
			return fset, fn
		}
	}
	t.Fatalf("no func decl found in source")
	return nil, nil
}

func TestScanFuncBodyFlagsEscapingConversionWhileLocked(t *testing.T) {
	fset, fn := parseFunc(t, `
func f(mu *sync.Mutex) uintptr {
	mu.Lock()
	p := unsafe.Pointer(uintptr(0x1000))
	global = p
	mu.Unlock()
	return 0
}
`)
	findings := scanFuncBody(fset, fn)
	if len(findings) != 1 {
		t.Fatalf("want 1 finding, got %d: %+v", len(findings), findings)
	}
}

func TestScanFuncBodyAllowsLocalOnlyConversionWhileLocked(t *testing.T) {
	fset, fn := parseFunc(t, `
func f(mu *sync.Mutex) uintptr {
	mu.Lock()
	p := unsafe.Pointer(uintptr(0x1000))
	n := uintptr(p)
	mu.Unlock()
	return n
}
`)
	findings := scanFuncBody(fset, fn)
	if len(findings) != 0 {
		t.Fatalf("want 0 findings for a local-only conversion, got %d: %+v", len(findings), findings)
	}
}

func TestScanFuncBodyIgnoresConversionOutsideLock(t *testing.T) {
	fset, fn := parseFunc(t, `
func f() uintptr {
	p := unsafe.Pointer(uintptr(0x1000))
	global = p
	return 0
}
`)
	findings := scanFuncBody(fset, fn)
	if len(findings) != 0 {
		t.Fatalf("want 0 findings when no lock is held, got %d: %+v", len(findings), findings)
	}
}

func TestScanFuncBodyUnlockedBeforeEscapeIsNotFlagged(t *testing.T) {
	fset, fn := parseFunc(t, `
func f(mu *sync.Mutex) uintptr {
	mu.Lock()
	mu.Unlock()
	p := unsafe.Pointer(uintptr(0x1000))
	global = p
	return 0
}
`)
	findings := scanFuncBody(fset, fn)
	if len(findings) != 0 {
		t.Fatalf("want 0 findings once the mutex is unlocked, got %d: %+v", len(findings), findings)
	}
}

func TestExprStringSelectorAndStar(t *testing.T) {
	_, fn := parseFunc(t, `
func f(mu *sync.Mutex) {
	mu.Lock()
}
`)
	call := fn.Body.List[0].(*ast.ExprStmt).X.(*ast.CallExpr)
	sel := call.Fun.(*ast.SelectorExpr)
	if got := exprString(sel.X); got != "mu" {
		t.Fatalf("want \"mu\", got %q", got)
	}
	if got := exprString(sel); got != "mu.Lock" {
		t.Fatalf("want \"mu.Lock\", got %q", got)
	}
	if got := exprString(fn.Type.Params.List[0].Type); got != "*sync.Mutex" {
		t.Fatalf("want \"*sync.Mutex\", got %q", got)
	}
}
