// Command lockcheck is a build-time static-analysis tool grounded in
// the teacher's misc/depgraph (a `go mod graph` walker that prints a
// dependency graph): where depgraph walks the module graph, lockcheck
// walks the points-to/call graph of every package reachable from
// cmd/kernel and flags the exact hazard spec.md §9 calls out under
// "Raw pointers into MMIO" — an unsafe.Pointer conversion taken while
// a mutex is held whose result is returned, stored into a struct field,
// or assigned to an already-declared variable (package-level or local;
// the check does not tell them apart) rather than staying the local
// binding it was first made into.
//
// This is a mechanical, intentionally conservative check: it does not
// prove the escaped pointer is ever misused after the unlock, only
// that nothing in this package's scope stops it from being.
package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/token"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/mod/modfile"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// finding is one flagged unsafe.Pointer conversion.
type finding struct {
	pos token.Position
	msg string
}

func main() {
	root := flag.String("root", ".", "module root directory")
	mainPattern := flag.String("main", "", "import path of the entry-point package to analyze from (defaults to <module>/cmd/kernel)")
	flag.Parse()

	modulePath, err := readModulePath(*root)
	if err != nil {
		log.Fatal(err)
	}
	entry := *mainPattern
	if entry == "" {
		entry = modulePath + "/cmd/kernel"
	}

	findings, err := run(*root, modulePath, entry)
	if err != nil {
		log.Fatal(err)
	}
	if len(findings) == 0 {
		fmt.Println("lockcheck: no lock-escaping unsafe.Pointer conversions found")
		return
	}
	sort.Slice(findings, func(i, j int) bool { return findings[i].pos.String() < findings[j].pos.String() })
	for _, f := range findings {
		fmt.Printf("%s: %s\n", f.pos, f.msg)
	}
	os.Exit(1)
}

// readModulePath reads the module's declared path out of go.mod,
// mirroring how the domain stack assigns golang.org/x/mod/modfile to
// this tool: the path names the package pattern lockcheck then loads
// with go/packages.
func readModulePath(root string) (string, error) {
	path := filepath.Join(root, "go.mod")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	f, err := modfile.Parse(path, data, nil)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Module == nil {
		return "", fmt.Errorf("%s declares no module", path)
	}
	return f.Module.Mod.Path, nil
}

// run loads every package reachable from entry, builds its whole-
// program call graph via go/pointer (the points-to analysis the
// domain stack names for this tool), and scans each package's syntax
// for lock-escaping unsafe.Pointer conversions among the functions the
// call graph shows are actually reachable.
func run(root, modulePath, entry string) ([]finding, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedFiles | packages.NeedCompiledGoFiles |
			packages.NeedImports | packages.NeedDeps | packages.NeedTypes |
			packages.NeedTypesInfo | packages.NeedSyntax,
		Dir: root,
	}
	pkgs, err := packages.Load(cfg, modulePath+"/...")
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, fmt.Errorf("errors loading packages under %s", modulePath)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	var mainPkg *ssa.Package
	for _, p := range ssaPkgs {
		if p != nil && p.Pkg.Path() == entry {
			mainPkg = p
			break
		}
	}
	if mainPkg == nil {
		return nil, fmt.Errorf("entry package %s not found among loaded packages", entry)
	}

	result, err := pointer.Analyze(&pointer.Config{
		Mains:          []*ssa.Package{mainPkg},
		BuildCallGraph: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pointer analysis: %w", err)
	}

	reachable := reachableFunctions(result, mainPkg)

	byPackage := make(map[*packages.Package][]*ssa.Function)
	for fn := range reachable {
		pkg := ssaFunctionPackage(pkgs, fn)
		if pkg != nil {
			byPackage[pkg] = append(byPackage[pkg], fn)
		}
	}

	var (
		g   errgroup.Group
		mu  sync.Mutex
		all []finding
	)
	for pkg, fns := range byPackage {
		pkg, fns := pkg, fns
		g.Go(func() error {
			local := scanPackage(pkg, fns)
			mu.Lock()
			all = append(all, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// reachableFunctions walks the call graph breadth-first from mainPkg's
// init and main functions, the two entry points the pointer package
// actually analyzes for a Mains package.
func reachableFunctions(result *pointer.Result, mainPkg *ssa.Package) map[*ssa.Function]bool {
	seen := make(map[*ssa.Function]bool)
	var queue []*ssa.Function
	for _, name := range []string{"init", "main"} {
		if fn := mainPkg.Func(name); fn != nil {
			queue = append(queue, fn)
		}
	}
	cg := result.CallGraph
	for len(queue) > 0 {
		fn := queue[0]
		queue = queue[1:]
		if seen[fn] {
			continue
		}
		seen[fn] = true
		node := cg.Nodes[fn]
		if node == nil {
			continue
		}
		for _, edge := range node.Out {
			callee := edge.Callee.Func
			if callee != nil && !seen[callee] {
				queue = append(queue, callee)
			}
		}
	}
	return seen
}

// ssaFunctionPackage finds the go/packages.Package a given ssa
// function's declaration lives in, by matching its declared package's
// import path.
func ssaFunctionPackage(pkgs []*packages.Package, fn *ssa.Function) *packages.Package {
	if fn.Pkg == nil {
		return nil
	}
	path := fn.Pkg.Pkg.Path()
	var found *packages.Package
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		if p.PkgPath == path {
			found = p
		}
	})
	return found
}

// scanPackage walks pkg's syntax trees looking for unsafe.Pointer
// conversions taken while a receiver is lexically locked (a Lock() call
// on it precedes the conversion anywhere earlier in the function, with
// no Unlock() on it in between) whose result is then returned, assigned
// to a struct field, or assigned to any already-declared identifier.
// It is intentionally a lexical, not flow-sensitive, approximation:
// branches and loops are scanned in source order, which can both miss
// and over-report compared to a true CFG walk, acceptable for a
// mechanical lint rather than a soundness proof.
func scanPackage(pkg *packages.Package, fns []*ssa.Function) []finding {
	wanted := make(map[string]bool, len(fns))
	for _, fn := range fns {
		if fn.Syntax() != nil {
			wanted[pkg.Fset.Position(fn.Syntax().Pos()).String()] = true
		}
	}

	var findings []finding
	for _, file := range pkg.Syntax {
		ast.Inspect(file, func(n ast.Node) bool {
			decl, ok := n.(*ast.FuncDecl)
			if !ok || decl.Body == nil {
				return true
			}
			if !wanted[pkg.Fset.Position(decl.Pos()).String()] {
				return false
			}
			findings = append(findings, scanFuncBody(pkg.Fset, decl)...)
			return false
		})
	}
	return findings
}

// pointerBinding records that a local variable was bound to the result
// of an unsafe.Pointer conversion, and whether a mutex was held at the
// point of that binding.
type pointerBinding struct {
	pos    token.Pos
	locked bool
}

// scanFuncBody walks one function body tracking which mutex receivers
// are currently locked (by their source text, in statement order) and
// which local variables are bound to an unsafe.Pointer conversion's
// result, then flags any binding taken while locked that later escapes
// the function: returned, assigned to a struct field, or assigned (not
// declared) to another identifier. Re-assignment to an existing
// identifier is treated as an escape candidate rather than traced
// further, since distinguishing "still a function-local alias" from
// "an outer-scoped variable in disguise" needs full type information
// this lexical pass does not have — the conservative call is to flag
// it.
func scanFuncBody(fset *token.FileSet, decl *ast.FuncDecl) []finding {
	locked := make(map[string]bool)
	bindings := make(map[string]pointerBinding)

	ast.Inspect(decl.Body, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok {
			if sel, ok := call.Fun.(*ast.SelectorExpr); ok {
				switch sel.Sel.Name {
				case "Lock":
					locked[exprString(sel.X)] = true
				case "Unlock":
					delete(locked, exprString(sel.X))
				}
			}
		}
		if assign, ok := n.(*ast.AssignStmt); ok && assign.Tok == token.DEFINE {
			for i, rhs := range assign.Rhs {
				if i >= len(assign.Lhs) {
					continue
				}
				if !isUnsafePointerConversionExpr(rhs) {
					continue
				}
				if ident, ok := assign.Lhs[i].(*ast.Ident); ok {
					bindings[ident.Name] = pointerBinding{pos: rhs.Pos(), locked: len(locked) > 0}
				}
			}
		}
		return true
	})

	var findings []finding
	flagEscape := func(name string) {
		b, ok := bindings[name]
		if !ok || !b.locked {
			return
		}
		findings = append(findings, finding{
			pos: fset.Position(b.pos),
			msg: fmt.Sprintf("unsafe.Pointer conversion in %s escapes a held lock via %q", decl.Name.Name, name),
		})
	}

	ast.Inspect(decl.Body, func(n ast.Node) bool {
		switch s := n.(type) {
		case *ast.ReturnStmt:
			for _, r := range s.Results {
				if ident, ok := r.(*ast.Ident); ok {
					flagEscape(ident.Name)
				}
			}
		case *ast.AssignStmt:
			if s.Tok == token.DEFINE {
				return true
			}
			for i, lhs := range s.Lhs {
				if i >= len(s.Rhs) {
					continue
				}
				switch lhs.(type) {
				case *ast.SelectorExpr, *ast.Ident:
					if ident, ok := s.Rhs[i].(*ast.Ident); ok {
						flagEscape(ident.Name)
					}
				}
			}
		}
		return true
	})
	return findings
}

// isUnsafePointerConversionExpr reports whether e is a call to
// "unsafe.Pointer(...)", as opposed to some other conversion or call.
func isUnsafePointerConversionExpr(e ast.Expr) bool {
	call, ok := e.(*ast.CallExpr)
	if !ok {
		return false
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return false
	}
	ident, ok := sel.X.(*ast.Ident)
	return ok && ident.Name == "unsafe" && sel.Sel.Name == "Pointer"
}

func exprString(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.SelectorExpr:
		return exprString(x.X) + "." + x.Sel.Name
	case *ast.StarExpr:
		return "*" + exprString(x.X)
	default:
		return fmt.Sprintf("%v", e)
	}
}
