package crawler

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"codeheal/types"
)

// GoDetector finds defects that need a parsed Go syntax tree
type GoDetector struct{}

func (GoDetector) Name() string { return "go_ast" }

// Detect reports discarded call results, empty function bodies and panics
// outside package main. Test files are skipped.
func (GoDetector) Detect(path string, content []byte) ([]Finding, error) {
	if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
		return nil, nil
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	library := file.Name.Name != "main"
	var findings []Finding

	ast.Inspect(file, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			if node.Body != nil && len(node.Body.List) == 0 && !hasComments(file, node.Body) {
				start := fset.Position(node.Pos())
				findings = append(findings, Finding{
					Line: start.Line, EndLine: fset.Position(node.End()).Line, Column: start.Column,
					Type: "empty_function", Severity: types.SeverityLow,
					Message: fmt.Sprintf("Function '%s' has an empty body", node.Name.Name),
					Tags:    []string{"complexity", "go"},
				})
			}

		case *ast.AssignStmt:
			if len(node.Rhs) != 1 {
				return true
			}
			call, ok := node.Rhs[0].(*ast.CallExpr)
			if !ok {
				return true
			}
			last, ok := node.Lhs[len(node.Lhs)-1].(*ast.Ident)
			if !ok || last.Name != "_" {
				return true
			}
			pos := fset.Position(node.Pos())
			findings = append(findings, Finding{
				Line: pos.Line, Column: pos.Column,
				Type: "unchecked_error", Severity: types.SeverityMedium,
				Message: fmt.Sprintf("Result of %s discarded to the blank identifier", callName(call)),
				Tags:    []string{"correctness", "go"},
			})

		case *ast.CallExpr:
			if !library {
				return true
			}
			if ident, ok := node.Fun.(*ast.Ident); ok && ident.Name == "panic" {
				pos := fset.Position(node.Pos())
				findings = append(findings, Finding{
					Line: pos.Line, Column: pos.Column,
					Type: "library_panic", Severity: types.SeverityHigh,
					Message: fmt.Sprintf("panic in library package %s", file.Name.Name),
					Tags:    []string{"correctness", "go"},
				})
			}
		}
		return true
	})

	return findings, nil
}

func hasComments(file *ast.File, body *ast.BlockStmt) bool {
	for _, cg := range file.Comments {
		if cg.Pos() > body.Lbrace && cg.End() < body.Rbrace {
			return true
		}
	}
	return false
}

func callName(call *ast.CallExpr) string {
	switch fn := call.Fun.(type) {
	case *ast.Ident:
		return fn.Name
	case *ast.SelectorExpr:
		if x, ok := fn.X.(*ast.Ident); ok {
			return x.Name + "." + fn.Sel.Name
		}
		return fn.Sel.Name
	}
	return "call"
}
