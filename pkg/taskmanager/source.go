package taskmanager

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"reflect"
	"runtime"
	"sync"
)

// parsedFile caches one source file's parse result so declaring many
// apps from the same file doesn't re-parse it per App.
type parsedFile struct {
	fset *token.FileSet
	file *ast.File
	src  []byte
}

var sourceCache sync.Map // file path -> *parsedFile

// funcName returns the fully-qualified name runtime assigns to fn, used
// as the app's registry key and, absent an explicit alias, its
// fingerprint identity under Named aliasing.
func funcName(fn Handler) string {
	ptr := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(ptr)
	if rf == nil {
		return fmt.Sprintf("func@%x", ptr)
	}
	return rf.Name()
}

// captureSource reads fn's declaring source file and slices out exactly
// the bytes of its enclosing function declaration (including its doc
// comment), preserving internal comments and whitespace verbatim so
// editing either changes the fingerprint, matching spec.md §4.2's "code
// blob normalization" rule.
func captureSource(fn Handler) ([]byte, error) {
	ptr := reflect.ValueOf(fn).Pointer()
	rf := runtime.FuncForPC(ptr)
	if rf == nil {
		return nil, fmt.Errorf("taskmanager: cannot resolve source for registered function")
	}
	file, line := rf.FileLine(ptr)
	if file == "" {
		return nil, fmt.Errorf("taskmanager: no source file recorded for %s", rf.Name())
	}

	pf, err := parseFileCached(file)
	if err != nil {
		return nil, err
	}

	tokFile := pf.fset.File(pf.file.Pos())
	if line < 1 || line > tokFile.LineCount() {
		return nil, fmt.Errorf("taskmanager: %s:%d out of range for parsed file", file, line)
	}

	var decl ast.Node
	ast.Inspect(pf.file, func(n ast.Node) bool {
		if n == nil {
			return false
		}
		switch d := n.(type) {
		case *ast.FuncDecl, *ast.FuncLit:
			if pf.fset.Position(d.Pos()).Line <= line && line <= pf.fset.Position(d.End()).Line {
				decl = d
			}
		}
		return true
	})
	if decl == nil {
		return nil, fmt.Errorf("taskmanager: could not locate function declaration for %s at %s:%d", rf.Name(), file, line)
	}

	start := decl.Pos()
	if fd, ok := decl.(*ast.FuncDecl); ok && fd.Doc != nil {
		start = fd.Doc.Pos()
	}

	startOff := pf.fset.Position(start).Offset
	endOff := pf.fset.Position(decl.End()).Offset
	return append([]byte(nil), pf.src[startOff:endOff]...), nil
}

func parseFileCached(path string) (*parsedFile, error) {
	if v, ok := sourceCache.Load(path); ok {
		return v.(*parsedFile), nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: read source %s: %w", path, err)
	}
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, path, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("taskmanager: parse source %s: %w", path, err)
	}

	pf := &parsedFile{fset: fset, file: f, src: src}
	sourceCache.Store(path, pf)
	return pf, nil
}
