// Copyright (c) 2016 - 2020 Sqreen. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.sqreen.io/terms.html

package image

import (
	"go/parser"
	"go/token"
	"strconv"

	"github.com/ceiler/hookagent/internal/hklib/hkerrors"
	"github.com/dave/dst"
	"github.com/dave/dst/decorator"
)

const (
	ignoreDirective = `//hookagent:ignore`
	finalDirective  = `//hookagent:final`
)

// GoFile is a Go source file. When Src is nil, the source is read from the
// file Name.
type GoFile struct {
	Name string
	Src  interface{}
}

// LoadGoFiles defines the classes declared by the Go source files of package
// pkgPath:
//   - methods of receiver type T belong to class `pkgPath.T`,
//   - functions, package variables and constants belong to class `pkgPath`.
//
// Method parameter type tags are the source type expressions and literal
// pools are the string literals of the function bodies. Bodies are looked up
// in `bodies` by signature key `<class>#<name>` and default to no-op bodies.
// Functions with a `//hookagent:ignore` directive are skipped, and the ones
// with `//hookagent:final` cannot be instrumented. Constants are final fields.
func (img *Image) LoadGoFiles(pkgPath string, bodies map[string]Body, files ...GoFile) error {
	l := goLoader{
		pkgPath: pkgPath,
		bodies:  bodies,
		members: make(map[string][]Member),
	}
	fset := token.NewFileSet()
	for _, file := range files {
		f, err := decorator.ParseFile(fset, file.Name, file.Src, parser.ParseComments)
		if err != nil {
			return hkerrors.Wrapf(err, "could not parse the go file `%s`", file.Name)
		}
		l.loadFile(f)
	}
	return img.Define(l.classes()...)
}

type goLoader struct {
	pkgPath string
	bodies  map[string]Body
	members map[string][]Member
	// Class names in declaration order.
	order []string
}

func (l *goLoader) add(class string, m Member) {
	if _, exists := l.members[class]; !exists {
		l.order = append(l.order, class)
	}
	l.members[class] = append(l.members[class], m)
}

func (l *goLoader) classes() []*Class {
	classes := make([]*Class, 0, len(l.order))
	for _, name := range l.order {
		classes = append(classes, NewClass(name, l.members[name]...))
	}
	return classes
}

func (l *goLoader) loadFile(f *dst.File) {
	for _, decl := range f.Decls {
		switch actual := decl.(type) {
		case *dst.FuncDecl:
			l.loadFunc(actual)
		case *dst.GenDecl:
			l.loadGenDecl(actual)
		}
	}
}

func (l *goLoader) loadFunc(fn *dst.FuncDecl) {
	if fn.Body == nil || hasDirective(fn.Decs.Start, ignoreDirective) {
		return
	}

	class := l.pkgPath
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		class += "." + receiverTypeName(fn.Recv.List[0].Type)
	}

	var params []string
	for _, p := range fn.Type.Params.List {
		typ := typeString(p.Type)
		n := len(p.Names)
		if n == 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			params = append(params, typ)
		}
	}

	opts := []MethodOption{WithLiterals(stringLiterals(fn.Body)...)}
	if hasDirective(fn.Decs.Start, finalDirective) {
		opts = append(opts, Final())
	}
	l.add(class, NewMethod(fn.Name.Name, params, l.bodies[class+"#"+fn.Name.Name], opts...))
}

func (l *goLoader) loadGenDecl(decl *dst.GenDecl) {
	if decl.Tok != token.VAR && decl.Tok != token.CONST {
		return
	}
	for _, spec := range decl.Specs {
		vs, ok := spec.(*dst.ValueSpec)
		if !ok {
			continue
		}
		for i, name := range vs.Names {
			if name.Name == "_" {
				continue
			}
			var value interface{}
			if i < len(vs.Values) {
				if lit, ok := vs.Values[i].(*dst.BasicLit); ok {
					value = literalValue(lit)
				}
			}
			var opts []FieldOption
			if decl.Tok == token.CONST {
				opts = append(opts, FinalField())
			}
			l.add(l.pkgPath, NewField(name.Name, value, opts...))
		}
	}
}

func hasDirective(decs dst.Decorations, directive string) bool {
	for _, c := range decs.All() {
		if c == directive {
			return true
		}
	}
	return false
}

func stringLiterals(body dst.Node) (literals []string) {
	dst.Inspect(body, func(n dst.Node) bool {
		if lit, ok := n.(*dst.BasicLit); ok && lit.Kind == token.STRING {
			if s, err := strconv.Unquote(lit.Value); err == nil {
				literals = append(literals, s)
			}
		}
		return true
	})
	return literals
}

func literalValue(lit *dst.BasicLit) interface{} {
	switch lit.Kind {
	case token.STRING:
		if s, err := strconv.Unquote(lit.Value); err == nil {
			return s
		}
	case token.INT:
		if i, err := strconv.ParseInt(lit.Value, 0, 64); err == nil {
			return int(i)
		}
	case token.FLOAT:
		if f, err := strconv.ParseFloat(lit.Value, 64); err == nil {
			return f
		}
	}
	return lit.Value
}

func receiverTypeName(expr dst.Expr) string {
	switch actual := expr.(type) {
	case *dst.StarExpr:
		return receiverTypeName(actual.X)
	case *dst.ParenExpr:
		return receiverTypeName(actual.X)
	case *dst.Ident:
		return actual.Name
	default:
		return typeString(expr)
	}
}

// typeString returns the source representation of a type expression.
func typeString(expr dst.Expr) string {
	switch actual := expr.(type) {
	case *dst.Ident:
		return actual.Name
	case *dst.StarExpr:
		return "*" + typeString(actual.X)
	case *dst.ParenExpr:
		return typeString(actual.X)
	case *dst.SelectorExpr:
		return typeString(actual.X) + "." + actual.Sel.Name
	case *dst.Ellipsis:
		return "..." + typeString(actual.Elt)
	case *dst.ArrayType:
		if actual.Len == nil {
			return "[]" + typeString(actual.Elt)
		}
		if lit, ok := actual.Len.(*dst.BasicLit); ok {
			return "[" + lit.Value + "]" + typeString(actual.Elt)
		}
		return "[...]" + typeString(actual.Elt)
	case *dst.MapType:
		return "map[" + typeString(actual.Key) + "]" + typeString(actual.Value)
	case *dst.ChanType:
		switch actual.Dir {
		case dst.SEND:
			return "chan<- " + typeString(actual.Value)
		case dst.RECV:
			return "<-chan " + typeString(actual.Value)
		default:
			return "chan " + typeString(actual.Value)
		}
	case *dst.FuncType:
		return "func"
	case *dst.InterfaceType:
		if actual.Methods == nil || len(actual.Methods.List) == 0 {
			return "interface{}"
		}
		return "interface"
	case *dst.StructType:
		if actual.Fields == nil || len(actual.Fields.List) == 0 {
			return "struct{}"
		}
		return "struct"
	default:
		return "invalid"
	}
}
