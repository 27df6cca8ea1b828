package cparser

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/ulikunitz/xz"
)

// A TranslationUnit is one parsed, preprocessed source file.
type TranslationUnit struct {
	File  string
	Root  *Node
	Scope *Scope // file scope
	Src   []byte
}

// SyntaxError reports source the parser could not make sense of.
type SyntaxError struct {
	Pos  Position
	Text string
}

func (e *SyntaxError) Error() string {
	text := e.Text
	if len(text) > 40 {
		text = text[:40] + "..."
	}
	return fmt.Sprintf("%s: syntax error near %q", e.Pos, text)
}

// ParseFile reads and parses a preprocessed source file. Files ending in
// .xz or .zst are decompressed first.
func ParseFile(ctx context.Context, path string) (*TranslationUnit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, errors.Wrapf(err, "opening xz stream %s", path)
		}
		r = xr
	case ".zst":
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "opening zstd stream %s", path)
		}
		defer zr.Close()
		r = zr
	}
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	name := strings.TrimSuffix(strings.TrimSuffix(path, ".xz"), ".zst")
	return Parse(ctx, name, src)
}

// Parse parses preprocessed C source and builds its scopes. Any part of
// src the grammar rejects fails the whole unit with a *SyntaxError.
func Parse(ctx context.Context, filename string, src []byte) (*TranslationUnit, error) {
	cv := &converter{file: filename, seq: new(int)}
	root, err := cv.parse(ctx, src)
	if err != nil {
		return nil, err
	}
	tu := &TranslationUnit{File: filename, Root: root, Src: src}
	tu.Scope = buildScopes(root)
	return tu, nil
}

// A converter turns one tree-sitter tree into Nodes. Statement expressions
// are parsed by converters of their own whose source is a fragment of the
// file; row0 and col0 locate the fragment, and the first skip bytes of
// its first line are not part of the file.
type converter struct {
	file string
	src  []byte
	seq  *int // statement expressions cut so far, for placeholder names

	row0, col0, skip int
}

// parse parses src with the GNU statement expressions cut out, then
// parses each of those on its own and grafts it back in place.
func (cv *converter) parse(ctx context.Context, src []byte) (*Node, error) {
	cut, exprs := cutStatementExprs(src, cv.seq)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(c.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, cut)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", cv.file)
	}
	defer tree.Close()

	cv.src = cut
	root, err := cv.convert(tree.RootNode(), "", "")
	if err != nil || len(exprs) == 0 {
		return root, err
	}
	byName := make(map[string]*Node, len(exprs))
	for _, se := range exprs {
		n, err := cv.statementExpr(ctx, src, se)
		if err != nil {
			return nil, err
		}
		byName[se.name] = n
	}
	if err := graftStatementExprs(root, byName); err != nil {
		return nil, err
	}
	return root, nil
}

// statementExpr parses the body of se as the body of a function.
func (cv *converter) statementExpr(ctx context.Context, src []byte, se stmtExpr) (*Node, error) {
	row, col := pointAt(src, se.body)
	fc := &converter{file: cv.file, seq: cv.seq, skip: len(stmtExprPrefix)}
	fc.row0, fc.col0 = cv.translate(row, col)
	wrapped := append([]byte(stmtExprPrefix), src[se.body:se.bodyEnd]...)
	root, err := fc.parse(ctx, wrapped)
	if err != nil {
		return nil, err
	}
	var body *Node
	if fn := root.First(); fn != nil && fn.Kind == KindFunctionDef {
		body = fn.Child("body")
	}
	if body == nil {
		return nil, &SyntaxError{Pos: fc.position(0, len(stmtExprPrefix)), Text: string(src[se.body:se.bodyEnd])}
	}
	row, col = pointAt(src, se.start)
	n := &Node{Kind: KindStatementExpr, Pos: cv.position(row, col)}
	n.add("", body)
	return n, nil
}

// translate maps a 0-based point in cv.src onto the file.
func (cv *converter) translate(row, col int) (int, int) {
	if row == 0 {
		col += cv.col0 - cv.skip
	}
	return row + cv.row0, col
}

func (cv *converter) position(row, col int) Position {
	row, col = cv.translate(row, col)
	return Position{File: cv.file, Line: row + 1, Column: col + 1}
}

func (cv *converter) pos(n *sitter.Node) Position {
	p := n.StartPoint()
	return cv.position(int(p.Row), int(p.Column))
}

func (cv *converter) syntaxError(n *sitter.Node) error {
	return &SyntaxError{Pos: cv.pos(n), Text: n.Content(cv.src)}
}

// identifierKind tells expression identifiers from the ones a declarator
// introduces.
func identifierKind(parentType, field string) Kind {
	switch parentType {
	case "parenthesized_declarator", "attributed_declarator":
		return KindDeclIdentifier
	case "pointer_declarator", "array_declarator", "function_declarator", "init_declarator",
		"declaration", "parameter_declaration", "function_definition", "type_definition":
		if field == "declarator" {
			return KindDeclIdentifier
		}
	case "enumerator":
		if field == "name" {
			return KindDeclIdentifier
		}
	}
	return KindIdentifier
}

func (cv *converter) convert(tn *sitter.Node, parentType, field string) (*Node, error) {
	typ := tn.Type()
	if typ == "ERROR" || tn.IsMissing() {
		return nil, cv.syntaxError(tn)
	}
	if typ == "attributed_declarator" {
		for i := 0; i < int(tn.NamedChildCount()); i++ {
			if k := tn.NamedChild(i); k.Type() != "attribute_declaration" {
				return cv.convert(k, typ, field)
			}
		}
	}

	n := &Node{Kind: kindsByTSType[typ], Pos: cv.pos(tn)}
	if typ == "identifier" {
		n.Kind = identifierKind(parentType, field)
	}

	switch n.Kind {
	case KindIdentifier, KindDeclIdentifier, KindFieldIdentifier, KindTypeIdentifier,
		KindStatementIdentifier, KindPrimitiveType, KindSizedTypeSpecifier,
		KindTypeQualifier, KindStorageClass, KindNumber, KindString, KindChar,
		KindConcatString:
		n.Text = tn.Content(cv.src)
	}
	if op := tn.ChildByFieldName("operator"); op != nil {
		n.Op = op.Type()
		if n.Kind == KindUpdate {
			if arg := tn.ChildByFieldName("argument"); arg != nil {
				n.Prefix = op.StartByte() < arg.StartByte()
			}
		}
	}

	for i := 0; i < int(tn.ChildCount()); i++ {
		k := tn.Child(i)
		if k.IsMissing() || k.Type() == "ERROR" {
			return nil, cv.syntaxError(k)
		}
		if !k.IsNamed() || k.Type() == "comment" {
			continue
		}
		f := tn.FieldNameForChild(i)
		if f == "operator" {
			continue
		}
		c, err := cv.convert(k, typ, f)
		if err != nil {
			return nil, err
		}
		n.add(f, c)
	}
	return n, nil
}

// DeclaratorName returns the identifier a declarator introduces, or nil
// for abstract declarators.
func DeclaratorName(d *Node) *Node {
	for d != nil {
		switch d.Kind {
		case KindDeclIdentifier, KindFieldIdentifier, KindTypeIdentifier:
			return d
		case KindParenDeclarator:
			d = d.First()
		case KindInitDeclarator, KindPointerDeclarator, KindArrayDeclarator, KindFunctionDeclarator:
			d = d.Child("declarator")
		default:
			return nil
		}
	}
	return nil
}

// IsFunctionDeclarator reports whether the name id is declared as a
// function rather than a pointer to one.
func IsFunctionDeclarator(id *Node) bool {
	p := id.Parent
	for p != nil && p.Kind == KindParenDeclarator {
		p = p.Parent
	}
	return p != nil && p.Kind == KindFunctionDeclarator
}

// hasStorageClass reports whether a declaration carries the given storage
// class specifier.
func hasStorageClass(decl *Node, class string) bool {
	for _, c := range decl.Children() {
		if c.Kind == KindStorageClass && c.Text == class {
			return true
		}
	}
	return false
}

type scopeBuilder struct {
	params map[*Node]*Scope // parameter lists of function definitions
	bodies map[*Node]*Scope // function bodies
}

func buildScopes(root *Node) *Scope {
	b := &scopeBuilder{
		params: make(map[*Node]*Scope),
		bodies: make(map[*Node]*Scope),
	}
	file := newScope(ScopeFile, root, nil)
	b.visit(root, file)
	return file
}

// outer returns the nearest scope that is not a struct body.
func outer(sc *Scope) *Scope {
	for sc.Kind == ScopeStruct && sc.parent != nil {
		sc = sc.parent
	}
	return sc
}

func (b *scopeBuilder) visitChildren(n *Node, sc *Scope) {
	for _, c := range n.Children() {
		b.visit(c, sc)
	}
}

func (b *scopeBuilder) declare(decl *Node, sc *Scope) {
	for _, d := range decl.ChildrenOf("declarator") {
		id := DeclaratorName(d)
		if id == nil {
			continue
		}
		kind := SymbolVariableDef
		switch {
		case IsFunctionDeclarator(id):
			kind = SymbolFunctionDecl
		case hasStorageClass(decl, "extern"):
			kind = SymbolVariableDecl
		}
		sc.Add(id.Text, kind, id)
	}
}

func (b *scopeBuilder) visit(n *Node, sc *Scope) {
	n.Scope = sc
	switch n.Kind {
	case KindFunctionDef:
		fs := newScope(ScopeFunction, n, sc)
		if id := DeclaratorName(n.Child("declarator")); id != nil {
			sc.Add(id.Text, SymbolFunctionDef, id)
			if fd := id.Enclosing(KindFunctionDeclarator); fd != nil {
				if pl := fd.Child("parameters"); pl != nil {
					b.params[pl] = fs
				}
			}
		}
		if body := n.Child("body"); body != nil {
			b.bodies[body] = fs
		}
		b.visitChildren(n, sc)
		return

	case KindDeclaration:
		b.declare(n, sc)

	case KindTypeDefinition:
		for _, d := range n.ChildrenOf("declarator") {
			if id := DeclaratorName(d); id != nil {
				sc.Add(id.Text, SymbolTypedef, id)
			}
		}

	case KindParameterList:
		ps, ok := b.params[n]
		if !ok {
			ps = newScope(ScopeFunction, n, sc)
		}
		n.Scope = ps
		b.visitChildren(n, ps)
		return

	case KindParameterDecl:
		if id := DeclaratorName(n.Child("declarator")); id != nil {
			sc.Add(id.Text, SymbolFunctionParam, id)
		}

	case KindStructSpecifier, KindUnionSpecifier, KindEnumSpecifier:
		// references to known tags do not redeclare them
		if name := n.Child("name"); name != nil &&
			(n.Child("body") != nil || sc.LookupCompound(name.Text) == nil) {
			outer(sc).Add(name.Text, SymbolCompound, n)
		}

	case KindFieldDeclList:
		ss := newScope(ScopeStruct, n, sc)
		n.Scope = ss
		b.visitChildren(n, ss)
		return

	case KindFieldDecl:
		for _, d := range n.ChildrenOf("declarator") {
			if id := DeclaratorName(d); id != nil {
				sc.Add(id.Text, SymbolStructMember, id)
			}
		}

	case KindEnumerator:
		if name := n.Child("name"); name != nil {
			outer(sc).Add(name.Text, SymbolEnumValue, name)
		}

	case KindCompoundStatement:
		bs, ok := b.bodies[n]
		if !ok {
			bs = newScope(ScopeBlock, n, sc)
		}
		n.Scope = bs
		b.visitChildren(n, bs)
		return

	case KindForStatement:
		fs := newScope(ScopeBlock, n, sc)
		n.Scope = fs
		b.visitChildren(n, fs)
		return
	}
	b.visitChildren(n, sc)
}

// SymbolOf returns the symbol an identifier refers to or declares, or nil
// if the name is unknown.
func SymbolOf(id *Node) *Symbol {
	if id == nil || id.Scope == nil {
		return nil
	}
	switch id.Kind {
	case KindIdentifier, KindDeclIdentifier:
		return id.Scope.LookupSymbol(id.Text)
	}
	return nil
}
