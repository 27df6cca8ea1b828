package asteval

import (
	"strconv"
	"strings"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// TypeOf returns the static type of an expression, declarator identifier
// or type specifier. Results are memoized.
func (ev *Evaluator) TypeOf(n *cparser.Node) (*Type, error) {
	if n == nil {
		return nil, &EvalError{Msg: "type of missing node"}
	}
	if t, ok := ev.types[n]; ok {
		return t, nil
	}
	if err, ok := ev.typeErrs[n]; ok {
		return nil, err
	}
	if ev.inStack[n] {
		return nil, ev.fatalf(n, "recursive type evaluation of %s", n.Kind)
	}
	ev.inStack[n] = true
	ev.stack = append(ev.stack, n)
	t, err := ev.typeOf(n)
	ev.stack = ev.stack[:len(ev.stack)-1]
	delete(ev.inStack, n)
	if err != nil {
		ev.typeErrs[n] = err
		return nil, err
	}
	ev.types[n] = t
	return t, nil
}

func (ev *Evaluator) longKind(unsigned bool) symbols.Kind {
	switch {
	case ev.opts.sizeofLong > 4 && unsigned:
		return symbols.KindUInt64
	case ev.opts.sizeofLong > 4:
		return symbols.KindInt64
	case unsigned:
		return symbols.KindUInt32
	}
	return symbols.KindInt32
}

func (ev *Evaluator) numeric(kind symbols.Kind, n *cparser.Node) *Type {
	return newType(kind, nil, n)
}

func (ev *Evaluator) typeOf(n *cparser.Node) (*Type, error) {
	switch n.Kind {
	case cparser.KindIdentifier:
		return ev.typeOfIdentifier(n)

	case cparser.KindDeclIdentifier:
		if n.Parent != nil && n.Parent.Kind == cparser.KindEnumerator {
			return ev.numeric(symbols.KindInt32, n), nil
		}
		return ev.typeOfDeclarator(n)

	case cparser.KindFieldIdentifier:
		if n.Parent != nil && n.Parent.Kind == cparser.KindField {
			return ev.TypeOf(n.Parent)
		}
		return ev.typeOfDeclarator(n)

	case cparser.KindTypeIdentifier:
		// names declared by a typedef, as opposed to uses of them
		if p := n.Parent; p != nil && (p.Kind.IsDeclarator() ||
			p.Kind == cparser.KindTypeDefinition && p.FieldOf(n) == "declarator") {
			return ev.typeOfDeclarator(n)
		}
		return ev.typeOfSpecifier(n)

	case cparser.KindPrimitiveType, cparser.KindSizedTypeSpecifier, cparser.KindStructSpecifier,
		cparser.KindUnionSpecifier, cparser.KindEnumSpecifier:
		return ev.typeOfSpecifier(n)

	case cparser.KindTypeDescriptor:
		return ev.typeOfTypeDescriptor(n)

	case cparser.KindNumber:
		return ev.typeOfNumber(n), nil
	case cparser.KindString, cparser.KindConcatString:
		return newType(symbols.KindArray, ev.numeric(symbols.KindInt8, n), n), nil
	case cparser.KindChar:
		return ev.numeric(symbols.KindInt8, n), nil
	case cparser.KindTrue, cparser.KindFalse:
		return ev.numeric(symbols.KindBool8, n), nil
	case cparser.KindNull:
		return newType(symbols.KindPointer, newType(symbols.KindVoid, nil, n), n), nil

	case cparser.KindParenExpr, cparser.KindExpressionStatement:
		if n.First() == nil {
			return newType(symbols.KindVoid, nil, n), nil
		}
		return ev.TypeOf(n.First())
	case cparser.KindReturnStatement:
		if n.First() == nil {
			return newType(symbols.KindVoid, nil, n), nil
		}
		return ev.TypeOf(n.First())

	case cparser.KindStatementExpr:
		body := n.First()
		if last := body.Last(); last != nil && last.Kind == cparser.KindExpressionStatement && last.First() != nil {
			return ev.TypeOf(last.First())
		}
		return newType(symbols.KindVoid, nil, n), nil

	case cparser.KindComma:
		return ev.TypeOf(n.Child("right"))
	case cparser.KindAssignment:
		return ev.TypeOf(n.Child("left"))
	case cparser.KindConditional:
		if c := n.Child("consequence"); c != nil {
			return ev.TypeOf(c)
		}
		return ev.TypeOf(n.Child("condition"))

	case cparser.KindBinary:
		return ev.typeOfBinary(n)
	case cparser.KindUnary:
		if n.Op == "!" {
			return ev.numeric(symbols.KindInt32, n), nil
		}
		return ev.TypeOf(n.Child("argument"))
	case cparser.KindUpdate:
		return ev.TypeOf(n.Child("argument"))
	case cparser.KindPointerExpr:
		return ev.typeOfPointerExpr(n)

	case cparser.KindCast, cparser.KindCompoundLiteral:
		return ev.typeOfTypeDescriptor(n.Child("type"))
	case cparser.KindSizeof, cparser.KindAlignof, cparser.KindOffsetof:
		return ev.numeric(ev.longKind(true), n), nil

	case cparser.KindCall:
		return ev.typeOfCall(n)
	case cparser.KindField:
		return ev.typeOfMember(n)
	case cparser.KindSubscript:
		at, err := ev.TypeOf(n.Child("argument"))
		if err != nil {
			return nil, err
		}
		if at.Deref() == nil {
			return nil, exprErrorf(n, "expected a pointer or array type here instead of %q", at)
		}
		return at.Next, nil

	case cparser.KindInitializerList:
		return ev.typeOfInitializerList(n)

	case cparser.KindAsmStatement:
		return newType(symbols.KindVoid, nil, n), nil
	}
	return nil, ev.fatalf(n, "cannot determine the type of %s", n.Kind)
}

func (ev *Evaluator) typeOfIdentifier(n *cparser.Node) (*Type, error) {
	sym := cparser.SymbolOf(n)
	if sym == nil {
		return nil, ev.fatalf(n, "unresolved symbol %q", n.Text)
	}
	switch sym.Kind {
	case cparser.SymbolEnumValue:
		return ev.numeric(symbols.KindInt32, n), nil
	case cparser.SymbolTypedef, cparser.SymbolCompound, cparser.SymbolStructMember:
		return nil, ev.fatalf(n, "%s is not an expression", sym)
	}
	return ev.TypeOf(sym.Node)
}

// typeOfDeclarator computes the declared type of the name id by applying
// its declarators to the type specifier of the declaration.
func (ev *Evaluator) typeOfDeclarator(id *cparser.Node) (*Type, error) {
	top := id
	for top.Parent != nil && (top.Parent.Kind.IsDeclarator() || top.Parent.Kind == cparser.KindInitDeclarator) {
		top = top.Parent
	}
	decl := top.Parent
	if decl == nil {
		return nil, ev.fatalf(id, "declarator %q outside of a declaration", id.Text)
	}
	switch decl.Kind {
	case cparser.KindDeclaration, cparser.KindParameterDecl, cparser.KindFunctionDef,
		cparser.KindTypeDefinition, cparser.KindFieldDecl:
	default:
		return nil, ev.fatalf(id, "unexpected %s around declarator %q", decl.Kind, id.Text)
	}
	var base *Type
	if spec := decl.Child("type"); spec != nil {
		var err error
		if base, err = ev.TypeOf(spec); err != nil {
			return nil, err
		}
	} else {
		// implicit int of old-style functions
		base = ev.numeric(symbols.KindInt32, decl)
	}
	return ev.applyDeclarator(base, top, false, false)
}

func (ev *Evaluator) typeOfTypeDescriptor(td *cparser.Node) (*Type, error) {
	if td == nil || td.Kind != cparser.KindTypeDescriptor {
		return nil, &EvalError{Msg: "expected a type descriptor"}
	}
	base, err := ev.TypeOf(td.Child("type"))
	if err != nil {
		return nil, err
	}
	return ev.applyDeclarator(base, td.Child("declarator"), false, false)
}

func unparen(d *cparser.Node) *cparser.Node {
	for d != nil && (d.Kind == cparser.KindParenDeclarator || d.Kind == cparser.KindAbstractParenDeclarator) {
		d = d.First()
	}
	return d
}

func isParenDeclarator(d *cparser.Node) bool {
	return d != nil && (d.Kind == cparser.KindParenDeclarator || d.Kind == cparser.KindAbstractParenDeclarator)
}

// applyDeclarator wraps base with the declarators from d inwards. inFunc
// is set inside the parentheses of a function declarator and starSeen
// once its first star was consumed.
func (ev *Evaluator) applyDeclarator(base *Type, d *cparser.Node, inFunc, starSeen bool) (*Type, error) {
	if d == nil {
		return base, nil
	}
	switch d.Kind {
	case cparser.KindInitDeclarator:
		return ev.applyDeclarator(base, d.Child("declarator"), inFunc, starSeen)

	case cparser.KindParenDeclarator, cparser.KindAbstractParenDeclarator:
		return ev.applyDeclarator(base, d.First(), inFunc, starSeen)

	case cparser.KindPointerDeclarator, cparser.KindAbstractPointerDeclarator:
		var t *Type
		switch {
		case inFunc && !starSeen:
			t = base.copyType()
			t.PointerSkipped = true
			starSeen = true
		case inFunc:
			t = newType(symbols.KindFuncPointer, base, d)
			t.PointerSkipped = true
		case base.Kind == symbols.KindFuncPointer && !base.PointerSkipped:
			t = base.copyType()
			t.PointerSkipped = true
		default:
			t = newType(symbols.KindPointer, base, d)
		}
		return ev.applyDeclarator(t, d.Child("declarator"), inFunc, starSeen)

	case cparser.KindArrayDeclarator, cparser.KindAbstractArrayDeclarator:
		t := newType(symbols.KindArray, base, d)
		if size := d.Child("size"); size != nil && size.Kind == cparser.KindNumber {
			if v, err := parseInt(size.Text); err == nil {
				t.ArraySize = int(v)
			}
		}
		return ev.applyDeclarator(t, d.Child("declarator"), false, false)

	case cparser.KindFunctionDeclarator, cparser.KindAbstractFunctionDeclarator:
		inner := d.Child("declarator")
		t := newType(symbols.KindFuncPointer, base, d)
		ptrInParens := isParenDeclarator(inner) && unparen(inner) != nil &&
			(unparen(inner).Kind == cparser.KindPointerDeclarator || unparen(inner).Kind == cparser.KindAbstractPointerDeclarator)
		t.IsFunction = !ptrInParens
		return ev.applyDeclarator(t, inner, ev.opts.skipFuncPtrStar && ptrInParens, false)
	}
	return base, nil
}

// primitives maps single-word type names onto kinds. Longs depend on the
// target and are handled separately.
var primitives = map[string]symbols.Kind{
	"char":              symbols.KindInt8,
	"short":             symbols.KindInt16,
	"int":               symbols.KindInt32,
	"signed":            symbols.KindInt32,
	"unsigned":          symbols.KindUInt32,
	"float":             symbols.KindFloat,
	"double":            symbols.KindDouble,
	"void":              symbols.KindVoid,
	"bool":              symbols.KindBool8,
	"_Bool":             symbols.KindBool8,
	"int8_t":            symbols.KindInt8,
	"uint8_t":           symbols.KindUInt8,
	"int16_t":           symbols.KindInt16,
	"uint16_t":          symbols.KindUInt16,
	"int32_t":           symbols.KindInt32,
	"uint32_t":          symbols.KindUInt32,
	"int64_t":           symbols.KindInt64,
	"uint64_t":          symbols.KindUInt64,
	"char8_t":           symbols.KindUInt8,
	"char16_t":          symbols.KindUInt16,
	"char32_t":          symbols.KindUInt32,
	"wchar_t":           symbols.KindInt32,
	"__int128":          symbols.KindInt64,
	"va_list":           symbols.KindVaList,
	"__builtin_va_list": symbols.KindVaList,
}

var longTypes = map[string]bool{
	"long":      false,
	"size_t":    true,
	"ssize_t":   false,
	"ptrdiff_t": false,
	"intptr_t":  false,
	"uintptr_t": true,
}

func (ev *Evaluator) primitiveKind(text string) (symbols.Kind, bool) {
	words := strings.Fields(text)
	if len(words) == 1 {
		if unsigned, ok := longTypes[words[0]]; ok {
			return ev.longKind(unsigned), true
		}
		k, ok := primitives[words[0]]
		return k, ok
	}
	var unsigned, char, short, double bool
	longs := 0
	for _, w := range words {
		switch w {
		case "unsigned":
			unsigned = true
		case "char":
			char = true
		case "short":
			short = true
		case "double":
			double = true
		case "long":
			longs++
		case "signed", "int", "const", "volatile", "__signed__":
		default:
			if _, ok := primitives[w]; !ok {
				return 0, false
			}
		}
	}
	switch {
	case double:
		return symbols.KindDouble, true
	case char && unsigned:
		return symbols.KindUInt8, true
	case char:
		return symbols.KindInt8, true
	case short && unsigned:
		return symbols.KindUInt16, true
	case short:
		return symbols.KindInt16, true
	case longs == 1:
		return ev.longKind(unsigned), true
	case longs > 1 && unsigned:
		return symbols.KindUInt64, true
	case longs > 1:
		return symbols.KindInt64, true
	case unsigned:
		return symbols.KindUInt32, true
	}
	return symbols.KindInt32, true
}

func (ev *Evaluator) typeOfSpecifier(spec *cparser.Node) (*Type, error) {
	switch spec.Kind {
	case cparser.KindPrimitiveType, cparser.KindSizedTypeSpecifier:
		k, ok := ev.primitiveKind(spec.Text)
		if !ok {
			return nil, ev.fatalf(spec, "unknown type %q", spec.Text)
		}
		return ev.numeric(k, spec), nil

	case cparser.KindStructSpecifier, cparser.KindUnionSpecifier, cparser.KindEnumSpecifier:
		kind := symbols.KindStruct
		switch spec.Kind {
		case cparser.KindUnionSpecifier:
			kind = symbols.KindUnion
		case cparser.KindEnumSpecifier:
			kind = symbols.KindEnum
		}
		t := newType(kind, nil, spec)
		if name := spec.Child("name"); name != nil {
			t.Identifier = name.Text
			if spec.Child("body") == nil {
				if def := spec.Scope.LookupCompound(name.Text); def != nil {
					t.Node = def.Node
				}
			}
		}
		return t, nil

	case cparser.KindTypeIdentifier:
		sym := spec.Scope.LookupTypedef(spec.Text)
		if sym == nil {
			if k, ok := primitives[spec.Text]; ok {
				return ev.numeric(k, spec), nil
			}
			if unsigned, ok := longTypes[spec.Text]; ok {
				return ev.numeric(ev.longKind(unsigned), spec), nil
			}
			return nil, ev.fatalf(spec, "unknown type name %q", spec.Text)
		}
		return ev.TypeOf(sym.Node)
	}
	return nil, ev.fatalf(spec, "unsupported type specifier %s", spec.Kind)
}

func parseInt(text string) (uint64, error) {
	digits := strings.TrimRight(strings.ToLower(text), "ul")
	digits = strings.ReplaceAll(digits, "'", "")
	if len(digits) > 1 && digits[0] == '0' && digits[1] >= '0' && digits[1] <= '7' {
		digits = "0o" + digits[1:]
	}
	return strconv.ParseUint(digits, 0, 64)
}

func (ev *Evaluator) typeOfNumber(n *cparser.Node) *Type {
	text := strings.ToLower(n.Text)
	hex := strings.HasPrefix(text, "0x")
	if (!hex && strings.ContainsAny(text, ".e")) || (hex && strings.ContainsAny(text, ".p")) {
		if strings.HasSuffix(text, "f") {
			return ev.numeric(symbols.KindFloat, n)
		}
		return ev.numeric(symbols.KindDouble, n)
	}
	body := strings.TrimRight(text, "ul")
	suffix := text[len(body):]
	unsigned := strings.Contains(suffix, "u")
	longs := strings.Count(suffix, "l")

	var kind symbols.Kind
	switch {
	case longs >= 2 || longs == 1 && ev.opts.sizeofLong > 4:
		kind = symbols.KindInt64
	case longs == 1:
		kind = symbols.KindInt32
	default:
		v, err := parseInt(body)
		switch {
		case err != nil:
			kind = symbols.KindUInt64
		case v < 1<<31:
			kind = symbols.KindInt32
		case v < 1<<32:
			kind = symbols.KindUInt32
		case v < 1<<63:
			kind = symbols.KindInt64
		default:
			kind = symbols.KindUInt64
		}
	}
	if unsigned {
		switch kind {
		case symbols.KindInt32:
			kind = symbols.KindUInt32
		case symbols.KindInt64:
			kind = symbols.KindUInt64
		}
	}
	return ev.numeric(kind, n)
}

func (ev *Evaluator) typeOfBinary(n *cparser.Node) (*Type, error) {
	switch n.Op {
	case "<", ">", "<=", ">=", "==", "!=", "&&", "||":
		return ev.numeric(symbols.KindInt32, n), nil
	}
	l, err := ev.TypeOf(n.Child("left"))
	if err != nil {
		return nil, err
	}
	r, err := ev.TypeOf(n.Child("right"))
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "+", "-":
		return ev.additiveType(n, l, r, n.Op)
	case "*", "/":
		return ev.numericType(n, l, r)
	}
	return ev.integerType(n, l, r)
}

func (ev *Evaluator) integerType(n *cparser.Node, l, r *Type) (*Type, error) {
	switch {
	case l.Kind&symbols.IntegerTypes != 0 && r.Kind&symbols.IntegerTypes != 0:
		if ev.size(l) > ev.size(r) {
			return l, nil
		}
		return r, nil
	case l.Kind == symbols.KindVoid:
		return l, nil
	case r.Kind == symbols.KindVoid:
		return r, nil
	}
	return nil, exprErrorf(n, "integer expression with operands %q and %q", l, r)
}

func (ev *Evaluator) numericType(n *cparser.Node, l, r *Type) (*Type, error) {
	lf, rf := l.Kind&symbols.FloatingTypes != 0, r.Kind&symbols.FloatingTypes != 0
	switch {
	case lf && rf:
		if ev.size(l) > ev.size(r) {
			return l, nil
		}
		return r, nil
	case lf && r.Kind&symbols.NumericTypes != 0:
		return l, nil
	case rf && l.Kind&symbols.NumericTypes != 0:
		return r, nil
	}
	return ev.integerType(n, l, r)
}

func (ev *Evaluator) additiveType(n *cparser.Node, l, r *Type, op string) (*Type, error) {
	lp, rp := l.Kind&pointerKinds != 0, r.Kind&pointerKinds != 0
	switch {
	case lp && r.Kind&symbols.IntegerTypes != 0:
		return l, nil
	case rp && l.Kind&symbols.IntegerTypes != 0 && op == "+":
		return r, nil
	case lp && rp && op == "-":
		return ev.numeric(ev.longKind(false), n), nil
	}
	return ev.numericType(n, l, r)
}

// derefKeepsFunction reports whether the dereference n of a function
// pointer is immediately called.
func derefKeepsFunction(n *cparser.Node) bool {
	if n.Parent != nil && n.Parent.Kind == cparser.KindPointerExpr && n.Parent.Op == "*" {
		return false
	}
	c := n
	p := n.Parent
	for p != nil && p.Kind == cparser.KindParenExpr {
		c, p = p, p.Parent
	}
	return p != nil && p.Kind == cparser.KindCall && p.Child("function") == c
}

func (ev *Evaluator) typeOfPointerExpr(n *cparser.Node) (*Type, error) {
	t, err := ev.TypeOf(n.Child("argument"))
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case "*":
		if t.Deref() == nil {
			return nil, exprErrorf(n, "expected a pointer or array type here instead of %q", t)
		}
		if t.Kind == symbols.KindFuncPointer && derefKeepsFunction(n) {
			return t, nil
		}
		return t.Next, nil
	case "&":
		if t.Kind == symbols.KindFuncPointer && t.IsFunction && !t.AmpersandSkipped {
			c := t.copyType()
			c.AmpersandSkipped = true
			return c, nil
		}
		return newType(symbols.KindPointer, t, n), nil
	}
	return nil, ev.fatalf(n, "unknown pointer operator %q", n.Op)
}

// builtinName returns the name of a compiler builtin called by n, if any.
func builtinName(call *cparser.Node) (string, bool) {
	fn := call.Child("function")
	if fn == nil || fn.Kind != cparser.KindIdentifier || cparser.SymbolOf(fn) != nil {
		return "", false
	}
	if !strings.HasPrefix(fn.Text, "__builtin_") {
		return "", false
	}
	return strings.TrimPrefix(fn.Text, "__builtin_"), true
}

func (ev *Evaluator) typeOfBuiltin(n *cparser.Node, name string) (*Type, error) {
	switch name {
	case "expect":
		return ev.numeric(ev.longKind(false), n), nil
	case "constant_p", "types_compatible_p", "clz", "ctz", "ffs", "popcount":
		return ev.numeric(symbols.KindInt32, n), nil
	case "object_size", "offsetof":
		return ev.numeric(ev.longKind(true), n), nil
	case "return_address", "frame_address", "extract_return_addr":
		return newType(symbols.KindPointer, newType(symbols.KindVoid, nil, n), n), nil
	case "prefetch", "va_start", "va_end", "va_copy", "trap", "unreachable":
		return newType(symbols.KindVoid, nil, n), nil
	case "choose_expr":
		args := n.Child("arguments").Children()
		if len(args) < 2 {
			return nil, ev.fatalf(n, "__builtin_choose_expr needs three arguments")
		}
		return ev.TypeOf(args[1])
	}
	return nil, exprErrorf(n, "unknown builtin __builtin_%s", name)
}

func (ev *Evaluator) typeOfCall(n *cparser.Node) (*Type, error) {
	if name, ok := builtinName(n); ok {
		return ev.typeOfBuiltin(n, name)
	}
	ft, err := ev.TypeOf(n.Child("function"))
	if err != nil {
		return nil, err
	}
	if ft.Kind != symbols.KindFuncPointer {
		return nil, exprErrorf(n, "expected a function pointer type here instead of %q", ft)
	}
	return ft.Next, nil
}

// compoundBody returns the field list defining a struct or union type.
func compoundBody(t *Type) *cparser.Node {
	if t.Node == nil {
		return nil
	}
	if body := t.Node.Child("body"); body != nil {
		return body
	}
	if t.Identifier != "" && t.Node.Scope != nil {
		if def := t.Node.Scope.LookupCompound(t.Identifier); def != nil {
			return def.Node.Child("body")
		}
	}
	return nil
}

// findMember searches the members of a struct or union breadth first,
// descending into anonymous nested structs and unions.
func findMember(t *Type, name string) *cparser.Node {
	body := compoundBody(t)
	if body == nil {
		return nil
	}
	queue := []*cparser.Node{body}
	for len(queue) > 0 {
		body, queue = queue[0], queue[1:]
		for _, fd := range body.Children() {
			if fd.Kind != cparser.KindFieldDecl {
				continue
			}
			decls := fd.ChildrenOf("declarator")
			for _, d := range decls {
				if id := cparser.DeclaratorName(d); id != nil && id.Text == name {
					return id
				}
			}
			if len(decls) == 0 {
				if spec := fd.Child("type"); spec != nil && spec.Child("body") != nil {
					queue = append(queue, spec.Child("body"))
				}
			}
		}
	}
	return nil
}

// members lists the named members of a struct or union in order.
func members(t *Type) []*cparser.Node {
	body := compoundBody(t)
	if body == nil {
		return nil
	}
	var list []*cparser.Node
	for _, fd := range body.Children() {
		if fd.Kind != cparser.KindFieldDecl {
			continue
		}
		for _, d := range fd.ChildrenOf("declarator") {
			if id := cparser.DeclaratorName(d); id != nil {
				list = append(list, id)
			}
		}
	}
	return list
}

func (ev *Evaluator) typeOfMember(n *cparser.Node) (*Type, error) {
	t, err := ev.TypeOf(n.Child("argument"))
	if err != nil {
		return nil, err
	}
	if n.Op == "->" {
		if t.Deref() == nil {
			return nil, exprErrorf(n, "expected a pointer type here instead of %q", t)
		}
		t = t.Next
	}
	for t != nil && t.Kind&symbols.StructOrUnion == 0 {
		t = t.Next
	}
	if t == nil {
		return nil, exprErrorf(n, "member access on a non-struct type")
	}
	field := n.Child("field")
	if field == nil {
		return nil, ev.fatalf(n, "member access without member name")
	}
	m := findMember(t, field.Text)
	if m == nil {
		return nil, ev.fatalf(n, "could not resolve member %q of %s", field.Text, t)
	}
	return ev.TypeOf(m)
}

func (ev *Evaluator) typeOfInitializerList(n *cparser.Node) (*Type, error) {
	p := n.Parent
	switch p.Kind {
	case cparser.KindInitDeclarator:
		return ev.TypeOf(cparser.DeclaratorName(p.Child("declarator")))
	case cparser.KindCompoundLiteral:
		return ev.typeOfTypeDescriptor(p.Child("type"))
	case cparser.KindInitializerList, cparser.KindInitializerPair:
		return ev.expectedTypeAt(n)
	}
	return nil, ev.fatalf(n, "initializer list inside %s", p.Kind)
}

// expectedTypeAt returns the type an element of an initializer list
// initializes.
func (ev *Evaluator) expectedTypeAt(x *cparser.Node) (*Type, error) {
	if pair := x.Parent; pair.Kind == cparser.KindInitializerPair {
		t, err := ev.TypeOf(pair.Parent)
		if err != nil {
			return nil, err
		}
		for _, d := range pair.ChildrenOf("designator") {
			switch d.Kind {
			case cparser.KindFieldDesignator:
				m := findMember(t, d.First().Text)
				if m == nil {
					return nil, ev.fatalf(d, "could not resolve member %q of %s", d.First().Text, t)
				}
				if t, err = ev.TypeOf(m); err != nil {
					return nil, err
				}
			case cparser.KindSubscriptDesignator:
				if t.Deref() == nil {
					return nil, exprErrorf(d, "index designator for %q", t)
				}
				t = t.Next
			}
		}
		return t, nil
	}

	list := x.Parent
	t, err := ev.TypeOf(list)
	if err != nil {
		return nil, err
	}
	if t.Kind&(symbols.KindArray|symbols.KindPointer) != 0 {
		return t.Next, nil
	}
	if t.Kind&symbols.StructOrUnion != 0 {
		idx := 0
		for _, c := range list.Children() {
			if c == x {
				break
			}
			idx++
		}
		ms := members(t)
		if idx >= len(ms) {
			return nil, ev.fatalf(x, "initializer %d exceeds the members of %s", idx, t)
		}
		return ev.TypeOf(ms[idx])
	}
	return t, nil
}

// functionReturnType returns the return type of the function containing n.
func (ev *Evaluator) functionReturnType(n *cparser.Node) (*Type, error) {
	fd := n.Enclosing(cparser.KindFunctionDef)
	if fd == nil {
		return nil, ev.fatalf(n, "%s outside of a function", n.Kind)
	}
	id := cparser.DeclaratorName(fd.Child("declarator"))
	if id == nil {
		return nil, ev.fatalf(fd, "function without a name")
	}
	ft, err := ev.TypeOf(id)
	if err != nil {
		return nil, err
	}
	if ft.Kind != symbols.KindFuncPointer || ft.Next == nil {
		return nil, ev.fatalf(id, "function %q has type %s", id.Text, ft)
	}
	return ft.Next, nil
}
