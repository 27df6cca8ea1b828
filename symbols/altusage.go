package symbols

import (
	"fmt"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// TypeLink is one step of a source-level type: a pointer or array level,
// or the named base type at the end.
type TypeLink struct {
	Kind Kind
	Name string // for structs, unions, enums, typedefs and named numerics
}

// TypeChain is a source-level type, outermost link first. The chain of
// "struct page **" is {Pointer} {Pointer} {Struct page}.
type TypeChain []TypeLink

func (c TypeChain) String() string {
	if len(c) == 0 {
		return "<none>"
	}
	var b strings.Builder
	base := c[len(c)-1]
	if base.Name != "" {
		switch base.Kind {
		case KindStruct:
			b.WriteString("struct ")
		case KindUnion:
			b.WriteString("union ")
		case KindEnum:
			b.WriteString("enum ")
		}
		b.WriteString(base.Name)
	} else {
		b.WriteString(base.Kind.String())
	}
	for i := len(c) - 2; i >= 0; i-- {
		switch c[i].Kind {
		case KindPointer:
			b.WriteString("*")
		case KindArray:
			b.WriteString("[]")
		case KindConst:
			b.WriteString(" const")
		case KindVolatile:
			b.WriteString(" volatile")
		}
	}
	return b.String()
}

// SymbolKind classifies the symbol whose type is used differently than
// declared.
type SymbolKind int

const (
	SymbolGlobalVar SymbolKind = iota
	SymbolLocalVar
	SymbolParam
	SymbolMember
	SymbolEnumerator
)

var symbolKindNames = []string{"global variable", "local variable", "parameter", "member", "enumerator"}

func (k SymbolKind) String() string {
	if int(k) < len(symbolKindNames) {
		return symbolKindNames[k]
	}
	return fmt.Sprintf("SymbolKind(%d)", int(k))
}

// AltUsage describes one place in the source where a value of type SrcType
// ends up being used as TargetType.
type AltUsage struct {
	Symbol     string
	SymbolKind SymbolKind
	SrcFile    string // compile unit the usage was found in
	SrcType    TypeChain

	// CtxType owns the member chain CtxMembers whose declared type is
	// changed. It is set for members and for locals and parameters that
	// are accessed through members.
	CtxType    TypeChain
	CtxMembers []string

	TargetType TypeChain

	// Expr restricts the alternative to matching instances. Nil means
	// unconditional.
	Expr Expression
}

func (u *AltUsage) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s -> %s", u.SymbolKind, u.Symbol, u.SrcType, u.TargetType)
	if len(u.CtxMembers) > 0 {
		fmt.Fprintf(&b, " in (%s).%s", u.CtxType, strings.Join(u.CtxMembers, "."))
	}
	if u.SrcFile != "" {
		fmt.Fprintf(&b, " [%s]", u.SrcFile)
	}
	return b.String()
}

// TypeAlternateUsage registers the target type of u as an alternative
// reference type of the variable or member it describes. It returns the
// number of alternatives added. Usages whose target type is not in the
// symbol table are ignored.
func (f *Factory) TypeAlternateUsage(u AltUsage) (int, error) {
	f.altMu.Lock()
	defer f.altMu.Unlock()

	if u.SymbolKind == SymbolEnumerator {
		return 0, nil
	}
	targets := f.findTypesForChain(u.TargetType)
	if len(targets) == 0 {
		f.log.V(2).Info("target type not found", "usage", u.String())
		return 0, nil
	}
	target := targets[0]

	switch u.SymbolKind {
	case SymbolGlobalVar:
		if len(u.CtxMembers) > 0 {
			return f.changeMembers(&u, target)
		}
		return f.changeGlobalVar(&u, target)
	case SymbolMember, SymbolParam, SymbolLocalVar:
		if len(u.CtxMembers) == 0 {
			if u.SymbolKind == SymbolMember {
				return 0, errors.Errorf("no member given for %s", u.String())
			}
			// locals and parameters live on the stack only
			return 0, nil
		}
		return f.changeMembers(&u, target)
	}
	return 0, errors.Errorf("unexpected symbol kind %s", u.SymbolKind)
}

func (f *Factory) changeGlobalVar(u *AltUsage, target Type) (int, error) {
	var found []*Variable
	for _, v := range f.varsByName[u.Symbol] {
		if f.inCompileUnit(v.srcFile, u.SrcFile) {
			found = append(found, v)
		}
	}
	switch len(found) {
	case 0:
		f.log.V(2).Info("variable not found", "usage", u.String())
		return 0, nil
	case 1:
	default:
		return 0, errors.Errorf("%d variables named %q in %s", len(found), u.Symbol, u.SrcFile)
	}
	if f.addAltRefType(&found[0].ReferencingType, target, u.Expr) {
		return 1, nil
	}
	return 0, nil
}

// changeMembers follows the member chain of u on every type CtxType
// resolves to and registers target on the last member.
func (f *Factory) changeMembers(u *AltUsage, target Type) (int, error) {
	ctxTypes := f.findTypesForChain(u.CtxType)
	if len(ctxTypes) == 0 {
		f.log.V(2).Info("context type not found", "usage", u.String())
		return 0, nil
	}
	added, members := 0, 0
	for _, ctx := range ctxTypes {
		m := followMembers(ctx, u.CtxMembers)
		if m == nil {
			continue
		}
		members++
		if f.addAltRefType(&m.ReferencingType, target, u.Expr) {
			added++
		}
	}
	if members == 0 {
		return 0, errors.Wrapf(ErrNotFound, "member %s of %s", strings.Join(u.CtxMembers, "."), u.CtxType)
	}
	return added, nil
}

// followMembers resolves a member chain starting at t. Pointers between
// the members are followed.
func followMembers(t Type, names []string) *StructuredMember {
	var m *StructuredMember
	for _, name := range names {
		d, _ := DereferencedType(t, ResolveAny, -1)
		s, ok := d.(*StructuredType)
		if !ok {
			return nil
		}
		if m, ok = s.FindMember(name); !ok {
			return nil
		}
		t = m.refType
	}
	return m
}

func (f *Factory) addAltRefType(r *ReferencingType, target Type, expr Expression) bool {
	if r.refType == target || Equal(r.refType, target) {
		return false
	}
	if !r.AddAltRefType(AltRefType{ID: target.ID(), Type: target, Expr: expr}) {
		return false
	}
	f.stats.TypesChanged++
	if len(r.altRefTypes) == 2 {
		f.stats.AmbiguousTypes++
	}
	return true
}

func (f *Factory) inCompileUnit(unitID int, file string) bool {
	if file == "" {
		return true
	}
	u, ok := f.units[unitID]
	if !ok {
		return false
	}
	if u.Name == file || path.Join(u.Dir, u.Name) == file {
		return true
	}
	return strings.HasSuffix(u.Name, "/"+file) || strings.HasSuffix(file, "/"+u.Name)
}

// findTypesForChain returns the registered types matching a source-level
// type. The base type is looked up by name or numeric kind; every pointer,
// array and qualifier level is then found among the types using the
// previous level.
func (f *Factory) findTypesForChain(c TypeChain) []Type {
	i := 0
	for i < len(c) && c[i].Kind&(KindPointer|KindArray|KindConst|KindVolatile) != 0 {
		i++
	}
	if i == len(c) {
		return nil
	}
	var cands []Type
	base := c[i]
	switch {
	case base.Kind&(KindVoid|KindVaList) != 0:
		// void is never a type of its own; start at the innermost pointer
		i--
		for i >= 0 && c[i].Kind&(KindConst|KindVolatile) != 0 {
			i--
		}
		if i < 0 {
			return nil
		}
		for _, p := range f.voidPtrs {
			if p.Kind() == c[i].Kind {
				cands = append(cands, p)
			}
		}
	case base.Kind&NumericTypes&^KindEnum != 0:
		for _, t := range f.typesByName[base.Name] {
			if t.Kind() == base.Kind {
				cands = append(cands, t)
			}
		}
		if len(cands) == 0 {
			if t, ok := f.numerics[base.Kind]; ok {
				cands = append(cands, t)
			}
		}
	default:
		for _, t := range f.typesByName[base.Name] {
			if t.Kind()&base.Kind != 0 {
				cands = append(cands, t)
			}
		}
		// complete definitions first
		var defs, decls []Type
		for _, t := range cands {
			if s, ok := t.(*StructuredType); ok && len(s.Members) == 0 {
				decls = append(decls, t)
			} else {
				defs = append(defs, t)
			}
		}
		cands = append(defs, decls...)
	}

	for j := i - 1; j >= 0 && len(cands) > 0; j-- {
		if c[j].Kind&(KindConst|KindVolatile) != 0 {
			continue
		}
		var next []Type
		seen := make(map[Type]bool)
		for _, t := range cands {
			for _, u := range f.usersOfKind(t, c[j].Kind) {
				if !seen[u] {
					seen[u] = true
					next = append(next, u)
				}
			}
		}
		cands = next
	}
	return cands
}

// usersOfKind returns the types of the given kind that reference t,
// looking through const and volatile qualifiers.
func (f *Factory) usersOfKind(t Type, kind Kind) []Type {
	var res []Type
	queue := []Type{t}
	visited := map[Type]bool{t: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, u := range f.usedBy[cur] {
			switch {
			case u.Kind() == kind:
				res = append(res, u)
			case u.Kind()&(KindConst|KindVolatile) != 0 && !visited[u]:
				visited[u] = true
				queue = append(queue, u)
			}
		}
	}
	return res
}
