package cparser

import (
	"fmt"
	"strings"
)

// ScopeKind tells what introduced a scope.
type ScopeKind int

const (
	ScopeFile ScopeKind = iota
	ScopeFunction
	ScopeBlock
	ScopeStruct
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeFile:
		return "file"
	case ScopeFunction:
		return "function"
	case ScopeBlock:
		return "block"
	case ScopeStruct:
		return "struct"
	}
	return fmt.Sprintf("ScopeKind(%d)", int(k))
}

// SymbolKind classifies declared names.
type SymbolKind int

const (
	SymbolNone SymbolKind = iota
	SymbolVariableDecl
	SymbolVariableDef
	SymbolFunctionDecl
	SymbolFunctionDef
	SymbolFunctionParam
	SymbolStructMember
	SymbolTypedef
	SymbolEnumValue
	SymbolCompound // struct, union or enum tag
)

// PointsToSymbols are the kinds that take part in points-to analysis.
const pointsToSymbols = 1<<SymbolVariableDecl | 1<<SymbolVariableDef |
	1<<SymbolFunctionParam | 1<<SymbolFunctionDef | 1<<SymbolFunctionDecl

var symbolKindNames = [...]string{
	SymbolNone:          "none",
	SymbolVariableDecl:  "variable declaration",
	SymbolVariableDef:   "variable definition",
	SymbolFunctionDecl:  "function declaration",
	SymbolFunctionDef:   "function definition",
	SymbolFunctionParam: "function parameter",
	SymbolStructMember:  "struct member",
	SymbolTypedef:       "typedef",
	SymbolEnumValue:     "enumerator",
	SymbolCompound:      "compound type",
}

func (k SymbolKind) String() string {
	if int(k) < len(symbolKindNames) {
		return symbolKindNames[k]
	}
	return fmt.Sprintf("SymbolKind(%d)", int(k))
}

// Symbol is a declared name.
type Symbol struct {
	Name  string
	Kind  SymbolKind
	Node  *Node // declarator identifier, or the specifier of compound types
	Scope *Scope

	assigned []Assignment
}

// IsGlobal reports whether the symbol is declared at file scope.
func (s *Symbol) IsGlobal() bool { return s.Scope != nil && s.Scope.Kind == ScopeFile }

// IsLocal is the negation of IsGlobal.
func (s *Symbol) IsLocal() bool { return !s.IsGlobal() }

// TakesPart reports whether values can be assigned to the symbol.
func (s *Symbol) TakesPart() bool { return pointsToSymbols&(1<<s.Kind) != 0 }

func (s *Symbol) String() string {
	return fmt.Sprintf("%s %q at %s", s.Kind, s.Name, s.Node.Pos)
}

// Assigned returns the expressions recorded as assigned to the symbol.
func (s *Symbol) Assigned() []Assignment { return s.assigned }

// AddAssignment records that node was assigned to the symbol with the
// given transformations applied to the symbol. It reports false if the
// same assignment is already known.
func (s *Symbol) AddAssignment(node *Node, trans Transformations, round int) bool {
	for _, a := range s.assigned {
		if a.Node == node && a.Trans.Equal(trans) {
			return false
		}
	}
	s.assigned = append(s.assigned, Assignment{Node: node, Trans: trans, Round: round})
	return true
}

// Assignment is a points-to edge: Node was assigned to the symbol after
// applying Trans to it, as found in round Round.
type Assignment struct {
	Node  *Node
	Trans Transformations
	Round int
}

// Scope is a lexical scope with separate namespaces for ordinary
// identifiers, typedef names and struct/union/enum tags.
type Scope struct {
	Kind ScopeKind
	Node *Node

	parent    *Scope
	symbols   map[string]*Symbol
	typedefs  map[string]*Symbol
	compounds map[string]*Symbol
	children  []*Scope
}

func newScope(kind ScopeKind, node *Node, parent *Scope) *Scope {
	s := &Scope{
		Kind:      kind,
		Node:      node,
		parent:    parent,
		symbols:   make(map[string]*Symbol),
		typedefs:  make(map[string]*Symbol),
		compounds: make(map[string]*Symbol),
	}
	if parent != nil {
		parent.children = append(parent.children, s)
	}
	return s
}

// Parent returns the enclosing scope, or nil for file scope.
func (s *Scope) Parent() *Scope { return s.parent }

// Children returns the scopes nested directly in s.
func (s *Scope) Children() []*Scope { return s.children }

// Symbols returns the ordinary identifiers declared in s.
func (s *Scope) Symbols() map[string]*Symbol { return s.symbols }

func (s *Scope) namespace(kind SymbolKind) map[string]*Symbol {
	switch kind {
	case SymbolTypedef:
		return s.typedefs
	case SymbolCompound:
		return s.compounds
	}
	return s.symbols
}

// Add declares a symbol. A definition replaces an earlier declaration of
// the same name; otherwise the first declaration stays.
func (s *Scope) Add(name string, kind SymbolKind, node *Node) *Symbol {
	ns := s.namespace(kind)
	if old, ok := ns[name]; ok {
		switch {
		case kind == SymbolFunctionDef && old.Kind == SymbolFunctionDecl,
			kind == SymbolVariableDef && old.Kind == SymbolVariableDecl,
			kind == SymbolCompound && old.Node.Child("body") == nil && node.Child("body") != nil:
			old.Kind, old.Node = kind, node
		}
		return old
	}
	sym := &Symbol{Name: name, Kind: kind, Node: node, Scope: s}
	ns[name] = sym
	return sym
}

func (s *Scope) lookup(name string, kind SymbolKind) *Symbol {
	for sc := s; sc != nil; sc = sc.parent {
		if sym, ok := sc.namespace(kind)[name]; ok {
			return sym
		}
	}
	return nil
}

// LookupSymbol finds an ordinary identifier, walking outward.
func (s *Scope) LookupSymbol(name string) *Symbol { return s.lookup(name, SymbolNone) }

// LookupTypedef finds a typedef name, walking outward.
func (s *Scope) LookupTypedef(name string) *Symbol { return s.lookup(name, SymbolTypedef) }

// LookupCompound finds a struct, union or enum tag, walking outward.
func (s *Scope) LookupCompound(name string) *Symbol { return s.lookup(name, SymbolCompound) }

// AddAssignment records an assignment to the symbol name as visible from
// s. It reports whether the edge is new.
func (s *Scope) AddAssignment(name string, node *Node, trans Transformations, round int) bool {
	sym := s.LookupSymbol(name)
	if sym == nil {
		return false
	}
	return sym.AddAssignment(node, trans, round)
}

// Assignments returns the assignments recorded for name as visible from s.
func (s *Scope) Assignments(name string) []Assignment {
	if sym := s.LookupSymbol(name); sym != nil {
		return sym.assigned
	}
	return nil
}

// TransformKind is one step applied to a symbol in an expression.
type TransformKind int

const (
	TransMember TransformKind = iota
	TransDeref
	TransArray
	TransAddress
	TransFuncCall
)

// Transform is one suffix or prefix applied to a symbol. Node is the
// expression that applies it.
type Transform struct {
	Kind   TransformKind
	Member string
	Node   *Node
}

func (t Transform) String() string {
	switch t.Kind {
	case TransMember:
		return "." + t.Member
	case TransDeref:
		return "*"
	case TransArray:
		return "[]"
	case TransAddress:
		return "&"
	case TransFuncCall:
		return "()"
	}
	return "?"
}

// Transformations lists the steps applied to a symbol, innermost first.
type Transformations []Transform

// Equal compares kinds and member names.
func (t Transformations) Equal(o Transformations) bool {
	return len(t) == len(o) && t.IsPrefixOf(o)
}

// IsPrefixOf reports whether t is a prefix of o.
func (t Transformations) IsPrefixOf(o Transformations) bool {
	if len(t) > len(o) {
		return false
	}
	for i := range t {
		if t[i].Kind != o[i].Kind || t[i].Member != o[i].Member {
			return false
		}
	}
	return true
}

// DerefCount counts dereferences minus address operations, from the right
// up to the first member access or call.
func (t Transformations) DerefCount() int {
	n := 0
	for i := len(t) - 1; i >= 0; i-- {
		switch t[i].Kind {
		case TransDeref, TransArray:
			n++
		case TransAddress:
			n--
		default:
			return n
		}
	}
	return n
}

// MemberCount counts member accesses.
func (t Transformations) MemberCount() int {
	n := 0
	for _, x := range t {
		if x.Kind == TransMember {
			n++
		}
	}
	return n
}

// Members returns the names of all member accesses in order.
func (t Transformations) Members() []string {
	var names []string
	for _, x := range t {
		if x.Kind == TransMember {
			names = append(names, x.Member)
		}
	}
	return names
}

// Combine appends the part of local that follows lastLink to global.
func Combine(global, local, lastLink Transformations) Transformations {
	r := make(Transformations, 0, len(global)+len(local))
	r = append(r, global...)
	if len(lastLink) < len(local) {
		r = append(r, local[len(lastLink):]...)
	}
	return r
}

// Key returns a string that identifies the kinds and members of t.
func (t Transformations) Key() string {
	var b strings.Builder
	for _, x := range t {
		b.WriteString(x.String())
	}
	return b.String()
}

// Format renders t applied to name, e.g. "(*p).next".
func (t Transformations) Format(name string) string {
	s := name
	for _, x := range t {
		switch x.Kind {
		case TransMember:
			s += "." + x.Member
		case TransDeref:
			s = "(*" + s + ")"
		case TransArray:
			s += "[]"
		case TransAddress:
			s = "(&" + s + ")"
		case TransFuncCall:
			s += "()"
		}
	}
	return s
}
