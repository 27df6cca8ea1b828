// Package symbols holds the type model of a kernel image: the canonical
// types and global variables built from a declaration feed, the registry of
// alternative reference types discovered by source analysis, and Instance,
// the typed view of guest memory.
package symbols

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// sanityChecks enables possibly-expensive assertion checks.
const sanityChecks = true

// Reserved ids of the synthetic list types.
const (
	IDListHead  = -1
	IDHListNode = -2
)

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("symbol not found")

// DefaultListHeadAliases maps a list member name to the sibling member
// whose offset its link pointers are relative to.
var DefaultListHeadAliases = map[string]string{"children": "sibling"}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) FactoryOption {
	return func(f *Factory) { f.log = log }
}

// WithListHeadAliases replaces DefaultListHeadAliases.
func WithListHeadAliases(aliases map[string]string) FactoryOption {
	return func(f *Factory) { f.listHeadAliases = aliases }
}

// pendingRef is a reference waiting for its target id to be registered.
type pendingRef struct {
	ref    *ReferencingType
	owner  Type              // ref type owning ref, if any
	member *StructuredMember // member owning ref, if any
	vr     *Variable         // variable owning ref, if any
}

// Factory owns the canonical types and variables of a kernel image.
//
// Symbols are added by a single goroutine; once loading and source
// analysis are done the Factory is read-only and safe for concurrent use.
type Factory struct {
	specs           vmem.MemSpecs
	log             logr.Logger
	listHeadAliases map[string]string

	types       []Type // canonical, in registration order
	typesByID   map[int]Type
	typesByName map[string][]Type
	typesByHash map[uint64][]Type
	unhashed    map[Type]struct{} // canonical types whose hash is still invalid
	equivalent  map[Type][]int    // canonical type -> all ids mapped to it
	usedBy      map[Type][]RefBaseType
	voidPtrs    []RefBaseType // pointers and arrays of void
	numerics    map[Kind]Type

	vars       VarSet
	varsByID   map[int]*Variable
	varsByName map[string][]*Variable
	units      map[int]*CompileUnit

	pending      map[int][]pendingRef
	pendingCount int

	altMu sync.Mutex // serializes TypeAlternateUsage

	listHead  *StructuredType // canonical generic list_head
	hlistNode *StructuredType // canonical generic hlist_node

	stats Stats
}

// Stats counts what the factory did.
type Stats struct {
	Types          int // canonical types
	TypeIDs        int // ids registered, including collapsed duplicates
	Vars           int
	CompileUnits   int
	Collapsed      int // declarations merged into an existing type
	Relocated      int // types moved to a hash bucket after late resolution
	ListHeads      int // canonical list_head types synthesized
	HListNodes     int // canonical hlist_node types synthesized
	ListMembers    int // members rewritten to a synthetic list type
	TypesChanged   int // alternative types registered
	AmbiguousTypes int // references with more than one alternative
}

// NewFactory returns an empty factory for a guest with the given specs.
func NewFactory(specs vmem.MemSpecs, opts ...FactoryOption) *Factory {
	f := &Factory{
		specs:           specs,
		log:             logr.Discard(),
		listHeadAliases: DefaultListHeadAliases,
		typesByID:       make(map[int]Type),
		typesByName:     make(map[string][]Type),
		typesByHash:     make(map[uint64][]Type),
		unhashed:        make(map[Type]struct{}),
		equivalent:      make(map[Type][]int),
		usedBy:          make(map[Type][]RefBaseType),
		numerics:        make(map[Kind]Type),
		varsByID:        make(map[int]*Variable),
		varsByName:      make(map[string][]*Variable),
		units:           make(map[int]*CompileUnit),
		pending:         make(map[int][]pendingRef),
	}
	for _, fn := range opts {
		fn(f)
	}
	return f
}

// Specs returns the memory specifications the factory was created with.
func (f *Factory) Specs() *vmem.MemSpecs { return &f.specs }

// Stats returns the current counters.
func (f *Factory) Stats() Stats {
	s := f.stats
	s.Types = len(f.types)
	s.TypeIDs = len(f.typesByID)
	s.Vars = len(f.varsByID)
	s.CompileUnits = len(f.units)
	return s
}

// AddSymbols adds all records in order and stops at the first error.
func (f *Factory) AddSymbols(infos []TypeInfo) error {
	for i := range infos {
		if err := f.AddSymbol(infos[i]); err != nil {
			return err
		}
	}
	return nil
}

// AddSymbol validates a declaration record and registers it. Invalid
// records are rejected with a *DeclarationError before anything is
// changed.
func (f *Factory) AddSymbol(info TypeInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	switch info.Kind {
	case DeclCompileUnit:
		f.units[info.ID] = &CompileUnit{ID: info.ID, Name: info.Name, Dir: info.SrcDir}
		return nil
	case DeclVariable:
		return f.addVariable(&info)
	case DeclMember:
		return &DeclarationError{Field: "kind", Reason: "members must be declared inside a struct or union", Info: info}
	}
	return f.addType(&info)
}

func (f *Factory) addVariable(info *TypeInfo) error {
	if old, ok := f.varsByID[info.ID]; ok {
		if old.name == info.Name && old.addr == *info.Location && old.origRefTypeID == info.RefTypeID {
			return nil
		}
		return &DeclarationError{Field: "id", Reason: fmt.Sprintf("conflicts with variable %s", old), Info: *info}
	}
	v := &Variable{
		id:       info.ID,
		name:     info.Name,
		addr:     *info.Location,
		external: info.External,
		srcFile:  info.SrcFile,
		srcLine:  info.SrcLine,
	}
	v.setRefID(info.RefTypeID)
	f.resolveVariable(v)
	f.varsByID[v.id] = v
	f.varsByName[v.name] = append(f.varsByName[v.name], v)
	if err := f.vars.insert(v); err != nil {
		f.log.V(1).Info("variable overlaps another one", "error", err.Error())
	}
	return nil
}

// newType builds the type for a validated record. Members and parameters
// are created but not resolved.
func (f *Factory) newType(info *TypeInfo) Type {
	b := baseType{id: info.ID, name: info.Name, size: info.ByteSize, srcFile: info.SrcFile, srcLine: info.SrcLine}
	rb := func(kind Kind) refBase {
		b.kind = kind
		r := refBase{baseType: b}
		r.setRefID(info.RefTypeID)
		return r
	}
	switch info.Kind {
	case DeclBase:
		b.kind, _ = numericKind(info.Encoding, info.ByteSize)
		return &NumericType{baseType: b}
	case DeclEnum:
		b.kind = KindEnum
		if b.size == 0 {
			b.size = 4
		}
		return &EnumType{baseType: b, Values: append([]EnumValue(nil), info.EnumValues...)}
	case DeclVoid:
		b.kind = KindVoid
		if info.Name == "__builtin_va_list" || info.Name == "va_list" {
			b.kind = KindVaList
		}
		return &VoidType{baseType: b}
	case DeclPointer:
		if b.size == 0 {
			b.size = uint64(f.specs.PointerSize())
		}
		return &PointerType{refBase: rb(KindPointer)}
	case DeclArray:
		length := int64(-1)
		if info.UpperBound != nil {
			length = *info.UpperBound + 1
		}
		return &ArrayType{refBase: rb(KindArray), Length: length}
	case DeclConst:
		return &ConstType{refBase: rb(KindConst)}
	case DeclVolatile:
		return &VolatileType{refBase: rb(KindVolatile)}
	case DeclTypedef:
		return &TypedefType{refBase: rb(KindTypedef)}
	case DeclSubroutine, DeclFunction:
		kind := KindFuncPointer
		if info.Kind == DeclFunction {
			kind = KindFunction
		}
		t := &FuncPointerType{refBase: rb(kind)}
		for _, p := range info.Params {
			fp := &FuncParam{Name: p.Name}
			fp.setRefID(p.RefTypeID)
			t.Params = append(t.Params, fp)
		}
		return t
	case DeclStruct, DeclUnion:
		b.kind = KindStruct
		if info.Kind == DeclUnion {
			b.kind = KindUnion
		}
		t := &StructuredType{baseType: b}
		for _, mi := range info.Members {
			m := &StructuredMember{Name: mi.Name, BitSize: mi.BitSize, BitOffset: mi.BitOffset, Parent: t, srcLine: mi.SrcLine}
			if mi.Location != nil {
				m.Offset = *mi.Location
			}
			m.setRefID(mi.RefTypeID)
			t.Members = append(t.Members, m)
		}
		return t
	}
	panic(fmt.Sprintf("newType: unexpected declaration kind %s", info.Kind))
}

// sameShape reports whether a record describes the type already registered
// under its id.
func sameShape(t Type, info *TypeInfo) bool {
	if t.Name() != info.Name {
		return false
	}
	switch info.Kind {
	case DeclStruct:
		return t.Kind() == KindStruct
	case DeclUnion:
		return t.Kind() == KindUnion
	case DeclPointer:
		return t.Kind() == KindPointer
	case DeclArray:
		return t.Kind() == KindArray
	case DeclConst:
		return t.Kind() == KindConst
	case DeclVolatile:
		return t.Kind() == KindVolatile
	case DeclTypedef:
		return t.Kind() == KindTypedef
	case DeclEnum:
		return t.Kind() == KindEnum
	case DeclSubroutine, DeclFunction:
		return t.Kind()&FunctionTypes != 0
	case DeclVoid:
		return t.Kind()&(KindVoid|KindVaList) != 0
	case DeclBase:
		k, _ := numericKind(info.Encoding, info.ByteSize)
		return t.Kind() == k
	}
	return false
}

func (f *Factory) addType(info *TypeInfo) error {
	if old, ok := f.typesByID[info.ID]; ok {
		// identical redeclaration, or an id collapsed into an equal type
		if sameShape(old, info) {
			return nil
		}
		return &DeclarationError{Field: "id", Reason: fmt.Sprintf("conflicts with registered type %s", old), Info: *info}
	}

	t := f.newType(info)
	if rt, ok := t.(RefBaseType); ok {
		f.resolveRef(pendingRef{ref: rt.referencing(), owner: t})
	}
	if ft, ok := t.(*FuncPointerType); ok {
		for _, p := range ft.Params {
			f.resolveRef(pendingRef{ref: &p.ReferencingType, owner: t})
		}
	}

	// Reuse an equal type if there is one.
	if h, ok := t.Hash(); ok {
		for _, c := range f.typesByHash[h] {
			if Equal(c, t) {
				f.collapse(info.ID, c, t)
				return nil
			}
		}
	}

	if s, ok := t.(*StructuredType); ok {
		for _, m := range s.Members {
			f.resolveMember(m)
		}
	}
	f.insertType(t)
	f.resolvePending(info.ID, t)
	return nil
}

// collapse maps id to the canonical type c. dup is the discarded
// duplicate; its references are dropped.
func (f *Factory) collapse(id int, c, dup Type) {
	f.typesByID[id] = c
	f.equivalent[c] = append(f.equivalent[c], id)
	f.stats.Collapsed++
	if rt, ok := dup.(RefBaseType); ok {
		f.dropPending(rt.referencing())
		if target := rt.RefType(); target != nil {
			users := f.usedBy[target]
			for i, u := range users {
				if u == rt {
					f.usedBy[target] = append(users[:i:i], users[i+1:]...)
					break
				}
			}
		}
	}
	f.resolvePending(id, c)
}

func (f *Factory) insertType(t Type) {
	f.types = append(f.types, t)
	f.typesByID[t.ID()] = t
	f.equivalent[t] = append(f.equivalent[t], t.ID())
	if t.Name() != "" {
		f.typesByName[t.Name()] = append(f.typesByName[t.Name()], t)
	}
	if t.Kind()&NumericTypes&^KindEnum != 0 {
		if _, ok := f.numerics[t.Kind()]; !ok {
			f.numerics[t.Kind()] = t
		}
	}
	if h, ok := t.Hash(); ok {
		f.typesByHash[h] = append(f.typesByHash[h], t)
	} else {
		f.unhashed[t] = struct{}{}
	}
	if rt, ok := t.(RefBaseType); ok && t.Kind()&(KindPointer|KindArray) != 0 && rt.RefTypeID() == 0 {
		f.voidPtrs = append(f.voidPtrs, rt)
	}
}

// resolveRef resolves a reference of a ref type or function parameter, or
// parks it until its target id is registered.
func (f *Factory) resolveRef(p pendingRef) {
	r := p.ref
	if r.refTypeID == 0 {
		return
	}
	target, ok := f.typesByID[r.refTypeID]
	if !ok {
		f.park(p)
		return
	}
	r.setRef(target)
	if rt, ok := p.owner.(RefBaseType); ok && rt.referencing() == r {
		rt.SetRefType(target)
		f.usedBy[target] = append(f.usedBy[target], rt)
	} else if p.owner != nil {
		p.owner.base().invalidateHash()
	}
}

func (f *Factory) park(p pendingRef) {
	id := p.ref.refTypeID
	f.pending[id] = append(f.pending[id], p)
	f.pendingCount++
}

func (f *Factory) dropPending(r *ReferencingType) {
	id := r.refTypeID
	list := f.pending[id]
	for i := 0; i < len(list); i++ {
		if list[i].ref == r {
			list = append(list[:i], list[i+1:]...)
			f.pendingCount--
			i--
		}
	}
	if len(list) == 0 {
		delete(f.pending, id)
	} else {
		f.pending[id] = list
	}
}

// resolvePending resolves every reference parked on id and moves types
// whose hash became valid into their hash bucket.
func (f *Factory) resolvePending(id int, t Type) {
	list, ok := f.pending[id]
	if !ok {
		return
	}
	delete(f.pending, id)
	f.pendingCount -= len(list)
	for _, p := range list {
		switch {
		case p.member != nil:
			f.resolveMember(p.member)
		case p.vr != nil:
			f.resolveVariable(p.vr)
		default:
			f.resolveRef(p)
			if p.owner != nil {
				f.rehash(p.owner)
			}
		}
	}
}

// rehash inserts t into its hash bucket if its hash became valid, and
// continues with the types referencing t.
func (f *Factory) rehash(t Type) {
	if _, ok := f.unhashed[t]; !ok {
		return
	}
	h, ok := t.Hash()
	if !ok {
		return
	}
	delete(f.unhashed, t)
	f.typesByHash[h] = append(f.typesByHash[h], t)
	f.stats.Relocated++
	for _, u := range f.usedBy[t] {
		f.rehash(u)
	}
}

// resolveMember resolves a member's reference, rewriting list heads and
// hash list nodes to their synthetic types.
func (f *Factory) resolveMember(m *StructuredMember) {
	if m.refTypeID == 0 || m.refType != nil {
		return
	}
	target, ok := f.typesByID[m.refTypeID]
	if !ok {
		f.park(pendingRef{ref: &m.ReferencingType, member: m})
		return
	}
	switch {
	case f.isListHead(target):
		m.setRef(f.makeListHead(m))
		f.stats.ListMembers++
	case f.isHListNode(target):
		m.setRef(f.makeHListNode(m))
		f.stats.ListMembers++
	default:
		m.setRef(target)
	}
}

func (f *Factory) resolveVariable(v *Variable) {
	if v.refTypeID == 0 || v.refType != nil {
		return
	}
	target, ok := f.typesByID[v.refTypeID]
	if !ok {
		f.park(pendingRef{ref: &v.ReferencingType, vr: v})
		return
	}
	switch {
	case f.isListHead(target):
		v.setRef(f.canonicalListHead())
	case f.isHListNode(target):
		v.setRef(f.canonicalHListNode())
	default:
		v.setRef(target)
	}
}

// isLinkShape reports whether t is a struct named name with exactly the
// two pointer members first and second.
func (f *Factory) isLinkShape(t Type, id int, name, first, second string) bool {
	s, ok := t.(*StructuredType)
	if !ok || s.kind != KindStruct || s.name != name || len(s.Members) != 2 {
		return false
	}
	if s.id == id {
		return true
	}
	if s.size != 2*uint64(f.specs.LongSize()) || s.Members[0].Name != first || s.Members[1].Name != second {
		return false
	}
	for _, m := range s.Members {
		if m.refType != nil && m.refType.Kind() != KindPointer {
			return false
		}
	}
	return true
}

func (f *Factory) isListHead(t Type) bool {
	return f.isLinkShape(t, IDListHead, "list_head", "next", "prev")
}

func (f *Factory) isHListNode(t Type) bool {
	return f.isLinkShape(t, IDHListNode, "hlist_node", "next", "pprev")
}

// linkOffset is the MacroExtraOffset for a list member of its parent.
func (f *Factory) linkOffset(m *StructuredMember) int64 {
	off := m.Offset
	if alias, ok := f.listHeadAliases[m.Name]; ok && m.Parent != nil {
		if sib, ok := m.Parent.Member(alias); ok {
			off = sib.Offset
		}
	}
	return -int64(off)
}

func (f *Factory) newLinkStruct(id int, name, first, second string, firstRef, secondRef Type) *StructuredType {
	long := uint64(f.specs.LongSize())
	s := &StructuredType{baseType: baseType{id: id, name: name, size: 2 * long, kind: KindStruct}}
	m0 := &StructuredMember{Name: first, Offset: 0, Parent: s}
	m0.setRefID(id)
	m0.setRef(firstRef)
	m1 := &StructuredMember{Name: second, Offset: long, Parent: s}
	m1.setRefID(id)
	m1.setRef(secondRef)
	s.Members = []*StructuredMember{m0, m1}
	return s
}

func (f *Factory) newLinkPointer(id int, target Type, extra int64) *PointerType {
	p := &PointerType{MacroExtraOffset: extra}
	p.id, p.kind, p.size = id, KindPointer, uint64(f.specs.PointerSize())
	p.setRefID(target.ID())
	p.setRef(target)
	return p
}

// makeListHead synthesizes the list_head view for member m: both links
// point to m's parent, displaced by the member offset.
func (f *Factory) makeListHead(m *StructuredMember) Type {
	if m.Parent == nil {
		return f.canonicalListHead()
	}
	ptr := f.newLinkPointer(IDListHead, m.Parent, f.linkOffset(m))
	return f.newLinkStruct(IDListHead, "list_head", "next", "prev", ptr, ptr)
}

// makeHListNode synthesizes the hlist_node view for member m. pprev points
// to the next pointer of the previous node.
func (f *Factory) makeHListNode(m *StructuredMember) Type {
	if m.Parent == nil {
		return f.canonicalHListNode()
	}
	next := f.newLinkPointer(IDHListNode, m.Parent, f.linkOffset(m))
	pprev := f.newLinkPointer(IDHListNode, next, 0)
	return f.newLinkStruct(IDHListNode, "hlist_node", "next", "pprev", next, pprev)
}

// canonicalListHead returns the generic list_head whose links point to
// list heads. It is created once.
func (f *Factory) canonicalListHead() *StructuredType {
	if f.listHead == nil {
		s := f.newLinkStruct(IDListHead, "list_head", "next", "prev", nil, nil)
		ptr := f.newLinkPointer(IDListHead, s, 0)
		s.Members[0].setRef(ptr)
		s.Members[1].setRef(ptr)
		f.listHead = s
		f.typesByID[IDListHead] = s
		f.stats.ListHeads++
	}
	return f.listHead
}

// canonicalHListNode returns the generic hlist_node. It is created once.
func (f *Factory) canonicalHListNode() *StructuredType {
	if f.hlistNode == nil {
		s := f.newLinkStruct(IDHListNode, "hlist_node", "next", "pprev", nil, nil)
		next := f.newLinkPointer(IDHListNode, s, 0)
		s.Members[0].setRef(next)
		s.Members[1].setRef(f.newLinkPointer(IDHListNode, next, 0))
		f.hlistNode = s
		f.typesByID[IDHListNode] = s
		f.stats.HListNodes++
	}
	return f.hlistNode
}

// PendingCount returns the number of references still waiting for their
// target. A non-zero count is normal for a kernel with unloaded modules.
func (f *Factory) PendingCount() int { return f.pendingCount }

// FindTypeByID returns the canonical type registered under id.
func (f *Factory) FindTypeByID(id int) (Type, bool) {
	t, ok := f.typesByID[id]
	return t, ok
}

// FindTypesByName returns all canonical types with the given name.
func (f *Factory) FindTypesByName(name string) []Type { return f.typesByName[name] }

// FindTypeByName returns the first type with the given name, preferring
// structs and unions with members over declarations.
func (f *Factory) FindTypeByName(name string) (Type, bool) {
	list := f.typesByName[name]
	for _, t := range list {
		if s, ok := t.(*StructuredType); ok && len(s.Members) > 0 {
			return t, true
		}
	}
	if len(list) > 0 {
		return list[0], true
	}
	return nil, false
}

// FindTypesByHash returns the canonical types with a valid hash h.
func (f *Factory) FindTypesByHash(h uint64) []Type { return f.typesByHash[h] }

// EquivalentTypes returns all ids that map to the same canonical type as
// id, in registration order.
func (f *Factory) EquivalentTypes(id int) []int {
	t, ok := f.typesByID[id]
	if !ok {
		return nil
	}
	return f.equivalent[t]
}

// TypesUsing returns the pointers, arrays and other ref types that
// reference t.
func (f *Factory) TypesUsing(t Type) []RefBaseType { return f.usedBy[t] }

// Types returns the canonical types in registration order.
func (f *Factory) Types() []Type { return f.types }

// FindVarByID returns the variable with the given id.
func (f *Factory) FindVarByID(id int) (*Variable, bool) {
	v, ok := f.varsByID[id]
	return v, ok
}

// FindVarByName returns the first variable with the given name.
func (f *Factory) FindVarByName(name string) (*Variable, bool) {
	if list := f.varsByName[name]; len(list) > 0 {
		return list[0], true
	}
	return nil, false
}

// FindVarsByName returns all variables with the given name.
func (f *Factory) FindVarsByName(name string) []*Variable { return f.varsByName[name] }

// Vars returns the variables indexed by address.
func (f *Factory) Vars() *VarSet { return &f.vars }

// VarsByID returns all variables ordered by id.
func (f *Factory) VarsByID() []*Variable {
	list := make([]*Variable, 0, len(f.varsByID))
	for _, v := range f.varsByID {
		list = append(list, v)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].id < list[k].id })
	return list
}

// CompileUnit returns the compile unit with the given id.
func (f *Factory) CompileUnit(id int) (*CompileUnit, bool) {
	u, ok := f.units[id]
	return u, ok
}

// SymbolsFinished logs the loading statistics.
func (f *Factory) SymbolsFinished() {
	s := f.Stats()
	f.log.Info("symbols loaded",
		"types", humanize.Comma(int64(s.Types)),
		"typeIDs", humanize.Comma(int64(s.TypeIDs)),
		"collapsed", humanize.Comma(int64(s.Collapsed)),
		"variables", humanize.Comma(int64(s.Vars)),
		"compileUnits", humanize.Comma(int64(s.CompileUnits)),
		"listMembers", humanize.Comma(int64(s.ListMembers)),
		"pendingRefs", humanize.Comma(int64(f.pendingCount)))
	if sanityChecks {
		for t := range f.unhashed {
			if _, ok := t.Hash(); ok {
				panic(fmt.Sprintf("type %s has a valid hash but is not in a hash bucket", t))
			}
		}
	}
}
