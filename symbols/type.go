package symbols

import (
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Type is the interface implemented by all types of the symbol table.
//
// Types are owned by the Factory that created them. Two types are
// structurally equal iff Equal reports true; distinct IDs may share one
// canonical Type object after deduplication.
type Type interface {
	// ID is the feed-assigned identifier. IDs <= 0 are reserved for
	// synthetic types.
	ID() int

	// Name is the declared name, or "" for anonymous types.
	Name() string

	// Size in bytes. Zero is legal for incomplete, void and function types.
	Size() uint64

	// Kind is the RealType tag.
	Kind() Kind

	// Hash returns the structural hash and whether it is valid. Hashes of
	// referencing types are valid only once their reference chain is
	// resolved. Callers must not cache the result across calls that may
	// resolve references.
	Hash() (uint64, bool)

	// String prints the type in C syntax.
	String() string

	// base returns the shared type info.
	base() *baseType
}

type baseType struct {
	id   int
	name string
	size uint64
	kind Kind

	srcFile int // compile unit id
	srcLine int

	// lazily computed; only valid hashes are stored
	hash      atomic.Uint64
	hashValid atomic.Bool
}

func (t *baseType) ID() int          { return t.id }
func (t *baseType) Name() string     { return t.name }
func (t *baseType) Size() uint64     { return t.size }
func (t *baseType) Kind() Kind       { return t.kind }
func (t *baseType) base() *baseType  { return t }
func (t *baseType) SrcFile() int     { return t.srcFile }
func (t *baseType) SrcLine() int     { return t.srcLine }
func (t *baseType) HashIsValid() bool { return t.hashValid.Load() }

// cached returns the stored hash or computes it with fn. Only valid results
// are stored.
func (t *baseType) cached(fn func() (uint64, bool)) (uint64, bool) {
	if t.hashValid.Load() {
		return t.hash.Load(), true
	}
	h, ok := fn()
	if ok {
		t.hash.Store(h)
		t.hashValid.Store(true)
	}
	return h, ok
}

// invalidateHash forces the next Hash call to recompute.
func (t *baseType) invalidateHash() {
	t.hashValid.Store(false)
}

// hasher folds type attributes into an xxhash digest.
type hasher struct {
	d   *xxhash.Digest
	buf [8]byte
}

func newHasher(t *baseType) *hasher {
	h := &hasher{d: xxhash.New()}
	h.uint(uint64(t.kind))
	h.uint(t.size)
	// plain integer types are equal regardless of their spelling
	if t.kind&(IntegerTypes&^KindEnum) == 0 {
		h.str(t.name)
	}
	return h
}

func (h *hasher) uint(v uint64) {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	h.d.Write(h.buf[:])
}

func (h *hasher) int(v int64) { h.uint(uint64(v)) }

func (h *hasher) str(s string) {
	h.uint(uint64(len(s)))
	h.d.WriteString(s)
}

func (h *hasher) sum() uint64 { return h.d.Sum64() }

// Equal reports whether a and b are structurally equal: same kind, size and
// name, and equal valid hashes.
func Equal(a, b Type) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a == b {
		return true
	}
	if a.Kind() != b.Kind() || a.Size() != b.Size() || a.Name() != b.Name() {
		return false
	}
	ha, oka := a.Hash()
	hb, okb := b.Hash()
	return oka && okb && ha == hb
}

// NumericType is the type of integers, booleans and floating point numbers.
type NumericType struct {
	baseType
}

func (t *NumericType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) { return newHasher(&t.baseType).sum(), true })
}

func (t *NumericType) String() string {
	if t.name != "" {
		return t.name
	}
	return t.kind.String()
}

// EnumType is the type of enumerations.
type EnumType struct {
	baseType
	Values []EnumValue // declaration order
}

func (t *EnumType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		h.uint(uint64(len(t.Values)))
		for _, v := range t.Values {
			h.str(v.Name)
			h.int(v.Value)
		}
		return h.sum(), true
	})
}

func (t *EnumType) String() string {
	if t.name != "" {
		return "enum " + t.name
	}
	return "enum (anon)"
}

// ValueName returns the name of the first enumerator with value v.
func (t *EnumType) ValueName(v int64) (string, bool) {
	for _, e := range t.Values {
		if e.Value == v {
			return e.Name, true
		}
	}
	return "", false
}

// VoidType is the type of declared void and va_list types.
type VoidType struct {
	baseType
}

func (t *VoidType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) { return newHasher(&t.baseType).sum(), true })
}

func (t *VoidType) String() string {
	if t.name != "" {
		return t.name
	}
	return t.kind.String()
}

// RefBaseType is implemented by types that wrap exactly one other type:
// pointers, arrays, const, volatile, typedefs and function (pointer) types,
// whose referenced type is the return type.
type RefBaseType interface {
	Type
	Referencing

	// SetRefType sets the referenced type and invalidates the hash.
	SetRefType(Type)
}

// refBase is embedded by all RefBaseType implementations.
type refBase struct {
	baseType
	ReferencingType
}

func (t *refBase) SetRefType(r Type) {
	t.setRef(r)
	t.invalidateHash()
}

// refHash folds the referenced type's hash into h. The result is invalid
// while the reference is unresolved.
func (t *refBase) refHash(h *hasher) bool {
	if t.refTypeID == 0 && t.refType == nil {
		h.uint(0)
		return true
	}
	if t.refType == nil {
		return false
	}
	rh, ok := t.refType.Hash()
	if !ok {
		return false
	}
	h.uint(rh)
	return true
}

func (t *refBase) refString() string {
	if t.refType == nil {
		if t.refTypeID == 0 {
			return "void"
		}
		return fmt.Sprintf("<unresolved 0x%x>", t.refTypeID)
	}
	return t.refType.String()
}

// PointerType is the type of pointers.
type PointerType struct {
	refBase

	// MacroExtraOffset is added to every non-null target address. It is
	// non-zero only for the synthetic list types, where it translates the
	// address of an embedded list node into that of the enclosing object.
	MacroExtraOffset int64
}

func (t *PointerType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		h.int(t.MacroExtraOffset)
		ok := t.refHash(h)
		return h.sum(), ok
	})
}

func (t *PointerType) String() string {
	if t.name != "" {
		return t.name
	}
	if ft, ok := t.refType.(*FuncPointerType); ok && ft.kind == KindFunction {
		return ft.signature("(*)")
	}
	s := t.refString()
	if strings.HasSuffix(s, "*") {
		return s + "*"
	}
	return s + " *"
}

// Target returns the address the pointer value v points to, taking
// MacroExtraOffset into account.
func (t *PointerType) Target(v uint64) uint64 {
	if v == 0 {
		return 0
	}
	return uint64(int64(v) + t.MacroExtraOffset)
}

// ArrayType is the type of arrays. Length is -1 for flexible arrays.
type ArrayType struct {
	refBase
	Length int64
}

func (t *ArrayType) Size() uint64 {
	if t.size == 0 && t.Length > 0 && t.refType != nil {
		return uint64(t.Length) * t.refType.Size()
	}
	return t.size
}

func (t *ArrayType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		h.int(t.Length)
		ok := t.refHash(h)
		return h.sum(), ok
	})
}

func (t *ArrayType) String() string {
	if t.Length < 0 {
		return t.refString() + "[]"
	}
	return fmt.Sprintf("%s[%d]", t.refString(), t.Length)
}

// ConstType is a const qualifier.
type ConstType struct {
	refBase
}

func (t *ConstType) Size() uint64 { return lexicalSize(&t.refBase) }

func (t *ConstType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		ok := t.refHash(h)
		return h.sum(), ok
	})
}

func (t *ConstType) String() string { return "const " + t.refString() }

// VolatileType is a volatile qualifier.
type VolatileType struct {
	refBase
}

func (t *VolatileType) Size() uint64 { return lexicalSize(&t.refBase) }

func (t *VolatileType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		ok := t.refHash(h)
		return h.sum(), ok
	})
}

func (t *VolatileType) String() string { return "volatile " + t.refString() }

// TypedefType is a named alias.
type TypedefType struct {
	refBase
}

func (t *TypedefType) Size() uint64 { return lexicalSize(&t.refBase) }

func (t *TypedefType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		ok := t.refHash(h)
		return h.sum(), ok
	})
}

func (t *TypedefType) String() string { return t.name }

func lexicalSize(t *refBase) uint64 {
	if t.size == 0 && t.refType != nil {
		return t.refType.Size()
	}
	return t.size
}

// FuncParam is one parameter of a function type.
type FuncParam struct {
	ReferencingType
	Name string
}

// FuncPointerType is the type of functions (KindFunction) and of
// subroutine types (KindFuncPointer). The referenced type is the return
// type; a zero reference means void.
type FuncPointerType struct {
	refBase
	Params []*FuncParam
}

func (t *FuncPointerType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		ok := t.refHash(h)
		h.uint(uint64(len(t.Params)))
		for _, p := range t.Params {
			if p.refType == nil {
				if p.refTypeID != 0 {
					ok = false
				}
				h.uint(0)
				continue
			}
			ph, pok := p.refType.Hash()
			ok = ok && pok
			h.uint(ph)
		}
		return h.sum(), ok
	})
}

func (t *FuncPointerType) signature(mid string) string {
	params := make([]string, len(t.Params))
	for i, p := range t.Params {
		if p.refType != nil {
			params[i] = p.refType.String()
		} else {
			params[i] = "void"
		}
	}
	return fmt.Sprintf("%s %s(%s)", t.refString(), mid, strings.Join(params, ", "))
}

func (t *FuncPointerType) String() string {
	if t.kind == KindFunction {
		return t.signature(t.name)
	}
	return t.signature("(*)")
}

// AsStructured returns t as a struct or union after resolving lexical
// qualifiers.
func AsStructured(t Type) (*StructuredType, bool) {
	t, _ = DereferencedType(t, ResolveLexical, -1)
	s, ok := t.(*StructuredType)
	return s, ok
}

// DereferencedType follows the references of t while its kind is in
// resolve. Every followed pointer or array consumes one unit of
// maxPtrDeref (-1 is unlimited) and increments depth. Resolution stops at
// unresolved references.
func DereferencedType(t Type, resolve Kind, maxPtrDeref int) (_ Type, depth int) {
	for t != nil && t.Kind()&resolve != 0 {
		rt, ok := t.(RefBaseType)
		if !ok {
			break
		}
		if t.Kind()&(KindPointer|KindArray) != 0 {
			if maxPtrDeref == 0 {
				break
			}
			if rt.RefType() == nil {
				break
			}
			if maxPtrDeref > 0 {
				maxPtrDeref--
			}
			depth++
		} else if rt.RefType() == nil {
			break
		}
		t = rt.RefType()
	}
	return t, depth
}

// IsCharPointer reports whether t is a (const) char pointer, which
// dereferencing does not follow.
func IsCharPointer(t Type) bool {
	t, _ = DereferencedType(t, ResolveLexical, -1)
	p, ok := t.(*PointerType)
	if !ok || p.RefType() == nil {
		return false
	}
	r, _ := DereferencedType(p.RefType(), ResolveLexical, -1)
	return r != nil && r.Kind()&(KindInt8|KindUInt8) != 0
}
