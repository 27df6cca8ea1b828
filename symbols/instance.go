package symbols

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// Instance is a typed value located in guest memory. Instances are cheap
// values; every navigation computes a new one.
type Instance struct {
	Addr    uint64
	Type    Type
	Mem     vmem.Memory
	Name    string
	Parents []string // names of the enclosing instances, outermost first
	ID      int      // id of the variable this instance is part of, or 0

	// non-zero for bit-field members
	BitSize   int
	BitOffset int
}

// NewInstance returns an instance of t at addr.
func NewInstance(addr uint64, t Type, mem vmem.Memory, name string, parents []string) Instance {
	return Instance{Addr: addr, Type: t, Mem: mem, Name: name, Parents: parents}
}

// ToInstance returns an instance of t at addr, resolved through resolve
// with at most maxPtrDeref pointer steps.
func ToInstance(t Type, addr uint64, mem vmem.Memory, name string, parents []string, resolve Kind, maxPtrDeref int) Instance {
	inst := NewInstance(addr, t, mem, name, parents)
	if resolve != ResolveNone {
		inst, _ = inst.Dereference(resolve, maxPtrDeref)
	}
	return inst
}

// IsNull reports whether the address is zero.
func (i Instance) IsNull() bool { return i.Addr == 0 }

// IsValid reports whether the instance has a type.
func (i Instance) IsValid() bool { return i.Type != nil }

// IsAccessible reports whether the memory at the instance's address can be
// read.
func (i Instance) IsAccessible() bool { return i.Mem != nil && i.Mem.SafeSeek(i.Addr) }

// Size returns the size of the instance's type.
func (i Instance) Size() uint64 {
	if i.Type == nil {
		return 0
	}
	return i.Type.Size()
}

// EndAddr returns the last address covered by the instance.
func (i Instance) EndAddr() uint64 {
	if s := i.Size(); s > 0 {
		return i.Addr + s - 1
	}
	return i.Addr
}

// IsBitField reports whether the instance is a bit-field view.
func (i Instance) IsBitField() bool { return i.BitSize > 0 }

// FullName returns the dotted path of the instance.
func (i Instance) FullName() string {
	var parts []string
	for _, p := range i.Parents {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if i.Name != "" {
		parts = append(parts, i.Name)
	}
	return strings.ReplaceAll(strings.Join(parts, "."), ".[", "[")
}

func (i Instance) String() string {
	if i.Type == nil {
		return fmt.Sprintf("%s (invalid) @ 0x%x", i.FullName(), i.Addr)
	}
	return fmt.Sprintf("%s (%s) @ 0x%x", i.FullName(), i.Type, i.Addr)
}

func (i Instance) childParents() []string {
	parents := make([]string, 0, len(i.Parents)+1)
	parents = append(parents, i.Parents...)
	if i.Name != "" {
		parents = append(parents, i.Name)
	}
	return parents
}

// Dereference follows the instance's type while its kind is in resolve.
// Pointers are read from memory; a pointer that cannot be read yields a
// null instance of the referenced type. char pointers, void pointers and
// unresolved references are not followed. The second result is the number
// of pointers and arrays followed.
func (i Instance) Dereference(resolve Kind, maxPtrDeref int) (Instance, int) {
	inst := i
	depth := 0
	for inst.Type != nil && inst.Type.Kind()&resolve != 0 {
		rt, ok := inst.Type.(RefBaseType)
		if !ok || rt.RefType() == nil {
			break
		}
		switch inst.Type.Kind() {
		case KindPointer:
			if maxPtrDeref == 0 || IsCharPointer(inst.Type) {
				return inst, depth
			}
			p := inst.Type.(*PointerType)
			var target uint64
			if inst.Addr != 0 && inst.IsAccessible() {
				if v, err := vmem.ReadPointer(inst.Mem, inst.Addr); err == nil {
					target = p.Target(v)
				}
			}
			inst.Addr = target
			inst.BitSize, inst.BitOffset = 0, 0
			if maxPtrDeref > 0 {
				maxPtrDeref--
			}
			depth++
		case KindArray:
			if maxPtrDeref == 0 {
				return inst, depth
			}
			if maxPtrDeref > 0 {
				maxPtrDeref--
			}
			depth++
		}
		inst.Type = rt.RefType()
	}
	return inst, depth
}

// Member returns the member at index of a struct or union instance,
// resolved through resolve. Unless declaredOnly is set, a member with
// exactly one candidate type that is compatible with i is viewed with the
// candidate type instead of the declared one.
func (i Instance) Member(index int, resolve Kind, declaredOnly bool) Instance {
	s, ok := AsStructured(i.Type)
	if !ok || index < 0 || index >= len(s.Members) {
		return Instance{}
	}
	return i.member(s.Members[index], resolve, declaredOnly)
}

func (i Instance) member(m *StructuredMember, resolve Kind, declaredOnly bool) Instance {
	t := m.RefType()
	if !declaredOnly && m.AltRefTypeCount() == 1 {
		if alt, _ := m.AltRefType(0); alt.Type != nil && alt.Compatible(&i) {
			t = alt.Type
		}
	}
	mi := Instance{
		Addr:      i.Addr + m.Offset,
		Type:      t,
		Mem:       i.Mem,
		Name:      m.Name,
		Parents:   i.childParents(),
		ID:        i.ID,
		BitSize:   m.BitSize,
		BitOffset: m.BitOffset,
	}
	if resolve != ResolveNone {
		mi, _ = mi.Dereference(resolve, -1)
	}
	return mi
}

// FindMember returns the member with the given name, looking into
// anonymous nested structs and unions.
func (i Instance) FindMember(name string, resolve Kind, declaredOnly bool) (Instance, bool) {
	s, ok := AsStructured(i.Type)
	if !ok {
		return Instance{}, false
	}
	path := s.MemberPath(name)
	if len(path) == 0 {
		return Instance{}, false
	}
	cur := i
	for k, m := range path {
		r := ResolveLexical
		if k == len(path)-1 {
			r = resolve
		}
		cur = cur.member(m, r, declaredOnly)
	}
	return cur, cur.IsValid()
}

// MemberByOffset returns the member at offset; see
// StructuredType.MemberAtOffset.
func (i Instance) MemberByOffset(offset uint64, exactMatch bool) (Instance, bool) {
	s, ok := AsStructured(i.Type)
	if !ok {
		return Instance{}, false
	}
	m, ok := s.MemberAtOffset(offset, exactMatch)
	if !ok {
		return Instance{}, false
	}
	return i.member(m, ResolveNone, true), true
}

// MemberAddress returns the address of the member at index.
func (i Instance) MemberAddress(index int) uint64 {
	s, ok := AsStructured(i.Type)
	if !ok || index < 0 || index >= len(s.Members) {
		return 0
	}
	return i.Addr + s.Members[index].Offset
}

// ArrayElem returns element n of an array or of the memory a pointer points
// to.
func (i Instance) ArrayElem(n int) Instance {
	t, _ := DereferencedType(i.Type, ResolveLexical, -1)
	var base uint64
	var elem Type
	switch t := t.(type) {
	case *ArrayType:
		base, elem = i.Addr, t.RefType()
	case *PointerType:
		if !i.IsAccessible() {
			return Instance{}
		}
		v, err := vmem.ReadPointer(i.Mem, i.Addr)
		if err != nil {
			return Instance{}
		}
		base, elem = t.Target(v), t.RefType()
	default:
		return Instance{}
	}
	if elem == nil {
		return Instance{}
	}
	return Instance{
		Addr:    base + uint64(n)*elem.Size(),
		Type:    elem,
		Mem:     i.Mem,
		Name:    i.Name + "[" + strconv.Itoa(n) + "]",
		Parents: i.Parents,
		ID:      i.ID,
	}
}

// Length returns the number of elements of an array instance, or -1.
func (i Instance) Length() int64 {
	t, _ := DereferencedType(i.Type, ResolveLexical, -1)
	if a, ok := t.(*ArrayType); ok {
		return a.Length
	}
	return -1
}

func (i Instance) structMember(index int) (*StructuredMember, bool) {
	s, ok := AsStructured(i.Type)
	if !ok || index < 0 || index >= len(s.Members) {
		return nil, false
	}
	return s.Members[index], true
}

// MemberCandidatesCount returns the number of candidate types of the member
// at index, or -1 if there is no such member.
func (i Instance) MemberCandidatesCount(index int) int {
	m, ok := i.structMember(index)
	if !ok {
		return -1
	}
	return m.AltRefTypeCount()
}

// MemberCandidateCompatible reports whether candidate cand of the member
// at index applies to i.
func (i Instance) MemberCandidateCompatible(index, cand int) bool {
	m, ok := i.structMember(index)
	if !ok {
		return false
	}
	alt, ok := m.AltRefType(cand)
	return ok && alt.Compatible(&i)
}

// MemberCandidateType returns the type of candidate cand of the member at
// index.
func (i Instance) MemberCandidateType(index, cand int) Type {
	m, ok := i.structMember(index)
	if !ok {
		return nil
	}
	alt, _ := m.AltRefType(cand)
	return alt.Type
}

// MemberCandidate returns the object that candidate cand of the member at
// index designates. The candidate's expression is evaluated against i; its
// value is the address of the object. For pointer candidates the value is
// the pointer itself, so the result has the pointer's referenced type.
func (i Instance) MemberCandidate(index, cand int) Instance {
	m, ok := i.structMember(index)
	if !ok {
		return Instance{}
	}
	alt, ok := m.AltRefType(cand)
	if !ok || alt.Type == nil {
		return Instance{}
	}
	var addr uint64
	if alt.Expr != nil {
		r := alt.Expr.Result(&i)
		if !r.IsValid() {
			return Instance{}
		}
		addr = r.Uint64()
	} else {
		if i.Mem == nil {
			return Instance{}
		}
		// unconditional candidates reinterpret the member's storage
		mi := i.member(m, ResolveNone, true)
		v, err := mi.rawUint(i.Mem.Specs().PointerSize())
		if err != nil {
			return Instance{}
		}
		addr = v
	}
	t, _ := DereferencedType(alt.Type, ResolveLexical, -1)
	if p, ok := t.(*PointerType); ok && p.RefType() != nil {
		return Instance{Addr: p.Target(addr), Type: p.RefType(), Mem: i.Mem, Name: m.Name, Parents: i.childParents()}
	}
	return Instance{Addr: addr, Type: alt.Type, Mem: i.Mem, Name: m.Name, Parents: i.childParents()}
}

// rawUint reads size bytes at the instance's address.
func (i Instance) rawUint(size int) (uint64, error) {
	if i.Mem == nil {
		return 0, errors.Errorf("instance %s has no memory", i.FullName())
	}
	return vmem.ReadUint(i.Mem, i.Addr, size)
}

func (i Instance) decodeType() (Type, error) {
	if i.Type == nil {
		return nil, errors.Errorf("instance %s has no type", i.FullName())
	}
	t, _ := DereferencedType(i.Type, ResolveLexical, -1)
	return t, nil
}

// ToUint64 decodes an integer, enum, bool, pointer or bit-field instance.
func (i Instance) ToUint64() (uint64, error) {
	t, err := i.decodeType()
	if err != nil {
		return 0, err
	}
	size := t.Size()
	switch {
	case t.Kind()&IntegerTypes != 0:
	case t.Kind()&(KindPointer|FunctionTypes) != 0:
		size = uint64(i.Mem.Specs().PointerSize())
	default:
		return 0, errors.Errorf("cannot decode %s as integer", t)
	}
	v, err := i.rawUint(int(size))
	if err != nil {
		return 0, err
	}
	if i.IsBitField() {
		v = ExtractBitField(v, int(size), i.BitSize, i.BitOffset)
	}
	return v, nil
}

// ToInt64 decodes a signed value; unsigned kinds are zero-extended.
func (i Instance) ToInt64() (int64, error) {
	v, err := i.ToUint64()
	if err != nil {
		return 0, err
	}
	t, _ := i.decodeType()
	if t.Kind().IsSigned() || t.Kind() == KindEnum {
		if i.IsBitField() {
			shift := uint(64 - i.BitSize)
			return int64(v<<shift) >> shift, nil
		}
		return vmem.SignExtend(v, int(t.Size())), nil
	}
	return int64(v), nil
}

// ToFloat64 decodes a float or double; integers are converted.
func (i Instance) ToFloat64() (float64, error) {
	t, err := i.decodeType()
	if err != nil {
		return 0, err
	}
	switch t.Kind() {
	case KindFloat:
		f, err := vmem.ReadFloat32(i.Mem, i.Addr)
		return float64(f), err
	case KindDouble:
		return vmem.ReadFloat64(i.Mem, i.Addr)
	}
	if t.Kind().IsSigned() {
		v, err := i.ToInt64()
		return float64(v), err
	}
	v, err := i.ToUint64()
	return float64(v), err
}

// ToPointer decodes a pointer value, without MacroExtraOffset.
func (i Instance) ToPointer() (uint64, error) {
	t, err := i.decodeType()
	if err != nil {
		return 0, err
	}
	if t.Kind()&(KindPointer|FunctionTypes) == 0 {
		return 0, errors.Errorf("%s is not a pointer", t)
	}
	return vmem.ReadPointer(i.Mem, i.Addr)
}

// ToBitField decodes a bit-field member.
func (i Instance) ToBitField() (uint64, error) {
	if !i.IsBitField() {
		return 0, errors.Errorf("%s is not a bit-field", i.FullName())
	}
	return i.ToUint64()
}

// ToString renders the instance's value.
func (i Instance) ToString() string {
	t, err := i.decodeType()
	if err != nil {
		return "(invalid)"
	}
	if i.IsNull() && t.Kind()&(NumericTypes|KindPointer) == 0 {
		return "NULL"
	}
	if !i.IsAccessible() {
		return fmt.Sprintf("(not accessible @ 0x%x)", i.Addr)
	}
	switch {
	case t.Kind() == KindEnum:
		v, err := i.ToInt64()
		if err != nil {
			return err.Error()
		}
		if name, ok := t.(*EnumType).ValueName(v); ok {
			return name
		}
		return strconv.FormatInt(v, 10)
	case t.Kind()&BoolTypes != 0:
		v, err := i.ToUint64()
		if err != nil {
			return err.Error()
		}
		return strconv.FormatBool(v != 0)
	case t.Kind()&SignedIntegers != 0:
		v, err := i.ToInt64()
		if err != nil {
			return err.Error()
		}
		return strconv.FormatInt(v, 10)
	case t.Kind()&UnsignedIntegers != 0:
		v, err := i.ToUint64()
		if err != nil {
			return err.Error()
		}
		return strconv.FormatUint(v, 10)
	case t.Kind()&FloatingTypes != 0:
		v, err := i.ToFloat64()
		if err != nil {
			return err.Error()
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	case t.Kind()&(KindPointer|FunctionTypes) != 0:
		v, err := i.ToPointer()
		if err != nil {
			return err.Error()
		}
		if IsCharPointer(t) && v != 0 {
			if s, err := readCString(i.Mem, v, 256); err == nil {
				return fmt.Sprintf("0x%x %q", v, s)
			}
		}
		return fmt.Sprintf("0x%x", v)
	case t.Kind() == KindArray:
		a := t.(*ArrayType)
		if r, _ := DereferencedType(a.RefType(), ResolveLexical, -1); r != nil && r.Kind()&(KindInt8|KindUInt8) != 0 && a.Length > 0 {
			if s, err := readCString(i.Mem, i.Addr, int(a.Length)); err == nil {
				return strconv.Quote(s)
			}
		}
		return fmt.Sprintf("%s[%d] @ 0x%x", a.refString(), a.Length, i.Addr)
	case t.Kind()&StructOrUnion != 0:
		return fmt.Sprintf("%s @ 0x%x", t, i.Addr)
	}
	return fmt.Sprintf("(%s)", t)
}

func readCString(mem vmem.Memory, addr uint64, max int) (string, error) {
	b, err := vmem.ReadBytes(mem, addr, uint64(max))
	if err != nil && len(b) == 0 {
		return "", err
	}
	if n := strings.IndexByte(string(b), 0); n >= 0 {
		b = b[:n]
	}
	return string(b), nil
}

// toExpressionResult converts the instance into an expression value. With
// takeAddress the address is returned instead of the value.
func (i Instance) toExpressionResult(takeAddress bool) ExpressionResult {
	if !i.IsValid() || i.Mem == nil {
		return undefinedResult()
	}
	kind := ResultLocalVar
	if i.ID > 0 {
		kind = ResultGlobalVar
	}
	ptrSize := Size64
	if i.Mem.Specs().PointerSize() == 4 {
		ptrSize = Size32
	}
	if takeAddress {
		return IntResult(kind, ptrSize, false, i.Addr)
	}
	t, _ := i.decodeType()
	switch {
	case t.Kind()&IntegerTypes != 0:
		v, err := i.ToUint64()
		if err != nil {
			return undefinedResult()
		}
		var size ResultSize
		switch t.Size() {
		case 1:
			size = Size8
		case 2:
			size = Size16
		case 4:
			size = Size32
		default:
			size = Size64
		}
		return IntResult(kind, size, t.Kind().IsSigned() || t.Kind() == KindEnum, v)
	case t.Kind() == KindFloat:
		f, err := i.ToFloat64()
		if err != nil {
			return undefinedResult()
		}
		return FloatResult(kind, SizeFloat, f)
	case t.Kind() == KindDouble:
		f, err := i.ToFloat64()
		if err != nil {
			return undefinedResult()
		}
		return FloatResult(kind, SizeDouble, f)
	case t.Kind()&(KindPointer|FunctionTypes) != 0:
		v, err := i.ToPointer()
		if err != nil {
			return undefinedResult()
		}
		return IntResult(kind, ptrSize, false, v)
	}
	return undefinedResult()
}

type instKey struct {
	a, b uint64
	hash uint64
}

// Equals compares the values of two instances. Both types must have equal
// valid hashes. Structs and unions are compared member-wise, skipping
// nested structs; referencing types are dereferenced once on both sides.
func (i Instance) Equals(o Instance) bool {
	return i.equals(o, make(map[instKey]struct{}))
}

func (i Instance) equals(o Instance, inProgress map[instKey]struct{}) bool {
	if !i.IsValid() || !o.IsValid() {
		return false
	}
	hi, oki := i.Type.Hash()
	ho, oko := o.Type.Hash()
	if !oki || !oko || hi != ho {
		return false
	}
	if i.IsNull() || o.IsNull() {
		return i.IsNull() && o.IsNull()
	}
	if !i.IsAccessible() || !o.IsAccessible() {
		return i.Addr == o.Addr
	}
	key := instKey{i.Addr, o.Addr, hi}
	if _, ok := inProgress[key]; ok {
		return true
	}
	inProgress[key] = struct{}{}
	defer delete(inProgress, key)

	t := i.Type
	switch {
	case t.Kind()&NumericTypes != 0:
		if t.Kind()&FloatingTypes != 0 {
			a, erra := i.rawUint(int(t.Size()))
			b, errb := o.rawUint(int(t.Size()))
			return erra == nil && errb == nil && a == b
		}
		a, erra := i.ToUint64()
		b, errb := o.ToUint64()
		return erra == nil && errb == nil && a == b

	case t.Kind()&FunctionTypes != 0:
		return i.Addr == o.Addr

	case t.Kind() == KindArray:
		la, lb := i.Length(), o.Length()
		if la != lb {
			return false
		}
		for n := 0; n < int(la); n++ {
			if !i.ArrayElem(n).equals(o.ArrayElem(n), inProgress) {
				return false
			}
		}
		return true

	case t.Kind()&StructOrUnion != 0:
		s := t.(*StructuredType)
		for idx, m := range s.Members {
			if _, nested := AsStructured(m.RefType()); nested {
				continue
			}
			mi := i.Member(idx, ResolveNone, true)
			mo := o.Member(idx, ResolveNone, true)
			if !mi.equals(mo, inProgress) {
				return false
			}
		}
		return true

	case t.Kind() == KindPointer && t.(*PointerType).RefTypeID() == 0:
		a, erra := i.ToPointer()
		b, errb := o.ToPointer()
		return erra == nil && errb == nil && a == b

	case t.Kind()&RefBaseTypes != 0:
		di, ci := i.Dereference(ResolveAny, 1)
		do, co := o.Dereference(ResolveAny, 1)
		if ci != co {
			return false
		}
		if di.Type == i.Type {
			// unresolved or char pointer
			a, erra := i.ToPointer()
			b, errb := o.ToPointer()
			return erra == nil && errb == nil && a == b
		}
		return di.equals(do, inProgress)
	}
	return i.Addr == o.Addr
}

// Differences returns the dotted member paths under which i and o differ.
// With recursive, pointers to structs are followed. An empty path stands
// for the instances themselves.
func (i Instance) Differences(o Instance, recursive bool) []string {
	var diffs []string
	i.differences(o, "", recursive, make(map[instKey]struct{}), &diffs)
	return diffs
}

func dotglue(path, name string) string {
	if path == "" {
		return name
	}
	if strings.HasPrefix(name, "[") {
		return path + name
	}
	return path + "." + name
}

func (i Instance) differences(o Instance, path string, recursive bool, visited map[instKey]struct{}, diffs *[]string) {
	hi, oki := hashOf(i.Type)
	ho, oko := hashOf(o.Type)
	if !oki || !oko || hi != ho {
		*diffs = append(*diffs, path)
		return
	}
	key := instKey{i.Addr, o.Addr, hi}
	if _, ok := visited[key]; ok {
		return
	}
	visited[key] = struct{}{}

	s, ok := AsStructured(i.Type)
	if !ok || i.IsNull() || o.IsNull() {
		if !i.Equals(o) {
			*diffs = append(*diffs, path)
		}
		return
	}
	for idx, m := range s.Members {
		mpath := dotglue(path, m.Name)
		mi := i.Member(idx, ResolveLexical, true)
		mo := o.Member(idx, ResolveLexical, true)
		if _, nested := AsStructured(mi.Type); nested {
			mi.differences(mo, mpath, recursive, visited, diffs)
			continue
		}
		if recursive {
			if pt, ok := mi.Type.(*PointerType); ok {
				if _, isStruct := AsStructured(pt.RefType()); isStruct {
					di, _ := mi.Dereference(ResolveLexicalAndPointers, 1)
					do, _ := mo.Dereference(ResolveLexicalAndPointers, 1)
					if di.IsNull() != do.IsNull() {
						*diffs = append(*diffs, mpath)
						continue
					}
					if !di.IsNull() {
						di.differences(do, mpath, recursive, visited, diffs)
					}
					continue
				}
			}
		}
		if !mi.Equals(mo) {
			*diffs = append(*diffs, mpath)
		}
	}
}

// ExtractBitField extracts a bit-field from v, an integer of width bytes:
// v is shifted right by width*8-bitOffset-bitSize and masked to bitSize
// bits.
func ExtractBitField(v uint64, width, bitSize, bitOffset int) uint64 {
	shift := width*8 - bitOffset - bitSize
	if shift < 0 || bitSize <= 0 {
		return 0
	}
	v >>= uint(shift)
	if bitSize >= 64 {
		return v
	}
	return v & (1<<uint(bitSize) - 1)
}
