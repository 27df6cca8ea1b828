package symbols

import (
	"bytes"
	"fmt"
)

// StructuredType is the type of structs and unions.
type StructuredType struct {
	baseType
	Members []*StructuredMember // declaration order
}

// StructuredMember is a single member of a struct or union.
type StructuredMember struct {
	ReferencingType
	Name      string
	Offset    uint64
	BitSize   int // 0 unless the member is a bit-field
	BitOffset int
	Parent    *StructuredType

	srcLine int
}

// IsBitField reports whether m is a bit-field.
func (m *StructuredMember) IsBitField() bool { return m.BitSize > 0 }

// Size returns the size of the member's type.
func (m *StructuredMember) Size() uint64 {
	if m.refType == nil {
		return 0
	}
	return m.refType.Size()
}

func (t *StructuredType) Hash() (uint64, bool) {
	return t.cached(func() (uint64, bool) {
		h := newHasher(&t.baseType)
		h.uint(uint64(len(t.Members)))
		// member types are not hashed
		for _, m := range t.Members {
			h.uint(m.Offset)
			h.str(m.Name)
			h.uint(uint64(m.BitSize)<<32 | uint64(m.BitOffset))
		}
		return h.sum(), true
	})
}

func (t *StructuredType) String() string {
	prefix := "struct "
	if t.kind == KindUnion {
		prefix = "union "
	}
	if t.name != "" {
		return prefix + t.name
	}
	return prefix + "(anon)"
}

// Declaration prints the full member list.
func (t *StructuredType) Declaration() string {
	var buf bytes.Buffer
	buf.WriteString(t.String())
	buf.WriteString(" {\n")
	for _, m := range t.Members {
		buf.WriteString("    ")
		if m.refType != nil {
			buf.WriteString(m.refType.String())
		} else {
			buf.WriteString("?")
		}
		fmt.Fprintf(&buf, " %s", m.Name)
		if m.IsBitField() {
			fmt.Fprintf(&buf, " : %d", m.BitSize)
		}
		fmt.Fprintf(&buf, "; // offset %d\n", m.Offset)
	}
	buf.WriteString("}")
	return buf.String()
}

// MemberIndex returns the index of the member with the given name, or -1.
// Anonymous members are not considered.
func (t *StructuredType) MemberIndex(name string) int {
	if name == "" {
		return -1
	}
	for i, m := range t.Members {
		if m.Name == name {
			return i
		}
	}
	return -1
}

// Member returns the directly declared member with the given name.
func (t *StructuredType) Member(name string) (*StructuredMember, bool) {
	if i := t.MemberIndex(name); i >= 0 {
		return t.Members[i], true
	}
	return nil, false
}

// FindMember looks up name, descending transparently into anonymous nested
// structs and unions when no direct member matches.
func (t *StructuredType) FindMember(name string) (*StructuredMember, bool) {
	path := t.MemberPath(name)
	if len(path) == 0 {
		return nil, false
	}
	return path[len(path)-1], true
}

// MemberPath returns the chain of members leading to name, starting at t.
// All but the last element are anonymous.
func (t *StructuredType) MemberPath(name string) []*StructuredMember {
	return t.memberPath(name, 0)
}

func (t *StructuredType) memberPath(name string, depth int) []*StructuredMember {
	if name == "" || depth > 32 {
		return nil
	}
	if m, ok := t.Member(name); ok {
		return []*StructuredMember{m}
	}
	for _, m := range t.Members {
		if m.Name != "" {
			continue
		}
		s, ok := AsStructured(m.refType)
		if !ok {
			continue
		}
		if sub := s.memberPath(name, depth+1); sub != nil {
			return append([]*StructuredMember{m}, sub...)
		}
	}
	return nil
}

// MemberAtOffset returns the member at the given offset. With exactMatch,
// the member must start at offset; otherwise the first member whose
// [offset, offset+size) range contains it is returned.
func (t *StructuredType) MemberAtOffset(offset uint64, exactMatch bool) (*StructuredMember, bool) {
	for _, m := range t.Members {
		if m.Offset == offset {
			return m, true
		}
	}
	if exactMatch {
		return nil, false
	}
	for _, m := range t.Members {
		if m.Offset <= offset && offset < m.Offset+m.Size() {
			return m, true
		}
	}
	return nil, false
}
