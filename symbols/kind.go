package symbols

import (
	"strings"

	"github.com/pkg/errors"
)

// Kind is the RealType tag of a type. Every concrete type carries exactly
// one Kind bit; the combined values below are masks.
type Kind uint32

const (
	KindUndefined Kind = 0

	KindInt8   Kind = 1 << 0
	KindUInt8  Kind = 1 << 1
	KindBool8  Kind = 1 << 2
	KindInt16  Kind = 1 << 3
	KindUInt16 Kind = 1 << 4
	KindBool16 Kind = 1 << 5
	KindInt32  Kind = 1 << 6
	KindUInt32 Kind = 1 << 7
	KindBool32 Kind = 1 << 8
	KindInt64  Kind = 1 << 9
	KindUInt64 Kind = 1 << 10
	KindBool64 Kind = 1 << 11

	KindFloat  Kind = 1 << 12
	KindDouble Kind = 1 << 13

	KindPointer     Kind = 1 << 14
	KindArray       Kind = 1 << 15
	KindEnum        Kind = 1 << 16
	KindStruct      Kind = 1 << 17
	KindUnion       Kind = 1 << 18
	KindConst       Kind = 1 << 19
	KindVolatile    Kind = 1 << 20
	KindTypedef     Kind = 1 << 21
	KindFuncPointer Kind = 1 << 22
	KindFunction    Kind = 1 << 23
	KindVoid        Kind = 1 << 24
	KindVaList      Kind = 1 << 25
)

// Kind masks.
const (
	SignedIntegers   = KindInt8 | KindInt16 | KindInt32 | KindInt64
	UnsignedIntegers = KindUInt8 | KindUInt16 | KindUInt32 | KindUInt64
	BoolTypes        = KindBool8 | KindBool16 | KindBool32 | KindBool64
	IntegerTypes     = SignedIntegers | UnsignedIntegers | BoolTypes | KindEnum
	FloatingTypes    = KindFloat | KindDouble
	NumericTypes     = IntegerTypes | FloatingTypes
	StructOrUnion    = KindStruct | KindUnion
	FunctionTypes    = KindFuncPointer | KindFunction

	// RefBaseTypes wrap exactly one other type.
	RefBaseTypes = KindPointer | KindArray | KindConst | KindVolatile | KindTypedef | FunctionTypes

	// ReferencingTypes may carry alternative reference types.
	ReferencingTypes = RefBaseTypes
)

// Resolution masks for DereferencedType and Instance.Dereference.
const (
	ResolveNone                  Kind = 0
	ResolveLexical                    = KindConst | KindVolatile | KindTypedef
	ResolveLexicalAndArrays           = ResolveLexical | KindArray
	ResolveLexicalAndPointers         = ResolveLexical | KindPointer
	ResolvePointersAndArrays          = KindPointer | KindArray
	ResolveLexicalPointersArrays      = ResolveLexical | KindPointer | KindArray
	ResolveAny                        = ResolveLexicalPointersArrays
)

var kindNames = []struct {
	k    Kind
	name string
}{
	{KindInt8, "int8"},
	{KindUInt8, "uint8"},
	{KindBool8, "bool8"},
	{KindInt16, "int16"},
	{KindUInt16, "uint16"},
	{KindBool16, "bool16"},
	{KindInt32, "int32"},
	{KindUInt32, "uint32"},
	{KindBool32, "bool32"},
	{KindInt64, "int64"},
	{KindUInt64, "uint64"},
	{KindBool64, "bool64"},
	{KindFloat, "float"},
	{KindDouble, "double"},
	{KindPointer, "pointer"},
	{KindArray, "array"},
	{KindEnum, "enum"},
	{KindStruct, "struct"},
	{KindUnion, "union"},
	{KindConst, "const"},
	{KindVolatile, "volatile"},
	{KindTypedef, "typedef"},
	{KindFuncPointer, "funcpointer"},
	{KindFunction, "function"},
	{KindVoid, "void"},
	{KindVaList, "va_list"},
}

// String returns the canonical lower-case name of a single kind, or the
// names of all set bits joined by "|" for a mask.
func (k Kind) String() string {
	if k == KindUndefined {
		return "undefined"
	}
	var parts []string
	for _, n := range kindNames {
		if k&n.k != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "undefined"
	}
	return strings.Join(parts, "|")
}

// ParseKind is the inverse of String for single kinds.
func ParseKind(s string) (Kind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "undefined" {
		return KindUndefined, nil
	}
	for _, n := range kindNames {
		if n.name == s {
			return n.k, nil
		}
	}
	return KindUndefined, errors.Errorf("unknown type kind %q", s)
}

// IsSigned reports whether k is a signed integer kind.
func (k Kind) IsSigned() bool { return k&SignedIntegers != 0 }

// numericKind returns the integer, bool or float kind for an encoding and
// a byte size.
func numericKind(enc Encoding, size uint64) (Kind, bool) {
	idx := -1
	switch size {
	case 1:
		idx = 0
	case 2:
		idx = 1
	case 4:
		idx = 2
	case 8:
		idx = 3
	}
	switch enc {
	case EncodingSigned, EncodingSignedChar:
		if idx >= 0 {
			return []Kind{KindInt8, KindInt16, KindInt32, KindInt64}[idx], true
		}
	case EncodingUnsigned, EncodingUnsignedChar:
		if idx >= 0 {
			return []Kind{KindUInt8, KindUInt16, KindUInt32, KindUInt64}[idx], true
		}
	case EncodingBoolean:
		if idx >= 0 {
			return []Kind{KindBool8, KindBool16, KindBool32, KindBool64}[idx], true
		}
	case EncodingFloat:
		switch size {
		case 4:
			return KindFloat, true
		case 8, 12, 16:
			return KindDouble, true
		}
	}
	return KindUndefined, false
}

// kindSize returns the byte width of a numeric kind.
func kindSize(k Kind) uint64 {
	switch {
	case k&(KindInt8|KindUInt8|KindBool8) != 0:
		return 1
	case k&(KindInt16|KindUInt16|KindBool16) != 0:
		return 2
	case k&(KindInt32|KindUInt32|KindBool32|KindFloat) != 0:
		return 4
	case k&(KindInt64|KindUInt64|KindBool64|KindDouble) != 0:
		return 8
	}
	return 0
}
