package symbols

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/stoewer/go-strcase"
	"gopkg.in/yaml.v3"
)

// DeclKind tags a declaration record of the symbol feed.
type DeclKind int

const (
	DeclUnknown DeclKind = iota
	DeclArray
	DeclBase
	DeclCompileUnit
	DeclConst
	DeclEnum
	DeclFunction
	DeclMember
	DeclPointer
	DeclStruct
	DeclSubroutine
	DeclTypedef
	DeclUnion
	DeclVariable
	DeclVoid
	DeclVolatile
)

var declKindNames = map[DeclKind]string{
	DeclArray:       "array",
	DeclBase:        "base",
	DeclCompileUnit: "compile_unit",
	DeclConst:       "const",
	DeclEnum:        "enum",
	DeclFunction:    "function",
	DeclMember:      "member",
	DeclPointer:     "pointer",
	DeclStruct:      "struct",
	DeclSubroutine:  "subroutine",
	DeclTypedef:     "typedef",
	DeclUnion:       "union",
	DeclVariable:    "variable",
	DeclVoid:        "void",
	DeclVolatile:    "volatile",
}

func (k DeclKind) String() string {
	if s, ok := declKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("DeclKind(%d)", int(k))
}

// ParseDeclKind accepts the names printed by String in any casing style
// ("compile_unit", "CompileUnit", "compile-unit") plus the DWARF tag names
// objdump prints ("base_type", "subroutine_type", ...).
func ParseDeclKind(s string) (DeclKind, error) {
	name := strcase.SnakeCase(strings.TrimSpace(s))
	name = strings.TrimSuffix(name, "_type")
	switch name {
	case "structure":
		name = "struct"
	case "subprogram":
		name = "function"
	case "enumeration":
		name = "enum"
	}
	for k, n := range declKindNames {
		if n == name {
			return k, nil
		}
	}
	return DeclUnknown, errors.Errorf("unknown declaration kind %q", s)
}

func (k DeclKind) MarshalYAML() (interface{}, error) { return k.String(), nil }

func (k *DeclKind) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDeclKind(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*k = v
	return nil
}

// Encoding is the encoding of a base (numeric) type.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingSigned
	EncodingUnsigned
	EncodingSignedChar
	EncodingUnsignedChar
	EncodingBoolean
	EncodingFloat
)

var encodingNames = []string{"", "signed", "unsigned", "signed_char", "unsigned_char", "boolean", "float"}

func (e Encoding) String() string {
	if int(e) >= 0 && int(e) < len(encodingNames) {
		return encodingNames[e]
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// ParseEncoding parses the names printed by Encoding.String.
func ParseEncoding(s string) (Encoding, error) {
	name := strcase.SnakeCase(strings.TrimSpace(s))
	for i, n := range encodingNames {
		if n == name {
			return Encoding(i), nil
		}
	}
	return EncodingNone, errors.Errorf("unknown encoding %q", s)
}

func (e Encoding) MarshalYAML() (interface{}, error) { return e.String(), nil }

func (e *Encoding) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseEncoding(s)
	if err != nil {
		return errors.Wrapf(err, "line %d", node.Line)
	}
	*e = v
	return nil
}

// EnumValue is one enumerator.
type EnumValue struct {
	Name  string `yaml:"name"`
	Value int64  `yaml:"value"`
}

// TypeInfo is one declaration record of the symbol feed. Struct and union
// records carry their members inline; subroutine records carry their
// parameters inline.
type TypeInfo struct {
	Kind        DeclKind    `yaml:"kind"`
	ID          int         `yaml:"id"`
	RefTypeID   int         `yaml:"ref,omitempty"`
	Name        string      `yaml:"name,omitempty"`
	ByteSize    uint64      `yaml:"size,omitempty"`
	Encoding    Encoding    `yaml:"encoding,omitempty"`
	BitSize     int         `yaml:"bitsize,omitempty"`
	BitOffset   int         `yaml:"bitoffset,omitempty"`
	Location    *uint64     `yaml:"location,omitempty"` // member offset or variable address
	UpperBound  *int64      `yaml:"upper,omitempty"`
	EnumValues  []EnumValue `yaml:"values,omitempty"`
	Members     []TypeInfo  `yaml:"members,omitempty"`
	Params      []TypeInfo  `yaml:"params,omitempty"`
	SrcDir      string      `yaml:"dir,omitempty"`
	SrcFile     int         `yaml:"file,omitempty"` // id of the compile unit
	SrcLine     int         `yaml:"line,omitempty"`
	External    bool        `yaml:"external,omitempty"`
	Declaration bool        `yaml:"declaration,omitempty"`
}

func (info *TypeInfo) String() string {
	b, err := yaml.Marshal(info)
	if err != nil {
		return fmt.Sprintf("%#v", *info)
	}
	return strings.TrimSpace(string(b))
}

// DeclarationError reports a malformed or contradictory declaration record.
type DeclarationError struct {
	Field  string // offending or missing field, may be empty
	Reason string
	Info   TypeInfo
}

func (e *DeclarationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s declaration 0x%x", e.Info.Kind, e.Info.ID)
	if e.Field != "" {
		fmt.Fprintf(&b, ": field %q", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	b.WriteString("\n")
	b.WriteString(e.Info.String())
	return b.String()
}

func missing(info *TypeInfo, field string) error {
	return &DeclarationError{Field: field, Reason: "missing mandatory field", Info: *info}
}

// Validate checks the fields that are mandatory for the record's kind.
func (info *TypeInfo) Validate() error {
	if info.Kind != DeclMember && info.ID <= 0 {
		return missing(info, "id")
	}
	switch info.Kind {
	case DeclArray:
		if info.RefTypeID == 0 {
			return missing(info, "ref")
		}
	case DeclBase:
		if info.Name == "" {
			return missing(info, "name")
		}
		if info.ByteSize == 0 {
			return missing(info, "size")
		}
		if info.Encoding == EncodingNone {
			return missing(info, "encoding")
		}
		if _, ok := numericKind(info.Encoding, info.ByteSize); !ok {
			return &DeclarationError{Field: "size", Reason: fmt.Sprintf("no numeric type of %d bytes with %s encoding", info.ByteSize, info.Encoding), Info: *info}
		}
	case DeclCompileUnit:
		if info.Name == "" {
			return missing(info, "name")
		}
	case DeclTypedef:
		if info.Name == "" {
			return missing(info, "name")
		}
	case DeclMember:
		if info.RefTypeID == 0 {
			return missing(info, "ref")
		}
		if info.BitSize < 0 || info.BitOffset < 0 {
			return &DeclarationError{Field: "bitsize", Reason: "negative bit-field geometry", Info: *info}
		}
	case DeclStruct, DeclUnion:
		for i := range info.Members {
			m := &info.Members[i]
			if m.Kind == DeclUnknown {
				m.Kind = DeclMember
			}
			if m.Kind != DeclMember {
				return &DeclarationError{Field: "members", Reason: fmt.Sprintf("member %d has kind %s", i, m.Kind), Info: *info}
			}
			if err := m.Validate(); err != nil {
				return errors.Wrapf(err, "in %s 0x%x", info.Kind, info.ID)
			}
		}
	case DeclVariable:
		if info.Name == "" {
			return missing(info, "name")
		}
		if info.RefTypeID == 0 {
			return missing(info, "ref")
		}
		if info.Location == nil || *info.Location == 0 {
			return missing(info, "location")
		}
	case DeclConst, DeclVolatile, DeclPointer, DeclEnum, DeclSubroutine, DeclFunction, DeclVoid:
		// id only
	default:
		return &DeclarationError{Field: "kind", Reason: "unknown declaration kind", Info: *info}
	}
	return nil
}
