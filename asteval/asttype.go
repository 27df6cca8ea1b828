// Package asteval infers the static type of every expression in a parsed
// C translation unit and finds the places where a pointer is used as a
// different type than it was declared with. Such type changes are handed
// to a TypeChangeHandler, usually one that records them as alternative
// types in a symbols.Factory.
package asteval

import (
	"strings"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// A Type is a source-level type as a chain of kinds, outermost first.
// "struct module **" is Pointer -> Pointer -> Struct(module).
type Type struct {
	Kind       symbols.Kind
	Identifier string        // tag of structs, unions and enums
	Next       *Type         // referenced type of pointers, arrays and functions
	Node       *cparser.Node // defining node, if any
	ArraySize  int           // -1 if unknown

	// PointerSkipped is set on function pointers that absorbed the star
	// of their declarator.
	PointerSkipped bool
	// IsFunction marks function designators as opposed to pointers to
	// functions. Both have kind FuncPointer.
	IsFunction bool
	// AmpersandSkipped is set when & was applied to a function designator.
	AmpersandSkipped bool
}

func newType(kind symbols.Kind, next *Type, node *cparser.Node) *Type {
	return &Type{Kind: kind, Next: next, Node: node, ArraySize: -1}
}

func (t *Type) copyType() *Type {
	c := *t
	return &c
}

const (
	pointerKinds = symbols.KindPointer | symbols.KindArray | symbols.KindFuncPointer
	// integer kinds considered equal past the first pointer
	looseInts = symbols.IntegerTypes &^ symbols.KindEnum
)

// IsPointer reports whether any link of the chain is a pointer, array or
// function pointer.
func (t *Type) IsPointer() bool {
	for ; t != nil; t = t.Next {
		if t.Kind&pointerKinds != 0 {
			return true
		}
	}
	return false
}

// EqualTo compares two type chains link by link. Pointers and arrays are
// interchangeable. Unless exact is set, integer kinds other than enums
// match each other as long as no pointer has been passed.
func (t *Type) EqualTo(o *Type, exact bool) bool {
	a, b := t, o
	seenPointer := false
	for a != nil && b != nil {
		if a.Kind != b.Kind && a.Kind|b.Kind != symbols.KindPointer|symbols.KindArray {
			if exact || seenPointer || a.Kind&looseInts == 0 || b.Kind&looseInts == 0 {
				return false
			}
		}
		if (a.Kind|b.Kind)&^looseInts != 0 && a.Identifier != b.Identifier {
			return false
		}
		if (a.Kind|b.Kind)&pointerKinds != 0 {
			seenPointer = true
		}
		a, b = a.Next, b.Next
	}
	return a == nil && b == nil
}

// Equal is EqualTo in non-exact mode.
func (t *Type) Equal(o *Type) bool { return t.EqualTo(o, false) }

var kindLabels = map[symbols.Kind]string{
	symbols.KindInt8:        "Int8",
	symbols.KindUInt8:       "UInt8",
	symbols.KindBool8:       "Bool8",
	symbols.KindInt16:       "Int16",
	symbols.KindUInt16:      "UInt16",
	symbols.KindBool16:      "Bool16",
	symbols.KindInt32:       "Int32",
	symbols.KindUInt32:      "UInt32",
	symbols.KindBool32:      "Bool32",
	symbols.KindInt64:       "Int64",
	symbols.KindUInt64:      "UInt64",
	symbols.KindBool64:      "Bool64",
	symbols.KindFloat:       "Float",
	symbols.KindDouble:      "Double",
	symbols.KindPointer:     "Pointer",
	symbols.KindArray:       "Array",
	symbols.KindEnum:        "Enum",
	symbols.KindStruct:      "Struct",
	symbols.KindUnion:       "Union",
	symbols.KindFuncPointer: "FuncPointer",
	symbols.KindVoid:        "Void",
	symbols.KindVaList:      "VaList",
}

// String renders the chain like "Pointer->Struct(module)".
func (t *Type) String() string {
	var parts []string
	for ; t != nil; t = t.Next {
		s := kindLabels[t.Kind]
		if s == "" {
			s = t.Kind.String()
		}
		if t.Kind&symbols.NumericTypes&^symbols.KindEnum == 0 && t.Identifier != "" {
			s += "(" + t.Identifier + ")"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "->")
}

// Chain converts the type into the form symbols.Factory looks types up by.
func (t *Type) Chain() symbols.TypeChain {
	var c symbols.TypeChain
	for ; t != nil; t = t.Next {
		c = append(c, symbols.TypeLink{Kind: t.Kind, Name: t.Identifier})
	}
	return c
}

// Deref returns the referenced type of pointers, arrays and function
// pointers, or nil.
func (t *Type) Deref() *Type {
	if t == nil || t.Kind&pointerKinds == 0 {
		return nil
	}
	return t.Next
}

// size returns the byte size of numeric and pointer kinds.
func (ev *Evaluator) size(t *Type) int {
	switch {
	case t.Kind&(symbols.KindInt8|symbols.KindUInt8|symbols.KindBool8) != 0:
		return 1
	case t.Kind&(symbols.KindInt16|symbols.KindUInt16|symbols.KindBool16) != 0:
		return 2
	case t.Kind&(symbols.KindInt32|symbols.KindUInt32|symbols.KindBool32|symbols.KindFloat|symbols.KindEnum) != 0:
		return 4
	case t.Kind&(symbols.KindInt64|symbols.KindUInt64|symbols.KindBool64|symbols.KindDouble) != 0:
		return 8
	case t.Kind&(symbols.KindPointer|symbols.KindFuncPointer) != 0:
		return ev.opts.sizeofPointer
	}
	return 0
}

// canHoldPointer reports whether values of numeric type t may carry a
// pointer on the target.
func (ev *Evaluator) canHoldPointer(t *Type) bool {
	switch {
	case t.Kind&(symbols.KindInt32|symbols.KindUInt32) != 0:
		return ev.opts.sizeofPointer <= 4
	case t.Kind&(symbols.KindInt64|symbols.KindUInt64) != 0:
		return ev.opts.sizeofPointer <= 8
	case t.Kind&symbols.NumericTypes != 0:
		return false
	}
	return true
}
