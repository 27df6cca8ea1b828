// Package cparser turns preprocessed C source into a syntax tree with
// lexical scopes and symbol tables. The tree is built from a tree-sitter
// parse and keeps only what the type evaluator needs: named nodes, their
// field labels, operators and identifier text.
package cparser

import (
	"fmt"
	"strings"
)

// Kind is the syntactic category of a Node.
type Kind int

const (
	KindOther Kind = iota

	KindTranslationUnit
	KindFunctionDef
	KindDeclaration
	KindTypeDefinition
	KindInitDeclarator
	KindParameterList
	KindParameterDecl
	KindFieldDeclList
	KindFieldDecl
	KindBitfieldClause
	KindEnumeratorList
	KindEnumerator

	// declarators
	KindPointerDeclarator
	KindArrayDeclarator
	KindFunctionDeclarator
	KindParenDeclarator
	KindAbstractPointerDeclarator
	KindAbstractArrayDeclarator
	KindAbstractFunctionDeclarator
	KindAbstractParenDeclarator
	KindTypeDescriptor

	// identifiers
	KindIdentifier     // identifier used in an expression
	KindDeclIdentifier // identifier introduced by a declarator
	KindFieldIdentifier
	KindTypeIdentifier
	KindStatementIdentifier

	// type specifiers
	KindPrimitiveType
	KindSizedTypeSpecifier
	KindStructSpecifier
	KindUnionSpecifier
	KindEnumSpecifier
	KindTypeQualifier
	KindStorageClass

	// statements
	KindCompoundStatement
	KindExpressionStatement
	KindReturnStatement
	KindIfStatement
	KindWhileStatement
	KindDoStatement
	KindForStatement
	KindSwitchStatement
	KindCaseStatement
	KindLabeledStatement
	KindGotoStatement
	KindBreakStatement
	KindContinueStatement
	KindAsmStatement

	// expressions
	KindAssignment
	KindBinary
	KindUnary
	KindPointerExpr
	KindUpdate
	KindCast
	KindSizeof
	KindAlignof
	KindOffsetof
	KindConditional
	KindCall
	KindArgumentList
	KindField
	KindSubscript
	KindParenExpr
	KindComma
	KindCompoundLiteral
	KindInitializerList
	KindInitializerPair
	KindFieldDesignator
	KindSubscriptDesignator
	KindStatementExpr
	KindNumber
	KindString
	KindConcatString
	KindChar
	KindTrue
	KindFalse
	KindNull
)

var kindNames = map[Kind]string{
	KindOther:                      "other",
	KindTranslationUnit:            "translation_unit",
	KindFunctionDef:                "function_definition",
	KindDeclaration:                "declaration",
	KindTypeDefinition:             "type_definition",
	KindInitDeclarator:             "init_declarator",
	KindParameterList:              "parameter_list",
	KindParameterDecl:              "parameter_declaration",
	KindFieldDeclList:              "field_declaration_list",
	KindFieldDecl:                  "field_declaration",
	KindBitfieldClause:             "bitfield_clause",
	KindEnumeratorList:             "enumerator_list",
	KindEnumerator:                 "enumerator",
	KindPointerDeclarator:          "pointer_declarator",
	KindArrayDeclarator:            "array_declarator",
	KindFunctionDeclarator:         "function_declarator",
	KindParenDeclarator:            "parenthesized_declarator",
	KindAbstractPointerDeclarator:  "abstract_pointer_declarator",
	KindAbstractArrayDeclarator:    "abstract_array_declarator",
	KindAbstractFunctionDeclarator: "abstract_function_declarator",
	KindAbstractParenDeclarator:    "abstract_parenthesized_declarator",
	KindTypeDescriptor:             "type_descriptor",
	KindIdentifier:                 "identifier",
	KindDeclIdentifier:             "declarator_identifier",
	KindFieldIdentifier:            "field_identifier",
	KindTypeIdentifier:             "type_identifier",
	KindStatementIdentifier:        "statement_identifier",
	KindPrimitiveType:              "primitive_type",
	KindSizedTypeSpecifier:         "sized_type_specifier",
	KindStructSpecifier:            "struct_specifier",
	KindUnionSpecifier:             "union_specifier",
	KindEnumSpecifier:              "enum_specifier",
	KindTypeQualifier:              "type_qualifier",
	KindStorageClass:               "storage_class_specifier",
	KindCompoundStatement:          "compound_statement",
	KindExpressionStatement:        "expression_statement",
	KindReturnStatement:            "return_statement",
	KindIfStatement:                "if_statement",
	KindWhileStatement:             "while_statement",
	KindDoStatement:                "do_statement",
	KindForStatement:               "for_statement",
	KindSwitchStatement:            "switch_statement",
	KindCaseStatement:              "case_statement",
	KindLabeledStatement:           "labeled_statement",
	KindGotoStatement:              "goto_statement",
	KindBreakStatement:             "break_statement",
	KindContinueStatement:          "continue_statement",
	KindAsmStatement:               "gnu_asm_expression",
	KindAssignment:                 "assignment_expression",
	KindBinary:                     "binary_expression",
	KindUnary:                      "unary_expression",
	KindPointerExpr:                "pointer_expression",
	KindUpdate:                     "update_expression",
	KindCast:                       "cast_expression",
	KindSizeof:                     "sizeof_expression",
	KindAlignof:                    "alignof_expression",
	KindOffsetof:                   "offsetof_expression",
	KindConditional:                "conditional_expression",
	KindCall:                       "call_expression",
	KindArgumentList:               "argument_list",
	KindField:                      "field_expression",
	KindSubscript:                  "subscript_expression",
	KindParenExpr:                  "parenthesized_expression",
	KindComma:                      "comma_expression",
	KindCompoundLiteral:            "compound_literal_expression",
	KindInitializerList:            "initializer_list",
	KindInitializerPair:            "initializer_pair",
	KindFieldDesignator:            "field_designator",
	KindSubscriptDesignator:        "subscript_designator",
	KindStatementExpr:              "statement_expression",
	KindNumber:                     "number_literal",
	KindString:                     "string_literal",
	KindConcatString:               "concatenated_string",
	KindChar:                       "char_literal",
	KindTrue:                       "true",
	KindFalse:                      "false",
	KindNull:                       "null",
}

// kindsByTSType maps tree-sitter node types onto kinds. Identifiers are
// classified separately.
var kindsByTSType = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if k != KindOther && k != KindDeclIdentifier && k != KindStatementExpr {
			m[name] = k
		}
	}
	return m
}()

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// IsDeclarator reports whether k wraps a declarator.
func (k Kind) IsDeclarator() bool {
	return k >= KindPointerDeclarator && k <= KindAbstractParenDeclarator
}

// Position is a location in a source file. Line and Column are 1-based.
type Position struct {
	File   string
	Line   int
	Column int
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d:%d", p.File, p.Line, p.Column)
}

// Node is a syntax tree node.
type Node struct {
	Kind   Kind
	Pos    Position
	Text   string // identifiers, literals, type specifiers
	Op     string // operator of expressions
	Prefix bool   // update expressions: operator precedes the operand
	Parent *Node
	Scope  *Scope // innermost scope containing the node

	kids   []*Node
	fields []string // field label of each kid, or ""
}

// Children returns all child nodes in source order.
func (n *Node) Children() []*Node { return n.kids }

// Child returns the first child labelled field, or nil.
func (n *Node) Child(field string) *Node {
	if n == nil {
		return nil
	}
	for i, f := range n.fields {
		if f == field {
			return n.kids[i]
		}
	}
	return nil
}

// ChildrenOf returns all children labelled field.
func (n *Node) ChildrenOf(field string) []*Node {
	var list []*Node
	for i, f := range n.fields {
		if f == field {
			list = append(list, n.kids[i])
		}
	}
	return list
}

// FieldOf returns the label under which c is a child of n.
func (n *Node) FieldOf(c *Node) string {
	for i, k := range n.kids {
		if k == c {
			return n.fields[i]
		}
	}
	return ""
}

// First returns the first child, or nil.
func (n *Node) First() *Node {
	if n == nil || len(n.kids) == 0 {
		return nil
	}
	return n.kids[0]
}

// Last returns the last child, or nil.
func (n *Node) Last() *Node {
	if n == nil || len(n.kids) == 0 {
		return nil
	}
	return n.kids[len(n.kids)-1]
}

func (n *Node) add(field string, c *Node) {
	c.Parent = n
	n.kids = append(n.kids, c)
	n.fields = append(n.fields, field)
}

// replace puts c in the place of the child old.
func (n *Node) replace(old, c *Node) {
	for i, k := range n.kids {
		if k == old {
			c.Parent = n
			n.kids[i] = c
			return
		}
	}
}

// Walk calls fn for n and its descendants in pre-order. Children are
// skipped when fn returns false.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.kids {
		c.Walk(fn)
	}
}

// Enclosing returns the nearest proper ancestor of n of one of the given
// kinds.
func (n *Node) Enclosing(kinds ...Kind) *Node {
	for p := n.Parent; p != nil; p = p.Parent {
		for _, k := range kinds {
			if p.Kind == k {
				return p
			}
		}
	}
	return nil
}

// IsAncestorOf reports whether n is a proper ancestor of c.
func (n *Node) IsAncestorOf(c *Node) bool {
	for p := c.Parent; p != nil; p = p.Parent {
		if p == n {
			return true
		}
	}
	return false
}

// String renders the node and its subtree compactly, for diagnostics.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	var b strings.Builder
	n.format(&b)
	return b.String()
}

func (n *Node) format(b *strings.Builder) {
	switch n.Kind {
	case KindIdentifier, KindDeclIdentifier, KindFieldIdentifier, KindTypeIdentifier,
		KindPrimitiveType, KindSizedTypeSpecifier, KindNumber, KindString, KindChar:
		b.WriteString(n.Text)
		return
	}
	b.WriteString(n.Kind.String())
	if n.Op != "" {
		fmt.Fprintf(b, "[%s]", n.Op)
	}
	if len(n.kids) == 0 {
		return
	}
	b.WriteByte('(')
	for i, c := range n.kids {
		if i > 0 {
			b.WriteByte(' ')
		}
		c.format(b)
	}
	b.WriteByte(')')
}
