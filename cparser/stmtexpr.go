package cparser

import (
	"bytes"
	"strconv"
)

// The grammar has no GNU statement expressions, "({ ... })", which most
// kernel macros expand to. Each one is cut from the source and replaced by
// a call to a placeholder function; its body is parsed as the body of
// stmtExprPrefix and grafted back where the call was.

const (
	stmtExprName   = "__stmt_expr"
	stmtExprPrefix = "void " + stmtExprName + "(void) "
)

// A stmtExpr is a statement expression cut out of a source.
type stmtExpr struct {
	name          string // placeholder identifier
	start, end    int    // "({ ... })"
	body, bodyEnd int    // "{ ... }"
}

// cutStatementExprs replaces the outermost statement expressions of src by
// placeholder calls. Line breaks are kept and the rest of each expression
// is blanked so that the remaining source keeps its positions.
func cutStatementExprs(src []byte, seq *int) ([]byte, []stmtExpr) {
	var exprs []stmtExpr
	var out []byte
	last := 0
	for i := 0; i < len(src); {
		if j, ok := skipLiteral(src, i); ok {
			i = j
			continue
		}
		if src[i] != '(' {
			i++
			continue
		}
		open := skipSpace(src, i+1)
		if open >= len(src) || src[open] != '{' {
			i++
			continue
		}
		closing, ok := matchBrace(src, open)
		if !ok {
			i++
			continue
		}
		end := skipSpace(src, closing+1)
		if end >= len(src) || src[end] != ')' {
			i++
			continue
		}
		end++

		se := stmtExpr{
			name:    stmtExprName + strconv.Itoa(*seq),
			start:   i,
			end:     end,
			body:    open,
			bodyEnd: closing + 1,
		}
		*seq++
		exprs = append(exprs, se)
		out = append(out, src[last:i]...)
		out = append(out, blank(src[i:end], se.name+"()")...)
		last, i = end, end
	}
	if exprs == nil {
		return src, nil
	}
	return append(out, src[last:]...), exprs
}

// blank returns repl followed by span with everything but line breaks
// turned into spaces, less the bytes repl covers on the first line.
func blank(span []byte, repl string) []byte {
	out := append(make([]byte, 0, len(span)+len(repl)), repl...)
	covered := len(repl)
	for _, b := range span {
		switch {
		case b == '\n':
			out = append(out, '\n')
			covered = 0
		case covered > 0:
			covered--
		default:
			out = append(out, ' ')
		}
	}
	return out
}

func skipSpace(src []byte, i int) int {
	for i < len(src) && (src[i] == ' ' || src[i] == '\t' || src[i] == '\n' || src[i] == '\r') {
		i++
	}
	return i
}

// skipLiteral skips the string, character literal or comment at src[i].
func skipLiteral(src []byte, i int) (int, bool) {
	switch {
	case src[i] == '"' || src[i] == '\'':
		q := src[i]
		for j := i + 1; j < len(src); j++ {
			switch src[j] {
			case '\\':
				j++
			case q, '\n':
				return j + 1, true
			}
		}
		return len(src), true
	case bytes.HasPrefix(src[i:], []byte("//")):
		if j := bytes.IndexByte(src[i:], '\n'); j >= 0 {
			return i + j, true
		}
		return len(src), true
	case bytes.HasPrefix(src[i:], []byte("/*")):
		if j := bytes.Index(src[i+2:], []byte("*/")); j >= 0 {
			return i + 2 + j + 2, true
		}
		return len(src), true
	}
	return i, false
}

// matchBrace returns the index of the brace closing the one at src[open].
func matchBrace(src []byte, open int) (int, bool) {
	depth := 0
	for i := open; i < len(src); {
		if j, ok := skipLiteral(src, i); ok {
			i = j
			continue
		}
		switch src[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
		i++
	}
	return 0, false
}

// pointAt returns the 0-based row and byte column of src[off].
func pointAt(src []byte, off int) (row, col int) {
	row = bytes.Count(src[:off], []byte{'\n'})
	return row, off - (bytes.LastIndexByte(src[:off], '\n') + 1)
}

// graftStatementExprs replaces the placeholder calls below root by the
// parsed statement expressions.
func graftStatementExprs(root *Node, byName map[string]*Node) error {
	var calls []*Node
	root.Walk(func(n *Node) bool {
		if n.Kind != KindCall {
			return true
		}
		fn, args := n.Child("function"), n.Child("arguments")
		if fn != nil && fn.Kind == KindIdentifier && byName[fn.Text] != nil && args != nil && len(args.Children()) == 0 {
			calls = append(calls, n)
		}
		return true
	})
	for _, call := range calls {
		name := call.Child("function").Text
		call.Parent.replace(call, byName[name])
		delete(byName, name)
	}
	for _, n := range byName {
		return &SyntaxError{Pos: n.Pos, Text: "({"}
	}
	return nil
}
