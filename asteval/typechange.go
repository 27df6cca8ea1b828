package asteval

import (
	"fmt"
	"strings"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
)

// A TypeChange reports that the value of Symbol, after applying
// Transformations, is used as TargetType instead of SrcType.
type TypeChange struct {
	File   string
	Symbol *cparser.Symbol

	Src             *cparser.Node // innermost node carrying the source type
	SrcType         *Type
	Transformations cparser.Transformations

	// CtxType is the type owning the member chain the value was read
	// from. Without members it equals SrcType.
	CtxNode            *cparser.Node
	CtxType            *Type
	CtxTransformations cparser.Transformations

	Target     *cparser.Node
	TargetType *Type
	Root       *cparser.Node // expression where the type changes
	InterLinks int           // points-to links followed to reach Root
}

// CtxMembers returns the member chain below CtxType.
func (tc *TypeChange) CtxMembers() []string { return tc.CtxTransformations.Members() }

func (tc *TypeChange) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s is used as %s", tc.Root.Pos, tc.Transformations.Format(tc.Symbol.Name), tc.TargetType)
	scope := "local"
	if tc.Symbol.IsGlobal() {
		scope = "global"
	}
	fmt.Fprintf(&b, " via %s %s %q", scope, tc.Symbol.Kind, tc.Symbol.Name)
	if m := tc.CtxMembers(); len(m) > 0 {
		fmt.Fprintf(&b, " in context %s.%s", tc.CtxType, strings.Join(m, "."))
	}
	if tc.InterLinks > 0 {
		fmt.Fprintf(&b, " (%d links)", tc.InterLinks)
	}
	return b.String()
}

// TypeChangeHandler receives the type changes an Evaluator finds.
type TypeChangeHandler interface {
	TypeChanged(tc *TypeChange) error
}

// TypeChangeFunc adapts a function to a TypeChangeHandler.
type TypeChangeFunc func(tc *TypeChange) error

func (f TypeChangeFunc) TypeChanged(tc *TypeChange) error { return f(tc) }

func (ev *Evaluator) emit(tc *TypeChange) {
	ev.stats.TypeChanges++
	ev.log.V(2).Info("type change", "change", tc.String())
	if ev.handler == nil {
		return
	}
	if err := ev.handler.TypeChanged(tc); err != nil {
		ev.stats.HandlerErrors++
		ev.log.Error(err, "recording type change failed", "change", tc.String())
	}
}
