package asteval

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
)

// ErrInterrupted is returned by Evaluate when it was stopped early.
var ErrInterrupted = errors.New("evaluation interrupted")

// EvalError is a fatal evaluation error: the syntax tree does not have
// the structure the typing rules rely on. Stack lists the nodes whose
// types were being computed, innermost last.
type EvalError struct {
	Pos   cparser.Position
	Msg   string
	Stack []*cparser.Node
}

func (e *EvalError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Pos, e.Msg)
	for i := len(e.Stack) - 1; i >= 0; i-- {
		n := e.Stack[i]
		fmt.Fprintf(&b, "\n\tat %s (%s)", n.Pos, n.Kind)
	}
	return b.String()
}

// ExprError reports an expression that cannot be typed, like the
// dereference of an integer. It ends the analysis of the current
// identifier only.
type ExprError struct {
	Pos cparser.Position
	Msg string
}

func (e *ExprError) Error() string { return fmt.Sprintf("%s: %s", e.Pos, e.Msg) }

// IsFatal reports whether err must stop the evaluation of the whole
// translation unit.
func IsFatal(err error) bool {
	var ee *ExprError
	return err != nil && !errors.As(err, &ee)
}

func (ev *Evaluator) fatalf(n *cparser.Node, format string, args ...interface{}) error {
	stack := make([]*cparser.Node, len(ev.stack))
	copy(stack, ev.stack)
	return &EvalError{Pos: n.Pos, Msg: fmt.Sprintf(format, args...), Stack: stack}
}

func exprErrorf(n *cparser.Node, format string, args ...interface{}) error {
	return &ExprError{Pos: n.Pos, Msg: fmt.Sprintf(format, args...)}
}
