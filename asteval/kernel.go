package asteval

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// KernelSourceEvaluator records type changes as alternative types in a
// symbols.Factory. It is safe for concurrent use by several evaluators.
type KernelSourceEvaluator struct {
	factory *symbols.Factory
	log     logr.Logger

	added   atomic.Int64
	ignored atomic.Int64
	failed  atomic.Int64
}

// NewKernelSourceEvaluator returns a handler feeding factory.
func NewKernelSourceEvaluator(factory *symbols.Factory, log logr.Logger) *KernelSourceEvaluator {
	return &KernelSourceEvaluator{factory: factory, log: log}
}

// Counts returns the number of alternative types added, of changes that
// were filtered out and of changes the factory rejected.
func (k *KernelSourceEvaluator) Counts() (added, ignored, failed int64) {
	return k.added.Load(), k.ignored.Load(), k.failed.Load()
}

// relevant filters the changes nothing can be learned from.
func relevant(tc *TypeChange) bool {
	t := tc.TargetType
	if t.Kind&(symbols.KindPointer|symbols.KindArray) == 0 {
		return false
	}
	if t.Kind == symbols.KindPointer && t.Next != nil && t.Next.Kind == symbols.KindVoid {
		return false
	}
	sym := tc.Symbol
	switch sym.Kind {
	case cparser.SymbolFunctionParam:
		return tc.Transformations.MemberCount() > 0
	case cparser.SymbolVariableDecl, cparser.SymbolVariableDef:
		return sym.IsGlobal() || tc.Transformations.MemberCount() > 0
	case cparser.SymbolFunctionDef, cparser.SymbolFunctionDecl:
		return false
	}
	return true
}

func usageKind(sym *cparser.Symbol) symbols.SymbolKind {
	switch sym.Kind {
	case cparser.SymbolFunctionParam:
		return symbols.SymbolParam
	case cparser.SymbolEnumValue:
		return symbols.SymbolEnumerator
	case cparser.SymbolStructMember:
		return symbols.SymbolMember
	}
	if sym.IsGlobal() {
		return symbols.SymbolGlobalVar
	}
	return symbols.SymbolLocalVar
}

// TypeChanged implements TypeChangeHandler.
func (k *KernelSourceEvaluator) TypeChanged(tc *TypeChange) error {
	if !relevant(tc) {
		k.ignored.Add(1)
		return nil
	}
	u := symbols.AltUsage{
		Symbol:     tc.Symbol.Name,
		SymbolKind: usageKind(tc.Symbol),
		SrcFile:    tc.File,
		SrcType:    tc.SrcType.Chain(),
		TargetType: tc.TargetType.Chain(),
	}
	if m := tc.CtxMembers(); len(m) > 0 {
		u.CtxType = tc.CtxType.Chain()
		u.CtxMembers = m
	}
	n, err := k.factory.TypeAlternateUsage(u)
	if err != nil {
		k.failed.Add(1)
		return errors.Wrapf(err, "%s", tc.Root.Pos)
	}
	k.added.Add(int64(n))
	if n > 0 {
		k.log.V(1).Info("alternative type added", "usage", u.String(), "pos", tc.Root.Pos.String())
	}
	return nil
}

// EvaluateSources parses and evaluates the given preprocessed source
// files with up to workers files in flight and reports every type change
// to handler, which must be safe for concurrent use. The first fatal
// error cancels the remaining files.
func EvaluateSources(ctx context.Context, handler TypeChangeHandler, paths []string, workers int, opts ...Option) (Stats, error) {
	var (
		mu    sync.Mutex
		total Stats
	)
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, path := range paths {
		path := path
		g.Go(func() error {
			tu, err := cparser.ParseFile(ctx, path)
			if err != nil {
				return err
			}
			st, err := New(tu, handler, opts...).Evaluate(ctx)
			mu.Lock()
			total.Rounds += st.Rounds
			total.Edges += st.Edges
			total.TypeChanges += st.TypeChanges
			total.SkippedExprs += st.SkippedExprs
			total.HandlerErrors += st.HandlerErrors
			mu.Unlock()
			return errors.Wrapf(err, "evaluating %s", path)
		})
	}
	err := g.Wait()
	return total, err
}
