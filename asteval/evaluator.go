package asteval

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// MaxLinkHops bounds how many points-to links the used-as analysis
// follows from one identifier.
const MaxLinkHops = 4

type options struct {
	log             logr.Logger
	sizeofLong      int
	sizeofPointer   int
	skipFuncPtrStar bool
	maxLinkHops     int
}

// Option configures an Evaluator.
type Option func(*options)

// WithLogger sets the logger. Skipped expressions are logged at V(1).
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithSizes sets the byte sizes of long and of pointers on the target.
func WithSizes(sizeofLong, sizeofPointer int) Option {
	return func(o *options) { o.sizeofLong, o.sizeofPointer = sizeofLong, sizeofPointer }
}

// WithMemSpecs takes the type sizes from the memory layout of the guest.
func WithMemSpecs(specs vmem.MemSpecs) Option {
	return func(o *options) { o.sizeofLong, o.sizeofPointer = specs.LongSize(), specs.PointerSize() }
}

// WithSkipFuncPtrStar controls how stars inside the parentheses of a
// function declarator are read. When set, the first star only marks the
// declarator as a function pointer and every further star adds another
// function pointer level, so "int (**f)()" is FuncPointer->FuncPointer->Int32.
// Otherwise the further stars are plain pointers.
func WithSkipFuncPtrStar(skip bool) Option {
	return func(o *options) { o.skipFuncPtrStar = skip }
}

// WithMaxLinkHops overrides MaxLinkHops.
func WithMaxLinkHops(n int) Option {
	return func(o *options) { o.maxLinkHops = n }
}

// Stats summarizes an evaluation.
type Stats struct {
	Rounds        int // points-to rounds including the last one without news
	Edges         int // points-to edges
	TypeChanges   int // changes passed to the handler
	SkippedExprs  int // identifiers whose analysis failed with an ExprError
	HandlerErrors int
}

// An Evaluator analyzes one translation unit. It is not safe for
// concurrent use except for Interrupt.
type Evaluator struct {
	tu      *cparser.TranslationUnit
	opts    options
	log     logr.Logger
	handler TypeChangeHandler

	types    map[*cparser.Node]*Type
	typeErrs map[*cparser.Node]error
	stack    []*cparser.Node
	inStack  map[*cparser.Node]bool

	uses    []*cparser.Node // identifier uses of symbols taking part
	returns []*cparser.Node
	below   map[*cparser.Node][]symTrans
	rev     map[*cparser.Node][]revLink
	revSeen map[revKey]bool
	dead    map[deadEndKey]bool
	round   int

	stats       Stats
	interrupted atomic.Bool
}

// New returns an evaluator for tu reporting type changes to handler,
// which may be nil.
func New(tu *cparser.TranslationUnit, handler TypeChangeHandler, opts ...Option) *Evaluator {
	o := options{
		log:             logr.Discard(),
		sizeofLong:      8,
		sizeofPointer:   8,
		skipFuncPtrStar: true,
		maxLinkHops:     MaxLinkHops,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Evaluator{
		tu:       tu,
		opts:     o,
		log:      o.log.WithValues("file", tu.File),
		handler:  handler,
		types:    make(map[*cparser.Node]*Type),
		typeErrs: make(map[*cparser.Node]error),
		inStack:  make(map[*cparser.Node]bool),
		below:    make(map[*cparser.Node][]symTrans),
		rev:      make(map[*cparser.Node][]revLink),
		revSeen:  make(map[revKey]bool),
		dead:     make(map[deadEndKey]bool),
	}
}

// Interrupt makes a running Evaluate return ErrInterrupted at the next
// round boundary or identifier.
func (ev *Evaluator) Interrupt() { ev.interrupted.Store(true) }

func (ev *Evaluator) stopped(ctx context.Context) error {
	if ev.interrupted.Load() {
		return ErrInterrupted
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrInterrupted, err.Error())
	}
	return nil
}

// Stats returns the statistics gathered so far.
func (ev *Evaluator) Stats() Stats { return ev.stats }

// Round returns the current points-to round.
func (ev *Evaluator) Round() int { return ev.round }

// Evaluate runs all phases: the symbol scan, points-to rounds up to the
// fixed point, and the used-as pass reporting type changes.
func (ev *Evaluator) Evaluate(ctx context.Context) (Stats, error) {
	if err := ev.FindSymbols(); err != nil {
		return ev.stats, err
	}
	for {
		if err := ev.stopped(ctx); err != nil {
			return ev.stats, err
		}
		n, err := ev.PointsTo()
		if err != nil {
			return ev.stats, err
		}
		ev.log.V(1).Info("points-to round done", "round", ev.round, "new", n, "total", ev.stats.Edges)
		if n == 0 {
			break
		}
		ev.ReverseIndex()
	}
	if err := ev.UsedAs(ctx); err != nil {
		return ev.stats, err
	}
	ev.log.V(1).Info("evaluation done", "rounds", ev.stats.Rounds, "edges", ev.stats.Edges,
		"typeChanges", ev.stats.TypeChanges, "skipped", ev.stats.SkippedExprs)
	return ev.stats, nil
}

// skip logs a non-fatal error and reports whether processing may go on.
func (ev *Evaluator) skip(n *cparser.Node, err error) error {
	if IsFatal(err) {
		return err
	}
	ev.stats.SkippedExprs++
	ev.log.V(1).Info("skipping expression", "identifier", n.Text, "pos", n.Pos.String(), "reason", err.Error())
	return nil
}
