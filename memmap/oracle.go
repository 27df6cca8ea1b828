package memmap

import (
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// An Oracle estimates how plausible it is that an instance is a live,
// correctly typed object, looking at the instance alone. The result is in
// [0,1]. Oracles are called concurrently and must not fail: memory that
// cannot be read lowers the estimate.
type Oracle interface {
	InitialProbability(inst symbols.Instance) float64
}

// OracleFunc adapts a function to an Oracle.
type OracleFunc func(inst symbols.Instance) float64

func (f OracleFunc) InitialProbability(inst symbols.Instance) float64 { return f(inst) }

// Penalties applied by HeuristicsOracle. Each is the share of probability
// lost when the check fails.
const (
	PenaltyInvalidInstance = 0.99
	PenaltyInvalidPointer  = 0.90
	PenaltyInvalidListHead = 0.90
)

// HeuristicsOracle rates instances by their pointers: pointers must hold
// kernel addresses or default values, and list heads must be linked with
// their neighbors. Structs are rated by the product of their members.
type HeuristicsOracle struct {
	// MaxDepth limits the recursion into nested structs. Zero means 8.
	MaxDepth int
}

func (o HeuristicsOracle) InitialProbability(inst symbols.Instance) float64 {
	depth := o.MaxDepth
	if depth <= 0 {
		depth = 8
	}
	if !ValidInstance(inst) {
		return 1 - PenaltyInvalidInstance
	}
	return o.rate(inst, depth)
}

func (o HeuristicsOracle) rate(inst symbols.Instance, depth int) float64 {
	// unresolved member types tell nothing
	if inst.Type == nil {
		return 1
	}
	switch {
	case IsFunctionPointer(inst):
		if !ValidFunctionPointer(inst, true) {
			return 1 - PenaltyInvalidPointer
		}
		return 1
	case resolvedKind(inst) == symbols.KindPointer:
		if !ValidPointer(inst, true) {
			return 1 - PenaltyInvalidPointer
		}
		return 1
	case IsListHead(inst):
		if !ValidListHead(inst, true) {
			return 1 - PenaltyInvalidListHead
		}
		return 1
	case resolvedKind(inst) == symbols.KindStruct:
		if depth == 0 {
			return 1
		}
		s, _ := symbols.AsStructured(inst.Type)
		p := 1.0
		for i := range s.Members {
			p *= o.rate(inst.Member(i, symbols.ResolveNone, true), depth-1)
		}
		return p
	}
	return 1
}
