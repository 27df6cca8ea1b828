package symbols

import (
	"fmt"
	"strings"
)

// ResultKind classifies an ExpressionResult. The values are flags; a
// combined result carries the union of its operands' flags.
type ResultKind uint8

const (
	ResultConstant  ResultKind = 1 << iota // compile-time constant
	ResultGlobalVar                        // depends on a global variable
	ResultLocalVar                         // depends on the context instance
	ResultRuntime                          // depends on unknown runtime state
	ResultUndefined                        // cannot be evaluated
)

func (k ResultKind) String() string {
	var parts []string
	for i, n := range []string{"constant", "global", "local", "runtime", "undefined"} {
		if k&(1<<i) != 0 {
			parts = append(parts, n)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ResultSize is the width and signedness of a result value.
type ResultSize uint8

const (
	Size8 ResultSize = iota
	Size16
	Size32
	Size64
	SizeFloat
	SizeDouble
)

func (s ResultSize) bits() uint {
	switch s {
	case Size8:
		return 8
	case Size16:
		return 16
	case Size32, SizeFloat:
		return 32
	}
	return 64
}

func (s ResultSize) isFloat() bool { return s == SizeFloat || s == SizeDouble }

// ExpressionResult is the value of an Expression.
type ExpressionResult struct {
	Kind   ResultKind
	Size   ResultSize
	Signed bool
	u      uint64
	f      float64
}

func undefinedResult() ExpressionResult { return ExpressionResult{Kind: ResultUndefined} }

// IntResult returns an integer result.
func IntResult(kind ResultKind, size ResultSize, signed bool, v uint64) ExpressionResult {
	r := ExpressionResult{Kind: kind, Size: size, Signed: signed, u: v}
	r.u = r.truncate(v)
	return r
}

// FloatResult returns a floating point result.
func FloatResult(kind ResultKind, size ResultSize, v float64) ExpressionResult {
	if size != SizeFloat {
		size = SizeDouble
	}
	return ExpressionResult{Kind: kind, Size: size, Signed: true, f: v}
}

func (r ExpressionResult) truncate(v uint64) uint64 {
	b := r.Size.bits()
	if b == 64 {
		return v
	}
	v &= 1<<b - 1
	if r.Signed && v&(1<<(b-1)) != 0 {
		v |= ^uint64(0) << b
	}
	return v
}

// IsValid reports whether the result can be used.
func (r ExpressionResult) IsValid() bool { return r.Kind&(ResultUndefined|ResultRuntime) == 0 }

// Uint64 returns the value as an unsigned integer.
func (r ExpressionResult) Uint64() uint64 {
	if r.Size.isFloat() {
		return uint64(r.f)
	}
	return r.u
}

// Int64 returns the value as a signed integer.
func (r ExpressionResult) Int64() int64 {
	if r.Size.isFloat() {
		return int64(r.f)
	}
	return int64(r.u)
}

// Float64 returns the value as a float.
func (r ExpressionResult) Float64() float64 {
	if r.Size.isFloat() {
		return r.f
	}
	if r.Signed {
		return float64(int64(r.u))
	}
	return float64(r.u)
}

func (r ExpressionResult) String() string {
	switch {
	case r.Kind&ResultUndefined != 0:
		return "undefined"
	case r.Kind&ResultRuntime != 0:
		return "runtime"
	case r.Size.isFloat():
		return fmt.Sprint(r.f)
	case r.Signed:
		return fmt.Sprint(int64(r.u))
	}
	return fmt.Sprintf("0x%x", r.u)
}

// Expression is a side-effect free expression recorded as the justification
// of an alternative reference type. Results are computed against the
// instance owning the reference.
type Expression interface {
	Result(inst *Instance) ExpressionResult
	Compatible(inst *Instance) bool
	String() string
	equal(other Expression) bool
}

// ExpressionsEqual compares two possibly nil expressions.
func ExpressionsEqual(a, b Expression) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.equal(b)
}

// ConstExpr is a literal.
type ConstExpr struct {
	Value ExpressionResult
}

func (e *ConstExpr) Result(*Instance) ExpressionResult { return e.Value }
func (e *ConstExpr) Compatible(*Instance) bool          { return true }
func (e *ConstExpr) String() string                     { return e.Value.String() }

func (e *ConstExpr) equal(o Expression) bool {
	c, ok := o.(*ConstExpr)
	return ok && c.Value == e.Value
}

// RuntimeExpr stands for a value that depends on runtime state.
type RuntimeExpr struct{}

func (RuntimeExpr) Result(*Instance) ExpressionResult { return ExpressionResult{Kind: ResultRuntime} }
func (RuntimeExpr) Compatible(*Instance) bool          { return true }
func (RuntimeExpr) String() string                     { return "(runtime)" }
func (RuntimeExpr) equal(o Expression) bool            { _, ok := o.(RuntimeExpr); return ok }

// UndefinedExpr stands for an expression that cannot be evaluated.
type UndefinedExpr struct{}

func (UndefinedExpr) Result(*Instance) ExpressionResult { return undefinedResult() }
func (UndefinedExpr) Compatible(*Instance) bool          { return true }
func (UndefinedExpr) String() string                     { return "(undefined)" }
func (UndefinedExpr) equal(o Expression) bool            { _, ok := o.(UndefinedExpr); return ok }

// UnaryOp is a unary operator.
type UnaryOp int

const (
	OpNeg UnaryOp = iota
	OpPlus
	OpNot
	OpComplement
)

var unaryOpNames = []string{"-", "+", "!", "~"}

// UnaryExpr applies a unary operator.
type UnaryExpr struct {
	Op UnaryOp
	X  Expression
}

func (e *UnaryExpr) Compatible(inst *Instance) bool { return e.X.Compatible(inst) }
func (e *UnaryExpr) String() string                 { return unaryOpNames[e.Op] + e.X.String() }

func (e *UnaryExpr) equal(o Expression) bool {
	u, ok := o.(*UnaryExpr)
	return ok && u.Op == e.Op && ExpressionsEqual(e.X, u.X)
}

func (e *UnaryExpr) Result(inst *Instance) ExpressionResult {
	r := e.X.Result(inst)
	if !r.IsValid() {
		return r
	}
	switch e.Op {
	case OpPlus:
		return r
	case OpNot:
		var v uint64
		if r.Size.isFloat() && r.f == 0 || !r.Size.isFloat() && r.u == 0 {
			v = 1
		}
		return IntResult(r.Kind, Size32, true, v)
	case OpNeg:
		if r.Size.isFloat() {
			return FloatResult(r.Kind, r.Size, -r.f)
		}
		return IntResult(r.Kind, r.Size, r.Signed, -r.u)
	case OpComplement:
		if r.Size.isFloat() {
			return undefinedResult()
		}
		return IntResult(r.Kind, r.Size, r.Signed, ^r.u)
	}
	return undefinedResult()
}

// BinaryOp is a binary operator.
type BinaryOp int

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpDiv
	OpMod
	OpShl
	OpShr
	OpAnd
	OpOr
	OpXor
	OpLogicalAnd
	OpLogicalOr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var binaryOpNames = []string{"+", "-", "*", "/", "%", "<<", ">>", "&", "|", "^", "&&", "||", "==", "!=", "<", "<=", ">", ">="}

func (op BinaryOp) String() string { return binaryOpNames[op] }

// BinaryExpr applies a binary operator with C's usual arithmetic conversions.
type BinaryExpr struct {
	Op   BinaryOp
	L, R Expression
}

func (e *BinaryExpr) Compatible(inst *Instance) bool {
	return e.L.Compatible(inst) && e.R.Compatible(inst)
}

func (e *BinaryExpr) String() string {
	return fmt.Sprintf("(%s %s %s)", e.L, e.Op, e.R)
}

func (e *BinaryExpr) equal(o Expression) bool {
	b, ok := o.(*BinaryExpr)
	return ok && b.Op == e.Op && ExpressionsEqual(e.L, b.L) && ExpressionsEqual(e.R, b.R)
}

func (e *BinaryExpr) Result(inst *Instance) ExpressionResult {
	l := e.L.Result(inst)
	if l.Kind&ResultUndefined != 0 {
		return l
	}
	r := e.R.Result(inst)
	if r.Kind&ResultUndefined != 0 {
		return r
	}
	kind := l.Kind | r.Kind
	if kind&ResultRuntime != 0 {
		return ExpressionResult{Kind: kind}
	}

	if l.Size.isFloat() || r.Size.isFloat() {
		size := SizeFloat
		if l.Size == SizeDouble || r.Size == SizeDouble || !l.Size.isFloat() || !r.Size.isFloat() {
			size = SizeDouble
		}
		a, b := l.Float64(), r.Float64()
		var v float64
		switch e.Op {
		case OpAdd:
			v = a + b
		case OpSub:
			v = a - b
		case OpMul:
			v = a * b
		case OpDiv:
			if b == 0 {
				return undefinedResult()
			}
			v = a / b
		default:
			if c, ok := compare(e.Op, a, b); ok {
				return IntResult(kind, Size32, true, c)
			}
			return undefinedResult()
		}
		return FloatResult(kind, size, v)
	}

	size := l.Size
	if r.Size > size {
		size = r.Size
	}
	if size < Size32 {
		size = Size32
	}
	// unsigned wins at equal width
	signed := l.Signed && r.Signed
	if l.Size != r.Size {
		if l.Size > r.Size {
			signed = l.Signed
		} else {
			signed = r.Signed
		}
	}
	a, b := l.u, r.u
	var v uint64
	switch e.Op {
	case OpAdd:
		v = a + b
	case OpSub:
		v = a - b
	case OpMul:
		v = a * b
	case OpDiv, OpMod:
		if b == 0 {
			return undefinedResult()
		}
		if signed {
			if e.Op == OpDiv {
				v = uint64(int64(a) / int64(b))
			} else {
				v = uint64(int64(a) % int64(b))
			}
		} else if e.Op == OpDiv {
			v = a / b
		} else {
			v = a % b
		}
	case OpShl:
		v = a << (b & 63)
	case OpShr:
		if signed {
			v = uint64(int64(a) >> (b & 63))
		} else {
			v = a >> (b & 63)
		}
	case OpAnd:
		v = a & b
	case OpOr:
		v = a | b
	case OpXor:
		v = a ^ b
	case OpLogicalAnd:
		return IntResult(kind, Size32, true, boolToUint(a != 0 && b != 0))
	case OpLogicalOr:
		return IntResult(kind, Size32, true, boolToUint(a != 0 || b != 0))
	default:
		var c uint64
		var ok bool
		if signed {
			c, ok = compareInt(e.Op, int64(a), int64(b))
		} else {
			c, ok = compareUint(e.Op, a, b)
		}
		if !ok {
			return undefinedResult()
		}
		return IntResult(kind, Size32, true, c)
	}
	return IntResult(kind, size, signed, v)
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func compare(op BinaryOp, a, b float64) (uint64, bool) {
	switch op {
	case OpEq:
		return boolToUint(a == b), true
	case OpNe:
		return boolToUint(a != b), true
	case OpLt:
		return boolToUint(a < b), true
	case OpLe:
		return boolToUint(a <= b), true
	case OpGt:
		return boolToUint(a > b), true
	case OpGe:
		return boolToUint(a >= b), true
	}
	return 0, false
}

func compareInt(op BinaryOp, a, b int64) (uint64, bool) {
	switch op {
	case OpEq:
		return boolToUint(a == b), true
	case OpNe:
		return boolToUint(a != b), true
	case OpLt:
		return boolToUint(a < b), true
	case OpLe:
		return boolToUint(a <= b), true
	case OpGt:
		return boolToUint(a > b), true
	case OpGe:
		return boolToUint(a >= b), true
	}
	return 0, false
}

func compareUint(op BinaryOp, a, b uint64) (uint64, bool) {
	switch op {
	case OpEq:
		return boolToUint(a == b), true
	case OpNe:
		return boolToUint(a != b), true
	case OpLt:
		return boolToUint(a < b), true
	case OpLe:
		return boolToUint(a <= b), true
	case OpGt:
		return boolToUint(a > b), true
	case OpGe:
		return boolToUint(a >= b), true
	}
	return 0, false
}

// TransformOp is one step of a variable expression.
type TransformOp int

const (
	TransformDeref TransformOp = iota
	TransformMember
	TransformArray
	TransformAddress
)

// Transform is one suffix or prefix applied to a variable, in evaluation
// order.
type Transform struct {
	Op     TransformOp
	Member string // TransformMember
	Index  int    // TransformArray
}

func (t Transform) String() string {
	switch t.Op {
	case TransformDeref:
		return "*"
	case TransformMember:
		return "." + t.Member
	case TransformArray:
		return fmt.Sprintf("[%d]", t.Index)
	case TransformAddress:
		return "&"
	}
	return "?"
}

// VarExpr is a value read from memory. Without Var it is evaluated
// relative to the context instance, whose type must be reachable from Type
// through a prefix of Transforms; with Var it reads the global variable.
type VarExpr struct {
	Type       Type
	Var        *Variable
	Transforms []Transform
}

func (e *VarExpr) String() string {
	var b strings.Builder
	if e.Var != nil {
		b.WriteString(e.Var.Name())
	} else if e.Type != nil {
		fmt.Fprintf(&b, "(%s)", e.Type)
	}
	for _, t := range e.Transforms {
		b.WriteString(t.String())
	}
	return b.String()
}

func (e *VarExpr) equal(o Expression) bool {
	v, ok := o.(*VarExpr)
	if !ok || v.Var != e.Var || len(v.Transforms) != len(e.Transforms) {
		return false
	}
	if (e.Type == nil) != (v.Type == nil) {
		return false
	}
	if e.Type != nil {
		ha, oka := e.Type.Hash()
		hb, okb := v.Type.Hash()
		if !oka || !okb || ha != hb {
			return false
		}
	}
	for i := range e.Transforms {
		if e.Transforms[i] != v.Transforms[i] {
			return false
		}
	}
	return true
}

func hashOf(t Type) (uint64, bool) {
	if t == nil {
		return 0, false
	}
	return t.Hash()
}

func hashMatches(t Type, h uint64) bool {
	th, ok := hashOf(t)
	return ok && th == h
}

// skip walks from e.Type along the transforms until the type of inst is
// reached. It returns the index of the first transform still to apply.
func (e *VarExpr) skip(inst *Instance) (int, bool) {
	instHash, ok := hashOf(inst.Type)
	if !ok || e.Type == nil {
		return 0, false
	}
	t := e.Type
	i := 0
	for ; t != nil && !hashMatches(t, instHash) && i < len(e.Transforms); i++ {
		if t.Kind()&ResolveLexical != 0 {
			t, _ = DereferencedType(t, ResolveLexical, -1)
		}
		if hashMatches(t, instHash) {
			break
		}
		switch e.Transforms[i].Op {
		case TransformDeref, TransformArray:
			var cnt int
			t, cnt = DereferencedType(t, ResolveAny, 1)
			// the context type itself is usually no pointer
			if i > 0 && cnt != 1 {
				return 0, false
			}
		case TransformMember:
			s, ok := AsStructured(t)
			if !ok {
				return 0, false
			}
			m, ok := s.FindMember(e.Transforms[i].Member)
			if !ok {
				return 0, false
			}
			t = m.RefType()
		default:
			return 0, false
		}
	}
	return i, hashMatches(t, instHash)
}

func (e *VarExpr) Compatible(inst *Instance) bool {
	if e.Var != nil {
		return true
	}
	if inst == nil || !inst.IsValid() || e.Type == nil {
		return false
	}
	if len(e.Transforms) == 0 {
		instHash, _ := hashOf(inst.Type)
		if hashMatches(e.Type, instHash) {
			return true
		}
		t, _ := DereferencedType(e.Type, ResolveLexical, -1)
		return hashMatches(t, instHash)
	}
	_, ok := e.skip(inst)
	return ok
}

func (e *VarExpr) Result(inst *Instance) ExpressionResult {
	if e.Var != nil {
		if inst == nil || inst.Mem == nil {
			return ExpressionResult{Kind: ResultGlobalVar | ResultRuntime}
		}
		v := e.Var.ToInstance(inst.Mem, ResolveLexical)
		return e.apply(v, 0)
	}
	if inst == nil || !inst.IsValid() || e.Type == nil {
		return undefinedResult()
	}
	if len(e.Transforms) == 0 {
		instHash, _ := hashOf(inst.Type)
		takeAddress := false
		for t := e.Type; t != nil; {
			if hashMatches(t, instHash) {
				return inst.toExpressionResult(takeAddress)
			}
			rt, ok := t.(RefBaseType)
			if !ok || t.Kind()&KindArray != 0 {
				break
			}
			if t.Kind() == KindPointer {
				takeAddress = true
			}
			t = rt.RefType()
		}
		return undefinedResult()
	}
	i, ok := e.skip(inst)
	if !ok {
		return undefinedResult()
	}
	return e.apply(*inst, i)
}

// apply evaluates the transforms from index start on tmp.
func (e *VarExpr) apply(tmp Instance, start int) ExpressionResult {
	derefCnt := 0
	for j := start; j < len(e.Transforms) && tmp.IsValid(); j++ {
		switch tr := e.Transforms[j]; tr.Op {
		case TransformDeref:
			if derefCnt < 0 {
				derefCnt++
				continue
			}
			var cnt int
			tmp, cnt = tmp.Dereference(ResolveLexicalAndPointers, 1)
			if (j > 0 && cnt != 1) || !tmp.IsValid() {
				return undefinedResult()
			}
		case TransformMember:
			derefCnt = 0
			m, ok := tmp.FindMember(tr.Member, ResolveLexical, true)
			if !ok {
				return undefinedResult()
			}
			tmp = m
		case TransformArray:
			derefCnt = 0
			tmp = tmp.ArrayElem(tr.Index)
		case TransformAddress:
			derefCnt--
			if derefCnt < -1 {
				return undefinedResult()
			}
		}
	}
	return tmp.toExpressionResult(derefCnt < 0)
}
