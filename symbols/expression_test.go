package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func i32(v int64) Expression {
	return &ConstExpr{Value: IntResult(ResultConstant, Size32, true, uint64(v))}
}

func u32(v uint64) Expression {
	return &ConstExpr{Value: IntResult(ResultConstant, Size32, false, v)}
}

func TestBinaryExpr(t *testing.T) {
	tests := []struct {
		expr      Expression
		wantValid bool
		want      int64
	}{
		{&BinaryExpr{Op: OpAdd, L: i32(2), R: i32(3)}, true, 5},
		{&BinaryExpr{Op: OpSub, L: i32(2), R: i32(3)}, true, -1},
		{&BinaryExpr{Op: OpMul, L: i32(-4), R: i32(3)}, true, -12},
		{&BinaryExpr{Op: OpDiv, L: i32(-7), R: i32(2)}, true, -3},
		{&BinaryExpr{Op: OpMod, L: i32(7), R: i32(4)}, true, 3},
		{&BinaryExpr{Op: OpDiv, L: i32(1), R: i32(0)}, false, 0},
		{&BinaryExpr{Op: OpShl, L: i32(1), R: i32(4)}, true, 16},
		{&BinaryExpr{Op: OpLt, L: i32(-1), R: i32(1)}, true, 1},
		// -1 converts to unsigned
		{&BinaryExpr{Op: OpLt, L: i32(-1), R: u32(1)}, true, 0},
		{&BinaryExpr{Op: OpAdd, L: u32(0xffffffff), R: u32(1)}, true, 0},
		{&BinaryExpr{Op: OpLogicalAnd, L: i32(2), R: i32(0)}, true, 0},
		{&BinaryExpr{Op: OpEq, L: i32(7), R: &UnaryExpr{Op: OpNeg, X: i32(-7)}}, true, 1},
		{&UnaryExpr{Op: OpComplement, X: i32(0)}, true, -1},
		{&UnaryExpr{Op: OpNot, X: i32(3)}, true, 0},
		{&BinaryExpr{Op: OpAdd, L: i32(1), R: UndefinedExpr{}}, false, 0},
		{&BinaryExpr{Op: OpAdd, L: i32(1), R: RuntimeExpr{}}, false, 0},
	}
	for _, test := range tests {
		r := test.expr.Result(nil)
		if r.IsValid() != test.wantValid {
			t.Errorf("%s: IsValid()=%v want %v", test.expr, r.IsValid(), test.wantValid)
			continue
		}
		if test.wantValid && r.Int64() != test.want {
			t.Errorf("%s=%d want %d", test.expr, r.Int64(), test.want)
		}
	}
}

func TestFloatExpr(t *testing.T) {
	half := &ConstExpr{Value: FloatResult(ResultConstant, SizeDouble, 0.5)}
	r := (&BinaryExpr{Op: OpMul, L: half, R: i32(3)}).Result(nil)
	require.True(t, r.IsValid())
	assert.Equal(t, SizeDouble, r.Size)
	assert.Equal(t, 1.5, r.Float64())

	r = (&BinaryExpr{Op: OpGt, L: half, R: i32(0)}).Result(nil)
	assert.Equal(t, uint64(1), r.Uint64())
}

func TestExpressionsEqual(t *testing.T) {
	a := &BinaryExpr{Op: OpAdd, L: i32(1), R: i32(2)}
	b := &BinaryExpr{Op: OpAdd, L: i32(1), R: i32(2)}
	c := &BinaryExpr{Op: OpSub, L: i32(1), R: i32(2)}
	assert.True(t, ExpressionsEqual(a, b))
	assert.False(t, ExpressionsEqual(a, c))
	assert.True(t, ExpressionsEqual(nil, nil))
	assert.False(t, ExpressionsEqual(a, nil))
	assert.True(t, ExpressionsEqual(RuntimeExpr{}, RuntimeExpr{}))
}

func TestVarExpr(t *testing.T) {
	f := testFactory(t)
	task, _ := initTask(t, f, nil)
	taskType := mustType(t, f, 10)
	taskPtr := mustType(t, f, 11)
	intType := mustType(t, f, 2)

	tests := []struct {
		name           string
		expr           *VarExpr
		wantCompatible bool
		wantValid      bool
		want           uint64
	}{
		{
			name:           "member of the context",
			expr:           &VarExpr{Type: taskType, Transforms: []Transform{{Op: TransformMember, Member: "pid"}}},
			wantCompatible: true, wantValid: true, want: 1,
		},
		{
			name: "through a pointer to the context",
			expr: &VarExpr{Type: taskPtr, Transforms: []Transform{
				{Op: TransformDeref}, {Op: TransformMember, Member: "pid"},
			}},
			wantCompatible: true, wantValid: true, want: 1,
		},
		{
			name: "address of a member",
			expr: &VarExpr{Type: taskType, Transforms: []Transform{
				{Op: TransformMember, Member: "tasks"}, {Op: TransformAddress},
			}},
			wantCompatible: true, wantValid: true, want: initTaskAddr + 8,
		},
		{
			name:           "unrelated context",
			expr:           &VarExpr{Type: intType, Transforms: []Transform{{Op: TransformMember, Member: "pid"}}},
			wantCompatible: false,
		},
		{
			name:           "context by pointer without transforms",
			expr:           &VarExpr{Type: taskPtr},
			wantCompatible: false, wantValid: true, want: initTaskAddr,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.wantCompatible, test.expr.Compatible(&task))
			r := test.expr.Result(&task)
			if r.IsValid() != test.wantValid {
				t.Fatalf("%s: Result()=%v want valid=%v", test.expr, r, test.wantValid)
			}
			if test.wantValid && r.Uint64() != test.want {
				t.Errorf("%s=0x%x want 0x%x", test.expr, r.Uint64(), test.want)
			}
		})
	}

	// global variables are read from the instance's memory
	v, _ := f.FindVarByName("init_task")
	g := &VarExpr{Var: v, Transforms: []Transform{{Op: TransformMember, Member: "flags"}}}
	r := g.Result(&task)
	require.True(t, r.IsValid())
	assert.Equal(t, ResultGlobalVar, r.Kind)
	assert.Equal(t, uint64(5), r.Uint64())
}
