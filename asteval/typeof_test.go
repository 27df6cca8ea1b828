package asteval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
)

const typeSource = `
struct list_head { struct list_head *next, *prev; };
struct module {
	int state;
	struct list_head list;
	char name[16];
	union { long refs; void *owner; };
};
struct module *mod;
struct module mods[4];
long l;
unsigned int u;
char c;
double d;
int (*fp)(int);
int *(*fpr)(void);
int fn(int x);

void sample(void)
{
	mod;
	*mod;
	mod->list;
	mod->list.next;
	&mod->list;
	mods[1];
	mods;
	mod->name;
	mod + 1;
	mod - mod;
	l + u;
	c == 1;
	!mod;
	(void *)mod;
	sizeof(mod);
	fn(1);
	fp(1);
	(*fp)(1);
	fp;
	fpr;
	"abc";
	1.5;
	1.5f;
	10;
	0x10UL;
	3000000000;
	mod->owner;
	d * l;
	c ? mod : 0;
	({ int y = 2; mod; });
}
`

func TestTypeOfExpressions(t *testing.T) {
	ev := newEvaluator(t, typeSource, nil)
	want := []string{
		"Pointer->Struct(module)",
		"Struct(module)",
		"Struct(list_head)",
		"Pointer->Struct(list_head)",
		"Pointer->Struct(list_head)",
		"Struct(module)",
		"Array->Struct(module)",
		"Array->Int8",
		"Pointer->Struct(module)",
		"Int64",
		"Int64",
		"Int32",
		"Int32",
		"Pointer->Void",
		"UInt64",
		"Int32",
		"Int32",
		"Int32",
		"FuncPointer->Int32",
		"FuncPointer->Pointer->Int32",
		"Array->Int8",
		"Double",
		"Float",
		"Int32",
		"UInt64",
		"UInt32",
		"Pointer->Void",
		"Double",
		"Pointer->Struct(module)",
		"Pointer->Struct(module)",
	}
	exprs := statements(t, ev.tu, "sample")
	require.Len(t, exprs, len(want))
	for i, e := range exprs {
		typ, err := ev.TypeOf(e)
		if !assert.NoError(t, err, "expression %d at %s", i, e.Pos) {
			continue
		}
		assert.Equal(t, want[i], typ.String(), "expression %d at %s", i, e.Pos)
	}
}

func TestTypeOfLongSize(t *testing.T) {
	ev := newEvaluator(t, typeSource, nil, WithSizes(4, 4))
	exprs := statements(t, ev.tu, "sample")
	tests := []struct {
		index int
		want  string
	}{
		{9, "Int32"},   // mod - mod
		{14, "UInt32"}, // sizeof
		{24, "UInt32"}, // 0x10UL
	}
	for _, test := range tests {
		typ, err := ev.TypeOf(exprs[test.index])
		require.NoError(t, err)
		assert.Equal(t, test.want, typ.String(), "expression %d", test.index)
	}
}

func TestTypeOfFunctionPointers(t *testing.T) {
	const src = `
int (*foo)();
int (**foo2)();
int *(*foo3)();
typedef int (*foodef)();
foodef *foo4;
foodef foo5;
int bar(void);
`
	tests := []struct {
		name string
		skip bool
		want string
	}{
		{"foo", true, "FuncPointer->Int32"},
		{"foo2", true, "FuncPointer->FuncPointer->Int32"},
		{"foo2", false, "Pointer->FuncPointer->Int32"},
		{"foo3", true, "FuncPointer->Pointer->Int32"},
		{"foo4", true, "Pointer->FuncPointer->Int32"},
		{"foo5", true, "FuncPointer->Int32"},
		{"bar", true, "FuncPointer->Int32"},
	}
	for _, test := range tests {
		ev := newEvaluator(t, src, nil, WithSkipFuncPtrStar(test.skip))
		id := findNode(ev.tu, cparser.KindDeclIdentifier, test.name, 0)
		require.NotNil(t, id, test.name)
		typ, err := ev.TypeOf(id)
		require.NoError(t, err, test.name)
		assert.Equal(t, test.want, typ.String(), "%s with star skipping %v", test.name, test.skip)
	}

	ev := newEvaluator(t, src, nil)
	bar, err := ev.TypeOf(findNode(ev.tu, cparser.KindDeclIdentifier, "bar", 0))
	require.NoError(t, err)
	assert.True(t, bar.IsFunction)
	foo, err := ev.TypeOf(findNode(ev.tu, cparser.KindDeclIdentifier, "foo", 0))
	require.NoError(t, err)
	assert.False(t, foo.IsFunction)
}

func TestTypeOfErrors(t *testing.T) {
	const src = `
typedef int (*foodef)();
foodef *foo;
struct s { int a; };
struct s v;
int i;

void sample(void)
{
	foo();
	*i;
	v.nope;
	undeclared;
}
`
	ev := newEvaluator(t, src, nil)
	exprs := statements(t, ev.tu, "sample")
	require.Len(t, exprs, 4)

	tests := []struct {
		fatal bool
	}{
		{false}, // call through a pointer to a function pointer
		{false}, // dereferenced integer
		{true},  // unknown member
		{true},  // unresolved symbol
	}
	for i, test := range tests {
		_, err := ev.TypeOf(exprs[i])
		require.Error(t, err, "expression %d", i)
		assert.Equal(t, test.fatal, IsFatal(err), "expression %d: %v", i, err)
		if test.fatal {
			var ee *EvalError
			assert.ErrorAs(t, err, &ee)
		}
	}

	// errors are cached like types
	_, err1 := ev.TypeOf(exprs[0])
	_, err2 := ev.TypeOf(exprs[0])
	assert.Same(t, err1, err2)
}

func TestTypeOfInitializers(t *testing.T) {
	const src = `
struct point { int x; int *y; };
int n;
struct point pts[] = { { 1, &n }, { .y = &n } };
struct point p = { .x = 1, .y = &n };
`
	ev := newEvaluator(t, src, nil)
	tests := []struct {
		occurrence int
		want       string
	}{
		{0, "Pointer->Int32"},
		{1, "Pointer->Int32"},
		{2, "Pointer->Int32"},
	}
	for _, test := range tests {
		use := findNode(ev.tu, cparser.KindIdentifier, "n", test.occurrence)
		require.NotNil(t, use)
		addr := use.Parent
		require.Equal(t, cparser.KindPointerExpr, addr.Kind)
		typ, err := ev.expectedTypeAt(addr)
		require.NoError(t, err)
		assert.Equal(t, test.want, typ.String(), "occurrence %d", test.occurrence)
	}
}
