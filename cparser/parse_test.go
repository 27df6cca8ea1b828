package cparser

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSource = `
struct list_head { struct list_head *next, *prev; };
struct module { int foo; struct list_head list; };
typedef struct module module_t;
enum state { RUNNING, STOPPED = 4 };
extern struct list_head modules;
int counter;
int lookup(const char *name);

int main(struct module *m, int argc)
{
	struct list_head *h = &m->list;
	module_t *copy;
	for (int i = 0; i < argc; i++)
		counter += i;
	{
		int m = 3;
		counter = m;
	}
	h = modules.next;
	copy = m;
	return RUNNING;
}
`

func mustParse(t *testing.T, src string) *TranslationUnit {
	t.Helper()
	tu, err := Parse(context.Background(), "test.c", []byte(src))
	require.NoError(t, err)
	return tu
}

// findIdent returns the n-th identifier node (0-based) with the given text
// and kind.
func findIdent(tu *TranslationUnit, kind Kind, text string, n int) *Node {
	var found *Node
	tu.Root.Walk(func(x *Node) bool {
		if found != nil {
			return false
		}
		if x.Kind == kind && x.Text == text {
			if n == 0 {
				found = x
				return false
			}
			n--
		}
		return true
	})
	return found
}

func TestParseFileScope(t *testing.T) {
	tu := mustParse(t, testSource)
	file := tu.Scope

	tests := []struct {
		name string
		kind SymbolKind
	}{
		{"modules", SymbolVariableDecl},
		{"counter", SymbolVariableDef},
		{"lookup", SymbolFunctionDecl},
		{"main", SymbolFunctionDef},
		{"RUNNING", SymbolEnumValue},
		{"STOPPED", SymbolEnumValue},
	}
	for _, test := range tests {
		sym := file.LookupSymbol(test.name)
		if assert.NotNil(t, sym, test.name) {
			assert.Equal(t, test.kind, sym.Kind, test.name)
			assert.True(t, sym.IsGlobal(), test.name)
		}
	}
	assert.Nil(t, file.LookupSymbol("name"), "prototype parameters stay out of file scope")
	assert.NotNil(t, file.LookupTypedef("module_t"))
	for _, tag := range []string{"list_head", "module", "state"} {
		sym := file.LookupCompound(tag)
		if assert.NotNil(t, sym, tag) {
			assert.NotNil(t, sym.Node.Child("body"), "%s resolves to its definition", tag)
		}
	}
}

func TestParseLocalScopes(t *testing.T) {
	tu := mustParse(t, testSource)

	param := findIdent(tu, KindDeclIdentifier, "m", 0)
	require.NotNil(t, param)
	psym := SymbolOf(param)
	require.NotNil(t, psym)
	assert.Equal(t, SymbolFunctionParam, psym.Kind)
	assert.True(t, psym.IsLocal())

	// "copy = m" refers to the parameter, "counter = m" to the block local
	use := findIdent(tu, KindIdentifier, "m", 2)
	require.NotNil(t, use)
	assert.Same(t, psym, SymbolOf(use))

	shadow := findIdent(tu, KindIdentifier, "m", 1)
	require.NotNil(t, shadow)
	ssym := SymbolOf(shadow)
	require.NotNil(t, ssym)
	assert.Equal(t, SymbolVariableDef, ssym.Kind)
	assert.Equal(t, ScopeBlock, ssym.Scope.Kind)

	i := findIdent(tu, KindDeclIdentifier, "i", 0)
	require.NotNil(t, i)
	assert.Equal(t, ScopeBlock, SymbolOf(i).Scope.Kind)

	// the body shares the scope of the parameters
	h := SymbolOf(findIdent(tu, KindDeclIdentifier, "h", 0))
	require.NotNil(t, h)
	assert.Same(t, psym.Scope, h.Scope)
	assert.Equal(t, ScopeFunction, h.Scope.Kind)

	member := findIdent(tu, KindFieldIdentifier, "next", 0)
	require.NotNil(t, member)
	assert.Equal(t, ScopeStruct, member.Scope.Kind)
}

func TestParseExpressions(t *testing.T) {
	tu := mustParse(t, `
void f(int *p, int **pp) {
	int x;
	x = *p++;
	--x;
	*pp = &x;
	x = (int)sizeof(x) + ({ int y = 2; y; });
}`)
	var ops []string
	var prefix []bool
	tu.Root.Walk(func(n *Node) bool {
		switch n.Kind {
		case KindAssignment, KindPointerExpr, KindBinary:
			ops = append(ops, n.Kind.String()+n.Op)
		case KindUpdate:
			ops = append(ops, n.Kind.String()+n.Op)
			prefix = append(prefix, n.Prefix)
		}
		return true
	})
	assert.Equal(t, []string{
		"assignment_expression=", "pointer_expression*", "update_expression++",
		"update_expression--",
		"assignment_expression=", "pointer_expression*", "pointer_expression&",
		"assignment_expression=", "binary_expression+",
	}, ops)
	assert.Equal(t, []bool{false, true}, prefix)

	var stmtExpr *Node
	tu.Root.Walk(func(n *Node) bool {
		if n.Kind == KindStatementExpr {
			stmtExpr = n
		}
		return true
	})
	require.NotNil(t, stmtExpr)
	y := findIdent(tu, KindIdentifier, "y", 0)
	require.NotNil(t, y)
	assert.True(t, stmtExpr.IsAncestorOf(y))
	assert.Equal(t, SymbolVariableDef, SymbolOf(y).Kind)
}

func TestParseDeclarators(t *testing.T) {
	tu := mustParse(t, `
int (*fp)(void);
int (**fpp)(int);
int *arr[4];
int size = 4;
char buf[size];
`)
	fp := SymbolOf(findIdent(tu, KindDeclIdentifier, "fp", 0))
	require.NotNil(t, fp)
	assert.Equal(t, SymbolVariableDef, fp.Kind, "pointer to function is a variable")
	assert.False(t, IsFunctionDeclarator(fp.Node))

	fpp := findIdent(tu, KindDeclIdentifier, "fpp", 0)
	require.NotNil(t, fpp)
	assert.Equal(t, KindPointerDeclarator, fpp.Parent.Kind)

	// array sizes are expressions
	assert.NotNil(t, findIdent(tu, KindIdentifier, "size", 0))
	assert.Equal(t, fpp, DeclaratorName(fpp.Parent.Parent))
}

func TestParseSyntaxError(t *testing.T) {
	_, err := Parse(context.Background(), "bad.c", []byte("int main( { return 0 }\n"))
	require.Error(t, err)
	var se *SyntaxError
	require.True(t, errors.As(err, &se), "Parse()=%v want *SyntaxError", err)
	assert.Equal(t, "bad.c", se.Pos.File)
	assert.Equal(t, 1, se.Pos.Line)
}

func TestParseFileCompressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unit.c.zst")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write([]byte(testSource))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	tu, err := ParseFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "unit.c"), tu.File)
	assert.NotNil(t, tu.Scope.LookupSymbol("main"))
}

func TestTransformations(t *testing.T) {
	member := func(name string) Transform { return Transform{Kind: TransMember, Member: name} }
	deref := Transform{Kind: TransDeref}
	addr := Transform{Kind: TransAddress}

	local := Transformations{deref, member("list"), member("next")}
	assert.True(t, Transformations{deref, member("list")}.IsPrefixOf(local))
	assert.False(t, Transformations{member("list")}.IsPrefixOf(local))
	assert.Equal(t, 2, local.MemberCount())
	assert.Equal(t, []string{"list", "next"}, local.Members())
	assert.Equal(t, "(*m).list.next", local.Format("m"))
	assert.Equal(t, 0, local.DerefCount())
	assert.Equal(t, -1, Transformations{deref, addr, addr}.DerefCount())
	assert.Equal(t, 2, Transformations{{Kind: TransArray}, deref}.DerefCount())

	combined := Combine(Transformations{addr}, local, Transformations{deref})
	assert.Equal(t, "&.list.next", combined.Key())
	assert.True(t, combined.Equal(Transformations{addr, member("list"), member("next")}))
}

const containerSource = `
struct list_head { struct list_head *next, *prev; };
struct task { int pid; struct list_head tasks; };

struct task *next_task(struct list_head *h)
{
	return ({ const struct list_head *__mptr = (h->next);
		(struct task *)((char *)__mptr - 8); });
}

int max_pid(struct task *a, struct task *b)
{
	return ({ int _a = a->pid; int _b = ({ int _x = b->pid; _x; }); _a > _b ? _a : _b; });
}
`

func TestParseStatementExpressions(t *testing.T) {
	tu := mustParse(t, containerSource)

	var exprs []*Node
	tu.Root.Walk(func(n *Node) bool {
		switch n.Kind {
		case KindStatementExpr:
			exprs = append(exprs, n)
		case KindIdentifier, KindDeclIdentifier:
			assert.NotContains(t, n.Text, stmtExprName)
		}
		return true
	})
	require.Len(t, exprs, 3)
	assert.Equal(t, KindReturnStatement, exprs[0].Parent.Kind)
	assert.Equal(t, Position{File: "test.c", Line: 7, Column: 9}, exprs[0].Pos)
	assert.Equal(t, KindCompoundStatement, exprs[0].First().Kind)
	assert.Equal(t, KindCast, exprs[0].First().Last().First().Kind)
	assert.True(t, exprs[1].IsAncestorOf(exprs[2]), "nested statement expression")

	decl := findIdent(tu, KindDeclIdentifier, "__mptr", 0)
	require.NotNil(t, decl)
	assert.Equal(t, Position{File: "test.c", Line: 7, Column: 36}, decl.Pos)
	use := findIdent(tu, KindIdentifier, "__mptr", 0)
	require.NotNil(t, use)
	assert.Equal(t, 8, use.Pos.Line)
	assert.Same(t, decl, SymbolOf(use).Node)

	h := findIdent(tu, KindIdentifier, "h", 0)
	require.NotNil(t, h)
	assert.True(t, exprs[0].IsAncestorOf(h))
	assert.Equal(t, SymbolFunctionParam, SymbolOf(h).Kind)

	x := findIdent(tu, KindIdentifier, "_x", 0)
	require.NotNil(t, x)
	assert.True(t, exprs[2].IsAncestorOf(x))
	assert.Equal(t, SymbolVariableDef, SymbolOf(x).Kind)
	assert.Nil(t, exprs[0].First().Scope.LookupSymbol("_x"), "_x is local to the inner block")
}

func TestParseStatementExpressionError(t *testing.T) {
	_, err := Parse(context.Background(), "bad.c", []byte("int f(void)\n{\n\treturn ({ int = ; });\n}\n"))
	var se *SyntaxError
	require.True(t, errors.As(err, &se), "Parse()=%v want *SyntaxError", err)
	assert.Equal(t, 3, se.Pos.Line)
}

func TestCutStatementExprs(t *testing.T) {
	tests := []struct {
		src   string
		count int
	}{
		{"x = 1;", 0},
		{`s = "({ not code })";`, 0},
		{"c = '(';  /* ({ }) */ // ({ })", 0},
		{"f((a), {1});", 0},
		{"x = ({ 1; });", 1},
		{"x = ( {\n\ty;\n} ) + ({ ({ 2; }); });", 2},
	}
	for _, test := range tests {
		seq := 0
		cut, exprs := cutStatementExprs([]byte(test.src), &seq)
		require.Len(t, exprs, test.count, test.src)
		assert.Equal(t, test.count, seq, test.src)
		assert.Equal(t, strings.Count(test.src, "\n"), strings.Count(string(cut), "\n"), test.src)
		for _, se := range exprs {
			assert.Equal(t, byte('{'), test.src[se.body], test.src)
			assert.Equal(t, byte('}'), test.src[se.bodyEnd-1], test.src)
			assert.Contains(t, string(cut), se.name+"()", test.src)
		}
	}
}
