package asteval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
)

const pointsToSource = `
int *b;
int **a;
int **c;
int *d;

void f(void)
{
	a = &b;
	c = a;
	*c = d;
}
`

type edge struct {
	value string // identifier the assigned expression is based on
	trans string
	round int
}

func edges(sym *cparser.Symbol) []edge {
	var res []edge
	for _, a := range sym.Assigned() {
		id, _ := sourceOf(a.Node)
		name := ""
		if id != nil {
			name = id.Text
		}
		res = append(res, edge{value: name, trans: a.Trans.Key(), round: a.Round})
	}
	return res
}

func TestPointsTo(t *testing.T) {
	ev := newEvaluator(t, pointsToSource, nil)
	st, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st.Rounds, 3)

	sym := func(name string) *cparser.Symbol {
		s := ev.tu.Scope.LookupSymbol(name)
		require.NotNil(t, s, name)
		return s
	}
	// *c = d with c = a stores d in *a
	assert.Equal(t, []edge{{"b", "", 1}, {"d", "*", 2}}, edges(sym("a")))
	assert.Contains(t, edges(sym("c")), edge{"a", "", 1})
	assert.Contains(t, edges(sym("c")), edge{"d", "*", 1})

	// *c = d stores d in b, since c points to b through a
	assert.Contains(t, edges(sym("b")), edge{"d", "&*", 2})
	assert.Empty(t, edges(sym("d")))

	targets := ev.FollowLinks(sym("c"), 0, 3)
	got := make(map[string]int)
	for _, lt := range targets {
		got[lt.Symbol.Name] = lt.Derefs
	}
	assert.Equal(t, map[string]int{"a": 0, "b": -1, "d": -1}, got)

	// a single hop only reaches a
	targets = ev.FollowLinks(sym("c"), 0, 1)
	require.NotEmpty(t, targets)
	for _, lt := range targets {
		assert.NotEqual(t, "b", lt.Symbol.Name)
	}
}

func TestPointsToReturn(t *testing.T) {
	const src = `
struct item { int v; };
struct item *items;

struct item *first(void)
{
	return items;
}

int count(void)
{
	return 3;
}
`
	ev := newEvaluator(t, src, nil)
	_, err := ev.Evaluate(context.Background())
	require.NoError(t, err)

	first := ev.tu.Scope.LookupSymbol("first")
	require.NotNil(t, first)
	assert.Equal(t, []edge{{"items", "()", 1}}, edges(first))

	count := ev.tu.Scope.LookupSymbol("count")
	require.NotNil(t, count)
	assert.Empty(t, count.Assigned(), "int return values cannot hold a pointer")
}

func TestPointsToFixedPoint(t *testing.T) {
	ev := newEvaluator(t, pointsToSource, nil)
	require.NoError(t, ev.FindSymbols())
	var news []int
	for i := 0; i < 10; i++ {
		n, err := ev.PointsTo()
		require.NoError(t, err)
		news = append(news, n)
		if n == 0 {
			break
		}
		ev.ReverseIndex()
	}
	require.NotEmpty(t, news)
	assert.Equal(t, 0, news[len(news)-1], "rounds %v reach a fixed point", news)
	assert.Equal(t, 3, news[0])
	assert.Equal(t, len(news), ev.Round())
}

func TestEvaluateInterrupted(t *testing.T) {
	ev := newEvaluator(t, pointsToSource, nil)
	ev.Interrupt()
	_, err := ev.Evaluate(context.Background())
	assert.ErrorIs(t, err, ErrInterrupted)

	ev = newEvaluator(t, pointsToSource, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ev.Evaluate(ctx)
	assert.ErrorIs(t, err, ErrInterrupted)
}
