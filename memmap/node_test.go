package memmap

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// byName rates instances by name.
func byName(probs map[string]float64) Oracle {
	return OracleFunc(func(inst symbols.Instance) float64 {
		if p, ok := probs[inst.Name]; ok {
			return p
		}
		return 1
	})
}

func newTestMap(t *testing.T, o Oracle) (*Map, symbols.Type) {
	t.Helper()
	f := testFactory(t)
	img := vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	return NewMap(f, img, WithLogger(testLog), WithOracle(o)), mustType(t, f, 10)
}

func TestProbabilityChain(t *testing.T) {
	m, taskType := newTestMap(t, byName(map[string]float64{"root": 1, "child": 0.5, "grandchild": 0.8}))

	root, err := NewNode(m, nil, symbols.NewInstance(task1Addr, taskType, m.Memory(), "root", nil), 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, root.Probability(), 1e-9)

	child, err := root.AddChild(symbols.NewInstance(task2Addr, taskType, m.Memory(), "child", nil), task1Addr+56, false)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, root.Probability(), 1e-9)
	assert.InDelta(t, 0.25, child.Probability(), 1e-9)

	grandchild, err := child.AddChild(symbols.NewInstance(task2Addr+taskSize, taskType, m.Memory(), "grandchild", nil), task2Addr+56, false)
	require.NoError(t, err)

	// One pass up to the root and back down to the leaf. The result is not
	// a fixed point of p = initial * parent * mean(children): with initial
	// probabilities below one, only all zeros satisfy that everywhere.
	assert.InDelta(t, 0.05, root.Probability(), 1e-9)
	assert.InDelta(t, 0.005, child.Probability(), 1e-9)
	assert.InDelta(t, 0.004, grandchild.Probability(), 1e-9)
	assert.InDelta(t, grandchild.InitialProbability()*child.Probability(), grandchild.Probability(), 1e-12)

	assert.Equal(t, []*Node{child}, root.Children())
	assert.Same(t, child, grandchild.Parent())
	assert.Equal(t, "root.child.grandchild", grandchild.FullName())
	assert.Equal(t, 3, m.Len())
	assert.Equal(t, []*Node{root}, m.Roots())
}

func TestCandidateGating(t *testing.T) {
	m, taskType := newTestMap(t, byName(map[string]float64{"a": 0.5, "b": 0.8}))
	root, err := NewNode(m, nil, symbols.NewInstance(initTaskAddr, taskType, m.Memory(), "root", nil), 0)
	require.NoError(t, err)

	const member = initTaskAddr + 56
	a, err := root.AddChild(symbols.NewInstance(task1Addr, taskType, m.Memory(), "a", nil), member, true)
	require.NoError(t, err)
	b, err := root.AddChild(symbols.NewInstance(task2Addr, taskType, m.Memory(), "b", nil), member, true)
	require.NoError(t, err)

	assert.Equal(t, []*Node{b}, a.Candidates())
	assert.Equal(t, []*Node{a}, b.Candidates())
	assert.False(t, a.CandidatesComplete())
	assert.Equal(t, 1.0, a.CandidateProbability())
	assert.Equal(t, 1.0, b.CandidateProbability())
	assert.InDelta(t, 1.0, root.Probability(), 1e-9, "incomplete candidates must not lower the parent")
	assert.InDelta(t, 0.5, a.Probability(), 1e-9)
	assert.InDelta(t, 0.8, b.Probability(), 1e-9)

	a.CompleteCandidates()
	assert.True(t, a.CandidatesComplete())
	assert.True(t, b.CandidatesComplete())
	assert.InDelta(t, 0.8, a.CandidateProbability(), 1e-9)
	assert.InDelta(t, 0.8, b.CandidateProbability(), 1e-9)

	root.UpdateProbability(nil)
	assert.InDelta(t, 0.8, root.Probability(), 1e-9)
	assert.InDelta(t, 0.4, a.Probability(), 1e-9)
	assert.InDelta(t, 0.64, b.Probability(), 1e-9)
}

func TestDuplicateNodes(t *testing.T) {
	m, taskType := newTestMap(t, byName(nil))
	root, err := NewNode(m, nil, symbols.NewInstance(initTaskAddr, taskType, m.Memory(), "init_task", nil), 0)
	require.NoError(t, err)
	c1, err := root.AddChild(symbols.NewInstance(task1Addr, taskType, m.Memory(), "parent", nil), initTaskAddr+56, false)
	require.NoError(t, err)

	// the same object reached through another member
	c2, err := root.AddChild(symbols.NewInstance(task1Addr, taskType, m.Memory(), "other", nil), initTaskAddr+8, false)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 2, c1.Encountered())
	assert.Equal(t, []*Node{c1}, root.ReturningEdges(initTaskAddr+8))
	assert.True(t, root.MemberProcessed(initTaskAddr+8, task1Addr))
	assert.True(t, root.MemberProcessed(initTaskAddr+56, task1Addr))
	assert.False(t, root.MemberProcessed(initTaskAddr+24, task1Addr))

	s := m.Stats()
	assert.Equal(t, int64(2), s.Nodes)
	assert.Equal(t, int64(1), s.Encounters)
	assert.Equal(t, uint64(2*taskSize), s.CoveredBytes)

	// a different type at the same address is a different object
	intType := mustType(t, m.factory, 2)
	c3, err := root.AddChild(symbols.NewInstance(task1Addr, intType, m.Memory(), "pid", nil), initTaskAddr+16, false)
	require.NoError(t, err)
	assert.NotSame(t, c1, c3)
	assert.Len(t, m.FindNodes(task1Addr), 2)
}

func TestNodeAddressError(t *testing.T) {
	f := testFactory(t)
	img := vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchI386))
	m := NewMap(f, img, WithLogger(testLog))
	_, err := NewNode(m, nil, symbols.NewInstance(0x100000000, mustType(t, f, 2), img, "high", nil), 0)
	var ae *AddressError
	require.True(t, errors.As(err, &ae), "NewNode()=%v want *AddressError", err)
	assert.Equal(t, uint64(0xffffffff), ae.End)
	assert.Equal(t, int64(1), m.Stats().AddressErrors)
	assert.Zero(t, m.Len())
}

func TestNodeNames(t *testing.T) {
	m, taskType := newTestMap(t, byName(nil))
	root, err := NewNode(m, nil, symbols.NewInstance(initTaskAddr, taskType, m.Memory(), "init_task", nil), 0)
	require.NoError(t, err)
	elem, err := root.AddChild(symbols.NewInstance(task1Addr, taskType, m.Memory(), "[1]", nil), initTaskAddr+8, false)
	require.NoError(t, err)
	member, err := elem.AddChild(symbols.NewInstance(task2Addr, taskType, m.Memory(), "parent", nil), task1Addr+56, false)
	require.NoError(t, err)

	assert.Equal(t, "init_task[1]", elem.FullName())
	assert.Equal(t, "init_task[1].parent", member.FullName())
	assert.Equal(t, uint64(task2Addr+taskSize-1), member.EndAddress())
	assert.Equal(t, uint64(initTaskAddr+8), elem.AddrInParent())
}

func TestNodesContaining(t *testing.T) {
	m, taskType := newTestMap(t, byName(nil))
	intType := mustType(t, m.factory, 2)
	t1, err := NewNode(m, nil, symbols.NewInstance(task1Addr, taskType, m.Memory(), "t1", nil), 0)
	require.NoError(t, err)
	t2, err := NewNode(m, nil, symbols.NewInstance(task2Addr, taskType, m.Memory(), "t2", nil), 0)
	require.NoError(t, err)
	pid, err := t2.AddChild(symbols.NewInstance(task2Addr, intType, m.Memory(), "pid", nil), task2Addr, false)
	require.NoError(t, err)

	tests := []struct {
		addr uint64
		want []*Node
	}{
		{task1Addr - 1, nil},
		{task1Addr, []*Node{t1}},
		{task1Addr + 20, []*Node{t1}},
		{task2Addr, []*Node{t2, pid}},
		{task2Addr + 4, []*Node{t2}},
		{task2Addr + taskSize, nil},
	}
	for _, test := range tests {
		assert.ElementsMatch(t, test.want, m.NodesContaining(test.addr), "NodesContaining(0x%x)", test.addr)
	}
	assert.True(t, m.Covered(task1Addr+16))
	assert.False(t, m.Covered(task2Addr+taskSize))

	m.Clear()
	assert.Zero(t, m.Len())
	assert.Empty(t, m.Roots())
	assert.False(t, m.Covered(task1Addr))
}
