package memmap

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

func onlyNode(t *testing.T, m *Map, addr uint64) *Node {
	t.Helper()
	nodes := m.FindNodes(addr)
	require.Len(t, nodes, 1, "nodes at 0x%x", addr)
	return nodes[0]
}

func TestBuildTaskList(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	m := NewMap(f, kernelImage(initTask, 0, t1, t2), WithLogger(testLog))

	s, err := m.Build(context.Background(), BuildOptions{Workers: 2})
	require.NoError(t, err)
	t.Logf("stats: %s", s)

	// init_task, modules, filp and the two tasks; the task list closes
	// at init_task, and all parents point to it
	assert.Equal(t, int64(5), s.Nodes)
	assert.Equal(t, int64(5), s.Processed)
	assert.Equal(t, int64(3), s.Encounters)
	assert.Zero(t, s.AddressErrors)
	assert.Zero(t, s.CandidateSets)
	assert.Len(t, m.Roots(), 3)

	root := onlyNode(t, m, initTaskAddr)
	n1 := onlyNode(t, m, task1Addr)
	n2 := onlyNode(t, m, task2Addr)
	assert.Nil(t, root.Parent())
	assert.Same(t, root, n1.Parent())
	assert.Same(t, n1, n2.Parent())
	assert.Equal(t, uint64(initTaskAddr+8), n1.AddrInParent())
	assert.Equal(t, 4, root.Encountered())
	assert.Equal(t, []*Node{root}, n2.ReturningEdges(task2Addr+8))
	assert.Equal(t, []*Node{root}, m.PointersTo(task1Addr+8))

	for _, n := range []*Node{root, n1, n2, onlyNode(t, m, modulesAddr)} {
		assert.InDelta(t, 1.0, n.Probability(), 1e-9, n.String())
	}
	assert.ElementsMatch(t, []*Node{n2}, m.NodesContaining(task2Addr+20))
	assert.True(t, m.Covered(task1Addr+16))
}

func TestBuildCandidates(t *testing.T) {
	f := testFactory(t)
	_, err := f.TypeAlternateUsage(symbols.AltUsage{
		Symbol:     "filp",
		SymbolKind: symbols.SymbolParam,
		CtxType:    symbols.TypeChain{{Kind: symbols.KindStruct, Name: "file"}},
		CtxMembers: []string{"private_data"},
		TargetType: symbols.TypeChain{{Kind: symbols.KindPointer}, {Kind: symbols.KindStruct, Name: "task_struct"}},
	})
	require.NoError(t, err)

	initTask := task{addr: initTaskAddr, parent: initTaskAddr}
	t1 := task{addr: task1Addr, pid: 1, parent: initTaskAddr}
	m := NewMap(f, kernelImage(initTask, task1Addr, t1), WithLogger(testLog))

	s, err := m.Build(context.Background(), BuildOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.CandidateSets)

	filp := onlyNode(t, m, filpAddr)
	n := onlyNode(t, m, task1Addr)
	assert.Same(t, filp, n.Parent())
	assert.Equal(t, uint64(filpAddr+8), n.AddrInParent())
	assert.True(t, n.HasCandidates())
	assert.True(t, n.CandidatesComplete())
	assert.Same(t, mustType(t, f, 10), n.Type())
	assert.InDelta(t, 1.0, filp.Probability(), 1e-9)
}

func TestBuildMinProbability(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	m := NewMap(f, kernelImage(initTask, 0, t1, t2), WithLogger(testLog),
		WithOracle(OracleFunc(func(symbols.Instance) float64 { return 0.1 })))

	s, err := m.Build(context.Background(), BuildOptions{MinProbability: 0.5})
	require.NoError(t, err)
	assert.Zero(t, s.Processed)
	assert.Equal(t, int64(3), s.Nodes)
}

func TestBuildInterrupted(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := NewMap(f, kernelImage(initTask, 0, t1, t2), WithLogger(testLog))
	_, err := m.Build(ctx, BuildOptions{})
	assert.True(t, errors.Is(err, ErrInterrupted), "Build()=%v want ErrInterrupted", err)

	var self *Map
	self = NewMap(f, kernelImage(initTask, 0, t1, t2), WithLogger(testLog),
		WithOracle(OracleFunc(func(symbols.Instance) float64 {
			self.Interrupt()
			return 1
		})))
	s, err := self.Build(context.Background(), BuildOptions{})
	assert.True(t, errors.Is(err, ErrInterrupted), "Build()=%v want ErrInterrupted", err)
	assert.Zero(t, s.Processed)
	assert.Equal(t, 3, self.Len(), "nodes found so far stay")
}

func TestProcessList(t *testing.T) {
	f := testFactory(t)
	// modules heads a list of two tasks linked through their tasks member
	t1 := task{addr: task1Addr, pid: 1, next: task2Addr + 8, prev: modulesAddr}
	t2 := task{addr: task2Addr, pid: 2, next: modulesAddr, prev: task1Addr + 8}
	img := vmem.NewImage(vmem.DefaultMemSpecs(vmem.ArchX86_64))
	mods := make([]byte, 16)
	put64(mods, 0, task1Addr+8)
	put64(mods, 8, task2Addr+8)
	img.Map(modulesAddr, mods, "modules")
	img.Map(task1Addr, t1.bytes(), "task1")
	img.Map(task2Addr, t2.bytes(), "task2")
	m := NewMap(f, img, WithLogger(testLog))

	v, ok := f.FindVarByName("modules")
	require.True(t, ok)
	head := v.ToInstance(img, symbols.ResolveLexical)
	headNode, err := NewNode(m, nil, head, 0)
	require.NoError(t, err)

	b := newBuilder(m, BuildOptions{}.withDefaults())
	first := symbols.NewInstance(task1Addr, mustType(t, f, 10), img, "tasks", nil)
	b.processList(headNode, head, first)

	n1 := onlyNode(t, m, task1Addr)
	n2 := onlyNode(t, m, task2Addr)
	assert.Same(t, headNode, n1.Parent())
	assert.Same(t, n1, n2.Parent())
	assert.Equal(t, uint64(task1Addr+8), n2.AddrInParent())
	assert.Equal(t, int64(2), m.Stats().ListEntries)
	assert.Equal(t, 2, b.queue.Size())

	// walking the same list again adds nothing
	b.processList(headNode, head, first)
	assert.Equal(t, 3, m.Len())
}

func TestStatisticsRegister(t *testing.T) {
	f := testFactory(t)
	initTask, t1, t2 := taskList()
	m := NewMap(f, kernelImage(initTask, 0, t1, t2), WithLogger(testLog))
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, m.Statistics().Register(reg))

	_, err := m.Build(context.Background(), BuildOptions{Workers: 1})
	require.NoError(t, err)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.stats.nodesTotal))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stats.encounterTotal))
	assert.Equal(t, float64(3*taskSize+2*16), testutil.ToFloat64(m.stats.coveredGauge))
	assert.Error(t, m.Statistics().Register(reg), "registering twice")
}
