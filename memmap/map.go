package memmap

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/go-logr/logr"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// A Map is a graph of the kernel objects reachable from the global
// variables of a memory image. Nodes are indexed by address.
type Map struct {
	factory *symbols.Factory
	mem     vmem.Memory
	oracle  Oracle
	log     logr.Logger
	stats   *Statistics
	cov     *coverage

	interrupted atomic.Bool

	mu         sync.RWMutex
	roots      []*Node
	byAddr     *treemap.Map // uint64 -> []*Node
	maxSize    uint64       // largest node size, bounds NodesContaining
	pointersTo map[uint64][]*Node
	candSets   []*Node // one member of each candidate set
	building   bool
}

// A MapOption configures a Map.
type MapOption func(*Map)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logr.Logger) MapOption {
	return func(m *Map) { m.log = l }
}

// WithOracle sets the oracle for initial probabilities. The default is a
// HeuristicsOracle.
func WithOracle(o Oracle) MapOption {
	return func(m *Map) { m.oracle = o }
}

// NewMap returns an empty map over the variables of factory and the
// memory mem.
func NewMap(factory *symbols.Factory, mem vmem.Memory, opts ...MapOption) *Map {
	m := &Map{
		factory: factory,
		mem:     mem,
		oracle:  HeuristicsOracle{},
		log:     logr.Discard(),
		stats:   newStatistics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.reset()
	return m
}

func (m *Map) reset() {
	m.roots = nil
	m.byAddr = treemap.NewWith(utils.UInt64Comparator)
	m.maxSize = 0
	m.pointersTo = make(map[uint64][]*Node)
	m.candSets = nil
	m.cov = newCoverage(m.mem.Specs().PointerSize())
}

// Clear drops all nodes. The statistics keep counting.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
	m.stats.coveredGauge.Set(0)
}

// Memory returns the memory the map reads from.
func (m *Map) Memory() vmem.Memory { return m.mem }

// Roots returns the nodes of the global variables.
func (m *Map) Roots() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Node(nil), m.roots...)
}

// Len returns the number of nodes.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, v := range m.byAddr.Values() {
		n += len(v.([]*Node))
	}
	return n
}

// FindNodes returns the nodes starting at addr.
func (m *Map) FindNodes(addr uint64) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.byAddr.Get(addr)
	if !ok {
		return nil
	}
	return append([]*Node(nil), v.([]*Node)...)
}

// NodesContaining returns the nodes whose memory includes addr.
func (m *Map) NodesContaining(addr uint64) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []*Node
	for k, v := m.byAddr.Floor(addr); k != nil; k, v = m.byAddr.Floor(k.(uint64) - 1) {
		start := k.(uint64)
		if addr != start && addr-start >= m.maxSize {
			break
		}
		for _, n := range v.([]*Node) {
			if addr <= n.EndAddress() {
				res = append(res, n)
			}
		}
		if start == 0 {
			break
		}
	}
	return res
}

// PointersTo returns the nodes holding a pointer to addr.
func (m *Map) PointersTo(addr uint64) []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Node(nil), m.pointersTo[addr]...)
}

// Covered reports whether some node covers the pointer-sized word at
// addr.
func (m *Map) Covered(addr uint64) bool { return m.cov.covered(addr) }

// Statistics returns the collectors of the map, for registration.
func (m *Map) Statistics() *Statistics { return m.stats }

// Stats returns a copy of the counters.
func (m *Map) Stats() Snapshot {
	s := m.stats
	return Snapshot{
		Nodes:         s.nodes.Load(),
		Processed:     s.processed.Load(),
		Encounters:    s.encounters.Load(),
		CandidateSets: s.candidateSets.Load(),
		AddressErrors: s.addressErrors.Load(),
		ListEntries:   s.listEntries.Load(),
		CoveredBytes:  m.cov.bytes(),
	}
}

// Interrupt stops a running Build. Build returns ErrInterrupted.
func (m *Map) Interrupt() {
	m.interrupted.Store(true)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.building {
		m.log.V(1).Info("interrupt requested")
	}
}

// addNode creates the node for inst unless a node of the same type exists
// at the same address. An existing node is counted as encountered and
// becomes a returning edge of parent. The second result reports whether
// the node is new.
func (m *Map) addNode(parent *Node, inst symbols.Instance, addrInParent uint64, hasCandidates bool) (*Node, bool, error) {
	n, err := m.newDetachedNode(parent, inst, addrInParent, hasCandidates)
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	var list []*Node
	if v, ok := m.byAddr.Get(inst.Addr); ok {
		list = v.([]*Node)
	}
	for _, x := range list {
		if symbols.Equal(x.Type(), inst.Type) {
			m.mu.Unlock()
			x.encounter()
			m.stats.nodeEncountered()
			if parent != nil {
				parent.AddReturningEdge(addrInParent, x)
			}
			return x, false, nil
		}
	}
	m.byAddr.Put(inst.Addr, append(list, n))
	if size := n.Size(); size > m.maxSize {
		m.maxSize = size
	}
	if parent == nil {
		m.roots = append(m.roots, n)
	}
	m.mu.Unlock()

	if m.cov.acquireRange(n.Address(), n.Size()) > 0 {
		m.stats.coveredGauge.Set(float64(m.cov.bytes()))
	}
	n.attach()
	return n, true, nil
}

func (m *Map) addPointerTo(target uint64, n *Node) {
	m.mu.Lock()
	m.pointersTo[target] = append(m.pointersTo[target], n)
	m.mu.Unlock()
}

// addCandidateSet remembers n so that its candidate set is completed
// once the build has finished.
func (m *Map) addCandidateSet(n *Node) {
	m.mu.Lock()
	m.candSets = append(m.candSets, n)
	m.mu.Unlock()
	m.stats.candidateSet()
}
