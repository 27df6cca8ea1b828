package memmap

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// Probabilities closer than this are equal. Propagation stops at nodes
// whose probability does not change.
const probEpsilon = 1e-12

func probEqual(a, b float64) bool { return math.Abs(a-b) <= probEpsilon }

// A Node is one object of the memory map.
//
// The instance, the parent and the initial probability never change after
// construction. The probability and the candidate bookkeeping are guarded
// by the node's own mutex; the children list is guarded by a second mutex
// that also serializes the registration of new children, so that a new
// child and its candidates at the same address always see each other.
type Node struct {
	m            *Map
	parent       *Node
	inst         symbols.Instance
	addrInParent uint64
	hasCands     bool
	initProb     float64

	mu          sync.Mutex
	prob        float64
	candsDone   bool
	candidates  []*Node
	encountered int
	returning   map[uint64][]*Node

	childMu  sync.Mutex
	children []*Node
}

// NewNode adds the node for inst to m as a child of parent, or as a root
// if parent is nil, and propagates its probability. addrInParent is the
// address of the member of parent that leads to inst. If m already holds
// a node of the same type at the same address, that node is returned.
func NewNode(m *Map, parent *Node, inst symbols.Instance, addrInParent uint64) (*Node, error) {
	n, _, err := m.addNode(parent, inst, addrInParent, false)
	return n, err
}

// newDetachedNode checks the address and computes the initial
// probability. The node is not yet known to its parent.
func (m *Map) newDetachedNode(parent *Node, inst symbols.Instance, addrInParent uint64, hasCandidates bool) (*Node, error) {
	if end := m.mem.Specs().VaddrSpaceEnd(); inst.Addr > end {
		m.stats.addressError()
		return nil, &AddressError{Name: inst.FullName(), Addr: inst.Addr, End: end}
	}
	initial := m.oracle.InitialProbability(inst)
	switch {
	case initial < 0 || math.IsNaN(initial):
		initial = 0
	case initial > 1:
		initial = 1
	}
	return &Node{
		m:            m,
		parent:       parent,
		inst:         inst,
		addrInParent: addrInParent,
		hasCands:     hasCandidates,
		initProb:     initial,
		prob:         1,
		encountered:  1,
	}, nil
}

// attach registers n with its parent, cross-links it with the siblings
// at the same address and runs the first probability update.
func (n *Node) attach() {
	n.m.stats.nodeCreated(n.initProb)
	if p := n.parent; p != nil {
		p.childMu.Lock()
		if n.addrInParent != 0 {
			for _, c := range p.children {
				if c.addrInParent == n.addrInParent {
					c.addCandidate(n)
					n.addCandidate(c)
				}
			}
		}
		p.children = append(p.children, n)
		p.childMu.Unlock()
	}
	n.UpdateProbability(nil)
}

func (n *Node) addCandidate(c *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, x := range n.candidates {
		if x == c {
			return
		}
	}
	n.candidates = append(n.candidates, c)
}

// AddChild creates a child node for inst, like NewNode. hasCandidates
// marks a node that is one of several interpretations of the same member;
// such nodes wait for CompleteCandidates before they influence their
// parent.
func (n *Node) AddChild(inst symbols.Instance, addrInParent uint64, hasCandidates bool) (*Node, error) {
	c, _, err := n.m.addNode(n, inst, addrInParent, hasCandidates)
	return c, err
}

func (n *Node) Parent() *Node               { return n.parent }
func (n *Node) Address() uint64             { return n.inst.Addr }
func (n *Node) Size() uint64                { return n.inst.Size() }
func (n *Node) Type() symbols.Type          { return n.inst.Type }
func (n *Node) Name() string                { return n.inst.Name }
func (n *Node) AddrInParent() uint64        { return n.addrInParent }
func (n *Node) InitialProbability() float64 { return n.initProb }

// EndAddress returns the last address covered by the node.
func (n *Node) EndAddress() uint64 {
	size := n.Size()
	if size == 0 {
		return n.inst.Addr
	}
	end := n.m.mem.Specs().VaddrSpaceEnd()
	if end-size+1 <= n.inst.Addr {
		return end
	}
	return n.inst.Addr + size - 1
}

// FullName joins the names from the root down to n.
func (n *Node) FullName() string {
	var parts []string
	for x := n; x != nil; x = x.parent {
		if x.inst.Name != "" {
			parts = append(parts, x.inst.Name)
		}
	}
	for i, k := 0, len(parts)-1; i < k; i, k = i+1, k-1 {
		parts[i], parts[k] = parts[k], parts[i]
	}
	return strings.ReplaceAll(strings.Join(parts, "."), ".[", "[")
}

// ToInstance returns the instance the node was built from.
func (n *Node) ToInstance() symbols.Instance { return n.inst }

// Probability returns the current probability.
func (n *Node) Probability() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.prob
}

// Children returns a copy of the children list.
func (n *Node) Children() []*Node {
	n.childMu.Lock()
	defer n.childMu.Unlock()
	return append([]*Node(nil), n.children...)
}

// Candidates returns the other nodes at the same address in the parent.
func (n *Node) Candidates() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.candidates...)
}

// HasCandidates reports whether n was created as one of several
// interpretations of a member.
func (n *Node) HasCandidates() bool { return n.hasCands }

// CandidatesComplete reports whether all candidates of n are known.
func (n *Node) CandidatesComplete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.candsDone
}

func (n *Node) setCandidatesComplete() {
	n.mu.Lock()
	n.candsDone = true
	n.mu.Unlock()
}

// CompleteCandidates marks n and all its candidates complete. It must
// only be called once no more candidates can appear at n's address.
func (n *Node) CompleteCandidates() {
	for _, c := range n.Candidates() {
		c.setCandidatesComplete()
	}
	n.setCandidatesComplete()
}

// CandidateProbability is the probability n contributes to its parent: 1
// while its candidate set is incomplete, else the highest probability of
// n and its candidates.
func (n *Node) CandidateProbability() float64 {
	n.mu.Lock()
	if n.hasCands && !n.candsDone {
		n.mu.Unlock()
		return 1
	}
	p := n.prob
	cands := append([]*Node(nil), n.candidates...)
	n.mu.Unlock()
	for _, c := range cands {
		if cp := c.Probability(); cp > p {
			p = cp
		}
	}
	return p
}

// UpdateProbability recomputes the probability of n from its parent and
// children. A change travels up to the parent, unless the parent
// initiated the update, and otherwise down to the children. Nodes with an
// incomplete candidate set keep their changes to themselves.
func (n *Node) UpdateProbability(initiator *Node) {
	parentProb := 1.0
	if n.parent != nil {
		parentProb = n.parent.Probability()
	}
	children := n.Children()
	childrenProb := 1.0
	if len(children) > 0 {
		sum := 0.0
		for _, c := range children {
			sum += c.CandidateProbability()
		}
		childrenProb = sum / float64(len(children))
	}
	prob := n.initProb * parentProb * childrenProb

	n.mu.Lock()
	if probEqual(prob, n.prob) {
		n.mu.Unlock()
		return
	}
	n.prob = prob
	gated := n.hasCands && !n.candsDone
	n.mu.Unlock()

	if gated {
		return
	}
	if n.parent != nil && initiator != n.parent && !probEqual(prob, parentProb) {
		n.parent.UpdateProbability(n)
		return
	}
	for _, c := range children {
		c.UpdateProbability(n)
	}
}

// Encountered returns how often the object was reached.
func (n *Node) Encountered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.encountered
}

func (n *Node) encounter() {
	n.mu.Lock()
	n.encountered++
	n.mu.Unlock()
}

// AddReturningEdge records that the member at memberAddr points to the
// existing node target, which has another parent.
func (n *Node) AddReturningEdge(memberAddr uint64, target *Node) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.returning == nil {
		n.returning = make(map[uint64][]*Node)
	}
	n.returning[memberAddr] = append(n.returning[memberAddr], target)
}

// ReturningEdges returns the targets recorded for memberAddr.
func (n *Node) ReturningEdges(memberAddr uint64) []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.returning[memberAddr]...)
}

// MemberProcessed reports whether the member at memberAddr already leads
// to a node at addr, as a child or as a returning edge.
func (n *Node) MemberProcessed(memberAddr, addr uint64) bool {
	for _, c := range n.Children() {
		if c.addrInParent == memberAddr && c.Address() == addr {
			return true
		}
	}
	for _, t := range n.ReturningEdges(memberAddr) {
		if t.Address() == addr {
			return true
		}
	}
	return false
}

func (n *Node) String() string {
	return fmt.Sprintf("%s (%v) @ 0x%x p=%.4f", n.FullName(), n.inst.Type, n.inst.Addr, n.Probability())
}
