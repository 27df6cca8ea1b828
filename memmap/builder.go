package memmap

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// BuildOptions control Build.
type BuildOptions struct {
	// Workers is the number of goroutines processing nodes. Zero means
	// runtime.NumCPU().
	Workers int
	// The build stops when the most probable unprocessed node falls
	// below MinProbability.
	MinProbability float64
	// MaxListEntries limits the entries followed in a single list. Zero
	// means 1<<16.
	MaxListEntries int
	// MaxArrayElems limits the elements visited in a single array. Zero
	// means 1<<12.
	MaxArrayElems int
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Workers <= 0 {
		o.Workers = runtime.NumCPU()
	}
	if o.MaxListEntries <= 0 {
		o.MaxListEntries = 1 << 16
	}
	if o.MaxArrayElems <= 0 {
		o.MaxArrayElems = 1 << 12
	}
	return o
}

type queueItem struct {
	node *Node
	prob float64
}

// builder is the state shared by the workers of one Build. Nodes wait in
// a queue ordered by probability; the build is over when the queue is
// empty and no worker is busy, since only busy workers add nodes.
type builder struct {
	m    *Map
	opts BuildOptions

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *priorityqueue.Queue
	busy    int
	stopped bool
}

func newBuilder(m *Map, opts BuildOptions) *builder {
	b := &builder{m: m, opts: opts}
	b.cond = sync.NewCond(&b.mu)
	b.queue = priorityqueue.NewWith(func(a, c interface{}) int {
		pa, pc := a.(queueItem).prob, c.(queueItem).prob
		switch {
		case pa > pc:
			return -1
		case pa < pc:
			return 1
		}
		return 0
	})
	return b
}

// Build creates a node for every global variable and follows the pointers
// and lists in them, most probable objects first. Workers stop when the
// queue runs dry, when the next node is less probable than
// opts.MinProbability, or on Interrupt or cancellation of ctx. Once all
// workers are done, all candidate sets are completed and the
// probabilities of their parents recomputed.
//
// Build returns ErrInterrupted if it was interrupted. The nodes found so
// far stay in the map.
func (m *Map) Build(ctx context.Context, opts BuildOptions) (Snapshot, error) {
	m.mu.Lock()
	if m.building {
		m.mu.Unlock()
		return Snapshot{}, errors.New("memory map build already running")
	}
	m.building = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.building = false
		m.mu.Unlock()
	}()
	m.interrupted.Store(false)

	opts = opts.withDefaults()
	b := newBuilder(m, opts)
	m.log.Info("building memory map", "variables", len(m.factory.VarsByID()), "workers", opts.Workers,
		"minProbability", opts.MinProbability)

	for _, v := range m.factory.VarsByID() {
		if v.Type() == nil || v.Addr() == 0 {
			continue
		}
		inst := v.ToInstance(m.mem, symbols.ResolveLexical)
		if !inst.IsValid() || resolvedKind(inst)&symbols.FunctionTypes != 0 {
			continue
		}
		if n, created := b.addChild(nil, inst, 0, false); created {
			m.log.V(2).Info("root", "name", n.Name(), "addr", fmt.Sprintf("0x%x", n.Address()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, b.wakeAll)
	defer stop()
	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			b.work(gctx)
			return nil
		})
	}
	_ = g.Wait()

	if m.interrupted.Load() || ctx.Err() != nil {
		s := m.Stats()
		m.log.Info("memory map build interrupted", "stats", s.String())
		if err := ctx.Err(); err != nil {
			return s, errors.Wrap(ErrInterrupted, err.Error())
		}
		return s, ErrInterrupted
	}

	m.completeCandidates()
	s := m.Stats()
	m.log.Info("memory map built", "stats", s.String())
	return s, nil
}

// completeCandidates closes all candidate sets and lets the parents of
// the candidates see their final probabilities.
func (m *Map) completeCandidates() {
	m.mu.RLock()
	sets := append([]*Node(nil), m.candSets...)
	m.mu.RUnlock()
	for _, n := range sets {
		n.CompleteCandidates()
	}
	for _, n := range sets {
		if p := n.Parent(); p != nil {
			p.UpdateProbability(nil)
		}
	}
}

func (b *builder) wakeAll() {
	b.mu.Lock()
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *builder) push(n *Node) {
	b.mu.Lock()
	b.queue.Enqueue(queueItem{node: n, prob: n.Probability()})
	b.cond.Signal()
	b.mu.Unlock()
}

func (b *builder) halted(ctx context.Context) bool {
	return b.stopped || b.m.interrupted.Load() || ctx.Err() != nil
}

// next returns the next node to process and marks the caller busy.
func (b *builder) next(ctx context.Context) (*Node, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.halted(ctx) {
			b.cond.Broadcast()
			return nil, false
		}
		if v, ok := b.queue.Dequeue(); ok {
			it := v.(queueItem)
			if it.prob < b.opts.MinProbability {
				b.m.log.V(1).Info("probability threshold reached", "probability", it.prob,
					"node", it.node.FullName())
				b.stopped = true
				b.cond.Broadcast()
				return nil, false
			}
			b.busy++
			return it.node, true
		}
		if b.busy == 0 {
			b.cond.Broadcast()
			return nil, false
		}
		b.cond.Wait()
	}
}

func (b *builder) done() {
	b.mu.Lock()
	b.busy--
	if b.busy == 0 {
		b.cond.Broadcast()
	}
	b.mu.Unlock()
}

func (b *builder) work(ctx context.Context) {
	for {
		n, ok := b.next(ctx)
		if !ok {
			return
		}
		b.m.stats.nodeProcessed()
		b.processNode(n, n.ToInstance())
		b.done()
	}
}

func (b *builder) interrupted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped || b.m.interrupted.Load()
}

// addChild adds the node for inst and queues it if it is new.
func (b *builder) addChild(parent *Node, inst symbols.Instance, addrInParent uint64, hasCandidates bool) (*Node, bool) {
	n, created, err := b.m.addNode(parent, inst, addrInParent, hasCandidates)
	if err != nil {
		b.m.log.V(1).Info("skipping instance", "error", err.Error())
		return nil, false
	}
	if created {
		b.push(n)
	}
	return n, created
}

// processNode visits inst, which is n itself or lies inside n, and adds
// the objects it points to.
func (b *builder) processNode(n *Node, inst symbols.Instance) {
	if inst.Type == nil || IsFunctionPointer(inst) {
		return
	}
	switch kind := resolvedKind(inst); {
	case kind == symbols.KindPointer:
		b.processPointer(n, inst)
	case kind == symbols.KindArray:
		b.processArray(n, inst)
	case IsListHead(inst) || IsHListHead(inst):
		b.processListHead(n, inst)
	case IsHListNode(inst):
		// reached through the head
	case kind == symbols.KindStruct:
		b.processStruct(n, inst)
	}
	// unions are skipped
}

func (b *builder) processPointer(n *Node, inst symbols.Instance) {
	if !ValidPointer(inst, false) || IsUserLandPointer(inst) {
		return
	}
	target, err := inst.ToPointer()
	if err != nil || target == inst.Addr {
		return
	}
	if target >= n.Address() && target <= n.EndAddress() {
		return
	}
	b.m.addPointerTo(target, n)
	child, cnt := inst.Dereference(symbols.ResolveLexicalAndPointers, -1)
	if cnt > 0 && child.IsValid() && !child.IsNull() {
		b.addChild(n, child, inst.Addr, false)
	}
}

func (b *builder) processArray(n *Node, inst symbols.Instance) {
	length := inst.Length()
	if length <= 0 {
		return
	}
	elem := inst.ArrayElem(0)
	if !elem.IsValid() || resolvedKind(elem)&symbols.NumericTypes != 0 {
		return
	}
	if length > int64(b.opts.MaxArrayElems) {
		length = int64(b.opts.MaxArrayElems)
	}
	specs := inst.Mem.Specs()
	for i := 0; i < int(length); i++ {
		e := inst.ArrayElem(i)
		if IsValidAddress(e.Addr, specs, false) {
			b.processNode(n, e)
		}
	}
}

func (b *builder) processStruct(n *Node, inst symbols.Instance) {
	s, ok := symbols.AsStructured(inst.Type)
	if !ok {
		return
	}
	for i, m := range s.Members {
		mi := inst.Member(i, symbols.ResolveLexical, true)
		if !mi.IsValid() {
			continue
		}
		if m.AltRefTypeCount() > 0 {
			b.processCandidates(n, inst, i, mi)
			continue
		}
		b.processNode(n, mi)
	}
}

// processCandidates adds one node for the declared type of member index
// of inst and one for each compatible candidate type.
func (b *builder) processCandidates(n *Node, inst symbols.Instance, index int, member symbols.Instance) {
	addr := inst.MemberAddress(index)
	var last *Node
	add := func(c symbols.Instance) {
		deref := false
		if resolvedKind(c) == symbols.KindPointer {
			if !ValidPointer(c, false) || IsUserLandPointer(c) {
				return
			}
			var cnt int
			c, cnt = c.Dereference(symbols.ResolveLexicalPointersArrays, -1)
			deref = cnt > 0
		}
		if !c.IsValid() || c.IsNull() || !deref && resolvedKind(c)&symbols.StructOrUnion == 0 {
			return
		}
		if node, created := b.addChild(n, c, addr, true); created {
			last = node
		}
	}

	add(member)
	for ci := 0; ci < inst.MemberCandidatesCount(index); ci++ {
		if !inst.MemberCandidateCompatible(index, ci) {
			continue
		}
		t, _ := symbols.DereferencedType(inst.MemberCandidateType(index, ci), symbols.ResolveLexical, -1)
		if t == nil {
			continue
		}
		c := inst.MemberCandidate(index, ci)
		if !c.IsValid() || !CompatibleCandidate(inst, c) {
			continue
		}
		add(c)
	}
	if last != nil {
		b.m.addCandidateSet(last)
	}
}

func (b *builder) processListHead(n *Node, inst symbols.Instance) {
	if !ValidListHead(inst, false) && !IsHListHead(inst) {
		return
	}
	specs := inst.Mem.Specs()
	next, ok := readLink(inst, "next")
	if IsHListHead(inst) {
		next, ok = readLink(inst, "first")
	}
	if !ok || IsDefaultValue(next, specs) || !IsValidAddress(next, specs, false) {
		return
	}
	if prev, ok := readLink(inst, "prev"); ok && prev == next {
		// empty, or a single entry
		return
	}
	if !IsHeadOfList(n, inst) {
		// n is an entry itself; its successor is a sibling object
		b.processPointer(n, inst.Member(0, symbols.ResolveNone, true))
		return
	}
	first, ok := firstListEntry(inst)
	if !ok {
		return
	}
	b.processList(n, inst, first)
}

// processList adds the entries of the list with the given head, each as
// a child of its predecessor, starting at first.
func (b *builder) processList(n *Node, head, first symbols.Instance) {
	if !ValidInstance(first) || n.MemberProcessed(head.Addr, first.Addr) {
		return
	}
	if IsListHead(first) || IsHListNode(first) {
		// plain list_heads as entries tell nothing
		return
	}
	link := "next"
	if IsHListHead(head) {
		link = "first"
	}
	next, _ := readLink(head, link)
	off := next - first.Addr

	cur, entry := n, first
	addrInParent := head.Addr
	for i := 0; i < b.opts.MaxListEntries; i++ {
		if b.interrupted() || !ValidInstance(entry) {
			return
		}
		lh, ok := entry.MemberByOffset(off, true)
		if !ok || !(IsListHead(lh) || IsHListNode(lh)) {
			b.m.log.V(2).Info("list entry has no link at offset", "entry", entry.FullName(), "offset", off)
			return
		}
		child, created := b.addChild(cur, entry, addrInParent, false)
		if !created {
			return
		}
		b.m.stats.listEntries.Add(1)
		next, ok := readLink(lh, "next")
		if !ok || next == 0 || next == head.Addr || IsDefaultValue(next, entry.Mem.Specs()) {
			return
		}
		cur, entry = child, at(entry, next-off)
		addrInParent = lh.Addr
	}
}
