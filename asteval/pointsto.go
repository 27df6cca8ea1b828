package asteval

import (
	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// symTrans records that a symbol appears below an assigned expression.
type symTrans struct {
	sym   *cparser.Symbol
	trans cparser.Transformations
}

// revLink is the inverse of a points-to edge: the expression the link is
// stored under was assigned to sym, which is used again at node.
type revLink struct {
	sym   *cparser.Symbol
	node  *cparser.Node
	trans cparser.Transformations
	round int
}

type revKey struct {
	assigned *cparser.Node
	use      *cparser.Node
	trans    string
}

type deadEndKey struct {
	sym      *cparser.Symbol
	trans    string
	link     *cparser.Node
	linkTran string
}

// FindSymbols collects the uses of all variables and functions and
// records for every assigned expression which symbols it contains.
func (ev *Evaluator) FindSymbols() error {
	ev.uses = ev.uses[:0]
	ev.returns = ev.returns[:0]
	ev.tu.Root.Walk(func(n *cparser.Node) bool {
		switch n.Kind {
		case cparser.KindIdentifier, cparser.KindDeclIdentifier:
			sym := cparser.SymbolOf(n)
			if sym == nil || !sym.TakesPart() {
				return true
			}
			ev.uses = append(ev.uses, n)
			ev.collectBelow(n, sym)
		case cparser.KindReturnStatement:
			if n.First() != nil {
				ev.returns = append(ev.returns, n)
			}
		}
		return true
	})
	ev.log.V(2).Info("symbols collected", "uses", len(ev.uses), "returns", len(ev.returns))
	return nil
}

// appendTransform adds the operation parent applies to its child c. It
// reports false if parent does not continue an l-value.
func appendTransform(trans *cparser.Transformations, parent, c *cparser.Node) bool {
	switch parent.Kind {
	case cparser.KindField:
		if parent.Child("argument") != c {
			return false
		}
		member := ""
		if f := parent.Child("field"); f != nil {
			member = f.Text
		}
		if parent.Op == "->" {
			*trans = append(*trans, cparser.Transform{Kind: cparser.TransDeref, Node: parent})
		}
		*trans = append(*trans, cparser.Transform{Kind: cparser.TransMember, Member: member, Node: parent})
	case cparser.KindSubscript:
		if parent.Child("argument") != c {
			return false
		}
		*trans = append(*trans, cparser.Transform{Kind: cparser.TransArray, Node: parent})
	case cparser.KindCall:
		if parent.Child("function") != c {
			return false
		}
		*trans = append(*trans, cparser.Transform{Kind: cparser.TransFuncCall, Node: parent})
	case cparser.KindPointerExpr:
		kind := cparser.TransDeref
		if parent.Op == "&" {
			kind = cparser.TransAddress
		}
		*trans = append(*trans, cparser.Transform{Kind: kind, Node: parent})
	case cparser.KindParenExpr, cparser.KindCast:
	default:
		return false
	}
	return true
}

func (ev *Evaluator) collectBelow(use *cparser.Node, sym *cparser.Symbol) {
	var trans cparser.Transformations
	appending := true
	var boundary *cparser.Node
	if sym.Scope != nil {
		boundary = sym.Scope.Node
	}
	c := use
	for p := use.Parent; p != nil && c != boundary; c, p = p, p.Parent {
		if appending {
			appending = appendTransform(&trans, p, c)
		}
		var assigned *cparser.Node
		switch p.Kind {
		case cparser.KindAssignment:
			if p.Child("right") == c {
				assigned = c
			}
		case cparser.KindInitDeclarator:
			if p.Child("value") == c {
				assigned = c
			}
		case cparser.KindReturnStatement:
			assigned = c
		}
		if assigned != nil {
			t := make(cparser.Transformations, len(trans))
			copy(t, trans)
			ev.below[assigned] = append(ev.below[assigned], symTrans{sym: sym, trans: t})
		}
	}
}

func (ev *Evaluator) isBelow(assigned *cparser.Node, sym *cparser.Symbol, trans cparser.Transformations) bool {
	for _, b := range ev.below[assigned] {
		if b.sym == sym && (trans == nil || b.trans.Equal(trans)) {
			return true
		}
	}
	return false
}

type ptState struct {
	sym        *cparser.Symbol
	followed   []*cparser.Symbol
	interLinks map[*cparser.Node]*cparser.Node
	evalStack  []*cparser.Node
}

func containsSym(list []*cparser.Symbol, s *cparser.Symbol) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsNode(list []*cparser.Node, n *cparser.Node) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}

// PointsTo runs one round of the points-to analysis and returns the
// number of edges it added.
func (ev *Evaluator) PointsTo() (int, error) {
	ev.round++
	ev.stats.Rounds = ev.round
	total := 0
	for _, use := range ev.uses {
		if ev.interrupted.Load() {
			return total, ErrInterrupted
		}
		n, err := ev.pointsToUse(use)
		if err != nil {
			if err = ev.skip(use, err); err != nil {
				return total, err
			}
		}
		total += n
	}
	for _, ret := range ev.returns {
		n, err := ev.pointsToReturn(ret)
		if err != nil {
			if err = ev.skip(ret, err); err != nil {
				return total, err
			}
		}
		total += n
	}
	ev.stats.Edges += total
	return total, nil
}

func (ev *Evaluator) pointsToUse(use *cparser.Node) (int, error) {
	sym := cparser.SymbolOf(use)
	t, err := ev.TypeOf(sym.Node)
	if err != nil {
		return 0, err
	}
	if t.Kind&symbols.NumericTypes != 0 && !ev.canHoldPointer(t) {
		return 0, nil
	}
	st := &ptState{
		sym:        sym,
		followed:   []*cparser.Symbol{sym},
		interLinks: make(map[*cparser.Node]*cparser.Node),
	}
	return ev.pointsToRek(st, use, nil, nil)
}

func (ev *Evaluator) pointsToReturn(ret *cparser.Node) (int, error) {
	fd := ret.Enclosing(cparser.KindFunctionDef)
	if fd == nil {
		return 0, ev.fatalf(ret, "return outside of a function")
	}
	fsym := cparser.SymbolOf(cparser.DeclaratorName(fd.Child("declarator")))
	if fsym == nil {
		return 0, ev.fatalf(fd, "function without a symbol")
	}
	rt, err := ev.functionReturnType(ret)
	if err != nil {
		return 0, err
	}
	if rt.Kind&symbols.NumericTypes != 0 && !ev.canHoldPointer(rt) || rt.Kind == symbols.KindVoid {
		return 0, nil
	}
	value := ret.First()
	// recursive calls return the function's own value
	if ev.isBelow(value, fsym, nil) {
		return 0, nil
	}
	trans := cparser.Transformations{{Kind: cparser.TransFuncCall, Node: ret}}
	if fsym.AddAssignment(value, trans, ev.round) {
		return 1, nil
	}
	return 0, nil
}

// pointsToRek walks up from an identifier use and records where the
// symbol, possibly transformed, is assigned a value. Whenever it passes an
// expression that was itself assigned to another symbol in an earlier
// round, it continues at that symbol's uses.
func (ev *Evaluator) pointsToRek(st *ptState, start *cparser.Node, global, lastLink cparser.Transformations) (int, error) {
	if containsNode(st.evalStack, start) {
		return 0, nil
	}
	st.evalStack = append(st.evalStack, start)
	defer func() { st.evalStack = st.evalStack[:len(st.evalStack)-1] }()

	var local cparser.Transformations
	invalid := false
	total := 0

	for c := start; c != nil; c = c.Parent {
		if links := ev.rev[c]; len(links) > 0 && lastLink.IsPrefixOf(local) {
			combined := cparser.Combine(global, local, lastLink)
			for _, l := range links {
				if len(st.interLinks) == 0 && l.round != ev.round-1 {
					continue
				}
				if containsSym(st.followed, l.sym) || len(st.interLinks) >= ev.opts.maxLinkHops {
					continue
				}
				key := deadEndKey{sym: st.sym, trans: combined.Key(), link: l.node, linkTran: l.trans.Key()}
				if ev.round > 1 && ev.dead[key] {
					continue
				}
				st.followed = append(st.followed, l.sym)
				st.interLinks[c] = l.node
				n, err := ev.pointsToRek(st, l.node, combined, l.trans)
				delete(st.interLinks, c)
				st.followed = st.followed[:len(st.followed)-1]
				if err != nil {
					return total, err
				}
				if n == 0 && ev.round > 1 {
					ev.dead[key] = true
				}
				total += n
			}
		}

		p := c.Parent
		if p == nil {
			break
		}
		switch p.Kind {
		case cparser.KindBinary:
			invalid = true

		case cparser.KindAssignment:
			if p.Child("left") != c {
				return total, nil
			}
			n, err := ev.addAssignment(st, p, p.Child("right"), global, local, lastLink, invalid)
			return total + n, err

		case cparser.KindConditional:
			if p.Child("condition") == c {
				return total, nil
			}
			invalid = true

		case cparser.KindInitDeclarator:
			value := p.Child("value")
			if p.Child("declarator") != c || value == nil || len(st.interLinks) > 0 {
				return total, nil
			}
			if value.Kind == cparser.KindInitializerList {
				return total, nil
			}
			trans := cparser.Combine(global, local, lastLink)
			if st.sym.AddAssignment(value, trans, ev.round) {
				total++
			}
			return total, nil

		case cparser.KindField, cparser.KindSubscript, cparser.KindCall, cparser.KindPointerExpr:
			if !appendTransform(&local, p, c) {
				return total, nil
			}

		case cparser.KindUnary:
			invalid = true

		case cparser.KindParenExpr, cparser.KindCast:

		case cparser.KindPointerDeclarator, cparser.KindArrayDeclarator, cparser.KindFunctionDeclarator:
			if p.Child("declarator") != c {
				return total, nil
			}
		case cparser.KindParenDeclarator:

		case cparser.KindComma:
			if p.Child("right") != c {
				return total, nil
			}

		default:
			return total, nil
		}
	}
	return total, nil
}

func (ev *Evaluator) addAssignment(st *ptState, assign, value *cparser.Node, global, local, lastLink cparser.Transformations, invalid bool) (int, error) {
	if assign.Op != "=" || !lastLink.IsPrefixOf(local) {
		return 0, nil
	}
	if _, ok := st.interLinks[value]; ok {
		return 0, nil
	}
	vt, err := ev.TypeOf(value)
	if err != nil {
		return 0, err
	}
	if vt.Kind&symbols.NumericTypes != 0 && !ev.canHoldPointer(vt) {
		return 0, nil
	}
	if len(st.interLinks) > 0 && local.DerefCount() <= lastLink.DerefCount() {
		return 0, nil
	}
	trans := cparser.Combine(global, local, lastLink)
	if invalid || trans.DerefCount() < 0 {
		return 0, nil
	}
	if ev.isBelow(value, st.sym, trans) {
		return 0, nil
	}
	switch st.sym.Kind {
	case cparser.SymbolVariableDecl, cparser.SymbolVariableDef, cparser.SymbolFunctionParam:
		if st.sym.AddAssignment(value, trans, ev.round) {
			return 1, nil
		}
	}
	return 0, nil
}

// ReverseIndex indexes the edges found in the current round by the
// assigned expression, pointing to every use of the assigned symbol.
func (ev *Evaluator) ReverseIndex() {
	for _, use := range ev.uses {
		sym := cparser.SymbolOf(use)
		for _, a := range sym.Assigned() {
			if a.Round != ev.round {
				continue
			}
			key := revKey{assigned: a.Node, use: use, trans: a.Trans.Key()}
			if ev.revSeen[key] {
				continue
			}
			ev.revSeen[key] = true
			ev.rev[a.Node] = append(ev.rev[a.Node], revLink{sym: sym, node: use, trans: a.Trans, round: ev.round})
		}
	}
}

// A LinkTarget is a symbol reached by following points-to edges. Derefs is
// the number of dereferences relating the two: -1 means the origin points
// to Symbol.
type LinkTarget struct {
	Symbol *cparser.Symbol
	Node   *cparser.Node // assigned expression
	Derefs int
}

// sourceOf strips parentheses, casts and pointer operators from an
// assigned expression and returns the identifier it is based on.
func sourceOf(n *cparser.Node) (*cparser.Node, int) {
	derefs := 0
	for n != nil {
		switch n.Kind {
		case cparser.KindParenExpr:
			n = n.First()
		case cparser.KindCast:
			n = n.Child("value")
		case cparser.KindPointerExpr:
			if n.Op == "&" {
				derefs--
			} else {
				derefs++
			}
			n = n.Child("argument")
		case cparser.KindIdentifier:
			return n, derefs
		default:
			return nil, 0
		}
	}
	return nil, 0
}

// FollowLinks returns the symbols sym points to by following at most
// depth edges. derefs is the dereference count of sym itself.
func (ev *Evaluator) FollowLinks(sym *cparser.Symbol, derefs, depth int) []LinkTarget {
	var res []LinkTarget
	visited := map[*cparser.Symbol]bool{sym: true}
	var follow func(s *cparser.Symbol, d, depth int)
	follow = func(s *cparser.Symbol, d, depth int) {
		if depth <= 0 {
			return
		}
		for _, a := range s.Assigned() {
			id, ed := sourceOf(a.Node)
			if id == nil {
				continue
			}
			target := cparser.SymbolOf(id)
			if target == nil || visited[target] {
				continue
			}
			td := d + ed - a.Trans.DerefCount()
			res = append(res, LinkTarget{Symbol: target, Node: a.Node, Derefs: td})
			visited[target] = true
			follow(target, td, depth-1)
		}
	}
	follow(sym, derefs, depth)
	return res
}
