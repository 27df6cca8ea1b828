package asteval

import (
	"context"
	"fmt"

	"github.com/allewwaly/insight-vmi-sub004/cparser"
	"github.com/allewwaly/insight-vmi-sub004/symbols"
)

// EvalResult tells how the analysis of one identifier use ended.
type EvalResult int

const (
	NoPrimaryExpression EvalResult = iota
	NoIdentifier
	UseInBuiltin
	NoAssignmentUse
	NoPointerAssignment
	IntegerArithmetics
	TypesAreEqual
	TypesAreDifferent
	AddressOperation
	Recursive
	InvalidTransition
)

var evalResultNames = []string{
	"NoPrimaryExpression", "NoIdentifier", "UseInBuiltin", "NoAssignmentUse",
	"NoPointerAssignment", "IntegerArithmetics", "TypesAreEqual",
	"TypesAreDifferent", "AddressOperation", "Recursive", "InvalidTransition",
}

func (r EvalResult) String() string {
	if int(r) < len(evalResultNames) {
		return evalResultNames[r]
	}
	return fmt.Sprintf("EvalResult(%d)", int(r))
}

// evalDetails is the state of one used-as walk. A copy is made for every
// points-to link that is followed.
type evalDetails struct {
	sym     *cparser.Symbol
	primEx  *cparser.Node
	srcNode *cparser.Node
	root    *cparser.Node

	transformations  cparser.Transformations
	lastLink         cparser.Transformations
	lastLinkSrcType  *Type
	lastLinkDestType *Type
	interLinks       map[*cparser.Node]*cparser.Node
	evalStack        []*cparser.Node
	followInterLinks bool

	castEx     *cparser.Node
	targetNode *cparser.Node
	targetType *Type
	ctxNode    *cparser.Node
	ctxType    *Type
	ctxTrans   cparser.Transformations
	srcType    *Type
}

func (ed *evalDetails) clone() *evalDetails {
	c := *ed
	c.interLinks = make(map[*cparser.Node]*cparser.Node, len(ed.interLinks)+1)
	for k, v := range ed.interLinks {
		c.interLinks[k] = v
	}
	c.evalStack = append([]*cparser.Node(nil), ed.evalStack...)
	return &c
}

// UsedAs walks up from every identifier use and reports the places where
// the value ends up with a different pointer type.
func (ev *Evaluator) UsedAs(ctx context.Context) error {
	results := make(map[EvalResult]int)
	for _, use := range ev.uses {
		if err := ev.stopped(ctx); err != nil {
			return err
		}
		res, err := ev.UsedAsNode(use)
		if err != nil {
			if err = ev.skip(use, err); err != nil {
				return err
			}
			continue
		}
		results[res]++
	}
	if ev.log.V(2).Enabled() {
		kv := make([]interface{}, 0, 2*len(results))
		for r, n := range results {
			kv = append(kv, r.String(), n)
		}
		ev.log.V(2).Info("used-as results", kv...)
	}
	return nil
}

// UsedAsNode runs the used-as analysis for a single identifier.
func (ev *Evaluator) UsedAsNode(use *cparser.Node) (EvalResult, error) {
	if use.Kind != cparser.KindIdentifier {
		return NoPrimaryExpression, nil
	}
	sym := cparser.SymbolOf(use)
	if sym == nil {
		return NoIdentifier, nil
	}
	// enumerators are constants
	if sym.Kind == cparser.SymbolEnumValue {
		return NoPointerAssignment, nil
	}
	ed := &evalDetails{
		sym:              sym,
		primEx:           use,
		srcNode:          use,
		root:             use,
		interLinks:       make(map[*cparser.Node]*cparser.Node),
		followInterLinks: true,
	}
	return ev.usedAsRek(ed)
}

func (ev *Evaluator) usedAsRek(ed *evalDetails) (EvalResult, error) {
	if containsNode(ed.evalStack, ed.root) {
		return Recursive, nil
	}
	ed.evalStack = append(ed.evalStack, ed.root)

	res, err := ev.typeFlow(ed)
	if err != nil || res != TypesAreDifferent {
		return res, err
	}
	if err := ev.typeContext(ed); err != nil {
		return 0, err
	}
	if ed.ctxType.Kind == symbols.KindVoid {
		return InvalidTransition, nil
	}
	if res, err = ev.typeChanges(ed); err != nil || res != TypesAreDifferent {
		return res, err
	}
	ev.emit(&TypeChange{
		File:               ev.tu.File,
		Symbol:             ed.sym,
		Src:                ed.srcNode,
		SrcType:            ed.srcType,
		Transformations:    ed.transformations,
		CtxNode:            ed.ctxNode,
		CtxType:            ed.ctxType,
		CtxTransformations: ed.ctxTrans,
		Target:             ed.targetNode,
		TargetType:         ed.targetType,
		Root:               ed.root,
		InterLinks:         len(ed.interLinks),
	})
	return res, nil
}

// interLinkTypeMatches reports whether the local transformations may be
// applied after the last link. Member and array accesses do not fit a
// value whose type changed when it was assigned.
func (ev *Evaluator) interLinkTypeMatches(ed *evalDetails, local cparser.Transformations) bool {
	if len(ed.interLinks) == 0 || len(ed.lastLink) == len(local) || ed.lastLinkSrcType.Equal(ed.lastLinkDestType) {
		return true
	}
	for _, t := range local[min(len(ed.lastLink), len(local)):] {
		if t.Kind == cparser.TransMember || t.Kind == cparser.TransArray {
			return false
		}
	}
	return true
}

func (ev *Evaluator) lastNode(ed *evalDetails, trans cparser.Transformations) *cparser.Node {
	if len(trans) == 0 {
		return ed.primEx
	}
	return trans[len(trans)-1].Node
}

func (ev *Evaluator) followLinks(ed *evalDetails, local cparser.Transformations) (bool, error) {
	links := ev.rev[ed.root]
	if len(links) == 0 {
		return true, nil
	}
	if !ev.interLinkTypeMatches(ed, local) {
		return false, nil
	}
	comb := cparser.Combine(ed.transformations, local, ed.lastLink)
	if len(ed.interLinks) >= ev.opts.maxLinkHops || !ed.lastLink.IsPrefixOf(local) ||
		!(ed.sym.IsGlobal() || comb.MemberCount() > 0) {
		ev.log.V(3).Info("not following links", "pos", ed.root.Pos.String(), "symbol", ed.sym.Name)
		return true, nil
	}
links:
	for _, l := range links {
		if l.node == ed.srcNode || l.sym == ed.sym {
			continue
		}
		for _, a := range ed.sym.Assigned() {
			if a.Node == l.node {
				continue links
			}
		}
		srcType, err := ev.TypeOf(ed.root)
		if err != nil {
			return false, err
		}
		destNode := l.node
		if len(l.trans) > 0 {
			destNode = l.trans[len(l.trans)-1].Node
		}
		destType, err := ev.TypeOf(destNode)
		if err != nil {
			return false, err
		}
		rek := ed.clone()
		rek.root = l.node
		rek.lastLink = l.trans
		rek.lastLinkSrcType = srcType
		rek.lastLinkDestType = destType
		rek.transformations = comb
		rek.castEx = nil
		rek.interLinks[ed.root] = l.node
		if _, err := ev.usedAsRek(rek); err != nil {
			if IsFatal(err) {
				return false, err
			}
			ev.log.V(1).Info("skipping link", "pos", l.node.Pos.String(), "reason", err.Error())
		}
	}
	return true, nil
}

// typeFlow follows the value of the identifier up the tree until it is
// assigned, returned, cast and used, or dropped.
func (ev *Evaluator) typeFlow(ed *evalDetails) (EvalResult, error) {
	var (
		lNode *cparser.Node
		lType *Type
		local cparser.Transformations
		err   error
	)
	rNode := ed.srcNode
	castChange := false

walk:
	for ed.root != nil {
		root := ed.root
		if _, ok := ed.interLinks[root]; ok {
			return Recursive, nil
		}
		switch root.Kind {
		case cparser.KindBinary:
			if root.Child("right") == nil {
				break
			}
			switch root.Op {
			case "+", "-":
				if ed.castEx == nil {
					t, err := ev.TypeOf(rNode)
					if err != nil {
						return 0, err
					}
					if t.Kind&symbols.NumericTypes != 0 {
						return IntegerArithmetics, nil
					}
				}
			case "==", "!=", "<", "<=", ">", ">=", "&&", "||":
				return NoAssignmentUse, nil
			}

		case cparser.KindAssignment:
			if root.Child("right") == rNode {
				lNode = root.Child("left")
				if lType, err = ev.TypeOf(lNode); err != nil {
					return 0, err
				}
				break walk
			}

		case cparser.KindAsmStatement:
			return NoAssignmentUse, nil

		case cparser.KindSizeof, cparser.KindAlignof, cparser.KindOffsetof:
			return UseInBuiltin, nil

		case cparser.KindArgumentList:
			if _, ok := builtinName(root.Parent); ok {
				return UseInBuiltin, nil
			}
			return NoAssignmentUse, nil

		case cparser.KindCast:
			if root.Child("value") == rNode {
				vt, err := ev.TypeOf(rNode)
				if err != nil {
					return 0, err
				}
				ct, err := ev.TypeOf(root.Child("type"))
				if err != nil {
					return 0, err
				}
				if !vt.Equal(ct) {
					ed.castEx = root
				}
			}

		case cparser.KindCompoundStatement:
			if root.Parent == nil || root.Parent.Kind != cparser.KindStatementExpr || root.Last() != rNode {
				return NoAssignmentUse, nil
			}

		case cparser.KindConditional:
			if root.Child("condition") == rNode {
				return NoAssignmentUse, nil
			}

		case cparser.KindArrayDeclarator, cparser.KindFieldDesignator, cparser.KindSubscriptDesignator:
			return NoAssignmentUse, nil

		case cparser.KindExpressionStatement:
			p := root.Parent
			if p == nil || p.Kind != cparser.KindCompoundStatement || p.Parent == nil || p.Parent.Kind != cparser.KindStatementExpr {
				return NoAssignmentUse, nil
			}

		case cparser.KindInitDeclarator:
			if root.Child("value") == rNode {
				lNode = root.Child("declarator")
				if lType, err = ev.TypeOf(cparser.DeclaratorName(lNode)); err != nil {
					return 0, err
				}
				break walk
			}

		case cparser.KindInitializerList:
			if lType, err = ev.expectedTypeAt(rNode); err != nil {
				return 0, err
			}
			lNode = lType.Node
			break walk

		case cparser.KindInitializerPair:
			if root.Child("value") != rNode {
				return NoAssignmentUse, nil
			}
			if lType, err = ev.expectedTypeAt(rNode); err != nil {
				return 0, err
			}
			lNode = lType.Node
			break walk

		case cparser.KindForStatement, cparser.KindWhileStatement, cparser.KindDoStatement,
			cparser.KindGotoStatement, cparser.KindIfStatement, cparser.KindSwitchStatement,
			cparser.KindCaseStatement:
			return NoAssignmentUse, nil

		case cparser.KindReturnStatement:
			if lType, err = ev.functionReturnType(root); err != nil {
				return 0, err
			}
			lNode = lType.Node
			break walk

		case cparser.KindField, cparser.KindCall:
			if ed.castEx != nil {
				castChange = true
				break walk
			}
			appendTransform(&local, root, rNode)

		case cparser.KindSubscript:
			if root.Child("index") == rNode {
				return NoAssignmentUse, nil
			}
			if ed.castEx != nil {
				castChange = true
				break walk
			}
			appendTransform(&local, root, rNode)

		case cparser.KindUnary:
			if root.Op == "!" {
				return NoAssignmentUse, nil
			}

		case cparser.KindPointerExpr:
			if root.Op == "&" {
				t, err := ev.TypeOf(root)
				if err != nil {
					return 0, err
				}
				if !t.AmpersandSkipped {
					local = append(local, cparser.Transform{Kind: cparser.TransAddress, Node: root})
				}
			} else {
				if ed.castEx != nil {
					castChange = true
					break walk
				}
				local = append(local, cparser.Transform{Kind: cparser.TransDeref, Node: root})
			}

		case cparser.KindComma:
			if root.Child("left") == rNode {
				return NoAssignmentUse, nil
			}
		}

		// the value of root may have been assigned to other symbols
		if ed.followInterLinks {
			ok, err := ev.followLinks(ed, local)
			if err != nil {
				return 0, err
			}
			if !ok {
				return InvalidTransition, nil
			}
		}

		rNode = root
		ed.root = root.Parent
	}

	if castChange {
		ed.root = ed.castEx
		lNode = ed.castEx.Child("type")
		rNode = ed.castEx.Child("value")
		if lType, err = ev.TypeOf(lNode); err != nil {
			return 0, err
		}
	}

	ed.targetNode = lNode
	ed.targetType = lType
	if ed.root == nil || lType == nil {
		return NoAssignmentUse, nil
	}
	if !ed.lastLink.IsPrefixOf(local) {
		return InvalidTransition, nil
	}
	if !ev.interLinkTypeMatches(ed, local) {
		return InvalidTransition, nil
	}
	ed.transformations = cparser.Combine(ed.transformations, local, ed.lastLink)
	if ed.transformations.DerefCount() < 0 {
		return AddressOperation, nil
	}

	st, err := ev.TypeOf(ev.lastNode(ed, ed.transformations))
	if err != nil {
		return 0, err
	}
	if lType.Equal(st) {
		return TypesAreEqual, nil
	}
	rType, err := ev.TypeOf(rNode)
	if err != nil {
		return 0, err
	}
	if lType.IsPointer() && !rType.IsPointer() && !ev.pointerSized(rType) ||
		rType.IsPointer() && !lType.IsPointer() && !ev.pointerSized(lType) {
		return NoPointerAssignment, nil
	}
	return TypesAreDifferent, nil
}

// pointerSized reports whether integer type t has the size of a pointer.
func (ev *Evaluator) pointerSized(t *Type) bool {
	switch ev.opts.sizeofPointer {
	case 4:
		return t.Kind&(symbols.KindInt32|symbols.KindUInt32) != 0
	case 8:
		return t.Kind&(symbols.KindInt64|symbols.KindUInt64) != 0
	}
	return false
}

// typeContext finds the struct in whose member the source value is
// stored. Scanning the transformations from the right, the member chain
// ends at the first dereference before it.
func (ev *Evaluator) typeContext(ed *evalDetails) error {
	trans := ed.transformations
	ed.ctxNode = ed.primEx
	ed.ctxTrans = trans
	ed.srcNode = ev.lastNode(ed, trans)
	var err error
	if ed.srcType, err = ev.TypeOf(ed.srcNode); err != nil {
		return err
	}

	var ops []cparser.TransformKind
	searchMember := true
	members := 0
	for i := len(trans) - 1; i >= 0; i-- {
		t := trans[i]
		if !searchMember {
			ed.ctxNode = t.Node
			ed.ctxTrans = trans[i+1:]
			break
		}
		switch t.Kind {
		case cparser.TransMember:
			ops = ops[:0]
			members++
		case cparser.TransDeref:
			ops = append(ops[:0], t.Kind)
			if members > 0 {
				searchMember = false
			}
		case cparser.TransArray:
			pred := ed.primEx
			if i > 0 {
				pred = trans[i-1].Node
			}
			pt, err := ev.TypeOf(pred)
			if err != nil {
				return err
			}
			if pt.Kind == symbols.KindArray {
				// embedded arrays are accessed like members
				ops = append(ops, t.Kind)
			} else {
				ops = append(ops[:0], t.Kind)
				if members > 0 {
					searchMember = false
				}
			}
		case cparser.TransAddress, cparser.TransFuncCall:
			ops = append(ops, t.Kind)
		}
	}

	ct, err := ev.TypeOf(ed.ctxNode)
	if err != nil {
		return err
	}
	for i := len(ops) - 1; i >= 0; i-- {
		switch ops[i] {
		case cparser.TransDeref, cparser.TransArray:
			if ct.Kind&pointerKinds == 0 {
				return ev.fatalf(ed.ctxNode, "expected a pointer or array type here instead of %q", ct)
			}
			ct = ct.Next
		case cparser.TransFuncCall:
			if ct.Kind != symbols.KindFuncPointer {
				return ev.fatalf(ed.ctxNode, "expected a function pointer type here instead of %q", ct)
			}
			ct = ct.Next
		case cparser.TransAddress:
			ct = newType(symbols.KindPointer, ct, ed.ctxNode)
		}
	}
	if ct == nil {
		return ev.fatalf(ed.ctxNode, "no context type")
	}
	ed.ctxType = ct
	return nil
}

// typeChanges collects the types the value passes through between the
// source node and the root. A change that is not explained by member
// access, pointer arithmetics or a matching dereference is forced; only
// forced changes make the use interesting.
func (ev *Evaluator) typeChanges(ed *evalDetails) (EvalResult, error) {
	first, err := ev.TypeOf(ed.srcNode)
	if err != nil {
		return 0, err
	}
	chain := []*Type{first}
	forced, localDeref := 0, 0
	links := make(map[*cparser.Node]*cparser.Node, len(ed.interLinks))
	for k, v := range ed.interLinks {
		links[k] = v
	}

	p := ed.srcNode
	for {
		if next, ok := links[p]; ok {
			delete(links, p)
			p = next
		} else {
			p = p.Parent
		}
		if p == nil {
			return InvalidTransition, nil
		}
		if p == ed.root {
			break
		}
		t, err := ev.TypeOf(p)
		if err != nil {
			return 0, err
		}
		last := chain[len(chain)-1]
		if t.Equal(last) {
			continue
		}
		isForced := true
		switch p.Kind {
		case cparser.KindBinary:
			if p.Op == "+" || p.Op == "-" {
				isForced = false
			}
		case cparser.KindField, cparser.KindSubscript, cparser.KindCall:
			isForced = false
		case cparser.KindPointerExpr:
			if p.Op == "*" && last.Kind&(symbols.KindPointer|symbols.KindArray) != 0 && t.Equal(last.Next) {
				localDeref++
				isForced = false
			} else if p.Op == "&" && t.Kind == symbols.KindPointer && last.Equal(t.Next) {
				localDeref--
				isForced = false
			}
		}
		chain = append(chain, t)
		if isForced {
			forced++
		}
	}

	target := ed.targetType
	last := chain[len(chain)-1]
	if forced == 0 {
		if target.Equal(last) || target.Equal(chain[0]) {
			return TypesAreEqual, nil
		}
		if ed.root.Kind == cparser.KindAssignment && ed.root.Op != "=" {
			// "a op= b" is "a = a op b"
			rt, err := ev.TypeOf(ed.root.Child("right"))
			if err != nil {
				return 0, err
			}
			op := ed.root.Op[:len(ed.root.Op)-1]
			var res *Type
			if op == "+" || op == "-" {
				res, err = ev.additiveType(ed.root, target, rt, op)
			} else {
				res, err = ev.integerType(ed.root, target, rt)
			}
			if err != nil {
				return 0, err
			}
			if target.Equal(res) {
				return TypesAreEqual, nil
			}
			chain = append(chain, res)
			forced++
		}
	}

	if localDeref != 0 {
		lt, rt := target, chain[0]
		i := localDeref
		if i < 0 {
			i = -i
		}
		for ; i > 0; i-- {
			if localDeref > 0 {
				if rt == nil || rt.Kind&(symbols.KindPointer|symbols.KindArray) == 0 {
					break
				}
				rt = rt.Next
			} else {
				if lt == nil || lt.Kind&(symbols.KindPointer|symbols.KindArray) == 0 {
					break
				}
				lt = lt.Next
			}
		}
		if i == 0 && lt != nil && rt != nil && lt.Equal(rt) {
			return TypesAreEqual, nil
		}
	}

	rHasPointer := false
	for _, t := range chain {
		if t.IsPointer() {
			rHasPointer = true
			break
		}
	}
	if !rHasPointer && !target.IsPointer() {
		return NoPointerAssignment, nil
	}
	if !target.Equal(chain[len(chain)-1]) {
		forced++
	}
	if forced > 0 {
		return TypesAreDifferent, nil
	}
	return TypesAreEqual, nil
}
