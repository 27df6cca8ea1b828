package memmap

import (
	"github.com/allewwaly/insight-vmi-sub004/symbols"
	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

const (
	minusOne32 = uint64(0xffffffff)
	minusOne64 = ^uint64(0)

	// ValidListHead follows at most this many broken back links.
	listHeadRecursion = 1
)

func isErr(v, maxErrNo uint64) bool {
	return (v > minusOne32-maxErrNo && v <= minusOne32) || v > minusOne64-maxErrNo
}

// IsDefaultValue reports whether v is a value pointers commonly hold
// without pointing anywhere: NULL, -1, an error code, or a list poison.
func IsDefaultValue(v uint64, specs *vmem.MemSpecs) bool {
	return v == 0 || v == minusOne32 || v == minusOne64 || isErr(v, specs.MaxErrNo) ||
		v == specs.ListPoison1 || v == specs.ListPoison2
}

func directMapEnd(specs *vmem.MemSpecs) uint64 {
	if specs.HighMemory != 0 {
		return specs.HighMemory
	}
	if specs.VmallocStart > specs.PageOffset {
		return specs.VmallocStart - 1
	}
	return specs.PageOffset
}

// IsValidAddress reports whether addr lies in one of the kernel's mapped
// regions. Default values are valid if defaultValid is set.
func IsValidAddress(addr uint64, specs *vmem.MemSpecs, defaultValid bool) bool {
	if IsDefaultValue(addr, specs) {
		return defaultValid
	}
	if !specs.Arch.Is64Bit() {
		return (addr >= specs.PageOffset && addr <= directMapEnd(specs)) ||
			(addr >= specs.VmallocStart && addr <= 0xffffffff)
	}
	// non-canonical addresses
	if high := addr >> 47; high != 0 && high != 0x1ffff {
		return false
	}
	return (addr >= specs.PageOffset && addr <= directMapEnd(specs)) ||
		(addr >= specs.VmallocStart && addr <= specs.VmallocEnd) ||
		(addr >= specs.VmemmapStart && addr <= specs.VmemmapEnd) ||
		(addr >= specs.StartKernelMap && addr <= specs.ModulesEnd)
}

// IsUserLandAddress reports whether addr belongs to a process address
// space.
func IsUserLandAddress(addr uint64, specs *vmem.MemSpecs) bool {
	lowest := uint64(0x8000000)
	if !specs.Arch.Is64Bit() {
		lowest = 0x400000
	}
	return addr >= lowest && addr < specs.PageOffset
}

func hasValidAddress(inst symbols.Instance, defaultValid bool) bool {
	specs := inst.Mem.Specs()
	if !IsValidAddress(inst.Addr, specs, defaultValid) {
		return false
	}
	if inst.Size() > 0 && !(defaultValid && IsDefaultValue(inst.Addr, specs)) {
		return IsValidAddress(inst.EndAddr(), specs, false)
	}
	return true
}

func resolvedKind(inst symbols.Instance) symbols.Kind {
	t, _ := symbols.DereferencedType(inst.Type, symbols.ResolveLexical, -1)
	if t == nil {
		return symbols.KindUndefined
	}
	return t.Kind()
}

// ValidInstance reports whether inst is a typed, accessible object inside
// kernel memory. Structs and unions must be 4-byte aligned.
func ValidInstance(inst symbols.Instance) bool {
	if inst.IsNull() || !inst.IsValid() || inst.Mem == nil {
		return false
	}
	if !hasValidAddress(inst, false) {
		return false
	}
	if resolvedKind(inst)&symbols.StructOrUnion != 0 && inst.Addr&0x3 != 0 {
		return false
	}
	return inst.IsAccessible()
}

// ValidPointer reports whether the pointer inst holds a kernel address.
func ValidPointer(inst symbols.Instance, defaultValid bool) bool {
	if inst.IsNull() || !inst.IsValid() || inst.Mem == nil || resolvedKind(inst) != symbols.KindPointer {
		return false
	}
	v, err := inst.ToPointer()
	if err != nil {
		return false
	}
	return IsValidAddress(v, inst.Mem.Specs(), defaultValid)
}

// IsUserLandPointer reports whether the pointer inst points into user
// space.
func IsUserLandPointer(inst symbols.Instance) bool {
	if inst.Mem == nil || resolvedKind(inst) != symbols.KindPointer {
		return false
	}
	v, err := inst.ToPointer()
	return err == nil && IsUserLandAddress(v, inst.Mem.Specs())
}

// IsFunctionPointer reports whether inst is a function pointer or a
// pointer to one.
func IsFunctionPointer(inst symbols.Instance) bool {
	if inst.Type == nil {
		return false
	}
	if resolvedKind(inst)&symbols.FunctionTypes != 0 {
		return true
	}
	t, _ := symbols.DereferencedType(inst.Type, symbols.ResolveLexicalAndPointers, -1)
	return t != nil && t.Kind()&symbols.FunctionTypes != 0
}

// ValidFunctionPointer reports whether a function pointer holds a kernel
// address. There is no information on executable pages, so text is not
// told apart from data.
func ValidFunctionPointer(inst symbols.Instance, defaultValid bool) bool {
	if !inst.IsValid() || inst.Mem == nil || !IsFunctionPointer(inst) {
		return false
	}
	v, err := inst.ToPointer()
	if err != nil {
		return false
	}
	return IsValidAddress(v, inst.Mem.Specs(), defaultValid)
}

func isLinkStruct(inst symbols.Instance, name string, members int) bool {
	s, ok := symbols.AsStructured(inst.Type)
	return ok && s.Kind() == symbols.KindStruct && s.Name() == name && len(s.Members) == members
}

// IsListHead reports whether inst is a struct list_head.
func IsListHead(inst symbols.Instance) bool { return isLinkStruct(inst, "list_head", 2) }

// IsHListHead reports whether inst is a struct hlist_head.
func IsHListHead(inst symbols.Instance) bool { return isLinkStruct(inst, "hlist_head", 1) }

// IsHListNode reports whether inst is a struct hlist_node.
func IsHListNode(inst symbols.Instance) bool { return isLinkStruct(inst, "hlist_node", 2) }

func readLink(inst symbols.Instance, member string) (uint64, bool) {
	m, ok := inst.FindMember(member, symbols.ResolveNone, true)
	if !ok {
		return 0, false
	}
	v, err := m.ToPointer()
	return v, err == nil
}

// at views the memory at addr with the type of inst.
func at(inst symbols.Instance, addr uint64) symbols.Instance {
	return symbols.Instance{Addr: addr, Type: inst.Type, Mem: inst.Mem, Name: inst.Name, Parents: inst.Parents}
}

// ValidListHead reports whether the neighbors of a list_head link back to
// it. An empty list head whose links hold default values is valid if
// defaultValid is set.
func ValidListHead(inst symbols.Instance, defaultValid bool) bool {
	return validListHeadRek(inst, defaultValid, listHeadRecursion)
}

func validListHeadRek(inst symbols.Instance, defaultValid bool, depth int) bool {
	if inst.IsNull() || inst.Mem == nil || !IsListHead(inst) {
		return false
	}
	specs := inst.Mem.Specs()
	next, ok1 := readLink(inst, "next")
	prev, ok2 := readLink(inst, "prev")
	if !ok1 || !ok2 {
		return false
	}
	if IsDefaultValue(next, specs) && IsDefaultValue(prev, specs) {
		return defaultValid
	}
	n, p := at(inst, next), at(inst, prev)
	if !n.IsAccessible() || !p.IsAccessible() {
		return false
	}
	if back, ok := readLink(n, "prev"); !ok || back != inst.Addr {
		if depth <= 0 || !validListHeadRek(n, false, depth-1) {
			return false
		}
	}
	if back, ok := readLink(p, "next"); !ok || back != inst.Addr {
		if depth <= 0 || !validListHeadRek(p, false, depth-1) {
			return false
		}
	}
	return true
}

// ValidHListNode reports whether the neighbors of an hlist_node link back
// to it.
func ValidHListNode(inst symbols.Instance) bool {
	if inst.IsNull() || inst.Mem == nil || !IsHListNode(inst) {
		return false
	}
	specs := inst.Mem.Specs()
	next, ok := readLink(inst, "next")
	if !ok {
		return false
	}
	if !IsDefaultValue(next, specs) {
		n := at(inst, next)
		if !n.IsAccessible() {
			return false
		}
		if back, ok := readLink(n, "pprev"); !ok || back != inst.Addr {
			return false
		}
	}
	pprev, ok := readLink(inst, "pprev")
	if !ok {
		return false
	}
	if !IsDefaultValue(pprev, specs) {
		// pprev points to the next member of the previous node
		p := at(inst, pprev)
		if !p.IsAccessible() {
			return false
		}
		if back, ok := readLink(p, "next"); !ok || back != inst.Addr {
			return false
		}
	}
	return true
}

// IsHeadOfList reports whether the list_head inst, a member of parent, is
// the head of a list of other objects rather than the link of parent into
// a list of objects like itself.
func IsHeadOfList(parent *Node, inst symbols.Instance) bool {
	if parent == nil {
		return false
	}
	if IsHListHead(inst) {
		return true
	}
	if !IsListHead(inst) {
		return false
	}
	first, ok := firstListEntry(inst)
	if !ok || !ValidInstance(first) {
		return false
	}
	next, _ := readLink(inst, "next")
	offInParent := inst.Addr - parent.Address()
	offInEntry := next - first.Addr
	return !(offInParent == offInEntry && symbols.Equal(parent.Type(), first.Type))
}

// firstListEntry returns the object the first link of a list_head or
// hlist_head points to, seen through the link's single candidate type if
// there is one.
func firstListEntry(head symbols.Instance) (symbols.Instance, bool) {
	next := head.Member(0, symbols.ResolveNone, true)
	if !next.IsValid() || next.IsNull() {
		return symbols.Instance{}, false
	}
	switch head.MemberCandidatesCount(0) {
	case 0:
		entry, _ := next.Dereference(symbols.ResolveLexicalAndPointers, 1)
		return entry, entry.IsValid()
	case 1:
		entry := head.MemberCandidate(0, 0)
		return entry, entry.IsValid()
	}
	return symbols.Instance{}, false
}

// ValidCandidateForListHead reports whether cand is an object the list
// head points into: the next link of head must point to a list_head
// inside cand whose prev link points back.
func ValidCandidateForListHead(head, cand symbols.Instance) bool {
	if !ValidListHead(head, false) {
		return false
	}
	next, ok := readLink(head, "next")
	if !ok || next == head.Addr || IsDefaultValue(next, head.Mem.Specs()) || next < cand.Addr {
		return false
	}
	link, ok := cand.MemberByOffset(next-cand.Addr, true)
	if !ok || !IsListHead(link) {
		return false
	}
	prev, ok := readLink(link, "prev")
	return ok && prev == head.Addr
}

// CompatibleCandidate reports whether cand, a candidate object for a
// member of parent, fits the memory it is found in.
func CompatibleCandidate(parent, cand symbols.Instance) bool {
	if IsListHead(parent) {
		return ValidCandidateForListHead(parent, cand)
	}
	return true
}
