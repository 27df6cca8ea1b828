package symbols

import (
	"fmt"
	"sort"

	"github.com/allewwaly/insight-vmi-sub004/vmem"
)

// Variable describes a global variable of the kernel image.
type Variable struct {
	ReferencingType
	id       int
	name     string
	addr     uint64
	external bool
	srcFile  int
	srcLine  int
}

func (v *Variable) ID() int        { return v.id }
func (v *Variable) Name() string   { return v.name }
func (v *Variable) Addr() uint64   { return v.addr }
func (v *Variable) External() bool { return v.external }
func (v *Variable) SrcFile() int   { return v.srcFile }

// Type is the declared type of the variable.
func (v *Variable) Type() Type { return v.refType }

// Size returns the size of the variable's type.
func (v *Variable) Size() uint64 {
	if v.refType == nil {
		return 0
	}
	return v.refType.Size()
}

// ContainsAddress reports whether addr lies within the variable.
func (v *Variable) ContainsAddress(addr uint64) bool {
	return v.addr <= addr && addr < v.addr+v.Size()
}

func (v *Variable) String() string {
	if v.refType == nil {
		return fmt.Sprintf("%s @ 0x%x", v.name, v.addr)
	}
	return fmt.Sprintf("%s %s @ 0x%x", v.refType, v.name, v.addr)
}

// ToInstance returns the variable's value in mem, resolved through resolve.
func (v *Variable) ToInstance(mem vmem.Memory, resolve Kind) Instance {
	inst := Instance{Addr: v.addr, Type: v.refType, Mem: mem, Name: v.name, ID: v.id}
	if resolve != ResolveNone {
		inst, _ = inst.Dereference(resolve, -1)
	}
	return inst
}

// CompileUnit is a translation unit of the kernel build.
type CompileUnit struct {
	ID   int
	Name string
	Dir  string
}

type sortVarByAddr []*Variable

func (a sortVarByAddr) Len() int           { return len(a) }
func (a sortVarByAddr) Swap(i, k int)      { a[i], a[k] = a[k], a[i] }
func (a sortVarByAddr) Less(i, k int) bool { return a[i].addr < a[k].addr }

// VarSet indexes variables by address.
type VarSet struct {
	list sortVarByAddr // kept sorted
}

// Len returns the number of variables in the set.
func (vs *VarSet) Len() int { return len(vs.list) }

// All returns the variables ordered by address.
func (vs *VarSet) All() []*Variable { return vs.list }

// FindAddr looks up the variable that contains the given address.
func (vs *VarSet) FindAddr(addr uint64) (*Variable, bool) {
	// Binary search for an upper-bound, then check if the previous var contains addr.
	k := sort.Search(len(vs.list), func(k int) bool {
		return addr < vs.list[k].addr
	})
	k--
	if k >= 0 && vs.list[k].ContainsAddress(addr) {
		return vs.list[k], true
	}
	return nil, false
}

// insert adds v to the set.
// Returns an error if v overlaps any variable already in the set.
// Zero-sized variables never conflict.
func (vs *VarSet) insert(v *Variable) error {
	reportConflict := func(old *Variable) error {
		return fmt.Errorf("cannot insert %s (addr=0x%x, size=0x%x): overlaps %s (addr=0x%x, size=0x%x)",
			v.name, v.addr, v.Size(), old.name, old.addr, old.Size())
	}

	// Binary search for an upper-bound.
	k := sort.Search(len(vs.list), func(k int) bool {
		return v.addr < vs.list[k].addr
	})

	if v.Size() > 0 {
		if k < len(vs.list) && vs.list[k].Size() > 0 && vs.list[k].addr <= v.addr+v.Size()-1 {
			return reportConflict(vs.list[k])
		}
		if k > 0 && vs.list[k-1].ContainsAddress(v.addr) {
			return reportConflict(vs.list[k-1])
		}
	}

	// Insert before k.
	vs.list = append(vs.list[:k], append(sortVarByAddr{v}, vs.list[k:]...)...)

	if sanityChecks && !sort.IsSorted(vs.list) {
		panic(fmt.Sprintf("vars are not sorted after insert(0x%x, 0x%x)", v.addr, v.Size()))
	}
	return nil
}
