package vmem

import (
	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1

	ptePresent  = 1 << 0
	ptePageSize = 1 << 7

	// physical address bits of a 64-bit page table entry
	pteAddrMask64 = 0x000ffffffffff000
)

var errNotPresent = errors.New("page not present")

// VirtualMemory translates guest kernel virtual addresses into addresses of
// an underlying physical memory image. Linearly mapped kernel ranges are
// translated arithmetically; everything else goes through the guest's page
// tables. Page translations are cached in an LRU table.
type VirtualMemory struct {
	phys  Memory
	specs MemSpecs
	tlb   *lru.Cache[uint64, uint64] // virtual page number -> physical page address
	log   logr.Logger
}

// NewVirtualMemory wraps phys. specs must describe the guest; phys.Specs()
// is not consulted.
func NewVirtualMemory(phys Memory, specs MemSpecs, opts ...Option) (*VirtualMemory, error) {
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	tlb, err := lru.New[uint64, uint64](o.tlbSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating TLB")
	}
	return &VirtualMemory{phys: phys, specs: specs, tlb: tlb, log: o.log}, nil
}

// Specs implements Memory.
func (vm *VirtualMemory) Specs() *MemSpecs { return &vm.specs }

// ReadAt implements Memory. Reads are split at page boundaries since
// contiguous virtual pages need not be physically contiguous.
func (vm *VirtualMemory) ReadAt(p []byte, addr uint64) (int, error) {
	var n int
	for n < len(p) {
		va := addr + uint64(n)
		pa, err := vm.Translate(va)
		if err != nil {
			return n, &AccessError{Op: "translate", Addr: va, Size: uint64(len(p) - n), Err: err}
		}
		chunk := pageSize - int(va&pageMask)
		if rest := len(p) - n; chunk > rest {
			chunk = rest
		}
		c, err := vm.phys.ReadAt(p[n:n+chunk], pa)
		n += c
		if err != nil {
			return n, &AccessError{Op: "read", Addr: va, Size: uint64(chunk), Err: err}
		}
	}
	return n, nil
}

// SafeSeek implements Memory.
func (vm *VirtualMemory) SafeSeek(addr uint64) bool {
	pa, err := vm.Translate(addr)
	return err == nil && vm.phys.SafeSeek(pa)
}

// Translate converts a virtual address into a physical one.
func (vm *VirtualMemory) Translate(vaddr uint64) (uint64, error) {
	s := &vm.specs
	if vaddr > s.VaddrSpaceEnd() {
		return 0, errors.Errorf("address 0x%x exceeds the virtual address space", vaddr)
	}
	if pa, ok := vm.translateLinear(vaddr); ok {
		return pa, nil
	}
	vpn := vaddr >> pageShift
	if page, ok := vm.tlb.Get(vpn); ok {
		return page | (vaddr & pageMask), nil
	}
	var pa uint64
	var err error
	switch s.Arch {
	case ArchX86_64:
		pa, err = vm.walk64(vaddr)
	case ArchI386PAE:
		pa, err = vm.walkPAE(vaddr)
	case ArchI386:
		pa, err = vm.walk32(vaddr)
	default:
		err = errors.Errorf("cannot translate addresses for architecture %s", s.Arch)
	}
	if err != nil {
		return 0, err
	}
	vm.tlb.Add(vpn, pa&^uint64(pageMask))
	return pa, nil
}

// translateLinear handles the kernel's direct mapping and the kernel text
// mapping.
func (vm *VirtualMemory) translateLinear(vaddr uint64) (uint64, bool) {
	s := &vm.specs
	if s.Arch.Is64Bit() && s.StartKernelMap != 0 && vaddr >= s.StartKernelMap && vaddr < s.ModulesVaddr {
		return vaddr - s.StartKernelMap, true
	}
	directEnd := s.HighMemory
	if directEnd == 0 {
		directEnd = s.VmallocStart
	}
	if vaddr >= s.PageOffset && vaddr < directEnd {
		return vaddr - s.PageOffset, true
	}
	return 0, false
}

func (vm *VirtualMemory) pte(table uint64, index uint64, size int) (uint64, error) {
	e, err := ReadUint(vm.phys, table+index*uint64(size), size)
	if err != nil {
		return 0, err
	}
	if e&ptePresent == 0 {
		return 0, errNotPresent
	}
	return e, nil
}

func (vm *VirtualMemory) walk64(vaddr uint64) (uint64, error) {
	s := &vm.specs
	if s.InitLevel4Pgt == 0 {
		return 0, errors.New("no top-level page table (INIT_LEVEL4_PGT) configured")
	}
	table := s.InitLevel4Pgt - s.StartKernelMap
	e, err := vm.pte(table, (vaddr>>39)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pml4")
	}
	e, err = vm.pte(e&pteAddrMask64, (vaddr>>30)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pdpt")
	}
	if e&ptePageSize != 0 {
		return (e & 0x000fffffc0000000) | (vaddr & 0x3fffffff), nil
	}
	e, err = vm.pte(e&pteAddrMask64, (vaddr>>21)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pd")
	}
	if e&ptePageSize != 0 {
		return (e & 0x000fffffffe00000) | (vaddr & 0x1fffff), nil
	}
	e, err = vm.pte(e&pteAddrMask64, (vaddr>>12)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pt")
	}
	return (e & pteAddrMask64) | (vaddr & pageMask), nil
}

func (vm *VirtualMemory) walkPAE(vaddr uint64) (uint64, error) {
	s := &vm.specs
	if s.SwapperPgDir == 0 {
		return 0, errors.New("no top-level page table (SWAPPER_PG_DIR) configured")
	}
	table := s.SwapperPgDir - s.PageOffset
	e, err := vm.pte(table, (vaddr>>30)&0x3, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pdpt")
	}
	e, err = vm.pte(e&pteAddrMask64, (vaddr>>21)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pd")
	}
	if e&ptePageSize != 0 {
		return (e & 0x000fffffffe00000) | (vaddr & 0x1fffff), nil
	}
	e, err = vm.pte(e&pteAddrMask64, (vaddr>>12)&0x1ff, 8)
	if err != nil {
		return 0, errors.Wrap(err, "pt")
	}
	return (e & pteAddrMask64) | (vaddr & pageMask), nil
}

func (vm *VirtualMemory) walk32(vaddr uint64) (uint64, error) {
	s := &vm.specs
	if s.SwapperPgDir == 0 {
		return 0, errors.New("no top-level page table (SWAPPER_PG_DIR) configured")
	}
	table := s.SwapperPgDir - s.PageOffset
	e, err := vm.pte(table, (vaddr>>22)&0x3ff, 4)
	if err != nil {
		return 0, errors.Wrap(err, "pd")
	}
	if e&ptePageSize != 0 {
		return (e & 0xffc00000) | (vaddr & 0x3fffff), nil
	}
	e, err = vm.pte(e&0xfffff000, (vaddr>>12)&0x3ff, 4)
	if err != nil {
		return 0, errors.Wrap(err, "pt")
	}
	return (e & 0xfffff000) | (vaddr & pageMask), nil
}

// FlushTLB drops all cached translations.
func (vm *VirtualMemory) FlushTLB() {
	vm.tlb.Purge()
}
