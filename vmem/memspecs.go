package vmem

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Arch is the guest architecture of a memory snapshot.
type Arch int

const (
	ArchUnknown Arch = iota
	ArchI386
	ArchI386PAE
	ArchX86_64
)

func (a Arch) String() string {
	switch a {
	case ArchI386:
		return "i386"
	case ArchI386PAE:
		return "i386_pae"
	case ArchX86_64:
		return "x86_64"
	default:
		return "unknown"
	}
}

// ParseArch parses the names printed by Arch.String.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "i386", "x86":
		return ArchI386, nil
	case "i386_pae", "pae":
		return ArchI386PAE, nil
	case "x86_64", "amd64":
		return ArchX86_64, nil
	}
	return ArchUnknown, errors.Errorf("unknown architecture %q", s)
}

// Is64Bit reports whether pointers are 8 bytes wide.
func (a Arch) Is64Bit() bool { return a == ArchX86_64 }

// MemSpecs describes the fixed memory layout of a guest kernel.
// All addresses are virtual addresses.
type MemSpecs struct {
	Arch Arch `yaml:"arch"`

	PageOffset     uint64 `yaml:"page_offset"`
	HighMemory     uint64 `yaml:"high_memory"` // 0 if unknown
	VmallocStart   uint64 `yaml:"vmalloc_start"`
	VmallocEnd     uint64 `yaml:"vmalloc_end"`
	VmemmapStart   uint64 `yaml:"vmemmap_start"`
	VmemmapEnd     uint64 `yaml:"vmemmap_end"`
	ModulesVaddr   uint64 `yaml:"modules_vaddr"`
	ModulesEnd     uint64 `yaml:"modules_end"`
	StartKernelMap uint64 `yaml:"start_kernel_map"`
	InitLevel4Pgt  uint64 `yaml:"init_level4_pgt"` // x86_64 top-level page table
	SwapperPgDir   uint64 `yaml:"swapper_pg_dir"`  // i386 top-level page table

	SizeofLong    int `yaml:"sizeof_long"`
	SizeofPointer int `yaml:"sizeof_pointer"`

	ListPoison1 uint64 `yaml:"list_poison1"`
	ListPoison2 uint64 `yaml:"list_poison2"`
	MaxErrNo    uint64 `yaml:"max_errno"`

	BigEndian bool `yaml:"big_endian"`
}

// DefaultMemSpecs returns the layout of a stock kernel for arch.
func DefaultMemSpecs(arch Arch) MemSpecs {
	switch arch {
	case ArchX86_64:
		return MemSpecs{
			Arch:           ArchX86_64,
			PageOffset:     0xffff880000000000,
			VmallocStart:   0xffffc90000000000,
			VmallocEnd:     0xffffe8ffffffffff,
			VmemmapStart:   0xffffea0000000000,
			VmemmapEnd:     0xffffeaffffffffff,
			ModulesVaddr:   0xffffffffa0000000,
			ModulesEnd:     0xffffffffff000000,
			StartKernelMap: 0xffffffff80000000,
			SizeofLong:     8,
			SizeofPointer:  8,
			ListPoison1:    0x00100100,
			ListPoison2:    0x00200200,
			MaxErrNo:       4095,
		}
	case ArchI386, ArchI386PAE:
		return MemSpecs{
			Arch:           arch,
			PageOffset:     0xc0000000,
			VmallocStart:   0xf8000000,
			VmallocEnd:     0xff7fe000,
			ModulesVaddr:   0xf8000000,
			ModulesEnd:     0xff7fe000,
			StartKernelMap: 0xc0000000,
			SizeofLong:     4,
			SizeofPointer:  4,
			ListPoison1:    0x00100100,
			ListPoison2:    0x00200200,
			MaxErrNo:       4095,
		}
	}
	return MemSpecs{}
}

// VaddrSpaceEnd returns the last valid virtual address.
func (s *MemSpecs) VaddrSpaceEnd() uint64 {
	if s.Arch.Is64Bit() {
		return ^uint64(0)
	}
	return 0xffffffff
}

// PointerSize returns the size of a pointer in bytes.
func (s *MemSpecs) PointerSize() int {
	if s.SizeofPointer > 0 {
		return s.SizeofPointer
	}
	if s.Arch.Is64Bit() {
		return 8
	}
	return 4
}

// LongSize returns the size of the C "long" type in bytes.
func (s *MemSpecs) LongSize() int {
	if s.SizeofLong > 0 {
		return s.SizeofLong
	}
	return s.PointerSize()
}

// Validate checks that s describes a supported configuration.
// Only little-endian guests are supported.
func (s *MemSpecs) Validate() error {
	if s.BigEndian {
		return errors.New("memspecs: big-endian guests are not supported")
	}
	if s.Arch == ArchUnknown {
		return errors.New("memspecs: architecture not set")
	}
	if ps := s.PointerSize(); ps != 4 && ps != 8 {
		return errors.Errorf("memspecs: invalid pointer size %d", ps)
	}
	if !s.Arch.Is64Bit() && (s.PageOffset > 0xffffffff || s.VmallocEnd > 0xffffffff) {
		return errors.Errorf("memspecs: address exceeds 32 bit address space for %s", s.Arch)
	}
	if s.VmallocStart > s.VmallocEnd {
		return errors.Errorf("memspecs: VMALLOC_START 0x%x > VMALLOC_END 0x%x", s.VmallocStart, s.VmallocEnd)
	}
	return nil
}

// SetFromKeyValue sets one field from the key-value output of the memspecs
// helper program, e.g. PAGE_OFFSET=ffff880000000000. Numbers are hex.
func (s *MemSpecs) SetFromKeyValue(key, value string) error {
	value = strings.TrimSpace(value)
	hex := func(dst *uint64) error {
		v, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
		if err != nil {
			return errors.Wrapf(err, "memspecs: key %s", key)
		}
		*dst = v
		return nil
	}
	switch strings.ToUpper(key) {
	case "ARCHITECTURE":
		a, err := ParseArch(value)
		if err != nil {
			return err
		}
		s.Arch = a
		return nil
	case "SIZEOF_UNSIGNED_LONG", "SIZEOF_LONG":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "memspecs: key %s", key)
		}
		s.SizeofLong = n
		return nil
	case "SIZEOF_POINTER":
		n, err := strconv.Atoi(value)
		if err != nil {
			return errors.Wrapf(err, "memspecs: key %s", key)
		}
		s.SizeofPointer = n
		return nil
	case "BIG_ENDIAN":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return errors.Wrapf(err, "memspecs: key %s", key)
		}
		s.BigEndian = b
		return nil
	case "PAGE_OFFSET":
		return hex(&s.PageOffset)
	case "HIGH_MEMORY":
		return hex(&s.HighMemory)
	case "VMALLOC_START":
		return hex(&s.VmallocStart)
	case "VMALLOC_END":
		return hex(&s.VmallocEnd)
	case "VMEMMAP_START":
		return hex(&s.VmemmapStart)
	case "VMEMMAP_END":
		return hex(&s.VmemmapEnd)
	case "MODULES_VADDR":
		return hex(&s.ModulesVaddr)
	case "MODULES_END":
		return hex(&s.ModulesEnd)
	case "START_KERNEL_MAP":
		return hex(&s.StartKernelMap)
	case "INIT_LEVEL4_PGT":
		return hex(&s.InitLevel4Pgt)
	case "SWAPPER_PG_DIR":
		return hex(&s.SwapperPgDir)
	case "LIST_POISON1":
		return hex(&s.ListPoison1)
	case "LIST_POISON2":
		return hex(&s.ListPoison2)
	case "MAX_ERRNO":
		return hex(&s.MaxErrNo)
	}
	return errors.Errorf("memspecs: unknown key %q", key)
}

// LoadMemSpecs reads a memspecs INI file. Keys live in the default section
// or in a [memspecs] section; the architecture key selects the defaults
// that the remaining keys override.
func LoadMemSpecs(source interface{}) (MemSpecs, error) {
	f, err := ini.Load(source)
	if err != nil {
		return MemSpecs{}, errors.Wrap(err, "memspecs: loading ini")
	}
	sec := f.Section("memspecs")
	if len(sec.Keys()) == 0 {
		sec = f.Section(ini.DefaultSection)
	}
	var specs MemSpecs
	if sec.HasKey("ARCHITECTURE") {
		arch, err := ParseArch(sec.Key("ARCHITECTURE").String())
		if err != nil {
			return MemSpecs{}, err
		}
		specs = DefaultMemSpecs(arch)
	}
	for _, k := range sec.Keys() {
		if err := specs.SetFromKeyValue(k.Name(), k.String()); err != nil {
			return MemSpecs{}, err
		}
	}
	if err := specs.Validate(); err != nil {
		return MemSpecs{}, err
	}
	return specs, nil
}

// WriteTo writes s in the format read by LoadMemSpecs.
func (s *MemSpecs) WriteTo(w io.Writer) (int64, error) {
	f := ini.Empty()
	sec, err := f.NewSection("memspecs")
	if err != nil {
		return 0, err
	}
	put := func(k string, v uint64) {
		sec.Key(k).SetValue(fmt.Sprintf("%x", v))
	}
	sec.Key("ARCHITECTURE").SetValue(s.Arch.String())
	sec.Key("SIZEOF_LONG").SetValue(strconv.Itoa(s.LongSize()))
	sec.Key("SIZEOF_POINTER").SetValue(strconv.Itoa(s.PointerSize()))
	put("PAGE_OFFSET", s.PageOffset)
	put("HIGH_MEMORY", s.HighMemory)
	put("VMALLOC_START", s.VmallocStart)
	put("VMALLOC_END", s.VmallocEnd)
	put("VMEMMAP_START", s.VmemmapStart)
	put("VMEMMAP_END", s.VmemmapEnd)
	put("MODULES_VADDR", s.ModulesVaddr)
	put("MODULES_END", s.ModulesEnd)
	put("START_KERNEL_MAP", s.StartKernelMap)
	put("INIT_LEVEL4_PGT", s.InitLevel4Pgt)
	put("SWAPPER_PG_DIR", s.SwapperPgDir)
	put("LIST_POISON1", s.ListPoison1)
	put("LIST_POISON2", s.ListPoison2)
	put("MAX_ERRNO", s.MaxErrNo)
	return f.WriteTo(w)
}
