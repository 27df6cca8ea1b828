package vmem

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// sanityChecks enables possibly-expensive assertion checks.
const sanityChecks = true

// Image is a memory snapshot addressed directly by image address: address
// A reads the byte at A in whichever segment covers it. For a plain
// physical memory dump, image addresses are physical addresses.
//
// Image implements Memory, which makes it usable on its own for tests and
// for snapshots that were already linearized into virtual address order.
type Image struct {
	specs MemSpecs
	segs  segments
	files []*mmapFile
	log   logr.Logger
}

// Option configures an Image or a VirtualMemory.
type Option func(*options)

type options struct {
	log     logr.Logger
	tlbSize int
}

// WithLogger sets the logger used for diagnostics.
func WithLogger(log logr.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithTLBSize sets the number of page translations cached by a
// VirtualMemory.
func WithTLBSize(n int) Option {
	return func(o *options) { o.tlbSize = n }
}

func buildOptions(opts []Option) options {
	o := options{log: logr.Discard(), tlbSize: 4096}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// NewImage returns an empty image. Use Map to add memory.
func NewImage(specs MemSpecs, opts ...Option) *Image {
	o := buildOptions(opts)
	return &Image{specs: specs, log: o.log}
}

// Map makes data readable at addr. Ranges already mapped take precedence.
// data is not copied.
func (img *Image) Map(addr uint64, data []byte, name string) {
	img.segs.insert(segment{addr: addr, data: data, name: name})
	img.log.V(2).Info("mapped segment", "addr", addr, "size", len(data), "from", name)
}

// OpenImage opens the snapshot file at path and maps it at base.
// Files ending in .xz or .zst are decompressed into memory; all other files
// are mmap'd read-only.
func OpenImage(path string, base uint64, specs MemSpecs, opts ...Option) (*Image, error) {
	if err := specs.Validate(); err != nil {
		return nil, err
	}
	img := NewImage(specs, opts...)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz", ".zst", ".zstd":
		data, err := readCompressed(path)
		if err != nil {
			return nil, err
		}
		img.Map(base, data, path)
	default:
		f, err := mmapOpen(path)
		if err != nil {
			return nil, err
		}
		img.files = append(img.files, f)
		img.Map(base, f.data, path)
	}
	img.log.V(1).Info("opened memory image", "path", path, "size", img.Size())
	return img, nil
}

func readCompressed(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xz":
		xr, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			return nil, errors.Wrapf(err, "opening xz stream %s", path)
		}
		r = xr
	default:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "opening zstd stream %s", path)
		}
		defer zr.Close()
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing %s", path)
	}
	return data, nil
}

// Specs implements Memory.
func (img *Image) Specs() *MemSpecs { return &img.specs }

// ReadAt implements Memory.
func (img *Image) ReadAt(p []byte, addr uint64) (int, error) {
	n := img.segs.copyOut(p, addr)
	if n < len(p) {
		return n, &AccessError{Op: "read", Addr: addr, Size: uint64(len(p))}
	}
	return n, nil
}

// SafeSeek implements Memory.
func (img *Image) SafeSeek(addr uint64) bool {
	_, ok := img.segs.find(addr)
	return ok
}

// Size returns the number of mapped bytes.
func (img *Image) Size() uint64 {
	var n uint64
	for _, s := range img.segs {
		n += s.size()
	}
	return n
}

// Close releases all mmap'd files.
func (img *Image) Close() error {
	var first error
	for _, f := range img.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	img.files = nil
	img.segs = nil
	return first
}
