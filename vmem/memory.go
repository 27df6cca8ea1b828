// Package vmem provides access to the memory of a guest kernel snapshot.
//
// A Memory is addressed with guest virtual addresses. Images hold the raw
// bytes of a snapshot as a sorted list of segments; a VirtualMemory
// translates kernel virtual addresses to image offsets using the fixed
// kernel mappings described by MemSpecs and, for everything else, a page
// table walk.
//
// Reads are positional (ReadAt) so that a Memory can be shared by the
// goroutines of the memory map builder without any cursor state.
package vmem

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// ErrAccess is the sentinel matched by every AccessError.
var ErrAccess = errors.New("memory access error")

// AccessError reports a failed read from guest memory.
type AccessError struct {
	Op   string // "read", "translate", ...
	Addr uint64
	Size uint64
	Err  error // underlying cause, may be nil
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("vmem: cannot %s 0x%x bytes at 0x%x", e.Op, e.Size, e.Addr)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrAccess) hold for every AccessError.
func (e *AccessError) Is(target error) bool { return target == ErrAccess }

func (e *AccessError) Unwrap() error { return e.Err }

// Memory is the virtual memory handle used for all byte access.
type Memory interface {
	// ReadAt reads len(p) bytes starting at virtual address addr.
	// A short read always comes with an *AccessError.
	ReadAt(p []byte, addr uint64) (int, error)

	// SafeSeek reports whether addr can be read, without failing.
	SafeSeek(addr uint64) bool

	// Specs returns the memory layout of the guest.
	Specs() *MemSpecs
}

// byteOrder is the byte order of every supported guest.
var byteOrder = binary.LittleEndian

// ReadBytes reads size bytes at addr.
func ReadBytes(m Memory, addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := m.ReadAt(buf, addr)
	if err != nil {
		return buf[:n], err
	}
	if uint64(n) != size {
		return buf[:n], &AccessError{Op: "read", Addr: addr, Size: size}
	}
	return buf, nil
}

// ReadUint reads an unsigned little-endian integer of size 1, 2, 4 or 8.
func ReadUint(m Memory, addr uint64, size int) (uint64, error) {
	var buf [8]byte
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, errors.Errorf("vmem: invalid integer size %d", size)
	}
	n, err := m.ReadAt(buf[:size], addr)
	if err != nil {
		return 0, err
	}
	if n != size {
		return 0, &AccessError{Op: "read", Addr: addr, Size: uint64(size)}
	}
	return DecodeUint(buf[:size]), nil
}

// ReadInt reads a signed little-endian integer of size 1, 2, 4 or 8.
func ReadInt(m Memory, addr uint64, size int) (int64, error) {
	u, err := ReadUint(m, addr, size)
	if err != nil {
		return 0, err
	}
	return SignExtend(u, size), nil
}

// ReadPointer reads a pointer-sized value.
func ReadPointer(m Memory, addr uint64) (uint64, error) {
	return ReadUint(m, addr, m.Specs().PointerSize())
}

// ReadFloat32 reads an IEEE 754 single.
func ReadFloat32(m Memory, addr uint64) (float32, error) {
	u, err := ReadUint(m, addr, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(uint32(u)), nil
}

// ReadFloat64 reads an IEEE 754 double.
func ReadFloat64(m Memory, addr uint64) (float64, error) {
	u, err := ReadUint(m, addr, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(u), nil
}

// DecodeUint decodes a little-endian integer of 1, 2, 4 or 8 bytes.
func DecodeUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(byteOrder.Uint16(b))
	case 4:
		return uint64(byteOrder.Uint32(b))
	case 8:
		return byteOrder.Uint64(b)
	}
	panic(fmt.Sprintf("vmem: bad integer size %d", len(b)))
}

// SignExtend interprets the low size bytes of u as a two's complement number.
func SignExtend(u uint64, size int) int64 {
	shift := uint(64 - 8*size)
	return int64(u<<shift) >> shift
}
