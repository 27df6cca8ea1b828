package memmap

import (
	"math/bits"
	"sync"
)

const (
	coverageChunkWords = 4096 // words per chunk
	coverageWordsPerU  = 64
)

// coverage has one bit for each pointer-aligned word of guest memory that
// some node covers. Chunks are allocated on first use since the kernel
// address space is sparse.
type coverage struct {
	mu      sync.Mutex
	ptrSize uint64
	chunks  map[uint64]*coverageChunk // by chunk index
	words   uint64                    // number of set bits
}

type coverageChunk [coverageChunkWords / coverageWordsPerU]uint64

func newCoverage(ptrSize int) *coverage {
	return &coverage{ptrSize: uint64(ptrSize), chunks: make(map[uint64]*coverageChunk)}
}

func roundDown(x, align uint64) uint64 { return x - x%align }

// acquireRange sets all bits in the range [addr, addr+size) and returns
// the number of bits that were previously clear.
func (c *coverage) acquireRange(addr, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	first := roundDown(addr, c.ptrSize) / c.ptrSize
	last := (addr + size - 1) / c.ptrSize
	if last < first {
		// wrapped around the end of the address space
		last = ^uint64(0) / c.ptrSize
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var changed uint64
	for w := first; ; w++ {
		ci := w / coverageChunkWords
		chunk, ok := c.chunks[ci]
		if !ok {
			chunk = new(coverageChunk)
			c.chunks[ci] = chunk
		}
		bit := w % coverageChunkWords
		mask := uint64(1) << (bit % coverageWordsPerU)
		if chunk[bit/coverageWordsPerU]&mask == 0 {
			chunk[bit/coverageWordsPerU] |= mask
			changed++
		}
		if w == last {
			break
		}
	}
	c.words += changed
	return changed
}

// covered reports whether the word containing addr is set.
func (c *coverage) covered(addr uint64) bool {
	w := addr / c.ptrSize
	c.mu.Lock()
	defer c.mu.Unlock()
	chunk, ok := c.chunks[w/coverageChunkWords]
	if !ok {
		return false
	}
	bit := w % coverageChunkWords
	return chunk[bit/coverageWordsPerU]&(1<<(bit%coverageWordsPerU)) != 0
}

// bytes returns the number of covered bytes.
func (c *coverage) bytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.words * c.ptrSize
}

// chunkCount returns the number of allocated chunks and the number of set
// bits they hold, for consistency checks.
func (c *coverage) chunkCount() (int, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var set uint64
	for _, chunk := range c.chunks {
		for _, u := range chunk {
			set += uint64(bits.OnesCount64(u))
		}
	}
	return len(c.chunks), set
}
