package vmem

import (
	"fmt"
	"sort"
)

// segment describes one contiguous range of image memory.
type segment struct {
	addr uint64
	data []byte // points into an mmap'd file or a decompressed buffer
	name string // origin, for debugging
}

func (s segment) String() string {
	return fmt.Sprintf("segment{addr:0x%x, size:0x%x, from:%q}", s.addr, s.size(), s.name)
}

// contains reports whether the segment contains the given address.
func (s segment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.addr+s.size()
}

// size reports the size of the segment in bytes.
func (s segment) size() uint64 {
	return uint64(len(s.data))
}

// end is the first address after the segment.
func (s segment) end() uint64 {
	return s.addr + s.size()
}

// segments is a sorted list of non-overlapping segments.
type segments []segment

func (ss segments) Len() int           { return len(ss) }
func (ss segments) Swap(i, k int)      { ss[i], ss[k] = ss[k], ss[i] }
func (ss segments) Less(i, k int) bool { return ss[i].addr < ss[k].addr }

// find finds the segment that contains the given address.
func (ss segments) find(addr uint64) (segment, bool) {
	// Binary search for an upper-bound segment, then check
	// if the previous segment contains addr.
	k := sort.Search(len(ss), func(k int) bool {
		return addr < ss[k].addr
	})
	k--
	if k >= 0 && ss[k].contains(addr) {
		return ss[k], true
	}
	return segment{}, false
}

// copyOut copies memory starting at addr into p, crossing into adjacent
// segments as long as they are contiguous. Returns the number of bytes copied.
func (ss segments) copyOut(p []byte, addr uint64) int {
	var n int
	for n < len(p) {
		s, ok := ss.find(addr)
		if !ok {
			break
		}
		c := copy(p[n:], s.data[addr-s.addr:])
		n += c
		addr += uint64(c)
	}
	return n
}

// insert adds s to ss. Ranges already covered by ss take precedence: only the
// parts of s that do not overlap an existing segment are inserted.
func (ss *segments) insert(s segment) {
	if s.size() == 0 {
		return
	}

	if sanityChecks {
		defer func() {
			if !sort.IsSorted(*ss) {
				panic(fmt.Sprintf("segments are not sorted after insert(%s)", s))
			}
		}()
	}

	// Binary search for the first segment where seg.end() > s.addr.
	k := sort.Search(len(*ss), func(k int) bool {
		return (*ss)[k].end() > s.addr
	})

	// Starting from k, walk forward and split s at all overlapping segments.
	for s.size() > 0 {
		if k == len(*ss) {
			*ss = append(*ss, s)
			return
		}
		cur := (*ss)[k]
		// If any part of s lies to the left of segment k, insert it before k.
		if s.addr < cur.addr {
			n := cur.addr - s.addr
			if n > s.size() {
				n = s.size()
			}
			left := segment{addr: s.addr, data: s.data[:n:n], name: s.name}
			*ss = append((*ss)[:k], append(segments{left}, (*ss)[k:]...)...)
			k++
			s.addr += n
			s.data = s.data[n:]
			continue
		}
		// Skip the part that overlaps segment k.
		if cur.end() >= s.end() {
			return
		}
		skip := cur.end() - s.addr
		s.addr += skip
		s.data = s.data[skip:]
		k++
	}
}
