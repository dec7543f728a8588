package memory

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Image is an in-memory address space made of non-overlapping segments. It
// stands in for a live target when replaying or testing traversals.
type Image struct {
	segments []segment
	next     uint64
}

type segment struct {
	base uint64
	data []byte
}

// NewImage returns an empty image whose allocator starts at base.
func NewImage(base uint64) *Image {
	return &Image{next: base}
}

// Map places data at addr. The caller is responsible for not overlapping
// existing segments.
func (m *Image) Map(addr uint64, data []byte) {
	m.segments = append(m.segments, segment{base: addr, data: data})
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].base < m.segments[j].base })
	if end := addr + uint64(len(data)); end > m.next {
		m.next = end
	}
}

// Alloc maps a zeroed, 16-byte aligned region of n bytes and returns its
// address. Every allocation gets a distinct address, even for n == 0.
func (m *Image) Alloc(n int) uint64 {
	addr := (m.next + 15) &^ 15
	if addr == 0 {
		addr = 16
	}
	size := n
	if size == 0 {
		size = 1
	}
	m.Map(addr, make([]byte, size))
	return addr
}

// AllocBytes maps a copy of data and returns its address.
func (m *Image) AllocBytes(data []byte) uint64 {
	addr := m.Alloc(len(data))
	copy(m.find(addr, len(data)), data)
	return addr
}

// PutU64 writes v at addr, which must be inside a mapped segment.
func (m *Image) PutU64(addr, v uint64) {
	binary.LittleEndian.PutUint64(m.mustFind(addr, 8), v)
}

func (m *Image) PutU32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.mustFind(addr, 4), v)
}

func (m *Image) PutU8(addr uint64, v uint8) {
	m.mustFind(addr, 1)[0] = v
}

// Write copies data to addr, which must be inside a mapped segment.
func (m *Image) Write(addr uint64, data []byte) {
	copy(m.mustFind(addr, len(data)), data)
}

// ReadMemory implements Accessor. Reads never cross segment boundaries.
func (m *Image) ReadMemory(addr uint64, buf []byte) (int, error) {
	i := sort.Search(len(m.segments), func(i int) bool { return m.segments[i].base > addr }) - 1
	if i < 0 {
		return 0, fmt.Errorf("address %#x not mapped", addr)
	}
	seg := m.segments[i]
	off := addr - seg.base
	if off >= uint64(len(seg.data)) {
		return 0, fmt.Errorf("address %#x not mapped", addr)
	}
	return copy(buf, seg.data[off:]), nil
}

func (m *Image) find(addr uint64, n int) []byte {
	for _, seg := range m.segments {
		if addr >= seg.base && addr+uint64(n) <= seg.base+uint64(len(seg.data)) {
			off := addr - seg.base
			return seg.data[off : off+uint64(n)]
		}
	}
	return nil
}

func (m *Image) mustFind(addr uint64, n int) []byte {
	b := m.find(addr, n)
	if b == nil {
		panic(fmt.Sprintf("memory image: %d bytes at %#x not mapped", n, addr))
	}
	return b
}
