package vm

import (
	"encoding/binary"
	"sort"
	"sync"
)

// RegionKind classifies an allocation.
type RegionKind uint8

// Region kinds.
const (
	RegionGlobal RegionKind = iota
	RegionHeap
	RegionStack
)

func (k RegionKind) String() string {
	switch k {
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	default:
		return "global"
	}
}

// Region is one allocation of the program.
type Region struct {
	Base uint64
	Size uint64
	Kind RegionKind
	// Name is the global or local variable name; empty for heap blocks.
	Name string
	// Decl is the declaration (or allocation) line.
	Decl  int
	Freed bool
}

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.Base+r.Size
}

const (
	arenaBase = 0x10000
	pageBits  = 12
	pageSize  = 1 << pageBits
	align     = 16
)

// memory is the program's byte-addressable arena.
//
// A bump allocator hands out addresses that are never reused, with a gap
// of at least gap bytes before and after every block, so stale pointers
// and overruns land in memory no live allocation owns.
type memory struct {
	mu      sync.RWMutex
	pages   map[uint64]*[pageSize]byte
	next    uint64
	gap     uint64
	regions []*Region // sorted by Base
}

func newMemory(gap uint64) *memory {
	return &memory{
		pages: make(map[uint64]*[pageSize]byte),
		next:  arenaBase,
		gap:   gap,
	}
}

func (m *memory) alloc(size uint64, kind RegionKind, name string, decl int) *Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	base := roundUp(m.next+m.gap, align)
	r := &Region{Base: base, Size: size, Kind: kind, Name: name, Decl: decl}
	m.next = base + size + m.gap
	m.regions = append(m.regions, r)
	return r
}

func roundUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// region returns the live or freed region containing addr.
func (m *memory) region(addr uint64) *Region {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].Base > addr }) - 1
	if i < 0 || !m.regions[i].Contains(addr) {
		return nil
	}
	return m.regions[i]
}

// block returns the region starting exactly at base.
func (m *memory) block(base uint64) *Region {
	r := m.region(base)
	if r == nil || r.Base != base {
		return nil
	}
	return r
}

func (m *memory) markFreed(r *Region) {
	m.mu.Lock()
	r.Freed = true
	m.mu.Unlock()
}

func (m *memory) read(addr uint64, buf []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range buf {
		a := addr + uint64(i)
		if p := m.pages[a>>pageBits]; p != nil {
			buf[i] = p[a&(pageSize-1)]
		} else {
			buf[i] = 0
		}
	}
}

func (m *memory) write(addr uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range data {
		a := addr + uint64(i)
		p := m.pages[a>>pageBits]
		if p == nil {
			p = new([pageSize]byte)
			m.pages[a>>pageBits] = p
		}
		p[a&(pageSize-1)] = b
	}
}

// load reads width bytes little-endian and sign-extends them.
func (m *memory) load(addr uint64, width int) int64 {
	var buf [8]byte
	m.read(addr, buf[:width])
	v := binary.LittleEndian.Uint64(buf[:])
	shift := 64 - 8*uint(width)
	return int64(v<<shift) >> shift
}

func (m *memory) store(addr uint64, width int, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	m.write(addr, buf[:width])
}

// cstring reads a NUL-terminated string of at most limit bytes.
func (m *memory) cstring(addr uint64, limit int) string {
	var out []byte
	var b [1]byte
	for len(out) < limit {
		m.read(addr+uint64(len(out)), b[:])
		if b[0] == 0 {
			break
		}
		out = append(out, b[0])
	}
	return string(out)
}
