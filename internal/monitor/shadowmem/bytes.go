package shadowmem

import (
	"sync"
)

// State is the validity of one byte of program memory.
type State uint8

// Byte states. Untracked bytes (globals, argv, anything no allocation
// probe described) pass Check; callers decide whether some region owns
// them.
const (
	Untracked State = iota
	Addressable
	Unaddressable
	Freed
)

func (s State) String() string {
	switch s {
	case Addressable:
		return "addressable"
	case Unaddressable:
		return "redzone"
	case Freed:
		return "freed"
	default:
		return "untracked"
	}
}

// Accessible reports whether a load or store may touch a byte in state s.
func (s State) Accessible() bool {
	return s == Untracked || s == Addressable
}

const (
	pageBits = 12
	pageSize = 1 << pageBits
	pageMask = pageSize - 1
)

type page struct {
	mu     sync.RWMutex
	states [pageSize]State
}

// Bytes is byte-granular validity shadow for memory-safety checks.
//
// Memory is split into 4 KiB pages created on first poison. The page map
// follows the same get-or-create pattern as ShadowMemory; each page has
// its own lock so threads touching different pages never contend.
type Bytes struct {
	pages sync.Map // map[uint64]*page
}

// NewBytes creates an empty byte shadow. Every byte starts Untracked.
func NewBytes() *Bytes {
	return &Bytes{}
}

func (b *Bytes) page(n uint64, create bool) *page {
	if v, ok := b.pages.Load(n); ok {
		return v.(*page)
	}
	if !create {
		return nil
	}
	v, _ := b.pages.LoadOrStore(n, &page{})
	return v.(*page)
}

// Poison sets the state of size bytes starting at addr.
func (b *Bytes) Poison(addr, size uint64, s State) {
	for size > 0 {
		p := b.page(addr>>pageBits, true)
		off := addr & pageMask
		n := min(size, pageSize-off)
		p.mu.Lock()
		for i := off; i < off+n; i++ {
			p.states[i] = s
		}
		p.mu.Unlock()
		addr += n
		size -= n
	}
}

// State returns the state of the byte at addr.
func (b *Bytes) State(addr uint64) State {
	p := b.page(addr>>pageBits, false)
	if p == nil {
		return Untracked
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.states[addr&pageMask]
}

// Check verifies that size bytes starting at addr are accessible.
//
// Returns:
//   - bad: address of the first inaccessible byte
//   - state: its state
//   - ok: true when every byte is accessible (bad and state are zero)
func (b *Bytes) Check(addr, size uint64) (bad uint64, state State, ok bool) {
	for i := uint64(0); i < size; i++ {
		if s := b.State(addr + i); !s.Accessible() {
			return addr + i, s, false
		}
	}
	return 0, Untracked, true
}

// Reset forgets every page. Not safe for concurrent use.
func (b *Bytes) Reset() {
	b.pages = sync.Map{}
}
