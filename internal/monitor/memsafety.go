package monitor

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/kolkov/probekit/internal/ir"
	"github.com/kolkov/probekit/internal/monitor/shadowmem"
	"github.com/kolkov/probekit/internal/monitor/stackdepot"
	"github.com/kolkov/probekit/internal/srcmap"
	"github.com/kolkov/probekit/internal/vm"
)

// Violation kinds.
const (
	HeapBufferOverflow   = "heap-buffer-overflow"
	StackBufferOverflow  = "stack-buffer-overflow"
	HeapUseAfterFree     = "heap-use-after-free"
	StackUseAfterReturn  = "stack-use-after-return"
	DoubleFree           = "double-free"
	InvalidFree          = "invalid-free"
	UnknownCrash         = "unknown-crash"
	strcpyInterceptFile  = "libc::strcpy"
	strcpyInterceptFrame = "strcpy"
)

// Allocation is the record of one heap block or stack object. Freed
// records are kept so later accesses can be attributed.
type Allocation struct {
	Base  uint64          `msgpack:"base"`
	Size  uint64          `msgpack:"size"`
	Stack bool            `msgpack:"stack"`
	Name  string          `msgpack:"name,omitempty"`
	Site  srcmap.Location `msgpack:"site"`
	Freed bool            `msgpack:"freed"`
	Free  srcmap.Location `msgpack:"free"`
}

func (a *Allocation) kind() string {
	if a.Stack {
		return "stack"
	}
	return "heap"
}

// Violation is a memory-safety error. Returned from Handle it halts the
// program with ExitViolation.
type Violation struct {
	Kind string `msgpack:"kind"`
	// File is the source file of the access, or libc::strcpy for an
	// overflow inside the strcpy interceptor.
	File  string            `msgpack:"file"`
	Addr  uint64            `msgpack:"addr"`
	Size  uint64            `msgpack:"size"`
	Write bool              `msgpack:"write"`
	Stack []srcmap.Location `msgpack:"stack"`
	Alloc *Allocation       `msgpack:"alloc,omitempty"`
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s at 0x%x", v.Kind, v.Addr)
}

// ExitStatus implements vm.ExitStatus.
func (v *Violation) ExitStatus() int { return ExitViolation }

// Format renders the report. hideAddr omits the faulting address for
// reproducible output.
//
//	[ASAN] invalid memory access detected at oob-malloc.c
//	   5: myfunc
//	             at ./oob-malloc.c:9:13
//	   ...
//	SUMMARY: heap-buffer-overflow: write of 4 bytes 0 bytes after 40-byte heap block allocated at oob-malloc.c:7
func (v *Violation) Format(hideAddr bool) string {
	var b strings.Builder
	if hideAddr {
		fmt.Fprintf(&b, "[ASAN] invalid memory access detected at %s\n", v.File)
	} else {
		fmt.Fprintf(&b, "[ASAN] invalid memory access detected at %s: 0x%x\n", v.File, v.Addr)
	}
	b.WriteString(stackdepot.Format(v.Stack))
	b.WriteString("SUMMARY: " + v.summary() + "\n")
	return b.String()
}

func (v *Violation) summary() string {
	access := "read"
	if v.Write {
		access = "write"
	}
	s := v.Kind
	switch v.Kind {
	case DoubleFree, InvalidFree:
	default:
		s += fmt.Sprintf(": %s of %d bytes", access, v.Size)
	}
	a := v.Alloc
	if a == nil {
		return s
	}
	switch {
	case v.Addr < a.Base:
		s += fmt.Sprintf(" %d bytes before", a.Base-v.Addr)
	case v.Addr >= a.Base+a.Size:
		s += fmt.Sprintf(" %d bytes after", v.Addr-(a.Base+a.Size))
	default:
		s += fmt.Sprintf(" %d bytes inside", v.Addr-a.Base)
	}
	s += fmt.Sprintf(" %d-byte %s block", a.Size, a.kind())
	if a.Name != "" {
		s += " '" + a.Name + "'"
	}
	s += " allocated at " + site(a.Site)
	if a.Freed {
		s += ", freed at " + site(a.Free)
	}
	return s
}

func site(l srcmap.Location) string {
	if l.Line == 0 {
		return srcmap.DisplayName(l.Func)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// memSafety tracks allocations and the validity of every byte.
//
// Each allocation is surrounded by redzone poisoned bytes. Stack
// objects are grouped by frame and poisoned Freed when the frame leaves.
type memSafety struct {
	shadow  *shadowmem.Bytes
	redzone uint64

	mu     sync.Mutex
	allocs []*Allocation // sorted by Base
	frames map[uint32][][]*Allocation
	first  *Violation
}

func newMemSafety(shadow *shadowmem.Bytes, redzone uint64) *memSafety {
	return &memSafety{
		shadow:  shadow,
		redzone: redzone,
		frames:  make(map[uint32][][]*Allocation),
	}
}

// handle processes one mem.* probe and returns the violation it found.
// Only the first violation of a run is kept.
func (ms *memSafety) handle(ev *vm.Event) *Violation {
	var v *Violation
	switch ev.Kind {
	case ir.ProbeMemEnter:
		ms.mu.Lock()
		ms.frames[ev.TID] = append(ms.frames[ev.TID], nil)
		ms.mu.Unlock()
	case ir.ProbeMemLeave:
		ms.leave(ev.TID)
	case ir.ProbeMemAlloc:
		ms.alloc(ev)
	case ir.ProbeMemFree:
		v = ms.free(ev)
	case ir.ProbeMemCheck:
		v = ms.check(ev)
	}
	if v == nil {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.first == nil {
		ms.first = v
	}
	return v
}

func (ms *memSafety) alloc(ev *vm.Event) {
	if ev.Addr == 0 {
		return
	}
	a := &Allocation{
		Base:  ev.Addr,
		Size:  ev.Size,
		Stack: ev.Probe != nil && ev.Probe.Stack,
		Site:  ev.Loc,
	}
	if ev.Region != nil {
		a.Name = ev.Region.Name
	}
	if a.Base >= ms.redzone {
		ms.shadow.Poison(a.Base-ms.redzone, ms.redzone, shadowmem.Unaddressable)
	}
	ms.shadow.Poison(a.Base, a.Size, shadowmem.Addressable)
	ms.shadow.Poison(a.Base+a.Size, ms.redzone, shadowmem.Unaddressable)

	ms.mu.Lock()
	defer ms.mu.Unlock()
	i := sort.Search(len(ms.allocs), func(i int) bool { return ms.allocs[i].Base > a.Base })
	ms.allocs = append(ms.allocs, nil)
	copy(ms.allocs[i+1:], ms.allocs[i:])
	ms.allocs[i] = a
	if a.Stack {
		if fs := ms.frames[ev.TID]; len(fs) > 0 {
			fs[len(fs)-1] = append(fs[len(fs)-1], a)
		}
	}
}

func (ms *memSafety) leave(tid uint32) {
	ms.mu.Lock()
	fs := ms.frames[tid]
	if len(fs) == 0 {
		ms.mu.Unlock()
		return
	}
	top := fs[len(fs)-1]
	ms.frames[tid] = fs[:len(fs)-1]
	for _, a := range top {
		a.Freed = true
	}
	ms.mu.Unlock()

	for _, a := range top {
		ms.shadow.Poison(a.Base, a.Size, shadowmem.Freed)
	}
}

func (ms *memSafety) free(ev *vm.Event) *Violation {
	if ev.Addr == 0 {
		return nil
	}
	ms.mu.Lock()
	a := ms.exact(ev.Addr)
	var kind string
	switch {
	case a == nil || a.Stack:
		kind = InvalidFree
	case a.Freed:
		kind = DoubleFree
	default:
		a.Freed = true
		a.Free = ev.Loc
	}
	rec := snapshotAlloc(a)
	ms.mu.Unlock()

	if kind != "" {
		return ms.violation(ev, kind, ev.Addr, 0, rec)
	}
	ms.shadow.Poison(a.Base, a.Size, shadowmem.Freed)
	return nil
}

func (ms *memSafety) check(ev *vm.Event) *Violation {
	bad, state, ok := ms.shadow.Check(ev.Addr, ev.Size)
	if ok {
		if bad, ok = ms.owned(ev); ok {
			return nil
		}
	}
	ms.mu.Lock()
	a := snapshotAlloc(ms.nearest(bad))
	ms.mu.Unlock()

	kind := UnknownCrash
	switch {
	case a == nil:
	case state == shadowmem.Freed && a.Stack:
		kind = StackUseAfterReturn
	case state == shadowmem.Freed:
		kind = HeapUseAfterFree
	case a.Stack:
		kind = StackBufferOverflow
	default:
		kind = HeapBufferOverflow
	}
	return ms.violation(ev, kind, bad, ev.Size, a)
}

// owned reports whether every untracked byte of the access lies in the
// region the machine resolved for it. Untracked bytes outside any region
// belong to no allocation.
func (ms *memSafety) owned(ev *vm.Event) (uint64, bool) {
	for i := uint64(0); i < ev.Size; i++ {
		addr := ev.Addr + i
		if ev.Region != nil && ev.Region.Contains(addr) {
			continue
		}
		if ms.shadow.State(addr) == shadowmem.Untracked {
			return addr, false
		}
	}
	return 0, true
}

func (ms *memSafety) violation(ev *vm.Event, kind string, addr, size uint64, a *Allocation) *Violation {
	v := &Violation{
		Kind:  kind,
		File:  ev.Loc.File,
		Addr:  addr,
		Size:  size,
		Write: ev.Probe != nil && ev.Probe.Write,
	}
	if ev.Stack != nil {
		v.Stack = ev.Stack()
	}
	if ev.Probe != nil && ev.Probe.Strcpy {
		v.File = strcpyInterceptFile
		v.Stack = append([]srcmap.Location{{Func: strcpyInterceptFrame}}, v.Stack...)
	}
	v.Alloc = a
	return v
}

func snapshotAlloc(a *Allocation) *Allocation {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// exact must be called with ms.mu held.
func (ms *memSafety) exact(base uint64) *Allocation {
	i := sort.Search(len(ms.allocs), func(i int) bool { return ms.allocs[i].Base >= base })
	if i < len(ms.allocs) && ms.allocs[i].Base == base {
		return ms.allocs[i]
	}
	return nil
}

// nearest returns the allocation whose block or redzones contain addr.
// It must be called with ms.mu held.
func (ms *memSafety) nearest(addr uint64) *Allocation {
	i := sort.Search(len(ms.allocs), func(i int) bool { return ms.allocs[i].Base > addr })
	if i > 0 {
		if a := ms.allocs[i-1]; addr < a.Base+a.Size+ms.redzone {
			return a
		}
	}
	if i < len(ms.allocs) {
		if a := ms.allocs[i]; a.Base-addr <= ms.redzone {
			return a
		}
	}
	return nil
}

func (ms *memSafety) violationSeen() *Violation {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.first
}
