// Package thread tracks per-thread race detection state: the thread's
// vector clock, its cached epoch and the set of locks it currently holds.
package thread

import (
	"sync"

	"github.com/kolkov/probekit/internal/monitor/epoch"
	"github.com/kolkov/probekit/internal/monitor/vectorclock"
)

// Context represents the race detection state of a single program thread.
//
// Layout:
//   - TID: thread identifier, 0 for the main thread
//   - C: full vector clock tracking all threads
//   - Epoch: cached value of C[TID]
//   - Held: locks held right now, by address
//
// Invariant: Epoch always equals epoch.New(TID, C[TID]).
//
// Thread Safety: a Context is mutated only by probes running on its own
// thread, or by Fork and Join while the other side is not running.
type Context struct {
	TID   vectorclock.TID
	C     *vectorclock.VectorClock
	Epoch epoch.Epoch
	Held  LockSet
}

// Alloc creates the context of a thread that starts with no history.
//
// Clocks start at 1 so that the zero entry of any vector clock means
// "never synchronized with".
func Alloc(tid vectorclock.TID) *Context {
	ctx := &Context{TID: tid, C: vectorclock.New()}
	ctx.C.Set(tid, 1)
	ctx.Epoch = epoch.New(tid, 1)
	return ctx
}

// IncrementClock advances the logical clock of this thread.
//
// Called on release operations (unlock, spawn, thread exit): accesses
// after the increment are no longer ordered before whoever synchronizes
// with the released clock.
func (c *Context) IncrementClock() {
	c.C.Increment(c.TID)
	c.Epoch = epoch.New(c.TID, c.C.Get(c.TID))
}

// Fork creates the context of a thread spawned by c.
//
// The child inherits the parent's clock (parent → child edge), then the
// parent advances so its later accesses stay concurrent with the child.
func (c *Context) Fork(child vectorclock.TID) *Context {
	ctx := &Context{TID: child, C: c.C.Clone()}
	ctx.C.Set(child, max(1, ctx.C.Get(child)))
	ctx.Epoch = epoch.New(child, ctx.C.Get(child))
	c.IncrementClock()
	return ctx
}

// Exit finishes the thread. Its final clock is what a joiner acquires.
func (c *Context) Exit() {
	c.IncrementClock()
}

// Join acquires the final clock of a finished thread (child → joiner edge).
func (c *Context) Join(child *Context) {
	c.C.Join(child.C)
}

// Acquire records that lock addr was taken after synchronizing with its
// release clock.
func (c *Context) Acquire(addr uint64, release *vectorclock.VectorClock) {
	c.C.Join(release)
	c.Held = c.Held.With(addr)
}

// Release records that lock addr is being released and returns the clock
// the next acquirer must join.
func (c *Context) Release(addr uint64) *vectorclock.VectorClock {
	c.Held = c.Held.Without(addr)
	released := c.C.Clone()
	c.IncrementClock()
	return released
}

// Registry owns every thread context of a run, keyed by thread id.
type Registry struct {
	mu      sync.Mutex
	threads map[vectorclock.TID]*Context
}

// NewRegistry returns a registry holding the main thread (TID 0).
func NewRegistry() *Registry {
	return &Registry{threads: map[vectorclock.TID]*Context{0: Alloc(0)}}
}

// Get returns the context of tid, or nil if no such thread exists.
func (r *Registry) Get(tid vectorclock.TID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.threads[tid]
}

// Spawn forks thread child from parent and returns the child's context.
// Thread ids are chosen by the caller. Spawning an existing id or from an
// unknown parent returns nil.
func (r *Registry) Spawn(parent, child vectorclock.TID) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.threads[parent]
	if !ok {
		return nil
	}
	if _, exists := r.threads[child]; exists {
		return nil
	}
	ctx := p.Fork(child)
	r.threads[child] = ctx
	return ctx
}

// Len returns the number of threads created so far.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}
