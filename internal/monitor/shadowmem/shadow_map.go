package shadowmem

import "sync"

// ShadowMemory maps each instrumented variable address to the VarState
// holding its access history.
//
// The sync.Map stores entries as map[uint64]*VarState:
//   - Key: address of the variable in the program's memory arena
//   - Value: the shadow cell recording accesses to it
//
// Thread Safety: all operations are safe for concurrent use. The cells
// themselves carry a lock; see VarState.
type ShadowMemory struct {
	cells sync.Map // map[uint64]*VarState
}

// NewShadowMemory creates a new empty shadow memory map.
func NewShadowMemory() *ShadowMemory {
	return &ShadowMemory{}
}

// GetOrCreate retrieves the VarState for addr, creating it if needed.
//
// If several threads race to create the cell, only one VarState is
// created and all callers receive the same instance.
func (sm *ShadowMemory) GetOrCreate(addr uint64) *VarState {
	if val, ok := sm.cells.Load(addr); ok {
		return val.(*VarState)
	}
	actual, _ := sm.cells.LoadOrStore(addr, NewVarState())
	return actual.(*VarState)
}

// Get retrieves the VarState for addr, or nil if it was never accessed.
func (sm *ShadowMemory) Get(addr uint64) *VarState {
	val, ok := sm.cells.Load(addr)
	if !ok {
		return nil
	}
	return val.(*VarState)
}

// Range calls fn for every tracked address until fn returns false.
func (sm *ShadowMemory) Range(fn func(addr uint64, vs *VarState) bool) {
	sm.cells.Range(func(k, v any) bool {
		return fn(k.(uint64), v.(*VarState))
	})
}

// Reset clears all shadow cells. Not safe for concurrent use.
func (sm *ShadowMemory) Reset() {
	sm.cells = sync.Map{}
}
