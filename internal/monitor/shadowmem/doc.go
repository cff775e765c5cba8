// Package shadowmem implements the shadow state kept alongside program memory.
//
// # Components
//
// Bytes: byte-granular validity shadow for memory-safety checks. Every
// byte is Untracked, Addressable, Unaddressable (a redzone) or Freed.
// Allocation probes poison ranges; access probes Check them.
//
// ShadowMemory: map from variable address to a VarState cell holding
// the variable's access history for race detection.
//
// # Usage
//
// On a heap allocation of n bytes at base:
//
//	b.Poison(base-redzone, redzone, shadowmem.Unaddressable)
//	b.Poison(base, n, shadowmem.Addressable)
//	b.Poison(base+n, redzone, shadowmem.Unaddressable)
//
// Before a 4-byte store at addr:
//
//	if bad, state, ok := b.Check(addr, 4); !ok {
//	    // report an invalid access to bad (state says why)
//	}
//
// On a race-instrumented access:
//
//	vs := sm.GetOrCreate(addr)
//	vs.Lock()
//	// compare against vs.Accesses, then vs.Record(access)
//	vs.Unlock()
package shadowmem
