// Package syncshadow tracks happens-before state of program mutexes.
//
// Every mutex the program locks gets a SyncVar holding the vector clock of
// its last release. The thread that next acquires the mutex joins that
// clock, which orders everything the releasing thread did before the
// unlock ahead of everything the acquirer does after the lock.
package syncshadow

import (
	"sync"

	"github.com/kolkov/probekit/internal/monitor/vectorclock"
)

// SyncVar is the shadow of one mutex.
type SyncVar struct {
	mu      sync.Mutex
	release *vectorclock.VectorClock
}

// ReleaseClock returns a copy of the clock stored by the last release, or
// nil if the mutex was never released.
func (sv *SyncVar) ReleaseClock() *vectorclock.VectorClock {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	if sv.release == nil {
		return nil
	}
	return sv.release.Clone()
}

// SetReleaseClock stores the releasing thread's clock.
func (sv *SyncVar) SetReleaseClock(vc *vectorclock.VectorClock) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.release = vc
}

// SyncShadow maps mutex addresses to their SyncVar.
//
// Thread Safety: safe for concurrent use.
type SyncShadow struct {
	vars sync.Map // map[uint64]*SyncVar
}

// NewSyncShadow creates an empty sync shadow.
func NewSyncShadow() *SyncShadow {
	return &SyncShadow{}
}

// GetOrCreate returns the SyncVar of the mutex at addr, creating it on
// first use.
func (ss *SyncShadow) GetOrCreate(addr uint64) *SyncVar {
	if v, ok := ss.vars.Load(addr); ok {
		return v.(*SyncVar)
	}
	v, _ := ss.vars.LoadOrStore(addr, &SyncVar{})
	return v.(*SyncVar)
}

// Reset forgets every mutex. Not safe for concurrent use.
func (ss *SyncShadow) Reset() {
	ss.vars = sync.Map{}
}
