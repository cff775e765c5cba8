// Package epoch implements compact logical timestamps for the race detector.
//
// An Epoch is a single thread's logical time packed into 64 bits:
//   - Top 32 bits: thread ID
//   - Bottom 32 bits: clock value
//
// Comparing an epoch against a vector clock is O(1), which is what keeps
// per-access race checks cheap: an access record stores one epoch instead
// of a full vector clock.
package epoch

import (
	"strconv"

	"github.com/kolkov/probekit/internal/monitor/vectorclock"
)

// Epoch is a 64-bit logical timestamp encoding both thread ID and clock value.
// Layout: [TID:32][Clock:32]
type Epoch uint64

// ClockBits is the number of bits allocated for the clock value.
const ClockBits = 32

// ClockMask extracts the clock value.
const ClockMask = (1 << ClockBits) - 1

// New creates an epoch from thread ID and clock value.
func New(tid vectorclock.TID, clock uint32) Epoch {
	return Epoch(uint64(tid)<<ClockBits | uint64(clock))
}

// Decode extracts the thread ID and clock value from an epoch.
func (e Epoch) Decode() (tid vectorclock.TID, clock uint32) {
	return vectorclock.TID(e >> ClockBits), uint32(e & ClockMask)
}

// TID returns the thread that produced the epoch.
func (e Epoch) TID() vectorclock.TID {
	tid, _ := e.Decode()
	return tid
}

// HappensBefore checks if this epoch happened before a vector clock.
//
// Returns true if the epoch's clock <= vc[epoch's TID]. An access whose
// epoch happens before the current thread's clock is ordered and can
// never race with it.
func (e Epoch) HappensBefore(vc *vectorclock.VectorClock) bool {
	tid, clock := e.Decode()
	return clock <= vc.Get(tid)
}

// String returns "clock@tid", e.g. "42@5".
func (e Epoch) String() string {
	tid, clock := e.Decode()
	return strconv.FormatUint(uint64(clock), 10) + "@" + strconv.FormatUint(uint64(tid), 10)
}
