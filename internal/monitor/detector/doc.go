// Package detector implements data-race detection correlated with lock usage.
//
// The monitor calls OnAccess for every race-instrumented load and store
// and OnAcquire/OnRelease around every mutex operation. Thread lifecycle
// (spawn, exit, join) goes through the thread.Registry the detector shares
// with the monitor.
//
// # Algorithms
//
// Hybrid (default): each variable keeps a list of access records. A new
// access races with a record of another thread when all of the following
// hold:
//
//  1. The record's epoch does not happen before the accessing thread's
//     vector clock (no spawn, join or unlock→lock edge orders them)
//  2. At least one of the two accesses is a write
//  3. The lock sets held at the two accesses are disjoint
//
// Lockset: the Eraser state machine. Each variable moves through
// Virgin → Exclusive → Shared / SharedModified; its candidate set C(v) is
// intersected with the locks held at every access, and a write in
// SharedModified with an empty C(v) is a race. Lockset ignores
// happens-before, so it also flags accesses ordered only by join.
//
// # Reports
//
// Reports are deduplicated per (variable, access line) and numbered from
// 0 in detection order. Every report lists all locks observed across the
// variable's accesses, resolved when Reports is called.
//
// # Thread Safety
//
// All operations are safe for concurrent use by the program's threads.
// Shadow cells carry their own lock, held only inside the probe.
package detector
