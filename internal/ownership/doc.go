// Package ownership implements single-owner leases over board objects.
//
// A Manager tracks which user holds each object, arms warning and timeout
// timers for inactive holders, and queues contending requests so they are
// granted fairly on release. Contention is a normal outcome surfaced through
// AcquireResult, never an error. A Sweeper runs beside the managers and
// clears owner marks in the authoritative store once they are stale far past
// the lease timeout, covering clients that vanished without releasing.
package ownership
