// Package syncer keeps one client's object cache converged with the backend
// store. Outbound mutations apply to the cache optimistically and fall into a
// per-object retry slot when the transport is down; the queue flushes in
// insertion order when connectivity returns. Inbound feed events merge
// last-write-wins by updatedAt, with self-echoes discarded and deletes
// winning unconditionally.
package syncer
