// Package boardstore is the durable, authoritative store.Store backing hosted
// boards. Object records and an append-only change log share one Pebble DB
// under per-board key prefixes; a record write and its log entry commit
// atomically in one batch. Subscribers get post-commit events, optionally
// narrowed by CEL filter expressions, and can resume from a retained log
// sequence.
package boardstore
