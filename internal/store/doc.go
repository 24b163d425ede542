// Package store defines the backend boundary the coboard client operates
// against: a conditional-write record store plus a change-notification feed.
//
// Ownership acquisition is expressed as a conditional Update (owner-is-none /
// owner-is predicates), never as read-then-write. Feed delivery order across
// event types is not guaranteed to match causal order; consumers reconcile
// with last-write-wins on record timestamps.
//
// Two implementations ship with the module: Memory (in-process, fault
// injectable, used by tests and demos) and the durable Pebble-backed store in
// package boardstore.
package store
