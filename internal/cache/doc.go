// Package cache holds the canonical local view of board objects: a map of
// object id to record, a monotonically increasing version counter, and a
// subscribe/notify surface batched to one notification per mutating call.
//
// GetAll returns a referentially stable snapshot while the version is
// unchanged, so render loops can compare slice identity instead of diffing.
package cache
