// Package client wires a user session together: the in-memory object cache,
// the ownership manager, and the sync engine, all over a single backing
// store. It enforces the acquire-mutate-dispatch ordering and translates
// local lease transitions into conditional owner-mark writes, so two
// sessions on the same store can never both believe they hold an object.
package client
