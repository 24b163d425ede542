// Package board manages board metadata records: creation, name validation,
// and per-board lease overrides layered over the server configuration.
package board
