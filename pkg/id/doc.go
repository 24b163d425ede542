// Package id provides 128-bit, lexicographically sortable identifiers used
// for board object ids.
//
// The ID is 16 bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence],
// so byte-wise comparison preserves chronological order and IDs generated
// within the same millisecond remain strictly increasing by sequence. The
// Generator pins to the last seen millisecond if the clock regresses and
// waits out a sequence overflow rather than emitting a duplicate.
package id
