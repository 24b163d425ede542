package boardstore

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - board/{board}/obj/{id}
// - board/{board}/log/m
// - board/{board}/log/e/{seq_be8}

var (
	boardPrefix = []byte("board/")
	objSeg      = []byte("/obj/")
	logMetaSeg  = []byte("/log/m")
	logEntrySeg = []byte("/log/e/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// KeyObject builds the record key for an object id.
func KeyObject(board, id string) []byte {
	k := make([]byte, 0, len(boardPrefix)+len(board)+len(objSeg)+len(id))
	k = append(k, boardPrefix...)
	k = append(k, board...)
	k = append(k, objSeg...)
	k = append(k, id...)
	return k
}

// KeyObjectPrefix returns the scan prefix covering every object on a board.
func KeyObjectPrefix(board string) []byte {
	k := make([]byte, 0, len(boardPrefix)+len(board)+len(objSeg))
	k = append(k, boardPrefix...)
	k = append(k, board...)
	k = append(k, objSeg...)
	return k
}

// KeyLogMeta builds the change-log metadata key holding the next sequence.
func KeyLogMeta(board string) []byte {
	k := make([]byte, 0, len(boardPrefix)+len(board)+len(logMetaSeg))
	k = append(k, boardPrefix...)
	k = append(k, board...)
	k = append(k, logMetaSeg...)
	return k
}

// KeyLogEntry builds the entry key with a big-endian sequence so iteration
// order is feed order.
func KeyLogEntry(board string, seq uint64) []byte {
	k := make([]byte, 0, len(boardPrefix)+len(board)+len(logEntrySeg)+8)
	k = append(k, boardPrefix...)
	k = append(k, board...)
	k = append(k, logEntrySeg...)
	k = appendBE8(k, seq)
	return k
}

// KeyLogEntryPrefix returns the scan prefix covering a board's change log.
func KeyLogEntryPrefix(board string) []byte {
	k := make([]byte, 0, len(boardPrefix)+len(board)+len(logEntrySeg))
	k = append(k, boardPrefix...)
	k = append(k, board...)
	k = append(k, logEntrySeg...)
	return k
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
