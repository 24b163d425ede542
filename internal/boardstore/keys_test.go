package boardstore

import (
	"bytes"
	"testing"
)

func TestLogEntryOrdering(t *testing.T) {
	a := KeyLogEntry("demo", 9)
	b := KeyLogEntry("demo", 10)
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("expected seq ordering")
	}
}

func TestObjectKeysShareBoardPrefix(t *testing.T) {
	k := KeyObject("demo", "shape-1")
	if !bytes.HasPrefix(k, KeyObjectPrefix("demo")) {
		t.Fatalf("object key outside its board prefix")
	}
	if bytes.HasPrefix(k, KeyObjectPrefix("demo2")) {
		t.Fatalf("board prefixes collide")
	}
}

func TestPrefixUpperBound(t *testing.T) {
	p := KeyObjectPrefix("demo")
	ub := prefixUpperBound(p)
	if bytes.Compare(p, ub) >= 0 {
		t.Fatalf("upper bound not greater than prefix")
	}
	if bytes.Compare(KeyObject("demo", "zzzz"), ub) >= 0 {
		t.Fatalf("upper bound excludes board keys")
	}
}
