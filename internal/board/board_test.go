package board

import (
	"testing"

	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
)

func newDB(t *testing.T) *pebblestore.DB {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestEnsureIdempotent(t *testing.T) {
	db := newDB(t)

	m1, err := Ensure(db, "default")
	if err != nil {
		t.Fatalf("ensure1: %v", err)
	}
	m2, err := Ensure(db, "default")
	if err != nil {
		t.Fatalf("ensure2: %v", err)
	}
	if m1.Name != m2.Name || m1.CreatedAtMs != m2.CreatedAtMs {
		t.Fatalf("not idempotent: %+v vs %+v", m1, m2)
	}
}

func TestList(t *testing.T) {
	db := newDB(t)
	for _, name := range []string{"alpha", "beta"} {
		if _, err := Ensure(db, name); err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
	}
	all, err := List(db)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Name != "alpha" || all[1].Name != "beta" {
		t.Fatalf("list = %+v", all)
	}
}

func TestValidateName(t *testing.T) {
	pattern := "[a-z0-9-_]{1,64}"
	if err := ValidateName("team-board_1", pattern); err != nil {
		t.Fatalf("valid name rejected: %v", err)
	}
	for _, bad := range []string{"", "UPPER", "has space", "a/b"} {
		if err := ValidateName(bad, pattern); err == nil {
			t.Fatalf("invalid name %q accepted", bad)
		}
	}
}
