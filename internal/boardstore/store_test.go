package boardstore

import (
	"context"
	"errors"
	"testing"

	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"

	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/store"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b, err := Open(db, "demo", nil)
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	return b
}

func shape(id string) *object.Object {
	return &object.Object{
		ID: id, Kind: object.KindRect, X: 1, Y: 2, Width: 10, Height: 20,
		CreatedBy: "alice", CreatedAtMs: 1_000, UpdatedAtMs: 1_000,
	}
}

func TestCreateGetListDelete(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Create(ctx, shape("s1"), "alice"); !errors.Is(err, store.ErrExists) {
		t.Fatalf("duplicate create err = %v", err)
	}
	if err := b.Create(ctx, shape("s2"), "bob"); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := b.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Kind != object.KindRect || got.CreatedBy != "alice" {
		t.Fatalf("record = %+v", got)
	}

	all, err := b.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("list len = %d", len(all))
	}

	if err := b.Delete(ctx, "s1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.Get(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	// Deleting an absent id is a no-op.
	if err := b.Delete(ctx, "s1", "alice"); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
}

func TestConditionalWrite(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()
	now := int64(100_000)
	b.SetNow(func() int64 { return now })

	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// First claimant wins.
	alice := "alice"
	expiry := now + 15_000
	if _, err := b.Update(ctx, "s1", object.Patch{OwnerID: &alice, LeaseExpiryMs: &expiry},
		store.Predicate{Kind: store.CondOwnerIsNone}, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Second claimant loses while the lease is live.
	bob := "bob"
	if _, err := b.Update(ctx, "s1", object.Patch{OwnerID: &bob},
		store.Predicate{Kind: store.CondOwnerIsNone}, "bob"); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("second claim err = %v", err)
	}

	// Holder-pinned write succeeds for the holder only.
	x := 50.0
	if _, err := b.Update(ctx, "s1", object.Patch{X: &x},
		store.Predicate{Kind: store.CondOwnerIs, OwnerID: "bob"}, "bob"); !errors.Is(err, store.ErrPreconditionFailed) {
		t.Fatalf("non-holder write err = %v", err)
	}
	if _, err := b.Update(ctx, "s1", object.Patch{X: &x},
		store.Predicate{Kind: store.CondOwnerIs, OwnerID: "alice"}, "alice"); err != nil {
		t.Fatalf("holder write: %v", err)
	}

	// After expiry the record counts as unowned again.
	now = expiry + 1
	if _, err := b.Update(ctx, "s1", object.Patch{OwnerID: &bob},
		store.Predicate{Kind: store.CondOwnerIsNone}, "bob"); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}
}

func TestFeedDeliveryAndSeq(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	var events []store.Event
	unsub, err := b.Subscribe(func(ev store.Event) { events = append(events, ev) }, store.SubscribeOptions{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	x := 9.0
	if _, err := b.Update(ctx, "s1", object.Patch{X: &x}, store.Predicate{}, "alice"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := b.Delete(ctx, "s1", "bob"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("events = %d", len(events))
	}
	wantTypes := []store.EventType{store.EventInsert, store.EventUpdate, store.EventDelete}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d type = %v", i, ev.Type)
		}
		if ev.Seq != uint64(i+1) {
			t.Fatalf("event %d seq = %d", i, ev.Seq)
		}
	}
	if events[2].AuthorID != "bob" {
		t.Fatalf("delete author = %q", events[2].AuthorID)
	}
}

func TestSubscribeResume(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	x := 9.0
	if _, err := b.Update(ctx, "s1", object.Patch{X: &x}, store.Predicate{}, "alice"); err != nil {
		t.Fatalf("update: %v", err)
	}

	var seqs []uint64
	unsub, err := b.Subscribe(func(ev store.Event) { seqs = append(seqs, ev.Seq) },
		store.SubscribeOptions{FromSeq: 1})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	// Seq 1 is before the resume point; seq 2 replays; seq 3 arrives live.
	if err := b.Delete(ctx, "s1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Fatalf("seqs = %v", seqs)
	}
}

func TestSubscribeFilter(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	var ids []string
	unsub, err := b.Subscribe(func(ev store.Event) { ids = append(ids, ev.Record.ID) },
		store.SubscribeOptions{Filter: `type == "insert" && author == "alice"`})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Create(ctx, shape("s2"), "bob"); err != nil {
		t.Fatalf("create: %v", err)
	}
	x := 3.0
	if _, err := b.Update(ctx, "s1", object.Patch{X: &x}, store.Predicate{}, "alice"); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(ids) != 1 || ids[0] != "s1" {
		t.Fatalf("filtered ids = %v", ids)
	}
}

func TestSubscribeBadFilter(t *testing.T) {
	b := newTestBoard(t)
	_, err := b.Subscribe(func(store.Event) {}, store.SubscribeOptions{Filter: "no such ("})
	if !errors.Is(err, store.ErrFilterUnsupported) {
		t.Fatalf("err = %v, want ErrFilterUnsupported", err)
	}
}

func TestReopenRestoresSeq(t *testing.T) {
	dir := t.TempDir()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	b, err := Open(db, "demo", nil)
	if err != nil {
		t.Fatalf("open board: %v", err)
	}
	ctx := context.Background()
	if err := b.Create(ctx, shape("s1"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.Create(ctx, shape("s2"), "alice"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db2, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer db2.Close()
	b2, err := Open(db2, "demo", nil)
	if err != nil {
		t.Fatalf("reopen board: %v", err)
	}
	if b2.Seq() != 2 {
		t.Fatalf("seq = %d, want 2", b2.Seq())
	}
	all, err := b2.ListAll(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("records survived = %d", len(all))
	}
}

func TestTrim(t *testing.T) {
	b := newTestBoard(t)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		if err := b.Create(ctx, shape(id), "alice"); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := b.Trim(2); err != nil {
		t.Fatalf("trim: %v", err)
	}

	var seqs []uint64
	unsub, err := b.Subscribe(func(ev store.Event) { seqs = append(seqs, ev.Seq) },
		store.SubscribeOptions{FromSeq: 0})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	unsub()

	// Live-only subscription saw nothing; resume past the trim point still works.
	seqs = nil
	unsub2, err := b.Subscribe(func(ev store.Event) { seqs = append(seqs, ev.Seq) },
		store.SubscribeOptions{FromSeq: 2})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub2()
	if len(seqs) != 1 || seqs[0] != 3 {
		t.Fatalf("post-trim replay = %v", seqs)
	}
}
