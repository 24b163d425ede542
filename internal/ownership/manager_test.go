package ownership

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cb Callbacks) *Manager {
	t.Helper()
	m := NewManager(Options{Callbacks: cb})
	t.Cleanup(m.Close)
	return m
}

func mustAcquire(t *testing.T, m *Manager, objectID, userID string, opts AcquireOptions) {
	t.Helper()
	res, err := m.Acquire(objectID, userID, opts)
	if err != nil {
		t.Fatalf("acquire %s/%s: %v", objectID, userID, err)
	}
	if !res.Acquired {
		t.Fatalf("acquire %s/%s: not granted", objectID, userID)
	}
}

func TestAcquireMutualExclusion(t *testing.T) {
	m := newTestManager(t, Callbacks{})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	res, err := m.Acquire("obj1", "bob", AcquireOptions{})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Acquired || res.Pending != nil {
		t.Fatalf("expected plain conflict, got %+v", res)
	}
	if owner, _ := m.Owner("obj1"); owner != "alice" {
		t.Fatalf("owner = %q, want alice", owner)
	}
}

func TestAcquireValidation(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	if _, err := m.Acquire("", "alice", AcquireOptions{}); err == nil {
		t.Fatalf("expected error for empty object id")
	}
	if _, err := m.Acquire("obj1", "", AcquireOptions{}); err == nil {
		t.Fatalf("expected error for empty user id")
	}
}

func TestReacquireByHolderRenews(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	now := int64(1_000_000)
	m.SetNow(func() int64 { return now })

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	first, _ := m.Snapshot("obj1")

	now += 5_000
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	second, _ := m.Snapshot("obj1")

	if second.ID != first.ID {
		t.Fatalf("re-acquire replaced lease identity")
	}
	if second.DeadlineMs <= first.DeadlineMs {
		t.Fatalf("deadline not extended: %d -> %d", first.DeadlineMs, second.DeadlineMs)
	}
}

func TestForceAcquireRevokesHolder(t *testing.T) {
	var mu sync.Mutex
	var released []string
	m := newTestManager(t, Callbacks{
		OnRelease: func(objectID, userID, reason string) {
			mu.Lock()
			released = append(released, userID+":"+reason)
			mu.Unlock()
		},
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	mustAcquire(t, m, "obj1", "bob", AcquireOptions{Force: true})

	if owner, _ := m.Owner("obj1"); owner != "bob" {
		t.Fatalf("owner = %q, want bob", owner)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(released) != 1 || released[0] != "alice:"+ReasonForced {
		t.Fatalf("release callback = %v", released)
	}
}

func TestPriorityTakeover(t *testing.T) {
	m := newTestManager(t, Callbacks{})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{Priority: 1})

	// Equal priority does not take over.
	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Priority: 1})
	if res.Acquired {
		t.Fatalf("equal priority must not preempt")
	}

	mustAcquire(t, m, "obj1", "carol", AcquireOptions{Priority: 2})
	if owner, _ := m.Owner("obj1"); owner != "carol" {
		t.Fatalf("owner = %q, want carol", owner)
	}
}

func TestReleaseRequiresHolder(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	if m.Release("obj1", "bob", ReleaseOptions{}) {
		t.Fatalf("non-holder release must fail")
	}
	if !m.Release("obj1", "bob", ReleaseOptions{Force: true}) {
		t.Fatalf("forced release must succeed")
	}
	if _, ok := m.Owner("obj1"); ok {
		t.Fatalf("lease should be gone")
	}
	if m.Release("obj1", "alice", ReleaseOptions{}) {
		t.Fatalf("release of absent lease must fail")
	}
}

func TestReleaseAll(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	mustAcquire(t, m, "obj2", "alice", AcquireOptions{})
	mustAcquire(t, m, "obj3", "bob", AcquireOptions{})
	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true})
	if res.Acquired || res.Pending == nil {
		t.Fatalf("expected bob queued on obj1, got %+v", res)
	}

	if n := m.ReleaseAll("alice"); n != 2 {
		t.Fatalf("expected 2 releases, got %d", n)
	}
	if owner, ok := m.Owner("obj1"); !ok || owner != "bob" {
		t.Fatalf("queued bob should be promoted on obj1, got %q ok=%v", owner, ok)
	}
	if _, ok := m.Owner("obj2"); ok {
		t.Fatalf("obj2 should have no owner")
	}
	if owner, _ := m.Owner("obj3"); owner != "bob" {
		t.Fatalf("bob's lease must survive, got %q", owner)
	}
	if n := m.ReleaseAll("alice"); n != 0 {
		t.Fatalf("second pass should release nothing, got %d", n)
	}
}

func TestQueuePromotionOrder(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	now := int64(1_000_000)
	m.SetNow(func() int64 { return now })

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{Priority: 5})

	resBob, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true, Priority: 1})
	now += 10
	resCarol, _ := m.Acquire("obj1", "carol", AcquireOptions{Queue: true, Priority: 3})
	now += 10
	resDave, _ := m.Acquire("obj1", "dave", AcquireOptions{Queue: true, Priority: 3})

	if resBob.Pending == nil || resCarol.Pending == nil || resDave.Pending == nil {
		t.Fatalf("all three should be queued")
	}
	if m.QueueLength("obj1") != 3 {
		t.Fatalf("queue length = %d, want 3", m.QueueLength("obj1"))
	}

	// Highest priority wins; among equals, earliest enqueue.
	m.Release("obj1", "alice", ReleaseOptions{})
	select {
	case <-resCarol.Pending.Done():
	case <-time.After(time.Second):
		t.Fatalf("carol never granted")
	}
	if err := resCarol.Pending.Err(); err != nil {
		t.Fatalf("carol grant err: %v", err)
	}
	if owner, _ := m.Owner("obj1"); owner != "carol" {
		t.Fatalf("owner = %q, want carol", owner)
	}

	m.Release("obj1", "carol", ReleaseOptions{})
	<-resDave.Pending.Done()
	if owner, _ := m.Owner("obj1"); owner != "dave" {
		t.Fatalf("owner = %q, want dave", owner)
	}

	m.Release("obj1", "dave", ReleaseOptions{})
	<-resBob.Pending.Done()
	if owner, _ := m.Owner("obj1"); owner != "bob" {
		t.Fatalf("owner = %q, want bob", owner)
	}
}

func TestQueueCancel(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true})
	res.Pending.Cancel()

	select {
	case <-res.Pending.Done():
	case <-time.After(time.Second):
		t.Fatalf("cancel never resolved")
	}
	if !errors.Is(res.Pending.Err(), ErrQueueCancelled) {
		t.Fatalf("err = %v, want ErrQueueCancelled", res.Pending.Err())
	}
	if m.QueueLength("obj1") != 0 {
		t.Fatalf("queue not drained")
	}

	// A cancelled request must not be granted on release.
	m.Release("obj1", "alice", ReleaseOptions{})
	if _, ok := m.Owner("obj1"); ok {
		t.Fatalf("cancelled request was granted")
	}
}

func TestQueueTimeout(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true, QueueTimeoutMs: 20})
	select {
	case <-res.Pending.Done():
	case <-time.After(time.Second):
		t.Fatalf("queue timeout never fired")
	}
	if !errors.Is(res.Pending.Err(), ErrQueueTimeout) {
		t.Fatalf("err = %v, want ErrQueueTimeout", res.Pending.Err())
	}
}

func TestTimeoutReleasesAndWarns(t *testing.T) {
	warned := make(chan string, 1)
	timedOut := make(chan string, 1)
	m := newTestManager(t, Callbacks{
		OnWarning: func(objectID, userID string, remainingMs int64) {
			select {
			case warned <- userID:
			default:
			}
		},
		OnTimeout: func(objectID, userID string) { timedOut <- userID },
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{TimeoutMs: 120, WarningLeadMs: 60})

	select {
	case u := <-warned:
		if u != "alice" {
			t.Fatalf("warned user = %q", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("warning never fired")
	}
	if _, ok := m.Owner("obj1"); !ok {
		t.Fatalf("lease gone before timeout")
	}

	select {
	case u := <-timedOut:
		if u != "alice" {
			t.Fatalf("timed out user = %q", u)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout never fired")
	}
	if _, ok := m.Owner("obj1"); ok {
		t.Fatalf("lease survived its timeout")
	}
}

func TestActivitySuppressesTimeout(t *testing.T) {
	timedOut := make(chan string, 1)
	m := newTestManager(t, Callbacks{
		OnTimeout: func(objectID, userID string) { timedOut <- userID },
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{TimeoutMs: 100, WarningLeadMs: 40})

	// Keep touching the lease past several would-be deadlines.
	deadline := time.Now().Add(350 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.UpdateActivity("alice", 0)
		time.Sleep(25 * time.Millisecond)
	}
	select {
	case <-timedOut:
		t.Fatalf("timeout fired despite activity")
	default:
	}
	if _, ok := m.Owner("obj1"); !ok {
		t.Fatalf("active lease was released")
	}
}

func TestForceAcquireCancelsOldTimers(t *testing.T) {
	timedOut := make(chan string, 4)
	m := newTestManager(t, Callbacks{
		OnTimeout: func(objectID, userID string) { timedOut <- userID },
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{TimeoutMs: 80, WarningLeadMs: 30})
	mustAcquire(t, m, "obj1", "bob", AcquireOptions{Force: true, TimeoutMs: 10_000})

	// Alice's timer deadline passes; her stale fire must not touch bob's lease.
	time.Sleep(200 * time.Millisecond)
	select {
	case u := <-timedOut:
		t.Fatalf("stale timer released lease for %q", u)
	default:
	}
	if owner, _ := m.Owner("obj1"); owner != "bob" {
		t.Fatalf("owner = %q, want bob", owner)
	}
}

func TestExtendTimeout(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	now := int64(1_000_000)
	m.SetNow(func() int64 { return now })

	if m.ExtendTimeout("obj1", 1000) {
		t.Fatalf("extend without lease must fail")
	}

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	before, _ := m.Snapshot("obj1")
	if !m.ExtendTimeout("obj1", 5000) {
		t.Fatalf("extend failed")
	}
	after, _ := m.Snapshot("obj1")
	if after.DeadlineMs != before.DeadlineMs+5000 {
		t.Fatalf("deadline = %d, want %d", after.DeadlineMs, before.DeadlineMs+5000)
	}

	f := false
	mustAcquire(t, m, "obj2", "alice", AcquireOptions{AutoRelease: &f})
	if m.ExtendTimeout("obj2", 1000) {
		t.Fatalf("extend on non-auto-release lease must fail")
	}
}

func TestHandoff(t *testing.T) {
	var granted []string
	m := newTestManager(t, Callbacks{
		OnGrant: func(objectID, userID string) { granted = append(granted, userID) },
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	if m.Handoff("obj1", "bob", "carol", AcquireOptions{}) {
		t.Fatalf("handoff from non-holder must fail")
	}
	if !m.Handoff("obj1", "alice", "bob", AcquireOptions{}) {
		t.Fatalf("handoff failed")
	}
	if owner, _ := m.Owner("obj1"); owner != "bob" {
		t.Fatalf("owner = %q, want bob", owner)
	}

	f := false
	mustAcquire(t, m, "obj2", "alice", AcquireOptions{AllowHandoff: &f})
	if m.Handoff("obj2", "alice", "bob", AcquireOptions{}) {
		t.Fatalf("handoff must respect AllowHandoff")
	}

	want := []string{"alice", "bob", "alice"}
	if len(granted) != len(want) {
		t.Fatalf("grants = %v", granted)
	}
}

func TestHandoffDoesNotConsultQueue(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	res, _ := m.Acquire("obj1", "carol", AcquireOptions{Queue: true, Priority: 100})

	if !m.Handoff("obj1", "alice", "bob", AcquireOptions{}) {
		t.Fatalf("handoff failed")
	}
	if owner, _ := m.Owner("obj1"); owner != "bob" {
		t.Fatalf("owner = %q, want bob; queue must not interleave a handoff", owner)
	}
	select {
	case <-res.Pending.Done():
		t.Fatalf("queued request resolved during handoff")
	default:
	}
}

func TestSyncRemoteOwner(t *testing.T) {
	var mu sync.Mutex
	var reasons []string
	m := newTestManager(t, Callbacks{
		OnRelease: func(objectID, userID, reason string) {
			mu.Lock()
			reasons = append(reasons, reason)
			mu.Unlock()
		},
	})

	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})

	// Same owner: no-op.
	m.SyncRemoteOwner("obj1", "alice")
	if _, ok := m.Owner("obj1"); !ok {
		t.Fatalf("matching remote owner dropped the lease")
	}

	// Remote shows a different owner: local lease drops, queue stays parked.
	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true})
	m.SyncRemoteOwner("obj1", "mallory")
	if _, ok := m.Owner("obj1"); ok {
		t.Fatalf("lease survived remote conflict")
	}
	select {
	case <-res.Pending.Done():
		t.Fatalf("queue promoted while object owned remotely")
	default:
	}

	// Remote shows free: release promotes the queue.
	mustAcquire(t, m, "obj2", "alice", AcquireOptions{})
	res2, _ := m.Acquire("obj2", "bob", AcquireOptions{Queue: true})
	m.SyncRemoteOwner("obj2", "")
	select {
	case <-res2.Pending.Done():
	case <-time.After(time.Second):
		t.Fatalf("queue never promoted after remote release")
	}
	if owner, _ := m.Owner("obj2"); owner != "bob" {
		t.Fatalf("owner = %q, want bob", owner)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, r := range reasons {
		if r != ReasonRemote {
			t.Fatalf("unexpected release reason %q", r)
		}
	}
}

func TestOwnedObjectsAndStats(t *testing.T) {
	m := newTestManager(t, Callbacks{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	mustAcquire(t, m, "obj2", "alice", AcquireOptions{})
	mustAcquire(t, m, "obj3", "bob", AcquireOptions{})

	owned := m.OwnedObjects("alice")
	if len(owned) != 2 {
		t.Fatalf("owned = %v", owned)
	}

	m.Acquire("obj3", "alice", AcquireOptions{}) // conflict

	s := m.Stats()
	if s.ActiveLeases != 3 {
		t.Fatalf("active = %d", s.ActiveLeases)
	}
	if s.AcquiredTotal != 3 || s.ConflictTotal != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestHistoryRing(t *testing.T) {
	m := NewManager(Options{HistorySize: 4})
	defer m.Close()

	for i := 0; i < 6; i++ {
		mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
		m.Release("obj1", "alice", ReleaseOptions{})
	}

	entries := m.History(0)
	if len(entries) != 4 {
		t.Fatalf("history len = %d, want 4", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Action != "release" || last.Reason != ReasonManual {
		t.Fatalf("last entry = %+v", last)
	}

	two := m.History(2)
	if len(two) != 2 || two[1] != last {
		t.Fatalf("tail(2) = %+v", two)
	}
}

func TestCloseRejectsQueued(t *testing.T) {
	m := NewManager(Options{})
	mustAcquire(t, m, "obj1", "alice", AcquireOptions{})
	res, _ := m.Acquire("obj1", "bob", AcquireOptions{Queue: true})

	m.Close()

	select {
	case <-res.Pending.Done():
	case <-time.After(time.Second):
		t.Fatalf("close never resolved queued request")
	}
	if !errors.Is(res.Pending.Err(), ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", res.Pending.Err())
	}
}
