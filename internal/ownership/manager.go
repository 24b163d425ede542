package ownership

import (
	"fmt"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/pkg/log"
)

// Defaults carries the manager-wide lease tunables.
type Defaults struct {
	// TimeoutMs is the lease duration when a caller does not override it.
	TimeoutMs int64
	// WarningLeadMs is how long before timeout the warning callback fires.
	WarningLeadMs int64
}

// DefaultLeaseTimeoutMs and DefaultWarningLeadMs match the interactive
// editing profile: long enough to survive a slow drag, short enough that an
// abandoned object frees quickly.
const (
	DefaultLeaseTimeoutMs = 15_000
	DefaultWarningLeadMs  = 3_000
)

// AcquireOptions tunes a single acquisition attempt.
type AcquireOptions struct {
	// TimeoutMs overrides the default lease timeout; 0 keeps the default.
	TimeoutMs int64
	// WarningLeadMs overrides the warning lead; 0 keeps the default.
	WarningLeadMs int64
	// AutoRelease arms the timeout timers; nil means true.
	AutoRelease *bool
	// AllowHandoff permits later Handoff calls on the lease; nil means true.
	AllowHandoff *bool
	// Priority is the claim strength: recorded on the lease, compared for
	// priority takeover, and used for queue ordering.
	Priority int
	// Force unconditionally revokes the current holder.
	Force bool
	// Queue appends the request to the object's queue when the object is
	// held and no override applies.
	Queue bool
	// QueueTimeoutMs rejects a queued request after this delay; 0 waits
	// until granted or cancelled.
	QueueTimeoutMs int64
}

// ReleaseOptions tunes a release.
type ReleaseOptions struct {
	// Force releases regardless of holder identity.
	Force bool
}

// Callbacks deliver lifecycle notifications. They are invoked outside the
// manager lock, so a callback may call back into the manager.
type Callbacks struct {
	// OnWarning fires once per lease when timeout is imminent and the
	// holder is still inactive.
	OnWarning func(objectID, userID string, remainingMs int64)
	// OnTimeout fires when a lease is released by its timeout timer.
	OnTimeout func(objectID, userID string)
	// OnRelease fires on every release with the reason; the sync layer uses
	// it to push owner-clearing writes.
	OnRelease func(objectID, userID, reason string)
	// OnGrant fires when ownership is assigned, including queue grants and
	// takeovers.
	OnGrant func(objectID, userID string)
}

// Options configures a Manager.
type Options struct {
	Defaults  Defaults
	Callbacks Callbacks
	Logger    log.Logger
	Metrics   *obs.Metrics
	// HistorySize bounds the in-memory history ring; 0 uses 256.
	HistorySize int
}

// Manager owns all lease and queue state for one board client. Object content
// is never touched here; the manager only references object ids.
type Manager struct {
	mu sync.Mutex

	defaults Defaults
	cb       Callbacks
	logger   log.Logger
	metrics  *obs.Metrics

	leases       map[string]*Lease     // objectID -> active lease
	queues       map[string][]*request // objectID -> pending requests
	userActivity map[string]int64      // userID -> last activity ms

	history *history
	stats   Stats

	reqSeq uint64
	now    func() int64
}

// Stats aggregates manager activity since construction.
type Stats struct {
	ActiveLeases   int
	QueuedRequests int

	AcquiredTotal  uint64
	ConflictTotal  uint64
	TimeoutTotal   uint64
	ForcedTotal    uint64
	PriorityTotal  uint64
	HandoffTotal   uint64
	QueueGrants    uint64
	SweptTotal     uint64
	RemoteReleases uint64
}

// NewManager creates a Manager. Zero-value Defaults fall back to the package
// constants.
func NewManager(opts Options) *Manager {
	d := opts.Defaults
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = DefaultLeaseTimeoutMs
	}
	if d.WarningLeadMs <= 0 {
		d.WarningLeadMs = DefaultWarningLeadMs
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	size := opts.HistorySize
	if size <= 0 {
		size = 256
	}
	return &Manager{
		defaults:     d,
		cb:           opts.Callbacks,
		logger:       logger.WithComponent("ownership"),
		metrics:      opts.Metrics,
		leases:       make(map[string]*Lease),
		queues:       make(map[string][]*request),
		userActivity: make(map[string]int64),
		history:      newHistory(size),
		now:          func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow injects a clock. Used by tests; timers still run on the wall clock.
func (m *Manager) SetNow(now func() int64) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Acquire attempts to take exclusive ownership of objectID for userID.
// Returns Acquired=true on success, Acquired=false on contention (a normal
// outcome, never an error), or a non-nil Pending handle when opts.Queue is
// set and the request was enqueued. The only errors are validation failures.
func (m *Manager) Acquire(objectID, userID string, opts AcquireOptions) (AcquireResult, error) {
	if objectID == "" || userID == "" {
		return AcquireResult{}, fmt.Errorf("ownership: %w", errMissingIDs)
	}

	m.mu.Lock()
	nowMs := m.now()
	m.userActivity[userID] = nowMs

	cur := m.leases[objectID]
	if cur != nil && cur.HolderID == userID {
		// Re-acquisition by the holder renews the lease in place.
		m.rearmLocked(cur, nowMs)
		m.mu.Unlock()
		return AcquireResult{Acquired: true}, nil
	}

	var fired []func()
	defer func() {
		m.mu.Unlock()
		run(fired)
	}()

	if cur != nil {
		switch {
		case opts.Force:
			fired = append(fired, m.revokeLocked(cur, ReasonForced)...)
			m.stats.ForcedTotal++
			m.observeAcquire("forced")
		case opts.Priority > cur.Priority:
			fired = append(fired, m.revokeLocked(cur, ReasonPriority)...)
			m.stats.PriorityTotal++
			m.observeAcquire("priority")
		case opts.Queue:
			pending := m.enqueueLocked(objectID, userID, opts, nowMs)
			m.observeAcquire("queued")
			return AcquireResult{Pending: pending}, nil
		default:
			m.stats.ConflictTotal++
			m.observeAcquire("conflict")
			return AcquireResult{}, nil
		}
	} else {
		m.observeAcquire("granted")
	}

	fired = append(fired, m.grantLocked(objectID, userID, opts, nowMs)...)
	return AcquireResult{Acquired: true}, nil
}

// Release gives up the lease on objectID. Returns false when userID is not
// the holder and opts.Force is unset, or when no lease exists.
func (m *Manager) Release(objectID, userID string, opts ReleaseOptions) bool {
	if objectID == "" {
		return false
	}
	m.mu.Lock()
	cur := m.leases[objectID]
	if cur == nil {
		m.mu.Unlock()
		return false
	}
	if cur.HolderID != userID && !opts.Force {
		m.mu.Unlock()
		return false
	}
	reason := ReasonManual
	if cur.HolderID != userID {
		reason = ReasonForced
	}
	fired := m.releaseLocked(cur, reason, true)
	m.mu.Unlock()
	run(fired)
	return true
}

// ReleaseAll gives up every lease held by userID and returns how many were
// released. Queued requests on each object are promoted as in Release.
func (m *Manager) ReleaseAll(userID string) int {
	if userID == "" {
		return 0
	}
	m.mu.Lock()
	var held []*Lease
	for _, cur := range m.leases {
		if cur.HolderID == userID {
			held = append(held, cur)
		}
	}
	var fired []func()
	for _, cur := range held {
		fired = append(fired, m.releaseLocked(cur, ReasonManual, true)...)
	}
	m.mu.Unlock()
	run(fired)
	return len(held)
}

// ExtendTimeout pushes the lease deadline out by extraMs relative to the
// current remaining time. Fails when no lease exists or the lease does not
// auto-release.
func (m *Manager) ExtendTimeout(objectID string, extraMs int64) bool {
	if extraMs <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.leases[objectID]
	if cur == nil || !cur.AutoRelease {
		return false
	}
	cur.DeadlineMs += extraMs
	m.armTimersLocked(cur)
	return true
}

// Handoff atomically transfers the lease from one user to another. It fails
// as a unit when fromUserID is not the holder or the lease forbids handoff;
// no third party can interleave an acquisition.
func (m *Manager) Handoff(objectID, fromUserID, toUserID string, opts AcquireOptions) bool {
	if objectID == "" || fromUserID == "" || toUserID == "" {
		return false
	}
	m.mu.Lock()
	cur := m.leases[objectID]
	if cur == nil || cur.HolderID != fromUserID || !cur.AllowHandoff {
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.HandoffTotal.WithLabelValues("denied").Inc()
		}
		return false
	}
	nowMs := m.now()
	fired := m.releaseLocked(cur, ReasonHandoff, false) // queue is not consulted mid-handoff
	fired = append(fired, m.grantLocked(objectID, toUserID, opts, nowMs)...)
	m.stats.HandoffTotal++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.HandoffTotal.WithLabelValues("ok").Inc()
	}
	run(fired)
	return true
}

// UpdateActivity stamps lastActivity on every lease held by userID and
// re-arms timers for auto-releasing leases. tsMs <= 0 uses the current time.
// Ordinary interaction calls this instead of explicit renewals.
func (m *Manager) UpdateActivity(userID string, tsMs int64) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	if tsMs <= 0 {
		tsMs = m.now()
	}
	if prev, ok := m.userActivity[userID]; !ok || tsMs > prev {
		m.userActivity[userID] = tsMs
	}
	for _, l := range m.leases {
		if l.HolderID != userID {
			continue
		}
		if tsMs > l.LastActivityMs {
			l.LastActivityMs = tsMs
		}
		if l.AutoRelease {
			l.DeadlineMs = tsMs + l.TimeoutMs
			l.warned = false
			m.armTimersLocked(l)
		}
	}
	m.mu.Unlock()
}

// IsOwner reports whether userID currently holds objectID.
func (m *Manager) IsOwner(objectID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.leases[objectID]
	return l != nil && l.HolderID == userID
}

// Owner returns the current holder of objectID.
func (m *Manager) Owner(objectID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.leases[objectID]
	if l == nil {
		return "", false
	}
	return l.HolderID, true
}

// OwnedObjects returns the ids of every object userID holds, unordered.
func (m *Manager) OwnedObjects(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, l := range m.leases {
		if l.HolderID == userID {
			out = append(out, id)
		}
	}
	return out
}

// Snapshot returns a copy of the lease on objectID, if any.
func (m *Manager) Snapshot(objectID string) (Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.leases[objectID]
	if l == nil {
		return Lease{}, false
	}
	cp := *l
	cp.warnTimer, cp.releaseTimer = nil, nil
	return cp, true
}

// SyncRemoteOwner reconciles local lease state with an authoritative remote
// owner observed on the change feed. A differing remote owner drops the local
// lease without queue promotion (the object is owned elsewhere); an empty
// remote owner releases it and lets the queue promote.
func (m *Manager) SyncRemoteOwner(objectID, remoteOwner string) {
	m.mu.Lock()
	cur := m.leases[objectID]
	if cur == nil || cur.HolderID == remoteOwner {
		m.mu.Unlock()
		return
	}
	m.stats.RemoteReleases++
	fired := m.releaseLocked(cur, ReasonRemote, remoteOwner == "")
	m.mu.Unlock()
	run(fired)
}

// SweepInactive force-releases every lease held by users whose last recorded
// activity is older than ceilingMs. Per-lease timers can be lost when a
// process is suspended; this wall-clock comparison self-heals on the next
// pass. Returns the number of leases released.
func (m *Manager) SweepInactive(ceilingMs int64) int {
	m.mu.Lock()
	nowMs := m.now()
	var stale []*Lease
	for _, l := range m.leases {
		last := l.LastActivityMs
		if ua, ok := m.userActivity[l.HolderID]; ok && ua > last {
			last = ua
		}
		if nowMs-last > ceilingMs {
			stale = append(stale, l)
		}
	}
	var fired []func()
	for _, l := range stale {
		m.stats.SweptTotal++
		fired = append(fired, m.releaseLocked(l, ReasonUserInactive, true)...)
	}
	m.mu.Unlock()
	run(fired)
	return len(stale)
}

// Stats returns aggregate counters plus current lease/queue sizes.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stats
	s.ActiveLeases = len(m.leases)
	for _, q := range m.queues {
		s.QueuedRequests += len(q)
	}
	return s
}

// History returns the most recent history entries, newest last.
func (m *Manager) History(limit int) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.tail(limit)
}

// Close cancels all timers and rejects queued requests.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, l := range m.leases {
		l.cancelTimersLocked()
	}
	m.leases = make(map[string]*Lease)
	var fired []func()
	for id, q := range m.queues {
		for _, req := range q {
			fired = append(fired, req.rejectFn(ErrQueueClosed))
		}
		delete(m.queues, id)
	}
	m.mu.Unlock()
	run(fired)
}

// grantLocked installs a new lease and arms its timers. Caller holds the
// lock; returned funcs run after unlock.
func (m *Manager) grantLocked(objectID, userID string, opts AcquireOptions, nowMs int64) []func() {
	l := newLease(objectID, userID, nowMs, opts, m.defaults)
	m.leases[objectID] = l
	m.stats.AcquiredTotal++
	if l.AutoRelease {
		m.armTimersLocked(l)
	}
	if m.metrics != nil {
		m.metrics.LeasesHeld.Set(float64(len(m.leases)))
	}
	m.history.add(HistoryEntry{ObjectID: objectID, UserID: userID, Action: "grant", AtMs: nowMs})
	m.logger.Debug("lease granted",
		log.F("object", objectID),
		log.F("user", userID),
		log.F("timeout_ms", l.TimeoutMs),
	)
	var fired []func()
	if m.cb.OnGrant != nil {
		fired = append(fired, func() { m.cb.OnGrant(objectID, userID) })
	}
	return fired
}

// revokeLocked removes the current lease ahead of a takeover. The queue is
// intentionally not promoted; the taker grabs ownership in the same step.
func (m *Manager) revokeLocked(l *Lease, reason string) []func() {
	return m.releaseLocked(l, reason, false)
}

// releaseLocked destroys the lease, records history, optionally promotes the
// queue, and returns the callbacks to run after unlock.
func (m *Manager) releaseLocked(l *Lease, reason string, promote bool) []func() {
	l.cancelTimersLocked()
	delete(m.leases, l.ObjectID)
	nowMs := m.now()
	m.history.add(HistoryEntry{ObjectID: l.ObjectID, UserID: l.HolderID, Action: "release", Reason: reason, AtMs: nowMs})
	if m.metrics != nil {
		m.metrics.ReleaseTotal.WithLabelValues(reason).Inc()
		m.metrics.LeasesHeld.Set(float64(len(m.leases)))
	}
	m.logger.Debug("lease released",
		log.F("object", l.ObjectID),
		log.F("user", l.HolderID),
		log.F("reason", reason),
	)

	objectID, holderID := l.ObjectID, l.HolderID
	var fired []func()
	if m.cb.OnRelease != nil {
		fired = append(fired, func() { m.cb.OnRelease(objectID, holderID, reason) })
	}
	if promote {
		fired = append(fired, m.promoteLocked(objectID, nowMs)...)
	}
	return fired
}

// armTimersLocked cancels and recreates both timers from the lease's current
// deadline. Never resets a live timer in place.
func (m *Manager) armTimersLocked(l *Lease) {
	l.cancelTimersLocked()
	if !l.AutoRelease {
		return
	}
	nowMs := m.now()
	epoch := l.epoch
	objectID := l.ObjectID

	releaseIn := time.Duration(l.DeadlineMs-nowMs) * time.Millisecond
	if releaseIn < 0 {
		releaseIn = 0
	}
	l.releaseTimer = time.AfterFunc(releaseIn, func() { m.onReleaseTimer(objectID, epoch) })

	warnAtMs := l.DeadlineMs - l.WarningLeadMs
	warnIn := time.Duration(warnAtMs-nowMs) * time.Millisecond
	if warnIn < 0 {
		warnIn = 0
	}
	l.warnTimer = time.AfterFunc(warnIn, func() { m.onWarnTimer(objectID, epoch) })
}

// rearmLocked refreshes activity and timers on re-acquisition by the holder.
func (m *Manager) rearmLocked(l *Lease, nowMs int64) {
	l.LastActivityMs = nowMs
	if l.AutoRelease {
		l.DeadlineMs = nowMs + l.TimeoutMs
		l.warned = false
		m.armTimersLocked(l)
	}
}

func (m *Manager) onWarnTimer(objectID string, epoch uint64) {
	m.mu.Lock()
	l := m.leases[objectID]
	if l == nil || l.epoch != epoch || l.warned {
		m.mu.Unlock()
		return
	}
	nowMs := m.now()
	// Judge inactivity against the older of user-level and lease-level
	// activity; a user holding several leases may have touched another one.
	last := l.LastActivityMs
	if ua, ok := m.userActivity[l.HolderID]; ok && ua < last {
		last = ua
	}
	if nowMs-last < l.TimeoutMs-l.WarningLeadMs {
		m.mu.Unlock()
		return
	}
	l.warned = true
	remaining := l.RemainingMs(nowMs)
	holder := l.HolderID
	m.mu.Unlock()

	if m.cb.OnWarning != nil {
		m.cb.OnWarning(objectID, holder, remaining)
	}
}

func (m *Manager) onReleaseTimer(objectID string, epoch uint64) {
	m.mu.Lock()
	l := m.leases[objectID]
	if l == nil || l.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.stats.TimeoutTotal++
	holder := l.HolderID
	fired := m.releaseLocked(l, ReasonTimeout, true)
	m.mu.Unlock()

	if m.cb.OnTimeout != nil {
		m.cb.OnTimeout(objectID, holder)
	}
	run(fired)
}

func (m *Manager) observeAcquire(result string) {
	if m.metrics != nil {
		m.metrics.AcquireTotal.WithLabelValues(result).Inc()
	}
}

func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
