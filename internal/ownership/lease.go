package ownership

import (
	"time"

	"github.com/google/uuid"
)

// Release reasons recorded in history and delivered to callbacks.
const (
	ReasonManual       = "manual"
	ReasonTimeout      = "timeout"
	ReasonForced       = "forced"
	ReasonPriority     = "priority"
	ReasonHandoff      = "handoff"
	ReasonQueueGrant   = "queue_grant"
	ReasonUserInactive = "user_inactive"
	ReasonRemote       = "remote"
)

// Lease is an active, time-bounded exclusive claim on one object. Exactly one
// lease may exist per object id at any instant.
type Lease struct {
	ID       string
	ObjectID string
	HolderID string

	AcquiredAtMs   int64
	LastActivityMs int64
	DeadlineMs     int64

	TimeoutMs     int64
	WarningLeadMs int64
	AutoRelease   bool
	Priority      int
	AllowHandoff  bool

	// Timer bookkeeping. epoch invalidates in-flight fires: timers are
	// cancelled and recreated on every transition, never reset in place.
	epoch        uint64
	warnTimer    *time.Timer
	releaseTimer *time.Timer
	warned       bool
}

func newLease(objectID, holderID string, nowMs int64, opts AcquireOptions, defaults Defaults) *Lease {
	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaults.TimeoutMs
	}
	warnLead := opts.WarningLeadMs
	if warnLead <= 0 {
		warnLead = defaults.WarningLeadMs
	}
	if warnLead >= timeoutMs {
		warnLead = timeoutMs / 2
	}
	autoRelease := true
	if opts.AutoRelease != nil {
		autoRelease = *opts.AutoRelease
	}
	allowHandoff := true
	if opts.AllowHandoff != nil {
		allowHandoff = *opts.AllowHandoff
	}
	return &Lease{
		ID:             uuid.NewString(),
		ObjectID:       objectID,
		HolderID:       holderID,
		AcquiredAtMs:   nowMs,
		LastActivityMs: nowMs,
		DeadlineMs:     nowMs + timeoutMs,
		TimeoutMs:      timeoutMs,
		WarningLeadMs:  warnLead,
		AutoRelease:    autoRelease,
		Priority:       opts.Priority,
		AllowHandoff:   allowHandoff,
	}
}

// RemainingMs returns the time left before timeout release at nowMs.
func (l *Lease) RemainingMs(nowMs int64) int64 {
	rem := l.DeadlineMs - nowMs
	if rem < 0 {
		return 0
	}
	return rem
}

// cancelTimersLocked stops both timers and bumps the epoch so any fire
// already in flight becomes a no-op. Caller holds the manager lock.
func (l *Lease) cancelTimersLocked() {
	l.epoch++
	if l.warnTimer != nil {
		l.warnTimer.Stop()
		l.warnTimer = nil
	}
	if l.releaseTimer != nil {
		l.releaseTimer.Stop()
		l.releaseTimer = nil
	}
}
