package ownership

import (
	"errors"
	"sort"
	"time"
)

var (
	errMissingIDs = errors.New("object and user ids are required")

	// ErrQueueTimeout rejects a queued request whose QueueTimeoutMs elapsed.
	ErrQueueTimeout = errors.New("ownership: queue wait timed out")
	// ErrQueueCancelled rejects a request withdrawn by its owner.
	ErrQueueCancelled = errors.New("ownership: queue request cancelled")
	// ErrQueueClosed rejects queued requests when the manager shuts down.
	ErrQueueClosed = errors.New("ownership: manager closed")
)

// AcquireResult is the outcome of an Acquire call. Exactly one of the three
// states applies: Acquired, Pending (queued), or neither (plain conflict).
type AcquireResult struct {
	Acquired bool
	Pending  *PendingRequest
}

// PendingRequest is the caller's handle on a queued acquisition. Done is
// closed when the request resolves; Err then reports nil on grant or the
// rejection cause.
type PendingRequest struct {
	objectID string
	userID   string

	done chan struct{}
	err  error
	mgr  *Manager
	seq  uint64
}

// ObjectID returns the object this request waits on.
func (p *PendingRequest) ObjectID() string { return p.objectID }

// UserID returns the waiting user.
func (p *PendingRequest) UserID() string { return p.userID }

// Done is closed once the request is granted, rejected, or cancelled.
func (p *PendingRequest) Done() <-chan struct{} { return p.done }

// Err is valid after Done is closed: nil means the lease was granted.
func (p *PendingRequest) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Cancel withdraws the request. A no-op once resolved.
func (p *PendingRequest) Cancel() {
	m := p.mgr
	m.mu.Lock()
	fired := m.dequeueLocked(p, ErrQueueCancelled)
	m.mu.Unlock()
	run(fired)
}

// request is the manager-side queue entry.
type request struct {
	pending    *PendingRequest
	opts       AcquireOptions
	enqueuedAt int64
	timer      *time.Timer
	resolved   bool
}

// rejectFn resolves the request with err and returns the completion to run
// after unlock.
func (r *request) rejectFn(err error) func() {
	if r.resolved {
		return func() {}
	}
	r.resolved = true
	if r.timer != nil {
		r.timer.Stop()
	}
	p := r.pending
	return func() {
		p.err = err
		close(p.done)
	}
}

// enqueueLocked appends a queued acquisition and arms its timeout, if any.
func (m *Manager) enqueueLocked(objectID, userID string, opts AcquireOptions, nowMs int64) *PendingRequest {
	m.reqSeq++
	p := &PendingRequest{
		objectID: objectID,
		userID:   userID,
		done:     make(chan struct{}),
		mgr:      m,
		seq:      m.reqSeq,
	}
	r := &request{pending: p, opts: opts, enqueuedAt: nowMs}
	m.queues[objectID] = append(m.queues[objectID], r)
	if opts.QueueTimeoutMs > 0 {
		r.timer = time.AfterFunc(time.Duration(opts.QueueTimeoutMs)*time.Millisecond, func() {
			m.mu.Lock()
			fired := m.dequeueLocked(p, ErrQueueTimeout)
			m.mu.Unlock()
			run(fired)
		})
	}
	m.history.add(HistoryEntry{ObjectID: objectID, UserID: userID, Action: "enqueue", AtMs: nowMs})
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queueLenLocked()))
	}
	return p
}

// dequeueLocked removes p from its queue and resolves it with err.
func (m *Manager) dequeueLocked(p *PendingRequest, err error) []func() {
	q := m.queues[p.objectID]
	for i, r := range q {
		if r.pending != p {
			continue
		}
		m.queues[p.objectID] = append(q[:i], q[i+1:]...)
		if len(m.queues[p.objectID]) == 0 {
			delete(m.queues, p.objectID)
		}
		if m.metrics != nil {
			m.metrics.QueueDepth.Set(float64(m.queueLenLocked()))
		}
		return []func(){r.rejectFn(err)}
	}
	return nil
}

// promoteLocked grants the best queued request for objectID, if any. Ordering
// is highest priority first, then earliest enqueue, then arrival sequence.
func (m *Manager) promoteLocked(objectID string, nowMs int64) []func() {
	q := m.queues[objectID]
	if len(q) == 0 {
		return nil
	}
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].opts.Priority != q[j].opts.Priority {
			return q[i].opts.Priority > q[j].opts.Priority
		}
		if q[i].enqueuedAt != q[j].enqueuedAt {
			return q[i].enqueuedAt < q[j].enqueuedAt
		}
		return q[i].pending.seq < q[j].pending.seq
	})
	winner := q[0]
	if len(q) == 1 {
		delete(m.queues, objectID)
	} else {
		m.queues[objectID] = q[1:]
	}
	winner.resolved = true
	if winner.timer != nil {
		winner.timer.Stop()
	}
	if m.metrics != nil {
		m.metrics.QueueDepth.Set(float64(m.queueLenLocked()))
	}

	m.stats.QueueGrants++
	fired := m.grantLocked(objectID, winner.pending.userID, winner.opts, nowMs)
	p := winner.pending
	fired = append(fired, func() {
		p.err = nil
		close(p.done)
	})
	return fired
}

// QueueLength reports the number of requests waiting on objectID.
func (m *Manager) QueueLength(objectID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[objectID])
}

func (m *Manager) queueLenLocked() int {
	n := 0
	for _, q := range m.queues {
		n += len(q)
	}
	return n
}
