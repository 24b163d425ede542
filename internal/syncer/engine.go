package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/cache"
	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/internal/store"
	"github.com/rzbill/coboard/pkg/log"
)

// Config configures an Engine.
type Config struct {
	// AuthorID identifies the local user; inbound events with this author
	// are self-echoes and are discarded.
	AuthorID string
	// FlushBackoff is the initial delay between failed flush rounds
	// (default: 250ms, doubling up to MaxFlushBackoff).
	FlushBackoff time.Duration
	// MaxFlushBackoff caps the backoff (default: 30s).
	MaxFlushBackoff time.Duration
	Logger          log.Logger
	Metrics         *obs.Metrics
	// OnRemoteOwner is invoked with the owner field of every merged remote
	// record, letting the lease layer reconcile against remote state.
	OnRemoteOwner func(objectID, ownerID string)
}

// pendingWrite is one retry slot. Only the operation and predicate are
// recorded; the payload is read from the cache at flush time, so a later
// local write to the same object supersedes an earlier unflushed one without
// stacking.
type pendingWrite struct {
	op           store.Operation
	pred         store.Predicate
	enqueuedAtMs int64
	attempts     int
}

// Engine moves mutations between the local cache and the backend store.
// Outbound writes are applied to the cache optimistically and queued per
// object on transport failure; inbound feed events are merged last-write-wins
// by updatedAt. One Engine serves one user on one board.
type Engine struct {
	st      store.Store
	cache   *cache.Cache
	cfg     Config
	logger  log.Logger
	metrics *obs.Metrics

	// applyMu serializes every cache mutation that depends on a prior read,
	// so a get-compare-upsert merge cannot interleave with another writer and
	// land a stale record over a newer one.
	applyMu sync.Mutex

	mu           sync.Mutex
	pending      map[string]*pendingWrite
	order        []string
	bootstrapped bool
	buffer       []store.Event
	flushing     bool
	retryTimer   *time.Timer
	backoff      time.Duration
	closed       bool

	unsubFeed func()
	unsubConn func()
	now       func() int64
}

// NewEngine creates an Engine over st and c. Call Start to bootstrap and
// begin processing the change feed.
func NewEngine(st store.Store, c *cache.Cache, cfg Config) *Engine {
	if cfg.FlushBackoff == 0 {
		cfg.FlushBackoff = 250 * time.Millisecond
	}
	if cfg.MaxFlushBackoff == 0 {
		cfg.MaxFlushBackoff = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	return &Engine{
		st:      st,
		cache:   c,
		cfg:     cfg,
		logger:  logger.WithComponent("syncer"),
		metrics: cfg.Metrics,
		pending: make(map[string]*pendingWrite),
		backoff: cfg.FlushBackoff,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow injects a clock for tests.
func (e *Engine) SetNow(now func() int64) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Start subscribes to the change feed, loads the full snapshot, and replays
// any events buffered during the load. Incremental events are buffered from
// the moment of subscription so nothing slips between snapshot and feed.
func (e *Engine) Start(ctx context.Context) error {
	unsubFeed, err := e.st.Subscribe(e.handleEvent, store.SubscribeOptions{})
	if err != nil {
		return err
	}
	e.unsubFeed = unsubFeed
	e.unsubConn = e.st.OnConnectionChange(func(connected bool) {
		if connected {
			go e.Flush(context.Background())
		}
	})

	if err := e.bootstrap(ctx); err != nil {
		e.unsubFeed()
		e.unsubConn()
		e.unsubFeed = nil
		e.unsubConn = nil
		return err
	}
	return nil
}

// Close unsubscribes and stops retrying. Pending writes are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.mu.Unlock()
	if e.unsubFeed != nil {
		e.unsubFeed()
	}
	if e.unsubConn != nil {
		e.unsubConn()
	}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	recs, err := e.st.ListAll(ctx)
	if err != nil {
		return err
	}
	e.cache.ReplaceAll(recs)

	e.mu.Lock()
	e.bootstrapped = true
	buffered := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	// Replay under the same LWW rule as live traffic: an event older than
	// the snapshot record it concerns drops out naturally.
	for _, ev := range buffered {
		e.applyEvent(ev)
	}
	e.logger.Info("bootstrap complete",
		log.F("objects", len(recs)),
		log.F("replayed", len(buffered)),
	)
	return nil
}

// CreateObject validates and stamps obj, applies it to the cache, and sends
// the create to the backend, queueing on transport failure.
func (e *Engine) CreateObject(ctx context.Context, obj *object.Object) error {
	nowMs := e.clock()
	if obj.CreatedBy == "" {
		obj.CreatedBy = e.cfg.AuthorID
	}
	if obj.CreatedAtMs == 0 {
		obj.CreatedAtMs = nowMs
	}
	obj.UpdatedAtMs = nowMs
	if err := obj.Validate(); err != nil {
		return err
	}
	e.applyMu.Lock()
	e.cache.Upsert(obj.ID, object.FromObject(obj))
	e.applyMu.Unlock()
	return e.send(ctx, store.OpCreate, obj.ID, store.Predicate{})
}

// UpdateObject applies the patch to the cache optimistically and sends the
// update under pred, queueing on transport failure. A precondition failure is
// surfaced so the caller can treat it as contention.
func (e *Engine) UpdateObject(ctx context.Context, id string, patch object.Patch, pred store.Predicate) error {
	if patch.IsZero() {
		return nil
	}
	e.applyMu.Lock()
	e.cache.Upsert(id, patch)
	e.applyMu.Unlock()
	return e.send(ctx, store.OpUpdate, id, pred)
}

// DeleteObject removes the object locally and sends the delete, queueing on
// transport failure.
func (e *Engine) DeleteObject(ctx context.Context, id string) error {
	e.applyMu.Lock()
	e.cache.Remove(id)
	e.applyMu.Unlock()
	return e.send(ctx, store.OpDelete, id, store.Predicate{})
}

// send attempts the write immediately, falling back to the per-object retry
// slot on transport failure.
func (e *Engine) send(ctx context.Context, op store.Operation, id string, pred store.Predicate) error {
	err := e.write(ctx, op, id, pred)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrUnavailable):
		e.enqueue(op, id, pred)
		return nil
	default:
		if e.metrics != nil {
			e.metrics.DispatchErrors.Inc()
		}
		return err
	}
}

// write performs one backend round trip. The payload for creates and updates
// is taken from the cache at call time so it reflects every local edit made
// since the operation was first attempted.
func (e *Engine) write(ctx context.Context, op store.Operation, id string, pred store.Predicate) error {
	switch op {
	case store.OpDelete:
		return e.st.Delete(ctx, id, e.cfg.AuthorID)
	case store.OpCreate:
		rec, ok := e.cache.Get(id)
		if !ok {
			// Deleted locally before the create flushed.
			return nil
		}
		err := e.st.Create(ctx, rec, e.cfg.AuthorID)
		if errors.Is(err, store.ErrExists) {
			// Another client created the id first, or our own earlier
			// attempt landed; converge through a plain update.
			_, uerr := e.st.Update(ctx, id, object.FromObject(rec), store.Predicate{}, e.cfg.AuthorID)
			return uerr
		}
		return err
	case store.OpUpdate:
		rec, ok := e.cache.Get(id)
		if !ok {
			return nil
		}
		got, err := e.st.Update(ctx, id, object.FromObject(rec), pred, e.cfg.AuthorID)
		if err != nil {
			return err
		}
		e.validateResponse(got)
		return nil
	}
	return nil
}

// validateResponse merges a round-trip response under the same LWW rule as
// feed events. A response that is stale against local state by the time it
// arrives is discarded rather than blindly applied.
func (e *Engine) validateResponse(got *object.Object) {
	if got == nil {
		return
	}
	e.applyMu.Lock()
	defer e.applyMu.Unlock()
	if cached, ok := e.cache.Get(got.ID); ok && got.UpdatedAtMs <= cached.UpdatedAtMs {
		return
	}
	e.cache.Upsert(got.ID, object.FromObject(got))
}

// enqueue records a retry slot for id. A later write for the same object
// replaces an earlier unflushed one; only the latest state matters.
func (e *Engine) enqueue(op store.Operation, id string, pred store.Predicate) {
	e.mu.Lock()
	if cur, ok := e.pending[id]; ok {
		cur.op = supersede(cur.op, op)
		cur.pred = pred
	} else {
		e.pending[id] = &pendingWrite{op: op, pred: pred, enqueuedAtMs: e.now()}
		e.order = append(e.order, id)
	}
	n := len(e.pending)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PendingWrites.Set(float64(n))
	}
	e.logger.Debug("write queued", log.F("object", id), log.F("op", string(op)))
}

// supersede folds a new failed operation into an existing slot. A create that
// has never landed stays a create; everything else takes the newer op.
func supersede(old, new store.Operation) store.Operation {
	if old == store.OpCreate && new == store.OpUpdate {
		return store.OpCreate
	}
	return new
}

// PendingCount reports the number of objects with unflushed writes.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush drains the retry queue in object-insertion order. Single-flight: a
// concurrent call while a flush is running returns immediately. On transport
// failure the remainder stays queued and a backoff retry is scheduled.
func (e *Engine) Flush(ctx context.Context) {
	e.mu.Lock()
	if e.flushing || e.closed || len(e.order) == 0 {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	e.mu.Unlock()

	ok := e.flushRound(ctx)

	e.mu.Lock()
	e.flushing = false
	if ok {
		e.backoff = e.cfg.FlushBackoff
	} else if !e.closed {
		d := e.backoff
		e.backoff *= 2
		if e.backoff > e.cfg.MaxFlushBackoff {
			e.backoff = e.cfg.MaxFlushBackoff
		}
		if e.retryTimer != nil {
			e.retryTimer.Stop()
		}
		e.retryTimer = time.AfterFunc(d, func() { e.Flush(context.Background()) })
	}
	n := len(e.pending)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.PendingWrites.Set(float64(n))
	}
}

// flushRound attempts every queued write once, reporting false if a transport
// failure stopped the round early.
func (e *Engine) flushRound(ctx context.Context) bool {
	for {
		e.mu.Lock()
		if len(e.order) == 0 {
			e.mu.Unlock()
			return true
		}
		id := e.order[0]
		pw, ok := e.pending[id]
		if !ok {
			e.order = e.order[1:]
			e.mu.Unlock()
			continue
		}
		pw.attempts++
		op, pred := pw.op, pw.pred
		e.mu.Unlock()

		err := e.write(ctx, op, id, pred)
		result := "ok"
		switch {
		case err == nil:
		case errors.Is(err, store.ErrUnavailable):
			if e.metrics != nil {
				e.metrics.FlushTotal.WithLabelValues("unavailable").Inc()
			}
			return false
		case errors.Is(err, store.ErrPreconditionFailed):
			// Lost the conditional write; the feed carries the winner.
			result = "precondition"
		case errors.Is(err, store.ErrNotFound):
			// Update for an id deleted remotely; do not resurrect it.
			result = "gone"
		default:
			result = "error"
			e.logger.Error("flush write failed",
				log.F("object", id),
				log.F("op", string(op)),
				log.Err(err),
			)
		}

		e.mu.Lock()
		delete(e.pending, id)
		e.order = e.order[1:]
		e.mu.Unlock()

		if e.metrics != nil {
			e.metrics.FlushTotal.WithLabelValues(result).Inc()
		}
	}
}

// handleEvent is the feed entry point. Events arriving before the snapshot
// is applied are buffered and replayed by bootstrap.
func (e *Engine) handleEvent(ev store.Event) {
	e.mu.Lock()
	if !e.bootstrapped {
		e.buffer = append(e.buffer, ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.applyEvent(ev)
}

// applyEvent merges one remote event into the cache. Self-echoes are dropped;
// inserts and updates apply only when strictly newer than the cached record;
// deletes always win.
func (e *Engine) applyEvent(ev store.Event) {
	if ev.AuthorID == e.cfg.AuthorID {
		return
	}
	if ev.Record == nil {
		return
	}
	id := ev.Record.ID

	switch ev.Type {
	case store.EventDelete:
		e.applyMu.Lock()
		e.cache.Remove(id)
		e.applyMu.Unlock()
		e.dropPending(id)
		if e.metrics != nil {
			e.metrics.MergeApplied.Inc()
		}
		return
	case store.EventInsert, store.EventUpdate:
		e.applyMu.Lock()
		if cached, ok := e.cache.Get(id); ok && ev.Record.UpdatedAtMs <= cached.UpdatedAtMs {
			e.applyMu.Unlock()
			if e.metrics != nil {
				e.metrics.MergeDropped.Inc()
			}
			return
		}
		e.cache.Upsert(id, object.FromObject(ev.Record))
		e.applyMu.Unlock()
		// The remote record is authoritative now; a queued local write for
		// this object would push stale state back out.
		e.dropPending(id)
		if e.metrics != nil {
			e.metrics.MergeApplied.Inc()
		}
		if e.cfg.OnRemoteOwner != nil {
			e.cfg.OnRemoteOwner(id, ev.Record.OwnerID)
		}
	}
}

func (e *Engine) dropPending(id string) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

func (e *Engine) clock() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now()
}
