package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/cache"
	"github.com/rzbill/coboard/internal/config"
	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/obs"
	"github.com/rzbill/coboard/internal/ownership"
	"github.com/rzbill/coboard/internal/store"
	"github.com/rzbill/coboard/internal/syncer"
	"github.com/rzbill/coboard/pkg/id"
	"github.com/rzbill/coboard/pkg/log"
)

// ErrNotOwner is returned for mutations on objects the user does not hold.
var ErrNotOwner = errors.New("client: not the current owner")

// Callbacks surface lease lifecycle notifications to the embedding
// application (UI warnings, toasts).
type Callbacks struct {
	OnWarning func(objectID string, remainingMs int64)
	OnTimeout func(objectID string)
	OnRelease func(objectID, reason string)
}

// Options configures a Client.
type Options struct {
	UserID    string
	Store     store.Store
	Config    config.Config
	Callbacks Callbacks
	Logger    log.Logger
	Metrics   *obs.Metrics
}

// Client is one user's session on a board: an object cache kept converged by
// the sync engine, plus a lease manager whose grants and releases are pushed
// to the store as conditional writes. Mutations require holding the lease;
// the ordering is always acquire, mutate, dispatch.
type Client struct {
	userID  string
	st      store.Store
	cache   *cache.Cache
	leases  *ownership.Manager
	engine  *syncer.Engine
	logger  log.Logger
	metrics *obs.Metrics
	cb      Callbacks

	ids *id.Generator

	mu       sync.Mutex
	grantPre map[string]store.Predicate // per-object override for the next grant write

	now func() int64
}

// Open builds the client and bootstraps its cache from the store.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if opts.Store == nil {
		return nil, errors.New("client: Store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}

	c := &Client{
		userID:   opts.UserID,
		st:       opts.Store,
		cache:    cache.New(),
		logger:   logger.WithComponent("client"),
		metrics:  opts.Metrics,
		cb:       opts.Callbacks,
		ids:      id.NewGenerator(),
		grantPre: make(map[string]store.Predicate),
		now:      func() int64 { return time.Now().UnixMilli() },
	}

	cfg := opts.Config
	c.leases = ownership.NewManager(ownership.Options{
		Defaults: ownership.Defaults{
			TimeoutMs:     cfg.Lease.TimeoutMs,
			WarningLeadMs: cfg.Lease.WarningLeadMs,
		},
		Callbacks: ownership.Callbacks{
			OnGrant:   c.onGrant,
			OnRelease: c.onRelease,
			OnWarning: c.onWarning,
			OnTimeout: c.onTimeout,
		},
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	c.engine = syncer.NewEngine(opts.Store, c.cache, syncer.Config{
		AuthorID:        opts.UserID,
		FlushBackoff:    time.Duration(cfg.Sync.FlushBackoffMs) * time.Millisecond,
		MaxFlushBackoff: time.Duration(cfg.Sync.MaxFlushBackoffMs) * time.Millisecond,
		Logger:          logger,
		Metrics:         opts.Metrics,
		OnRemoteOwner:   c.leases.SyncRemoteOwner,
	})
	if err := c.engine.Start(ctx); err != nil {
		c.leases.Close()
		return nil, err
	}
	return c, nil
}

// Close releases resources. Held leases are released locally; their remote
// owner marks clear through the release writes.
func (c *Client) Close() {
	c.leases.ReleaseAll(c.userID)
	c.leases.Close()
	c.engine.Close()
}

// UserID returns the local user id.
func (c *Client) UserID() string { return c.userID }

// Objects returns the current cache snapshot, sorted by id.
func (c *Client) Objects() []*object.Object { return c.cache.GetAll() }

// Object returns a single cached object.
func (c *Client) Object(id string) (*object.Object, bool) { return c.cache.Get(id) }

// SubscribeChanges registers a listener fired after every cache change.
func (c *Client) SubscribeChanges(fn func()) func() { return c.cache.Subscribe(fn) }

// PendingSyncCount reports unflushed outbound writes.
func (c *Client) PendingSyncCount() int { return c.engine.PendingCount() }

// LeaseStats exposes the lease manager counters.
func (c *Client) LeaseStats() ownership.Stats { return c.leases.Stats() }

// LeaseHistory returns recent ownership transitions, newest last.
func (c *Client) LeaseHistory(limit int) []ownership.HistoryEntry {
	return c.leases.History(limit)
}

// CreateShape creates a new object, minting a time-sortable id when the
// caller left it empty. Creation does not require a lease; the object
// springs into existence unowned.
func (c *Client) CreateShape(ctx context.Context, obj *object.Object) error {
	if obj.ID == "" {
		obj.ID = c.ids.Next().String()
	}
	return c.engine.CreateObject(ctx, obj)
}

// UpdateShape mutates an object the user currently holds. The write is
// pinned to the holder so a concurrent remote takeover invalidates it.
func (c *Client) UpdateShape(ctx context.Context, id string, patch object.Patch) error {
	if !c.leases.IsOwner(id, c.userID) {
		return ErrNotOwner
	}
	c.leases.UpdateActivity(c.userID, 0)
	return c.engine.UpdateObject(ctx, id, patch,
		store.Predicate{Kind: store.CondOwnerIs, OwnerID: c.userID})
}

// DeleteShape removes an object the user currently holds. Deleting cancels
// the lease's timers synchronously.
func (c *Client) DeleteShape(ctx context.Context, id string) error {
	if !c.leases.IsOwner(id, c.userID) {
		return ErrNotOwner
	}
	c.leases.Release(id, c.userID, ownership.ReleaseOptions{})
	return c.engine.DeleteObject(ctx, id)
}

// Acquire attempts to take ownership of objectID. The local grant is
// confirmed by a conditional write ("set owner where owner is none"); losing
// that write rolls the local lease back, so a false return means another
// client holds the object. Queued requests resolve through the returned
// pending handle.
func (c *Client) Acquire(objectID string, opts ownership.AcquireOptions) (bool, *ownership.PendingRequest, error) {
	if opts.Force {
		c.mu.Lock()
		c.grantPre[objectID] = store.Predicate{Kind: store.CondNone}
		c.mu.Unlock()
	}
	res, err := c.leases.Acquire(objectID, c.userID, opts)
	if err != nil {
		return false, nil, err
	}
	if res.Pending != nil {
		return false, res.Pending, nil
	}
	if !res.Acquired {
		return false, nil, nil
	}
	// The grant write ran inside the grant callback; a lost conditional
	// write has already rolled the lease back by now.
	return c.leases.IsOwner(objectID, c.userID), nil, nil
}

// Release gives up the lease on objectID.
func (c *Client) Release(objectID string) bool {
	return c.leases.Release(objectID, c.userID, ownership.ReleaseOptions{})
}

// Handoff transfers the lease to another user as one non-preemptible step.
// The transfer reaches the store as a single conditional write: set owner to
// the grantee where the owner is still the giver.
func (c *Client) Handoff(objectID, toUserID string, opts ownership.AcquireOptions) bool {
	c.mu.Lock()
	c.grantPre[objectID] = store.Predicate{Kind: store.CondOwnerIs, OwnerID: c.userID}
	c.mu.Unlock()
	ok := c.leases.Handoff(objectID, c.userID, toUserID, opts)
	if !ok {
		c.mu.Lock()
		delete(c.grantPre, objectID)
		c.mu.Unlock()
	}
	return ok
}

// ExtendTimeout pushes the lease deadline out by extraMs.
func (c *Client) ExtendTimeout(objectID string, extraMs int64) bool {
	if !c.leases.ExtendTimeout(objectID, extraMs) {
		return false
	}
	c.pushLeaseMark(objectID)
	return true
}

// Touch records user interaction. Local renewal is free; the remote lease
// mark is only refreshed once the stored expiry drops under half a timeout,
// keeping steady typing off the wire.
func (c *Client) Touch() {
	c.leases.UpdateActivity(c.userID, 0)
	nowMs := c.now()
	for _, id := range c.leases.OwnedObjects(c.userID) {
		lease, ok := c.leases.Snapshot(id)
		if !ok {
			continue
		}
		rec, ok := c.cache.Get(id)
		if ok && rec.LeaseExpiryMs-nowMs > lease.TimeoutMs/2 {
			continue
		}
		c.pushLeaseMark(id)
	}
}

// IsOwner reports whether the local user holds objectID.
func (c *Client) IsOwner(objectID string) bool { return c.leases.IsOwner(objectID, c.userID) }

// Owner returns the holder of objectID as known locally.
func (c *Client) Owner(objectID string) (string, bool) { return c.leases.Owner(objectID) }

// onGrant pushes the owner-setting conditional write for a fresh grant. If
// the write loses (another client already owns the record), the local lease
// is rolled back so the caller observes a plain conflict.
func (c *Client) onGrant(objectID, userID string) {
	c.mu.Lock()
	pred, overridden := c.grantPre[objectID]
	delete(c.grantPre, objectID)
	c.mu.Unlock()

	lease, ok := c.leases.Snapshot(objectID)
	if !ok || lease.HolderID != userID {
		return
	}
	if !overridden {
		pred = store.Predicate{Kind: store.CondOwnerIsNone}
	}
	owner := userID
	expiry := lease.DeadlineMs
	err := c.engine.UpdateObject(context.Background(), objectID,
		object.Patch{OwnerID: &owner, LeaseExpiryMs: &expiry}, pred)
	if err == nil {
		// In-flight validation: the lease may have been force-taken
		// locally while the round trip was outstanding. A confirmation
		// for a lease we no longer hold must not stand; clear the mark.
		if !c.leases.IsOwner(objectID, userID) && c.userID == userID {
			c.clearOwnerMark(objectID, userID)
		}
		return
	}
	if errors.Is(err, store.ErrPreconditionFailed) {
		remoteOwner := ""
		if rec, gerr := c.st.Get(context.Background(), objectID); gerr == nil {
			remoteOwner = rec.OwnerID
			// Undo the optimistic owner patch with the record as stored.
			c.cache.Upsert(objectID, object.FromObject(rec))
		}
		c.logger.Debug("grant lost conditional write",
			log.F("object", objectID),
			log.F("remote_owner", remoteOwner),
		)
		c.leases.SyncRemoteOwner(objectID, remoteOwner)
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		// Object deleted remotely between cache read and write. Dropping
		// the lease with promotion lets any queued requests drain; their
		// grant writes hit the same missing record and unwind too.
		c.leases.SyncRemoteOwner(objectID, "")
		return
	}
	c.logger.Error("grant write failed", log.F("object", objectID), log.Err(err))
}

// onRelease clears the remote owner mark. Remote-initiated and handoff
// releases skip the write: the mark either already changed hands or is about
// to be overwritten by the grantee.
func (c *Client) onRelease(objectID, userID, reason string) {
	if c.cb.OnRelease != nil && userID == c.userID {
		c.cb.OnRelease(objectID, reason)
	}
	if reason == ownership.ReasonRemote || reason == ownership.ReasonHandoff {
		return
	}
	c.clearOwnerMark(objectID, userID)
}

func (c *Client) onWarning(objectID, userID string, remainingMs int64) {
	if c.cb.OnWarning != nil && userID == c.userID {
		c.cb.OnWarning(objectID, remainingMs)
	}
}

func (c *Client) onTimeout(objectID, userID string) {
	if c.cb.OnTimeout != nil && userID == c.userID {
		c.cb.OnTimeout(objectID)
	}
}

// pushLeaseMark refreshes the remote owner and expiry fields for a lease the
// user still holds.
func (c *Client) pushLeaseMark(objectID string) {
	lease, ok := c.leases.Snapshot(objectID)
	if !ok {
		return
	}
	owner := lease.HolderID
	expiry := lease.DeadlineMs
	err := c.engine.UpdateObject(context.Background(), objectID,
		object.Patch{OwnerID: &owner, LeaseExpiryMs: &expiry},
		store.Predicate{Kind: store.CondOwnerIs, OwnerID: owner})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Debug("lease mark refresh failed", log.F("object", objectID), log.Err(err))
	}
}

func (c *Client) clearOwnerMark(objectID, userID string) {
	empty := ""
	var zero int64
	err := c.engine.UpdateObject(context.Background(), objectID,
		object.Patch{OwnerID: &empty, LeaseExpiryMs: &zero},
		store.Predicate{Kind: store.CondOwnerIs, OwnerID: userID})
	if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrPreconditionFailed) {
		c.logger.Debug("owner mark clear failed", log.F("object", objectID), log.Err(err))
	}
}
