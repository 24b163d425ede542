package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/object"
)

// Cache is the canonical in-memory view of board objects. It exclusively owns
// object state; the lease manager only references ids and the sync engine
// mutates through the same Upsert path local edits use.
type Cache struct {
	mu      sync.Mutex
	objects map[string]*object.Object
	version uint64

	// snapshot is the referentially stable GetAll result, recomputed only
	// when the version advances past snapshotVersion.
	snapshot        []*object.Object
	snapshotVersion uint64

	listeners map[int]func()
	nextID    int

	now func() int64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		objects:   make(map[string]*object.Object),
		listeners: make(map[int]func()),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow injects a clock. Used by tests.
func (c *Cache) SetNow(now func() int64) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Version returns the monotonically increasing mutation counter. Consumers
// compare versions for a cheap "did anything change" check.
func (c *Cache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Get returns a copy of the object, or false if absent.
func (c *Cache) Get(id string) (*object.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.objects[id]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// GetAll returns all objects ordered by id. The returned slice is shared and
// must not be mutated; it stays referentially identical until the version
// advances.
func (c *Cache) GetAll() []*object.Object {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshot != nil && c.snapshotVersion == c.version {
		return c.snapshot
	}
	snap := make([]*object.Object, 0, len(c.objects))
	for _, rec := range c.objects {
		snap = append(snap, rec.Clone())
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	c.snapshot = snap
	c.snapshotVersion = c.version
	return snap
}

// Len returns the number of cached objects.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Upsert merges the patch into the object, creating it when absent. The
// object's UpdatedAtMs is stamped with the current time unless the patch
// carries an authoritative timestamp. Subscribers are notified exactly once.
func (c *Cache) Upsert(id string, patch object.Patch) *object.Object {
	c.mu.Lock()
	rec, ok := c.objects[id]
	if !ok {
		rec = &object.Object{ID: id}
		c.objects[id] = rec
	}
	patch.Apply(rec, c.now())
	c.version++
	out := rec.Clone()
	listeners := c.listenersLocked()
	c.mu.Unlock()

	notify(listeners)
	return out
}

// Remove deletes the object. Removing an absent id is a no-op and does not
// notify.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	if _, ok := c.objects[id]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.objects, id)
	c.version++
	listeners := c.listenersLocked()
	c.mu.Unlock()

	notify(listeners)
	return true
}

// ReplaceAll swaps the entire contents, used when applying a bootstrap
// snapshot. A single notification fires regardless of how many objects
// changed.
func (c *Cache) ReplaceAll(objects []*object.Object) {
	c.mu.Lock()
	next := make(map[string]*object.Object, len(objects))
	for _, rec := range objects {
		if rec == nil || rec.ID == "" {
			continue
		}
		next[rec.ID] = rec.Clone()
	}
	c.objects = next
	c.version++
	listeners := c.listenersLocked()
	c.mu.Unlock()

	notify(listeners)
}

// Subscribe registers a listener invoked once per mutating call. The returned
// func unsubscribes.
func (c *Cache) Subscribe(listener func()) func() {
	c.mu.Lock()
	idx := c.nextID
	c.nextID++
	c.listeners[idx] = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, idx)
		c.mu.Unlock()
	}
}

func (c *Cache) listenersLocked() []func() {
	out := make([]func(), 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func notify(listeners []func()) {
	for _, l := range listeners {
		l()
	}
}
