package store

import (
	"context"
	"sync"
	"time"

	"github.com/rzbill/coboard/internal/object"
)

// Memory is an in-process Store used by tests and demos. Events are delivered
// synchronously to subscribers in registration order. Connectivity and
// per-operation failures can be injected.
type Memory struct {
	mu      sync.Mutex
	records map[string]*object.Object
	seq     uint64

	subs    map[int]Handler
	nextSub int

	connected bool
	connObs   map[int]func(bool)
	nextObs   int

	// failWrites, when set, makes mutating calls fail with ErrUnavailable.
	failWrites bool

	now func() int64
}

// NewMemory returns an empty, connected in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records:   make(map[string]*object.Object),
		subs:      make(map[int]Handler),
		connObs:   make(map[int]func(bool)),
		connected: true,
		now:       func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNow injects a clock for lease-expiry predicate checks. Used by tests.
func (m *Memory) SetNow(now func() int64) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// SetConnected toggles simulated connectivity and notifies observers on
// transitions.
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.failWrites = !connected
	obs := make([]func(bool), 0, len(m.connObs))
	for _, f := range m.connObs {
		obs = append(obs, f)
	}
	m.mu.Unlock()
	if !changed {
		return
	}
	for _, f := range obs {
		f(connected)
	}
}

// FailWrites makes mutating operations fail with ErrUnavailable without
// flipping the reported connectivity. Used to exercise retry requeueing.
func (m *Memory) FailWrites(fail bool) {
	m.mu.Lock()
	m.failWrites = fail
	m.mu.Unlock()
}

func (m *Memory) Create(ctx context.Context, rec *object.Object, author string) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.failWrites {
		m.mu.Unlock()
		return ErrUnavailable
	}
	if _, ok := m.records[rec.ID]; ok {
		m.mu.Unlock()
		return ErrExists
	}
	stored := rec.Clone()
	m.records[rec.ID] = stored
	ev := m.eventLocked(EventInsert, stored, author)
	subs := m.handlersLocked()
	m.mu.Unlock()

	dispatch(subs, ev)
	return nil
}

func (m *Memory) Update(ctx context.Context, id string, patch object.Patch, pred Predicate, author string) (*object.Object, error) {
	m.mu.Lock()
	if m.failWrites {
		m.mu.Unlock()
		return nil, ErrUnavailable
	}
	cur, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if err := CheckPredicate(cur, pred, m.now()); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	next := cur.Clone()
	patch.Apply(next, m.now())
	m.records[id] = next
	out := next.Clone()
	ev := m.eventLocked(EventUpdate, next, author)
	subs := m.handlersLocked()
	m.mu.Unlock()

	dispatch(subs, ev)
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string, author string) error {
	m.mu.Lock()
	if m.failWrites {
		m.mu.Unlock()
		return ErrUnavailable
	}
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, id)
	ev := m.eventLocked(EventDelete, rec, author)
	subs := m.handlersLocked()
	m.mu.Unlock()

	dispatch(subs, ev)
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*object.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return nil, ErrUnavailable
	}
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) ListAll(ctx context.Context) ([]*object.Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return nil, ErrUnavailable
	}
	out := make([]*object.Object, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *Memory) Subscribe(h Handler, opts SubscribeOptions) (func(), error) {
	if opts.Filter != "" {
		return nil, ErrFilterUnsupported
	}
	m.mu.Lock()
	idx := m.nextSub
	m.nextSub++
	m.subs[idx] = h
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, idx)
		m.mu.Unlock()
	}, nil
}

// Subscribers reports the number of live feed subscriptions. Used by tests.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ConnObservers reports the number of registered connectivity observers.
// Used by tests.
func (m *Memory) ConnObservers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connObs)
}

func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) OnConnectionChange(f func(connected bool)) func() {
	m.mu.Lock()
	idx := m.nextObs
	m.nextObs++
	m.connObs[idx] = f
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.connObs, idx)
		m.mu.Unlock()
	}
}

func (m *Memory) eventLocked(t EventType, rec *object.Object, author string) Event {
	m.seq++
	return Event{Type: t, Record: rec.Clone(), AuthorID: author, Seq: m.seq}
}

func (m *Memory) handlersLocked() []Handler {
	out := make([]Handler, 0, len(m.subs))
	for _, h := range m.subs {
		out = append(out, h)
	}
	return out
}

func dispatch(subs []Handler, ev Event) {
	for _, h := range subs {
		h(ev)
	}
}
