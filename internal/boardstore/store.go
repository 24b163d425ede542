package boardstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"

	"github.com/rzbill/coboard/internal/object"
	"github.com/rzbill/coboard/internal/store"
	"github.com/rzbill/coboard/pkg/log"
)

// Board is the durable, server-side store.Store for one board. Records and
// their change-log entries live in a shared Pebble DB under the board's key
// prefix; a record write and its log entry commit in one batch. Subscribers
// receive events synchronously after commit, optionally narrowed by a CEL
// filter, and can resume from a past sequence via SubscribeOptions.FromSeq.
type Board struct {
	db     *pebblestore.DB
	name   string
	logger log.Logger

	mu      sync.Mutex
	seq     uint64
	subs    map[int]subscriber
	nextSub int
	connObs map[int]func(bool)
	nextObs int

	now func() int64
}

type subscriber struct {
	h      store.Handler
	filter celFilter
}

// envelope is the persisted change-log entry.
type envelope struct {
	Type     string         `json:"type"`
	Record   *object.Object `json:"record"`
	AuthorID string         `json:"authorId"`
	Seq      uint64         `json:"seq"`
}

// Open loads or initializes the board's state in db.
func Open(db *pebblestore.DB, name string, logger log.Logger) (*Board, error) {
	if logger == nil {
		logger = log.NewLogger(log.WithLevel(log.InfoLevel))
	}
	b := &Board{
		db:      db,
		name:    name,
		logger:  logger.WithComponent("boardstore"),
		subs:    make(map[int]subscriber),
		connObs: make(map[int]func(bool)),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	raw, err := db.Get(KeyLogMeta(name))
	switch {
	case err == nil && len(raw) == 8:
		b.seq = binary.BigEndian.Uint64(raw)
	case pebblestore.IsNotFound(err):
	case err != nil:
		return nil, fmt.Errorf("boardstore: load meta: %w", err)
	}
	return b, nil
}

// Name returns the board name.
func (b *Board) Name() string { return b.name }

// Seq returns the sequence of the most recent change-log entry.
func (b *Board) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// SetNow injects a clock for lease-expiry predicate checks. Used by tests.
func (b *Board) SetNow(now func() int64) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

func (b *Board) Create(ctx context.Context, rec *object.Object, author string) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	key := KeyObject(b.name, rec.ID)
	if _, err := b.db.Get(key); err == nil {
		b.mu.Unlock()
		return store.ErrExists
	} else if !pebblestore.IsNotFound(err) {
		b.mu.Unlock()
		return fmt.Errorf("boardstore: read: %w", err)
	}
	stored := rec.Clone()
	ev, err := b.commitLocked(ctx, key, stored, store.EventInsert, author)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	subs := b.subscribersLocked()
	b.mu.Unlock()

	deliver(subs, ev)
	return nil
}

func (b *Board) Update(ctx context.Context, id string, patch object.Patch, pred store.Predicate, author string) (*object.Object, error) {
	b.mu.Lock()
	cur, err := b.getLocked(id)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := store.CheckPredicate(cur, pred, b.now()); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	next := cur.Clone()
	patch.Apply(next, b.now())
	ev, err := b.commitLocked(ctx, KeyObject(b.name, id), next, store.EventUpdate, author)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	out := next.Clone()
	subs := b.subscribersLocked()
	b.mu.Unlock()

	deliver(subs, ev)
	return out, nil
}

func (b *Board) Delete(ctx context.Context, id string, author string) error {
	b.mu.Lock()
	cur, err := b.getLocked(id)
	if err != nil {
		b.mu.Unlock()
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}

	b.seq++
	env := envelope{Type: store.EventDelete.String(), Record: cur, AuthorID: author, Seq: b.seq}
	raw, err := json.Marshal(env)
	if err != nil {
		b.seq--
		b.mu.Unlock()
		return fmt.Errorf("boardstore: encode event: %w", err)
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(KeyObject(b.name, id), nil); err != nil {
		b.seq--
		b.mu.Unlock()
		return err
	}
	if err := b.appendLogLocked(batch, raw); err != nil {
		b.seq--
		b.mu.Unlock()
		return err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.seq--
		b.mu.Unlock()
		return fmt.Errorf("boardstore: commit: %w", err)
	}
	ev := store.Event{Type: store.EventDelete, Record: cur, AuthorID: author, Seq: b.seq}
	subs := b.subscribersLocked()
	b.mu.Unlock()

	deliver(subs, ev)
	return nil
}

func (b *Board) Get(ctx context.Context, id string) (*object.Object, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.getLocked(id)
}

func (b *Board) ListAll(ctx context.Context) ([]*object.Object, error) {
	prefix := KeyObjectPrefix(b.name)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("boardstore: iter: %w", err)
	}
	defer iter.Close()

	var out []*object.Object
	for iter.First(); iter.Valid(); iter.Next() {
		var rec object.Object
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			b.logger.Error("corrupt record skipped",
				log.F("key", string(iter.Key())),
				log.Err(err),
			)
			continue
		}
		out = append(out, &rec)
	}
	return out, iter.Error()
}

// Subscribe registers h for feed events. With FromSeq set, retained log
// entries after that sequence replay synchronously before live delivery
// begins; the caller misses nothing in between because registration happens
// under the same lock writers publish under.
func (b *Board) Subscribe(h store.Handler, opts store.SubscribeOptions) (func(), error) {
	filter, err := newCELFilter(opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrFilterUnsupported, err)
	}

	b.mu.Lock()
	if opts.FromSeq > 0 {
		if err := b.replayLocked(opts.FromSeq, h, filter); err != nil {
			b.mu.Unlock()
			return nil, err
		}
	}
	idx := b.nextSub
	b.nextSub++
	b.subs[idx] = subscriber{h: h, filter: filter}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, idx)
		b.mu.Unlock()
	}, nil
}

// Connected always reports true: the board store is the authoritative side,
// not a remote transport.
func (b *Board) Connected() bool { return true }

func (b *Board) OnConnectionChange(f func(connected bool)) func() {
	b.mu.Lock()
	idx := b.nextObs
	b.nextObs++
	b.connObs[idx] = f
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.connObs, idx)
		b.mu.Unlock()
	}
}

// Trim removes change-log entries with seq <= upTo and compacts the range.
// Feed resumption older than the trim point falls back to a full snapshot.
func (b *Board) Trim(upTo uint64) error {
	if upTo == 0 {
		return nil
	}
	start := KeyLogEntryPrefix(b.name)
	end := KeyLogEntry(b.name, upTo+1)
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(start, end, nil); err != nil {
		return err
	}
	if err := b.db.CommitBatch(context.Background(), batch); err != nil {
		return err
	}
	return b.db.CompactRange(start, end)
}

func (b *Board) getLocked(id string) (*object.Object, error) {
	raw, err := b.db.Get(KeyObject(b.name, id))
	if err != nil {
		if pebblestore.IsNotFound(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("boardstore: read: %w", err)
	}
	var rec object.Object
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("boardstore: decode record: %w", err)
	}
	return &rec, nil
}

// commitLocked writes the record and its change-log entry in one batch and
// returns the event to deliver. Caller holds b.mu.
func (b *Board) commitLocked(ctx context.Context, key []byte, rec *object.Object, typ store.EventType, author string) (store.Event, error) {
	b.seq++
	env := envelope{Type: typ.String(), Record: rec, AuthorID: author, Seq: b.seq}
	envRaw, err := json.Marshal(env)
	if err != nil {
		b.seq--
		return store.Event{}, fmt.Errorf("boardstore: encode event: %w", err)
	}
	recRaw, err := json.Marshal(rec)
	if err != nil {
		b.seq--
		return store.Event{}, fmt.Errorf("boardstore: encode record: %w", err)
	}

	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, recRaw, nil); err != nil {
		b.seq--
		return store.Event{}, err
	}
	if err := b.appendLogLocked(batch, envRaw); err != nil {
		b.seq--
		return store.Event{}, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		b.seq--
		return store.Event{}, fmt.Errorf("boardstore: commit: %w", err)
	}
	return store.Event{Type: typ, Record: rec.Clone(), AuthorID: author, Seq: b.seq}, nil
}

// appendLogLocked stages the log entry and meta bump on the batch using the
// already-incremented b.seq.
func (b *Board) appendLogLocked(batch *pebble.Batch, envRaw []byte) error {
	if err := batch.Set(KeyLogEntry(b.name, b.seq), envRaw, nil); err != nil {
		return err
	}
	var metaBuf [8]byte
	binary.BigEndian.PutUint64(metaBuf[:], b.seq)
	return batch.Set(KeyLogMeta(b.name), metaBuf[:], nil)
}

// replayLocked delivers retained log entries with seq > from to h.
func (b *Board) replayLocked(from uint64, h store.Handler, filter celFilter) error {
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: KeyLogEntry(b.name, from+1),
		UpperBound: prefixUpperBound(KeyLogEntryPrefix(b.name)),
	})
	if err != nil {
		return fmt.Errorf("boardstore: iter: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var env envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			b.logger.Error("corrupt log entry skipped",
				log.F("key", string(iter.Key())),
				log.Err(err),
			)
			continue
		}
		ev := store.Event{Record: env.Record, AuthorID: env.AuthorID, Seq: env.Seq}
		switch env.Type {
		case store.EventInsert.String():
			ev.Type = store.EventInsert
		case store.EventUpdate.String():
			ev.Type = store.EventUpdate
		case store.EventDelete.String():
			ev.Type = store.EventDelete
		default:
			continue
		}
		if filter.Eval(ev) {
			h(ev)
		}
	}
	return iter.Error()
}

func (b *Board) subscribersLocked() []subscriber {
	out := make([]subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

func deliver(subs []subscriber, ev store.Event) {
	for _, s := range subs {
		if s.filter.Eval(ev) {
			s.h(ev)
		}
	}
}
