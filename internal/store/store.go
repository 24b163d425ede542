package store

import (
	"context"
	"errors"

	"github.com/rzbill/coboard/internal/object"
)

// Operation names a mutation kind flowing to the backend.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// EventType tags inbound change-feed events. The set is closed; merge logic
// switches exhaustively over it.
type EventType int

const (
	EventInsert EventType = iota
	EventUpdate
	EventDelete
)

func (t EventType) String() string {
	switch t {
	case EventInsert:
		return "insert"
	case EventUpdate:
		return "update"
	case EventDelete:
		return "delete"
	}
	return "unknown"
}

// Event is a single change-feed notification. Record is the full record for
// inserts and updates; for deletes only Record.ID is meaningful. AuthorID is
// the user whose write produced the event. Seq is the feed position and is
// monotonically increasing per store.
type Event struct {
	Type     EventType
	Record   *object.Object
	AuthorID string
	Seq      uint64
}

// Handler consumes feed events.
type Handler func(Event)

// CondKind selects the conditional-write predicate applied server-side.
// Acquisition must be expressed this way; read-then-write is a TOCTOU race.
type CondKind int

const (
	// CondNone applies the write unconditionally.
	CondNone CondKind = iota
	// CondOwnerIsNone applies only while the record has no owner or its
	// lease expiry has passed.
	CondOwnerIsNone
	// CondOwnerIs applies only while the record is owned by Predicate.OwnerID.
	CondOwnerIs
)

// Predicate is the condition attached to an Update.
type Predicate struct {
	Kind    CondKind
	OwnerID string
	// NowMs is the reference time for lease-expiry checks under
	// CondOwnerIsNone. Zero means the store's clock.
	NowMs int64
}

// SubscribeOptions tunes a feed subscription.
type SubscribeOptions struct {
	// FromSeq replays events with Seq > FromSeq before live delivery, when
	// the store retains them. Zero starts from live.
	FromSeq uint64
	// Filter is an optional expression over event fields; stores that do not
	// support filtering return ErrFilterUnsupported for non-empty values.
	Filter string
}

var (
	// ErrNotFound is returned for operations on unknown record ids.
	ErrNotFound = errors.New("store: record not found")
	// ErrPreconditionFailed is returned when an Update's predicate does not
	// hold. This is an expected contention outcome, not a failure.
	ErrPreconditionFailed = errors.New("store: precondition failed")
	// ErrExists is returned by Create for duplicate ids.
	ErrExists = errors.New("store: record already exists")
	// ErrUnavailable marks transient transport failures; callers queue and
	// retry these.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrFilterUnsupported is returned by stores without filter support.
	ErrFilterUnsupported = errors.New("store: subscription filters unsupported")
)

// CheckPredicate enforces the conditional-write rules shared by all store
// implementations. nowMs is the store clock; Predicate.NowMs overrides it.
func CheckPredicate(cur *object.Object, pred Predicate, nowMs int64) error {
	if pred.NowMs != 0 {
		nowMs = pred.NowMs
	}
	switch pred.Kind {
	case CondNone:
		return nil
	case CondOwnerIsNone:
		if cur.OwnerID == "" {
			return nil
		}
		// An expired lease counts as unowned.
		if cur.LeaseExpiryMs != 0 && cur.LeaseExpiryMs <= nowMs {
			return nil
		}
		return ErrPreconditionFailed
	case CondOwnerIs:
		if cur.OwnerID == pred.OwnerID {
			return nil
		}
		return ErrPreconditionFailed
	}
	return nil
}

// Store is the conditional-write record store plus change feed the sync
// engine and lease manager operate against.
type Store interface {
	// Create inserts a new record authored by author.
	Create(ctx context.Context, rec *object.Object, author string) error
	// Update applies a partial patch when pred holds, returning the stored
	// record after the write.
	Update(ctx context.Context, id string, patch object.Patch, pred Predicate, author string) (*object.Object, error)
	// Delete removes a record. Deleting an absent id is a no-op.
	Delete(ctx context.Context, id string, author string) error
	// Get returns a single record or ErrNotFound.
	Get(ctx context.Context, id string) (*object.Object, error)
	// ListAll returns a snapshot of every record.
	ListAll(ctx context.Context) ([]*object.Object, error)
	// Subscribe registers a feed handler and returns an unsubscribe func.
	Subscribe(h Handler, opts SubscribeOptions) (func(), error)
	// Connected reports transport availability.
	Connected() bool
	// OnConnectionChange observes connectivity transitions; the returned
	// func removes the observer.
	OnConnectionChange(f func(connected bool)) func()
}
