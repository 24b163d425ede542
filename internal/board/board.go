package board

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/coboard/internal/storage/pebble"
)

// Meta holds board metadata and optional per-board lease overrides. Zero
// override values defer to the server-wide configuration.
type Meta struct {
	Name        string `json:"name"`
	CreatedAtMs int64  `json:"createdAtMs"`

	LeaseTimeoutMs     int64 `json:"leaseTimeoutMs,omitempty"`
	LeaseWarnLeadMs    int64 `json:"leaseWarnLeadMs,omitempty"`
	ChangeLogRetention int64 `json:"changeLogRetention,omitempty"`
}

var metaPrefix = []byte("boardmeta/")

func metaKey(name string) []byte {
	k := make([]byte, 0, len(metaPrefix)+len(name))
	k = append(k, metaPrefix...)
	k = append(k, name...)
	return k
}

// ErrInvalidName is returned for board names rejected by the configured
// pattern.
var ErrInvalidName = errors.New("board: invalid name")

// ValidateName checks name against pattern (a full-match regex).
func ValidateName(name, pattern string) error {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return fmt.Errorf("board: bad name pattern: %w", err)
	}
	if !re.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Ensure creates a board meta record if absent, returning the effective meta.
// Idempotent: returns the existing record if already present.
func Ensure(db *pebblestore.DB, name string) (Meta, error) {
	key := metaKey(name)
	if b, err := db.Get(key); err == nil && len(b) > 0 {
		var m Meta
		if err := json.Unmarshal(b, &m); err == nil {
			return m, nil
		}
		// fallthrough to rewrite if corrupted
	}
	m := Meta{Name: name, CreatedAtMs: time.Now().UnixMilli()}
	raw, err := json.Marshal(m)
	if err != nil {
		return Meta{}, err
	}
	if err := db.Set(key, raw); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// List returns every board meta record, in key order.
func List(db *pebblestore.DB) ([]Meta, error) {
	end := append(append([]byte(nil), metaPrefix...), 0xff)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: metaPrefix, UpperBound: end})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Meta
	for iter.First(); iter.Valid(); iter.Next() {
		var m Meta
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, iter.Error()
}
