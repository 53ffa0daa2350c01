package metadb

import (
	"context"
	"errors"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// MetaDB provides metadata storage for the media cache.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Entry access
	Get(ctx context.Context, key mediacache.CacheKey) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Delete(ctx context.Context, key mediacache.CacheKey) error

	// Touch updates the last access time for a ready entry and returns the
	// new timestamp. Access times are strictly monotonic per entry so the
	// eviction order index never produces ties for the same key.
	Touch(ctx context.Context, key mediacache.CacheKey) (time.Time, error)

	// SetState transitions an entry's lifecycle state in place.
	SetState(ctx context.Context, key mediacache.CacheKey, state EntryState) error

	// Eviction and diagnostics queries
	OldestFirst(ctx context.Context, class mediacache.AssetClass, limit int) ([]*Entry, error)
	ForEach(ctx context.Context, fn func(*Entry) error) error
	Totals(ctx context.Context, class mediacache.AssetClass) (ClassTotals, error)

	// Clear removes all entries, indexes and totals.
	Clear(ctx context.Context) error
}

// New creates a new MetaDB backed by bbolt.
func New(opts ...BoltDBOption) MetaDB {
	return NewBoltDB(opts...)
}
