// Package metadb provides persistent metadata storage using bbolt for the
// media cache. It tracks one entry per cache key, maintains a last-access
// index for oldest-first eviction, and keeps running per-class byte and item
// totals so budget checks never scan the full table.
package metadb

import (
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// EntryState tracks the lifecycle of a cached asset.
type EntryState string

const (
	// StatePending marks an entry whose download is in flight. Pending
	// entries found at startup are from a crashed process and are reset
	// to invalid.
	StatePending EntryState = "pending"

	// StateReady marks an entry whose blob is fully written and usable.
	StateReady EntryState = "ready"

	// StateEvicting marks an entry whose blob deletion has started. The
	// marker is written before the blob is removed so a crash mid-eviction
	// never leaves metadata pointing at a deleted file as ready.
	StateEvicting EntryState = "evicting"

	// StateInvalid marks an entry whose blob is missing or unusable. The
	// next resolve for the key refetches.
	StateInvalid EntryState = "invalid"
)

// Entry contains metadata about a cached asset.
type Entry struct {
	Key           string                `json:"key"`
	SourceURI     string                `json:"source_uri"`
	Class         mediacache.AssetClass `json:"class"`
	LocalPath     string                `json:"local_path"`
	Size          int64                 `json:"size"`
	ContentDigest string                `json:"content_digest,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	LastAccess    time.Time             `json:"last_access"`
	State         EntryState            `json:"state"`
}

// CacheKey parses the entry's key string back into its structured form.
func (e *Entry) CacheKey() (mediacache.CacheKey, error) {
	return mediacache.ParseCacheKey(e.Key)
}

// ClassTotals holds the running byte and item counts for one asset class.
// Only ready entries are counted.
type ClassTotals struct {
	Items int64 `json:"items"`
	Bytes int64 `json:"bytes"`
}
