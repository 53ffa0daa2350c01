package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/memcache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// ClassStats aggregates one asset class for Stats.
type ClassStats struct {
	Items       int64 `json:"items"`
	Bytes       int64 `json:"bytes"`
	MemoryItems int   `json:"memory_items"`
}

// Stats is the cheap read-only view of the cache. Disk counts come from the
// running per-class totals the metadata store maintains, never from a scan.
type Stats struct {
	PersistenceDisabled bool                                  `json:"persistence_disabled"`
	Classes             map[mediacache.AssetClass]ClassStats  `json:"classes"`
	Hits                uint64                                `json:"hits"`
	Misses              uint64                                `json:"misses"`
	Errors              uint64                                `json:"errors"`
}

// Stats returns aggregated per-class counts and sizes plus resolve counters.
func (e *Engine) Stats(ctx context.Context) Stats {
	stats := Stats{
		PersistenceDisabled: e.persistenceDisabled,
		Classes:             make(map[mediacache.AssetClass]ClassStats, len(mediacache.Classes())),
		Hits:                e.hits.Load(),
		Misses:              e.misses.Load(),
		Errors:              e.errors.Load(),
	}

	for _, class := range mediacache.Classes() {
		cs := ClassStats{MemoryItems: e.memory.Len(class)}
		if e.meta != nil {
			totals, err := e.meta.Totals(ctx, class)
			if err != nil {
				e.logger.Warn("failed to read class totals", "class", class, "error", err)
			} else {
				cs.Items = totals.Items
				cs.Bytes = totals.Bytes
				telemetry.UpdateClassTotals(ctx, string(class), totals.Bytes, totals.Items)
			}
		}
		stats.Classes[class] = cs
	}
	return stats
}

// SelfTest exercises the write, read, touch and evict paths against a
// disposable key. Real cache entries are never touched. A nil return means
// every step passed.
func (e *Engine) SelfTest(ctx context.Context) error {
	testURI := "selftest://" + uuid.NewString()
	key := mediacache.KeyFor(testURI, mediacache.ClassImage)
	payload := []byte("media-cache self test payload " + testURI)

	// Pin so a concurrent sweep cannot race the test entry.
	e.pin(key)
	defer e.unpin(key)

	// Memory tier round trip works in every mode.
	e.memory.Put(memcache.Item{Key: key, Path: "selftest", Size: int64(len(payload))})
	if _, ok := e.memory.Get(key); !ok {
		return errors.New("self test: memory cache lookup failed after put")
	}
	e.memory.Delete(key)
	if _, ok := e.memory.Get(key); ok {
		return errors.New("self test: memory cache returned a deleted item")
	}

	if e.persistenceDisabled {
		// Nothing else to exercise without disk tiers.
		return nil
	}

	// Blob write and read back.
	wr, err := e.blobs.Write(ctx, key, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("self test: blob write: %w", err)
	}
	if wr.Digest != mediacache.HashBytes(payload) {
		return errors.New("self test: blob digest mismatch after write")
	}

	rc, err := e.blobs.Open(ctx, key)
	if err != nil {
		return fmt.Errorf("self test: blob open: %w", err)
	}
	readBack, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("self test: blob read: %w", err)
	}
	if !bytes.Equal(readBack, payload) {
		return errors.New("self test: blob content mismatch after read back")
	}

	// Metadata round trip and access time monotonicity.
	now := e.now()
	entry := &metadb.Entry{
		Key:           key.String(),
		SourceURI:     testURI,
		Class:         key.Class,
		LocalPath:     wr.Path,
		Size:          wr.Size,
		ContentDigest: wr.Digest.String(),
		CreatedAt:     now,
		LastAccess:    now,
		State:         metadb.StateReady,
	}
	if err := e.meta.Put(ctx, entry); err != nil {
		return fmt.Errorf("self test: metadata put: %w", err)
	}
	touched, err := e.meta.Touch(ctx, key)
	if err != nil {
		return fmt.Errorf("self test: metadata touch: %w", err)
	}
	if !touched.After(now) {
		return errors.New("self test: touch did not advance last access time")
	}

	// Evict path, in the same order the eviction manager uses.
	if err := e.meta.SetState(ctx, key, metadb.StateEvicting); err != nil {
		return fmt.Errorf("self test: mark evicting: %w", err)
	}
	if err := e.blobs.Delete(ctx, key); err != nil {
		return fmt.Errorf("self test: blob delete: %w", err)
	}
	if err := e.meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("self test: metadata delete: %w", err)
	}
	if exists, err := e.blobs.Exists(ctx, key); err != nil || exists {
		return errors.New("self test: blob still present after evict")
	}
	if _, err := e.meta.Get(ctx, key); !errors.Is(err, metadb.ErrNotFound) {
		return errors.New("self test: metadata still present after evict")
	}
	return nil
}

// ClearAll empties every tier. It is safe to call concurrently with in-flight
// resolves: they complete normally, and their freshly written entries are
// dropped by the generation check instead of surviving the clear.
func (e *Engine) ClearAll(ctx context.Context) error {
	e.generation.Add(1)
	e.memory.Purge()

	if e.persistenceDisabled {
		return nil
	}

	if err := e.meta.Clear(ctx); err != nil {
		return fmt.Errorf("clearing metadata: %w", err)
	}

	for _, class := range mediacache.Classes() {
		keys, err := e.blobs.List(ctx, class)
		if err != nil {
			return fmt.Errorf("listing %s blobs: %w", class, err)
		}
		for _, key := range keys {
			if err := e.blobs.Delete(ctx, key); err != nil {
				return fmt.Errorf("deleting blob %s: %w", key.String(), err)
			}
		}
	}

	// Kick the sweep so blobs committed by downloads racing this clear are
	// collected without waiting for the next tick.
	if e.evictor != nil {
		e.evictor.Kick()
	}

	e.logger.Info("cache cleared")
	return nil
}

// snapshotHeader leads a metadata snapshot stream.
type snapshotHeader struct {
	GeneratedAt         time.Time                              `json:"generated_at"`
	PersistenceDisabled bool                                   `json:"persistence_disabled"`
	Classes             map[mediacache.AssetClass]metadb.ClassTotals `json:"classes"`
}

// WriteSnapshot streams a zstd-compressed JSON dump of the cache metadata to
// w: one header object followed by one object per entry. It is a diagnostics
// export, cheap enough to run against a live cache.
func (e *Engine) WriteSnapshot(ctx context.Context, w io.Writer) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating snapshot writer: %w", err)
	}

	header := snapshotHeader{
		GeneratedAt:         e.now(),
		PersistenceDisabled: e.persistenceDisabled,
		Classes:             make(map[mediacache.AssetClass]metadb.ClassTotals, len(mediacache.Classes())),
	}
	if e.meta != nil {
		for _, class := range mediacache.Classes() {
			totals, err := e.meta.Totals(ctx, class)
			if err != nil {
				_ = zw.Close()
				return fmt.Errorf("reading %s totals: %w", class, err)
			}
			header.Classes[class] = totals
		}
	}

	enc := json.NewEncoder(zw)
	if err := enc.Encode(header); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encoding snapshot header: %w", err)
	}

	if e.meta != nil {
		err := e.meta.ForEach(ctx, func(entry *metadb.Entry) error {
			return enc.Encode(entry)
		})
		if err != nil {
			_ = zw.Close()
			return fmt.Errorf("encoding snapshot entries: %w", err)
		}
	}

	return zw.Close()
}
