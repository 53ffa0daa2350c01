package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path. A database that cannot be opened
// or recovered is treated as corrupt: the file is removed and a fresh database
// is created in its place. The cache is rebuildable from source, so losing
// metadata only costs refetches, never correctness. A lock timeout is the one
// exception: the file belongs to another live process and must not be
// touched, so the error is returned instead.
func (b *BoltDB) Open(path string) error {
	if err := b.open(path); err != nil {
		if errors.Is(err, bbolt.ErrTimeout) {
			return fmt.Errorf("database locked by another process: %w", err)
		}
		b.logger.Warn("metadata database unusable, recreating", "path", path, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("removing corrupt database: %w", rmErr)
		}
		if err := b.open(path); err != nil {
			return err
		}
	}
	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.recover(); err != nil {
		_ = db.Close()
		b.db = nil
		return fmt.Errorf("recovering database: %w", err)
	}
	return nil
}

// recover runs at open: it creates missing buckets, resets entries left
// mid-transition by a crash (pending downloads, half-finished evictions) to
// invalid, and rebuilds the access index and class totals from the entries
// bucket so they can never drift across restarts.
func (b *BoltDB) recover() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntriesByAccess, bucketAccessByKey, bucketClassTotals} {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("dropping bucket %s: %w", name, err)
				}
			}
		}

		buckets := [][]byte{
			bucketEntries,
			bucketEntriesByAccess,
			bucketAccessByKey,
			bucketClassTotals,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		entries := tx.Bucket(bucketEntries)
		accessIndex := tx.Bucket(bucketEntriesByAccess)
		reverseIndex := tx.Bucket(bucketAccessByKey)

		totals := make(map[mediacache.AssetClass]*ClassTotals)
		var reset int

		err := entries.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				// Unreadable entry, drop it rather than fail the open.
				b.logger.Warn("dropping unreadable entry", "key", string(k))
				return entries.Delete(k)
			}

			if entry.State == StatePending || entry.State == StateEvicting {
				entry.State = StateInvalid
				reset++
				data, err := json.Marshal(&entry)
				if err != nil {
					return fmt.Errorf("marshaling entry: %w", err)
				}
				if err := entries.Put(k, data); err != nil {
					return fmt.Errorf("putting entry: %w", err)
				}
			}

			if err := accessIndex.Put(makeAccessKey(entry.LastAccess, entry.Key), k); err != nil {
				return fmt.Errorf("rebuilding access index: %w", err)
			}
			if err := reverseIndex.Put(k, encodeTimestamp(entry.LastAccess)); err != nil {
				return fmt.Errorf("rebuilding reverse index: %w", err)
			}

			if entry.State == StateReady {
				t := totals[entry.Class]
				if t == nil {
					t = &ClassTotals{}
					totals[entry.Class] = t
				}
				t.Items++
				t.Bytes += entry.Size
			}
			return nil
		})
		if err != nil {
			return err
		}

		totalsBucket := tx.Bucket(bucketClassTotals)
		for class, t := range totals {
			data, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("marshaling totals: %w", err)
			}
			if err := totalsBucket.Put([]byte(class), data); err != nil {
				return fmt.Errorf("putting totals: %w", err)
			}
		}

		if reset > 0 {
			b.logger.Info("reset interrupted entries to invalid", "count", reset)
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Get retrieves an entry by cache key.
func (b *BoltDB) Get(_ context.Context, key mediacache.CacheKey) (*Entry, error) {
	var entry Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(key.String()))
		if val == nil {
			return ErrNotFound
		}

		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Put stores an entry, replacing any existing entry for the key. The access
// index follows the entry's LastAccess, and class totals are adjusted by the
// delta against the previous entry.
func (b *BoltDB) Put(_ context.Context, entry *Entry) error {
	if entry.Key == "" {
		return fmt.Errorf("entry key is empty")
	}
	if entry.LastAccess.IsZero() {
		entry.LastAccess = b.now()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = entry.LastAccess
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return fmt.Errorf("entries bucket not found")
		}

		k := []byte(entry.Key)

		old, err := b.getEntryInTx(entries, k)
		if err != nil {
			return err
		}

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put(k, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		if err := b.updateAccessIndex(tx, entry.Key, entry.LastAccess); err != nil {
			return err
		}

		return b.applyTotalsDelta(tx, old, entry)
	})
}

// Delete removes an entry and its index records.
func (b *BoltDB) Delete(_ context.Context, key mediacache.CacheKey) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return nil
		}

		k := []byte(key.String())

		old, err := b.getEntryInTx(entries, k)
		if err != nil {
			return err
		}
		if old == nil {
			return nil
		}

		if err := b.removeAccessIndex(tx, old.Key); err != nil {
			return err
		}
		if err := b.applyTotalsDelta(tx, old, nil); err != nil {
			return err
		}

		return entries.Delete(k)
	})
}

// Touch updates the last access time for an entry and returns the new
// timestamp. The new time is strictly after the previous one even when the
// clock has not advanced, so index order stays total.
func (b *BoltDB) Touch(_ context.Context, key mediacache.CacheKey) (time.Time, error) {
	var touched time.Time
	err := b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return ErrNotFound
		}

		k := []byte(key.String())
		entry, err := b.getEntryInTx(entries, k)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrNotFound
		}

		now := b.now()
		if !now.After(entry.LastAccess) {
			now = entry.LastAccess.Add(time.Nanosecond)
		}
		entry.LastAccess = now
		touched = now

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put(k, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		return b.updateAccessIndex(tx, entry.Key, now)
	})
	return touched, err
}

// SetState transitions an entry's state, keeping class totals consistent:
// only ready entries count toward budgets.
func (b *BoltDB) SetState(_ context.Context, key mediacache.CacheKey, state EntryState) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		entries := tx.Bucket(bucketEntries)
		if entries == nil {
			return ErrNotFound
		}

		k := []byte(key.String())
		entry, err := b.getEntryInTx(entries, k)
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrNotFound
		}
		if entry.State == state {
			return nil
		}

		old := *entry
		entry.State = state

		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshaling entry: %w", err)
		}
		if err := entries.Put(k, data); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}

		return b.applyTotalsDelta(tx, &old, entry)
	})
}

// OldestFirst returns up to limit ready entries of the given class, ordered
// by last access time, least recently used first. Entries in other states are
// skipped: pending and evicting entries are mid-transition and invalid
// entries hold no bytes.
func (b *BoltDB) OldestFirst(_ context.Context, class mediacache.AssetClass, limit int) ([]*Entry, error) {
	var result []*Entry
	prefix := string(class) + "-"

	err := b.db.View(func(tx *bbolt.Tx) error {
		accessIndex := tx.Bucket(bucketEntriesByAccess)
		entries := tx.Bucket(bucketEntries)
		if accessIndex == nil || entries == nil {
			return nil
		}

		cursor := accessIndex.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && len(result) >= limit {
				break
			}

			_, entryKey := parseAccessKey(k)
			if !strings.HasPrefix(entryKey, prefix) {
				continue
			}

			val := entries.Get(v)
			if val == nil {
				continue // stale index record
			}

			var entry Entry
			if err := json.Unmarshal(val, &entry); err != nil {
				continue
			}
			if entry.State != StateReady {
				continue
			}
			result = append(result, &entry)
		}
		return nil
	})
	return result, err
}

// ForEach calls fn for every entry. Used for snapshot export and the orphan
// sweep. Iteration stops at the first error from fn.
func (b *BoltDB) ForEach(_ context.Context, fn func(*Entry) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil // Skip invalid entries
			}
			return fn(&entry)
		})
	})
}

// Totals returns the running byte and item counts for a class.
func (b *BoltDB) Totals(_ context.Context, class mediacache.AssetClass) (ClassTotals, error) {
	var totals ClassTotals
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketClassTotals)
		if bucket == nil {
			return nil
		}
		val := bucket.Get([]byte(class))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, &totals)
	})
	return totals, err
}

// Clear removes all entries, indexes and totals.
func (b *BoltDB) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketEntriesByAccess,
			bucketAccessByKey,
			bucketClassTotals,
		}
		for _, name := range buckets {
			if tx.Bucket(name) != nil {
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("dropping bucket %s: %w", name, err)
				}
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// getEntryInTx loads and decodes an entry within a transaction.
// Returns (nil, nil) when the key does not exist.
func (b *BoltDB) getEntryInTx(entries *bbolt.Bucket, k []byte) (*Entry, error) {
	val := entries.Get(k)
	if val == nil {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(val, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling entry: %w", err)
	}
	return &entry, nil
}

// updateAccessIndex points the forward and reverse access indexes at the new
// timestamp. The old forward record is found via the reverse index in O(1).
func (b *BoltDB) updateAccessIndex(tx *bbolt.Tx, key string, accessTime time.Time) error {
	accessIndex := tx.Bucket(bucketEntriesByAccess)
	reverseIndex := tx.Bucket(bucketAccessByKey)
	if accessIndex == nil || reverseIndex == nil {
		return nil
	}

	k := []byte(key)

	if tsBytes := reverseIndex.Get(k); tsBytes != nil {
		oldTime := decodeTimestamp(tsBytes)
		if err := accessIndex.Delete(makeAccessKey(oldTime, key)); err != nil {
			return fmt.Errorf("deleting old access index: %w", err)
		}
	}

	if err := accessIndex.Put(makeAccessKey(accessTime, key), k); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := reverseIndex.Put(k, encodeTimestamp(accessTime)); err != nil {
		return fmt.Errorf("putting access reverse index: %w", err)
	}
	return nil
}

// removeAccessIndex deletes both index records for a key.
func (b *BoltDB) removeAccessIndex(tx *bbolt.Tx, key string) error {
	accessIndex := tx.Bucket(bucketEntriesByAccess)
	reverseIndex := tx.Bucket(bucketAccessByKey)
	if accessIndex == nil || reverseIndex == nil {
		return nil
	}

	k := []byte(key)

	if tsBytes := reverseIndex.Get(k); tsBytes != nil {
		oldTime := decodeTimestamp(tsBytes)
		if err := accessIndex.Delete(makeAccessKey(oldTime, key)); err != nil {
			return fmt.Errorf("deleting access index: %w", err)
		}
		if err := reverseIndex.Delete(k); err != nil {
			return fmt.Errorf("deleting reverse index: %w", err)
		}
	}
	return nil
}

// applyTotalsDelta adjusts class totals for a transition from old to new.
// Either side may be nil (insert or delete). Only ready entries count.
func (b *BoltDB) applyTotalsDelta(tx *bbolt.Tx, old, updated *Entry) error {
	var dItems, dBytes int64
	var class mediacache.AssetClass

	if old != nil && old.State == StateReady {
		dItems--
		dBytes -= old.Size
		class = old.Class
	}
	if updated != nil && updated.State == StateReady {
		dItems++
		dBytes += updated.Size
		class = updated.Class
	}
	if dItems == 0 && dBytes == 0 {
		return nil
	}

	bucket := tx.Bucket(bucketClassTotals)
	if bucket == nil {
		return nil
	}

	var totals ClassTotals
	if val := bucket.Get([]byte(class)); val != nil {
		if err := json.Unmarshal(val, &totals); err != nil {
			return fmt.Errorf("unmarshaling totals: %w", err)
		}
	}

	totals.Items += dItems
	totals.Bytes += dBytes
	if totals.Items < 0 {
		totals.Items = 0
	}
	if totals.Bytes < 0 {
		totals.Bytes = 0
	}

	data, err := json.Marshal(&totals)
	if err != nil {
		return fmt.Errorf("marshaling totals: %w", err)
	}
	return bucket.Put([]byte(class), data)
}

// Compile-time interface check
var _ MetaDB = (*BoltDB)(nil)
