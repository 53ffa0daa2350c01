package metadb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

func newTestDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()

	opts = append([]BoltDBOption{WithNoSync(true)}, opts...)
	db := NewBoltDB(opts...)

	path := filepath.Join(t.TempDir(), "meta.db")
	require.NoError(t, db.Open(path))
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func testEntry(uri string, class mediacache.AssetClass, size int64, state EntryState) *Entry {
	key := mediacache.KeyFor(uri, class)
	return &Entry{
		Key:       key.String(),
		SourceURI: uri,
		Class:     class,
		LocalPath: "/cache/" + key.String(),
		Size:      size,
		State:     state,
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	entry := testEntry("https://example.com/a.jpg", mediacache.ClassImage, 1024, StateReady)
	require.NoError(t, db.Put(ctx, entry))

	key := mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage)
	got, err := db.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, entry.Key, got.Key)
	require.Equal(t, entry.SourceURI, got.SourceURI)
	require.Equal(t, int64(1024), got.Size)
	require.Equal(t, StateReady, got.State)
	require.False(t, got.LastAccess.IsZero())
}

func TestGetNotFound(t *testing.T) {
	db := newTestDB(t)

	key := mediacache.KeyFor("https://example.com/missing.jpg", mediacache.ClassImage)
	_, err := db.Get(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTouchMonotonic(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()

	entry := testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)
	require.NoError(t, db.Put(ctx, entry))

	key := mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage)

	// The clock never advances, but touches must still move access time forward.
	t1, err := db.Touch(ctx, key)
	require.NoError(t, err)
	t2, err := db.Touch(ctx, key)
	require.NoError(t, err)
	require.True(t, t2.After(t1))

	_, err = db.Touch(ctx, mediacache.KeyFor("https://example.com/other.jpg", mediacache.ClassImage))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOldestFirstOrdering(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	db := newTestDB(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	uris := []string{
		"https://example.com/1.jpg",
		"https://example.com/2.jpg",
		"https://example.com/3.jpg",
	}
	for _, uri := range uris {
		entry := testEntry(uri, mediacache.ClassImage, 100, StateReady)
		entry.LastAccess = now
		require.NoError(t, db.Put(ctx, entry))
		now = now.Add(time.Minute)
	}

	// Touch the first entry, making it the most recently used.
	_, err := db.Touch(ctx, mediacache.KeyFor(uris[0], mediacache.ClassImage))
	require.NoError(t, err)

	oldest, err := db.OldestFirst(ctx, mediacache.ClassImage, 0)
	require.NoError(t, err)
	require.Len(t, oldest, 3)
	require.Equal(t, uris[1], oldest[0].SourceURI)
	require.Equal(t, uris[2], oldest[1].SourceURI)
	require.Equal(t, uris[0], oldest[2].SourceURI)

	limited, err := db.OldestFirst(ctx, mediacache.ClassImage, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, uris[1], limited[0].SourceURI)
}

func TestOldestFirstFiltersClassAndState(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/b.mp4", mediacache.ClassVideo, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/c.jpg", mediacache.ClassImage, 100, StatePending)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/d.jpg", mediacache.ClassImage, 100, StateInvalid)))

	oldest, err := db.OldestFirst(ctx, mediacache.ClassImage, 0)
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	require.Equal(t, "https://example.com/a.jpg", oldest[0].SourceURI)
}

func TestTotalsTrackReadyEntries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/b.jpg", mediacache.ClassImage, 200, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/c.jpg", mediacache.ClassImage, 400, StatePending)))

	totals, err := db.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(2), totals.Items)
	require.Equal(t, int64(300), totals.Bytes)

	// Pending entry becoming ready joins the totals.
	keyC := mediacache.KeyFor("https://example.com/c.jpg", mediacache.ClassImage)
	require.NoError(t, db.SetState(ctx, keyC, StateReady))

	totals, err = db.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(3), totals.Items)
	require.Equal(t, int64(700), totals.Bytes)

	// Marking evicting leaves the totals, deleting stays out.
	keyA := mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage)
	require.NoError(t, db.SetState(ctx, keyA, StateEvicting))
	require.NoError(t, db.Delete(ctx, keyA))

	totals, err = db.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(2), totals.Items)
	require.Equal(t, int64(600), totals.Bytes)
}

func TestTotalsPerClassIsolated(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/v.mp4", mediacache.ClassVideo, 5000, StateReady)))

	img, err := db.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(100), img.Bytes)

	vid, err := db.Totals(ctx, mediacache.ClassVideo)
	require.NoError(t, err)
	require.Equal(t, int64(5000), vid.Bytes)
}

func TestRecoveryResetsInterruptedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	db := NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(path))

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/b.jpg", mediacache.ClassImage, 200, StatePending)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/c.jpg", mediacache.ClassImage, 300, StateEvicting)))
	require.NoError(t, db.Close())

	// Reopen simulates a restart after a crash mid-download and mid-eviction.
	db2 := NewBoltDB(WithNoSync(true))
	require.NoError(t, db2.Open(path))
	defer db2.Close()

	got, err := db2.Get(ctx, mediacache.KeyFor("https://example.com/b.jpg", mediacache.ClassImage))
	require.NoError(t, err)
	require.Equal(t, StateInvalid, got.State)

	got, err = db2.Get(ctx, mediacache.KeyFor("https://example.com/c.jpg", mediacache.ClassImage))
	require.NoError(t, err)
	require.Equal(t, StateInvalid, got.State)

	got, err = db2.Get(ctx, mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage))
	require.NoError(t, err)
	require.Equal(t, StateReady, got.State)

	// Totals rebuilt over ready entries only.
	totals, err := db2.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(1), totals.Items)
	require.Equal(t, int64(100), totals.Bytes)
}

func TestOpenRecreatesCorruptDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meta.db")

	// Not a bbolt file.
	require.NoError(t, os.WriteFile(path, []byte("garbage, not a database"), 0o600))

	db := NewBoltDB(WithNoSync(true))
	require.NoError(t, db.Open(path))
	defer db.Close()

	ctx := context.Background()
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))

	got, err := db.Get(ctx, mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage))
	require.NoError(t, err)
	require.Equal(t, StateReady, got.State)
}

func TestOpenLockedDatabaseFailsWithoutDestroyingIt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	first := NewBoltDB(WithNoSync(true))
	require.NoError(t, first.Open(path))
	defer first.Close()

	require.NoError(t, first.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))

	// A second process on the same path must be refused, not mistaken for
	// corruption: recreating the file here would empty the live database.
	second := NewBoltDB(WithNoSync(true))
	err := second.Open(path)
	require.Error(t, err)
	require.ErrorIs(t, err, bbolt.ErrTimeout)

	got, err := first.Get(ctx, mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage))
	require.NoError(t, err)
	require.Equal(t, StateReady, got.State)
}

func TestClearRemovesEverything(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Clear(ctx))

	_, err := db.Get(ctx, mediacache.KeyFor("https://example.com/a.jpg", mediacache.ClassImage))
	require.ErrorIs(t, err, ErrNotFound)

	totals, err := db.Totals(ctx, mediacache.ClassImage)
	require.NoError(t, err)
	require.Equal(t, int64(0), totals.Items)

	// The database stays usable after a clear.
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/b.jpg", mediacache.ClassImage, 50, StateReady)))
}

func TestForEachVisitsAllEntries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, testEntry("https://example.com/a.jpg", mediacache.ClassImage, 100, StateReady)))
	require.NoError(t, db.Put(ctx, testEntry("https://example.com/v.mp4", mediacache.ClassVideo, 200, StatePending)))

	var seen int
	require.NoError(t, db.ForEach(ctx, func(e *Entry) error {
		seen++
		return nil
	}))
	require.Equal(t, 2, seen)
}

func TestEncodeTimestampOrdering(t *testing.T) {
	t1 := time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	t3 := t2.Add(time.Nanosecond)

	b1 := encodeTimestamp(t1)
	b2 := encodeTimestamp(t2)
	b3 := encodeTimestamp(t3)

	require.Less(t, string(b1), string(b2))
	require.Less(t, string(b2), string(b3))

	require.True(t, decodeTimestamp(b2).Equal(t2))
}
