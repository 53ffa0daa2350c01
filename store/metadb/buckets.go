package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketEntries = []byte("entries") // key string -> Entry JSON

	// Last-access index pair. The forward index orders entries by access
	// time for oldest-first scans; the reverse index makes index updates
	// O(1) on every touch instead of a cursor scan.
	bucketEntriesByAccess = []byte("entries_by_access") // timestamp+key -> key
	bucketAccessByKey     = []byte("access_by_key")     // key -> 8-byte timestamp

	bucketClassTotals = []byte("class_totals") // class -> ClassTotals JSON
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the entries_by_access index.
// Format: [8-byte timestamp][key string]
func makeAccessKey(accessTime time.Time, key string) []byte {
	ts := encodeTimestamp(accessTime)
	result := make([]byte, 8+len(key))
	copy(result[:8], ts)
	copy(result[8:], key)
	return result
}

// parseAccessKey extracts the access time and entry key from an index key.
func parseAccessKey(data []byte) (accessTime time.Time, key string) {
	if len(data) < 9 {
		return time.Time{}, ""
	}
	return decodeTimestamp(data[:8]), string(data[8:])
}
