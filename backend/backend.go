// Package backend provides local storage abstractions for the media cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the platform cannot provide writable local
// storage. The engine degrades to a memory-only cache when it sees this.
var ErrUnavailable = errors.New("storage unavailable")

// ErrInsufficientStorage is returned when a write fails because the device
// is out of space.
var ErrInsufficientStorage = errors.New("insufficient storage")

// Backend defines the interface for blob storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten atomically: a reader
	// never observes a partially written value.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PathBackend extends Backend with local path resolution. The media cache
// hands absolute file paths to UI consumers, so the primary backend must be
// able to name the file holding a key's bytes.
type PathBackend interface {
	Backend

	// PathOf returns the absolute filesystem path that holds the key's
	// data. The path is valid whether or not the file currently exists.
	PathOf(key string) string
}

// WriterBackend extends Backend with direct writer access, letting callers
// stream data without buffering it first.
type WriterBackend interface {
	Backend

	// Writer returns a WriteCloser for writing to the given key.
	// The write is only committed when Close returns nil.
	// If Close returns an error, the write should be considered failed.
	Writer(ctx context.Context, key string) (io.WriteCloser, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}
