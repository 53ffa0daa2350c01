// Package store provides the on-disk blob layer of the media cache. Blobs
// are raw media files stored under per-class sharded keys so their local
// paths can be handed directly to consumers.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
)

// WriteResult describes a committed blob write.
type WriteResult struct {
	// Path is the absolute local path of the blob file.
	Path string

	// Size is the number of bytes written.
	Size int64

	// Digest is the BLAKE3 digest of the written content.
	Digest mediacache.Hash
}

// BlobStore stores media payloads keyed by cache key. Writes go through the
// backend's atomic write path, so rewriting an existing key is safe: readers
// holding the old path keep a complete file, and concurrent writers of the
// same key converge on identical bytes.
type BlobStore struct {
	backend backend.PathBackend
	logger  *slog.Logger
}

// BlobStoreOption configures a BlobStore.
type BlobStoreOption func(*BlobStore)

// WithLogger sets the logger for the blob store.
func WithLogger(logger *slog.Logger) BlobStoreOption {
	return func(s *BlobStore) {
		s.logger = logger
	}
}

// NewBlobStore creates a blob store over the given backend.
func NewBlobStore(b backend.PathBackend, opts ...BlobStoreOption) *BlobStore {
	s := &BlobStore{
		backend: b,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write streams content into the blob for key and returns the committed
// path, size and content digest. The digest is computed inline as the bytes
// pass through, not by re-reading the file.
func (s *BlobStore) Write(ctx context.Context, key mediacache.CacheKey, r io.Reader) (*WriteResult, error) {
	storageKey := mediacache.BlobStorageKey(key)

	wb, ok := s.backend.(backend.WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend does not support streaming writes")
	}

	w, err := wb.Writer(ctx, storageKey)
	if err != nil {
		return nil, fmt.Errorf("opening blob writer: %w", err)
	}

	hw := mediacache.NewHashingWriter(w)
	if _, err := io.Copy(hw, r); err != nil {
		if aw, ok := w.(interface{ Abort() error }); ok {
			_ = aw.Abort()
		}
		return nil, fmt.Errorf("writing blob: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("committing blob: %w", err)
	}

	result := &WriteResult{
		Path:   s.backend.PathOf(storageKey),
		Size:   hw.BytesWritten(),
		Digest: hw.Sum(),
	}

	s.logger.Debug("wrote blob",
		"key", key.String(),
		"size", result.Size,
		"digest", result.Digest.ShortString())

	return result, nil
}

// Open returns a reader over the blob for key.
// Returns backend.ErrNotFound if the blob does not exist.
func (s *BlobStore) Open(ctx context.Context, key mediacache.CacheKey) (io.ReadCloser, error) {
	return s.backend.Read(ctx, mediacache.BlobStorageKey(key))
}

// Exists checks whether the blob for key is present on disk.
func (s *BlobStore) Exists(ctx context.Context, key mediacache.CacheKey) (bool, error) {
	return s.backend.Exists(ctx, mediacache.BlobStorageKey(key))
}

// SizeOf returns the on-disk size of the blob for key.
// Returns backend.ErrNotFound if the blob does not exist.
func (s *BlobStore) SizeOf(ctx context.Context, key mediacache.CacheKey) (int64, error) {
	sb, ok := s.backend.(backend.SizeAwareBackend)
	if !ok {
		rc, err := s.backend.Read(ctx, mediacache.BlobStorageKey(key))
		if err != nil {
			return 0, err
		}
		defer func() { _ = rc.Close() }()
		return io.Copy(io.Discard, rc)
	}
	return sb.Size(ctx, mediacache.BlobStorageKey(key))
}

// Delete removes the blob for key. Deleting a missing blob is not an error.
func (s *BlobStore) Delete(ctx context.Context, key mediacache.CacheKey) error {
	err := s.backend.Delete(ctx, mediacache.BlobStorageKey(key))
	if err != nil && !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("deleting blob: %w", err)
	}
	return nil
}

// PathOf returns the local path the blob for key lives at, whether or not it
// currently exists.
func (s *BlobStore) PathOf(key mediacache.CacheKey) string {
	return s.backend.PathOf(mediacache.BlobStorageKey(key))
}

// List returns the cache keys of all blobs of a class currently on disk.
// The orphan sweep compares this against the metadata store.
func (s *BlobStore) List(ctx context.Context, class mediacache.AssetClass) ([]mediacache.CacheKey, error) {
	keys, err := s.backend.List(ctx, mediacache.BlobClassPrefix(class))
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}

	result := make([]mediacache.CacheKey, 0, len(keys))
	for _, k := range keys {
		ck, err := mediacache.ParseBlobStorageKey(k)
		if err != nil {
			// Foreign file under the blob root, leave it alone.
			continue
		}
		result = append(result, ck)
	}
	return result, nil
}
