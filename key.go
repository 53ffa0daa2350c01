package mediacache

import (
	"fmt"
	"strings"
)

// CacheKey is a stable, filesystem-safe identifier derived from a source URI
// and an asset class. The URI is hashed rather than embedded, so keys stay
// bounded in length and never leak the raw URI into file names or logs.
type CacheKey struct {
	Class  AssetClass
	Digest Hash
}

// KeyFor derives the cache key for a source URI and asset class. It is a pure
// function: the same inputs always produce the same key, and different asset
// classes for the same URI never collide because the class is part of the
// hashed input. Malformed URIs still hash deterministically.
func KeyFor(sourceURI string, class AssetClass) CacheKey {
	input := make([]byte, 0, len(class)+1+len(sourceURI))
	input = append(input, class...)
	input = append(input, 0)
	input = append(input, sourceURI...)
	return CacheKey{Class: class, Digest: HashBytes(input)}
}

// ParseCacheKey parses the canonical "class-hex" string form.
func ParseCacheKey(s string) (CacheKey, error) {
	classStr, hexStr, ok := strings.Cut(s, "-")
	if !ok {
		return CacheKey{}, fmt.Errorf("invalid cache key %q", s)
	}
	class, err := ParseAssetClass(classStr)
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	h, err := ParseHash(hexStr)
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid cache key %q: %w", s, err)
	}
	return CacheKey{Class: class, Digest: h}, nil
}

// String returns the canonical string form "class-hex". The result contains
// only lowercase hex and ASCII letters, safe for use as a file name.
func (k CacheKey) String() string {
	return string(k.Class) + "-" + k.Digest.String()
}

// IsZero returns true if the key is uninitialized.
func (k CacheKey) IsZero() bool {
	return k.Class == "" && k.Digest.IsZero()
}

// Blob storage key layout.

const blobKeyPrefix = "blobs"

// BlobStorageKey returns the backend storage key for a cache key's payload.
// Format: blobs/{class}/{hex[:2]}/{hex}
func BlobStorageKey(k CacheKey) string {
	hex := k.Digest.String()
	return blobKeyPrefix + "/" + string(k.Class) + "/" + hex[:2] + "/" + hex
}

// BlobClassPrefix returns the backend key prefix holding all blobs of a class.
func BlobClassPrefix(class AssetClass) string {
	return blobKeyPrefix + "/" + string(class)
}

// ParseBlobStorageKey extracts a CacheKey from a backend storage key.
func ParseBlobStorageKey(key string) (CacheKey, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != blobKeyPrefix {
		return CacheKey{}, fmt.Errorf("invalid blob key format: %s", key)
	}
	class, err := ParseAssetClass(parts[1])
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid blob key %q: %w", key, err)
	}
	h, err := ParseHash(parts[3])
	if err != nil {
		return CacheKey{}, fmt.Errorf("invalid blob key %q: %w", key, err)
	}
	return CacheKey{Class: class, Digest: h}, nil
}
