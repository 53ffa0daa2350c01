package engine

import (
	"context"
	"fmt"
	"io"
	"os"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/store/memcache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// State is the render-facing outcome of a resolve.
type State string

const (
	// StateLoading means no cached copy exists yet and a fetch is in
	// flight. Callers render a placeholder.
	StateLoading State = "loading"

	// StateReady means LocalPath points at a complete local copy.
	StateReady State = "ready"

	// StateError means the asset could not be cached. Callers fall back
	// to rendering the source URI directly.
	StateError State = "error"
)

// Resolution is what a resolve hands back. It always carries a state the
// caller can render against; LocalPath is set only when State is ready.
type Resolution struct {
	Key       mediacache.CacheKey `json:"key"`
	SourceURI string              `json:"source_uri"`
	State     State               `json:"state"`
	LocalPath string              `json:"local_path,omitempty"`
	Size      int64               `json:"size,omitempty"`

	// Source names the tier that served a ready resolution: "memory",
	// "disk" or "download". Empty for loading and error states.
	Source string `json:"source,omitempty"`
}

// Resolve returns a local path for the asset, downloading it if needed.
// Concurrent resolves for the same key share a single upstream fetch. It
// never returns an error: failures surface as the error state and the caller
// renders the source URI directly.
func (e *Engine) Resolve(ctx context.Context, sourceURI string, class mediacache.AssetClass) Resolution {
	start := e.now()
	res, result := e.resolve(ctx, sourceURI, class)
	telemetry.RecordResolve(ctx, string(class), result, e.now().Sub(start))

	switch result {
	case telemetry.CacheMemoryHit, telemetry.CacheDiskHit:
		e.hits.Add(1)
	case telemetry.CacheMiss:
		e.misses.Add(1)
	default:
		e.errors.Add(1)
	}
	return res
}

// ResolveAsync returns an immediate snapshot plus a channel that delivers
// the terminal resolution. When the asset is already cached the snapshot is
// ready and the channel carries the same value; otherwise the snapshot is
// loading and the fetch continues even if the caller stops listening.
func (e *Engine) ResolveAsync(ctx context.Context, sourceURI string, class mediacache.AssetClass) (Resolution, <-chan Resolution) {
	ch := make(chan Resolution, 1)

	if class.Valid() {
		key := mediacache.KeyFor(sourceURI, class)
		if item, ok := e.memory.Get(key); ok && fileExists(item.Path) {
			res := Resolution{
				Key:       key,
				SourceURI: sourceURI,
				State:     StateReady,
				LocalPath: item.Path,
				Size:      item.Size,
			}
			ch <- res
			close(ch)
			return res, ch
		}
	}

	// Detach from the caller's context: an unmounted UI element must not
	// cancel a download other consumers may still want.
	dctx := context.WithoutCancel(ctx)
	go func() {
		ch <- e.Resolve(dctx, sourceURI, class)
		close(ch)
	}()

	return Resolution{
		Key:       mediacache.KeyFor(sourceURI, class),
		SourceURI: sourceURI,
		State:     StateLoading,
	}, ch
}

func (e *Engine) resolve(ctx context.Context, sourceURI string, class mediacache.AssetClass) (Resolution, telemetry.CacheResult) {
	if !class.Valid() {
		return Resolution{SourceURI: sourceURI, State: StateError}, telemetry.CacheError
	}

	key := mediacache.KeyFor(sourceURI, class)
	errRes := Resolution{Key: key, SourceURI: sourceURI, State: StateError}

	// Pin the key for the duration of the resolve so eviction never pulls
	// the file out from under the caller.
	e.pin(key)
	defer e.unpin(key)

	// Memory tier. Entries here may be stale after an out-of-band delete,
	// so the backing file is verified before the path is handed out.
	if item, ok := e.memory.Get(key); ok {
		if fileExists(item.Path) {
			e.touch(ctx, key)
			return Resolution{
				Key:       key,
				SourceURI: sourceURI,
				State:     StateReady,
				LocalPath: item.Path,
				Size:      item.Size,
				Source:    "memory",
			}, telemetry.CacheMemoryHit
		}
		e.memory.Delete(key)
	}

	if e.persistenceDisabled {
		// No disk tiers to consult and nowhere to put a download.
		return errRes, telemetry.CacheBypass
	}

	// Disk tier.
	if entry, err := e.meta.Get(ctx, key); err == nil && entry.State == metadb.StateReady {
		if fileExists(entry.LocalPath) {
			e.touch(ctx, key)
			e.memory.Put(memcache.Item{Key: key, Path: entry.LocalPath, Size: entry.Size})
			return Resolution{
				Key:       key,
				SourceURI: sourceURI,
				State:     StateReady,
				LocalPath: entry.LocalPath,
				Size:      entry.Size,
				Source:    "disk",
			}, telemetry.CacheDiskHit
		}

		// Lazy invalidation: metadata says ready but the file is gone.
		e.logger.Warn("blob missing for ready entry, refetching",
			"key", key.String())
		if err := e.meta.SetState(ctx, key, metadb.StateInvalid); err != nil {
			e.logger.Warn("failed to invalidate entry", "key", key.String(), "error", err)
		}
		e.memory.Delete(key)
	}

	// Miss: join or start the single in-flight download for this key.
	result, shared, err := e.downloader.Do(ctx, key, func(dctx context.Context) (*download.Result, error) {
		return e.fetchAndCommit(dctx, key, sourceURI)
	})
	if err != nil {
		download.ForgetOnDownloadError(e.downloader, key, err)
		e.logger.Debug("resolve failed",
			"key", key.String(),
			"uri", sourceURI,
			"error", err)
		return errRes, telemetry.CacheError
	}

	e.logger.Debug("resolved",
		"key", key.String(),
		"size", result.Size,
		"shared", shared)

	return Resolution{
		Key:       key,
		SourceURI: sourceURI,
		State:     StateReady,
		LocalPath: result.Path,
		Size:      result.Size,
		Source:    "download",
	}, telemetry.CacheMiss
}

// fetchAndCommit runs under the download coalescer: fetch from upstream,
// stream into the blob store, then flip the metadata entry to ready. The
// entry is marked pending first so a crash mid-download is recognised and
// reset at the next open.
func (e *Engine) fetchAndCommit(ctx context.Context, key mediacache.CacheKey, sourceURI string) (*download.Result, error) {
	gen := e.generation.Load()
	now := e.now()

	pending := &metadb.Entry{
		Key:        key.String(),
		SourceURI:  sourceURI,
		Class:      key.Class,
		State:      metadb.StatePending,
		CreatedAt:  now,
		LastAccess: now,
	}
	if err := e.meta.Put(ctx, pending); err != nil {
		return nil, fmt.Errorf("recording pending entry: %w", err)
	}

	var written *store.WriteResult
	sink := func(r io.Reader) (int64, error) {
		wr, err := e.blobs.Write(ctx, key, r)
		if err != nil {
			return 0, err
		}
		written = wr
		return wr.Size, nil
	}

	fctx := telemetry.WithAssetClassContext(ctx, string(key.Class))
	if err := e.fetcher.Fetch(fctx, sourceURI, sink); err != nil {
		if serr := e.meta.SetState(ctx, key, metadb.StateInvalid); serr != nil {
			e.logger.Warn("failed to mark entry invalid", "key", key.String(), "error", serr)
		}
		return nil, err
	}

	committed := e.now()
	entry := &metadb.Entry{
		Key:           key.String(),
		SourceURI:     sourceURI,
		Class:         key.Class,
		LocalPath:     written.Path,
		Size:          written.Size,
		ContentDigest: written.Digest.String(),
		CreatedAt:     now,
		LastAccess:    committed,
		State:         metadb.StateReady,
	}
	if err := e.meta.Put(ctx, entry); err != nil {
		_ = e.blobs.Delete(ctx, key)
		return nil, fmt.Errorf("recording ready entry: %w", err)
	}

	telemetry.RecordBlobWrite(ctx, string(key.Class), written.Size)
	e.memory.Put(memcache.Item{Key: key, Path: written.Path, Size: written.Size})

	if e.generation.Load() != gen {
		// The cache was cleared while this download was in flight. Drop
		// the entry; the blob file is left for the orphan sweep so
		// waiters holding the path can finish with it.
		e.logger.Debug("dropping entry committed across a clear", "key", key.String())
		if err := e.meta.Delete(ctx, key); err != nil {
			e.logger.Warn("failed to drop cleared entry", "key", key.String(), "error", err)
		}
		e.memory.Delete(key)
		if e.evictor != nil {
			e.evictor.Kick()
		}
	} else if e.evictor != nil {
		// Inline trim keeps the class within budget right after a write
		// instead of waiting for the next sweep.
		e.evictor.TrimClass(ctx, key.Class)
	}

	return &download.Result{
		Path:   written.Path,
		Size:   written.Size,
		Digest: written.Digest,
	}, nil
}

// touch updates the entry's last access time. Failures only cost eviction
// ordering accuracy, so they are logged and swallowed.
func (e *Engine) touch(ctx context.Context, key mediacache.CacheKey) {
	if e.meta == nil {
		return
	}
	if _, err := e.meta.Touch(ctx, key); err != nil {
		e.logger.Debug("touch failed", "key", key.String(), "error", err)
	}
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
