// Package download fetches media from upstream sources and deduplicates
// concurrent fetches. When multiple resolves arrive for the same uncached
// key, exactly one upstream fetch runs; every waiter gets its outcome.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	mediacache "github.com/wolfeidau/media-cache"
)

// Result holds the outcome of a completed download: where the blob landed,
// how big it is, and its content digest.
type Result struct {
	Path   string
	Size   int64
	Digest mediacache.Hash
}

// DownloadFunc fetches from upstream and stores the blob. The context passed
// to DownloadFunc is detached from any single request so that one caller
// timing out does not cancel the download for other waiters.
type DownloadFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent downloads for the same cache key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight download for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent downloads for the same key.
// The fn receives a detached context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the download completes, Do returns
// the context error but the in-flight download continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key mediacache.CacheKey, fn DownloadFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key.String(), func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the download for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a download error.
func (d *Downloader) Forget(key mediacache.CacheKey) {
	d.group.Forget(key.String())
}

// ForgetOnDownloadError calls Forget if the error represents a real download
// failure rather than a caller context timeout. A caller timing out must not
// forget a download still in flight for other waiters.
func ForgetOnDownloadError(d *Downloader, key mediacache.CacheKey, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}
