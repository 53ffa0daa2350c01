// Package engine ties the cache tiers together behind a single facade. A
// resolve walks memory, then disk metadata, then falls through to a coalesced
// upstream download; every failure is absorbed into a resolution state the
// caller can render against, never an error.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/evict"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/store/memcache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// metadataFile is the name of the bbolt database inside the cache directory.
const metadataFile = "metadata.db"

// Config holds engine configuration.
type Config struct {
	// CacheDir is the root directory for blobs and metadata.
	CacheDir string

	// Budgets limits disk usage per asset class.
	Budgets map[mediacache.AssetClass]evict.Budget

	// MemoryCapacities bounds the in-memory tier per asset class, in items.
	MemoryCapacities map[mediacache.AssetClass]int

	// FetchTimeout bounds a single upstream fetch attempt.
	FetchTimeout time.Duration

	// MaxFetchAttempts is the total number of attempts per fetch.
	MaxFetchAttempts uint

	// GracePeriod protects recently accessed entries from eviction.
	GracePeriod time.Duration

	// SweepInterval is how often the background eviction sweep runs.
	SweepInterval time.Duration

	// Logger for engine events.
	Logger *slog.Logger
}

// DefaultConfig returns a config with stock budgets and timeouts.
func DefaultConfig(cacheDir string) Config {
	return Config{
		CacheDir: cacheDir,
		Budgets:  evict.DefaultBudgets(),
		MemoryCapacities: map[mediacache.AssetClass]int{
			mediacache.ClassImage:     512,
			mediacache.ClassThumbnail: 1024,
			mediacache.ClassVideo:     64,
		},
		FetchTimeout:     download.DefaultFetchTimeout,
		MaxFetchAttempts: download.DefaultMaxAttempts,
		GracePeriod:      30 * time.Second,
		SweepInterval:    5 * time.Minute,
	}
}

// Engine is the cache facade. It owns the memory tier, the metadata store,
// the blob store, the download coalescer and the eviction manager, and is
// safe for concurrent use by many callers.
type Engine struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	memory     *memcache.Cache
	meta       metadb.MetaDB    // nil when persistence is disabled
	blobs      *store.BlobStore // nil when persistence is disabled
	downloader *download.Downloader
	fetcher    download.Fetcher
	evictor    *evict.Manager

	persistenceDisabled bool

	// generation is bumped by ClearAll so downloads that were in flight
	// when the cache was cleared do not resurrect their entries.
	generation atomic.Int64

	inflightMu sync.Mutex
	inflight   map[string]int

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// Option configures an Engine.
type Option func(*Engine)

// WithFetcher replaces the upstream fetcher, mainly for testing.
func WithFetcher(f download.Fetcher) Option {
	return func(e *Engine) {
		e.fetcher = f
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an engine rooted at cfg.CacheDir. When the platform cannot
// provide writable storage the engine comes up in memory-only degraded mode
// rather than failing: resolves report the error state and Stats reports
// PersistenceDisabled.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = download.DefaultFetchTimeout
	}
	if cfg.MaxFetchAttempts == 0 {
		cfg.MaxFetchAttempts = download.DefaultMaxAttempts
	}

	e := &Engine{
		config:     cfg,
		logger:     cfg.Logger,
		now:        time.Now,
		memory:     memcache.New(cfg.MemoryCapacities),
		downloader: download.New(download.WithLogger(cfg.Logger)),
		inflight:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.fetcher == nil {
		e.fetcher = download.NewHTTPFetcher(
			download.WithClient(&http.Client{
				Transport: telemetry.NewInstrumentedTransport(nil),
			}),
			download.WithTimeout(cfg.FetchTimeout),
			download.WithMaxAttempts(cfg.MaxFetchAttempts),
			download.WithFetcherLogger(cfg.Logger),
		)
	}

	if err := e.openStorage(); err != nil {
		return nil, err
	}
	return e, nil
}

// openStorage brings up the disk tiers, degrading to memory-only operation
// when the platform denies writable storage.
func (e *Engine) openStorage() error {
	fs, err := backend.NewFilesystem(e.config.CacheDir)
	if err != nil {
		if errors.Is(err, backend.ErrUnavailable) {
			e.degrade("storage unavailable", err)
			return nil
		}
		return fmt.Errorf("opening cache directory: %w", err)
	}

	meta := metadb.New(metadb.WithLogger(e.logger))
	if err := meta.Open(filepath.Join(fs.Root(), metadataFile)); err != nil {
		// The metadata file itself is unusable, for example locked by
		// another process. The cache is rebuildable from source, so run
		// memory-only for this session rather than failing startup.
		e.degrade("metadata store unavailable", err)
		return nil
	}

	instrumented := backend.NewInstrumentedBackend(fs, "filesystem")
	e.meta = meta
	e.blobs = store.NewBlobStore(instrumented, store.WithLogger(e.logger))
	e.evictor = evict.NewManager(e.meta, e.blobs, evict.Config{
		Budgets:       e.config.Budgets,
		GracePeriod:   e.config.GracePeriod,
		SweepInterval: e.config.SweepInterval,
		Pinner:        e,
		Logger:        e.logger,
	}, evict.WithMemoryCache(e.memory), evict.WithNow(e.now))

	return nil
}

func (e *Engine) degrade(reason string, err error) {
	e.logger.Warn("running memory-only, persistence disabled",
		"reason", reason,
		"error", err)
	e.persistenceDisabled = true
	telemetry.SetPersistenceDisabled(context.Background(), true)
}

// Start launches the background eviction sweep. It is a no-op in degraded
// mode.
func (e *Engine) Start(ctx context.Context) error {
	if e.evictor != nil {
		return e.evictor.Start(ctx)
	}
	return nil
}

// Close stops the background sweep and closes the metadata store.
func (e *Engine) Close() error {
	if e.evictor != nil {
		e.evictor.Stop()
	}
	if e.meta != nil {
		return e.meta.Close()
	}
	return nil
}

// PersistenceDisabled reports whether the engine is running memory-only.
func (e *Engine) PersistenceDisabled() bool {
	return e.persistenceDisabled
}

// Pinned reports whether a key is used by a resolve right now. The eviction
// manager consults it so an asset being handed to a caller is never evicted
// out from under them.
func (e *Engine) Pinned(key mediacache.CacheKey) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	return e.inflight[key.String()] > 0
}

func (e *Engine) pin(key mediacache.CacheKey) {
	e.inflightMu.Lock()
	e.inflight[key.String()]++
	e.inflightMu.Unlock()
}

func (e *Engine) unpin(key mediacache.CacheKey) {
	e.inflightMu.Lock()
	k := key.String()
	if e.inflight[k]--; e.inflight[k] <= 0 {
		delete(e.inflight, k)
	}
	e.inflightMu.Unlock()
}

// Compile-time interface check
var _ evict.Pinner = (*Engine)(nil)
