// Package evict keeps each asset class within its byte and item budget.
// Eviction removes the least recently used entries first, never touches
// entries inside the grace window or pinned by an in-flight resolve, and
// orders deletes so a crash can never leave metadata pointing at a missing
// blob as ready.
package evict

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Budget limits one asset class. A zero field means unlimited on that axis.
type Budget struct {
	MaxBytes int64
	MaxItems int64
}

// DefaultBudgets returns the stock per-class budgets.
func DefaultBudgets() map[mediacache.AssetClass]Budget {
	return map[mediacache.AssetClass]Budget{
		mediacache.ClassImage:     {MaxBytes: 256 << 20, MaxItems: 2048},
		mediacache.ClassThumbnail: {MaxBytes: 64 << 20, MaxItems: 4096},
		mediacache.ClassVideo:     {MaxBytes: 1 << 30, MaxItems: 64},
	}
}

// Pinner reports keys that must not be evicted because a resolve is using
// them right now.
type Pinner interface {
	Pinned(key mediacache.CacheKey) bool
}

// Config holds eviction configuration.
type Config struct {
	// Budgets maps each asset class to its limits. Classes without an
	// entry are never trimmed.
	Budgets map[mediacache.AssetClass]Budget

	// GracePeriod protects entries accessed within this window. It keeps
	// a freshly downloaded file from being evicted between the write and
	// its first use. Default is 30 seconds.
	GracePeriod time.Duration

	// SweepInterval is how often the background sweep runs.
	// Default is 5 minutes.
	SweepInterval time.Duration

	// Pinner reports in-flight keys. Optional.
	Pinner Pinner

	// Logger for eviction events.
	Logger *slog.Logger
}

// Result contains the outcome of an eviction pass.
type Result struct {
	Evicted    int
	BytesFreed int64
	Orphans    int
	Errors     int
	Duration   time.Duration
}

// Manager enforces per-class cache budgets over the metadata store and blob
// store. Trims for the same class are serialized; different classes can trim
// concurrently.
type Manager struct {
	config   Config
	metadata metadb.MetaDB
	blobs    *store.BlobStore
	memory   memCache
	logger   *slog.Logger
	now      func() time.Time

	classMu map[mediacache.AssetClass]*sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	kickCh  chan struct{}
}

// memCache is the slice of the memory tier eviction needs: dropping entries
// it just removed from disk.
type memCache interface {
	Delete(key mediacache.CacheKey)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithMemoryCache wires the memory tier so evicted entries are dropped from
// it as well.
func WithMemoryCache(mc memCache) ManagerOption {
	return func(m *Manager) {
		m.memory = mc
	}
}

// NewManager creates an eviction manager.
func NewManager(meta metadb.MetaDB, blobs *store.BlobStore, cfg Config, opts ...ManagerOption) *Manager {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	classMu := make(map[mediacache.AssetClass]*sync.Mutex, len(mediacache.Classes()))
	for _, class := range mediacache.Classes() {
		classMu[class] = &sync.Mutex{}
	}

	m := &Manager{
		config:   cfg,
		metadata: meta,
		blobs:    blobs,
		logger:   cfg.Logger,
		now:      time.Now,
		classMu:  classMu,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins the background sweep loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops the background sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

// Kick requests a sweep soon without blocking. The engine calls it when a
// clear leaves blobs behind for the orphan sweep, so they are collected
// promptly instead of waiting for the next tick.
func (m *Manager) Kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	// Run immediately on start to enforce budgets left over from the
	// previous process.
	m.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-m.kickCh:
			m.Sweep(ctx)
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep trims every budgeted class and then removes orphaned blob files.
func (m *Manager) Sweep(ctx context.Context) *Result {
	start := m.now()
	result := &Result{}

	for class := range m.config.Budgets {
		r := m.TrimClass(ctx, class)
		result.Evicted += r.Evicted
		result.BytesFreed += r.BytesFreed
		result.Errors += r.Errors
	}

	orphans, errs := m.sweepOrphans(ctx)
	result.Orphans = orphans
	result.Errors += errs

	result.Duration = m.now().Sub(start)

	if result.Evicted > 0 || result.Orphans > 0 || result.Errors > 0 {
		m.logger.Info("sweep complete",
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"orphans", result.Orphans,
			"errors", result.Errors,
			"duration", result.Duration,
		)
	} else {
		m.logger.Debug("sweep complete, nothing to evict")
	}
	return result
}

// TrimClass evicts least recently used entries of one class until it is
// within budget. Entries inside the grace window or pinned by a resolve are
// skipped; if only protected entries remain the class stays over budget
// until the next pass.
func (m *Manager) TrimClass(ctx context.Context, class mediacache.AssetClass) *Result {
	result := &Result{}
	start := m.now()

	budget, ok := m.config.Budgets[class]
	if !ok {
		return result
	}

	mu := m.classMu[class]
	if mu == nil {
		return result
	}
	mu.Lock()
	defer mu.Unlock()

	totals, err := m.metadata.Totals(ctx, class)
	if err != nil {
		m.logger.Error("failed to read class totals", "class", class, "error", err)
		result.Errors++
		return result
	}
	if withinBudget(totals, budget) {
		return result
	}

	candidates, err := m.metadata.OldestFirst(ctx, class, 0)
	if err != nil {
		m.logger.Error("failed to list eviction candidates", "class", class, "error", err)
		result.Errors++
		return result
	}

	cutoff := m.now().Add(-m.config.GracePeriod)

	for _, entry := range candidates {
		if withinBudget(totals, budget) {
			break
		}

		if entry.LastAccess.After(cutoff) {
			// Candidates are ordered oldest first, so everything after
			// this one is inside the grace window too.
			break
		}

		key, err := entry.CacheKey()
		if err != nil {
			m.logger.Warn("skipping entry with unparseable key", "key", entry.Key)
			continue
		}

		if m.config.Pinner != nil && m.config.Pinner.Pinned(key) {
			continue
		}

		if err := m.evictEntry(ctx, key, entry); err != nil {
			m.logger.Warn("failed to evict entry",
				"key", entry.Key,
				"error", err,
			)
			result.Errors++
			continue
		}

		totals.Items--
		totals.Bytes -= entry.Size
		result.Evicted++
		result.BytesFreed += entry.Size

		telemetry.RecordEviction(ctx, string(class), "budget", entry.Size)

		m.logger.Debug("evicted entry",
			"key", entry.Key,
			"size", entry.Size,
			"last_access", entry.LastAccess,
		)
	}

	result.Duration = m.now().Sub(start)
	return result
}

// evictEntry removes one entry in crash-safe order: mark evicting, delete
// the blob, delete the metadata, drop the memory tier record. If the process
// dies between any two steps, recovery at next open resets the entry to
// invalid and the orphan sweep collects the file.
func (m *Manager) evictEntry(ctx context.Context, key mediacache.CacheKey, entry *metadb.Entry) error {
	if err := m.metadata.SetState(ctx, key, metadb.StateEvicting); err != nil {
		return err
	}
	if err := m.blobs.Delete(ctx, key); err != nil {
		return err
	}
	if err := m.metadata.Delete(ctx, key); err != nil {
		return err
	}
	if m.memory != nil {
		m.memory.Delete(key)
	}
	return nil
}

// sweepOrphans removes blob files that no metadata entry points at, and
// metadata entries stuck in the invalid state whose blob is already gone.
// Both are leftovers of crashes; neither is reachable through a resolve.
func (m *Manager) sweepOrphans(ctx context.Context) (int, int) {
	var removed, errs int

	known := make(map[string]metadb.EntryState)
	err := m.metadata.ForEach(ctx, func(e *metadb.Entry) error {
		known[e.Key] = e.State
		return nil
	})
	if err != nil {
		m.logger.Error("orphan sweep failed to list metadata", "error", err)
		return 0, 1
	}

	cutoff := m.now().Add(-m.config.GracePeriod)

	for _, class := range mediacache.Classes() {
		keys, err := m.blobs.List(ctx, class)
		if err != nil {
			m.logger.Error("orphan sweep failed to list blobs", "class", class, "error", err)
			errs++
			continue
		}

		for _, key := range keys {
			state, tracked := known[key.String()]
			if tracked && state != metadb.StateInvalid {
				continue
			}

			// Leave very fresh files alone: a download may have written
			// the blob but not committed its metadata yet.
			if info, err := os.Stat(m.blobs.PathOf(key)); err == nil && info.ModTime().After(cutoff) {
				continue
			}

			if err := m.blobs.Delete(ctx, key); err != nil {
				m.logger.Warn("failed to remove orphan blob", "key", key.String(), "error", err)
				errs++
				continue
			}
			if tracked {
				if err := m.metadata.Delete(ctx, key); err != nil && !errors.Is(err, metadb.ErrNotFound) {
					m.logger.Warn("failed to remove invalid entry", "key", key.String(), "error", err)
					errs++
					continue
				}
			}
			removed++
			telemetry.RecordEviction(ctx, string(class), "orphan", 0)
			m.logger.Debug("removed orphan blob", "key", key.String())
		}
	}
	return removed, errs
}

func withinBudget(totals metadb.ClassTotals, budget Budget) bool {
	if budget.MaxBytes > 0 && totals.Bytes > budget.MaxBytes {
		return false
	}
	if budget.MaxItems > 0 && totals.Items > budget.MaxItems {
		return false
	}
	return true
}
