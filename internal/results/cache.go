// Package results implements the dashboard's result cache and its consistency
// protocol: a per-owner, time-bounded snapshot of recent predictions with
// stale-while-revalidate reads, reconciled against the record store on upload,
// on change events, and on explicit refresh.
package results

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/moodpipe/moodpipe/internal/notify"
	"github.com/moodpipe/moodpipe/internal/storage"
)

const (
	// MaxEntries bounds how many predictions a cache entry retains.
	MaxEntries = 5
	// FreshFor is the validity window; entries this old are discarded, never served.
	FreshFor = 30 * time.Second
	// fetchLimit is the display query bound against the record store.
	fetchLimit = 10
)

// Fetcher is the record store read side the cache reconciles against.
type Fetcher interface {
	RecentPredictions(ownerHash string, limit int) ([]storage.PredictionView, error)
}

type entry struct {
	predictions []storage.PredictionView
	fetchedAt   time.Time
}

// Snapshot is a served cache entry: the predictions plus the record-store
// read time they reflect.
type Snapshot struct {
	Predictions []storage.PredictionView
	FetchedAt   time.Time
}

// Cache holds per-owner result snapshots. The cache is never a source of
// truth: every refresh overwrites the entry with a full record-store snapshot,
// so repeated or duplicated triggers converge instead of corrupting state.
type Cache struct {
	fetch  Fetcher
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	timers  map[string]*time.Timer

	group singleflight.Group
}

// NewCache creates a cache over the given fetcher. The clock is injectable so
// freshness and eviction are deterministic in tests; pass nil for time.Now.
func NewCache(fetch Fetcher, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		fetch:   fetch,
		now:     now,
		logger:  slog.Default(),
		entries: make(map[string]entry),
		timers:  make(map[string]*time.Timer),
	}
}

// Recent returns the owner's most recent predictions, newest first. A valid
// cached snapshot is served immediately while a background refresh runs; a
// cold or expired cache blocks on the record store.
func (c *Cache) Recent(ctx context.Context, ownerHash string) ([]storage.PredictionView, error) {
	snap, err := c.RecentSnapshot(ctx, ownerHash)
	return snap.Predictions, err
}

// RecentSnapshot is Recent plus the time the served snapshot was fetched.
func (c *Cache) RecentSnapshot(ctx context.Context, ownerHash string) (Snapshot, error) {
	if cached, ok := c.lookup(ownerHash); ok {
		go c.backgroundRefresh(ownerHash)
		return Snapshot{Predictions: cached.predictions, FetchedAt: cached.fetchedAt}, nil
	}
	fresh, err := c.refresh(ownerHash)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Predictions: fresh.predictions, FetchedAt: fresh.fetchedAt}, nil
}

// lookup returns a valid cache entry, discarding it if the freshness window
// has elapsed.
func (c *Cache) lookup(ownerHash string) (entry, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ownerHash]
	if !ok {
		return entry{}, false
	}
	if now.Sub(e.fetchedAt) >= FreshFor {
		delete(c.entries, ownerHash)
		return entry{}, false
	}
	return e, true
}

// Invalidate discards the owner's cache entry. The next read blocks on a
// fresh fetch.
func (c *Cache) Invalidate(ownerHash string) {
	c.mu.Lock()
	delete(c.entries, ownerHash)
	c.mu.Unlock()
}

// refresh fetches a fresh snapshot and overwrites the cache entry. Concurrent
// refreshes for the same owner are collapsed; whichever trigger fired first is
// irrelevant because the result is always a full authoritative snapshot.
func (c *Cache) refresh(ownerHash string) (entry, error) {
	v, err, _ := c.group.Do(ownerHash, func() (any, error) {
		rows, err := c.fetch.RecentPredictions(ownerHash, fetchLimit)
		if err != nil {
			return nil, err
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		})
		if len(rows) > MaxEntries {
			rows = rows[:MaxEntries]
		}

		e := entry{predictions: rows, fetchedAt: c.now()}
		c.mu.Lock()
		c.entries[ownerHash] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		// Degrade to always-fetch-fresh rather than serving doubtful state.
		c.Invalidate(ownerHash)
		return entry{}, err
	}
	return v.(entry), nil
}

func (c *Cache) backgroundRefresh(ownerHash string) {
	if _, err := c.refresh(ownerHash); err != nil {
		c.logger.Warn("background result refresh failed", "owner_hash", ownerHash, "error", err)
	}
}

// HandleEvent reconciles the cache against a change event. Handling is a pure
// overwrite keyed only by owner, so duplicate or out-of-order deliveries of
// the same event are naturally absorbed.
func (c *Cache) HandleEvent(e notify.Event) {
	if e.Table != "predictions" || e.OwnerHash == "" {
		return
	}
	c.Invalidate(e.OwnerHash)
	go c.backgroundRefresh(e.OwnerHash)
}

// Run consumes change events until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.HandleEvent(e)
		}
	}
}

// ScheduleUploadRefresh invalidates and refreshes the owner's entry after a
// settle delay following a new upload. The delay is a heuristic to let the
// pipeline likely finish first, not a correctness guarantee; the change event
// covers the case where processing outlasts it.
func (c *Cache) ScheduleUploadRefresh(ownerHash string, delay time.Duration) {
	if delay <= 0 {
		c.Invalidate(ownerHash)
		go c.backgroundRefresh(ownerHash)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.timers[ownerHash]; ok {
		t.Stop()
	}
	c.timers[ownerHash] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, ownerHash)
		c.mu.Unlock()

		c.Invalidate(ownerHash)
		c.backgroundRefresh(ownerHash)
	})
}

// Stop cancels pending deferred refreshes.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for owner, t := range c.timers {
		t.Stop()
		delete(c.timers, owner)
	}
}
