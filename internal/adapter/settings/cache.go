package settings

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agyle/agencycore/internal/adapter/metrics"
	"github.com/agyle/agencycore/internal/domain"
)

const defaultTTL = 30 * time.Second

// Cache holds one settings snapshot plus its capture timestamp. The snapshot
// is replaced wholesale on TTL expiry or explicit invalidation, never
// partially mutated. Fetch failures fail open: denying all traffic because a
// settings read hiccuped is worse than briefly ignoring maintenance mode.
type Cache struct {
	source domain.SettingsSource
	logger *slog.Logger
	m      *metrics.CoreMetrics
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	snap      domain.Settings
	fetchedAt time.Time // zero means no snapshot
}

// NewCache creates a settings cache. Zero ttl selects the default.
func NewCache(source domain.SettingsSource, ttl time.Duration, logger *slog.Logger, m *metrics.CoreMetrics) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		source: source,
		logger: logger,
		m:      m,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Get returns the cached snapshot if fresh, otherwise refetches
// synchronously. On fetch failure the previous snapshot is kept if one
// exists; with no snapshot at all the fail-open default is returned.
func (c *Cache) Get(ctx context.Context) domain.Settings {
	c.mu.RLock()
	snap, fetchedAt := c.snap, c.fetchedAt
	c.mu.RUnlock()

	if !fetchedAt.IsZero() && c.now().Sub(fetchedAt) < c.ttl {
		if c.m != nil {
			c.m.SettingsCacheHits.Inc()
		}
		return snap
	}

	if c.m != nil {
		c.m.SettingsCacheMisses.Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refetched while we waited for the lock.
	if !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.snap
	}

	fresh, err := c.source.FetchSettings(ctx)
	if err != nil {
		c.logger.Warn("settings fetch failed, failing open", "error", err)
		if c.fetchedAt.IsZero() {
			return domain.DefaultSettings()
		}
		// Keep serving the stale snapshot; push the next refetch a full TTL
		// out so a broken settings table does not turn into a query storm.
		c.fetchedAt = c.now()
		return c.snap
	}

	c.snap = fresh
	c.fetchedAt = c.now()
	return c.snap
}

// Invalidate drops the snapshot so the next Get refetches. Called by the
// settings update path so changes take effect before TTL expiry.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
