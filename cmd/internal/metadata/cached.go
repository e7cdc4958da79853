package metadata

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

const (
	defaultMemoryTTL  = 10 * time.Minute
	memMaxEntries     = 10_000
	remoteReadTimeout = 250 * time.Millisecond
)

// Cache is a shared second-level cache (Redis in production).
type Cache interface {
	Get(ctx context.Context, externalRef string) (Metadata, bool, error)
	Set(ctx context.Context, md Metadata) error
}

// CachedLookup layers an in-process TTL cache and an optional shared Cache in
// front of an upstream Lookup. Concurrent misses for the same ref collapse into
// a single upstream call. Only positive results are cached.
type CachedLookup struct {
	log      *slog.Logger
	upstream Lookup
	remote   Cache
	mem      *memoryCache
	metrics  *Metrics
	group    singleflight.Group
}

// CachedOption configures CachedLookup.
type CachedOption func(*CachedLookup)

// WithRemoteCache adds a shared cache layer.
func WithRemoteCache(c Cache) CachedOption {
	return func(l *CachedLookup) { l.remote = c }
}

// WithMemoryTTL overrides the in-process TTL and clock (clock may be nil).
func WithMemoryTTL(ttl time.Duration, clock clockwork.Clock) CachedOption {
	return func(l *CachedLookup) { l.mem = newMemoryCache(ttl, clock) }
}

// WithCacheMetrics records hits/misses per layer.
func WithCacheMetrics(m *Metrics) CachedOption {
	return func(l *CachedLookup) { l.metrics = m }
}

// NewCachedLookup wraps upstream.
func NewCachedLookup(log *slog.Logger, upstream Lookup, opts ...CachedOption) *CachedLookup {
	if log == nil {
		log = slog.Default()
	}
	l := &CachedLookup{
		log:      log,
		upstream: upstream,
		mem:      newMemoryCache(defaultMemoryTTL, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

type lookupResult struct {
	md    Metadata
	found bool
}

// FetchMetadata implements Lookup.
func (l *CachedLookup) FetchMetadata(ctx context.Context, externalRef string) (Metadata, bool, error) {
	ref, err := normalizeRef(externalRef)
	if err != nil {
		return Metadata{}, false, err
	}

	if md, ok := l.mem.get(ref); ok {
		l.metrics.hit("memory")
		return md, true, nil
	}
	l.metrics.miss("memory")

	if l.remote != nil {
		rctx, cancel := context.WithTimeout(ctx, remoteReadTimeout)
		md, ok, err := l.remote.Get(rctx, ref)
		cancel()
		switch {
		case err != nil:
			l.log.Debug("metadata.cache.remote.fail", "ref", ref, "err", err)
		case ok:
			l.metrics.hit("remote")
			l.mem.set(ref, md)
			return md, true, nil
		default:
			l.metrics.miss("remote")
		}
	}

	v, err, _ := l.group.Do(ref, func() (any, error) {
		md, found, err := l.upstream.FetchMetadata(ctx, ref)
		if err != nil {
			return nil, err
		}
		if found {
			md.ExternalRef = ref
			l.mem.set(ref, md)
			if l.remote != nil {
				if err := l.remote.Set(ctx, md); err != nil {
					l.log.Debug("metadata.cache.remote.write_fail", "ref", ref, "err", err)
				}
			}
		}
		return lookupResult{md: md, found: found}, nil
	})
	if err != nil {
		return Metadata{}, false, err
	}
	res := v.(lookupResult)
	return res.md, res.found, nil
}

type memEntry struct {
	md      Metadata
	expires time.Time
}

type memoryCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]memEntry
}

func newMemoryCache(ttl time.Duration, clock clockwork.Clock) *memoryCache {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryCache{clock: clock, ttl: ttl, entries: make(map[string]memEntry)}
}

func (c *memoryCache) get(ref string) (Metadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[ref]
	if !ok {
		return Metadata{}, false
	}
	if !c.clock.Now().Before(e.expires) {
		delete(c.entries, ref)
		return Metadata{}, false
	}
	return e.md, true
}

func (c *memoryCache) set(ref string, md Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if len(c.entries) >= memMaxEntries {
		for k, e := range c.entries {
			if !now.Before(e.expires) {
				delete(c.entries, k)
			}
		}
		// Still full: drop an arbitrary entry.
		for k := range c.entries {
			if len(c.entries) < memMaxEntries {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[ref] = memEntry{md: md, expires: now.Add(c.ttl)}
}
