package jwks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/jwtgate/jwtgate/metrics"
)

// Cache holds the trusted keys of one authority.
//
// The snapshot pointer is the only shared mutable state readers touch; it is
// swapped atomically after a successful fetch and never mutated in place. A
// failed refresh leaves the previous snapshot serving (stale but available).
type Cache struct {
	authority string
	url       string
	fetcher   Fetcher
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	allowed   []jwa.SignatureAlgorithm

	snapshot atomic.Pointer[Snapshot]
	group    singleflight.Group

	// missLimit bounds how often a key-id miss may trigger an early refresh.
	// Without it a flood of bogus kids would translate into a flood of
	// upstream fetches.
	missLimit *rate.Limiter

	mu           sync.Mutex
	etag         string
	lastModified string
	lastRefresh  time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFetcher overrides the default HTTP fetcher.
func WithFetcher(f Fetcher) CacheOption {
	return func(c *Cache) { c.fetcher = f }
}

// WithLogger sets the cache logger.
func WithLogger(log logrus.FieldLogger) CacheOption {
	return func(c *Cache) { c.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) CacheOption {
	return func(c *Cache) { c.metrics = m }
}

// WithAllowedAlgorithms restricts which signature algorithms keys from this
// authority may be used with. An empty list accepts any algorithm a matched
// key is declared for.
func WithAllowedAlgorithms(algs []jwa.SignatureAlgorithm) CacheOption {
	return func(c *Cache) { c.allowed = algs }
}

// WithMissRefreshInterval sets the minimum spacing between early refreshes
// triggered by key-id misses. Zero disables miss-triggered refreshes
// entirely, leaving rotation pickup to the timer.
func WithMissRefreshInterval(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d <= 0 {
			c.missLimit = nil
			return
		}
		c.missLimit = rate.NewLimiter(rate.Every(d), 1)
	}
}

// NewCache creates a cache for one authority's JWKS endpoint. No fetch
// happens until the first Key call or scheduled refresh.
func NewCache(authority, url string, opts ...CacheOption) *Cache {
	c := &Cache{
		authority: authority,
		url:       url,
		fetcher:   NewHTTPFetcher(DefaultFetchTimeout),
		log:       logrus.StandardLogger(),
		missLimit: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithFields(logrus.Fields{"authority": authority, "url": url})
	return c
}

// URL returns the JWKS endpoint this cache fetches from.
func (c *Cache) URL() string { return c.url }

// Authority returns the owning authority's name.
func (c *Cache) Authority() string { return c.authority }

// Ready reports whether a snapshot has ever been fetched.
func (c *Cache) Ready() bool { return c.snapshot.Load() != nil }

// LastRefresh returns the time of the last successful refresh.
func (c *Cache) LastRefresh() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh
}

// Inherit adopts the warm fetch state of prev when it points at the same
// URL: the current snapshot plus the conditional-request validators, so a
// configuration reload never turns a stale-served authority into a cold one.
// Policy settings stay this cache's own. Must be called before the cache is
// visible to other goroutines.
func (c *Cache) Inherit(prev *Cache) {
	if prev == nil || prev.url != c.url {
		return
	}
	if snap := prev.snapshot.Load(); snap != nil {
		c.snapshot.Store(snap)
	}
	prev.mu.Lock()
	etag, lastModified, lastRefresh := prev.etag, prev.lastModified, prev.lastRefresh
	prev.mu.Unlock()

	c.mu.Lock()
	c.etag = etag
	c.lastModified = lastModified
	c.lastRefresh = lastRefresh
	c.mu.Unlock()
}

// Key resolves the verifying key for (kid, alg).
//
// With a populated snapshot this never blocks. Before the first successful
// fetch it joins the deduplicated initial fetch; that wait is the only point
// a request touches the network through this cache.
func (c *Cache) Key(ctx context.Context, kid string, alg jwa.SignatureAlgorithm) (Key, error) {
	snap := c.snapshot.Load()
	if snap == nil {
		if err := c.Refresh(ctx); err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		if snap = c.snapshot.Load(); snap == nil {
			return Key{}, ErrSourceUnavailable
		}
	}

	key, ok := snap.Lookup(kid, alg)
	if !ok {
		c.refreshOnMiss()
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
	}
	if len(c.allowed) > 0 && !c.algAllowed(alg) {
		return Key{}, fmt.Errorf("%w: %s is not approved for authority %q", ErrAlgorithmNotAllowed, alg, c.authority)
	}
	if key.Alg != "" && key.Alg != alg {
		return Key{}, fmt.Errorf("%w: token requests %s but key %q is declared for %s", ErrAlgorithmNotAllowed, alg, kid, key.Alg)
	}
	return key, nil
}

func (c *Cache) algAllowed(alg jwa.SignatureAlgorithm) bool {
	for _, a := range c.allowed {
		if a == alg {
			return true
		}
	}
	return false
}

// refreshOnMiss starts at most one background refresh per miss burst, so a
// rotated-in key is picked up promptly without letting unknown kids drive
// unbounded fetch traffic.
func (c *Cache) refreshOnMiss() {
	if c.missLimit == nil || !c.missLimit.Allow() {
		return
	}
	c.log.Debug("key id miss, scheduling early refresh")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultFetchTimeout)
		defer cancel()
		_ = c.Refresh(ctx)
	}()
}

// Refresh fetches the JWKS and atomically replaces the snapshot on success.
//
// Concurrent calls coalesce into a single fetch; every caller gets that
// fetch's result. The fetch itself runs detached from any one caller's
// context so that a cancelled waiter does not abort the fetch for the
// others, but a waiter whose context ends stops waiting.
func (c *Cache) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.Background(), DefaultFetchTimeout)
		defer cancel()
		return nil, c.refresh(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context) error {
	c.mu.Lock()
	req := FetchRequest{URL: c.url, ETag: c.etag, LastModified: c.lastModified}
	c.mu.Unlock()

	res, err := c.fetcher.Fetch(ctx, req)
	if err != nil {
		c.metrics.RecordRefresh(c.authority, metrics.OutcomeError)
		c.log.WithError(err).Warn("JWKS refresh failed")
		return err
	}

	now := time.Now()
	if res.NotModified {
		c.metrics.RecordRefresh(c.authority, metrics.OutcomeNotModified)
		c.log.Debug("JWKS not modified")
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		return nil
	}

	set, err := jwk.Parse(res.Body)
	if err != nil {
		c.metrics.RecordRefresh(c.authority, metrics.OutcomeError)
		c.log.WithError(err).Warn("JWKS refresh failed: unparseable document")
		return fmt.Errorf("jwks: parse %s: %w", c.url, err)
	}

	snap := newSnapshot(set, now)
	c.snapshot.Store(snap)
	c.mu.Lock()
	c.etag = res.ETag
	c.lastModified = res.LastModified
	c.lastRefresh = now
	c.mu.Unlock()

	c.metrics.RecordRefresh(c.authority, metrics.OutcomeSuccess)
	c.metrics.SetKeyCount(c.authority, snap.Len())
	c.log.WithField("keys", snap.Len()).Debug("JWKS refreshed")
	return nil
}
