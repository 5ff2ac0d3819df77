package storage

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vigilhq/vigil/pkg/model"
	"github.com/vigilhq/vigil/pkg/verrors"
)

var (
	metricAuthCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "auth_cache_hits_total",
		Help:      "API key lookups served from the auth cache.",
	})
	metricAuthCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "auth_cache_misses_total",
		Help:      "API key lookups that went to the store.",
	})
)

// authCacheStore caches successful key lookups for a short TTL so the ingest
// hot path does not hit the database on every request. Negative results are
// not cached; key disablement takes effect within one TTL.
type authCacheStore struct {
	Store

	ttl time.Duration
	now func() time.Time

	mtx     sync.RWMutex
	entries map[string]authCacheEntry
}

type authCacheEntry struct {
	key     model.APIKey
	expires time.Time
}

// WithAuthCache wraps s with an API key cache. A non-positive ttl disables
// caching.
func WithAuthCache(s Store, ttl time.Duration) Store {
	if ttl <= 0 {
		return s
	}
	return &authCacheStore{
		Store:   s,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]authCacheEntry{},
	}
}

func (c *authCacheStore) AuthenticateAPIKey(ctx context.Context, key string) (*model.APIKey, error) {
	now := c.now()

	c.mtx.RLock()
	entry, ok := c.entries[key]
	c.mtx.RUnlock()
	if ok && entry.expires.After(now) {
		metricAuthCacheHits.Inc()
		cp := entry.key
		return &cp, nil
	}

	metricAuthCacheMisses.Inc()
	k, err := c.Store.AuthenticateAPIKey(ctx, key)
	if err != nil {
		if verrors.Is(err, verrors.Auth) {
			c.mtx.Lock()
			delete(c.entries, key)
			c.mtx.Unlock()
		}
		return nil, err
	}

	c.mtx.Lock()
	c.entries[key] = authCacheEntry{key: *k, expires: now.Add(c.ttl)}
	c.mtx.Unlock()
	return k, nil
}

// New builds the configured backend with the auth cache applied.
func New(cfg Config) (Store, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		s = NewMemory()
	default:
		s, err = NewPostgres(cfg.Postgres)
		if err != nil {
			return nil, err
		}
	}
	return WithAuthCache(s, cfg.APIKeyCacheTTL), nil
}
