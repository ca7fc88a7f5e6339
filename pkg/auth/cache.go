package auth

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for token cache operations.
var (
	tokenCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_token_cache_hits_total",
		Help: "Token cache hits by scope",
	}, []string{"scope"})

	tokenCacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_token_cache_refreshes_total",
		Help: "Broker token requests by scope",
	}, []string{"scope"})

	tokenCacheFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queryfleet_token_cache_failures_total",
		Help: "Failed broker token requests by scope",
	}, []string{"scope"})
)

// DefaultRefreshBuffer is how far ahead of expiry a token is replaced.
const DefaultRefreshBuffer = 2 * time.Minute

// Cache caches the most recent token per scope and refreshes ahead of
// expiry. Both scopes share one refresh policy.
//
// The mutex guards only the store read/decide/write sections; it is never
// held across the broker call, so a slow identity tool cannot block
// unrelated scopes. Two goroutines missing the cache at the same instant
// may both call the broker; the later write wins, which is harmless since
// either token is valid.
type Cache struct {
	broker        CredentialBroker
	store         Store
	refreshBuffer time.Duration
	logger        zerolog.Logger

	mu sync.Mutex
}

// NewCache creates a token cache in front of the broker, backed by the
// given store (use NewMemoryStore() unless tokens should outlive the
// process).
func NewCache(broker CredentialBroker, store Store, logger zerolog.Logger) *Cache {
	return &Cache{
		broker:        broker,
		store:         store,
		refreshBuffer: DefaultRefreshBuffer,
		logger:        logger,
	}
}

// SetRefreshBuffer overrides the refresh buffer. Zero keeps the default.
func (c *Cache) SetRefreshBuffer(buffer time.Duration) {
	if buffer > 0 {
		c.refreshBuffer = buffer
	}
}

// GetToken returns a usable token for the scope, refreshing via the
// broker when the cached one is absent or within the refresh buffer of
// its expiry.
func (c *Cache) GetToken(ctx context.Context, scope Scope) (Token, error) {
	c.mu.Lock()
	tok, found, err := c.store.Get(ctx, scope)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", string(scope)).Msg("Token store read failed, falling back to broker")
	} else if found && !tok.ExpiresWithin(c.refreshBuffer) {
		tokenCacheHits.WithLabelValues(string(scope)).Inc()
		return tok, nil
	}

	// Broker call runs without holding the lock.
	tokenCacheRefreshes.WithLabelValues(string(scope)).Inc()
	fresh, err := c.broker.RequestToken(ctx, scope)
	if err != nil {
		tokenCacheFailures.WithLabelValues(string(scope)).Inc()
		c.logger.Error().Err(err).Str("scope", string(scope)).Msg("Token acquisition failed")
		return Token{}, err
	}

	c.mu.Lock()
	storeErr := c.store.Set(ctx, scope, fresh)
	c.mu.Unlock()
	if storeErr != nil {
		// The fresh token is still usable; only persistence failed.
		c.logger.Warn().Err(storeErr).Str("scope", string(scope)).Msg("Token store write failed")
	}

	c.logger.Debug().
		Str("scope", string(scope)).
		Time("expires_at", fresh.ExpiresAt).
		Msg("Token refreshed")

	return fresh, nil
}

// Invalidate drops the cached token for a scope, forcing the next
// GetToken to hit the broker.
func (c *Cache) Invalidate(ctx context.Context, scope Scope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(ctx, scope)
}
