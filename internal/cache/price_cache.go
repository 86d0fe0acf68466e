package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Key prefixes and TTLs for price state.
const (
	priceKeyPrefix    = "price"
	errorKeyPrefix    = "price:error"
	sourceKeyPrefix   = "price:source"
	interestKeyPrefix = "price:interest"
	vaultsKeyPrefix   = "price:vaults"

	// PriceTTL bounds how stale a cached price may be.
	PriceTTL = 60 * time.Second

	// ErrorTTL is the negative cache for failed discoveries.
	ErrorTTL = 30 * time.Second

	// SourceTTLPre is the route-hint TTL for tokens still on a bonding
	// curve; they can migrate at any moment, so the hint goes stale fast.
	SourceTTLPre = 5 * time.Minute

	// SourceTTLPost is the route-hint TTL after graduation to an AMM.
	SourceTTLPost = 24 * time.Hour

	// InterestTTL bounds how long an unrefreshed token stays monitored.
	InterestTTL = 60 * time.Second

	// VaultsTTL retains cached reserve-account routing blobs.
	VaultsTTL = 24 * time.Hour
)

// Route source kinds, matching the oracle's discovery answers.
const (
	SourcePre  = "pre"
	SourcePost = "post"
)

// PriceCache is the shared TTL store for current prices, negative entries,
// route hints, and the interest set driving the price monitor.
type PriceCache struct {
	store *Store
}

// NewPriceCache wraps a Store.
func NewPriceCache(store *Store) *PriceCache {
	return &PriceCache{store: store}
}

// Store exposes the underlying TTL store for batch writes.
func (c *PriceCache) Store() *Store { return c.store }

func priceKey(mint string) string    { return fmt.Sprintf("%s:%s", priceKeyPrefix, mint) }
func errorKey(mint string) string    { return fmt.Sprintf("%s:%s", errorKeyPrefix, mint) }
func sourceKey(mint string) string   { return fmt.Sprintf("%s:%s", sourceKeyPrefix, mint) }
func interestKey(mint string) string { return fmt.Sprintf("%s:%s", interestKeyPrefix, mint) }
func vaultsKey(kind, mint string) string {
	return fmt.Sprintf("%s:%s:%s", vaultsKeyPrefix, kind, mint)
}

// AddInterest marks a token for monitoring. Refreshes the TTL on each call,
// so the watcher keeps live positions monitored by re-registering each tick.
func (c *PriceCache) AddInterest(ctx context.Context, mint string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = InterestTTL
	}
	c.store.Set(ctx, interestKey(mint), "1", ttl)
}

// HasInterest reports whether the token is currently monitored.
func (c *PriceCache) HasInterest(ctx context.Context, mint string) bool {
	return c.store.Exists(ctx, interestKey(mint))
}

// ListInterest returns every monitored token.
func (c *PriceCache) ListInterest(ctx context.Context) []string {
	keys := c.store.Keys(ctx, interestKeyPrefix+":*")
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, interestKeyPrefix+":"))
	}
	return out
}

// GetPrice returns the cached price if fresh.
func (c *PriceCache) GetPrice(ctx context.Context, mint string) (float64, bool) {
	val, ok := c.store.Get(ctx, priceKey(mint))
	if !ok {
		return 0, false
	}
	price, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

// SetPrice caches a fresh price observation and clears any negative entry.
func (c *PriceCache) SetPrice(ctx context.Context, mint string, price float64, ttl time.Duration) {
	if ttl <= 0 {
		ttl = PriceTTL
	}
	c.store.NewBatch().
		Set(priceKey(mint), strconv.FormatFloat(price, 'f', -1, 64), ttl).
		Delete(errorKey(mint)).
		Commit(ctx)
}

// SetPrices commits a whole monitor tick in one pipeline.
func (c *PriceCache) SetPrices(ctx context.Context, prices map[string]float64, ttl time.Duration) {
	if len(prices) == 0 {
		return
	}
	if ttl <= 0 {
		ttl = PriceTTL
	}
	batch := c.store.NewBatch()
	for mint, price := range prices {
		batch.Set(priceKey(mint), strconv.FormatFloat(price, 'f', -1, 64), ttl)
		batch.Delete(errorKey(mint))
	}
	batch.Commit(ctx)
}

// MarkError sets the negative cache entry for a token.
func (c *PriceCache) MarkError(ctx context.Context, mint string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = ErrorTTL
	}
	c.store.Set(ctx, errorKey(mint), "1", ttl)
}

// HasError reports whether the token recently failed discovery.
func (c *PriceCache) HasError(ctx context.Context, mint string) bool {
	return c.store.Exists(ctx, errorKey(mint))
}

// GetRoute returns the cached route hint for a token.
func (c *PriceCache) GetRoute(ctx context.Context, mint string) (string, bool) {
	return c.store.Get(ctx, sourceKey(mint))
}

// SetRoute caches a route hint. Pre-graduation hints expire in minutes;
// post-graduation hints are stable for a day.
func (c *PriceCache) SetRoute(ctx context.Context, mint, route string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = SourceTTLPost
	}
	c.store.Set(ctx, sourceKey(mint), route, ttl)
}

// RouteTTL returns the hint TTL for a discovery source kind.
func RouteTTL(source string) time.Duration {
	if source == SourcePre {
		return SourceTTLPre
	}
	return SourceTTLPost
}

// ClearRoute drops the route hint, forcing rediscovery.
func (c *PriceCache) ClearRoute(ctx context.Context, mint string) {
	c.store.Delete(ctx, sourceKey(mint))
}

// GetRouteVaults returns the cached reserve blob for a route kind.
func (c *PriceCache) GetRouteVaults(ctx context.Context, kind, mint string) (string, bool) {
	return c.store.Get(ctx, vaultsKey(kind, mint))
}

// SetRouteVaults caches the reserve blob for a route kind.
func (c *PriceCache) SetRouteVaults(ctx context.Context, kind, mint, blob string) {
	c.store.Set(ctx, vaultsKey(kind, mint), blob, VaultsTTL)
}
