package pricing

import (
	"context"
	"log"
	"sync"
	"time"

	"mindmap-trading-bot/internal/cache"
)

// Loop periods and pacing.
const (
	// FastTickInterval drives the batched fast path.
	FastTickInterval = 100 * time.Millisecond

	// SlowTickInterval drives per-token discovery.
	SlowTickInterval = 1 * time.Second

	// discoveryDelay paces individual discovery calls inside one slow tick
	// to respect oracle rate limits.
	discoveryDelay = 200 * time.Millisecond
)

// Monitor keeps the price cache fresh for every token in the interest set.
// A fast loop batches tokens by their cached route hint; whatever it cannot
// resolve falls through to the slow discovery loop, which also populates
// the route hints the fast loop depends on.
type Monitor struct {
	oracle Oracle
	prices *cache.PriceCache

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewMonitor wires the monitor to its oracle and cache.
func NewMonitor(oracle Oracle, prices *cache.PriceCache) *Monitor {
	return &Monitor{oracle: oracle, prices: prices}
}

// Start launches both loops. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.fastLoop(ctx)
	go m.slowLoop(ctx)
	log.Printf("[PRICE-MONITOR] Started (fast=%v slow=%v)", FastTickInterval, SlowTickInterval)
}

// Stop cancels both loops and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
		log.Printf("[PRICE-MONITOR] Stopped")
	}
}

func (m *Monitor) fastLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(FastTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fastTick(ctx)
		}
	}
}

// fastTick partitions the interest set by route hint and commits all
// resolved prices in one pipelined write.
func (m *Monitor) fastTick(ctx context.Context) {
	mints := m.prices.ListInterest(ctx)
	if len(mints) == 0 {
		return
	}

	var groupA []string
	groupB := make(map[string]map[string]string) // kind -> mint -> vault blob

	for _, mint := range mints {
		route, ok := m.prices.GetRoute(ctx, mint)
		if !ok || IsPreGraduation(route) {
			groupA = append(groupA, mint)
			continue
		}
		blob, ok := m.prices.GetRouteVaults(ctx, route, mint)
		if !ok {
			// Known post-graduation route but no cached reserves yet;
			// the slow loop will rediscover and fill them in.
			continue
		}
		if groupB[route] == nil {
			groupB[route] = make(map[string]string)
		}
		groupB[route][mint] = blob
	}

	resolved := make(map[string]float64)

	if len(groupA) > 0 {
		quotes, _, err := m.oracle.FastBatchA(ctx, groupA)
		if err != nil {
			log.Printf("[PRICE-MONITOR] Fast batch A failed: %v", err)
		} else {
			for mint, q := range quotes {
				if q.Migrated {
					// Left the bonding curve; force rediscovery.
					m.prices.ClearRoute(ctx, mint)
					continue
				}
				resolved[mint] = q.Price
				if q.Source != "" {
					m.prices.SetRoute(ctx, mint, q.Source, cache.SourceTTLPre)
				}
			}
		}
	}

	for kind, vaults := range groupB {
		batch, err := m.oracle.FastBatchB(ctx, kind, vaults)
		if err != nil {
			log.Printf("[PRICE-MONITOR] Fast batch B (%s) failed: %v", kind, err)
			continue
		}
		for mint, price := range batch {
			resolved[mint] = price
		}
	}

	m.prices.SetPrices(ctx, resolved, cache.PriceTTL)
}

func (m *Monitor) slowLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(SlowTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.slowTick(ctx)
		}
	}
}

// slowTick discovers every interest-set token that has neither a fresh
// price nor a recent failure, pacing calls to stay inside rate limits.
func (m *Monitor) slowTick(ctx context.Context) {
	for _, mint := range m.prices.ListInterest(ctx) {
		if _, ok := m.prices.GetPrice(ctx, mint); ok {
			continue
		}
		if m.prices.HasError(ctx, mint) {
			continue
		}

		m.discover(ctx, mint)

		select {
		case <-ctx.Done():
			return
		case <-time.After(discoveryDelay):
		}
	}
}

func (m *Monitor) discover(ctx context.Context, mint string) {
	d, err := m.oracle.Discover(ctx, mint)
	if err != nil {
		log.Printf("[PRICE-MONITOR] Discovery failed for %s: %v", mint, err)
		m.prices.MarkError(ctx, mint, cache.ErrorTTL)
		return
	}
	if d == nil {
		m.prices.MarkError(ctx, mint, cache.ErrorTTL)
		return
	}

	m.prices.SetPrice(ctx, mint, d.Price, cache.PriceTTL)
	if d.Route != "" {
		m.prices.SetRoute(ctx, mint, d.Route, cache.RouteTTL(d.Source))
	}
	if d.RouteBlob != "" && d.Route != "" {
		m.prices.SetRouteVaults(ctx, d.Route, mint, d.RouteBlob)
	}
}
