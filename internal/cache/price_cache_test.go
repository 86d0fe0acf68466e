package cache

import (
	"context"
	"sort"
	"testing"
	"time"
)

func newTestPriceCache() *PriceCache {
	return NewPriceCache(NewStore(nil))
}

func TestPriceSetClearsError(t *testing.T) {
	c := newTestPriceCache()
	ctx := context.Background()

	c.MarkError(ctx, "tok", ErrorTTL)
	if !c.HasError(ctx, "tok") {
		t.Fatal("error not set")
	}

	c.SetPrice(ctx, "tok", 1.5, PriceTTL)

	price, ok := c.GetPrice(ctx, "tok")
	if !ok || price != 1.5 {
		t.Errorf("GetPrice = (%v, %v)", price, ok)
	}
	if c.HasError(ctx, "tok") {
		t.Error("price and error entries are both present")
	}
}

func TestSetPricesBatch(t *testing.T) {
	c := newTestPriceCache()
	ctx := context.Background()

	c.MarkError(ctx, "a", ErrorTTL)
	c.SetPrices(ctx, map[string]float64{"a": 1, "b": 2}, PriceTTL)

	if p, ok := c.GetPrice(ctx, "a"); !ok || p != 1 {
		t.Errorf("price a = (%v, %v)", p, ok)
	}
	if p, ok := c.GetPrice(ctx, "b"); !ok || p != 2 {
		t.Errorf("price b = (%v, %v)", p, ok)
	}
	if c.HasError(ctx, "a") {
		t.Error("batch write did not clear the negative entry")
	}
}

func TestInterestSet(t *testing.T) {
	c := newTestPriceCache()
	ctx := context.Background()

	c.AddInterest(ctx, "tok1", InterestTTL)
	c.AddInterest(ctx, "tok2", InterestTTL)

	if !c.HasInterest(ctx, "tok1") {
		t.Error("tok1 not in interest set")
	}

	got := c.ListInterest(ctx)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "tok1" || got[1] != "tok2" {
		t.Errorf("ListInterest = %v", got)
	}
}

func TestInterestExpires(t *testing.T) {
	c := newTestPriceCache()
	ctx := context.Background()

	c.AddInterest(ctx, "tok", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if c.HasInterest(ctx, "tok") {
		t.Error("interest did not expire")
	}
}

func TestRouteTTLBySource(t *testing.T) {
	if RouteTTL(SourcePre) != SourceTTLPre {
		t.Error("pre-graduation source should use the short TTL")
	}
	if RouteTTL(SourcePost) != SourceTTLPost {
		t.Error("post-graduation source should use the long TTL")
	}
}

func TestRouteVaults(t *testing.T) {
	c := newTestPriceCache()
	ctx := context.Background()

	c.SetRoute(ctx, "tok", "cpmm", SourceTTLPost)
	c.SetRouteVaults(ctx, "cpmm", "tok", `{"base":"x","quote":"y"}`)

	route, ok := c.GetRoute(ctx, "tok")
	if !ok || route != "cpmm" {
		t.Errorf("GetRoute = (%q, %v)", route, ok)
	}
	blob, ok := c.GetRouteVaults(ctx, "cpmm", "tok")
	if !ok || blob == "" {
		t.Error("vault blob missing")
	}

	c.ClearRoute(ctx, "tok")
	if _, ok := c.GetRoute(ctx, "tok"); ok {
		t.Error("route not cleared")
	}
}
