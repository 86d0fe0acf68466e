package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/filter"
	"mindmap-trading-bot/internal/stream"
)

const nativeMint = config.DefaultNativeQuoteMint

type mockPredictor struct {
	calls   int
	approve bool
}

func (m *mockPredictor) Evaluate(ctx context.Context, mint string) (*database.Prediction, bool) {
	m.calls++
	if !m.approve {
		return nil, false
	}
	return &database.Prediction{ClassLabel: "good", Confidence: 90, Approved: true}, true
}

type mockBuyer struct {
	calls []string
}

func (m *mockBuyer) Buy(ctx context.Context, mint string, pred *database.Prediction) (*database.Position, error) {
	m.calls = append(m.calls, mint)
	return &database.Position{ID: "pos-" + mint, TokenMint: mint}, nil
}

type env struct {
	mindmaps  *cache.MindmapCache
	predictor *mockPredictor
	buyer     *mockBuyer
	orch      *Orchestrator
}

func newEnv(approve bool) *env {
	mindmaps := cache.NewMindmapCache(cache.NewStore(nil))
	// Thresholds low enough that a modest snapshot passes.
	engine := filter.NewEngine(config.FilterConfig{
		MinTradeVolume:     100,
		MinConnectedActors: 1,
	}, nativeMint, nil)
	predictor := &mockPredictor{approve: approve}
	buyer := &mockBuyer{}
	return &env{
		mindmaps:  mindmaps,
		predictor: predictor,
		buyer:     buyer,
		orch:      New(mindmaps, engine, predictor, buyer, nativeMint),
	}
}

func passingSnapshot() *database.MindmapSnapshot {
	return &database.MindmapSnapshot{
		ActorConnections: map[string]*database.ActorConnection{
			"kol1": {TradeCount: 3, TotalVolume: 500, InfluenceScore: 80,
				LastTradeTime: time.Now(), TradeKinds: []string{"buy"}},
		},
		NetworkMetrics: database.NetworkMetrics{TotalTrades: 3},
		LastUpdate:     time.Now(),
	}
}

func TestMindmapUpdateTriggersBuy(t *testing.T) {
	e := newEnv(true)
	ctx := context.Background()

	e.orch.HandleMindmapUpdate(ctx, &stream.MindmapUpdate{
		TokenMint: "tokX",
		Snapshot:  passingSnapshot(),
		Timestamp: time.Now(),
	})

	if len(e.buyer.calls) != 1 || e.buyer.calls[0] != "tokX" {
		t.Fatalf("buyer calls = %v, want [tokX]", e.buyer.calls)
	}
	if _, ok := e.mindmaps.GetSnapshot(ctx, "tokX"); !ok {
		t.Error("snapshot not cached")
	}
}

func TestNativeQuoteSkipped(t *testing.T) {
	e := newEnv(true)

	e.orch.HandleMindmapUpdate(context.Background(), &stream.MindmapUpdate{
		TokenMint: nativeMint,
		Snapshot:  passingSnapshot(),
	})

	if len(e.buyer.calls) != 0 {
		t.Error("buy attempted on the native quote token")
	}
	if e.predictor.calls != 0 {
		t.Error("prediction called for the native quote token")
	}
}

func TestProcessedTokenSkipsPipeline(t *testing.T) {
	e := newEnv(true)
	ctx := context.Background()
	e.mindmaps.MarkProcessed(ctx, "tokX")

	e.orch.HandleMindmapUpdate(ctx, &stream.MindmapUpdate{
		TokenMint: "tokX",
		Snapshot:  passingSnapshot(),
	})

	if e.predictor.calls != 0 || len(e.buyer.calls) != 0 {
		t.Error("processed token was re-evaluated")
	}
	// Snapshot is still refreshed for the dashboard's benefit.
	if _, ok := e.mindmaps.GetSnapshot(ctx, "tokX"); !ok {
		t.Error("snapshot missing after processed-token update")
	}
}

func TestDuplicateMindmapUpdatesAreIdempotent(t *testing.T) {
	e := newEnv(false)
	ctx := context.Background()
	update := &stream.MindmapUpdate{TokenMint: "tokX", Snapshot: passingSnapshot()}

	e.orch.HandleMindmapUpdate(ctx, update)
	first, _ := e.mindmaps.GetSnapshot(ctx, "tokX")

	e.orch.HandleMindmapUpdate(ctx, update)
	second, _ := e.mindmaps.GetSnapshot(ctx, "tokX")

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("identical deliveries produced different snapshot state")
	}
}

func TestActorTradeUpdateMutatesSnapshot(t *testing.T) {
	e := newEnv(false)
	ctx := context.Background()

	e.mindmaps.SetSnapshot(ctx, "tokX", passingSnapshot())

	trade := stream.Trade{
		ID:        "t1",
		ActorID:   "kol2",
		Timestamp: time.Now(),
		TradeData: stream.TradeData{
			Mint:      "tokX",
			TokenIn:   nativeMint,
			TokenOut:  "tokX",
			AmountIn:  5,
			AmountOut: 5000,
			TradeKind: "buy",
		},
	}
	e.orch.HandleActorTradeUpdate(ctx, &stream.ActorTradeUpdate{Trade: trade})

	snap, ok := e.mindmaps.GetSnapshot(ctx, "tokX")
	if !ok {
		t.Fatal("snapshot missing")
	}

	conn, ok := snap.ActorConnections["kol2"]
	if !ok {
		t.Fatal("new actor connection not inserted")
	}
	if conn.TradeCount != 1 {
		t.Errorf("tradeCount = %d, want 1", conn.TradeCount)
	}
	// Buys add amountOut to volume.
	if conn.TotalVolume != 5000 {
		t.Errorf("totalVolume = %v, want 5000", conn.TotalVolume)
	}
	// influence = min(100, 10*1 + 5000/1000) = 15
	if conn.InfluenceScore != 15 {
		t.Errorf("influenceScore = %v, want 15", conn.InfluenceScore)
	}
	if !conn.HasTradeKind("buy") {
		t.Error("tradeKinds missing buy")
	}
	if snap.NetworkMetrics.TotalTrades != 4 {
		t.Errorf("totalTrades = %d, want 4", snap.NetworkMetrics.TotalTrades)
	}
}

func TestActorTradeInfluenceCapped(t *testing.T) {
	e := newEnv(false)
	ctx := context.Background()
	e.mindmaps.SetSnapshot(ctx, "tokX", passingSnapshot())

	trade := stream.Trade{
		ActorID:   "whale",
		Timestamp: time.Now(),
		TradeData: stream.TradeData{Mint: "tokX", AmountOut: 1e9, TradeKind: "buy"},
	}
	e.orch.HandleActorTradeUpdate(ctx, &stream.ActorTradeUpdate{Trade: trade})

	snap, _ := e.mindmaps.GetSnapshot(ctx, "tokX")
	if got := snap.ActorConnections["whale"].InfluenceScore; got != 100 {
		t.Errorf("influenceScore = %v, want capped at 100", got)
	}
}

func TestSellTradeAddsAmountIn(t *testing.T) {
	e := newEnv(false)
	ctx := context.Background()
	e.mindmaps.SetSnapshot(ctx, "tokX", passingSnapshot())

	trade := stream.Trade{
		ActorID:   "kol3",
		Timestamp: time.Now(),
		TradeData: stream.TradeData{
			Mint: "tokX", AmountIn: 2000, AmountOut: 3, TradeKind: "sell",
		},
	}
	e.orch.HandleActorTradeUpdate(ctx, &stream.ActorTradeUpdate{Trade: trade})

	snap, _ := e.mindmaps.GetSnapshot(ctx, "tokX")
	if got := snap.ActorConnections["kol3"].TotalVolume; got != 2000 {
		t.Errorf("totalVolume = %v, want amountIn 2000", got)
	}
}

func TestTradeForUncachedTokenIgnored(t *testing.T) {
	e := newEnv(false)
	ctx := context.Background()

	trade := stream.Trade{
		ActorID:   "kol1",
		Timestamp: time.Now(),
		TradeData: stream.TradeData{Mint: "unknown", AmountOut: 100, TradeKind: "buy"},
	}
	e.orch.HandleActorTradeUpdate(ctx, &stream.ActorTradeUpdate{Trade: trade})

	if _, ok := e.mindmaps.GetSnapshot(ctx, "unknown"); ok {
		t.Error("snapshot created for a token that was never ingested")
	}
}
