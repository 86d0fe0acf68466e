package filter

import (
	"context"
	"testing"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/database"
)

const nativeMint = "So11111111111111111111111111111111111111112"

func snapshotWithActors(n int, volume, influence float64, recent bool, kinds ...string) *database.MindmapSnapshot {
	snap := &database.MindmapSnapshot{
		ActorConnections: make(map[string]*database.ActorConnection),
		LastUpdate:       time.Now(),
	}
	lastTrade := time.Now().Add(-10 * time.Minute)
	if recent {
		lastTrade = time.Now()
	}
	for i := 0; i < n; i++ {
		snap.ActorConnections[string(rune('a'+i))] = &database.ActorConnection{
			TradeCount:     1,
			TotalVolume:    volume,
			LastTradeTime:  lastTrade,
			InfluenceScore: influence,
			TradeKinds:     kinds,
		}
	}
	snap.NetworkMetrics.TotalTrades = n
	return snap
}

func TestZeroConnections(t *testing.T) {
	cfg := config.FilterConfig{MinInfluenceScore: 50}
	e := NewEngine(cfg, nativeMint, nil)

	snap := &database.MindmapSnapshot{ActorConnections: map[string]*database.ActorConnection{}}
	res := e.Evaluate(context.Background(), "tok", snap)

	if res.Passed {
		t.Fatal("empty snapshot passed")
	}
	if res.Metrics.AvgInfluence != 0 || res.Metrics.ConsensusScore != 0 {
		t.Errorf("metrics = %+v, want zero influence and consensus", res.Metrics)
	}
}

func TestNativeQuoteAlwaysRejected(t *testing.T) {
	e := NewEngine(config.FilterConfig{}, nativeMint, nil)
	snap := snapshotWithActors(10, 10000, 90, true, "buy")

	res := e.Evaluate(context.Background(), nativeMint, snap)
	if res.Passed {
		t.Fatal("native quote token passed the filter")
	}
}

func TestThresholdRejectionWithoutSignals(t *testing.T) {
	cfg := config.FilterConfig{
		MinTradeVolume:     10000,
		MinConnectedActors: 5,
		MinInfluenceScore:  50,
	}
	e := NewEngine(cfg, nativeMint, nil)

	// Old trades: no viral signal, volume under threshold.
	snap := snapshotWithActors(5, 100, 60, false, "buy")
	res := e.Evaluate(context.Background(), "tok", snap)

	if res.Passed {
		t.Fatal("under-volume snapshot passed without a signal override")
	}
	if len(res.Signals) != 0 {
		t.Errorf("unexpected signals: %v", res.Signals)
	}
}

func TestViralSpikeOverridesVolumeThreshold(t *testing.T) {
	cfg := config.FilterConfig{
		MinTradeVolume:     10000,
		MinConnectedActors: 5,
		MinInfluenceScore:  50,
		MinViralVelocity:   5,
	}
	e := NewEngine(cfg, nativeMint, nil)

	// 5 actors, all traded within the last minute, influence 60,
	// volume 100 each: total 500, far below the volume threshold.
	snap := snapshotWithActors(5, 100, 60, true, "buy")
	res := e.Evaluate(context.Background(), "tok", snap)

	if !res.Passed {
		t.Fatalf("signal override did not pass: reason=%q", res.Reason)
	}
	if !hasSignal(res.Signals, SignalViralSpike) {
		t.Errorf("signals = %v, want VIRAL_SPIKE", res.Signals)
	}
	if res.Metrics.TotalVolume != 500 {
		t.Errorf("totalVolume = %v, want 500", res.Metrics.TotalVolume)
	}
}

func TestSignalOverrideStillEnforcesInfluenceFloor(t *testing.T) {
	cfg := config.FilterConfig{
		MinInfluenceScore: 50,
		MinViralVelocity:  3,
	}
	e := NewEngine(cfg, nativeMint, nil)

	snap := snapshotWithActors(5, 100, 30, true, "buy")
	res := e.Evaluate(context.Background(), "tok", snap)

	if res.Passed {
		t.Fatal("low-influence snapshot passed despite the quality floor")
	}
}

func TestHighConsensusNeedsThreeActors(t *testing.T) {
	cfg := config.FilterConfig{MinConsensusScore: 70}
	e := NewEngine(cfg, nativeMint, nil)

	two := snapshotWithActors(2, 100, 60, false, "buy")
	if res := e.Evaluate(context.Background(), "tok", two); hasSignal(res.Signals, SignalHighConsensus) {
		t.Error("HIGH_CONSENSUS emitted with only 2 actors")
	}

	three := snapshotWithActors(3, 100, 60, false, "buy")
	if res := e.Evaluate(context.Background(), "tok", three); !hasSignal(res.Signals, SignalHighConsensus) {
		t.Error("HIGH_CONSENSUS not emitted with 3 unanimous buyers")
	}
}

func TestSmartMoneySignal(t *testing.T) {
	cfg := config.FilterConfig{RequireSmartMoney: true}
	e := NewEngine(cfg, nativeMint, nil)

	// Influence 90 -> weighted volume is 0.9 of total, above the 0.6 share.
	snap := snapshotWithActors(3, 1000, 90, false, "buy")
	res := e.Evaluate(context.Background(), "tok", snap)
	if !hasSignal(res.Signals, SignalSmartMoney) {
		t.Errorf("signals = %v, want SMART_MONEY", res.Signals)
	}

	// Influence 30 -> weighted share 0.3, no signal.
	weak := snapshotWithActors(3, 1000, 30, false, "buy")
	res = e.Evaluate(context.Background(), "tok", weak)
	if hasSignal(res.Signals, SignalSmartMoney) {
		t.Errorf("signals = %v, SMART_MONEY unexpected", res.Signals)
	}
}

func TestMetricsComputation(t *testing.T) {
	snap := &database.MindmapSnapshot{
		ActorConnections: map[string]*database.ActorConnection{
			"a": {TotalVolume: 100, InfluenceScore: 80, LastTradeTime: time.Now(), TradeKinds: []string{"buy"}},
			"b": {TotalVolume: 300, InfluenceScore: 40, LastTradeTime: time.Now().Add(-5 * time.Minute), TradeKinds: []string{"sell"}},
		},
	}
	snap.NetworkMetrics.TotalTrades = 7

	m := ComputeMetrics(snap, time.Now())
	if m.TotalVolume != 400 {
		t.Errorf("totalVolume = %v", m.TotalVolume)
	}
	if m.ConnectedActors != 2 {
		t.Errorf("connectedActors = %v", m.ConnectedActors)
	}
	if m.AvgInfluence != 60 {
		t.Errorf("avgInfluence = %v", m.AvgInfluence)
	}
	if m.TotalTrades != 7 {
		t.Errorf("totalTrades = %v", m.TotalTrades)
	}
	if m.ViralVelocity != 1 {
		t.Errorf("viralVelocity = %v", m.ViralVelocity)
	}
	// 100*0.8 + 300*0.4 = 200
	if m.WeightedVolume != 200 {
		t.Errorf("weightedVolume = %v", m.WeightedVolume)
	}
	if m.ConsensusScore != 50 {
		t.Errorf("consensusScore = %v", m.ConsensusScore)
	}
}

type failingVerifier struct{}

func (failingVerifier) MarketCapAndLiquidity(ctx context.Context, mint string) (float64, float64, error) {
	return 0, 0, context.DeadlineExceeded
}

func TestOnChainVerificationFailureRejects(t *testing.T) {
	cfg := config.FilterConfig{MinMarketCapUSD: 1000}
	e := NewEngine(cfg, nativeMint, failingVerifier{})

	snap := snapshotWithActors(5, 1000, 80, false, "buy")
	res := e.Evaluate(context.Background(), "tok", snap)

	if res.Passed {
		t.Fatal("passed despite verification failure")
	}
	if res.Reason != "on-chain verification failed" {
		t.Errorf("reason = %q", res.Reason)
	}
}

func hasSignal(signals []string, want string) bool {
	for _, s := range signals {
		if s == want {
			return true
		}
	}
	return false
}
