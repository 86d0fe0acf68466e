// Package filter decides whether a token's mindmap activity justifies a
// buy. Aggregate metrics are compared against configured thresholds, with
// strong signals allowed to override the quantitative gates.
package filter

import (
	"context"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/logging"
)

// Signals emitted when the graph shows unusually strong activity.
const (
	SignalViralSpike    = "VIRAL_SPIKE"
	SignalSmartMoney    = "SMART_MONEY"
	SignalHighConsensus = "HIGH_CONSENSUS"
)

// viralWindow is the recency window for the viral-velocity count.
const viralWindow = 60 * time.Second

// smartMoneyShare is the weighted-volume share above which the volume is
// considered to come from high-influence actors.
const smartMoneyShare = 0.6

// Metrics are the aggregates computed from one snapshot.
type Metrics struct {
	TotalVolume     float64 `json:"total_volume"`
	ConnectedActors int     `json:"connected_actors"`
	AvgInfluence    float64 `json:"avg_influence"`
	TotalTrades     int     `json:"total_trades"`
	ViralVelocity   int     `json:"viral_velocity"`
	WeightedVolume  float64 `json:"weighted_volume"`
	ConsensusScore  float64 `json:"consensus_score"`
}

// Result is the admission decision for one evaluation.
type Result struct {
	Passed  bool     `json:"passed"`
	Reason  string   `json:"reason,omitempty"`
	Metrics Metrics  `json:"metrics"`
	Signals []string `json:"signals,omitempty"`
}

// ChainVerifier supplies the optional on-chain market-cap and liquidity
// check. Implemented against the price oracle.
type ChainVerifier interface {
	MarketCapAndLiquidity(ctx context.Context, mint string) (marketCapUSD, liquidityUSD float64, err error)
}

// Engine evaluates snapshots against the configured thresholds.
type Engine struct {
	cfg         config.FilterConfig
	nativeQuote string
	verifier    ChainVerifier
	log         *logging.Logger
}

// NewEngine builds an Engine. The verifier may be nil when market-cap and
// liquidity thresholds are unset.
func NewEngine(cfg config.FilterConfig, nativeQuote string, verifier ChainVerifier) *Engine {
	return &Engine{
		cfg:         cfg,
		nativeQuote: nativeQuote,
		verifier:    verifier,
		log:         logging.WithComponent("filter"),
	}
}

// ComputeMetrics aggregates one snapshot.
func ComputeMetrics(snap *database.MindmapSnapshot, now time.Time) Metrics {
	m := Metrics{
		ConnectedActors: len(snap.ActorConnections),
		TotalTrades:     snap.NetworkMetrics.TotalTrades,
	}

	buyers := 0
	influenceSum := 0.0
	recentCutoff := now.Add(-viralWindow)
	for _, c := range snap.ActorConnections {
		m.TotalVolume += c.TotalVolume
		influenceSum += c.InfluenceScore
		m.WeightedVolume += c.TotalVolume * (c.InfluenceScore / 100)
		if c.LastTradeTime.After(recentCutoff) {
			m.ViralVelocity++
		}
		if c.HasTradeKind("buy") {
			buyers++
		}
	}

	if m.ConnectedActors > 0 {
		m.AvgInfluence = influenceSum / float64(m.ConnectedActors)
		m.ConsensusScore = 100 * float64(buyers) / float64(m.ConnectedActors)
	}
	return m
}

// Evaluate returns the admission decision for a token's snapshot.
func (e *Engine) Evaluate(ctx context.Context, mint string, snap *database.MindmapSnapshot) Result {
	if mint == e.nativeQuote {
		return Result{Passed: false, Reason: "native quote token is never tradeable"}
	}

	m := ComputeMetrics(snap, time.Now())
	signals := e.signals(m)
	res := Result{Metrics: m, Signals: signals}

	// Quality floor applies whether or not signals fire.
	if m.AvgInfluence < e.cfg.MinInfluenceScore {
		res.Reason = "average influence below floor"
		return res
	}

	if len(signals) == 0 {
		switch {
		case m.TotalVolume < e.cfg.MinTradeVolume:
			res.Reason = "trade volume below threshold"
			return res
		case m.ConnectedActors < e.cfg.MinConnectedActors:
			res.Reason = "too few connected actors"
			return res
		case m.TotalTrades < e.cfg.MinTotalTrades:
			res.Reason = "too few total trades"
			return res
		}
	} else {
		e.log.Info("signal override active", "mint", mint, "signals", signals)
	}

	if e.cfg.MinMarketCapUSD > 0 || e.cfg.MinLiquidityUSD > 0 {
		if reason, ok := e.verifyOnChain(ctx, mint); !ok {
			res.Reason = reason
			return res
		}
	}

	res.Passed = true
	return res
}

func (e *Engine) signals(m Metrics) []string {
	var out []string
	if e.cfg.MinViralVelocity > 0 && m.ViralVelocity >= e.cfg.MinViralVelocity {
		out = append(out, SignalViralSpike)
	}
	if e.cfg.RequireSmartMoney && m.TotalVolume > 0 && m.WeightedVolume > smartMoneyShare*m.TotalVolume {
		out = append(out, SignalSmartMoney)
	}
	if e.cfg.MinConsensusScore > 0 && m.ConsensusScore >= e.cfg.MinConsensusScore && m.ConnectedActors >= 3 {
		out = append(out, SignalHighConsensus)
	}
	return out
}

// verifyOnChain checks market cap and liquidity. Any data-fetch failure is
// a rejection: a token we cannot verify is a token we do not buy.
func (e *Engine) verifyOnChain(ctx context.Context, mint string) (string, bool) {
	if e.verifier == nil {
		return "on-chain verification failed", false
	}

	marketCap, liquidity, err := e.verifier.MarketCapAndLiquidity(ctx, mint)
	if err != nil {
		e.log.Warn("on-chain verification failed", "mint", mint, "error", err)
		return "on-chain verification failed", false
	}
	if e.cfg.MinMarketCapUSD > 0 && marketCap < e.cfg.MinMarketCapUSD {
		return "market cap below threshold", false
	}
	if e.cfg.MinLiquidityUSD > 0 && liquidity < e.cfg.MinLiquidityUSD {
		return "liquidity below threshold", false
	}
	return "", true
}
