// Package orchestrator turns inbound signal events into admission
// evaluations and, on approval, buy orders. Snapshot ingest is
// idempotent (full overwrite); trade ingest is additive.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/filter"
	"mindmap-trading-bot/internal/logging"
	"mindmap-trading-bot/internal/stream"
)

// Predictor is the admission gate behind the filter.
type Predictor interface {
	Evaluate(ctx context.Context, mint string) (*database.Prediction, bool)
}

// Buyer opens positions for approved tokens.
type Buyer interface {
	Buy(ctx context.Context, mint string, prediction *database.Prediction) (*database.Position, error)
}

// Orchestrator implements stream.Handler.
type Orchestrator struct {
	mindmaps    *cache.MindmapCache
	filter      *filter.Engine
	predictor   Predictor
	buyer       Buyer
	nativeQuote string
	log         *logging.Logger
}

// New wires an Orchestrator.
func New(mindmaps *cache.MindmapCache, engine *filter.Engine, predictor Predictor, buyer Buyer, nativeQuote string) *Orchestrator {
	return &Orchestrator{
		mindmaps:    mindmaps,
		filter:      engine,
		predictor:   predictor,
		buyer:       buyer,
		nativeQuote: nativeQuote,
		log:         logging.WithComponent("orchestrator"),
	}
}

var _ stream.Handler = (*Orchestrator)(nil)

// HandleMindmapUpdate overwrites the cached snapshot and runs the token
// through the admission pipeline unless it was already bought.
func (o *Orchestrator) HandleMindmapUpdate(ctx context.Context, update *stream.MindmapUpdate) {
	mint := update.TokenMint
	if mint == "" || mint == o.nativeQuote {
		return
	}

	o.mindmaps.SetSnapshot(ctx, mint, update.Snapshot)

	if o.mindmaps.IsProcessed(ctx, mint) {
		return
	}

	result := o.filter.Evaluate(ctx, mint, update.Snapshot)
	if !result.Passed {
		o.log.Debug("filter rejected token", "mint", mint, "reason", result.Reason)
		return
	}

	pred, approved := o.predictor.Evaluate(ctx, mint)
	if !approved {
		return
	}

	pos, err := o.buyer.Buy(ctx, mint, pred)
	if err != nil {
		if errors.Is(err, errs.ErrDuplicate) {
			o.log.Debug("buy already in progress", "mint", mint)
			return
		}
		o.log.Error("buy failed", "mint", mint, "error", err)
		return
	}

	o.log.Info("position opened from mindmap signal",
		"mint", mint, "position_id", pos.ID,
		"metrics_volume", result.Metrics.TotalVolume,
		"signals", result.Signals)
}

// HandleActorTradeUpdate folds one actor trade into every affected token's
// cached snapshot. Duplicate deliveries inflate the aggregates; the
// producer owns deduplication.
func (o *Orchestrator) HandleActorTradeUpdate(ctx context.Context, update *stream.ActorTradeUpdate) {
	trade := update.Trade
	if trade.ActorID == "" {
		return
	}

	for _, mint := range o.affectedTokens(trade.TradeData) {
		snap, ok := o.mindmaps.GetSnapshot(ctx, mint)
		if !ok {
			continue
		}

		// Copy-on-write: concurrent filter evaluations keep reading the
		// previous snapshot.
		updated := snap.Clone()
		o.applyTrade(updated, trade)
		o.mindmaps.SetSnapshot(ctx, mint, updated)
	}
}

// affectedTokens collects the distinct non-quote tokens a trade touches.
func (o *Orchestrator) affectedTokens(td stream.TradeData) []string {
	seen := make(map[string]struct{}, 3)
	var out []string
	for _, mint := range []string{td.Mint, td.TokenIn, td.TokenOut} {
		if mint == "" || mint == o.nativeQuote {
			continue
		}
		if _, dup := seen[mint]; dup {
			continue
		}
		seen[mint] = struct{}{}
		out = append(out, mint)
	}
	return out
}

func (o *Orchestrator) applyTrade(snap *database.MindmapSnapshot, trade stream.Trade) {
	if snap.ActorConnections == nil {
		snap.ActorConnections = make(map[string]*database.ActorConnection)
	}

	conn, ok := snap.ActorConnections[trade.ActorID]
	if !ok {
		conn = &database.ActorConnection{}
		snap.ActorConnections[trade.ActorID] = conn
	}

	conn.TradeCount++
	if trade.TradeData.TradeKind == "buy" {
		conn.TotalVolume += trade.TradeData.AmountOut
	} else {
		conn.TotalVolume += trade.TradeData.AmountIn
	}
	if trade.Timestamp.After(conn.LastTradeTime) {
		conn.LastTradeTime = trade.Timestamp
	}
	conn.AddTradeKind(trade.TradeData.TradeKind)

	influence := 10*float64(conn.TradeCount) + conn.TotalVolume/1000
	if influence > 100 {
		influence = 100
	}
	conn.InfluenceScore = influence

	snap.NetworkMetrics.TotalTrades++
	snap.LastUpdate = time.Now()
}
