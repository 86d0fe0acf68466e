// Package watcher manages open positions to exit. Every tick it refreshes
// monitoring interest, pulls the latest cached price, steps the trailing
// stop, and evaluates the exit rules in priority order.
package watcher

import (
	"context"
	"os"
	"sync"
	"time"

	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/events"
	"mindmap-trading-bot/internal/swap"

	"github.com/rs/zerolog"
)

const (
	// TickInterval drives the evaluation loop.
	TickInterval = 100 * time.Millisecond

	// heartbeatInterval paces the open-position count log.
	heartbeatInterval = 60 * time.Second
)

// Exit reasons, also persisted as Position.SellReason.
const (
	ReasonStopLoss     = "stop loss"
	ReasonTakeProfit   = "take profit"
	ReasonSteppedStop  = "stepped stop"
	ReasonTrailingStop = "trailing stop"
	ReasonMaxHold      = "max hold time reached"
	ReasonPricingError = "token pricing error"
)

// Seller executes the close swap for a position.
type Seller interface {
	Sell(ctx context.Context, pos *database.Position) (*swap.SellResult, error)
}

// Watcher runs the position lifecycle loop.
type Watcher struct {
	store  *database.PositionStore
	prices *cache.PriceCache
	seller Seller
	bus    *events.Bus

	// Positions with a sell already in flight; overlapping ticks skip them.
	inFlightMu sync.Mutex
	inFlight   map[string]struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	audit zerolog.Logger
}

// New wires a Watcher.
func New(store *database.PositionStore, prices *cache.PriceCache, seller Seller, bus *events.Bus) *Watcher {
	audit := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "watcher").Logger()

	return &Watcher{
		store:    store,
		prices:   prices,
		seller:   seller,
		bus:      bus,
		inFlight: make(map[string]struct{}),
		audit:    audit,
	}
}

// Start launches the tick loop and the heartbeat. Idempotent while running.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.loop(ctx)
	go w.heartbeat(ctx)
	w.audit.Info().Msg("position watcher started")
}

// Stop cancels the loops and waits for in-flight sells to finish.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		w.wg.Wait()
		w.audit.Info().Msg("position watcher stopped")
	}
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) heartbeat(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open, _ := w.store.ListOpen(ctx, "")
			w.audit.Info().Int("open_positions", len(open)).Msg("heartbeat")
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	open, err := w.store.ListOpen(ctx, "")
	if err != nil {
		w.audit.Error().Err(err).Msg("failed to list open positions")
		return
	}

	// Keep the monitor polling every live token.
	for _, pos := range open {
		w.prices.AddInterest(ctx, pos.TokenMint, cache.InterestTTL)
	}

	for _, pos := range open {
		w.evaluate(ctx, pos)
	}
}

func (w *Watcher) evaluate(ctx context.Context, pos *database.Position) {
	if w.isInFlight(pos.ID) {
		return
	}

	// Max hold runs before the price fetch: stale pricing must never delay
	// a time-based exit.
	if mh := pos.SellConditions.MaxHoldMinutes; mh != nil && *mh > 0 {
		if pos.HeldFor(time.Now()) >= time.Duration(*mh)*time.Minute {
			w.audit.Warn().Str("position_id", pos.ID).Str("mint", pos.TokenMint).
				Msg("max hold time reached")
			w.queueSell(ctx, pos, ReasonMaxHold)
			return
		}
	}

	price, ok := w.prices.GetPrice(ctx, pos.TokenMint)
	if !ok {
		if w.prices.HasError(ctx, pos.TokenMint) {
			// Pricing is persistently broken for this token; close at zero
			// rather than babysit a position we cannot value.
			w.forceClose(ctx, pos, 0, ReasonPricingError)
		}
		return
	}

	pos.CurrentPrice = price
	pos.LastPriceUpdate = time.Now()
	if price > pos.HighestPrice {
		pos.HighestPrice = price
	}
	if price < pos.LowestPrice {
		pos.LowestPrice = price
	}

	w.stepTrailing(pos, price)

	if err := w.store.Replace(ctx, pos); err != nil {
		w.audit.Error().Str("position_id", pos.ID).Err(err).Msg("failed to persist position update")
		return
	}
	if w.bus != nil {
		w.bus.PublishPriceUpdate(pos.TokenMint, price)
	}

	if reason, exit := w.exitReason(pos, price); exit {
		w.queueSell(ctx, pos, reason)
	}
}

// stepTrailing advances the stepped trailing-stop state machine. Requires
// both a take-profit and a trailing percentage; a zero entry price can
// never activate it.
func (w *Watcher) stepTrailing(pos *database.Position, price float64) {
	sc := &pos.SellConditions
	if sc.TakeProfitPct == nil || sc.TrailingStopPct == nil {
		return
	}

	tp := *sc.TakeProfitPct
	trail := *sc.TrailingStopPct

	if !sc.TrailingStopActivated {
		if database.PnLPct(pos.EntryPrice, price) >= tp {
			sc.TrailingStopActivated = true
			sc.StepLevel = 1
			stop := price * (1 - trail/100)
			next := price * (1 + tp/100)
			sc.CurrStopPrice = &stop
			sc.NextTargetPrice = &next
			w.audit.Info().Str("position_id", pos.ID).
				Float64("stop", stop).Float64("next_target", next).
				Msg("trailing stop activated")
		}
		return
	}

	if sc.NextTargetPrice != nil && price >= *sc.NextTargetPrice {
		sc.StepLevel++
		stop := price * (1 - trail/100)
		next := price * (1 + tp/100)
		sc.CurrStopPrice = &stop
		sc.NextTargetPrice = &next
		w.audit.Info().Str("position_id", pos.ID).Int("step", sc.StepLevel).
			Float64("stop", stop).Float64("next_target", next).
			Msg("trailing stop stepped up")
	}
}

// exitReason evaluates the exit rules in priority order; first match wins.
func (w *Watcher) exitReason(pos *database.Position, price float64) (string, bool) {
	sc := pos.SellConditions
	pctChange := database.PnLPct(pos.EntryPrice, price)

	if sc.StopLossPct != nil && pctChange <= -*sc.StopLossPct {
		return ReasonStopLoss, true
	}
	if sc.TakeProfitPct != nil && sc.TrailingStopPct == nil && pctChange >= *sc.TakeProfitPct {
		return ReasonTakeProfit, true
	}
	if sc.TrailingStopActivated && sc.CurrStopPrice != nil && price <= *sc.CurrStopPrice {
		return ReasonSteppedStop, true
	}
	if sc.TrailingStopPct != nil && sc.TakeProfitPct == nil && pos.HighestPrice > 0 {
		drawdown := (price - pos.HighestPrice) / pos.HighestPrice * 100
		if drawdown <= -*sc.TrailingStopPct {
			return ReasonTrailingStop, true
		}
	}
	return "", false
}

// queueSell marks the position in flight and runs the sell on its own
// goroutine so a slow swap cannot stall the tick.
func (w *Watcher) queueSell(ctx context.Context, pos *database.Position, reason string) {
	if !w.markInFlight(pos.ID) {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.clearInFlight(pos.ID)
		w.executeSell(ctx, pos, reason)
	}()
}

func (w *Watcher) executeSell(ctx context.Context, pos *database.Position, reason string) {
	w.audit.Info().Str("position_id", pos.ID).Str("mint", pos.TokenMint).
		Str("reason", reason).Msg("selling position")

	result, err := w.seller.Sell(ctx, pos)
	if err != nil {
		if errs.IsNoBalance(err.Error()) {
			w.forceClose(ctx, pos, pos.CurrentPrice, reason)
			return
		}
		if reason == ReasonMaxHold {
			// Time-based exits do not wait for the market to cooperate.
			w.forceClose(ctx, pos, w.lastKnownPrice(ctx, pos), reason)
			return
		}
		// Left open; the next tick retries.
		w.audit.Error().Str("position_id", pos.ID).Err(err).Msg("sell failed, will retry")
		return
	}
	if !result.Success {
		if errs.IsNoBalance(result.Message) {
			// The tokens are already gone; close the book entry so we stop
			// retrying forever.
			w.forceClose(ctx, pos, pos.CurrentPrice, reason)
			return
		}
		if reason == ReasonMaxHold {
			w.forceClose(ctx, pos, w.lastKnownPrice(ctx, pos), reason)
			return
		}
		w.audit.Error().Str("position_id", pos.ID).Str("message", result.Message).
			Msg("sell rejected, will retry")
		return
	}

	closed, err := w.store.Close(ctx, pos.ID, result.ExecutionPrice, pos.EntryAmount, result.TxID, reason)
	if err != nil {
		w.audit.Error().Str("position_id", pos.ID).Err(err).Msg("failed to close position after sell")
		return
	}

	w.audit.Info().
		Str("position_id", closed.ID).
		Str("mint", closed.TokenMint).
		Str("reason", reason).
		Float64("exit_price", result.ExecutionPrice).
		Float64("pnl", derefF(closed.RealizedPnL)).
		Float64("pnl_pct", derefF(closed.RealizedPnLPct)).
		Msg("position closed")
}

// lastKnownPrice returns the cached price, the position's last observed
// price, or zero.
func (w *Watcher) lastKnownPrice(ctx context.Context, pos *database.Position) float64 {
	if price, ok := w.prices.GetPrice(ctx, pos.TokenMint); ok {
		return price
	}
	return pos.CurrentPrice
}

// forceClose records a close without a swap. Used when pricing is broken or
// the wallet no longer holds the tokens.
func (w *Watcher) forceClose(ctx context.Context, pos *database.Position, exitPrice float64, reason string) {
	if _, err := w.store.Close(ctx, pos.ID, exitPrice, pos.EntryAmount, "", reason); err != nil {
		w.audit.Error().Str("position_id", pos.ID).Err(err).Msg("force close failed")
		return
	}
	w.audit.Warn().Str("position_id", pos.ID).Str("mint", pos.TokenMint).
		Str("reason", reason).Float64("exit_price", exitPrice).Msg("position force closed")
}

func (w *Watcher) isInFlight(id string) bool {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	_, ok := w.inFlight[id]
	return ok
}

func (w *Watcher) markInFlight(id string) bool {
	w.inFlightMu.Lock()
	defer w.inFlightMu.Unlock()
	if _, busy := w.inFlight[id]; busy {
		return false
	}
	w.inFlight[id] = struct{}{}
	return true
}

func (w *Watcher) clearInFlight(id string) {
	w.inFlightMu.Lock()
	delete(w.inFlight, id)
	w.inFlightMu.Unlock()
}

func derefF(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
