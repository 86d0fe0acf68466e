// Package executor performs the actual swaps. Buys are guarded twice: an
// in-process set stops redundant lock traffic, and a distributed lock in
// the shared store stops duplicate buys across engine instances.
package executor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"mindmap-trading-bot/config"
	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/swap"

	"github.com/rs/zerolog"
)

const (
	// buyLockTTL bounds how long a crashed instance can hold a token lock.
	buyLockTTL = 60 * time.Second

	// Priority fee bounds, in the fee asset.
	minPriorityFee = 0.0001
	maxPriorityFee = 0.01

	// feeSampleCount and feeCacheTTL shape the dynamic fee estimate.
	feeSampleCount = 20
	feeCacheTTL    = 5 * time.Second
)

const buyLockPrefix = "lock:buy"

// FeeSource supplies recent priority-fee samples, newest first.
type FeeSource interface {
	RecentPriorityFees(ctx context.Context, limit int) ([]float64, error)
}

// BalanceSource reports the wallet's spendable quote-asset balance.
type BalanceSource interface {
	QuoteBalance(ctx context.Context) (float64, error)
}

// Executor opens and closes positions through the swap backend.
type Executor struct {
	store    *database.PositionStore
	kv       *cache.Store
	mindmaps *cache.MindmapCache
	backend  swap.Backend
	fees     FeeSource
	balance  BalanceSource

	trading config.TradingConfig
	risk    config.RiskConfig
	sim     bool

	// In-process buy guard; the distributed lock sits behind it.
	buyMu    sync.Mutex
	inFlight map[string]struct{}

	// Cached fee estimate.
	feeMu       sync.Mutex
	cachedFee   float64
	feeCachedAt time.Time

	audit zerolog.Logger
}

// New wires an Executor.
func New(
	store *database.PositionStore,
	kv *cache.Store,
	mindmaps *cache.MindmapCache,
	backend swap.Backend,
	fees FeeSource,
	balance BalanceSource,
	trading config.TradingConfig,
	risk config.RiskConfig,
	simulation bool,
) *Executor {
	audit := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("component", "executor").Logger()

	return &Executor{
		store:    store,
		kv:       kv,
		mindmaps: mindmaps,
		backend:  backend,
		fees:     fees,
		balance:  balance,
		trading:  trading,
		risk:     risk,
		sim:      simulation,
		inFlight: make(map[string]struct{}),
		audit:    audit,
	}
}

func buyLockKey(mint string) string { return fmt.Sprintf("%s:%s", buyLockPrefix, mint) }

// Buy opens a position in the token. Exactly one concurrent caller wins;
// the rest get ErrDuplicate without touching the swap backend. Buy never
// retries a failed swap.
func (e *Executor) Buy(ctx context.Context, mint string, prediction *database.Prediction) (*database.Position, error) {
	if !e.tryInProcess(mint) {
		return nil, errs.ErrDuplicate
	}
	defer e.releaseInProcess(mint)

	if !e.kv.SetNX(ctx, buyLockKey(mint), "1", buyLockTTL) {
		e.audit.Warn().Str("mint", mint).Msg("buy lock already held")
		return nil, errs.ErrDuplicate
	}
	defer e.kv.Delete(ctx, buyLockKey(mint))

	if !e.trading.AllowAdditionalEntries {
		open, err := e.store.GetByToken(ctx, mint, database.PositionStatusOpen)
		if err == nil && len(open) > 0 {
			return nil, errs.ErrDuplicate
		}
	}

	amount := e.trading.BuyAmount
	bal, err := e.balance.QuoteBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("balance check: %w", err)
	}
	if bal < amount {
		return nil, fmt.Errorf("%w: have %.6f, need %.6f", errs.ErrInsufficientBalance, bal, amount)
	}

	fee := e.priorityFee(ctx)

	result, err := e.backend.Buy(ctx, mint, amount, e.trading.SlippagePct, fee)
	if err != nil {
		return nil, &errs.TradeExecutionError{Side: "buy", Mint: mint, Err: err}
	}
	if !result.Success {
		e.audit.Error().Str("mint", mint).Str("message", result.Message).Msg("buy swap rejected")
		return nil, &errs.TradeExecutionError{Side: "buy", Mint: mint,
			Err: fmt.Errorf("swap rejected: %s", result.Message)}
	}

	pos, err := e.store.CreateOpen(ctx, database.CreateParams{
		AgentID:        e.trading.AgentID,
		TokenMint:      mint,
		IsSimulation:   e.sim,
		Prediction:     prediction,
		EntryPrice:     result.ExecutionPrice,
		EntryAmount:    result.AmountOut,
		BuyTxID:        result.TxID,
		SellConditions: e.sellConditions(),
	})
	if err != nil {
		// The swap landed but the position write failed. Surface it loudly;
		// a retry here could double-buy.
		e.audit.Error().Str("mint", mint).Str("tx", result.TxID).Err(err).
			Msg("swap executed but position write failed")
		return nil, err
	}

	e.mindmaps.MarkProcessed(ctx, mint)
	e.mindmaps.DeleteSnapshot(ctx, mint)

	e.audit.Info().
		Str("mint", mint).
		Str("position_id", pos.ID).
		Float64("entry_price", pos.EntryPrice).
		Float64("entry_amount", pos.EntryAmount).
		Float64("priority_fee", fee).
		Bool("simulation", e.sim).
		Msg("position opened")
	return pos, nil
}

// Sell executes a close swap for the position's full size.
func (e *Executor) Sell(ctx context.Context, pos *database.Position) (*swap.SellResult, error) {
	fee := e.priorityFee(ctx)

	result, err := e.backend.Sell(ctx, pos.TokenMint, pos.EntryAmount, e.trading.SlippagePct, fee)
	if err != nil {
		return nil, &errs.TradeExecutionError{Side: "sell", Mint: pos.TokenMint, Err: err}
	}

	e.audit.Info().
		Str("mint", pos.TokenMint).
		Str("position_id", pos.ID).
		Bool("success", result.Success).
		Float64("execution_price", result.ExecutionPrice).
		Msg("sell swap executed")
	return result, nil
}

func (e *Executor) tryInProcess(mint string) bool {
	e.buyMu.Lock()
	defer e.buyMu.Unlock()
	if _, busy := e.inFlight[mint]; busy {
		return false
	}
	e.inFlight[mint] = struct{}{}
	return true
}

func (e *Executor) releaseInProcess(mint string) {
	e.buyMu.Lock()
	delete(e.inFlight, mint)
	e.buyMu.Unlock()
}

func (e *Executor) sellConditions() database.SellConditions {
	sc := database.SellConditions{}
	if e.risk.TakeProfitPct > 0 {
		tp := e.risk.TakeProfitPct
		sc.TakeProfitPct = &tp
	}
	if e.risk.StopLossPct > 0 {
		sl := e.risk.StopLossPct
		sc.StopLossPct = &sl
	}
	if e.risk.TrailingStopEnabled && e.risk.TrailingStopPct > 0 {
		ts := e.risk.TrailingStopPct
		sc.TrailingStopPct = &ts
	}
	if e.risk.MaxHoldMinutes > 0 {
		mh := e.risk.MaxHoldMinutes
		sc.MaxHoldMinutes = &mh
	}
	return sc
}

// priorityFee estimates the fee as the 75th percentile of the most recent
// samples, skipping zeros, clamped to the configured bounds. The estimate
// is cached briefly since fee markets move slower than our tick rate.
func (e *Executor) priorityFee(ctx context.Context) float64 {
	e.feeMu.Lock()
	defer e.feeMu.Unlock()

	if time.Since(e.feeCachedAt) < feeCacheTTL && e.cachedFee > 0 {
		return e.cachedFee
	}

	fee := minPriorityFee
	samples, err := e.fees.RecentPriorityFees(ctx, feeSampleCount)
	if err != nil {
		e.audit.Warn().Err(err).Msg("fee sample fetch failed, using minimum")
	} else {
		if p := percentile75(samples); p > 0 {
			fee = p
		}
	}

	if fee < minPriorityFee {
		fee = minPriorityFee
	}
	if fee > maxPriorityFee {
		fee = maxPriorityFee
	}

	e.cachedFee = fee
	e.feeCachedAt = time.Now()
	return fee
}

// percentile75 takes the newest non-zero samples and returns their 75th
// percentile. Zero when no usable samples exist.
func percentile75(samples []float64) float64 {
	nonZero := make([]float64, 0, len(samples))
	for _, s := range samples {
		if s > 0 {
			nonZero = append(nonZero, s)
		}
		if len(nonZero) == feeSampleCount {
			break
		}
	}
	if len(nonZero) == 0 {
		return 0
	}

	sort.Float64s(nonZero)
	idx := (len(nonZero) * 75) / 100
	if idx >= len(nonZero) {
		idx = len(nonZero) - 1
	}
	return nonZero[idx]
}
