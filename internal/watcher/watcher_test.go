package watcher

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"mindmap-trading-bot/internal/cache"
	"mindmap-trading-bot/internal/database"
	"mindmap-trading-bot/internal/swap"
)

// fakeSeller scripts the swap outcome and records sells.
type fakeSeller struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	message string
	price   float64
}

func (f *fakeSeller) Sell(ctx context.Context, pos *database.Position) (*swap.SellResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return &swap.SellResult{Success: false, Message: f.message}, nil
	}
	price := f.price
	if price == 0 {
		price = pos.CurrentPrice
	}
	return &swap.SellResult{
		Success:        true,
		ExecutionPrice: price,
		AmountIn:       pos.EntryAmount * price,
		TxID:           "tx-sell",
	}, nil
}

func (f *fakeSeller) sellCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testEnv struct {
	store  *database.PositionStore
	prices *cache.PriceCache
	seller *fakeSeller
	w      *Watcher
}

func newEnv() *testEnv {
	store := database.NewPositionStore(nil, nil)
	prices := cache.NewPriceCache(cache.NewStore(nil))
	seller := &fakeSeller{}
	return &testEnv{
		store:  store,
		prices: prices,
		seller: seller,
		w:      New(store, prices, seller, nil),
	}
}

func (e *testEnv) open(t *testing.T, entryPrice, entryAmount float64, sc database.SellConditions) *database.Position {
	t.Helper()
	pos, err := e.store.CreateOpen(context.Background(), database.CreateParams{
		AgentID:        "engine",
		TokenMint:      "tok",
		EntryPrice:     entryPrice,
		EntryAmount:    entryAmount,
		SellConditions: sc,
	})
	if err != nil {
		t.Fatal(err)
	}
	return pos
}

// step feeds one price to the watcher and waits for any queued sell.
func (e *testEnv) step(t *testing.T, id string, price float64) *database.Position {
	t.Helper()
	ctx := context.Background()
	e.prices.SetPrice(ctx, "tok", price, cache.PriceTTL)

	pos, err := e.store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if pos.IsOpen() {
		e.w.evaluate(ctx, pos)
	}
	e.w.wg.Wait()

	got, err := e.store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func fp(v float64) *float64 { return &v }

func TestSteppedTrailingScenario(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 100, 100, database.SellConditions{
		TakeProfitPct:   fp(50),
		TrailingStopPct: fp(10),
	})

	got := e.step(t, pos.ID, 140)
	if got.SellConditions.TrailingStopActivated {
		t.Fatal("trailing activated below take-profit threshold")
	}
	if got.HighestPrice != 140 {
		t.Errorf("highestPrice = %v, want 140", got.HighestPrice)
	}

	got = e.step(t, pos.ID, 150)
	sc := got.SellConditions
	if !sc.TrailingStopActivated || sc.StepLevel != 1 {
		t.Fatalf("expected activation at step 1, got %+v", sc)
	}
	if !approx(*sc.CurrStopPrice, 135) {
		t.Errorf("currStopPrice = %v, want 135", *sc.CurrStopPrice)
	}
	if !approx(*sc.NextTargetPrice, 225) {
		t.Errorf("nextTargetPrice = %v, want 225", *sc.NextTargetPrice)
	}

	got = e.step(t, pos.ID, 200)
	if got.SellConditions.StepLevel != 1 {
		t.Errorf("stepLevel = %d after 200, want 1", got.SellConditions.StepLevel)
	}
	if !got.IsOpen() {
		t.Fatal("position closed at 200 with stop at 135")
	}

	got = e.step(t, pos.ID, 230)
	sc = got.SellConditions
	if sc.StepLevel != 2 {
		t.Fatalf("stepLevel = %d after 230, want 2", sc.StepLevel)
	}
	if !approx(*sc.CurrStopPrice, 207) {
		t.Errorf("currStopPrice = %v, want 207", *sc.CurrStopPrice)
	}
	if !approx(*sc.NextTargetPrice, 345) {
		t.Errorf("nextTargetPrice = %v, want 345", *sc.NextTargetPrice)
	}

	got = e.step(t, pos.ID, 200)
	if got.IsOpen() {
		t.Fatal("price 200 under stop 207 did not close the position")
	}
	if got.SellReason != ReasonSteppedStop {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonSteppedStop)
	}
	if e.seller.sellCount() != 1 {
		t.Errorf("seller called %d times, want 1", e.seller.sellCount())
	}
}

func TestStopLossScenario(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 1.00, 100, database.SellConditions{
		TakeProfitPct: fp(50),
		StopLossPct:   fp(20),
	})

	got := e.step(t, pos.ID, 0.80)
	if got.IsOpen() {
		t.Fatal("position still open after 20% drawdown")
	}
	if got.SellReason != ReasonStopLoss {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonStopLoss)
	}
	wantPnL := (0.80 - 1.00) * 100
	if !approx(*got.RealizedPnL, wantPnL) {
		t.Errorf("realizedPnL = %v, want %v", *got.RealizedPnL, wantPnL)
	}
}

func TestTakeProfitWithoutTrailing(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 100, 10, database.SellConditions{TakeProfitPct: fp(50)})

	got := e.step(t, pos.ID, 150)
	if got.IsOpen() {
		t.Fatal("position open at the take-profit threshold")
	}
	if got.SellReason != ReasonTakeProfit {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonTakeProfit)
	}
}

func TestLegacyTrailingStop(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 100, 10, database.SellConditions{TrailingStopPct: fp(10)})

	got := e.step(t, pos.ID, 200)
	if !got.IsOpen() {
		t.Fatal("position closed while climbing")
	}

	// 15% off the high of 200.
	got = e.step(t, pos.ID, 170)
	if got.IsOpen() {
		t.Fatal("position open after trailing drawdown")
	}
	if got.SellReason != ReasonTrailingStop {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonTrailingStop)
	}
}

func TestMaxHoldForcesExitWithoutPrice(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	mh := 60
	pos := e.open(t, 100, 10, database.SellConditions{MaxHoldMinutes: &mh})

	// Backdate the open beyond the hold limit; no price ever arrives and
	// the swap service cannot fill either.
	pos.OpenedAt = time.Now().Add(-61 * time.Minute)
	if err := e.store.Replace(ctx, pos); err != nil {
		t.Fatal(err)
	}
	e.seller.fail = true
	e.seller.message = "no route"

	fresh, _ := e.store.Get(ctx, pos.ID)
	e.w.evaluate(ctx, fresh)
	e.w.wg.Wait()

	got, _ := e.store.Get(ctx, pos.ID)
	if got.IsOpen() {
		t.Fatal("max-hold position still open")
	}
	if got.SellReason != ReasonMaxHold {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonMaxHold)
	}
}

func TestPricingErrorForceClosesAtZero(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	pos := e.open(t, 100, 10, database.SellConditions{StopLossPct: fp(20)})

	e.prices.MarkError(ctx, "tok", cache.ErrorTTL)
	e.w.evaluate(ctx, pos)
	e.w.wg.Wait()

	got, _ := e.store.Get(ctx, pos.ID)
	if got.IsOpen() {
		t.Fatal("position open despite pricing error")
	}
	if got.SellReason != ReasonPricingError {
		t.Errorf("sellReason = %q, want %q", got.SellReason, ReasonPricingError)
	}
	if *got.ExitPrice != 0 {
		t.Errorf("exitPrice = %v, want 0", *got.ExitPrice)
	}
	if e.seller.sellCount() != 0 {
		t.Error("force close went through the swap backend")
	}
}

func TestMissingPriceWithoutErrorWaits(t *testing.T) {
	e := newEnv()
	ctx := context.Background()
	pos := e.open(t, 100, 10, database.SellConditions{StopLossPct: fp(20)})

	e.w.evaluate(ctx, pos)
	e.w.wg.Wait()

	got, _ := e.store.Get(ctx, pos.ID)
	if !got.IsOpen() {
		t.Fatal("position closed while waiting for first price")
	}
}

func TestZeroEntryNeverActivatesTrailing(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 0, 10, database.SellConditions{
		TakeProfitPct:   fp(50),
		TrailingStopPct: fp(10),
		StopLossPct:     fp(20),
	})

	got := e.step(t, pos.ID, 50)
	if got.SellConditions.TrailingStopActivated {
		t.Error("trailing activated with zero entry price")
	}
	if !got.IsOpen() {
		t.Errorf("position closed with reason %q on zero entry", got.SellReason)
	}
}

func TestStopLossTakesPriorityOverSteppedStop(t *testing.T) {
	e := newEnv()
	stop := 150.0
	next := 300.0
	pos := e.open(t, 100, 10, database.SellConditions{
		StopLossPct:           fp(20),
		TakeProfitPct:         fp(50),
		TrailingStopPct:       fp(10),
		TrailingStopActivated: true,
		StepLevel:             1,
		CurrStopPrice:         &stop,
		NextTargetPrice:       &next,
	})

	got := e.step(t, pos.ID, 70)
	if got.IsOpen() {
		t.Fatal("position still open")
	}
	if got.SellReason != ReasonStopLoss {
		t.Errorf("sellReason = %q, want %q (first match wins)", got.SellReason, ReasonStopLoss)
	}
}

func TestNoBalanceForceCloses(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 1.0, 100, database.SellConditions{StopLossPct: fp(20)})
	e.seller.fail = true
	e.seller.message = "insufficient funds in wallet"

	got := e.step(t, pos.ID, 0.5)
	if got.IsOpen() {
		t.Fatal("position open after no-balance sell failure")
	}
	if got.SellReason != ReasonStopLoss {
		t.Errorf("sellReason = %q", got.SellReason)
	}
}

func TestSellFailureLeavesOpenForRetry(t *testing.T) {
	e := newEnv()
	pos := e.open(t, 1.0, 100, database.SellConditions{StopLossPct: fp(20)})
	e.seller.fail = true
	e.seller.message = "temporarily congested"

	got := e.step(t, pos.ID, 0.5)
	if !got.IsOpen() {
		t.Fatal("position closed on a retryable sell failure")
	}

	e.seller.fail = false
	got = e.step(t, pos.ID, 0.5)
	if got.IsOpen() {
		t.Fatal("retry tick did not close the position")
	}
	if e.seller.sellCount() != 2 {
		t.Errorf("seller called %d times, want 2", e.seller.sellCount())
	}
}
