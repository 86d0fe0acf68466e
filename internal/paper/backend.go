package paper

import (
	"context"
	"fmt"

	"mindmap-trading-bot/internal/errs"
	"mindmap-trading-bot/internal/logging"
	"mindmap-trading-bot/internal/swap"

	"github.com/google/uuid"
)

// PriceSource yields the fill price for simulated swaps.
type PriceSource interface {
	GetPrice(ctx context.Context, mint string) (float64, bool)
}

// Backend simulates swap execution against the ledger, filling at the
// cached oracle price. It satisfies the same contract as the real swap
// client so the executor and watcher do not know they are in a dry run.
type Backend struct {
	ledger      *Ledger
	prices      PriceSource
	nativeQuote string
	log         *logging.Logger
}

// NewBackend wires the simulated backend.
func NewBackend(ledger *Ledger, prices PriceSource, nativeQuote string) *Backend {
	return &Backend{
		ledger:      ledger,
		prices:      prices,
		nativeQuote: nativeQuote,
		log:         logging.WithComponent("paper"),
	}
}

var _ swap.Backend = (*Backend)(nil)

// QuoteBalance returns the simulated quote-asset balance.
func (b *Backend) QuoteBalance(ctx context.Context) (float64, error) {
	return b.ledger.Balance(b.nativeQuote), nil
}

// Buy implements swap.Backend: debit quote, credit token at the cached price.
func (b *Backend) Buy(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*swap.BuyResult, error) {
	price, ok := b.prices.GetPrice(ctx, mint)
	if !ok || price <= 0 {
		return &swap.BuyResult{Success: false, Message: fmt.Sprintf("no price available for %s", mint)}, nil
	}

	if err := b.ledger.Withdraw(b.nativeQuote, amount); err != nil {
		return &swap.BuyResult{Success: false, Message: "insufficient balance"}, nil
	}

	amountOut := amount / price
	b.ledger.Deposit(mint, amountOut)
	txID := "paper-" + uuid.NewString()

	b.log.Info("simulated buy", "mint", mint, "amount_in", amount, "amount_out", amountOut, "price", price)
	return &swap.BuyResult{
		Success:        true,
		ExecutionPrice: price,
		AmountOut:      amountOut,
		TxID:           txID,
	}, nil
}

// Sell implements swap.Backend: debit token, credit quote at the cached price.
func (b *Backend) Sell(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*swap.SellResult, error) {
	price, ok := b.prices.GetPrice(ctx, mint)
	if !ok || price <= 0 {
		return &swap.SellResult{Success: false, Message: fmt.Sprintf("no price available for %s", mint)}, nil
	}

	if err := b.ledger.Withdraw(mint, amount); err != nil {
		if err == errs.ErrInsufficientBalance {
			return &swap.SellResult{Success: false, Message: "no balance for token"}, nil
		}
		return nil, err
	}

	amountIn := amount * price
	b.ledger.Deposit(b.nativeQuote, amountIn)
	txID := "paper-" + uuid.NewString()

	b.log.Info("simulated sell", "mint", mint, "amount_out", amount, "amount_in", amountIn, "price", price)
	return &swap.SellResult{
		Success:        true,
		ExecutionPrice: price,
		AmountIn:       amountIn,
		TxID:           txID,
	}, nil
}
