// Package paper keeps the simulated wallet used for dry runs. Balances are
// decimals so repeated partial fills cannot drift the ledger.
package paper

import (
	"sync"

	"mindmap-trading-bot/internal/errs"

	"github.com/shopspring/decimal"
)

// Ledger is a mint-to-balance map with atomic operations.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[string]decimal.Decimal)}
}

// Deposit credits the mint's balance.
func (l *Ledger) Deposit(mint string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[mint] = l.balances[mint].Add(decimal.NewFromFloat(amount))
}

// Withdraw debits the mint's balance, failing on overdraw.
func (l *Ledger) Withdraw(mint string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amt := decimal.NewFromFloat(amount)
	bal := l.balances[mint]
	if bal.LessThan(amt) {
		return errs.ErrInsufficientBalance
	}
	l.balances[mint] = bal.Sub(amt)
	return nil
}

// Balance returns the mint's current balance.
func (l *Ledger) Balance(mint string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, _ := l.balances[mint].Float64()
	return f
}

// GetAll returns a snapshot of every balance.
func (l *Ledger) GetAll() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]float64, len(l.balances))
	for mint, bal := range l.balances {
		f, _ := bal.Float64()
		out[mint] = f
	}
	return out
}

// Reset wipes the ledger and seeds the quote-asset balance.
func (l *Ledger) Reset(quoteMint string, initialBalance float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances = make(map[string]decimal.Decimal)
	if initialBalance > 0 {
		l.balances[quoteMint] = decimal.NewFromFloat(initialBalance)
	}
}
