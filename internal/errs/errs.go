// Package errs defines the engine-wide error taxonomy and the retry
// classification used by the store, RPC clients, and the trade executor.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by the stores and the executor.
var (
	// ErrNotFound is returned when a position or cache entry does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned by the executor when the per-token buy lock
	// is already held.
	ErrDuplicate = errors.New("duplicate buy attempt")

	// ErrInsufficientBalance is returned by the paper ledger on overdraw.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrValidation marks configuration or input validation failures.
	// Never retried.
	ErrValidation = errors.New("validation failed")
)

// StoreError wraps Redis/Postgres I/O failures. Retryable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// APIError carries an HTTP status from an external RPC. 5xx and 429 are
// retryable, other 4xx are fatal.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string { return fmt.Sprintf("api error: status=%d body=%s", e.Status, e.Body) }

// Retryable reports whether the status allows another attempt.
func (e *APIError) Retryable() bool { return e.Status >= 500 || e.Status == 429 }

// OracleError wraps a price-discovery failure. Retryable; callers negatively
// cache the token for 30s.
type OracleError struct {
	Mint string
	Err  error
}

func (e *OracleError) Error() string { return fmt.Sprintf("oracle %s: %v", e.Mint, e.Err) }
func (e *OracleError) Unwrap() error { return e.Err }

// TradeExecutionError marks a swap that may or may not have landed on chain.
// Never retried automatically: a retry could double-buy.
type TradeExecutionError struct {
	Side string // "buy" or "sell"
	Mint string
	Err  error
}

func (e *TradeExecutionError) Error() string {
	return fmt.Sprintf("trade execution (%s %s): %v", e.Side, e.Mint, e.Err)
}
func (e *TradeExecutionError) Unwrap() error { return e.Err }

// IsRetryable classifies an error per the engine retry policy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tee *TradeExecutionError
	if errors.As(err, &tee) {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicate) || errors.Is(err, ErrInsufficientBalance) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return true
	}
	var oracleErr *OracleError
	if errors.As(err, &oracleErr) {
		return true
	}

	// Unknown errors are not retried.
	return false
}

// IsNoBalance reports whether a swap failure message indicates the tokens are
// already gone. The watcher force-closes on these instead of retrying forever.
func IsNoBalance(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no balance") ||
		strings.Contains(m, "insufficient funds") ||
		strings.Contains(m, "insufficient balance")
}
