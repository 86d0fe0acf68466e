// Package swap talks to the external swap execution service. Transactions
// are signed and confirmed on the other side; this client only shapes the
// request and reports the execution outcome.
package swap

import (
	"context"
	"fmt"
	"time"

	"mindmap-trading-bot/internal/errs"

	"github.com/go-resty/resty/v2"
)

// swapTimeout bounds one swap round-trip; confirmation can take a while.
const swapTimeout = 30 * time.Second

// BuyResult is the execution outcome of a buy swap.
type BuyResult struct {
	Success        bool    `json:"success"`
	ExecutionPrice float64 `json:"execution_price"`
	AmountOut      float64 `json:"amount_out"`
	TxID           string  `json:"tx_id"`
	Message        string  `json:"message"`
}

// SellResult is the execution outcome of a sell swap.
type SellResult struct {
	Success        bool    `json:"success"`
	ExecutionPrice float64 `json:"execution_price"`
	AmountIn       float64 `json:"amount_in"`
	TxID           string  `json:"tx_id"`
	Message        string  `json:"message"`
}

// Backend executes swaps. Amounts are in the from-token's unit.
type Backend interface {
	Buy(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*BuyResult, error)
	Sell(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*SellResult, error)
}

// Client is the resty-backed swap service client.
type Client struct {
	http        *resty.Client
	nativeQuote string
}

// NewClient builds a Client. nativeQuote is the quote-asset mint used as
// the from-token on buys and the to-token on sells.
func NewClient(baseURL, apiKey, nativeQuote string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(swapTimeout).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		http.SetHeader("X-API-Key", apiKey)
	}
	return &Client{http: http, nativeQuote: nativeQuote}
}

type swapRequest struct {
	FromToken   string  `json:"from_token"`
	ToToken     string  `json:"to_token"`
	Amount      float64 `json:"amount"`
	SlippagePct float64 `json:"slippage_pct"`
	PriorityFee float64 `json:"priority_fee"`
}

type swapResponse struct {
	Success        bool    `json:"success"`
	ExecutionPrice float64 `json:"execution_price"`
	Amount         float64 `json:"amount"`
	TxID           string  `json:"tx_id"`
	Message        string  `json:"message"`
}

func (c *Client) swap(ctx context.Context, req swapRequest) (*swapResponse, error) {
	var out swapResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/swap")
	if err != nil {
		return nil, fmt.Errorf("swap rpc: %w", err)
	}
	if resp.IsError() {
		return nil, &errs.APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	return &out, nil
}

// WalletBalance returns the wallet's balance for a mint.
func (c *Client) WalletBalance(ctx context.Context, mint string) (float64, error) {
	var out struct {
		Balance float64 `json:"balance"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{"mint": mint}).
		SetResult(&out).
		Post("/wallet/balance")
	if err != nil {
		return 0, fmt.Errorf("balance rpc: %w", err)
	}
	if resp.IsError() {
		return 0, &errs.APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	return out.Balance, nil
}

// QuoteBalance returns the wallet's quote-asset balance.
func (c *Client) QuoteBalance(ctx context.Context) (float64, error) {
	return c.WalletBalance(ctx, c.nativeQuote)
}

// Buy implements Backend: quote asset in, token out.
func (c *Client) Buy(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*BuyResult, error) {
	out, err := c.swap(ctx, swapRequest{
		FromToken:   c.nativeQuote,
		ToToken:     mint,
		Amount:      amount,
		SlippagePct: slippagePct,
		PriorityFee: priorityFee,
	})
	if err != nil {
		return nil, err
	}
	return &BuyResult{
		Success:        out.Success,
		ExecutionPrice: out.ExecutionPrice,
		AmountOut:      out.Amount,
		TxID:           out.TxID,
		Message:        out.Message,
	}, nil
}

// Sell implements Backend: token in, quote asset out.
func (c *Client) Sell(ctx context.Context, mint string, amount, slippagePct, priorityFee float64) (*SellResult, error) {
	out, err := c.swap(ctx, swapRequest{
		FromToken:   mint,
		ToToken:     c.nativeQuote,
		Amount:      amount,
		SlippagePct: slippagePct,
		PriorityFee: priorityFee,
	})
	if err != nil {
		return nil, err
	}
	return &SellResult{
		Success:        out.Success,
		ExecutionPrice: out.ExecutionPrice,
		AmountIn:       out.Amount,
		TxID:           out.TxID,
		Message:        out.Message,
	}, nil
}
