// Package pricing resolves on-chain token prices. The oracle RPC service
// does the chain-specific work; this package owns the batching, route-hint
// caching, and the monitor loops that keep the price cache fresh.
package pricing

import (
	"context"
	"fmt"
	"time"

	"mindmap-trading-bot/internal/errs"

	"github.com/go-resty/resty/v2"
)

// Route hint kinds. A bonding-curve hint means the token has not graduated
// yet and can migrate to an AMM at any time.
const (
	RouteBondingCurve = "bondingCurve"
	RouteAmmA         = "ammA"
	RouteAmmB         = "ammB"
	RouteCpmm         = "cpmm"
)

// IsPreGraduation reports whether the route hint is a pre-graduation kind.
func IsPreGraduation(route string) bool { return route == RouteBondingCurve }

// FastQuote is one fast-path answer: a price, or a migration signal when
// the token has left the bonding curve and needs rediscovery.
type FastQuote struct {
	Price    float64 `json:"price"`
	Source   string  `json:"source"`
	Migrated bool    `json:"migrated"`
}

// Discovery is a slow-path answer with the route metadata to cache.
type Discovery struct {
	Price     float64 `json:"price"`
	Source    string  `json:"source"` // "pre" or "post"
	Route     string  `json:"route"`  // route hint kind
	RouteBlob string  `json:"route_blob,omitempty"`
}

// Oracle is the price discovery surface the monitor depends on.
type Oracle interface {
	// FastBatchA prices tokens on the bonding curve (or with no hint).
	// Returns resolved quotes plus the list of unresolved tokens.
	FastBatchA(ctx context.Context, mints []string) (map[string]FastQuote, []string, error)

	// FastBatchB prices graduated tokens from their cached reserve blobs,
	// grouped by route kind.
	FastBatchB(ctx context.Context, kind string, vaults map[string]string) (map[string]float64, error)

	// Discover resolves a single token from scratch. A nil result with a
	// nil error means the oracle found nothing.
	Discover(ctx context.Context, mint string) (*Discovery, error)
}

// Client is the resty-backed oracle RPC client. Beyond the Oracle
// interface it also serves token supply, the quote-asset USD price, and
// recent priority-fee samples.
type Client struct {
	http *resty.Client
}

// NewClient builds a Client against the oracle RPC base URL.
func NewClient(baseURL, apiKey string) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")
	if apiKey != "" {
		http.SetHeader("X-API-Key", apiKey)
	}
	return &Client{http: http}
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		return fmt.Errorf("oracle %s: %w", path, err)
	}
	if resp.IsError() {
		return &errs.APIError{Status: resp.StatusCode(), Body: string(resp.Body())}
	}
	return nil
}

// FastBatchA implements Oracle.
func (c *Client) FastBatchA(ctx context.Context, mints []string) (map[string]FastQuote, []string, error) {
	var out struct {
		Quotes  map[string]FastQuote `json:"quotes"`
		Missing []string             `json:"missing"`
	}
	req := map[string]interface{}{"mints": mints}
	if err := c.post(ctx, "/oracle/fast-batch", req, &out); err != nil {
		return nil, nil, &errs.OracleError{Err: err}
	}
	return out.Quotes, out.Missing, nil
}

// FastBatchB implements Oracle.
func (c *Client) FastBatchB(ctx context.Context, kind string, vaults map[string]string) (map[string]float64, error) {
	var out struct {
		Prices map[string]float64 `json:"prices"`
	}
	req := map[string]interface{}{"kind": kind, "vaults": vaults}
	if err := c.post(ctx, "/oracle/vault-batch", req, &out); err != nil {
		return nil, &errs.OracleError{Err: err}
	}
	return out.Prices, nil
}

// Discover implements Oracle.
func (c *Client) Discover(ctx context.Context, mint string) (*Discovery, error) {
	var out struct {
		Found     bool      `json:"found"`
		Discovery Discovery `json:"discovery"`
	}
	req := map[string]interface{}{"mint": mint}
	if err := c.post(ctx, "/oracle/discover", req, &out); err != nil {
		return nil, &errs.OracleError{Mint: mint, Err: err}
	}
	if !out.Found {
		return nil, nil
	}
	return &out.Discovery, nil
}

// TokenSupply returns the circulating supply for a mint.
func (c *Client) TokenSupply(ctx context.Context, mint string) (float64, error) {
	var out struct {
		Supply float64 `json:"supply"`
	}
	req := map[string]interface{}{"mint": mint}
	if err := c.post(ctx, "/oracle/supply", req, &out); err != nil {
		return 0, &errs.OracleError{Mint: mint, Err: err}
	}
	return out.Supply, nil
}

// QuoteAssetUSD returns the USD price of the chain's quote asset.
func (c *Client) QuoteAssetUSD(ctx context.Context) (float64, error) {
	var out struct {
		Price float64 `json:"price"`
	}
	if err := c.post(ctx, "/oracle/quote-usd", map[string]interface{}{}, &out); err != nil {
		return 0, &errs.OracleError{Err: err}
	}
	return out.Price, nil
}

// PoolLiquidity returns the USD liquidity of the token's deepest pool.
func (c *Client) PoolLiquidity(ctx context.Context, mint string) (float64, error) {
	var out struct {
		LiquidityUSD float64 `json:"liquidity_usd"`
	}
	req := map[string]interface{}{"mint": mint}
	if err := c.post(ctx, "/oracle/liquidity", req, &out); err != nil {
		return 0, &errs.OracleError{Mint: mint, Err: err}
	}
	return out.LiquidityUSD, nil
}

// RecentPriorityFees returns the newest fee samples, most recent first.
func (c *Client) RecentPriorityFees(ctx context.Context, limit int) ([]float64, error) {
	var out struct {
		Fees []float64 `json:"fees"`
	}
	req := map[string]interface{}{"limit": limit}
	if err := c.post(ctx, "/oracle/priority-fees", req, &out); err != nil {
		return nil, err
	}
	return out.Fees, nil
}
