package filter

import (
	"context"
	"fmt"
)

// ChainData is the slice of the oracle client the verifier needs.
type ChainData interface {
	TokenSupply(ctx context.Context, mint string) (float64, error)
	QuoteAssetUSD(ctx context.Context) (float64, error)
	PoolLiquidity(ctx context.Context, mint string) (float64, error)
}

// PriceSource yields the current token price in quote-asset units.
type PriceSource interface {
	GetPrice(ctx context.Context, mint string) (float64, bool)
}

// OracleVerifier computes market cap in USD from supply, the cached
// quote-asset price, and the quote asset's USD price.
type OracleVerifier struct {
	chain  ChainData
	prices PriceSource
}

// NewOracleVerifier wires the verifier.
func NewOracleVerifier(chain ChainData, prices PriceSource) *OracleVerifier {
	return &OracleVerifier{chain: chain, prices: prices}
}

// MarketCapAndLiquidity implements ChainVerifier.
func (v *OracleVerifier) MarketCapAndLiquidity(ctx context.Context, mint string) (float64, float64, error) {
	price, ok := v.prices.GetPrice(ctx, mint)
	if !ok {
		return 0, 0, fmt.Errorf("no cached price for %s", mint)
	}

	supply, err := v.chain.TokenSupply(ctx, mint)
	if err != nil {
		return 0, 0, err
	}
	quoteUSD, err := v.chain.QuoteAssetUSD(ctx)
	if err != nil {
		return 0, 0, err
	}
	liquidity, err := v.chain.PoolLiquidity(ctx, mint)
	if err != nil {
		return 0, 0, err
	}

	marketCapUSD := price * supply * quoteUSD
	return marketCapUSD, liquidity, nil
}
