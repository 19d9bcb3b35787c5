// Package pricing converts asset symbols to USD with hardcoded fallbacks so
// solvency math keeps working while the oracle is down.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/pkg/metrics"
)

// ErrUnavailable signals the oracle could not serve a quote.
var ErrUnavailable = errors.New("pricing: oracle unavailable")

// ErrUnknownSymbol signals a symbol with neither an oracle quote nor a
// fallback constant. Surfaced explicitly, never silently defaulted.
var ErrUnknownSymbol = errors.New("pricing: no price source for symbol")

// Source records where a price came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceFallback Source = "fallback"
)

// Quote is one oracle answer.
type Quote struct {
	USD       decimal.Decimal `json:"usd"`
	Change24h decimal.Decimal `json:"usd_24h_change"`
}

// Oracle serves live USD quotes per symbol.
type Oracle interface {
	GetCryptoPrice(ctx context.Context, symbol string) (*Quote, error)
}

// fallbackUSD covers every native asset and basket stablecoin the aggregator
// queries. Values are deliberately conservative snapshots, not live prices.
var fallbackUSD = map[string]string{
	"ETH":   "2500",
	"WETH":  "2500",
	"BNB":   "600",
	"MATIC": "0.90",
	"POL":   "0.90",
	"USDC":  "1.00",
	"USDT":  "1.00",
	"DAI":   "1.00",
}

// Service answers PriceOf with the oracle when possible and the fallback
// table otherwise, reporting which source was used.
type Service struct {
	oracle Oracle
	logger *zap.Logger
}

// NewService creates a price service. A nil oracle is allowed; every lookup
// then uses fallbacks.
func NewService(oracle Oracle, logger *zap.Logger) *Service {
	return &Service{oracle: oracle, logger: logger}
}

// PriceOf returns the USD price of symbol and the source that produced it.
// It fails only when the symbol has no fallback and the oracle cannot answer.
func (s *Service) PriceOf(ctx context.Context, symbol string) (decimal.Decimal, Source, error) {
	symbol = strings.ToUpper(symbol)

	if s.oracle != nil {
		quote, err := s.oracle.GetCryptoPrice(ctx, symbol)
		if err == nil && quote != nil && quote.USD.IsPositive() {
			return quote.USD, SourceOracle, nil
		}
		if err != nil {
			s.logger.Warn("price oracle lookup failed, using fallback",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
	}

	if raw, ok := fallbackUSD[symbol]; ok {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, SourceFallback, fmt.Errorf("parse fallback price for %s: %w", symbol, err)
		}
		metrics.PriceFallbacks.WithLabelValues(symbol).Inc()
		return price, SourceFallback, nil
	}

	return decimal.Zero, "", fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// HasFallback reports whether a symbol can be priced without the oracle.
func HasFallback(symbol string) bool {
	_, ok := fallbackUSD[strings.ToUpper(symbol)]
	return ok
}
