package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// coinGeckoIDs maps ticker symbols to CoinGecko asset ids.
var coinGeckoIDs = map[string]string{
	"ETH":   "ethereum",
	"WETH":  "weth",
	"BNB":   "binancecoin",
	"MATIC": "matic-network",
	"POL":   "matic-network",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"DAI":   "dai",
}

// CoinGeckoOracle fetches spot prices from the CoinGecko simple price API.
type CoinGeckoOracle struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewCoinGeckoOracle creates an oracle client with a 10s request timeout.
func NewCoinGeckoOracle(logger *zap.Logger) *CoinGeckoOracle {
	return &CoinGeckoOracle{
		baseURL: "https://api.coingecko.com/api/v3",
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetCryptoPrice looks up the USD quote for symbol.
func (c *CoinGeckoOracle) GetCryptoPrice(ctx context.Context, symbol string) (*Quote, error) {
	id, ok := coinGeckoIDs[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("%w: no oracle id for %s", ErrUnavailable, symbol)
	}

	url := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd&include_24hr_change=true", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var payload map[string]struct {
		USD       float64 `json:"usd"`
		USDChange float64 `json:"usd_24h_change"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	entry, ok := payload[id]
	if !ok {
		return nil, fmt.Errorf("%w: empty quote for %s", ErrUnavailable, symbol)
	}

	return &Quote{
		USD:       decimal.NewFromFloat(entry.USD),
		Change24h: decimal.NewFromFloat(entry.USDChange),
	}, nil
}
