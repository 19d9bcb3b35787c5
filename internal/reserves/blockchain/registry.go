// Package blockchain reads custody balances from EVM chains over JSON-RPC.
package blockchain

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// chainNames maps supported chain ids to display names.
var chainNames = map[int64]string{
	1:     "Ethereum",
	10:    "Optimism",
	56:    "BNB Smart Chain",
	137:   "Polygon",
	8453:  "Base",
	42161: "Arbitrum One",
}

// nativeSymbols maps chain ids to their gas asset ticker.
var nativeSymbols = map[int64]string{
	1:     "ETH",
	10:    "ETH",
	56:    "BNB",
	137:   "POL",
	8453:  "ETH",
	42161: "ETH",
}

// Token is one ERC-20 contract tracked in the reserve basket.
type Token struct {
	Symbol  string `yaml:"symbol"`
	Address string `yaml:"address"`
}

// stablecoinBasket lists the reserve-backing stablecoins per chain, canonical
// mainnet contract addresses.
var stablecoinBasket = map[int64][]Token{
	1: {
		{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"},
		{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7"},
		{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F"},
	},
	10: {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58"},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"},
	},
	56: {
		{Symbol: "USDC", Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d"},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955"},
		{Symbol: "DAI", Address: "0x1AF3F329e8BE154074D8769D1FFa4eE058B1DBc3"},
	},
	137: {
		{Symbol: "USDC", Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F"},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063"},
	},
	8453: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb"},
	},
	42161: {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebE478A1C0b69FCbb9"},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1"},
	},
}

// ChainName resolves a chain id to its display name.
func ChainName(chainID int64) string {
	if name, ok := chainNames[chainID]; ok {
		return name
	}
	return fmt.Sprintf("chain-%d", chainID)
}

// NativeSymbol resolves a chain id to its gas asset ticker, ETH when unknown.
func NativeSymbol(chainID int64) string {
	if sym, ok := nativeSymbols[chainID]; ok {
		return sym
	}
	return "ETH"
}

// StablecoinBasket returns the tracked stablecoins for a chain.
func StablecoinBasket(chainID int64) []Token {
	return stablecoinBasket[chainID]
}

// SupportedChains lists every chain id with a name mapping, ascending.
func SupportedChains() []int64 {
	ids := make([]int64, 0, len(chainNames))
	for id := range chainNames {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type endpointsFile struct {
	Endpoints []struct {
		ChainID  int64  `yaml:"chain_id"`
		Name     string `yaml:"name"`
		URL      string `yaml:"url"`
		Priority int    `yaml:"priority"`
		Active   *bool  `yaml:"active"`
	} `yaml:"endpoints"`
}

// LoadEndpointsYAML reads an RPC endpoint seed file. Entries without an
// explicit active flag default to active.
func LoadEndpointsYAML(path string) ([]models.RPCEndpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read endpoints file: %w", err)
	}
	var file endpointsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse endpoints file: %w", err)
	}
	out := make([]models.RPCEndpoint, 0, len(file.Endpoints))
	for _, e := range file.Endpoints {
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		name := e.Name
		if name == "" {
			name = ChainName(e.ChainID)
		}
		out = append(out, models.RPCEndpoint{
			ChainID:   e.ChainID,
			ChainName: name,
			URL:       e.URL,
			Priority:  e.Priority,
			IsActive:  active,
		})
	}
	return out, nil
}
