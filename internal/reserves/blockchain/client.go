package blockchain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

// Client is one chain's JSON-RPC surface as the reserve reader needs it.
type Client interface {
	NativeBalance(ctx context.Context, address string) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TokenBalance(ctx context.Context, tokenAddress, holder string) (*big.Int, error)
	TokenInfo(ctx context.Context, tokenAddress string) (symbol string, decimals uint8, err error)
	Close()
}

// evmClient implements Client over go-ethereum's ethclient.
type evmClient struct {
	eth      *ethclient.Client
	erc20ABI abi.ABI
}

// dialEVM connects to an EVM JSON-RPC endpoint.
func dialEVM(url string) (Client, error) {
	eth, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &evmClient{eth: eth, erc20ABI: parsed}, nil
}

func (c *evmClient) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid address %q", address)
	}
	bal, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	return bal, nil
}

func (c *evmClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *evmClient) TokenBalance(ctx context.Context, tokenAddress, holder string) (*big.Int, error) {
	if !common.IsHexAddress(tokenAddress) || !common.IsHexAddress(holder) {
		return nil, fmt.Errorf("invalid token %q or holder %q", tokenAddress, holder)
	}
	data, err := c.erc20ABI.Pack("balanceOf", common.HexToAddress(holder))
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf: %w", err)
	}
	output, err := c.call(ctx, tokenAddress, data)
	if err != nil {
		return nil, err
	}
	results, err := c.erc20ABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result type %T", results[0])
	}
	return bal, nil
}

func (c *evmClient) TokenInfo(ctx context.Context, tokenAddress string) (string, uint8, error) {
	if !common.IsHexAddress(tokenAddress) {
		return "", 0, fmt.Errorf("invalid token %q", tokenAddress)
	}

	symData, err := c.erc20ABI.Pack("symbol")
	if err != nil {
		return "", 0, fmt.Errorf("pack symbol: %w", err)
	}
	symOut, err := c.call(ctx, tokenAddress, symData)
	if err != nil {
		return "", 0, err
	}
	symResults, err := c.erc20ABI.Unpack("symbol", symOut)
	if err != nil {
		return "", 0, fmt.Errorf("unpack symbol: %w", err)
	}
	symbol, _ := symResults[0].(string)

	decData, err := c.erc20ABI.Pack("decimals")
	if err != nil {
		return "", 0, fmt.Errorf("pack decimals: %w", err)
	}
	decOut, err := c.call(ctx, tokenAddress, decData)
	if err != nil {
		return "", 0, err
	}
	decResults, err := c.erc20ABI.Unpack("decimals", decOut)
	if err != nil {
		return "", 0, fmt.Errorf("unpack decimals: %w", err)
	}
	decimals, _ := decResults[0].(uint8)

	return symbol, decimals, nil
}

func (c *evmClient) call(ctx context.Context, contract string, data []byte) ([]byte, error) {
	to := common.HexToAddress(contract)
	msg := ethereum.CallMsg{To: &to, Data: data}
	output, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call %s: %w", contract, err)
	}
	return output, nil
}

func (c *evmClient) Close() {
	c.eth.Close()
}
