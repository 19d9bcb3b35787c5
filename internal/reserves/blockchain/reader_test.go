package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClient struct {
	balances map[string]*big.Int
	tokens   map[string]map[string]*big.Int // token -> holder -> balance
	block    uint64
	blockErr error
	closed   bool
}

func (f *fakeClient) NativeBalance(ctx context.Context, address string) (*big.Int, error) {
	bal, ok := f.balances[strings.ToLower(address)]
	if !ok {
		return nil, errors.New("rpc timeout")
	}
	return bal, nil
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if f.blockErr != nil {
		return 0, f.blockErr
	}
	return f.block, nil
}

func (f *fakeClient) TokenBalance(ctx context.Context, tokenAddress, holder string) (*big.Int, error) {
	holders, ok := f.tokens[strings.ToLower(tokenAddress)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	bal, ok := holders[strings.ToLower(holder)]
	if !ok {
		return nil, errors.New("execution reverted")
	}
	return bal, nil
}

func (f *fakeClient) TokenInfo(ctx context.Context, tokenAddress string) (string, uint8, error) {
	return "USDC", 6, nil
}

func (f *fakeClient) Close() { f.closed = true }

func TestGetChainReservesPartialFailure(t *testing.T) {
	client := &fakeClient{
		balances: map[string]*big.Int{
			"0xaaa1": big.NewInt(1000),
			"0xaaa3": big.NewInt(500),
		},
		block: 19_000_000,
	}
	reader := NewReader(zap.NewNop())
	reader.Register(1, client)

	reserves, err := reader.GetChainReserves(context.Background(), 1, []string{"0xAAA1", "0xaaa2", "0xaaa3"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), reserves.ChainID)
	assert.Equal(t, "Ethereum", reserves.ChainName)
	assert.Equal(t, uint64(19_000_000), reserves.BlockNumber)
	assert.True(t, reserves.TotalReserves.Equal(decimal.NewFromInt(1500)))

	require.Len(t, reserves.AddressBalances, 3)
	assert.True(t, reserves.AddressBalances[0].OK)
	assert.False(t, reserves.AddressBalances[1].OK)
	assert.NotEmpty(t, reserves.AddressBalances[1].Error)
	assert.True(t, reserves.AddressBalances[1].Balance.IsZero())
	assert.True(t, reserves.AddressBalances[2].OK)
}

func TestGetChainReservesNoEndpoint(t *testing.T) {
	reader := NewReader(zap.NewNop())

	_, err := reader.GetChainReserves(context.Background(), 999, []string{"0xaaa1"})
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestGetChainReservesBlockNumberFailureTolerated(t *testing.T) {
	client := &fakeClient{
		balances: map[string]*big.Int{"0xaaa1": big.NewInt(42)},
		blockErr: errors.New("rpc down"),
	}
	reader := NewReader(zap.NewNop())
	reader.Register(137, client)

	reserves, err := reader.GetChainReserves(context.Background(), 137, []string{"0xaaa1"})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), reserves.BlockNumber)
	assert.True(t, reserves.TotalReserves.Equal(decimal.NewFromInt(42)))
}

func TestGetChainReservesManyAddresses(t *testing.T) {
	balances := make(map[string]*big.Int)
	addresses := make([]string, 100)
	for i := range addresses {
		addr := fmt.Sprintf("0xaddr%03d", i)
		addresses[i] = addr
		balances[addr] = big.NewInt(int64(i))
	}
	client := &fakeClient{balances: balances, block: 1}
	reader := NewReader(zap.NewNop())
	reader.Register(1, client)

	reserves, err := reader.GetChainReserves(context.Background(), 1, addresses)
	require.NoError(t, err)

	// sum 0..99 = 4950
	assert.True(t, reserves.TotalReserves.Equal(decimal.NewFromInt(4950)))
	for i, res := range reserves.AddressBalances {
		assert.Equal(t, addresses[i], res.Address)
		assert.True(t, res.OK)
	}
}

func TestGetERC20Reserves(t *testing.T) {
	token := "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	client := &fakeClient{
		tokens: map[string]map[string]*big.Int{
			token: {
				"0xaaa1": big.NewInt(2_000_000),
				"0xaaa2": big.NewInt(3_000_000),
			},
		},
	}
	reader := NewReader(zap.NewNop())
	reader.Register(1, client)

	total, err := reader.GetERC20Reserves(context.Background(), token, []string{"0xaaa1", "0xaaa2", "0xbadd"}, 1)
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5_000_000)))
}

func TestGetERC20ReservesNoEndpoint(t *testing.T) {
	reader := NewReader(zap.NewNop())
	_, err := reader.GetERC20Reserves(context.Background(), "0xdead", []string{"0xaaa1"}, 42)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestRegisterReplacesAndCloses(t *testing.T) {
	first := &fakeClient{}
	second := &fakeClient{}
	reader := NewReader(zap.NewNop())

	reader.Register(1, first)
	reader.Register(1, second)
	assert.True(t, first.closed)
	assert.False(t, second.closed)

	assert.True(t, reader.HasChain(1))
	assert.False(t, reader.HasChain(2))
	assert.Equal(t, []int64{1}, reader.Chains())

	reader.Close()
	assert.True(t, second.closed)
	assert.False(t, reader.HasChain(1))
}
