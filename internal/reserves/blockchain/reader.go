package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/pkg/metrics"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrNoEndpoint is returned for chains without a registered RPC client.
var ErrNoEndpoint = errors.New("blockchain: no rpc endpoint for chain")

const (
	defaultCallTimeout = 15 * time.Second
	defaultWorkers     = 8
)

// Reader fetches per-address native and token balances with bounded
// parallelism per chain. Per-address failures are recorded, not propagated.
type Reader struct {
	mu          sync.RWMutex
	clients     map[int64]Client
	logger      *zap.Logger
	callTimeout time.Duration
	workers     int
}

// NewReader creates an empty reader; chains are attached with Register or
// Connect.
func NewReader(logger *zap.Logger) *Reader {
	return &Reader{
		clients:     make(map[int64]Client),
		logger:      logger,
		callTimeout: defaultCallTimeout,
		workers:     defaultWorkers,
	}
}

// Register attaches a client for a chain, replacing any previous one.
func (r *Reader) Register(chainID int64, client Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.clients[chainID]; ok {
		old.Close()
	}
	r.clients[chainID] = client
}

// Connect dials the highest-priority active endpoint per chain. Chains whose
// endpoint cannot be dialed are logged and skipped so one bad RPC does not
// take down the rest.
func (r *Reader) Connect(endpoints []models.RPCEndpoint) {
	best := make(map[int64]models.RPCEndpoint)
	for _, ep := range endpoints {
		if !ep.IsActive {
			continue
		}
		if cur, ok := best[ep.ChainID]; !ok || ep.Priority > cur.Priority {
			best[ep.ChainID] = ep
		}
	}

	ids := make([]int64, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ep := best[id]
		client, err := dialEVM(ep.URL)
		if err != nil {
			r.logger.Error("failed to connect chain rpc, skipping",
				zap.Int64("chain_id", ep.ChainID),
				zap.String("chain", ep.ChainName),
				zap.Error(err))
			continue
		}
		r.Register(ep.ChainID, client)
		r.logger.Info("connected chain rpc",
			zap.Int64("chain_id", ep.ChainID),
			zap.String("chain", ep.ChainName))
	}
}

// HasChain reports whether a client is registered for the chain.
func (r *Reader) HasChain(chainID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[chainID]
	return ok
}

// Chains lists registered chain ids, ascending.
func (r *Reader) Chains() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Reader) client(chainID int64) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoEndpoint, chainID)
	}
	return client, nil
}

// GetChainReserves fetches the native balance of every address plus the
// current block height. Individual lookup failures yield OK=false entries
// with a zero balance; only a missing endpoint fails the whole call.
func (r *Reader) GetChainReserves(ctx context.Context, chainID int64, addresses []string) (*models.ChainReserves, error) {
	client, err := r.client(chainID)
	if err != nil {
		return nil, err
	}

	chainName := ChainName(chainID)

	blockCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	blockNumber, err := client.BlockNumber(blockCtx)
	cancel()
	if err != nil {
		r.logger.Warn("failed to fetch block number",
			zap.Int64("chain_id", chainID),
			zap.Error(err))
		blockNumber = 0
	}

	results := make([]models.AddressBalance, len(addresses))
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for i, addr := range addresses {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			bal, err := client.NativeBalance(callCtx, addr)
			if err != nil {
				metrics.RPCFailures.WithLabelValues(chainName).Inc()
				r.logger.Warn("address balance lookup failed, counting as zero",
					zap.Int64("chain_id", chainID),
					zap.String("address", addr),
					zap.Error(err))
				results[i] = models.AddressBalance{Address: addr, Balance: decimal.Zero, OK: false, Error: err.Error()}
				return
			}
			results[i] = models.AddressBalance{Address: addr, Balance: decimal.NewFromBigInt(bal, 0), OK: true}
		}(i, addr)
	}
	wg.Wait()

	total := decimal.Zero
	for _, res := range results {
		if res.OK {
			total = total.Add(res.Balance)
		}
	}

	return &models.ChainReserves{
		ChainID:         chainID,
		ChainName:       chainName,
		BlockNumber:     blockNumber,
		TotalReserves:   total,
		AddressBalances: results,
	}, nil
}

// GetERC20Reserves sums balanceOf(token) over the addresses. Contract-call
// errors are logged and counted as zero rather than propagated.
func (r *Reader) GetERC20Reserves(ctx context.Context, tokenAddress string, addresses []string, chainID int64) (decimal.Decimal, error) {
	client, err := r.client(chainID)
	if err != nil {
		return decimal.Zero, err
	}

	chainName := ChainName(chainID)
	balances := make([]decimal.Decimal, len(addresses))
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	for i, addr := range addresses {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, addr string) {
			defer wg.Done()
			defer func() { <-sem }()

			callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
			defer cancel()

			bal, err := client.TokenBalance(callCtx, tokenAddress, addr)
			if err != nil {
				metrics.RPCFailures.WithLabelValues(chainName).Inc()
				r.logger.Warn("token balance lookup failed, counting as zero",
					zap.Int64("chain_id", chainID),
					zap.String("token", tokenAddress),
					zap.String("address", addr),
					zap.Error(err))
				balances[i] = decimal.Zero
				return
			}
			balances[i] = decimal.NewFromBigInt(bal, 0)
		}(i, addr)
	}
	wg.Wait()

	total := decimal.Zero
	for _, bal := range balances {
		total = total.Add(bal)
	}
	return total, nil
}

// TokenInfo fetches a token's on-chain symbol and decimals.
func (r *Reader) TokenInfo(ctx context.Context, chainID int64, tokenAddress string) (string, uint8, error) {
	client, err := r.client(chainID)
	if err != nil {
		return "", 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return client.TokenInfo(callCtx, tokenAddress)
}

// Close releases every RPC connection.
func (r *Reader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		client.Close()
		delete(r.clients, id)
	}
}
