// Package reserves generates proof-of-reserves snapshots: on-chain custody
// balances priced to USD against user liabilities, committed to a Merkle root.
package reserves

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/internal/reserves/blockchain"
	"github.com/cryptanex/custodyguard/internal/reserves/merkle"
	"github.com/cryptanex/custodyguard/internal/reserves/pricing"
	"github.com/cryptanex/custodyguard/pkg/metrics"
	"github.com/cryptanex/custodyguard/pkg/models"
)

var (
	// ErrInvalidLeaves flags a user balance set with empty or duplicate
	// addresses or negative balances.
	ErrInvalidLeaves = errors.New("reserves: invalid user balance set")

	// ErrAddressNotInSnapshot is returned when a proof is requested for an
	// address absent from the snapshot's leaf set.
	ErrAddressNotInSnapshot = errors.New("reserves: address not in snapshot")

	// ErrAllChainsFailed is returned when no chain in a multi-chain proof
	// request could be snapshotted.
	ErrAllChainsFailed = errors.New("reserves: no chain could be snapshotted")
)

// nativeDecimals is the smallest-unit exponent of every supported gas asset.
const nativeDecimals = 18

// defaultTokenDecimals backs up the on-chain decimals() call.
var defaultTokenDecimals = map[string]uint8{
	"USDC": 6,
	"USDT": 6,
	"DAI":  18,
}

// ChainReader is the blockchain surface the aggregator needs.
type ChainReader interface {
	GetChainReserves(ctx context.Context, chainID int64, addresses []string) (*models.ChainReserves, error)
	GetERC20Reserves(ctx context.Context, tokenAddress string, addresses []string, chainID int64) (decimal.Decimal, error)
	TokenInfo(ctx context.Context, chainID int64, tokenAddress string) (string, uint8, error)
}

// Pricer converts a symbol to USD, reporting the source used.
type Pricer interface {
	PriceOf(ctx context.Context, symbol string) (decimal.Decimal, pricing.Source, error)
}

// LeafStore persists full leaf sets per snapshot for proof serving.
type LeafStore interface {
	SaveLeaves(ctx context.Context, snapshotID uuid.UUID, balances []models.UserBalance) error
	LoadLeaves(ctx context.Context, snapshotID uuid.UUID) ([]models.UserBalance, error)
}

// InclusionProof is one user's membership proof against a snapshot root.
type InclusionProof struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	ChainID    int64     `json:"chain_id"`
	Address    string    `json:"address"`
	Balance    string    `json:"balance"`
	LeafHash   string    `json:"leaf_hash"`
	Proof      []string  `json:"proof"`
	Root       string    `json:"root"`
}

// Service is the reserve aggregator.
type Service struct {
	reader ChainReader
	prices Pricer
	repo   Repository
	proofs LeafStore
	logger *zap.Logger
	now    func() time.Time
}

// NewService wires the aggregator.
func NewService(reader ChainReader, prices Pricer, repo Repository, proofs LeafStore, logger *zap.Logger) *Service {
	return &Service{
		reader: reader,
		prices: prices,
		repo:   repo,
		proofs: proofs,
		logger: logger,
		now:    time.Now,
	}
}

// FormatRatio renders reserves/liabilities as a 4-decimal fixed string.
// Positive reserves against zero liabilities yield the sentinel "999.9999",
// zero against zero yields "1.0000"; downstream treats both as healthy.
func FormatRatio(reservesUSD, liabilitiesUSD decimal.Decimal) string {
	if liabilitiesUSD.IsZero() {
		if reservesUSD.IsPositive() {
			return "999.9999"
		}
		return "1.0000"
	}
	return reservesUSD.Div(liabilitiesUSD).StringFixed(4)
}

// canonicalizeBalances lowercases addresses and rejects empty or duplicate
// addresses and negative balances. Duplicates are keyed per chain so the same
// address may appear once per chain in multi-chain input.
func canonicalizeBalances(balances []models.UserBalance) ([]models.UserBalance, error) {
	seen := make(map[string]struct{}, len(balances))
	out := make([]models.UserBalance, len(balances))
	for i, b := range balances {
		addr := strings.ToLower(strings.TrimSpace(b.Address))
		if addr == "" {
			return nil, fmt.Errorf("%w: empty address at index %d", ErrInvalidLeaves, i)
		}
		if b.Balance.IsNegative() {
			return nil, fmt.Errorf("%w: negative balance for %s", ErrInvalidLeaves, addr)
		}
		key := fmt.Sprintf("%d/%s", b.ChainID, addr)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate address %s", ErrInvalidLeaves, addr)
		}
		seen[key] = struct{}{}
		out[i] = models.UserBalance{Address: addr, Balance: b.Balance, ChainID: b.ChainID}
	}
	return out, nil
}

func buildTree(balances []models.UserBalance) *merkle.Tree {
	leaves := make([][]byte, len(balances))
	for i, b := range balances {
		leaves[i] = merkle.HashLeaf(b.Address, b.Balance.String())
	}
	return merkle.Build(leaves)
}

// GenerateSnapshot attests one chain: custody native + stablecoin reserves in
// USD against the supplied user liabilities, with the liability set committed
// to a Merkle root. The snapshot is persisted before it is returned.
func (s *Service) GenerateSnapshot(ctx context.Context, addresses []string, userBalances []models.UserBalance, chainID int64) (*models.ReserveSnapshot, error) {
	start := time.Now()

	canonical, err := canonicalizeBalances(userBalances)
	if err != nil {
		return nil, err
	}

	chainRes, err := s.reader.GetChainReserves(ctx, chainID, addresses)
	if err != nil {
		return nil, fmt.Errorf("chain reserves for %d: %w", chainID, err)
	}

	priceSources := make(map[string]string)
	totalUSD := decimal.Zero

	nativeSymbol := blockchain.NativeSymbol(chainID)
	nativePrice, nativeSource, err := s.prices.PriceOf(ctx, nativeSymbol)
	if err != nil {
		return nil, fmt.Errorf("price native %s: %w", nativeSymbol, err)
	}
	priceSources[nativeSymbol] = string(nativeSource)
	nativeHuman := chainRes.TotalReserves.Shift(-nativeDecimals)
	totalUSD = totalUSD.Add(nativeHuman.Mul(nativePrice))

	tokenBalances := make(map[string]string)
	for _, token := range blockchain.StablecoinBasket(chainID) {
		raw, err := s.reader.GetERC20Reserves(ctx, token.Address, addresses, chainID)
		if err != nil {
			s.logger.Warn("token reserves unavailable, omitted from snapshot",
				zap.Int64("chain_id", chainID),
				zap.String("token", token.Symbol),
				zap.Error(err))
			continue
		}
		human := raw.Shift(-int32(s.tokenDecimals(ctx, chainID, token)))
		tokenBalances[token.Symbol] = human.String()

		price, source, err := s.prices.PriceOf(ctx, token.Symbol)
		if err != nil {
			s.logger.Warn("token price unavailable, omitted from totals",
				zap.String("token", token.Symbol),
				zap.Error(err))
			continue
		}
		priceSources[token.Symbol] = string(source)
		totalUSD = totalUSD.Add(human.Mul(price))
	}

	tree := buildTree(canonical)

	liabilityNative := decimal.Zero
	for _, b := range canonical {
		liabilityNative = liabilityNative.Add(b.Balance)
	}
	liabilitiesUSD := liabilityNative.Shift(-nativeDecimals).Mul(nativePrice)

	ratio := FormatRatio(totalUSD, liabilitiesUSD)

	snapshot := &models.ReserveSnapshot{
		ID:                      uuid.New(),
		ChainID:                 chainID,
		BlockNumber:             chainRes.BlockNumber,
		NativeBalance:           chainRes.TotalReserves,
		TokenBalances:           tokenBalances,
		TotalReservesUSD:        totalUSD.Round(4),
		TotalUserLiabilitiesUSD: liabilitiesUSD.Round(4),
		ReserveRatio:            ratio,
		MerkleRoot:              tree.RootHex(),
		UserBalances:            canonical,
		PriceSources:            priceSources,
		CreatedAt:               s.now().UTC(),
	}

	if err := s.repo.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	if err := s.proofs.SaveLeaves(ctx, snapshot.ID, canonical); err != nil {
		return nil, fmt.Errorf("persist leaf set: %w", err)
	}

	metrics.SnapshotsGenerated.WithLabelValues(chainRes.ChainName).Inc()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if ratioFloat, err := strconv.ParseFloat(ratio, 64); err == nil {
		metrics.ReserveRatio.WithLabelValues(chainRes.ChainName).Set(ratioFloat)
	}

	s.logger.Info("reserve snapshot generated",
		zap.String("snapshot_id", snapshot.ID.String()),
		zap.Int64("chain_id", chainID),
		zap.Uint64("block", snapshot.BlockNumber),
		zap.String("reserves_usd", snapshot.TotalReservesUSD.String()),
		zap.String("liabilities_usd", snapshot.TotalUserLiabilitiesUSD.String()),
		zap.String("ratio", ratio),
		zap.Int("users", len(canonical)))

	return snapshot, nil
}

// tokenDecimals reads decimals() on chain, falling back to the well-known
// value per symbol when the call fails.
func (s *Service) tokenDecimals(ctx context.Context, chainID int64, token blockchain.Token) uint8 {
	symbol, decimals, err := s.reader.TokenInfo(ctx, chainID, token.Address)
	if err != nil {
		if d, ok := defaultTokenDecimals[token.Symbol]; ok {
			return d
		}
		return 18
	}
	if symbol != "" && !strings.EqualFold(symbol, token.Symbol) {
		s.logger.Warn("on-chain token symbol differs from registry",
			zap.Int64("chain_id", chainID),
			zap.String("configured", token.Symbol),
			zap.String("on_chain", symbol),
			zap.String("address", token.Address))
	}
	return decimals
}

// GenerateMultiChainProof snapshots every requested chain concurrently and
// aggregates one global ratio. Chains that fail are logged and skipped; the
// proof fails only when every chain does. The combined root commits to the
// sorted set of per-chain roots.
func (s *Service) GenerateMultiChainProof(ctx context.Context, addresses []string, userBalances []models.UserBalance, chainIDs []int64) (*models.MultiChainProof, error) {
	canonical, err := canonicalizeBalances(userBalances)
	if err != nil {
		return nil, err
	}

	byChain := make(map[int64][]models.UserBalance)
	for _, b := range canonical {
		byChain[b.ChainID] = append(byChain[b.ChainID], b)
	}

	snapshots := make([]*models.ReserveSnapshot, len(chainIDs))
	errs := make([]error, len(chainIDs))
	var wg sync.WaitGroup
	for i, chainID := range chainIDs {
		wg.Add(1)
		go func(i int, chainID int64) {
			defer wg.Done()
			snapshots[i], errs[i] = s.GenerateSnapshot(ctx, addresses, byChain[chainID], chainID)
		}(i, chainID)
	}
	wg.Wait()

	var (
		chains    []models.ChainProof
		roots     [][]byte
		totalRes  = decimal.Zero
		totalLiab = decimal.Zero
		lastErr   error
	)
	for i, chainID := range chainIDs {
		if errs[i] != nil {
			lastErr = errs[i]
			s.logger.Error("chain skipped in multi-chain proof",
				zap.Int64("chain_id", chainID),
				zap.Error(errs[i]))
			continue
		}
		snap := snapshots[i]
		chains = append(chains, models.ChainProof{
			ChainID:        snap.ChainID,
			ChainName:      blockchain.ChainName(snap.ChainID),
			BlockNumber:    snap.BlockNumber,
			ReservesUSD:    snap.TotalReservesUSD,
			LiabilitiesUSD: snap.TotalUserLiabilitiesUSD,
			ReserveRatio:   snap.ReserveRatio,
			MerkleRoot:     snap.MerkleRoot,
		})
		totalRes = totalRes.Add(snap.TotalReservesUSD)
		totalLiab = totalLiab.Add(snap.TotalUserLiabilitiesUSD)
		if snap.MerkleRoot != "" {
			if rootBytes, err := hex.DecodeString(snap.MerkleRoot); err == nil {
				roots = append(roots, rootBytes)
			}
		}
	}
	if len(chains) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrAllChainsFailed, lastErr)
	}

	sort.Slice(roots, func(i, j int) bool { return bytes.Compare(roots[i], roots[j]) < 0 })

	return &models.MultiChainProof{
		GeneratedAt:         s.now().UTC(),
		TotalReservesUSD:    totalRes,
		TotalLiabilitiesUSD: totalLiab,
		GlobalRatio:         FormatRatio(totalRes, totalLiab),
		CombinedRoot:        merkle.Build(roots).RootHex(),
		Chains:              chains,
	}, nil
}

// ProofFor serves the inclusion proof of one address against a stored
// snapshot, rebuilding the tree from the persisted leaf set.
func (s *Service) ProofFor(ctx context.Context, snapshotID uuid.UUID, address string) (*InclusionProof, error) {
	snapshot, err := s.repo.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	leaves, err := s.proofs.LoadLeaves(ctx, snapshotID)
	if err != nil {
		return nil, err
	}

	addr := strings.ToLower(strings.TrimSpace(address))
	index := -1
	for i, leaf := range leaves {
		if leaf.Address == addr {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: %s", ErrAddressNotInSnapshot, addr)
	}

	tree := buildTree(leaves)
	if tree.RootHex() != snapshot.MerkleRoot {
		return nil, fmt.Errorf("reserves: stored leaf set does not reproduce snapshot root %s", snapshot.MerkleRoot)
	}
	proof, err := tree.Proof(index)
	if err != nil {
		return nil, err
	}

	return &InclusionProof{
		SnapshotID: snapshot.ID,
		ChainID:    snapshot.ChainID,
		Address:    addr,
		Balance:    leaves[index].Balance.String(),
		LeafHash:   hex.EncodeToString(merkle.HashLeaf(addr, leaves[index].Balance.String())),
		Proof:      merkle.EncodeProof(proof),
		Root:       snapshot.MerkleRoot,
	}, nil
}

// ProofForLatest resolves the newest snapshot for a chain and proves the
// address against it.
func (s *Service) ProofForLatest(ctx context.Context, chainID int64, address string) (*InclusionProof, error) {
	snapshot, err := s.repo.LatestSnapshot(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return s.ProofFor(ctx, snapshot.ID, address)
}

// VerifyBalance is the stateless check: does this (address, balance) leaf
// belong to the tree behind root? Malformed input simply fails verification.
func (s *Service) VerifyBalance(address, balance, rootHex string, proofHex []string) bool {
	proof, err := merkle.DecodeProof(proofHex)
	if err != nil {
		return false
	}
	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return false
	}
	return merkle.Verify(merkle.HashLeaf(strings.ToLower(strings.TrimSpace(address)), balance), proof, root)
}

// GetSnapshot exposes one stored snapshot.
func (s *Service) GetSnapshot(ctx context.Context, id uuid.UUID) (*models.ReserveSnapshot, error) {
	return s.repo.GetSnapshot(ctx, id)
}

// LatestSnapshot exposes the newest stored snapshot for a chain.
func (s *Service) LatestSnapshot(ctx context.Context, chainID int64) (*models.ReserveSnapshot, error) {
	return s.repo.LatestSnapshot(ctx, chainID)
}

// ListSnapshots exposes recent snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, chainID int64, limit int) ([]models.ReserveSnapshot, error) {
	return s.repo.ListSnapshots(ctx, chainID, limit)
}
