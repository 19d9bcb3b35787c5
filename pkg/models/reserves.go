package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UserBalance is one liability leaf: a user address and the balance owed to it,
// in the asset's smallest integer unit. Address is stored canonical lowercase.
type UserBalance struct {
	Address string          `json:"address" validate:"required"`
	Balance decimal.Decimal `json:"balance"`
	ChainID int64           `json:"chain_id,omitempty"`
}

// AddressBalance is the per-address result of a reserve lookup. Lookups that
// fail are kept with OK=false and a zero balance instead of aborting the scan.
type AddressBalance struct {
	Address string          `json:"address"`
	Balance decimal.Decimal `json:"balance"`
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
}

// ChainReserves is a transient view of custody holdings on one chain,
// recomputed per request and never persisted.
type ChainReserves struct {
	ChainID         int64            `json:"chain_id"`
	ChainName       string           `json:"chain_name"`
	BlockNumber     uint64           `json:"block_number"`
	TotalReserves   decimal.Decimal  `json:"total_reserves"`
	AddressBalances []AddressBalance `json:"address_balances"`
}

// ReserveSnapshot is an immutable attestation that on-chain reserves cover
// user liabilities on one chain at one block height. Retained for audit.
type ReserveSnapshot struct {
	ID                      uuid.UUID         `json:"id" gorm:"primaryKey;type:uuid"`
	ChainID                 int64             `json:"chain_id" gorm:"index"`
	BlockNumber             uint64            `json:"block_number"`
	NativeBalance           decimal.Decimal   `json:"native_balance" gorm:"type:decimal(38,0)"`
	TokenBalances           map[string]string `json:"token_balances" gorm:"type:jsonb;serializer:json"`
	TotalReservesUSD        decimal.Decimal   `json:"total_reserves_usd" gorm:"type:decimal(24,4)"`
	TotalUserLiabilitiesUSD decimal.Decimal   `json:"total_user_liabilities_usd" gorm:"type:decimal(24,4)"`
	ReserveRatio            string            `json:"reserve_ratio"` // 4-decimal fixed string, "999.9999" = no liabilities
	MerkleRoot              string            `json:"merkle_root" gorm:"index"`
	UserBalances            []UserBalance     `json:"user_balances" gorm:"type:jsonb;serializer:json"`
	PriceSources            map[string]string `json:"price_sources" gorm:"type:jsonb;serializer:json"` // symbol -> oracle|fallback
	CreatedAt               time.Time         `json:"created_at"`
}

// ChainProof is the per-chain slice of a multi-chain solvency proof.
type ChainProof struct {
	ChainID        int64           `json:"chain_id"`
	ChainName      string          `json:"chain_name"`
	BlockNumber    uint64          `json:"block_number"`
	ReservesUSD    decimal.Decimal `json:"reserves_usd"`
	LiabilitiesUSD decimal.Decimal `json:"liabilities_usd"`
	ReserveRatio   string          `json:"reserve_ratio"`
	MerkleRoot     string          `json:"merkle_root"`
}

// MultiChainProof aggregates per-chain snapshots into one global solvency
// statement. CombinedRoot commits to the sorted set of per-chain roots.
type MultiChainProof struct {
	GeneratedAt         time.Time       `json:"generated_at"`
	TotalReservesUSD    decimal.Decimal `json:"total_reserves_usd"`
	TotalLiabilitiesUSD decimal.Decimal `json:"total_liabilities_usd"`
	GlobalRatio         string          `json:"global_ratio"`
	CombinedRoot        string          `json:"combined_root"`
	Chains              []ChainProof    `json:"chains"`
}

// RPCEndpoint is a registry row mapping a chain to a JSON-RPC URL. The reader
// dials the highest-priority active endpoint per chain.
type RPCEndpoint struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ChainID   int64     `json:"chain_id" gorm:"index"`
	ChainName string    `json:"chain_name"`
	URL       string    `json:"url" validate:"required,url"`
	Priority  int       `json:"priority" gorm:"default:0"`
	IsActive  bool      `json:"is_active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
