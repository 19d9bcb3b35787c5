package reserves

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// ErrLeavesNotFound is returned when no leaf set is stored for a snapshot.
var ErrLeavesNotFound = errors.New("reserves: no leaf set for snapshot")

// ProofStore keeps each snapshot's full leaf set in BadgerDB so inclusion
// proofs are served without touching the chain again.
type ProofStore struct {
	db *badger.DB
}

// NewProofStore opens the store at path.
func NewProofStore(path string) (*ProofStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open proof store: %w", err)
	}
	return &ProofStore{db: db}, nil
}

func leavesKey(snapshotID uuid.UUID) []byte {
	return []byte("leaves:" + snapshotID.String())
}

// SaveLeaves persists the leaf set for one snapshot.
func (s *ProofStore) SaveLeaves(ctx context.Context, snapshotID uuid.UUID, balances []models.UserBalance) error {
	blob, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("marshal leaf set: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(leavesKey(snapshotID), blob)
	})
}

// LoadLeaves retrieves the leaf set for one snapshot.
func (s *ProofStore) LoadLeaves(ctx context.Context, snapshotID uuid.UUID) ([]models.UserBalance, error) {
	var blob []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(leavesKey(snapshotID))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			blob = append([]byte(nil), v...)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrLeavesNotFound, snapshotID)
	}
	if err != nil {
		return nil, err
	}
	var balances []models.UserBalance
	if err := json.Unmarshal(blob, &balances); err != nil {
		return nil, fmt.Errorf("unmarshal leaf set: %w", err)
	}
	return balances, nil
}

// Close releases the underlying database.
func (s *ProofStore) Close() error {
	return s.db.Close()
}
