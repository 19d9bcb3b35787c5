package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cryptanex/custodyguard/internal/reserves"
	"github.com/cryptanex/custodyguard/internal/reserves/blockchain"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// getSnapshot serves one snapshot by id, or the newest one for a chain.
func (s *Server) getSnapshot(c *gin.Context) {
	if raw := c.Query("id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot id"})
			return
		}
		snapshot, err := s.reserves.GetSnapshot(c.Request.Context(), id)
		if err != nil {
			s.writeSnapshotError(c, err)
			return
		}
		c.JSON(http.StatusOK, snapshot)
		return
	}

	chainID, ok := parseChainID(c, c.DefaultQuery("chain_id", "1"))
	if !ok {
		return
	}
	snapshot, err := s.reserves.LatestSnapshot(c.Request.Context(), chainID)
	if err != nil {
		s.writeSnapshotError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) listSnapshots(c *gin.Context) {
	chainID, ok := parseChainID(c, c.DefaultQuery("chain_id", "1"))
	if !ok {
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	snapshots, err := s.reserves.ListSnapshots(c.Request.Context(), chainID, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snapshots, "count": len(snapshots)})
}

// getInclusionProof proves an address against a snapshot: either the one
// named by snapshot_id, or the newest one for chain_id.
func (s *Server) getInclusionProof(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address query parameter is required"})
		return
	}

	var (
		proof *reserves.InclusionProof
		err   error
	)
	if raw := c.Query("snapshot_id"); raw != "" {
		id, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid snapshot id"})
			return
		}
		proof, err = s.reserves.ProofFor(c.Request.Context(), id, address)
	} else {
		chainID, ok := parseChainID(c, c.DefaultQuery("chain_id", "1"))
		if !ok {
			return
		}
		proof, err = s.reserves.ProofForLatest(c.Request.Context(), chainID, address)
	}
	if err != nil {
		switch {
		case errors.Is(err, reserves.ErrSnapshotNotFound), errors.Is(err, reserves.ErrLeavesNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		case errors.Is(err, reserves.ErrAddressNotInSnapshot):
			c.JSON(http.StatusNotFound, gin.H{"error": "address not in snapshot"})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, proof)
}

// verifyBalance is the stateless audit check: a client replays a proof it
// received and learns whether it holds against the published root.
func (s *Server) verifyBalance(c *gin.Context) {
	address := c.Query("address")
	balance := c.Query("balance")
	root := c.Query("root")
	proofRaw := c.Query("proof")
	if address == "" || balance == "" || root == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address, balance and root query parameters are required"})
		return
	}

	var proof []string
	if proofRaw != "" {
		proof = strings.Split(proofRaw, ",")
	}

	c.JSON(http.StatusOK, gin.H{
		"address": strings.ToLower(strings.TrimSpace(address)),
		"valid":   s.reserves.VerifyBalance(address, balance, root, proof),
	})
}

// generateSnapshot runs an on-demand attestation for one chain.
func (s *Server) generateSnapshot(c *gin.Context) {
	var body struct {
		ChainID      int64                `json:"chain_id"`
		Addresses    []string             `json:"addresses" binding:"required"`
		UserBalances []models.UserBalance `json:"user_balances" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "addresses and user_balances are required"})
		return
	}
	if body.ChainID == 0 {
		body.ChainID = 1
	}

	snapshot, err := s.reserves.GenerateSnapshot(c.Request.Context(), body.Addresses, body.UserBalances, body.ChainID)
	if err != nil {
		switch {
		case errors.Is(err, reserves.ErrInvalidLeaves):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, blockchain.ErrNoEndpoint):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

// generateMultiChainProof attestates every requested chain and folds the
// per-chain roots into one combined commitment.
func (s *Server) generateMultiChainProof(c *gin.Context) {
	var body struct {
		Addresses    []string             `json:"addresses" binding:"required"`
		UserBalances []models.UserBalance `json:"user_balances" binding:"required"`
		ChainIDs     []int64              `json:"chain_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "addresses, user_balances and chain_ids are required"})
		return
	}

	proof, err := s.reserves.GenerateMultiChainProof(c.Request.Context(), body.Addresses, body.UserBalances, body.ChainIDs)
	if err != nil {
		switch {
		case errors.Is(err, reserves.ErrInvalidLeaves):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, reserves.ErrAllChainsFailed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, proof)
}

func (s *Server) writeSnapshotError(c *gin.Context, err error) {
	if errors.Is(err, reserves.ErrSnapshotNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	s.writeError(c, err)
}

func parseChainID(c *gin.Context, raw string) (int64, bool) {
	chainID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || chainID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chain id"})
		return 0, false
	}
	return chainID, true
}
