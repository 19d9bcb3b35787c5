package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cryptanex/custodyguard/internal/incident"
	"github.com/cryptanex/custodyguard/internal/security"
	"github.com/cryptanex/custodyguard/internal/security/antiphish"
	"github.com/cryptanex/custodyguard/internal/security/timelock"
	"github.com/cryptanex/custodyguard/internal/security/whitelist"
	"github.com/cryptanex/custodyguard/pkg/models"
)

// validateTransaction runs a withdrawal request through the full
// security pipeline and returns the verdict.
func (s *Server) validateTransaction(c *gin.Context) {
	var req models.TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.pipeline.ValidateTransaction(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, security.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) getTimeLock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
		return
	}

	w, err := s.timelocks.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, timelock.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) confirmTimeLock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
		return
	}

	var body struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation code is required"})
		return
	}

	w, err := s.timelocks.Confirm(c.Request.Context(), id, body.Code)
	if err != nil {
		switch {
		case errors.Is(err, timelock.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		case errors.Is(err, timelock.ErrInvalidCode), errors.Is(err, timelock.ErrCodeAttemptsExceeded):
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		case errors.Is(err, timelock.ErrNotPending), errors.Is(err, timelock.ErrAlreadyFinal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) cancelTimeLock(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid withdrawal id"})
		return
	}

	w, err := s.timelocks.Cancel(c.Request.Context(), id, actor(c))
	if err != nil {
		switch {
		case errors.Is(err, timelock.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		case errors.Is(err, timelock.ErrAlreadyFinal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) listWhitelist(c *gin.Context) {
	wallet := c.Query("wallet")
	if wallet == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet query parameter is required"})
		return
	}

	entries, err := s.whitelist.List(c.Request.Context(), wallet)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enforced": s.whitelist.Enabled(),
		"entries":  entries,
	})
}

func (s *Server) addWhitelistEntry(c *gin.Context) {
	var body struct {
		WalletAddress   string `json:"wallet_address" binding:"required"`
		ApprovedAddress string `json:"approved_address" binding:"required"`
		Label           string `json:"label"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet_address and approved_address are required"})
		return
	}

	entry, err := s.whitelist.Add(c.Request.Context(), body.WalletAddress, body.ApprovedAddress, body.Label)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) removeWhitelistEntry(c *gin.Context) {
	wallet := c.Query("wallet")
	address := c.Query("address")
	if wallet == "" || address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet and address query parameters are required"})
		return
	}

	if err := s.whitelist.Remove(c.Request.Context(), wallet, address); err != nil {
		if errors.Is(err, whitelist.ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "whitelist entry not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) listIncidents(c *gin.Context) {
	filter := incident.Filter{
		Severity: c.Query("severity"),
		Status:   c.Query("status"),
		Wallet:   c.Query("wallet"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = limit
	}

	incidents, err := s.incidents.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func (s *Server) getIncident(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident id"})
		return
	}

	inc, err := s.incidents.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, incident.ErrIncidentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) resolveIncident(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident id"})
		return
	}

	var body struct {
		Actions string `json:"actions" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actions taken must be described"})
		return
	}

	inc, err := s.incidents.Resolve(c.Request.Context(), id, actor(c), body.Actions)
	if err != nil {
		switch {
		case errors.Is(err, incident.ErrIncidentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		case errors.Is(err, incident.ErrAlreadyResolved):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.writeError(c, err)
		}
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) listFraudLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}

	logs, err := s.incidents.ListFraud(c.Request.Context(), c.Query("wallet"), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fraud_logs": logs, "count": len(logs)})
}

func (s *Server) setAntiPhishingCode(c *gin.Context) {
	var body struct {
		WalletAddress string `json:"wallet_address" binding:"required"`
		Code          string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet_address and code are required"})
		return
	}

	code, err := s.phishing.Set(c.Request.Context(), body.WalletAddress, body.Code)
	if err != nil {
		if errors.Is(err, antiphish.ErrInvalidCode) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, code)
}

func (s *Server) lockdownStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lockdown.Status(c.Request.Context()))
}

func (s *Server) activateLockdown(c *gin.Context) {
	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a reason is required to activate lockdown"})
		return
	}

	if err := s.lockdown.Activate(c.Request.Context(), actor(c), body.Reason); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lockdown.Status(c.Request.Context()))
}

func (s *Server) deactivateLockdown(c *gin.Context) {
	if err := s.lockdown.Deactivate(c.Request.Context(), actor(c)); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.lockdown.Status(c.Request.Context()))
}
