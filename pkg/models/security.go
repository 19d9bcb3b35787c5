package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Severity levels shared by fraud logs and incidents.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// TimeLockedWithdrawal statuses.
const (
	TimeLockStatusPending   = "pending"
	TimeLockStatusConfirmed = "confirmed"
	TimeLockStatusExecuted  = "executed"
	TimeLockStatusCancelled = "cancelled"
	TimeLockStatusExpired   = "expired"
)

// SecurityIncident statuses.
const (
	IncidentStatusOpen     = "open"
	IncidentStatusResolved = "resolved"
)

// TransactionRequest is an outbound transaction submitted for security
// validation. Amount is in human units, never wei.
type TransactionRequest struct {
	FromAddress string                 `json:"from_address" validate:"required"`
	ToAddress   string                 `json:"to_address" validate:"required"`
	Amount      decimal.Decimal        `json:"amount"`
	Currency    string                 `json:"currency" validate:"required,max=16"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// SecurityCheckResult is the orchestrator's verdict on a TransactionRequest.
// Reason is user-facing; operators get the full detail in logs.
type SecurityCheckResult struct {
	Allowed    bool       `json:"allowed"`
	Reason     string     `json:"reason"`
	RiskScore  *int       `json:"risk_score,omitempty"`
	RiskLevel  string     `json:"risk_level,omitempty"`
	TimeLockID *uuid.UUID `json:"time_lock_id,omitempty"`
}

// TimeLockedWithdrawal delays a large withdrawal behind a confirmation code.
// Only the bcrypt hash of the code is stored.
type TimeLockedWithdrawal struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	FromAddress  string          `json:"from_address" gorm:"index"`
	ToAddress    string          `json:"to_address"`
	Amount       decimal.Decimal `json:"amount" gorm:"type:decimal(38,18)"`
	Currency     string          `json:"currency"`
	LockUntil    time.Time       `json:"lock_until"`
	CodeHash     string          `json:"-"`
	CodeAttempts int             `json:"code_attempts"`
	Status       string          `json:"status" gorm:"index"` // pending, confirmed, executed, cancelled, expired
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ConfirmedAt  *time.Time      `json:"confirmed_at,omitempty"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
}

// WhitelistEntry approves a destination address for one wallet. Entries are
// soft-deleted via IsActive, never hard-removed.
type WhitelistEntry struct {
	ID              uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	WalletAddress   string    `json:"wallet_address" gorm:"index"`
	ApprovedAddress string    `json:"approved_address"`
	Label           string    `json:"label,omitempty" validate:"omitempty,max=100"`
	IsActive        bool      `json:"is_active" gorm:"default:true"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AntiPhishingCode is a user-chosen phrase echoed in every notification so
// forged mails are recognizable.
type AntiPhishingCode struct {
	ID            uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	WalletAddress string    `json:"wallet_address" gorm:"uniqueIndex"`
	Code          string    `json:"code" validate:"required,min=4,max=32"`
	IsActive      bool      `json:"is_active" gorm:"default:true"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FraudLog is an append-only record of a single scorer, velocity or
// whitelist finding.
type FraudLog struct {
	ID            uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	WalletAddress string                 `json:"wallet_address" gorm:"index"`
	ActivityType  string                 `json:"activity_type" gorm:"index"`
	Severity      string                 `json:"severity"` // low, medium, high, critical
	Description   string                 `json:"description"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt     time.Time              `json:"created_at"`
}

// SecurityIncident is an operator-visible event requiring action or review.
type SecurityIncident struct {
	ID             uuid.UUID              `json:"id" gorm:"primaryKey;type:uuid"`
	IncidentType   string                 `json:"incident_type" gorm:"index"`
	Severity       string                 `json:"severity" gorm:"index"` // low, medium, high, critical
	AffectedWallet string                 `json:"affected_wallet,omitempty" gorm:"index"`
	Description    string                 `json:"description"`
	Status         string                 `json:"status" gorm:"index"` // open, resolved
	DetectedBy     string                 `json:"detected_by"`
	Metadata       map[string]interface{} `json:"metadata,omitempty" gorm:"type:jsonb;serializer:json"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ActionsTaken   string                 `json:"actions_taken,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}
