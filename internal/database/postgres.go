package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cryptanex/custodyguard/pkg/models"
)

// NewPostgresDB opens a PostgreSQL connection with pooling sized for the
// custody workload (many short repository reads, few long writes).
func NewPostgresDB(dsn string, maxOpen, maxIdle int, connMaxLifetime time.Duration) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if maxOpen <= 0 {
		maxOpen = 25
	}
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if connMaxLifetime <= 0 {
		connMaxLifetime = time.Hour
	}

	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)

	return db, nil
}

// Migrate creates or updates the tables backing every persisted entity.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.ReserveSnapshot{},
		&models.RPCEndpoint{},
		&models.TimeLockedWithdrawal{},
		&models.WhitelistEntry{},
		&models.AntiPhishingCode{},
		&models.FraudLog{},
		&models.SecurityIncident{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
