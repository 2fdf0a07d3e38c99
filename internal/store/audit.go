package store

import (
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// RiskDecisionRecord is the database model for one pre-trade assessment,
// adapted from the teacher's AssetSnapshotRecord (internal/db/transaction_recorder.go)
// from a DEX asset-snapshot row to a risk-decision audit row: same
// GORM tags, autoCreateTime/autoUpdateTime convention, and TableName
// method, different columns.
type RiskDecisionRecord struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"index;not null"`
	Symbol     string    `gorm:"type:varchar(32);index;not null"`
	Venue      string    `gorm:"type:varchar(32);index;not null"`
	Decision   string    `gorm:"type:varchar(32);not null"`
	Reasons    string    `gorm:"type:varchar(255)"`
	Warnings   string    `gorm:"type:varchar(255)"`
	Quantity   float64   `gorm:"not null"`
	Price      float64   `gorm:"not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (RiskDecisionRecord) TableName() string {
	return "risk_decisions"
}

// AuditLog persists the pre-trade assessment records passed to
// RecordDecision and counts them with CountSince. The evaluator's
// daily-trade-count check keeps its own in-memory count and does not
// consult it.
type AuditLog struct {
	db *gorm.DB
}

// NewAuditLog opens a MySQL connection and migrates the schema, mirroring
// the teacher's NewMySQLRecorder.
func NewAuditLog(dsn string) (*AuditLog, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	if err := db.AutoMigrate(&RiskDecisionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// NewAuditLogWithDB wraps an existing *gorm.DB and migrates the schema.
func NewAuditLogWithDB(db *gorm.DB) (*AuditLog, error) {
	if err := db.AutoMigrate(&RiskDecisionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &AuditLog{db: db}, nil
}

// RecordDecision persists one assessment.
func (a *AuditLog) RecordDecision(rec RiskDecisionRecord) error {
	result := a.db.Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("failed to record risk decision: %w", result.Error)
	}
	return nil
}

// CountSince returns the number of approved-or-warned decisions for
// (symbol, venue) recorded at or after since, backing a durable
// alternative to the evaluator's in-memory daily counter across restarts.
func (a *AuditLog) CountSince(symbol, venue string, since time.Time) (int64, error) {
	var count int64
	err := a.db.Model(&RiskDecisionRecord{}).
		Where("symbol = ? AND venue = ? AND created_at >= ? AND decision != ?", symbol, venue, since, "reject").
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count risk decisions: %w", err)
	}
	return count, nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (a *AuditLog) GetDB() *gorm.DB {
	return a.db
}

// Close closes the database connection.
func (a *AuditLog) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get underlying DB: %w", err)
	}
	return sqlDB.Close()
}
