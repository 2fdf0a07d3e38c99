package store

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func TestAuditLog_RecordDecision(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `risk_decisions`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	log := &AuditLog{db: gormDB}

	err = log.RecordDecision(RiskDecisionRecord{
		Timestamp: time.Now(),
		Symbol:    "BTC",
		Venue:     "binance",
		Decision:  "approve",
		Quantity:  1,
		Price:     20000,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLog_CountSince(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"count"}).AddRow(2)
	mock.ExpectQuery("SELECT count").WillReturnRows(rows)

	log := &AuditLog{db: gormDB}
	count, err := log.CountSince("BTC", "binance", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRiskDecisionRecord_TableName(t *testing.T) {
	rec := RiskDecisionRecord{}
	require.Equal(t, "risk_decisions", rec.TableName())
}
