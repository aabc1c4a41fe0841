// Package testutil opens throwaway sqlite databases with the full schema.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/migration"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

// NewDB returns an isolated in-memory database. A single connection makes
// concurrent transactions queue the way row locks would.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec("PRAGMA busy_timeout = 5000").Error)
	require.NoError(t, migration.AutoMigrate(db))
	return db
}

func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

// SeedAccount inserts an account row directly, bypassing provisioning.
func SeedAccount(t *testing.T, db *gorm.DB, account accountdomain.Account) *accountdomain.Account {
	t.Helper()

	now := time.Now().UTC()
	if account.Tier == "" {
		account.Tier = accountdomain.TierFree
	}
	if account.ReferralCode == "" {
		account.ReferralCode = fmt.Sprintf("R%07d", dbSeq.Add(1))
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
		if !account.CreditsResetAt.IsZero() {
			account.CreatedAt = accountdomain.AddMonths(account.CreditsResetAt, -1, account.CreditsResetAt.Day())
		}
	}
	if account.CreditsResetAt.IsZero() {
		account.CreditsResetAt = accountdomain.AddMonths(account.CreatedAt, 1, account.CreatedAt.Day())
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	require.NoError(t, db.Create(&account).Error)
	return &account
}

// Balance reads the stored balance.
func Balance(t *testing.T, db *gorm.DB, accountID string) int64 {
	t.Helper()
	var balance int64
	require.NoError(t, db.Raw(`SELECT credits_balance FROM accounts WHERE id = ?`, accountID).Scan(&balance).Error)
	return balance
}

// EntrySum totals every ledger amount recorded for the account.
func EntrySum(t *testing.T, db *gorm.DB, accountID string) int64 {
	t.Helper()
	var sum int64
	require.NoError(t, db.Raw(`SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE account_id = ?`, accountID).Scan(&sum).Error)
	return sum
}
