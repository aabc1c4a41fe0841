package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Service is the only writer of account balances.
type Service interface {
	// Deduct returns Success=false with a nil error when the balance cannot cover Amount.
	Deduct(ctx context.Context, req MutationRequest) (Result, error)
	Add(ctx context.Context, req MutationRequest) (Result, error)
	ChangeTier(ctx context.Context, change TierChange) (Result, error)
	// ResetAllowance sets the balance to the monthly allowance when the account
	// is due. The bool is false when the account was not due under the lock.
	ResetAllowance(ctx context.Context, accountID string, now time.Time) (Result, bool, error)
	// RecordGrant appends an entry for a balance already written by the caller
	// in the same transaction, such as the opening balance at provisioning.
	RecordGrant(ctx context.Context, tx *gorm.DB, accountID string, action Action, amount, balanceAfter int64, metadata map[string]any) error
	// WithTx returns a Service whose mutations join tx.
	WithTx(tx *gorm.DB) Service
	History(ctx context.Context, accountID string, limit, offset int) ([]LedgerEntry, error)
	UsageSummary(ctx context.Context, accountID string) (*UsageSummary, error)
}
