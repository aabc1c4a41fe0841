package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"gorm.io/datatypes"
)

// Action tags why a balance changed.
type Action string

const (
	ActionLookup              Action = "lookup"
	ActionExplain             Action = "explain"
	ActionTutorTurn           Action = "tutor_turn"
	ActionTranscriptionMinute Action = "transcription_minute"
	ActionBatchTranslateUnit  Action = "batch_translate_unit"

	ActionReferralBonus     Action = "referral_bonus"
	ActionMonthlyReset      Action = "monthly_reset"
	ActionPurchase          Action = "purchase"
	ActionManualAdjustment  Action = "manual_adjustment"
	ActionInitialGrant      Action = "initial_grant"
	ActionSubscriptionGrant Action = "subscription_grant"
	ActionRefund            Action = "refund"
)

func (a Action) Valid() bool {
	switch a {
	case ActionLookup,
		ActionExplain,
		ActionTutorTurn,
		ActionTranscriptionMinute,
		ActionBatchTranslateUnit,
		ActionReferralBonus,
		ActionMonthlyReset,
		ActionPurchase,
		ActionManualAdjustment,
		ActionInitialGrant,
		ActionSubscriptionGrant,
		ActionRefund:
		return true
	default:
		return false
	}
}

// LedgerEntry is an append-only record of one balance change.
// Amount is signed: negative for deductions, positive for credits.
type LedgerEntry struct {
	ID           snowflake.ID   `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	AccountID    string         `json:"account_id" gorm:"type:varchar(191);not null;index:ix_ledger_entries_account_created,priority:1"`
	Amount       int64          `json:"amount" gorm:"not null"`
	BalanceAfter int64          `json:"balance_after" gorm:"not null"`
	Action       Action         `json:"action" gorm:"type:varchar(32);not null"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at" gorm:"not null;index:ix_ledger_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// MutationRequest describes a single deduct or add. Amount is always positive.
type MutationRequest struct {
	AccountID string
	Action    Action
	Amount    int64
	Metadata  map[string]any
}

// Result reports the outcome of a mutation. Success is false only when a
// deduction was refused for insufficient funds.
type Result struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"new_balance"`
	Amount     int64 `json:"amount"`
}

// TierChange moves an account to a new tier and monthly allowance.
type TierChange struct {
	AccountID string
	Tier      accountdomain.Tier
	Allowance int64
	// FloorRaise lifts the balance to at least Allowance when the tier actually changes.
	FloorRaise bool
	Metadata   map[string]any
}

// UsageSummary totals deductions since the start of the current period.
type UsageSummary struct {
	TotalUsed int64            `json:"total_used"`
	ByAction  map[string]int64 `json:"by_action"`
	Balance   int64            `json:"balance"`
	Limit     int64            `json:"limit"`
	ResetAt   time.Time        `json:"reset_at"`
	Since     time.Time        `json:"since"`
}
