package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// BalanceRow mirrors the credit_balances table. One row per (holder, key)
// pair, created lazily on the first mutation.
type BalanceRow struct {
	HolderID  string    `gorm:"primaryKey"`
	CreditKey string    `gorm:"primaryKey"`
	Balance   int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "credit_balances" }

// LedgerRow mirrors the append-only credit_ledger table. The BIGINT
// primary key doubles as the history cursor and the seat-membership
// recency order.
type LedgerRow struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	HolderID       string         `gorm:"not null;index:idx_credit_ledger_holder,priority:1"`
	CreditKey      string         `gorm:"not null;index:idx_credit_ledger_holder,priority:2"`
	Amount         int64          `gorm:"not null"`
	BalanceAfter   int64          `gorm:"not null"`
	Type           string         `gorm:"not null"`
	Source         string         `gorm:"not null;index:idx_credit_ledger_source,priority:2"`
	SourceID       string         `gorm:"index:idx_credit_ledger_source,priority:1"`
	Description    string         `gorm:""`
	Metadata       datatypes.JSON `gorm:"not null"`
	IdempotencyKey *string        `gorm:"uniqueIndex:uniq_credit_ledger_idempotency_key"`
	CreatedAt      time.Time      `gorm:"not null"`
}

func (LedgerRow) TableName() string { return "credit_ledger" }

// FailureRow mirrors the topup_failures table. One row per (holder, key)
// pair, deleted entirely on recovery.
type FailureRow struct {
	HolderID        string    `gorm:"primaryKey"`
	CreditKey       string    `gorm:"primaryKey"`
	PaymentMethodID string    `gorm:""`
	DeclineType     string    `gorm:"not null"`
	DeclineCode     string    `gorm:""`
	FailureCount    int64     `gorm:"not null"`
	LastFailureAt   time.Time `gorm:"not null"`
	Disabled        bool      `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (FailureRow) TableName() string { return "topup_failures" }
