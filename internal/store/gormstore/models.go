package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BalanceRow represents the balances table: one mutable row per user.
type BalanceRow struct {
	UserID    string    `gorm:"primaryKey"`
	Spendable int64     `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "balances" }

// LedgerEntryRow mirrors the ledger_entries table. Rows are append-only.
type LedgerEntryRow struct {
	EntryID      string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"not null;index:idx_ledger_user_created,priority:1"`
	Kind         string         `gorm:"not null"`
	Amount       int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	Description  string         `gorm:""`
	Origin       string         `gorm:""`
	HoldID       *string        `gorm:"index"`
	Metadata     datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_ledger_user_created,priority:2"`
}

func (LedgerEntryRow) TableName() string { return "ledger_entries" }

func (entry *LedgerEntryRow) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// HoldRow mirrors the holds table.
type HoldRow struct {
	HoldID      string     `gorm:"type:uuid;primaryKey"`
	UserID      string     `gorm:"not null;index"`
	Amount      int64      `gorm:"not null"`
	Description string     `gorm:""`
	Origin      string     `gorm:""`
	State       string     `gorm:"not null;index:idx_holds_state_expires,priority:1"`
	ExpiresAt   *time.Time `gorm:"index:idx_holds_state_expires,priority:2"`
	CreatedAt   time.Time  `gorm:"not null"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (HoldRow) TableName() string { return "holds" }

func (hold *HoldRow) BeforeCreate(tx *gorm.DB) error {
	if hold.HoldID == "" {
		hold.HoldID = uuid.NewString()
	}
	return nil
}

// CostRuleRow mirrors the cost_rules table. Rules are managed by an
// administrative surface and read-only to the admission path.
type CostRuleRow struct {
	RuleID      string    `gorm:"type:uuid;primaryKey"`
	PathPattern string    `gorm:"not null;uniqueIndex"`
	Cost        int64     `gorm:"not null"`
	Priority    int       `gorm:"not null;default:0"`
	Active      bool      `gorm:"not null;default:true"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (CostRuleRow) TableName() string { return "cost_rules" }

func (rule *CostRuleRow) BeforeCreate(tx *gorm.DB) error {
	if rule.RuleID == "" {
		rule.RuleID = uuid.NewString()
	}
	return nil
}

// Migrate creates or updates the schema for gorm-managed deployments. The
// pgx backend manages its own schema via pgstore.Setup.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&BalanceRow{}, &LedgerEntryRow{}, &HoldRow{}, &CostRuleRow{})
}
