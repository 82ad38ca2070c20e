package credits

import (
	"context"
	"fmt"
	"strings"
)

// Credits is an integer amount of spendable credit.
type Credits int64

// Int64 returns the raw amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// EntryKind enumerates ledger entry kinds.
type EntryKind string

const (
	EntryAddition     EntryKind = "addition"
	EntryDeduction    EntryKind = "deduction"
	EntryHoldPlaced   EntryKind = "hold_placed"
	EntryHoldReleased EntryKind = "hold_released"
)

// String returns the stored representation.
func (kind EntryKind) String() string {
	return string(kind)
}

// ParseEntryKind validates a stored entry kind.
func ParseEntryKind(raw string) (EntryKind, error) {
	switch EntryKind(raw) {
	case EntryAddition, EntryDeduction, EntryHoldPlaced, EntryHoldReleased:
		return EntryKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryKind, raw)
}

// HoldState defines the hold lifecycle. Active transitions exactly once to
// Committed or Released and is never revisited afterward.
type HoldState string

const (
	HoldStateActive    HoldState = "active"
	HoldStateCommitted HoldState = "committed"
	HoldStateReleased  HoldState = "released"
)

// String returns the stored representation.
func (state HoldState) String() string {
	return string(state)
}

// ParseHoldState validates a stored hold state.
func ParseHoldState(raw string) (HoldState, error) {
	switch HoldState(raw) {
	case HoldStateActive, HoldStateCommitted, HoldStateReleased:
		return HoldState(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHoldState, raw)
}

// Balance is a user's current spendable credit. Spendable never goes below
// zero; rows are created lazily at zero on first access.
type Balance struct {
	UserID    string
	Spendable Credits
}

// Entry is a single immutable line in the ledger. Amount is signed: positive
// for credits returned to the user, negative for credits taken. BalanceAfter
// snapshots the spendable amount immediately after the mutation that produced
// this entry.
type Entry struct {
	EntryID        string
	UserID         string
	Kind           EntryKind
	Amount         Credits
	BalanceAfter   Credits
	Description    string
	Origin         string
	HoldID         string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// Hold is a reservation that already debited the balance pending commit or
// release. ExpiresAtUnixUTC of zero means the hold never expires.
type Hold struct {
	HoldID           string
	UserID           string
	Amount           Credits
	Description      string
	Origin           string
	State            HoldState
	CreatedUnixUTC   int64
	UpdatedUnixUTC   int64
	ExpiresAtUnixUTC int64
}

// CostRule prices one billable endpoint pattern. Patterns use {name}
// placeholders for variable path segments. Higher Priority wins; ties keep
// stored order.
type CostRule struct {
	RuleID      string
	PathPattern string
	Cost        Credits
	Priority    int
	Active      bool
}

// Summary aggregates a user's ledger into additions versus deductions.
type Summary struct {
	Added    Credits
	Deducted Credits
	Count    int64
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return trimmed, nil
}

// NewAmount validates an amount and ensures it is strictly positive.
func NewAmount(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// Store is the persistence contract used by the domain services.
// (gormstore and pgstore implement this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetOrCreateBalance(ctx context.Context, userID string) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, userID string) (Balance, error)
	UpdateSpendable(ctx context.Context, userID string, spendable Credits) error

	InsertEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error)
	SummarizeEntries(ctx context.Context, userID string) (Summary, error)

	CreateHold(ctx context.Context, hold Hold) error
	GetHoldForUpdate(ctx context.Context, holdID string) (Hold, error)
	UpdateHoldState(ctx context.Context, holdID string, from, to HoldState, updatedUnixUTC int64) error
	ListExpiredHolds(ctx context.Context, asOfUnixUTC int64, limit int) ([]Hold, error)

	ListActiveCostRules(ctx context.Context) ([]CostRule, error)
	SeedCostRules(ctx context.Context, rules []CostRule) error
}
