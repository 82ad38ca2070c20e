package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectHold      = "hold"
	errorSubjectCostRule  = "cost_rule"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSeed         = "seed"
	errorCodeSummarize    = "summarize"
	errorCodeUpdate       = "update"
	errorCodeUpdateState  = "update_state"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// rowLock returns the FOR UPDATE clause where the dialect supports it.
// sqlite has no FOR UPDATE; its writes already serialize on the file lock.
func (store *Store) rowLock() []clause.Expression {
	if store.db.Dialector.Name() == "postgres" {
		return []clause.Expression{clause.Locking{Strength: "UPDATE"}}
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID string) (credits.Balance, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).
		Where(BalanceRow{UserID: userID}).
		FirstOrCreate(&row).Error
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits.Balance{UserID: row.UserID, Spendable: credits.Credits(row.Spendable)}, nil
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (credits.Balance, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("user_id = ?", userID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = BalanceRow{UserID: userID}
		if createErr := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&row).Error; createErr != nil {
			return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, createErr)
		}
		err = store.db.WithContext(ctx).
			Clauses(store.rowLock()...).
			Where("user_id = ?", userID).
			Take(&row).Error
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits.Balance{UserID: row.UserID, Spendable: credits.Credits(row.Spendable)}, nil
}

func (store *Store) UpdateSpendable(ctx context.Context, userID string, spendable credits.Credits) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceRow{}).
		Where("user_id = ?", userID).
		Update("spendable", spendable.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	var holdID *string
	if entry.HoldID != "" {
		value := entry.HoldID
		holdID = &value
	}
	row := LedgerEntryRow{
		EntryID:      entry.EntryID,
		UserID:       entry.UserID,
		Kind:         entry.Kind.String(),
		Amount:       entry.Amount.Int64(),
		BalanceAfter: entry.BalanceAfter.Int64(),
		Description:  entry.Description,
		Origin:       entry.Origin,
		HoldID:       holdID,
		Metadata:     datatypesJSON(entry.MetadataJSON),
		CreatedAt:    time.Unix(entry.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}
	var rows []LedgerEntryRow
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND created_at < ?", userID, before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SummarizeEntries(ctx context.Context, userID string) (credits.Summary, error) {
	var sums sqlSummary
	err := store.db.WithContext(ctx).
		Model(&LedgerEntryRow{}).
		Select(
			"coalesce(sum(case when amount > 0 then amount else 0 end),0) as added, " +
				"coalesce(sum(case when amount < 0 then -amount else 0 end),0) as deducted, " +
				"count(*) as entry_count",
		).
		Where("user_id = ?", userID).
		Scan(&sums).Error
	if err != nil {
		return credits.Summary{}, wrapStoreError(errorSubjectEntry, errorCodeSummarize, err)
	}
	return credits.Summary{
		Added:    credits.Credits(sums.Added),
		Deducted: credits.Credits(sums.Deducted),
		Count:    sums.EntryCount,
	}, nil
}

func (store *Store) CreateHold(ctx context.Context, hold credits.Hold) error {
	row := HoldRow{
		HoldID:      hold.HoldID,
		UserID:      hold.UserID,
		Amount:      hold.Amount.Int64(),
		Description: hold.Description,
		Origin:      hold.Origin,
		State:       hold.State.String(),
		ExpiresAt:   unixToTime(hold.ExpiresAtUnixUTC),
		CreatedAt:   time.Unix(hold.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:   time.Unix(hold.UpdatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHoldForUpdate(ctx context.Context, holdID string) (credits.Hold, error) {
	var row HoldRow
	err := store.db.WithContext(ctx).
		Clauses(store.rowLock()...).
		Where("hold_id = ?", holdID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrUnknownHold)
		}
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return mapHold(row)
}

func (store *Store) UpdateHoldState(ctx context.Context, holdID string, from, to credits.HoldState, updatedUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&HoldRow{}).
		Where("hold_id = ? AND state = ?", holdID, from.String()).
		Updates(map[string]interface{}{
			"state":      to.String(),
			"updated_at": time.Unix(updatedUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateState, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateState, credits.ErrHoldFinalized)
	}
	return nil
}

func (store *Store) ListExpiredHolds(ctx context.Context, asOfUnixUTC int64, limit int) ([]credits.Hold, error) {
	asOf := time.Unix(asOfUnixUTC, 0).UTC()
	var rows []HoldRow
	err := store.db.WithContext(ctx).
		Where("state = ? AND expires_at IS NOT NULL AND expires_at <= ?", credits.HoldStateActive.String(), asOf).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	holds := make([]credits.Hold, 0, len(rows))
	for _, row := range rows {
		hold, err := mapHold(row)
		if err != nil {
			return nil, err
		}
		holds = append(holds, hold)
	}
	return holds, nil
}

func (store *Store) ListActiveCostRules(ctx context.Context) ([]credits.CostRule, error) {
	var rows []CostRuleRow
	err := store.db.WithContext(ctx).
		Where("active = ?", true).
		Order("priority DESC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectCostRule, errorCodeList, err)
	}
	rules := make([]credits.CostRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, credits.CostRule{
			RuleID:      row.RuleID,
			PathPattern: row.PathPattern,
			Cost:        credits.Credits(row.Cost),
			Priority:    row.Priority,
			Active:      row.Active,
		})
	}
	return rules, nil
}

func (store *Store) SeedCostRules(ctx context.Context, rules []credits.CostRule) error {
	for _, rule := range rules {
		row := CostRuleRow{
			RuleID:      rule.RuleID,
			PathPattern: rule.PathPattern,
			Cost:        rule.Cost.Int64(),
			Priority:    rule.Priority,
			Active:      rule.Active,
		}
		err := store.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "path_pattern"}},
				DoNothing: true,
			}).
			Create(&row).Error
		if err != nil {
			return wrapStoreError(errorSubjectCostRule, errorCodeSeed, err)
		}
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSummary struct {
	Added      int64
	Deducted   int64
	EntryCount int64
}

func mapLedgerEntry(row LedgerEntryRow) (credits.Entry, error) {
	kind, err := credits.ParseEntryKind(row.Kind)
	if err != nil {
		return credits.Entry{}, err
	}
	holdID := ""
	if row.HoldID != nil {
		holdID = *row.HoldID
	}
	return credits.Entry{
		EntryID:        row.EntryID,
		UserID:         row.UserID,
		Kind:           kind,
		Amount:         credits.Credits(row.Amount),
		BalanceAfter:   credits.Credits(row.BalanceAfter),
		Description:    row.Description,
		Origin:         row.Origin,
		HoldID:         holdID,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapHold(row HoldRow) (credits.Hold, error) {
	state, err := credits.ParseHoldState(row.State)
	if err != nil {
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeInvalid, err)
	}
	return credits.Hold{
		HoldID:           row.HoldID,
		UserID:           row.UserID,
		Amount:           credits.Credits(row.Amount),
		Description:      row.Description,
		Origin:           row.Origin,
		State:            state,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
		UpdatedUnixUTC:   row.UpdatedAt.Unix(),
		ExpiresAtUnixUTC: timeOrZero(row.ExpiresAt),
	}, nil
}

func unixToTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	converted := time.Unix(value, 0).UTC()
	return &converted
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
