package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "entry"
	errorSubjectHold      = "hold"
	errorSubjectCostRule  = "cost_rule"
	errorSubjectTx        = "transaction"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeSeed         = "seed"
	errorCodeSetup        = "setup"
	errorCodeSummarize    = "summarize"
	errorCodeUpdate       = "update"
	errorCodeUpdateState  = "update_state"

	sqlSetup = `
		create table if not exists balances (
			user_id text primary key,
			spendable bigint not null default 0,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create table if not exists ledger_entries (
			entry_id uuid primary key,
			user_id text not null,
			kind text not null,
			amount bigint not null,
			balance_after bigint not null,
			description text not null default '',
			origin text not null default '',
			hold_id uuid,
			metadata jsonb not null default '{}',
			created_at timestamptz not null
		);
		create index if not exists idx_ledger_user_created on ledger_entries(user_id, created_at);
		create table if not exists holds (
			hold_id uuid primary key,
			user_id text not null,
			amount bigint not null,
			description text not null default '',
			origin text not null default '',
			state text not null,
			expires_at timestamptz,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
		create index if not exists idx_holds_state_expires on holds(state, expires_at);
		create table if not exists cost_rules (
			rule_id uuid primary key,
			path_pattern text not null unique,
			cost bigint not null,
			priority int not null default 0,
			active boolean not null default true,
			created_at timestamptz not null default now()
		);
	`

	sqlEnsureBalance = `
		insert into balances(user_id) values($1)
		on conflict (user_id) do nothing
	`

	sqlSelectBalance = `
		select spendable from balances where user_id = $1
	`

	sqlSelectBalanceForUpdate = sqlSelectBalance + ` for update`

	sqlUpdateSpendable = `
		update balances set spendable = $2, updated_at = now() where user_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_entries(
			entry_id, user_id, kind, amount, balance_after, description, origin, hold_id, metadata, created_at
		)
		values(
			$1, $2, $3, $4, $5, $6, $7,
			nullif($8,'')::uuid,
			coalesce(nullif($9,''),'{}')::jsonb,
			to_timestamp($10)
		)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			user_id,
			kind,
			amount,
			balance_after,
			description,
			origin,
			coalesce(hold_id::text,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_entries
		where user_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`

	sqlSummarizeEntries = `
		select
			coalesce(sum(case when amount > 0 then amount else 0 end),0),
			coalesce(sum(case when amount < 0 then -amount else 0 end),0),
			count(*)
		from ledger_entries
		where user_id = $1
	`

	sqlInsertHold = `
		insert into holds(hold_id, user_id, amount, description, origin, state, expires_at, created_at, updated_at)
		values($1, $2, $3, $4, $5, $6, to_timestamp(nullif($7,0)), to_timestamp($8), to_timestamp($9))
	`

	sqlSelectHoldForUpdate = `
		select
			hold_id::text,
			user_id,
			amount,
			description,
			origin,
			state,
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from holds
		where hold_id = $1
		for update
	`

	sqlUpdateHoldState = `
		update holds
		set state = $3, updated_at = to_timestamp($4)
		where hold_id = $1 and state = $2
	`

	sqlListExpiredHolds = `
		select
			hold_id::text,
			user_id,
			amount,
			description,
			origin,
			state,
			coalesce(extract(epoch from expires_at)::bigint,0),
			extract(epoch from created_at)::bigint,
			extract(epoch from updated_at)::bigint
		from holds
		where state = 'active' and expires_at is not null and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
	`

	sqlListActiveCostRules = `
		select rule_id::text, path_pattern, cost, priority, active
		from cost_rules
		where active
		order by priority desc, created_at asc
	`

	sqlInsertCostRule = `
		insert into cost_rules(rule_id, path_pattern, cost, priority, active)
		values(coalesce(nullif($1,'')::uuid, gen_random_uuid()), $2, $3, $4, $5)
		on conflict (path_pattern) do nothing
	`
)

// queryer is the subset of pgx shared by pools and transactions.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store on a pgx connection pool (autocommit outside
// WithTx).
type Store struct {
	pool *pgxpool.Pool
	db   queryer
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Setup creates the schema when it does not exist yet.
func (store *Store) Setup(ctx context.Context) error {
	if _, err := store.db.Exec(ctx, sqlSetup); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeSetup, err)
	}
	return nil
}

// WithTx executes fn within a transaction. Nested calls run inside the
// already-open transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetOrCreateBalance(ctx context.Context, userID string) (credits.Balance, error) {
	return store.readBalance(ctx, userID, sqlSelectBalance)
}

func (store *Store) GetBalanceForUpdate(ctx context.Context, userID string) (credits.Balance, error) {
	return store.readBalance(ctx, userID, sqlSelectBalanceForUpdate)
}

func (store *Store) readBalance(ctx context.Context, userID string, selectQuery string) (credits.Balance, error) {
	if _, err := store.db.Exec(ctx, sqlEnsureBalance, userID); err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}
	var spendable int64
	if err := store.db.QueryRow(ctx, selectQuery, userID).Scan(&spendable); err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLookup, err)
	}
	return credits.Balance{UserID: userID, Spendable: credits.Credits(spendable)}, nil
}

func (store *Store) UpdateSpendable(ctx context.Context, userID string, spendable credits.Credits) error {
	tag, err := store.db.Exec(ctx, sqlUpdateSpendable, userID, spendable.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, pgx.ErrNoRows)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry credits.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.EntryID,
		entry.UserID,
		entry.Kind.String(),
		entry.Amount.Int64(),
		entry.BalanceAfter.Int64(),
		entry.Description,
		entry.Origin,
		entry.HoldID,
		entry.MetadataJSON,
		entry.CreatedUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, userID string, beforeUnixUTC int64, limit int) ([]credits.Entry, error) {
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, userID, beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.Entry, 0)
	for rows.Next() {
		var (
			entry     credits.Entry
			kindValue string
			amount    int64
			after     int64
		)
		if err := rows.Scan(
			&entry.EntryID,
			&entry.UserID,
			&kindValue,
			&amount,
			&after,
			&entry.Description,
			&entry.Origin,
			&entry.HoldID,
			&entry.MetadataJSON,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		kind, err := credits.ParseEntryKind(kindValue)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entry.Kind = kind
		entry.Amount = credits.Credits(amount)
		entry.BalanceAfter = credits.Credits(after)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

func (store *Store) SummarizeEntries(ctx context.Context, userID string) (credits.Summary, error) {
	var added, deducted, count int64
	if err := store.db.QueryRow(ctx, sqlSummarizeEntries, userID).Scan(&added, &deducted, &count); err != nil {
		return credits.Summary{}, wrapStoreError(errorSubjectEntry, errorCodeSummarize, err)
	}
	return credits.Summary{
		Added:    credits.Credits(added),
		Deducted: credits.Credits(deducted),
		Count:    count,
	}, nil
}

func (store *Store) CreateHold(ctx context.Context, hold credits.Hold) error {
	_, err := store.db.Exec(ctx, sqlInsertHold,
		hold.HoldID,
		hold.UserID,
		hold.Amount.Int64(),
		hold.Description,
		hold.Origin,
		hold.State.String(),
		hold.ExpiresAtUnixUTC,
		hold.CreatedUnixUTC,
		hold.UpdatedUnixUTC,
	)
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectHold, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetHoldForUpdate(ctx context.Context, holdID string) (credits.Hold, error) {
	hold, err := scanHold(store.db.QueryRow(ctx, sqlSelectHoldForUpdate, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, credits.ErrUnknownHold)
		}
		return credits.Hold{}, wrapStoreError(errorSubjectHold, errorCodeGet, err)
	}
	return hold, nil
}

func (store *Store) UpdateHoldState(ctx context.Context, holdID string, from, to credits.HoldState, updatedUnixUTC int64) error {
	tag, err := store.db.Exec(ctx, sqlUpdateHoldState, holdID, from.String(), to.String(), updatedUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateState, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectHold, errorCodeUpdateState, credits.ErrHoldFinalized)
	}
	return nil
}

func (store *Store) ListExpiredHolds(ctx context.Context, asOfUnixUTC int64, limit int) ([]credits.Hold, error) {
	rows, err := store.db.Query(ctx, sqlListExpiredHolds, asOfUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	defer rows.Close()
	holds := make([]credits.Hold, 0)
	for rows.Next() {
		hold, err := scanHold(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
		}
		holds = append(holds, hold)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHold, errorCodeList, err)
	}
	return holds, nil
}

func (store *Store) ListActiveCostRules(ctx context.Context) ([]credits.CostRule, error) {
	rows, err := store.db.Query(ctx, sqlListActiveCostRules)
	if err != nil {
		return nil, wrapStoreError(errorSubjectCostRule, errorCodeList, err)
	}
	defer rows.Close()
	rules := make([]credits.CostRule, 0)
	for rows.Next() {
		var (
			rule credits.CostRule
			cost int64
		)
		if err := rows.Scan(&rule.RuleID, &rule.PathPattern, &cost, &rule.Priority, &rule.Active); err != nil {
			return nil, wrapStoreError(errorSubjectCostRule, errorCodeList, err)
		}
		rule.Cost = credits.Credits(cost)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectCostRule, errorCodeList, err)
	}
	return rules, nil
}

func (store *Store) SeedCostRules(ctx context.Context, rules []credits.CostRule) error {
	for _, rule := range rules {
		_, err := store.db.Exec(ctx, sqlInsertCostRule,
			rule.RuleID,
			rule.PathPattern,
			rule.Cost.Int64(),
			rule.Priority,
			rule.Active,
		)
		if err != nil {
			return wrapStoreError(errorSubjectCostRule, errorCodeSeed, err)
		}
	}
	return nil
}

func scanHold(row pgx.Row) (credits.Hold, error) {
	var (
		hold       credits.Hold
		amount     int64
		stateValue string
	)
	if err := row.Scan(
		&hold.HoldID,
		&hold.UserID,
		&amount,
		&hold.Description,
		&hold.Origin,
		&stateValue,
		&hold.ExpiresAtUnixUTC,
		&hold.CreatedUnixUTC,
		&hold.UpdatedUnixUTC,
	); err != nil {
		return credits.Hold{}, err
	}
	state, err := credits.ParseHoldState(stateValue)
	if err != nil {
		return credits.Hold{}, err
	}
	hold.Amount = credits.Credits(amount)
	hold.State = state
	return hold, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}
