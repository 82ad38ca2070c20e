package gormstore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/credits"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	// One connection keeps the in-memory database shared across the pool.
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func testClock() func() int64 {
	var tick atomic.Int64
	tick.Store(1_700_000_000)
	return func() int64 {
		return tick.Add(1)
	}
}

func mustHoldManager(test *testing.T, store credits.Store) *credits.HoldManager {
	test.Helper()
	manager, err := credits.NewHoldManager(store, testClock())
	if err != nil {
		test.Fatalf("new hold manager: %v", err)
	}
	return manager
}

func TestBalanceCreatedLazilyAtZero(test *testing.T) {
	store := newTestStore(test)

	balance, err := store.GetOrCreateBalance(context.Background(), "fresh")
	if err != nil {
		test.Fatalf("get or create: %v", err)
	}
	if balance.Spendable != 0 {
		test.Fatalf("expected 0, got %d", balance.Spendable)
	}

	locked, err := store.GetBalanceForUpdate(context.Background(), "fresh")
	if err != nil {
		test.Fatalf("get for update: %v", err)
	}
	if locked.Spendable != 0 {
		test.Fatalf("expected 0 from locked read, got %d", locked.Spendable)
	}
}

func TestDeductThroughDomainService(test *testing.T) {
	store := newTestStore(test)
	service, err := credits.NewBalanceService(store)
	if err != nil {
		test.Fatalf("new balance service: %v", err)
	}

	if _, err := service.Add(context.Background(), "payer", 10); err != nil {
		test.Fatalf("add: %v", err)
	}
	remaining, ok, err := service.Deduct(context.Background(), "payer", 4)
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if !ok || remaining != 6 {
		test.Fatalf("expected ok with 6 remaining, got ok=%v remaining=%d", ok, remaining)
	}
	_, ok, err = service.Deduct(context.Background(), "payer", 7)
	if err != nil {
		test.Fatalf("deduct: %v", err)
	}
	if ok {
		test.Fatal("expected uncovered deduction to be refused")
	}
	balance, err := store.GetOrCreateBalance(context.Background(), "payer")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Spendable != 6 {
		test.Fatalf("expected stored 6, got %d", balance.Spendable)
	}
}

func TestHoldLifecycleRoundTrip(test *testing.T) {
	store := newTestStore(test)
	service, err := credits.NewBalanceService(store)
	if err != nil {
		test.Fatalf("new balance service: %v", err)
	}
	manager := mustHoldManager(test, store)

	if _, err := service.Add(context.Background(), "holder", 10); err != nil {
		test.Fatalf("add: %v", err)
	}
	hold, err := manager.Place(context.Background(), "holder", 7, "export", "/api/export/", 0)
	if err != nil {
		test.Fatalf("place: %v", err)
	}
	balance, err := store.GetOrCreateBalance(context.Background(), "holder")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Spendable != 3 {
		test.Fatalf("expected 3 after placement, got %d", balance.Spendable)
	}

	ok, err := manager.Release(context.Background(), hold.HoldID)
	if err != nil {
		test.Fatalf("release: %v", err)
	}
	if !ok {
		test.Fatal("expected release to succeed")
	}
	balance, err = store.GetOrCreateBalance(context.Background(), "holder")
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if balance.Spendable != 10 {
		test.Fatalf("expected refund to 10, got %d", balance.Spendable)
	}

	stored, err := store.GetHoldForUpdate(context.Background(), hold.HoldID)
	if err != nil {
		test.Fatalf("get hold: %v", err)
	}
	if stored.State != credits.HoldStateReleased {
		test.Fatalf("expected released, got %s", stored.State)
	}

	entries, err := store.ListEntries(context.Background(), "holder", 1_800_000_000, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		test.Fatalf("expected 2 ledger rows, got %d", len(entries))
	}
	if entries[0].Kind != credits.EntryHoldReleased || entries[1].Kind != credits.EntryHoldPlaced {
		test.Fatalf("expected newest-first hold rows, got %s then %s", entries[0].Kind, entries[1].Kind)
	}
}

func TestUpdateHoldStateIsConditional(test *testing.T) {
	store := newTestStore(test)
	manager := mustHoldManager(test, store)
	service, err := credits.NewBalanceService(store)
	if err != nil {
		test.Fatalf("new balance service: %v", err)
	}
	if _, err := service.Add(context.Background(), "holder", 10); err != nil {
		test.Fatalf("add: %v", err)
	}
	hold, err := manager.Place(context.Background(), "holder", 5, "job", "/api/export/", 0)
	if err != nil {
		test.Fatalf("place: %v", err)
	}
	if err := store.UpdateHoldState(context.Background(), hold.HoldID, credits.HoldStateActive, credits.HoldStateCommitted, 1); err != nil {
		test.Fatalf("update state: %v", err)
	}
	err = store.UpdateHoldState(context.Background(), hold.HoldID, credits.HoldStateActive, credits.HoldStateReleased, 2)
	if !errors.Is(err, credits.ErrHoldFinalized) {
		test.Fatalf("expected ErrHoldFinalized, got %v", err)
	}
}

func TestGetHoldForUpdateUnknownHold(test *testing.T) {
	store := newTestStore(test)

	_, err := store.GetHoldForUpdate(context.Background(), "missing")
	if !errors.Is(err, credits.ErrUnknownHold) {
		test.Fatalf("expected ErrUnknownHold, got %v", err)
	}
}

func TestListExpiredHoldsFiltersStateAndExpiry(test *testing.T) {
	store := newTestStore(test)
	manager := mustHoldManager(test, store)
	service, err := credits.NewBalanceService(store)
	if err != nil {
		test.Fatalf("new balance service: %v", err)
	}
	if _, err := service.Add(context.Background(), "holder", 30); err != nil {
		test.Fatalf("add: %v", err)
	}

	stale, err := manager.Place(context.Background(), "holder", 10, "stale", "/api/export/", 100)
	if err != nil {
		test.Fatalf("place stale: %v", err)
	}
	if _, err := manager.Place(context.Background(), "holder", 10, "open-ended", "/api/export/", 0); err != nil {
		test.Fatalf("place open-ended: %v", err)
	}

	expired, err := store.ListExpiredHolds(context.Background(), 1_800_000_000, 10)
	if err != nil {
		test.Fatalf("list expired: %v", err)
	}
	if len(expired) != 1 {
		test.Fatalf("expected 1 expired hold, got %d", len(expired))
	}
	if expired[0].HoldID != stale.HoldID {
		test.Fatalf("expected stale hold, got %s", expired[0].HoldID)
	}
}

func TestSummarizeEntries(test *testing.T) {
	store := newTestStore(test)
	ledger, err := credits.NewLedgerService(store, testClock())
	if err != nil {
		test.Fatalf("new ledger service: %v", err)
	}
	fixtures := []struct {
		kind   credits.EntryKind
		amount credits.Credits
	}{
		{credits.EntryAddition, 100},
		{credits.EntryDeduction, -30},
		{credits.EntryDeduction, 0},
	}
	for index, fixture := range fixtures {
		if _, err := ledger.Append(context.Background(), credits.Entry{
			UserID: "summed",
			Kind:   fixture.kind,
			Amount: fixture.amount,
		}); err != nil {
			test.Fatalf("append %d: %v", index, err)
		}
	}

	summary, err := store.SummarizeEntries(context.Background(), "summed")
	if err != nil {
		test.Fatalf("summarize: %v", err)
	}
	if summary.Added != 100 || summary.Deducted != 30 || summary.Count != 3 {
		test.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestSeedCostRulesIsIdempotent(test *testing.T) {
	store := newTestStore(test)
	rules := []credits.CostRule{
		{PathPattern: "/api/widgets/{id}/", Cost: 5, Priority: 1, Active: true},
		{PathPattern: "/api/free/", Cost: 0, Priority: 0, Active: false},
	}
	if err := store.SeedCostRules(context.Background(), rules); err != nil {
		test.Fatalf("seed: %v", err)
	}
	if err := store.SeedCostRules(context.Background(), rules); err != nil {
		test.Fatalf("reseed: %v", err)
	}

	active, err := store.ListActiveCostRules(context.Background())
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(active) != 1 {
		test.Fatalf("expected 1 active rule, got %d", len(active))
	}
	if active[0].PathPattern != "/api/widgets/{id}/" || active[0].Cost != 5 {
		test.Fatalf("unexpected rule: %+v", active[0])
	}
}
