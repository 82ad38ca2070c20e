package credits

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
)

var errStoreFailure = errors.New("store error")

// stubStore is an in-memory Store. WithTx serializes transactions on one
// mutex, which models the single-row lock discipline closely enough for the
// domain tests; it performs no rollback, so error-injection tests only assert
// on state the services mutate before the injected failure.
type stubStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	balances map[string]Credits
	entries  []Entry
	holds    map[string]Hold
	rules    []CostRule

	balanceError     error
	updateError      error
	insertEntryError error
	createHoldError  error
	getHoldError     error
	updateHoldError  error
	listError        error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances: map[string]Credits{},
		holds:    map[string]Hold{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateBalance(_ context.Context, userID string) (Balance, error) {
	if store.balanceError != nil {
		return Balance{}, store.balanceError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.balances[userID]; !ok {
		store.balances[userID] = 0
	}
	return Balance{UserID: userID, Spendable: store.balances[userID]}, nil
}

func (store *stubStore) GetBalanceForUpdate(ctx context.Context, userID string) (Balance, error) {
	return store.GetOrCreateBalance(ctx, userID)
}

func (store *stubStore) UpdateSpendable(_ context.Context, userID string, spendable Credits) error {
	if store.updateError != nil {
		return store.updateError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID] = spendable
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	if store.insertEntryError != nil {
		return store.insertEntryError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) ListEntries(_ context.Context, userID string, beforeUnixUTC int64, limit int) ([]Entry, error) {
	if store.listError != nil {
		return nil, store.listError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]Entry, 0, len(store.entries))
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.CreatedUnixUTC < beforeUnixUTC {
			matched = append(matched, entry)
		}
	}
	sort.SliceStable(matched, func(left, right int) bool {
		return matched[left].CreatedUnixUTC > matched[right].CreatedUnixUTC
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (store *stubStore) SummarizeEntries(_ context.Context, userID string) (Summary, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	summary := Summary{}
	for _, entry := range store.entries {
		if entry.UserID != userID {
			continue
		}
		summary.Count++
		if entry.Amount > 0 {
			summary.Added += entry.Amount
		}
		if entry.Amount < 0 {
			summary.Deducted -= entry.Amount
		}
	}
	return summary, nil
}

func (store *stubStore) CreateHold(_ context.Context, hold Hold) error {
	if store.createHoldError != nil {
		return store.createHoldError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.holds[hold.HoldID] = hold
	return nil
}

func (store *stubStore) GetHoldForUpdate(_ context.Context, holdID string) (Hold, error) {
	if store.getHoldError != nil {
		return Hold{}, store.getHoldError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID]
	if !ok {
		return Hold{}, ErrUnknownHold
	}
	return hold, nil
}

func (store *stubStore) UpdateHoldState(_ context.Context, holdID string, from, to HoldState, updatedUnixUTC int64) error {
	if store.updateHoldError != nil {
		return store.updateHoldError
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID]
	if !ok || hold.State != from {
		return ErrHoldFinalized
	}
	hold.State = to
	hold.UpdatedUnixUTC = updatedUnixUTC
	store.holds[holdID] = hold
	return nil
}

func (store *stubStore) ListExpiredHolds(_ context.Context, asOfUnixUTC int64, limit int) ([]Hold, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	expired := make([]Hold, 0)
	for _, hold := range store.holds {
		if hold.State == HoldStateActive && hold.ExpiresAtUnixUTC != 0 && hold.ExpiresAtUnixUTC <= asOfUnixUTC {
			expired = append(expired, hold)
		}
	}
	sort.SliceStable(expired, func(left, right int) bool {
		return expired[left].ExpiresAtUnixUTC < expired[right].ExpiresAtUnixUTC
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *stubStore) ListActiveCostRules(_ context.Context) ([]CostRule, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	active := make([]CostRule, 0, len(store.rules))
	for _, rule := range store.rules {
		if rule.Active {
			active = append(active, rule)
		}
	}
	return active, nil
}

func (store *stubStore) SeedCostRules(_ context.Context, rules []CostRule) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.rules = append(store.rules, rules...)
	return nil
}

func (store *stubStore) setSpendable(test *testing.T, userID string, amount Credits) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID] = amount
}

func (store *stubStore) spendable(test *testing.T, userID string) Credits {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.balances[userID]
}

func (store *stubStore) entriesFor(test *testing.T, userID string) []Entry {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	matched := make([]Entry, 0)
	for _, entry := range store.entries {
		if entry.UserID == userID {
			matched = append(matched, entry)
		}
	}
	return matched
}

func (store *stubStore) mustHold(test *testing.T, holdID string) Hold {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	hold, ok := store.holds[holdID]
	if !ok {
		test.Fatalf("hold %s not found", holdID)
	}
	return hold
}

func testClock() func() int64 {
	var tick atomic.Int64
	tick.Store(1_700_000_000)
	return func() int64 {
		return tick.Add(1)
	}
}

func mustBalanceService(test *testing.T, store Store) *BalanceService {
	test.Helper()
	service, err := NewBalanceService(store)
	if err != nil {
		test.Fatalf("new balance service: %v", err)
	}
	return service
}

func mustLedgerService(test *testing.T, store Store) *LedgerService {
	test.Helper()
	service, err := NewLedgerService(store, testClock())
	if err != nil {
		test.Fatalf("new ledger service: %v", err)
	}
	return service
}

func mustHoldManager(test *testing.T, store Store) *HoldManager {
	test.Helper()
	manager, err := NewHoldManager(store, testClock())
	if err != nil {
		test.Fatalf("new hold manager: %v", err)
	}
	return manager
}

func mustCostTable(test *testing.T, rules []CostRule) *CostTable {
	test.Helper()
	table, err := NewCostTable(rules)
	if err != nil {
		test.Fatalf("new cost table: %v", err)
	}
	return table
}

// recordingLogger captures operation callbacks for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recordingLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func (logger *recordingLogger) byOperation(operation string) []OperationLog {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	matched := make([]OperationLog, 0)
	for _, entry := range logger.entries {
		if entry.Operation == operation {
			matched = append(matched, entry)
		}
	}
	return matched
}

// allowAllLimiter and denyAllLimiter stand in for the external rate limiter.
type allowAllLimiter struct{}

func (allowAllLimiter) Allow(context.Context, string, string) (bool, error) { return true, nil }

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(context.Context, string, string) (bool, error) { return false, nil }

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, string) (bool, error) {
	return false, fmt.Errorf("limiter unavailable")
}
