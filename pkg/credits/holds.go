package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// HoldManager implements the reserve/commit/release protocol. A hold debits
// the balance at placement time; commit makes the debit permanent, release
// refunds it. Balances therefore already reflect all active holds as spent,
// and callers must not separately subtract active-hold totals.
type HoldManager struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// HoldOption configures a HoldManager instance.
type HoldOption func(*HoldManager)

// WithHoldLogger wires a logger that receives callbacks for every transition.
func WithHoldLogger(logger OperationLogger) HoldOption {
	return func(manager *HoldManager) {
		manager.logger = logger
	}
}

// NewHoldManager wires a HoldManager.
func NewHoldManager(store Store, now func() int64, options ...HoldOption) (*HoldManager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	manager := &HoldManager{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(manager)
		}
	}
	return manager, nil
}

// Place reserves amount against the user's balance. The debit happens now,
// not at commit time: one transaction locks the balance row, checks coverage,
// subtracts the amount, creates the active hold, and appends the hold_placed
// entry. Insufficient balance returns ErrInsufficientCredits with no side
// effects. expiresAtUnixUTC of zero means the hold never expires.
func (manager *HoldManager) Place(ctx context.Context, userID string, amount Credits, description string, origin string, expiresAtUnixUTC int64) (Hold, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return Hold{}, err
	}
	if _, err := NewAmount(amount.Int64()); err != nil {
		return Hold{}, err
	}
	var hold Hold
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, normalized)
		if err != nil {
			return err
		}
		if balance.Spendable < amount {
			return ErrInsufficientCredits
		}
		now := manager.nowFn()
		remaining := balance.Spendable - amount
		hold = Hold{
			HoldID:           uuid.NewString(),
			UserID:           normalized,
			Amount:           amount,
			Description:      description,
			Origin:           origin,
			State:            HoldStateActive,
			CreatedUnixUTC:   now,
			UpdatedUnixUTC:   now,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
		}
		if err := transactionStore.UpdateSpendable(ctx, normalized, remaining); err != nil {
			return err
		}
		if err := transactionStore.CreateHold(ctx, hold); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			EntryID:        uuid.NewString(),
			UserID:         normalized,
			Kind:           EntryHoldPlaced,
			Amount:         -amount,
			BalanceAfter:   remaining,
			Description:    description,
			Origin:         origin,
			HoldID:         hold.HoldID,
			MetadataJSON:   defaultMetadataJSON,
			CreatedUnixUTC: now,
		})
	})
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationPlaceHold,
		UserID:    normalized,
		HoldID:    hold.HoldID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	return hold, nil
}

// Commit confirms an active hold. The earlier debit becomes permanent, so the
// spendable balance does not change; the ledger records a zero-amount
// deduction whose balance snapshot is read without re-locking the balance
// row. A hold that is not active stays untouched and Commit reports false.
func (manager *HoldManager) Commit(ctx context.Context, holdID string) (bool, error) {
	var hold Hold
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		hold, err = transactionStore.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.State != HoldStateActive {
			return ErrHoldFinalized
		}
		now := manager.nowFn()
		if err := transactionStore.UpdateHoldState(ctx, holdID, HoldStateActive, HoldStateCommitted, now); err != nil {
			return err
		}
		// Best-effort snapshot, not re-locked against concurrent mutation.
		balance, err := transactionStore.GetOrCreateBalance(ctx, hold.UserID)
		if err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			EntryID:        uuid.NewString(),
			UserID:         hold.UserID,
			Kind:           EntryDeduction,
			Amount:         0,
			BalanceAfter:   balance.Spendable,
			Description:    descriptionHoldCommitted,
			Origin:         hold.Origin,
			HoldID:         hold.HoldID,
			MetadataJSON:   defaultMetadataJSON,
			CreatedUnixUTC: now,
		})
	})
	return manager.finishTransition(ctx, operationCommitHold, holdID, hold, operationError)
}

// Release cancels an active hold and refunds its amount. A hold that is not
// active stays untouched and Release reports false.
func (manager *HoldManager) Release(ctx context.Context, holdID string) (bool, error) {
	return manager.release(ctx, holdID, descriptionHoldReleased)
}

func (manager *HoldManager) release(ctx context.Context, holdID string, description string) (bool, error) {
	var hold Hold
	operationError := manager.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var err error
		hold, err = transactionStore.GetHoldForUpdate(ctx, holdID)
		if err != nil {
			return err
		}
		if hold.State != HoldStateActive {
			return ErrHoldFinalized
		}
		balance, err := transactionStore.GetBalanceForUpdate(ctx, hold.UserID)
		if err != nil {
			return err
		}
		now := manager.nowFn()
		restored := balance.Spendable + hold.Amount
		if err := transactionStore.UpdateSpendable(ctx, hold.UserID, restored); err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldState(ctx, holdID, HoldStateActive, HoldStateReleased, now); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, Entry{
			EntryID:        uuid.NewString(),
			UserID:         hold.UserID,
			Kind:           EntryHoldReleased,
			Amount:         hold.Amount,
			BalanceAfter:   restored,
			Description:    description,
			Origin:         hold.Origin,
			HoldID:         hold.HoldID,
			MetadataJSON:   defaultMetadataJSON,
			CreatedUnixUTC: now,
		})
	})
	return manager.finishTransition(ctx, operationReleaseHold, holdID, hold, operationError)
}

// finishTransition maps a finalized-hold failure onto the idempotent (false,
// nil) outcome: repeated commits or releases stay no-ops.
func (manager *HoldManager) finishTransition(ctx context.Context, operation string, holdID string, hold Hold, operationError error) (bool, error) {
	entry := OperationLog{
		Operation: operation,
		UserID:    hold.UserID,
		HoldID:    holdID,
		Amount:    hold.Amount,
		Error:     operationError,
	}
	if errors.Is(operationError, ErrHoldFinalized) {
		entry.Status = operationStatusNoOp
		entry.Error = nil
		logOperation(ctx, manager.logger, entry)
		return false, nil
	}
	logOperation(ctx, manager.logger, entry)
	if operationError != nil {
		return false, operationError
	}
	return true, nil
}

// SweepExpired releases active holds whose expiry has passed, refunding the
// abandoned debits. It reports how many holds were released.
func (manager *HoldManager) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := manager.store.ListExpiredHolds(ctx, manager.nowFn(), limit)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, hold := range expired {
		// A concurrent commit or release between listing and locking is a
		// no-op here, not a failure.
		ok, err := manager.release(ctx, hold.HoldID, descriptionHoldExpired)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}
	logOperation(ctx, manager.logger, OperationLog{
		Operation: operationSweep,
		Amount:    Credits(released),
	})
	return released, nil
}
