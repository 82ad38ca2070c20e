package credits

import (
	"context"
	"fmt"
)

// BalanceService owns the mutable per-user spendable balance. Deduct and Add
// mutate the balance but do not write a ledger entry; recording the mutation
// is the caller's responsibility.
type BalanceService struct {
	store  Store
	logger OperationLogger
}

// BalanceOption configures a BalanceService instance.
type BalanceOption func(*BalanceService)

// WithBalanceLogger wires a logger that receives callbacks for every mutation.
func WithBalanceLogger(logger OperationLogger) BalanceOption {
	return func(service *BalanceService) {
		service.logger = logger
	}
}

// NewBalanceService wires a BalanceService.
func NewBalanceService(store Store, options ...BalanceOption) (*BalanceService, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	service := &BalanceService{store: store}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Get returns the current spendable amount, creating the balance row at zero
// on first access.
func (service *BalanceService) Get(ctx context.Context, userID string) (Credits, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return 0, err
	}
	balance, err := service.store.GetOrCreateBalance(ctx, normalized)
	if err != nil {
		return 0, err
	}
	return balance.Spendable, nil
}

// HasSufficient reports whether the spendable balance covers amount. This is
// a plain read; callers needing a check-then-act guarantee must use Deduct.
func (service *BalanceService) HasSufficient(ctx context.Context, userID string, amount Credits) (bool, error) {
	spendable, err := service.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return spendable >= amount, nil
}

// Deduct locks the user's balance row, re-reads it, and subtracts amount if
// covered. It reports the post-deduct balance and whether the deduction
// happened; an uncovered deduction leaves the balance unchanged.
func (service *BalanceService) Deduct(ctx context.Context, userID string, amount Credits) (Credits, bool, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return 0, false, err
	}
	if _, err := NewAmount(amount.Int64()); err != nil {
		return 0, false, err
	}
	var (
		deducted  bool
		remaining Credits
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, normalized)
		if err != nil {
			return err
		}
		remaining = balance.Spendable
		if balance.Spendable < amount {
			return nil
		}
		remaining = balance.Spendable - amount
		if err := transactionStore.UpdateSpendable(ctx, normalized, remaining); err != nil {
			return err
		}
		deducted = true
		return nil
	})
	status := operationStatusOK
	if operationError == nil && !deducted {
		status = operationStatusDenied
	}
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationDeduct,
		UserID:    normalized,
		Amount:    amount,
		Status:    status,
		Error:     operationError,
	})
	return remaining, deducted, operationError
}

// Add locks the user's balance row and adds amount unconditionally, reporting
// the post-add balance.
func (service *BalanceService) Add(ctx context.Context, userID string, amount Credits) (Credits, error) {
	normalized, err := NewUserID(userID)
	if err != nil {
		return 0, err
	}
	if _, err := NewAmount(amount.Int64()); err != nil {
		return 0, err
	}
	var remaining Credits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		balance, err := transactionStore.GetBalanceForUpdate(ctx, normalized)
		if err != nil {
			return err
		}
		remaining = balance.Spendable + amount
		return transactionStore.UpdateSpendable(ctx, normalized, remaining)
	})
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationAdd,
		UserID:    normalized,
		Amount:    amount,
		Error:     operationError,
	})
	return remaining, operationError
}
