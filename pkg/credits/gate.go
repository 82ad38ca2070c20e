package credits

import (
	"context"
	"fmt"
)

// RateLimiter is the external throttling collaborator the gate composes. A
// limiter failure is treated the same as a denial: the rate-limit leg of the
// gate fails closed.
type RateLimiter interface {
	Allow(ctx context.Context, userID string, path string) (bool, error)
}

// CostResolver maps a request path to a credit cost.
type CostResolver interface {
	Resolve(path string) Credits
}

// DecisionReason explains an admission outcome.
type DecisionReason string

const (
	ReasonAnonymous           DecisionReason = "anonymous"
	ReasonBypass              DecisionReason = "bypass"
	ReasonRateLimited         DecisionReason = "rate_limited"
	ReasonFree                DecisionReason = "free"
	ReasonCharged             DecisionReason = "charged"
	ReasonInsufficientCredits DecisionReason = "insufficient_credits"
	ReasonCreditCheckFailure  DecisionReason = "credit_check_failure"
)

// Request carries the per-request identity and path the gate decides on.
type Request struct {
	UserID      string
	Anonymous   bool
	AdminBypass bool
	Path        string
}

// Decision is the gate's allow/deny outcome. Required and Available are
// populated on insufficient-credit denials so the caller can shape a
// payment-required response.
type Decision struct {
	Allowed   bool
	Reason    DecisionReason
	Cost      Credits
	Required  Credits
	Available Credits
}

// GateConfig names the gate's failure-mode policy. The credit-check leg fails
// open by default: an internal error while checking or deducting credits
// allows the request through, unlike the fail-closed rate-limit leg.
type GateConfig struct {
	CreditCheckFailOpen bool
}

// AdmissionGate is the per-request decision point combining rate limiting and
// credit cost.
type AdmissionGate struct {
	limiter  RateLimiter
	costs    CostResolver
	balances *BalanceService
	ledger   *LedgerService
	config   GateConfig
	logger   OperationLogger
}

// GateOption configures an AdmissionGate instance.
type GateOption func(*AdmissionGate)

// WithGateLogger wires a logger that receives callbacks for every decision.
func WithGateLogger(logger OperationLogger) GateOption {
	return func(gate *AdmissionGate) {
		gate.logger = logger
	}
}

// NewAdmissionGate wires an AdmissionGate.
func NewAdmissionGate(limiter RateLimiter, costs CostResolver, balances *BalanceService, ledger *LedgerService, config GateConfig, options ...GateOption) (*AdmissionGate, error) {
	if limiter == nil {
		return nil, fmt.Errorf("%w: rate limiter dependency is nil", ErrInvalidServiceConfig)
	}
	if costs == nil {
		return nil, fmt.Errorf("%w: cost resolver dependency is nil", ErrInvalidServiceConfig)
	}
	if balances == nil {
		return nil, fmt.Errorf("%w: balance service dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger service dependency is nil", ErrInvalidServiceConfig)
	}
	gate := &AdmissionGate{
		limiter:  limiter,
		costs:    costs,
		balances: balances,
		ledger:   ledger,
		config:   config,
	}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Admit decides whether the request proceeds. Anonymous callers are throttled
// but never credit-checked; administrative bypass skips both legs. Chargeable
// requests deduct atomically and then record the deduction as a second,
// separately scoped ledger write; denials write nothing.
func (gate *AdmissionGate) Admit(ctx context.Context, request Request) Decision {
	if request.Anonymous {
		allowed, err := gate.limiter.Allow(ctx, request.UserID, request.Path)
		if err != nil || !allowed {
			return gate.finish(ctx, request, Decision{Allowed: false, Reason: ReasonRateLimited}, err)
		}
		return gate.finish(ctx, request, Decision{Allowed: true, Reason: ReasonAnonymous}, nil)
	}
	if request.AdminBypass {
		return gate.finish(ctx, request, Decision{Allowed: true, Reason: ReasonBypass}, nil)
	}

	allowed, err := gate.limiter.Allow(ctx, request.UserID, request.Path)
	if err != nil || !allowed {
		return gate.finish(ctx, request, Decision{Allowed: false, Reason: ReasonRateLimited}, err)
	}

	cost := gate.costs.Resolve(request.Path)
	if cost <= 0 {
		return gate.finish(ctx, request, Decision{Allowed: true, Reason: ReasonFree}, nil)
	}

	remaining, deducted, err := gate.balances.Deduct(ctx, request.UserID, cost)
	if err != nil {
		decision := Decision{Allowed: gate.config.CreditCheckFailOpen, Reason: ReasonCreditCheckFailure, Cost: cost}
		return gate.finish(ctx, request, decision, err)
	}
	if !deducted {
		available, availableErr := gate.balances.Get(ctx, request.UserID)
		if availableErr != nil {
			available = remaining
		}
		decision := Decision{
			Allowed:   false,
			Reason:    ReasonInsufficientCredits,
			Cost:      cost,
			Required:  cost,
			Available: available,
		}
		return gate.finish(ctx, request, decision, nil)
	}

	// The balance already moved; a failed audit write must not take the
	// request down with it.
	_, appendErr := gate.ledger.Append(ctx, Entry{
		UserID:       request.UserID,
		Kind:         EntryDeduction,
		Amount:       -cost,
		BalanceAfter: remaining,
		Description:  "request admitted",
		Origin:       request.Path,
	})
	decision := Decision{Allowed: true, Reason: ReasonCharged, Cost: cost, Available: remaining}
	return gate.finish(ctx, request, decision, appendErr)
}

func (gate *AdmissionGate) finish(ctx context.Context, request Request, decision Decision, err error) Decision {
	status := operationStatusDenied
	if decision.Allowed {
		status = operationStatusAllowed
	}
	logOperation(ctx, gate.logger, OperationLog{
		Operation: operationAdmit,
		UserID:    request.UserID,
		Path:      request.Path,
		Amount:    decision.Cost,
		Status:    status,
		Error:     err,
	})
	return decision
}
