package credits

import (
	"context"
	"testing"
)

func mustGate(test *testing.T, store *stubStore, limiter RateLimiter, costs CostResolver, config GateConfig) *AdmissionGate {
	test.Helper()
	balances := mustBalanceService(test, store)
	ledger := mustLedgerService(test, store)
	gate, err := NewAdmissionGate(limiter, costs, balances, ledger, config)
	if err != nil {
		test.Fatalf("new admission gate: %v", err)
	}
	return gate
}

func gateCosts(test *testing.T) *CostTable {
	test.Helper()
	return mustCostTable(test, []CostRule{
		{PathPattern: "/api/widgets/{id}/", Cost: 5, Active: true},
	})
}

func TestAdmitChargesUntilExhausted(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setSpendable(test, "spender", 10)
	gate := mustGate(test, store, allowAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})
	request := Request{UserID: "spender", Path: "/api/widgets/1/"}

	first := gate.Admit(context.Background(), request)
	if !first.Allowed || first.Reason != ReasonCharged {
		test.Fatalf("expected first request charged, got %+v", first)
	}
	if got := store.spendable(test, "spender"); got != 5 {
		test.Fatalf("expected balance 5, got %d", got)
	}
	rows := store.entriesFor(test, "spender")
	if len(rows) != 1 {
		test.Fatalf("expected 1 ledger entry, got %d", len(rows))
	}
	if rows[0].Kind != EntryDeduction || rows[0].Amount != -5 || rows[0].BalanceAfter != 5 {
		test.Fatalf("unexpected deduction entry: %+v", rows[0])
	}
	if rows[0].Origin != "/api/widgets/1/" {
		test.Fatalf("expected origin to carry the path, got %q", rows[0].Origin)
	}

	second := gate.Admit(context.Background(), request)
	if !second.Allowed {
		test.Fatalf("expected second request allowed, got %+v", second)
	}
	if got := store.spendable(test, "spender"); got != 0 {
		test.Fatalf("expected balance 0, got %d", got)
	}

	third := gate.Admit(context.Background(), request)
	if third.Allowed {
		test.Fatalf("expected third request denied, got %+v", third)
	}
	if third.Reason != ReasonInsufficientCredits {
		test.Fatalf("expected insufficient_credits, got %s", third.Reason)
	}
	if third.Required != 5 || third.Available != 0 {
		test.Fatalf("expected required 5 / available 0, got %d / %d", third.Required, third.Available)
	}
	if got := store.spendable(test, "spender"); got != 0 {
		test.Fatalf("expected balance to stay 0, got %d", got)
	}
	if got := len(store.entriesFor(test, "spender")); got != 2 {
		test.Fatalf("denial must not write a ledger entry, got %d entries", got)
	}
}

func TestAdmitFreePathSkipsBalance(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gate := mustGate(test, store, allowAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})

	decision := gate.Admit(context.Background(), Request{UserID: "spender", Path: "/api/free/"})
	if !decision.Allowed || decision.Reason != ReasonFree {
		test.Fatalf("expected free allow, got %+v", decision)
	}
	if got := len(store.entriesFor(test, "spender")); got != 0 {
		test.Fatalf("free path must not write ledger entries, got %d", got)
	}
}

func TestAdmitAnonymousUsesOnlyRateLimiter(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gate := mustGate(test, store, allowAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})

	decision := gate.Admit(context.Background(), Request{Anonymous: true, Path: "/api/widgets/1/"})
	if !decision.Allowed || decision.Reason != ReasonAnonymous {
		test.Fatalf("expected anonymous allow, got %+v", decision)
	}

	denied := mustGate(test, store, denyAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})
	decision = denied.Admit(context.Background(), Request{Anonymous: true, Path: "/api/widgets/1/"})
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		test.Fatalf("expected anonymous rate-limit denial, got %+v", decision)
	}
}

func TestAdmitBypassSkipsEverything(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	gate := mustGate(test, store, denyAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})

	decision := gate.Admit(context.Background(), Request{UserID: "root", AdminBypass: true, Path: "/api/widgets/1/"})
	if !decision.Allowed || decision.Reason != ReasonBypass {
		test.Fatalf("expected bypass allow, got %+v", decision)
	}
}

func TestAdmitRateLimiterFailsClosed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setSpendable(test, "spender", 100)

	denied := mustGate(test, store, denyAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})
	decision := denied.Admit(context.Background(), Request{UserID: "spender", Path: "/api/widgets/1/"})
	if decision.Allowed || decision.Reason != ReasonRateLimited {
		test.Fatalf("expected rate-limit denial, got %+v", decision)
	}

	failing := mustGate(test, store, failingLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})
	decision = failing.Admit(context.Background(), Request{UserID: "spender", Path: "/api/widgets/1/"})
	if decision.Allowed {
		test.Fatalf("limiter failure must deny, got %+v", decision)
	}
	if got := store.spendable(test, "spender"); got != 100 {
		test.Fatalf("expected balance untouched, got %d", got)
	}
}

func TestAdmitCreditCheckFailureHonorsFailurePolicy(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		failOpen bool
		allowed  bool
	}{
		{name: "fail open allows", failOpen: true, allowed: true},
		{name: "fail closed denies", failOpen: false, allowed: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			store.balanceError = errStoreFailure
			gate := mustGate(test, store, allowAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: testCase.failOpen})

			decision := gate.Admit(context.Background(), Request{UserID: "spender", Path: "/api/widgets/1/"})
			if decision.Allowed != testCase.allowed {
				test.Fatalf("expected allowed=%v, got %+v", testCase.allowed, decision)
			}
			if decision.Reason != ReasonCreditCheckFailure {
				test.Fatalf("expected credit_check_failure, got %s", decision.Reason)
			}
		})
	}
}

func TestAdmitAllowsWhenAuditWriteFails(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.setSpendable(test, "spender", 10)
	store.insertEntryError = errStoreFailure
	gate := mustGate(test, store, allowAllLimiter{}, gateCosts(test), GateConfig{CreditCheckFailOpen: true})

	decision := gate.Admit(context.Background(), Request{UserID: "spender", Path: "/api/widgets/1/"})
	if !decision.Allowed {
		test.Fatalf("expected allow despite audit failure, got %+v", decision)
	}
	// The balance mutation landed even though the audit row did not.
	if got := store.spendable(test, "spender"); got != 5 {
		test.Fatalf("expected balance 5, got %d", got)
	}
}
