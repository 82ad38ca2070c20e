package ratelimit

import (
	"context"
	"testing"
)

func TestBurstIsConsumedPerUser(test *testing.T) {
	test.Parallel()
	limiter := New(0, 2)

	for attempt := 0; attempt < 2; attempt++ {
		allowed, err := limiter.Allow(context.Background(), "alice", "/api/export/")
		if err != nil {
			test.Fatalf("allow %d: %v", attempt, err)
		}
		if !allowed {
			test.Fatalf("expected attempt %d within burst to pass", attempt)
		}
	}
	allowed, err := limiter.Allow(context.Background(), "alice", "/api/export/")
	if err != nil {
		test.Fatalf("allow: %v", err)
	}
	if allowed {
		test.Fatal("expected exhausted bucket to refuse")
	}

	allowed, err = limiter.Allow(context.Background(), "bob", "/api/export/")
	if err != nil {
		test.Fatalf("allow: %v", err)
	}
	if !allowed {
		test.Fatal("expected separate user to have a fresh bucket")
	}
}

func TestAnonymousCallersShareOneBucket(test *testing.T) {
	test.Parallel()
	limiter := New(0, 1)

	allowed, err := limiter.Allow(context.Background(), "", "/api/export/")
	if err != nil {
		test.Fatalf("allow: %v", err)
	}
	if !allowed {
		test.Fatal("expected first anonymous event to pass")
	}
	allowed, err = limiter.Allow(context.Background(), "", "/api/other/")
	if err != nil {
		test.Fatalf("allow: %v", err)
	}
	if allowed {
		test.Fatal("expected second anonymous event to share the spent bucket")
	}
}

func TestCancelledContextReportsError(test *testing.T) {
	test.Parallel()
	limiter := New(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	allowed, err := limiter.Allow(ctx, "alice", "/api/export/")
	if err == nil {
		test.Fatal("expected context error")
	}
	if allowed {
		test.Fatal("expected cancelled call to refuse")
	}
}
