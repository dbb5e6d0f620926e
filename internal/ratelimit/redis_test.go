package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atlasaccounts/atlas/internal/ratelimit"
	_ "github.com/atlasaccounts/atlas/testing"
)

func newLimiter(t *testing.T, pol ratelimit.Policy) (*ratelimit.RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := ratelimit.NewRedisLimiter(client, ratelimit.Policies{Default: pol})
	return limiter, mr
}

func TestCheckAndRecordAdmitsWithinBudget(t *testing.T) {
	limiter, _ := newLimiter(t, ratelimit.Policy{Attempts: 3, Window: time.Minute, Cooldown: 5 * time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dec, err := limiter.CheckAndRecord(ctx, "acct-1", "login")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !dec.Allowed {
			t.Fatalf("attempt %d should be admitted", i)
		}
	}

	dec, err := limiter.CheckAndRecord(ctx, "acct-1", "login")
	if err != nil {
		t.Fatalf("check over budget: %v", err)
	}
	if dec.Allowed {
		t.Fatal("attempt over budget should be rejected")
	}
	if dec.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %s", dec.RetryAfter)
	}
}

func TestCooldownOutlivesWindow(t *testing.T) {
	limiter, mr := newLimiter(t, ratelimit.Policy{Attempts: 1, Window: time.Second, Cooldown: time.Hour})
	ctx := context.Background()

	if _, err := limiter.CheckAndRecord(ctx, "acct-1", "verify:email"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	dec, err := limiter.CheckAndRecord(ctx, "acct-1", "verify:email")
	if err != nil {
		t.Fatalf("breach attempt: %v", err)
	}
	if dec.Allowed {
		t.Fatal("breach attempt should be rejected")
	}

	// Window expires, the block must not.
	mr.FastForward(2 * time.Second)
	dec, err = limiter.CheckAndRecord(ctx, "acct-1", "verify:email")
	if err != nil {
		t.Fatalf("blocked attempt: %v", err)
	}
	if dec.Allowed {
		t.Fatal("subject should stay blocked after the window elapses")
	}

	mr.FastForward(time.Hour)
	dec, err = limiter.CheckAndRecord(ctx, "acct-1", "verify:email")
	if err != nil {
		t.Fatalf("post-cooldown attempt: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("subject should be admitted once the cooldown elapses")
	}
}

func TestActionsHaveIndependentBudgets(t *testing.T) {
	limiter, _ := newLimiter(t, ratelimit.Policy{Attempts: 1, Window: time.Minute, Cooldown: time.Minute})
	ctx := context.Background()

	if _, err := limiter.CheckAndRecord(ctx, "acct-1", "login"); err != nil {
		t.Fatalf("login attempt: %v", err)
	}
	dec, err := limiter.CheckAndRecord(ctx, "acct-1", "login")
	if err != nil {
		t.Fatalf("login breach: %v", err)
	}
	if dec.Allowed {
		t.Fatal("login budget should be exhausted")
	}

	dec, err = limiter.CheckAndRecord(ctx, "acct-1", "verify:email")
	if err != nil {
		t.Fatalf("verify attempt: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("verification budget must be independent of login budget")
	}
}

func TestResetClearsCounterAndBlock(t *testing.T) {
	limiter, _ := newLimiter(t, ratelimit.Policy{Attempts: 1, Window: time.Minute, Cooldown: time.Hour})
	ctx := context.Background()

	_, _ = limiter.CheckAndRecord(ctx, "acct-1", "login")
	_, _ = limiter.CheckAndRecord(ctx, "acct-1", "login")

	if err := limiter.Reset(ctx, "acct-1", "login"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	dec, err := limiter.CheckAndRecord(ctx, "acct-1", "login")
	if err != nil {
		t.Fatalf("post-reset attempt: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("reset should clear both counter and block")
	}
}

func TestConcurrentAttemptsNeverExceedBudget(t *testing.T) {
	const budget = 5
	limiter, _ := newLimiter(t, ratelimit.Policy{Attempts: budget, Window: time.Minute, Cooldown: time.Minute})
	ctx := context.Background()

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dec, err := limiter.CheckAndRecord(ctx, "acct-1", "login")
			if err != nil {
				t.Errorf("concurrent check: %v", err)
				return
			}
			if dec.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != budget {
		t.Fatalf("admitted %d attempts, budget is %d", got, budget)
	}
}
