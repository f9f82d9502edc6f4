package resilience

import (
	"testing"
	"time"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker("payment", DefaultBreakerConfig)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}
	snap := b.Snapshot()
	if snap.State != BreakerClosed {
		t.Fatalf("expected state CLOSED, got %s", snap.State)
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("payment", BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    30 * time.Second,
		Cooldown:         15 * time.Second,
	})

	for i := 0; i < 4; i++ {
		b.OnFailure()
		if b.Snapshot().State != BreakerClosed {
			t.Fatalf("expected CLOSED after %d failures, got %s", i+1, b.Snapshot().State)
		}
	}

	b.OnFailure()
	if b.Snapshot().State != BreakerOpen {
		t.Fatalf("expected OPEN after 5 failures, got %s", b.Snapshot().State)
	}

	err := b.Allow()
	if err == nil {
		t.Fatal("expected open breaker to reject")
	}
	if sagaerrors.CodeOf(err) != sagaerrors.CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %s", sagaerrors.CodeOf(err))
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker("payment", BreakerConfig{FailureThreshold: 3})

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()

	if b.Snapshot().State != BreakerClosed {
		t.Fatalf("expected CLOSED, got %s", b.Snapshot().State)
	}

	b.OnFailure()
	if b.Snapshot().State != BreakerOpen {
		t.Fatalf("expected OPEN, got %s", b.Snapshot().State)
	}
}

func TestBreakerWindowExpiryResetsCount(t *testing.T) {
	b := NewBreaker("payment", BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    20 * time.Millisecond,
		Cooldown:         15 * time.Second,
	})

	b.OnFailure()
	b.OnFailure()
	time.Sleep(30 * time.Millisecond)
	b.OnFailure()

	if b.Snapshot().State != BreakerOpen {
		if b.Snapshot().Failures != 1 {
			t.Fatalf("expected failure count reset to 1, got %d", b.Snapshot().Failures)
		}
	} else {
		t.Fatal("expected breaker to stay closed after window expiry")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b := NewBreaker("payment", BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    30 * time.Second,
		Cooldown:         10 * time.Millisecond,
	})

	b.OnFailure()
	if b.Snapshot().State != BreakerOpen {
		t.Fatalf("expected OPEN, got %s", b.Snapshot().State)
	}

	time.Sleep(20 * time.Millisecond)

	// 冷却到期后放行一个试探调用
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call allowed, got %v", err)
	}
	if b.Snapshot().State != BreakerHalfOpen {
		t.Fatalf("expected HALF_OPEN, got %s", b.Snapshot().State)
	}

	// 试探期间其余调用被拒绝
	if err := b.Allow(); err == nil {
		t.Fatal("expected concurrent call rejected during trial")
	}

	b.OnSuccess()
	if b.Snapshot().State != BreakerClosed {
		t.Fatalf("expected CLOSED after trial success, got %s", b.Snapshot().State)
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("expected closed breaker to allow, got %v", err)
	}
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := NewBreaker("payment", BreakerConfig{
		FailureThreshold: 1,
		FailureWindow:    30 * time.Second,
		Cooldown:         10 * time.Millisecond,
	})

	b.OnFailure()
	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial call allowed, got %v", err)
	}
	b.OnFailure()

	if b.Snapshot().State != BreakerOpen {
		t.Fatalf("expected OPEN after trial failure, got %s", b.Snapshot().State)
	}
	if err := b.Allow(); err == nil {
		t.Fatal("expected reopened breaker to reject")
	}
}

func TestBreakerGroupReusesInstance(t *testing.T) {
	g := NewBreakerGroup(DefaultBreakerConfig)

	a := g.Get("inventory")
	b := g.Get("inventory")
	if a != b {
		t.Fatal("expected same breaker instance per dependency")
	}
	if g.Get("shipping") == a {
		t.Fatal("expected distinct breaker per dependency")
	}

	snaps := g.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
}
