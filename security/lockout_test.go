package security

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestLockoutPolicy_DelayFor(t *testing.T) {
	p := DefaultLockoutPolicy()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 0},
		{failures: 4, want: 0},
		{failures: 5, want: time.Second},
		{failures: 6, want: 2 * time.Second},
		{failures: 7, want: 4 * time.Second},
		{failures: 14, want: 512 * time.Second},
		{failures: 15, want: 15 * time.Minute},
		{failures: 100, want: 15 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("failures=%d", tt.failures), func(t *testing.T) {
			if got := p.DelayFor(tt.failures); got != tt.want {
				t.Errorf("DelayFor(%d) = %v, want %v", tt.failures, got, tt.want)
			}
		})
	}
}

func TestLockoutPolicy_WithDefaults(t *testing.T) {
	p := LockoutPolicy{Threshold: 3, BaseDelay: time.Minute, MaxDelay: time.Second}.WithDefaults()

	if p.Threshold != 3 {
		t.Errorf("Threshold = %d, want 3", p.Threshold)
	}
	if p.MaxDelay != time.Minute {
		t.Errorf("MaxDelay = %v, want it raised to BaseDelay", p.MaxDelay)
	}
	if p.FailureWindow != DefaultLockoutFailureWindow {
		t.Errorf("FailureWindow = %v, want %v", p.FailureWindow, DefaultLockoutFailureWindow)
	}
}

// newTestLockout returns a tracker whose clock is controlled by the returned pointer
func newTestLockout(t *testing.T, policy LockoutPolicy) (*Lockout, *time.Time) {
	t.Helper()
	l := NewLockout(policy, nil)
	t.Cleanup(l.Stop)

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLockout_ExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLockout(t, LockoutPolicy{Threshold: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second})
	key := "photoprint|198.51.100.4"

	for i := 1; i <= 2; i++ {
		delay, err := l.RecordFailure(ctx, key)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if delay != 0 {
			t.Errorf("failure %d: delay = %v, want 0", i, delay)
		}
	}

	delay, _ := l.RecordFailure(ctx, key)
	if delay != time.Second {
		t.Errorf("third failure: delay = %v, want 1s", delay)
	}

	remaining, err := l.Check(ctx, key)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if remaining != time.Second {
		t.Errorf("Check() = %v, want 1s", remaining)
	}

	*now = now.Add(time.Second)
	if remaining, _ := l.Check(ctx, key); remaining != 0 {
		t.Errorf("Check() after lock expired = %v, want 0", remaining)
	}

	delay, _ = l.RecordFailure(ctx, key)
	if delay != 2*time.Second {
		t.Errorf("fourth failure: delay = %v, want 2s", delay)
	}

	for i := 0; i < 10; i++ {
		delay, _ = l.RecordFailure(ctx, key)
	}
	if delay != 10*time.Second {
		t.Errorf("delay after many failures = %v, want cap 10s", delay)
	}
}

func TestLockout_ResetClearsStreak(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLockout(t, LockoutPolicy{Threshold: 2})

	_, _ = l.RecordFailure(ctx, "k")
	_, _ = l.RecordFailure(ctx, "k")
	if remaining, _ := l.Check(ctx, "k"); remaining == 0 {
		t.Fatal("key should be locked")
	}

	if err := l.Reset(ctx, "k"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if remaining, _ := l.Check(ctx, "k"); remaining != 0 {
		t.Errorf("Check() after Reset = %v, want 0", remaining)
	}
	if delay, _ := l.RecordFailure(ctx, "k"); delay != 0 {
		t.Errorf("first failure after Reset: delay = %v, want 0", delay)
	}
}

func TestLockout_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLockout(t, LockoutPolicy{Threshold: 1})

	_, _ = l.RecordFailure(ctx, "photoprint|10.0.0.1")

	if remaining, _ := l.Check(ctx, "photoprint|10.0.0.2"); remaining != 0 {
		t.Errorf("other IP should not be locked, got %v", remaining)
	}
}

func TestLockout_FailureWindowExpires(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLockout(t, LockoutPolicy{Threshold: 3, FailureWindow: time.Minute})

	_, _ = l.RecordFailure(ctx, "k")
	_, _ = l.RecordFailure(ctx, "k")

	*now = now.Add(2 * time.Minute)

	if delay, _ := l.RecordFailure(ctx, "k"); delay != 0 {
		t.Errorf("streak should restart after the window, delay = %v", delay)
	}
}

func TestLockout_Cleanup(t *testing.T) {
	ctx := context.Background()
	l, now := newTestLockout(t, LockoutPolicy{Threshold: 5, FailureWindow: time.Minute})

	_, _ = l.RecordFailure(ctx, "old")
	*now = now.Add(2 * time.Minute)
	_, _ = l.RecordFailure(ctx, "fresh")

	l.Cleanup()

	stats := l.GetStats()
	if stats.CurrentEntries != 1 {
		t.Errorf("CurrentEntries = %d, want 1", stats.CurrentEntries)
	}
}

func TestLockout_EvictionSkipsLockedKeys(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLockout(t, LockoutPolicy{Threshold: 1})
	l.maxEntries = 2

	_, _ = l.RecordFailure(ctx, "locked")
	l.mu.Lock()
	l.entries["locked"].Value.(*lockoutEntry).lockedUntil = l.now().Add(time.Hour)
	l.mu.Unlock()

	l.policy.Threshold = 10
	_, _ = l.RecordFailure(ctx, "a")
	_, _ = l.RecordFailure(ctx, "b")

	if remaining, _ := l.Check(ctx, "locked"); remaining == 0 {
		t.Error("locked key must survive LRU eviction")
	}
	if got := l.GetStats().TotalEvictions; got != 1 {
		t.Errorf("TotalEvictions = %d, want 1", got)
	}
}

func TestLockout_EvictionWhenAllLocked(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLockout(t, LockoutPolicy{Threshold: 1, BaseDelay: time.Hour})
	l.maxEntries = 2

	for _, key := range []string{"oldest", "newer", "newest"} {
		if delay, _ := l.RecordFailure(ctx, key); delay == 0 {
			t.Fatalf("%s not locked", key)
		}
	}

	stats := l.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if remaining, _ := l.Check(ctx, "oldest"); remaining != 0 {
		t.Error("least recently used key should have been evicted")
	}
	if remaining, _ := l.Check(ctx, "newest"); remaining == 0 {
		t.Error("new key must be tracked")
	}
}
