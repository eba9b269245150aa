package repositories

import (
	"context"
	"testing"
	"time"
)

func TestMemoryGuard_Lock(t *testing.T) {
	g := NewMemoryGuard(0, 0)
	ctx := context.Background()

	release, ok, err := g.TryLock(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("first lock: %v %v", ok, err)
	}
	if _, ok, _ := g.TryLock(ctx, "p1"); ok {
		t.Fatalf("second lock should fail while held")
	}
	if _, ok, _ := g.TryLock(ctx, "p2"); !ok {
		t.Fatalf("locks are per purchase")
	}

	release()
	release()
	again, ok, _ := g.TryLock(ctx, "p1")
	if !ok {
		t.Fatalf("lock should be free after release")
	}
	again()
}

func TestMemoryGuard_PollBudgetWindow(t *testing.T) {
	g := NewMemoryGuard(2, time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	for i, want := range []bool{true, true, false, false} {
		got, _ := g.AllowPoll(ctx, "p1")
		if got != want {
			t.Errorf("tick %d = %v, want %v", i, got, want)
		}
	}
	if ok, _ := g.AllowPoll(ctx, "p2"); !ok {
		t.Errorf("budget is per purchase")
	}

	now = now.Add(time.Minute)
	if ok, _ := g.AllowPoll(ctx, "p1"); !ok {
		t.Errorf("budget should reset with a new window")
	}
}

func TestRedisGuard_Keys(t *testing.T) {
	g := NewRedisGuard(nil, "", 0, 0, 0)
	if got := g.lockKey("p1"); got != "coursepay:lock:purchase:p1" {
		t.Errorf("lock key = %s", got)
	}
	if got := g.pollKey("p1"); got != "coursepay:poll:purchase:p1" {
		t.Errorf("poll key = %s", got)
	}
	if g.ttl != DefaultLockTTL || g.budget != DefaultPollBudget || g.window != DefaultPollWindow {
		t.Errorf("defaults not applied: %+v", g)
	}
}
