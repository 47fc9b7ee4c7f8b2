package auth

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, errors.New("disk gone") }
func (brokenStore) Set(context.Context, string, []byte) error   { return errors.New("disk gone") }
func (brokenStore) Remove(context.Context, string) error        { return errors.New("disk gone") }

func TestLockoutThresholdAndExpiry(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewLockout(WithLockoutClock(clock.Now), WithLockoutLogger(obs.Discard()))

	for i := 1; i < DefaultMaxAttempts; i++ {
		if l.RecordFailure(ctx, "operator") {
			t.Fatalf("locked after %d failures", i)
		}
		if l.IsLocked(ctx, "operator") {
			t.Fatalf("IsLocked after %d failures", i)
		}
	}
	if !l.RecordFailure(ctx, "operator") {
		t.Fatalf("expected lock on failure %d", DefaultMaxAttempts)
	}
	if !l.IsLocked(ctx, "operator") {
		t.Fatalf("expected operator to be locked")
	}
	if l.LockedCount() != 1 {
		t.Fatalf("LockedCount = %d", l.LockedCount())
	}

	clock.Advance(DefaultLockoutDuration - time.Nanosecond)
	if !l.IsLocked(ctx, "operator") {
		t.Fatalf("lock released early")
	}
	clock.Advance(time.Nanosecond)
	if l.IsLocked(ctx, "operator") {
		t.Fatalf("lock should have expired")
	}
	if got := l.Failures(ctx, "operator"); got != 0 {
		t.Fatalf("failure count after expiry = %d", got)
	}
	if l.RecordFailure(ctx, "operator") {
		t.Fatalf("a single failure after expiry must not relock")
	}
}

func TestLockoutSuccessResets(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	l := NewLockout(WithLockoutStore(store))
	l.RecordFailure(ctx, "admin")
	l.RecordFailure(ctx, "admin")
	if store.Len() != 1 {
		t.Fatalf("expected record to be persisted")
	}
	l.RecordSuccess(ctx, "admin")
	if l.Failures(ctx, "admin") != 0 || store.Len() != 0 {
		t.Fatalf("success should clear state")
	}
}

func TestLockoutSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := kv.NewMemory()
	first := NewLockout(WithLockoutStore(store), WithLockoutClock(clock.Now))
	for i := 0; i < DefaultMaxAttempts; i++ {
		first.RecordFailure(ctx, "serwisant")
	}

	raw, err := store.Get(ctx, "failed_serwisant")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if rec["failureCount"] != float64(DefaultMaxAttempts) || rec["lockedUntil"] == nil {
		t.Fatalf("unexpected persisted record: %s", raw)
	}

	second := NewLockout(WithLockoutStore(store), WithLockoutClock(clock.Now))
	if !second.IsLocked(ctx, "serwisant") {
		t.Fatalf("lock was not restored from store")
	}
	clock.Advance(DefaultLockoutDuration)
	if second.IsLocked(ctx, "serwisant") {
		t.Fatalf("restored lock should expire")
	}
	if _, err := store.Get(ctx, "failed_serwisant"); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expired record should be removed, got %v", err)
	}
}

func TestLockoutStoreFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	l := NewLockout(WithLockoutStore(brokenStore{}), WithLockoutLogger(obs.Discard()), WithMaxAttempts(2))
	l.RecordFailure(ctx, "operator")
	if !l.RecordFailure(ctx, "operator") {
		t.Fatalf("in-memory state should still lock")
	}
	if !l.IsLocked(ctx, "operator") {
		t.Fatalf("expected lock despite broken store")
	}
}

func TestLockoutPrune(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := kv.NewMemory()
	l := NewLockout(WithLockoutStore(store), WithLockoutClock(clock.Now), WithLockoutGrace(time.Minute), WithMaxAttempts(1))

	l.RecordFailure(ctx, "admin")
	clock.Advance(10 * time.Minute)
	if n := l.Prune(ctx); n != 0 {
		t.Fatalf("pruned %d active records", n)
	}
	clock.Advance(DefaultLockoutDuration + time.Minute)
	if n := l.Prune(ctx); n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}
	if store.Len() != 0 {
		t.Fatalf("pruned record still persisted")
	}
}
