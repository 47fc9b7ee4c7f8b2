package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
)

const (
	DefaultMaxAttempts     = 5
	DefaultLockoutDuration = 15 * time.Minute
	DefaultLockoutGrace    = time.Hour

	lockoutKeyPrefix = "failed_"
)

type attemptRecord struct {
	FailureCount int        `json:"failureCount"`
	LockedUntil  *time.Time `json:"lockedUntil"`
	LastFailure  time.Time  `json:"lastFailure"`
}

func (r *attemptRecord) lockedAt(now time.Time) bool {
	return r.LockedUntil != nil && now.Before(*r.LockedUntil)
}

// LockoutOption configures Lockout.
type LockoutOption func(*Lockout)

// WithMaxAttempts sets the failure count that triggers a lock.
func WithMaxAttempts(n int) LockoutOption {
	return func(l *Lockout) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithLockoutDuration sets how long a lock lasts.
func WithLockoutDuration(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d > 0 {
			l.duration = d
		}
	}
}

// WithLockoutGrace sets how long an idle record is kept after its lock
// (or last failure) before Prune drops it.
func WithLockoutGrace(d time.Duration) LockoutOption {
	return func(l *Lockout) {
		if d >= 0 {
			l.grace = d
		}
	}
}

// WithLockoutStore persists records through store.
func WithLockoutStore(store kv.Store) LockoutOption {
	return func(l *Lockout) {
		if store != nil {
			l.store = store
		}
	}
}

// WithLockoutClock overrides the time source.
func WithLockoutClock(fn func() time.Time) LockoutOption {
	return func(l *Lockout) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLockoutLogger sets the logger used for persistence failures.
func WithLockoutLogger(logger *slog.Logger) LockoutOption {
	return func(l *Lockout) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Lockout counts failed logins per username and locks the account after
// too many. Expired locks are cleared lazily on the next check.
type Lockout struct {
	mu      sync.Mutex
	records map[string]*attemptRecord

	store       kv.Store
	now         func() time.Time
	logger      *slog.Logger
	maxAttempts int
	duration    time.Duration
	grace       time.Duration
}

// NewLockout builds a lockout policy. Without a store, state lives in memory.
func NewLockout(opts ...LockoutOption) *Lockout {
	l := &Lockout{
		records:     make(map[string]*attemptRecord),
		store:       kv.NewMemory(),
		now:         time.Now,
		logger:      obs.Logger(),
		maxAttempts: DefaultMaxAttempts,
		duration:    DefaultLockoutDuration,
		grace:       DefaultLockoutGrace,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordFailure counts a failed attempt and reports whether this failure
// locked the account.
func (l *Lockout) RecordFailure(ctx context.Context, username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec := l.recordLocked(ctx, username)
	if rec == nil {
		rec = &attemptRecord{}
		l.records[username] = rec
	}
	if rec.lockedAt(now) {
		rec.LastFailure = now
		l.persistLocked(ctx, username, rec)
		return false
	}
	if rec.LockedUntil != nil {
		rec.FailureCount = 0
		rec.LockedUntil = nil
	}

	rec.FailureCount++
	rec.LastFailure = now
	locked := false
	if rec.FailureCount >= l.maxAttempts {
		until := now.Add(l.duration)
		rec.LockedUntil = &until
		locked = true
	}
	l.persistLocked(ctx, username, rec)
	return locked
}

// RecordSuccess clears all failure state for username.
func (l *Lockout) RecordSuccess(ctx context.Context, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropLocked(ctx, username)
}

// IsLocked reports whether username is currently locked out.
func (l *Lockout) IsLocked(ctx context.Context, username string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(ctx, username)
	if rec == nil || rec.LockedUntil == nil {
		return false
	}
	if rec.lockedAt(l.now()) {
		return true
	}
	l.dropLocked(ctx, username)
	return false
}

// Failures returns the current consecutive failure count for username.
func (l *Lockout) Failures(ctx context.Context, username string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.recordLocked(ctx, username)
	if rec == nil {
		return 0
	}
	if rec.LockedUntil != nil && !rec.lockedAt(l.now()) {
		return 0
	}
	return rec.FailureCount
}

// LockedCount returns how many known usernames are locked right now.
func (l *Lockout) LockedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for _, rec := range l.records {
		if rec.lockedAt(now) {
			n++
		}
	}
	return n
}

// Prune drops unlocked records whose last failure is older than the
// lockout duration plus grace and returns how many were removed.
func (l *Lockout) Prune(ctx context.Context) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	horizon := l.duration + l.grace
	var stale []string
	for username, rec := range l.records {
		if rec.lockedAt(now) {
			continue
		}
		if now.Sub(rec.LastFailure) > horizon {
			stale = append(stale, username)
		}
	}
	for _, username := range stale {
		l.dropLocked(ctx, username)
	}
	return len(stale)
}

func (l *Lockout) recordLocked(ctx context.Context, username string) *attemptRecord {
	if rec, ok := l.records[username]; ok {
		return rec
	}
	raw, err := l.store.Get(ctx, lockoutKeyPrefix+username)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			l.logger.Warn("lockout load failed", slog.String("username", username), slog.Any("error", err))
		}
		return nil
	}
	var rec attemptRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		l.logger.Warn("lockout record corrupt", slog.String("username", username), slog.Any("error", err))
		return nil
	}
	l.records[username] = &rec
	return &rec
}

func (l *Lockout) persistLocked(ctx context.Context, username string, rec *attemptRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("lockout encode failed", slog.String("username", username), slog.Any("error", err))
		return
	}
	if err := l.store.Set(ctx, lockoutKeyPrefix+username, raw); err != nil {
		l.logger.Warn("lockout persist failed", slog.String("username", username), slog.Any("error", err))
	}
}

func (l *Lockout) dropLocked(ctx context.Context, username string) {
	delete(l.records, username)
	if err := l.store.Remove(ctx, lockoutKeyPrefix+username); err != nil {
		l.logger.Warn("lockout remove failed", slog.String("username", username), slog.Any("error", err))
	}
}
