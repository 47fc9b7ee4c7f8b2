// Package session holds server-side login sessions and their CSRF tokens.
package session

import (
	"context"
	"sync"
	"time"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/token"
)

const DefaultTimeout = 30 * time.Minute

// Recorder receives session lifecycle events. *audit.Log satisfies it.
type Recorder interface {
	Append(ctx context.Context, kind audit.Kind, data map[string]any) audit.Event
}

type nopRecorder struct{}

func (nopRecorder) Append(_ context.Context, kind audit.Kind, data map[string]any) audit.Event {
	return audit.Event{Kind: kind, Data: data}
}

// Session is one authenticated login. Values handed out are copies.
type Session struct {
	ID           string             `json:"-"`
	Username     string             `json:"username"`
	Role         auth.Role          `json:"role"`
	Permissions  auth.PermissionSet `json:"permissions"`
	LoginTime    time.Time          `json:"loginTime"`
	LastActivity time.Time          `json:"lastActivity"`
	Client       audit.ClientMeta   `json:"client"`
}

// Principal returns the identity the session acts as.
func (s Session) Principal() auth.Principal {
	return auth.Principal{Username: s.Username, Role: s.Role, Permissions: s.Permissions.Clone()}
}

func (s *Session) copy() Session {
	out := *s
	out.Permissions = s.Permissions.Clone()
	return out
}

// Option configures Store.
type Option func(*Store)

// WithTimeout sets the idle timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithTokenSource overrides session id generation.
func WithTokenSource(src token.Source) Option {
	return func(s *Store) {
		if src != nil {
			s.newID = src
		}
	}
}

// WithMetrics keeps the active session gauge current.
func WithMetrics(m *obs.SecurityMetrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithEndHook calls fn with the id of every session that ends by logout or
// timeout. fn runs outside the store lock.
func WithEndHook(fn func(id string)) Option {
	return func(s *Store) {
		s.onEnd = fn
	}
}

// Store is the table of live sessions keyed by opaque id. Idle sessions
// expire lazily on access and in Sweep.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	watch    map[string]chan struct{}
	onEnd    func(id string)

	rec     Recorder
	timeout time.Duration
	now     func() time.Time
	newID   token.Source
	metrics *obs.SecurityMetrics
}

// New returns an empty store. A nil recorder discards events.
func New(rec Recorder, opts ...Option) *Store {
	if rec == nil {
		rec = nopRecorder{}
	}
	s := &Store{
		sessions: make(map[string]*Session),
		watch:    make(map[string]chan struct{}),
		rec:      rec,
		timeout:  DefaultTimeout,
		now:      time.Now,
		newID:    token.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create starts a session and returns its id.
func (s *Store) Create(ctx context.Context, username string, role auth.Role, perms auth.PermissionSet, client audit.ClientMeta) (string, error) {
	id, err := s.newID()
	if err != nil {
		return "", err
	}
	now := s.now()

	s.mu.Lock()
	s.sessions[id] = &Session{
		ID:           id,
		Username:     username,
		Role:         role,
		Permissions:  perms.Clone(),
		LoginTime:    now,
		LastActivity: now,
		Client:       client,
	}
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetActiveSessions(n)
	return id, nil
}

// Get returns the session and refreshes its activity time. Expired sessions
// are evicted, recorded as SESSION_TIMEOUT and reported as absent.
func (s *Store) Get(ctx context.Context, id string) (Session, bool) {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return Session{}, false
	}
	if s.expired(sess, now) {
		s.removeLocked(id)
		expired := sess.copy()
		n := len(s.sessions)
		s.mu.Unlock()

		s.metrics.SetActiveSessions(n)
		s.ended(id)
		s.recordTimeout(ctx, expired, now)
		return Session{}, false
	}
	sess.LastActivity = now
	out := sess.copy()
	s.mu.Unlock()
	return out, true
}

// Peek returns a live session without refreshing its activity time.
func (s *Store) Peek(id string) (Session, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess, now) {
		return Session{}, false
	}
	return sess.copy(), true
}

// Watch returns a channel that is closed when the session ends or its role
// changes. It reports false for unknown or expired sessions.
func (s *Store) Watch(id string) (<-chan struct{}, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess, now) {
		return nil, false
	}
	ch, ok := s.watch[id]
	if !ok {
		ch = make(chan struct{})
		s.watch[id] = ch
	}
	return ch, true
}

// Invalidate ends the session. Unknown ids are a no-op.
func (s *Store) Invalidate(ctx context.Context, id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		s.removeLocked(id)
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return false
	}

	s.metrics.SetActiveSessions(n)
	s.ended(id)
	s.rec.Append(ctx, audit.KindSessionLogout, map[string]any{
		"username":   sess.Username,
		"session":    token.Ref(id),
		"durationMs": s.now().Sub(sess.LoginTime).Milliseconds(),
	})
	return true
}

// SetRole swaps the role and permissions of a live session.
func (s *Store) SetRole(ctx context.Context, id string, role auth.Role, perms auth.PermissionSet) (Session, bool) {
	now := s.now()

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok || s.expired(sess, now) {
		s.mu.Unlock()
		return Session{}, false
	}
	sess.Role = role
	sess.Permissions = perms.Clone()
	sess.LastActivity = now
	s.notifyLocked(id)
	out := sess.copy()
	s.mu.Unlock()
	return out, true
}

// Sweep evicts every idle session and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var stale []Session
	for _, sess := range s.sessions {
		if s.expired(sess, now) {
			stale = append(stale, sess.copy())
		}
	}
	for _, sess := range stale {
		s.removeLocked(sess.ID)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if len(stale) > 0 {
		s.metrics.SetActiveSessions(n)
	}
	for _, sess := range stale {
		s.ended(sess.ID)
		s.recordTimeout(ctx, sess, now)
	}
	return len(stale)
}

// Len reports the number of stored sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Clear drops every session and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	n := len(s.sessions)
	s.sessions = make(map[string]*Session)
	for id := range s.watch {
		s.notifyLocked(id)
	}
	s.mu.Unlock()
	s.metrics.SetActiveSessions(0)
	return n
}

func (s *Store) removeLocked(id string) {
	delete(s.sessions, id)
	s.notifyLocked(id)
}

func (s *Store) notifyLocked(id string) {
	if ch, ok := s.watch[id]; ok {
		close(ch)
		delete(s.watch, id)
	}
}

func (s *Store) ended(id string) {
	if s.onEnd != nil {
		s.onEnd(id)
	}
}

func (s *Store) expired(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.timeout
}

func (s *Store) recordTimeout(ctx context.Context, sess Session, now time.Time) {
	s.rec.Append(ctx, audit.KindSessionTimeout, map[string]any{
		"username": sess.Username,
		"session":  token.Ref(sess.ID),
		"idleMs":   now.Sub(sess.LastActivity).Milliseconds(),
	})
}
