package session

import (
	"crypto/subtle"
	"sync"
	"time"

	"ironwatch.dev/internal/token"
)

const DefaultCSRFTTL = time.Hour

type csrfEntry struct {
	token    string
	issuedAt time.Time
}

// CSRFOption configures CSRFStore.
type CSRFOption func(*CSRFStore)

// WithCSRFTTL sets token lifetime.
func WithCSRFTTL(d time.Duration) CSRFOption {
	return func(c *CSRFStore) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithCSRFClock overrides the time source.
func WithCSRFClock(fn func() time.Time) CSRFOption {
	return func(c *CSRFStore) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithCSRFTokenSource overrides token generation.
func WithCSRFTokenSource(src token.Source) CSRFOption {
	return func(c *CSRFStore) {
		if src != nil {
			c.newToken = src
		}
	}
}

// CSRFStore keeps at most one anti-forgery token per session.
type CSRFStore struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry

	ttl      time.Duration
	now      func() time.Time
	newToken token.Source
}

// NewCSRFStore returns an empty store.
func NewCSRFStore(opts ...CSRFOption) *CSRFStore {
	c := &CSRFStore{
		tokens:   make(map[string]csrfEntry),
		ttl:      DefaultCSRFTTL,
		now:      time.Now,
		newToken: token.Generate,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Issue mints a token for sessionID, replacing any previous one.
func (c *CSRFStore) Issue(sessionID string) (string, error) {
	tok, err := c.newToken()
	if err != nil {
		return "", err
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(now)
	c.tokens[sessionID] = csrfEntry{token: tok, issuedAt: now}
	return tok, nil
}

// Validate reports whether submitted is the live token for sessionID.
func (c *CSRFStore) Validate(sessionID, submitted string) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tokens[sessionID]
	if !ok {
		return false
	}
	if now.Sub(entry.issuedAt) > c.ttl {
		delete(c.tokens, sessionID)
		return false
	}
	return subtle.ConstantTimeCompare([]byte(entry.token), []byte(submitted)) == 1
}

// Revoke drops the token for sessionID.
func (c *CSRFStore) Revoke(sessionID string) {
	c.mu.Lock()
	delete(c.tokens, sessionID)
	c.mu.Unlock()
}

// Sweep removes expired tokens and returns how many were dropped.
func (c *CSRFStore) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(now)
}

// Len reports the number of outstanding tokens.
func (c *CSRFStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}

// Clear drops every token.
func (c *CSRFStore) Clear() {
	c.mu.Lock()
	c.tokens = make(map[string]csrfEntry)
	c.mu.Unlock()
}

func (c *CSRFStore) sweepLocked(now time.Time) int {
	var stale []string
	for id, entry := range c.tokens {
		if now.Sub(entry.issuedAt) > c.ttl {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(c.tokens, id)
	}
	return len(stale)
}
