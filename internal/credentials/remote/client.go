// Package remote looks up credentials in an external account directory over
// HTTP.
package remote

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
)

// DefaultCacheTTL bounds how long a fetched record answers repeated lookups.
// Authenticate asks for the hash and then for the role in quick succession.
const DefaultCacheTTL = 5 * time.Second

// Record is the directory's view of an account.
type Record struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"passwordHash"`
	Roles        []string `json:"roles"`
	Disabled     bool     `json:"disabled"`
}

type cached struct {
	rec     Record
	fetched time.Time
}

// Client implements auth.CredentialProvider and auth.RoleAuthorizer against
// GET {base}/v1/credentials/{username}.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	ttl        time.Duration
	now        func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

var (
	_ auth.CredentialProvider = (*Client)(nil)
	_ auth.RoleAuthorizer     = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCacheTTL sets the record cache lifetime. Zero disables caching.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New creates a client with connection pooling. If tlsCfg is nil the system
// defaults apply.
func New(baseURL string, tlsCfg *tls.Config, opts ...Option) *Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     tlsCfg,
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second, Transport: transport},
		ttl:        DefaultCacheTTL,
		now:        time.Now,
		cache:      make(map[string]cached),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the password hash of an enabled account.
func (c *Client) Lookup(ctx context.Context, username string) (string, error) {
	rec, err := c.fetch(ctx, username)
	if err != nil {
		return "", err
	}
	return rec.PasswordHash, nil
}

// AllowsRole reports whether the directory grants role. An empty role list
// allows every role.
func (c *Client) AllowsRole(ctx context.Context, username string, role auth.Role) (bool, error) {
	rec, err := c.fetch(ctx, username)
	if err != nil {
		return false, err
	}
	if len(rec.Roles) == 0 {
		return true, nil
	}
	for _, name := range rec.Roles {
		if r, ok := auth.ParseRole(name); ok && r == role {
			return true, nil
		}
	}
	return false, nil
}

// Forget drops any cached record for username.
func (c *Client) Forget(username string) {
	c.mu.Lock()
	delete(c.cache, username)
	c.mu.Unlock()
}

func (c *Client) fetch(ctx context.Context, username string) (Record, error) {
	if c.ttl > 0 {
		c.mu.Lock()
		entry, ok := c.cache[username]
		if ok && c.now().Sub(entry.fetched) < c.ttl {
			c.mu.Unlock()
			return entry.rec, nil
		}
		delete(c.cache, username)
		c.mu.Unlock()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/v1/credentials/"+url.PathEscape(username), nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if rid := audit.ClientMetaFromContext(ctx).RequestID; rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("remote credentials: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Record{}, auth.ErrNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Record{}, fmt.Errorf("remote credentials: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rec Record
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&rec); err != nil {
		return Record{}, fmt.Errorf("remote credentials: decode: %w", err)
	}
	if rec.Disabled || rec.PasswordHash == "" {
		return Record{}, auth.ErrNotFound
	}

	if c.ttl > 0 {
		c.mu.Lock()
		c.cache[username] = cached{rec: rec, fetched: c.now()}
		c.mu.Unlock()
	}
	return rec, nil
}
