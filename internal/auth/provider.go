package auth

import (
	"context"
	"slices"
	"sync"
)

// CredentialProvider returns the stored password hash for a username, or
// ErrNotFound.
type CredentialProvider interface {
	Lookup(ctx context.Context, username string) (string, error)
}

// RoleAuthorizer is optionally implemented by providers that restrict which
// roles an account may log in as.
type RoleAuthorizer interface {
	AllowsRole(ctx context.Context, username string, role Role) (bool, error)
}

// ProviderFunc adapts a function to CredentialProvider.
type ProviderFunc func(ctx context.Context, username string) (string, error)

func (f ProviderFunc) Lookup(ctx context.Context, username string) (string, error) {
	return f(ctx, username)
}

// FixtureAccount is a static account. Empty Roles allows any role.
type FixtureAccount struct {
	Username     string
	PasswordHash string
	Roles        []Role
}

// FixtureProvider serves a fixed set of accounts from memory.
type FixtureProvider struct {
	mu       sync.RWMutex
	accounts map[string]FixtureAccount
}

// NewFixtureProvider builds a provider over the given accounts.
func NewFixtureProvider(accounts ...FixtureAccount) *FixtureProvider {
	p := &FixtureProvider{accounts: make(map[string]FixtureAccount, len(accounts))}
	for _, a := range accounts {
		p.accounts[a.Username] = a
	}
	return p
}

// DemoAccounts is the stock dashboard fixture: operator/operator123,
// admin/admin123 and serwisant/serwis123, stored as SHA-256 hex.
func DemoAccounts() *FixtureProvider {
	return NewFixtureProvider(
		FixtureAccount{
			Username:     "operator",
			PasswordHash: "ec6e1c25258002eb1c67d15c7f45da7945fa4c58778fd7d88faa5e53e3b4698d",
			Roles:        []Role{RoleOperator},
		},
		FixtureAccount{
			Username:     "admin",
			PasswordHash: "240be518fabd2724ddb6f04eeb1da5967448d7e831c08c8fa822809f74c720a9",
			Roles:        []Role{RoleAdmin, RoleSuperuser},
		},
		FixtureAccount{
			Username:     "serwisant",
			PasswordHash: "c11b4302b721fd1d0a8f910470f82e009dc0b93c4894f9f6fe473b8daa3e1152",
			Roles:        []Role{RoleServiceTech},
		},
	)
}

func (p *FixtureProvider) Lookup(_ context.Context, username string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[username]
	if !ok {
		return "", ErrNotFound
	}
	return a.PasswordHash, nil
}

func (p *FixtureProvider) AllowsRole(_ context.Context, username string, role Role) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.accounts[username]
	if !ok {
		return false, ErrNotFound
	}
	if len(a.Roles) == 0 {
		return true, nil
	}
	return slices.Contains(a.Roles, role), nil
}

// Put adds or replaces an account.
func (p *FixtureProvider) Put(a FixtureAccount) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accounts[a.Username] = a
}
