package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSnapshotIssuer = "ironwatch-guard"
	defaultSnapshotTTL    = 5 * time.Minute
)

var errMissingSecret = errors.New("auth: snapshot secret is not configured")

// SnapshotClaims is a signed copy of session state a dashboard may cache.
// The server session stays authoritative; the snapshot only saves a round trip
// for rendering decisions.
type SnapshotClaims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	SessionRef  string   `json:"sid"`
	jwt.RegisteredClaims
}

// SignerOption configures Signer.
type SignerOption func(*Signer)

// WithSnapshotIssuer overrides the iss claim.
func WithSnapshotIssuer(issuer string) SignerOption {
	return func(s *Signer) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithSnapshotTTL sets the snapshot lifetime.
func WithSnapshotTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithSnapshotClock overrides the time source.
func WithSnapshotClock(fn func() time.Time) SignerOption {
	return func(s *Signer) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Signer issues and verifies HS256 session snapshots.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner returns a signer keyed by secret.
func NewSigner(secret string, opts ...SignerOption) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Signer{
		secret: []byte(secret),
		issuer: defaultSnapshotIssuer,
		ttl:    defaultSnapshotTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign encodes the principal and a session reference.
func (s *Signer) Sign(p Principal, sessionRef string) (string, time.Time, error) {
	if strings.TrimSpace(p.Username) == "" {
		return "", time.Time{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	now := s.now().UTC()
	expires := now.Add(s.ttl)
	claims := SnapshotClaims{
		Role:        string(p.Role),
		Permissions: p.Permissions.Strings(),
		SessionRef:  sessionRef,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign snapshot: %w", err)
	}
	return signed, expires, nil
}

// Parse verifies signature, issuer and expiry. Any failure is ErrInvalidToken.
func (s *Signer) Parse(raw string) (*SnapshotClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(raw, &SnapshotClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*SnapshotClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Principal rebuilds the principal carried by the snapshot.
func (c *SnapshotClaims) Principal() Principal {
	perms := make(PermissionSet, len(c.Permissions))
	for i, p := range c.Permissions {
		perms[i] = Permission(p)
	}
	return Principal{Username: c.Subject, Role: Role(c.Role), Permissions: perms}
}
