package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"

	"ironwatch.dev/internal/sanitize"
	"ironwatch.dev/internal/token"
)

// Scheme names a stored password hash format.
type Scheme string

const (
	SchemeSHA256   Scheme = "sha256"
	SchemeBcrypt   Scheme = "bcrypt"
	SchemeArgon2id Scheme = "argon2id"
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

// dummyDigest is compared against when the username is unknown so both paths
// do comparable work.
var dummyDigest = token.Hash("ironwatch:no-such-user")

// ParseScheme resolves a scheme name; empty means sha256.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeSHA256:
		return SchemeSHA256, nil
	case SchemeBcrypt:
		return SchemeBcrypt, nil
	case SchemeArgon2id:
		return SchemeArgon2id, nil
	default:
		return "", fmt.Errorf("%w: unknown hash scheme %q", ErrInvalidInput, s)
	}
}

// HashPassword produces a stored hash for password. The password goes through
// the same sanitizer that login input does, so hashes and logins agree.
func HashPassword(password string, scheme Scheme) (string, error) {
	password = sanitize.Sanitize(password)
	if password == "" {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	switch scheme {
	case "", SchemeSHA256:
		return token.Hash(password), nil
	case SchemeBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("bcrypt: %w", err)
		}
		return string(hash), nil
	case SchemeArgon2id:
		salt := make([]byte, argonSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("generate salt: %w", err)
		}
		hash := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
		return fmt.Sprintf(
			"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
			argon2.Version,
			argonMemory,
			argonIterations,
			argonParallelism,
			base64.RawStdEncoding.EncodeToString(salt),
			base64.RawStdEncoding.EncodeToString(hash),
		), nil
	default:
		return "", fmt.Errorf("%w: unknown hash scheme %q", ErrInvalidInput, scheme)
	}
}

// VerifyPassword compares an already-sanitized password with a stored hash.
// A mismatch is (false, nil); malformed hashes return an error.
func VerifyPassword(stored, password string) (bool, error) {
	stored = strings.TrimSpace(stored)
	switch {
	case stored == "":
		return false, errors.New("password hash is empty")
	case strings.HasPrefix(stored, "$2a$"), strings.HasPrefix(stored, "$2b$"), strings.HasPrefix(stored, "$2y$"):
		err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("bcrypt: %w", err)
		}
		return true, nil
	case strings.HasPrefix(stored, "$argon2id$"):
		return verifyArgon2id(stored, password)
	default:
		got := token.Hash(password)
		return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(stored))) == 1, nil
	}
}

func verifyArgon2id(stored, password string) (bool, error) {
	parts := strings.Split(stored, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	if len(parts) != 6 {
		return false, errors.New("argon2id: malformed hash")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, errors.New("argon2id: unsupported version")
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false, fmt.Errorf("argon2id: parameters: %w", err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("argon2id: salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, fmt.Errorf("argon2id: hash: %w", err)
	}
	got := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// CredentialValidator checks a username/password pair against a provider.
type CredentialValidator struct {
	provider CredentialProvider
}

// NewCredentialValidator wires a validator to its credential provider.
func NewCredentialValidator(provider CredentialProvider) (*CredentialValidator, error) {
	if provider == nil {
		return nil, errors.New("auth: credential provider is required")
	}
	return &CredentialValidator{provider: provider}, nil
}

// Validate reports whether password matches the stored hash for username.
// Unknown users yield (false, nil). Provider failures are returned wrapped.
func (v *CredentialValidator) Validate(ctx context.Context, username, password string) (bool, error) {
	username = sanitize.Sanitize(username)
	password = sanitize.Sanitize(password)

	stored := ""
	if username != "" {
		hash, err := v.provider.Lookup(ctx, username)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return false, fmt.Errorf("auth: lookup credentials: %w", err)
		default:
			stored = hash
		}
	}
	if stored == "" || password == "" {
		_, _ = VerifyPassword(dummyDigest, password)
		return false, nil
	}
	return VerifyPassword(stored, password)
}
