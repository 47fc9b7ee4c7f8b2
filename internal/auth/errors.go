package auth

import "errors"

var (
	ErrNotFound         = errors.New("auth: not found")
	ErrInvalidInput     = errors.New("auth: invalid input")
	ErrPermissionDenied = errors.New("auth: permission denied")
	ErrAuthFailed       = errors.New("auth: authentication failed")
	ErrInvalidToken     = errors.New("auth: invalid token")
)

// PublicAuthMessage is the only text callers ever see for a rejected login,
// whatever the internal reason.
const PublicAuthMessage = "invalid credentials or account locked"

// FailureKind tells rejected logins apart internally.
type FailureKind int

const (
	FailureInvalidCredentials FailureKind = iota + 1
	FailureLocked
	FailureInvalidRole
)

func (k FailureKind) String() string {
	switch k {
	case FailureInvalidCredentials:
		return "invalid_credentials"
	case FailureLocked:
		return "locked"
	case FailureInvalidRole:
		return "invalid_role"
	default:
		return "unknown"
	}
}

// AuthError is returned for every rejected login. Error() is identical for
// all kinds so callers cannot enumerate usernames from it.
type AuthError struct {
	Kind FailureKind
}

func (e *AuthError) Error() string { return PublicAuthMessage }

func (e *AuthError) Unwrap() error { return ErrAuthFailed }

// FailureOf extracts the failure kind from err, if it carries one.
func FailureOf(err error) (FailureKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}
