package audit

import "strings"

// Kind names a security event.
type Kind string

const (
	KindAuthSuccess          Kind = "AUTH_SUCCESS"
	KindAuthFailed           Kind = "AUTH_FAILED"
	KindAuthLocked           Kind = "AUTH_LOCKED"
	KindAuthInvalidRole      Kind = "AUTH_INVALID_ROLE"
	KindAuthError            Kind = "AUTH_ERROR"
	KindAccountLocked        Kind = "ACCOUNT_LOCKED"
	KindSessionTimeout       Kind = "SESSION_TIMEOUT"
	KindSessionLogout        Kind = "SESSION_LOGOUT"
	KindSessionRoleChanged   Kind = "SESSION_ROLE_CHANGED"
	KindCSRFValidationFailed Kind = "CSRF_VALIDATION_FAILED"
	KindInputValidation      Kind = "INPUT_VALIDATION_FAILED"
	KindSQLInjectionAttempt  Kind = "SQL_INJECTION_ATTEMPT"
	KindAuditAccessDenied    Kind = "AUDIT_ACCESS_DENIED"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindServiceStarted       Kind = "SERVICE_STARTED"
	KindServiceStopped       Kind = "SERVICE_STOPPED"
	KindCustom               Kind = "CUSTOM"
)

var knownKinds = map[Kind]struct{}{
	KindAuthSuccess: {}, KindAuthFailed: {}, KindAuthLocked: {}, KindAuthInvalidRole: {},
	KindAuthError: {}, KindAccountLocked: {}, KindSessionTimeout: {}, KindSessionLogout: {},
	KindSessionRoleChanged: {}, KindCSRFValidationFailed: {}, KindInputValidation: {},
	KindSQLInjectionAttempt: {}, KindAuditAccessDenied: {}, KindRateLimited: {}, KindServiceStarted: {},
	KindServiceStopped: {}, KindCustom: {},
}

// Known reports whether k belongs to the event taxonomy.
func (k Kind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// ParseKind normalizes s and reports whether it names a known kind.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	return k, k.Known()
}
