// Package security is the server-side security core of the dashboard: it
// authenticates operators, tracks their sessions and CSRF tokens, filters
// input and keeps the audit trail.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/sanitize"
	"ironwatch.dev/internal/session"
	"ironwatch.dev/internal/token"
)

// User is the identity returned by a successful login.
type User struct {
	Username    string             `json:"username"`
	Role        auth.Role          `json:"role"`
	Permissions auth.PermissionSet `json:"permissions"`
}

// Login is the result of Authenticate.
type Login struct {
	SessionID string `json:"sessionId"`
	CSRFToken string `json:"csrfToken"`
	User      User   `json:"user"`
}

// Metrics summarizes the live security state.
type Metrics struct {
	ActiveSessions   int `json:"activeSessions"`
	AuditEntries     int `json:"auditEntries"`
	AuditCapacity    int `json:"auditCapacity"`
	CSRFTokens       int `json:"csrfTokens"`
	LockedPrincipals int `json:"lockedPrincipals"`
}

// Service ties the security components together. Build one per process with
// New and share it.
type Service struct {
	provider  auth.CredentialProvider
	validator *auth.CredentialValidator
	lockout   *auth.Lockout
	sessions  *session.Store
	csrf      *session.CSRFStore
	audit     *audit.Log

	now             func() time.Time
	logger          *slog.Logger
	metrics         *obs.SecurityMetrics
	sessionTimeout  time.Duration
	csrfTTL         time.Duration
	maxAttempts     int
	lockoutDuration time.Duration
	lockoutStore    kv.Store
	auditCapacity   int
	sinks           []audit.Sink
	sweepInterval   time.Duration
	tokens          token.Source

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

// New builds a Service over the given credential provider.
func New(provider auth.CredentialProvider, opts ...Option) (*Service, error) {
	validator, err := auth.NewCredentialValidator(provider)
	if err != nil {
		return nil, err
	}
	s := &Service{
		provider:      provider,
		validator:     validator,
		now:           time.Now,
		logger:        obs.Logger(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	auditOpts := []audit.Option{
		audit.WithClock(s.now),
		audit.WithLogger(s.logger),
		audit.WithMetrics(s.metrics),
		audit.WithCapacity(s.auditCapacity),
	}
	for _, sink := range s.sinks {
		auditOpts = append(auditOpts, audit.WithSink(sink))
	}
	s.audit = audit.New(auditOpts...)

	s.lockout = auth.NewLockout(
		auth.WithLockoutClock(s.now),
		auth.WithLockoutLogger(s.logger),
		auth.WithLockoutStore(s.lockoutStore),
		auth.WithMaxAttempts(s.maxAttempts),
		auth.WithLockoutDuration(s.lockoutDuration),
	)
	s.csrf = session.NewCSRFStore(
		session.WithCSRFClock(s.now),
		session.WithCSRFTTL(s.csrfTTL),
		session.WithCSRFTokenSource(s.tokens),
	)
	s.sessions = session.New(s.audit,
		session.WithClock(s.now),
		session.WithTimeout(s.sessionTimeout),
		session.WithTokenSource(s.tokens),
		session.WithMetrics(s.metrics),
		session.WithEndHook(s.csrf.Revoke),
	)
	return s, nil
}

// Authenticate checks lockout, credentials and role, then opens a session
// and issues its CSRF token. Every attempt records exactly one of
// AUTH_SUCCESS, AUTH_FAILED, AUTH_LOCKED, AUTH_INVALID_ROLE or AUTH_ERROR.
// Rejections are *auth.AuthError; anything else is an internal failure.
func (s *Service) Authenticate(ctx context.Context, username, password, role string) (Login, error) {
	check := sanitize.Validate(username, sanitize.KindUsername, sanitize.Options{Required: true})
	name := check.Sanitized
	if !check.Valid {
		s.reject(ctx, audit.KindAuthFailed, auth.FailureInvalidCredentials, map[string]any{
			"username": name,
			"reason":   "invalid_username",
		})
		return Login{}, &auth.AuthError{Kind: auth.FailureInvalidCredentials}
	}

	if s.lockout.IsLocked(ctx, name) {
		s.reject(ctx, audit.KindAuthLocked, auth.FailureLocked, map[string]any{"username": name})
		return Login{}, &auth.AuthError{Kind: auth.FailureLocked}
	}

	ok, err := s.validator.Validate(ctx, name, password)
	if err != nil {
		return Login{}, s.fail(ctx, name, "credential_lookup", err)
	}
	if !ok {
		locked := s.lockout.RecordFailure(ctx, name)
		s.reject(ctx, audit.KindAuthFailed, auth.FailureInvalidCredentials, map[string]any{
			"username": name,
			"attempts": s.lockout.Failures(ctx, name),
		})
		if locked {
			s.metrics.Lockout()
			s.audit.Append(ctx, audit.KindAccountLocked, map[string]any{
				"username":   name,
				"durationMs": s.lockoutWindow().Milliseconds(),
			})
		}
		return Login{}, &auth.AuthError{Kind: auth.FailureInvalidCredentials}
	}

	r, allowed, err := s.resolveRole(ctx, name, role)
	if err != nil {
		return Login{}, s.fail(ctx, name, "role_lookup", err)
	}
	if !allowed {
		s.reject(ctx, audit.KindAuthInvalidRole, auth.FailureInvalidRole, map[string]any{
			"username": name,
			"role":     sanitize.Sanitize(role),
		})
		return Login{}, &auth.AuthError{Kind: auth.FailureInvalidRole}
	}

	s.lockout.RecordSuccess(ctx, name)
	perms := auth.PermissionsForRole(r)
	id, err := s.sessions.Create(ctx, name, r, perms, audit.ClientMetaFromContext(ctx))
	if err != nil {
		return Login{}, s.fail(ctx, name, "session_create", err)
	}
	csrfToken, err := s.csrf.Issue(id)
	if err != nil {
		s.sessions.Invalidate(ctx, id)
		return Login{}, s.fail(ctx, name, "csrf_issue", err)
	}

	s.metrics.AuthAttempt("success")
	s.audit.Append(ctx, audit.KindAuthSuccess, map[string]any{
		"username": name,
		"role":     string(r),
		"session":  token.Ref(id),
	})
	return Login{
		SessionID: id,
		CSRFToken: csrfToken,
		User:      User{Username: name, Role: r, Permissions: perms},
	}, nil
}

func (s *Service) resolveRole(ctx context.Context, username, role string) (auth.Role, bool, error) {
	r, ok := auth.ParseRole(role)
	if !ok {
		return "", false, nil
	}
	ra, ok := s.provider.(auth.RoleAuthorizer)
	if !ok {
		return r, true, nil
	}
	allowed, err := ra.AllowsRole(ctx, username, r)
	if errors.Is(err, auth.ErrNotFound) {
		return r, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return r, allowed, nil
}

func (s *Service) reject(ctx context.Context, kind audit.Kind, failure auth.FailureKind, data map[string]any) {
	s.metrics.AuthAttempt(failure.String())
	s.audit.Append(ctx, kind, data)
}

func (s *Service) fail(ctx context.Context, username, stage string, err error) error {
	s.metrics.AuthAttempt("error")
	s.audit.Append(ctx, audit.KindAuthError, map[string]any{
		"username": username,
		"stage":    stage,
		"error":    err.Error(),
	})
	return fmt.Errorf("security: authenticate: %s: %w", stage, err)
}

func (s *Service) lockoutWindow() time.Duration {
	if s.lockoutDuration > 0 {
		return s.lockoutDuration
	}
	return auth.DefaultLockoutDuration
}

// Logout ends the session and revokes its CSRF token. Unknown ids are a no-op.
func (s *Service) Logout(ctx context.Context, sessionID string) bool {
	return s.sessions.Invalidate(ctx, sessionID)
}

// ValidateSession returns the live session and refreshes its activity time.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (session.Session, bool) {
	return s.sessions.Get(ctx, sessionID)
}

// HasPermission reports whether the session is valid and grants perm.
func (s *Service) HasPermission(ctx context.Context, sessionID string, perm auth.Permission) bool {
	sess, ok := s.sessions.Get(ctx, sessionID)
	if !ok {
		return false
	}
	return sess.Permissions.Has(perm)
}

// ChangeRole moves the session to another role whose permissions it already
// holds, e.g. a superuser acting as an operator.
func (s *Service) ChangeRole(ctx context.Context, sessionID, role string) (session.Session, error) {
	sess, ok := s.sessions.Get(ctx, sessionID)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: no valid session", auth.ErrPermissionDenied)
	}
	r, ok := auth.ParseRole(role)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: unknown role %q", auth.ErrInvalidInput, sanitize.Sanitize(role))
	}
	perms := auth.PermissionsForRole(r)
	if !sess.Permissions.Covers(perms) {
		return session.Session{}, fmt.Errorf("%w: role %s exceeds current permissions", auth.ErrPermissionDenied, r)
	}
	updated, ok := s.sessions.SetRole(ctx, sessionID, r, perms)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: no valid session", auth.ErrPermissionDenied)
	}
	s.audit.Append(ctx, audit.KindSessionRoleChanged, map[string]any{
		"username": sess.Username,
		"from":     string(sess.Role),
		"to":       string(r),
	})
	return updated, nil
}

// IssueCSRFToken mints a fresh CSRF token for a live session, replacing the
// previous one.
func (s *Service) IssueCSRFToken(ctx context.Context, sessionID string) (string, error) {
	if _, ok := s.sessions.Get(ctx, sessionID); !ok {
		return "", fmt.Errorf("%w: no valid session", auth.ErrPermissionDenied)
	}
	return s.csrf.Issue(sessionID)
}

// ValidateCSRFToken checks a submitted token. Failures are audited.
func (s *Service) ValidateCSRFToken(ctx context.Context, sessionID, submitted string) bool {
	ok := s.csrf.Validate(sessionID, submitted)
	s.metrics.CSRFValidation(ok)
	if !ok {
		s.audit.Append(ctx, audit.KindCSRFValidationFailed, map[string]any{
			"session": token.Ref(sessionID),
		})
	}
	return ok
}

// SanitizeInput strips markup and encodes reserved characters.
func (s *Service) SanitizeInput(raw string) string {
	return sanitize.Sanitize(raw)
}

// ValidateInput validates raw as kind. Rejected input is audited, as
// SQL_INJECTION_ATTEMPT when the SQL heuristics fire. The error, if any, is
// a *sanitize.ValidationError listing every violation.
func (s *Service) ValidateInput(ctx context.Context, raw string, kind sanitize.Kind, opts sanitize.Options) (sanitize.Result, error) {
	res := sanitize.Validate(raw, kind, opts)
	if res.Valid {
		return res, nil
	}
	eventKind := audit.KindInputValidation
	if sanitize.DetectSQLInjection(res.Sanitized) {
		eventKind = audit.KindSQLInjectionAttempt
	}
	s.audit.Append(ctx, eventKind, map[string]any{
		"inputKind": string(kind),
		"errors":    res.Errors,
	})
	return res, res.Err()
}

// LogSecurityEvent appends an event. It never fails.
func (s *Service) LogSecurityEvent(ctx context.Context, kind audit.Kind, data map[string]any) audit.Event {
	return s.audit.Append(ctx, kind, data)
}

// GetAuditLog returns events for a session holding view_audit_logs.
// Denied reads are recorded as AUDIT_ACCESS_DENIED.
func (s *Service) GetAuditLog(ctx context.Context, sessionID string, f audit.Filter) ([]audit.Event, error) {
	sess, err := s.auditReader(ctx, sessionID, "audit_log")
	if err != nil {
		return nil, err
	}
	return s.audit.Query(sess.Permissions, f)
}

// GetSecurityMetrics returns live counters, gated like GetAuditLog.
func (s *Service) GetSecurityMetrics(ctx context.Context, sessionID string) (Metrics, error) {
	if _, err := s.auditReader(ctx, sessionID, "security_metrics"); err != nil {
		return Metrics{}, err
	}
	return Metrics{
		ActiveSessions:   s.sessions.Len(),
		AuditEntries:     s.audit.Len(),
		AuditCapacity:    s.audit.Capacity(),
		CSRFTokens:       s.csrf.Len(),
		LockedPrincipals: s.lockout.LockedCount(),
	}, nil
}

// SubscribeAudit streams new audit events to a session allowed to read them.
// The channel closes when ctx ends, the session ends or its role no longer
// grants view_audit_logs; each event is checked against the session before
// it is delivered.
func (s *Service) SubscribeAudit(ctx context.Context, sessionID string) (<-chan audit.Event, error) {
	if _, err := s.auditReader(ctx, sessionID, "audit_stream"); err != nil {
		return nil, err
	}
	changed, ok := s.streamGate(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: no valid session", auth.ErrPermissionDenied)
	}

	ctx, cancel := context.WithCancel(ctx)
	events := s.audit.Subscribe(ctx)
	out := make(chan audit.Event)
	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				if changed, ok = s.streamGate(sessionID); !ok {
					return
				}
			case e, open := <-events:
				if !open {
					return
				}
				if _, ok := s.streamGate(sessionID); !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// streamGate reports whether the session may still read the audit stream and
// returns a channel that fires on its next change. It does not refresh the
// session's activity time.
func (s *Service) streamGate(sessionID string) (<-chan struct{}, bool) {
	changed, ok := s.sessions.Watch(sessionID)
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions.Peek(sessionID)
	if !ok || !sess.Permissions.Has(auth.PermViewAuditLogs) {
		return nil, false
	}
	return changed, true
}

func (s *Service) auditReader(ctx context.Context, sessionID, resource string) (session.Session, error) {
	sess, ok := s.sessions.Get(ctx, sessionID)
	if !ok {
		s.audit.Append(ctx, audit.KindAuditAccessDenied, map[string]any{
			"resource": resource,
			"reason":   "no_session",
		})
		return session.Session{}, fmt.Errorf("%w: no valid session", auth.ErrPermissionDenied)
	}
	if !sess.Permissions.Has(auth.PermViewAuditLogs) {
		s.audit.Append(ctx, audit.KindAuditAccessDenied, map[string]any{
			"username": sess.Username,
			"resource": resource,
			"reason":   "missing_permission",
		})
		return session.Session{}, fmt.Errorf("%w: %s required", auth.ErrPermissionDenied, auth.PermViewAuditLogs)
	}
	return sess, nil
}

// Audit exposes the audit log to in-process consumers.
func (s *Service) Audit() *audit.Log { return s.audit }

// Lockout exposes the lockout policy to in-process consumers.
func (s *Service) Lockout() *auth.Lockout { return s.lockout }

// Sweep evicts idle sessions, expired CSRF tokens and stale lockout records.
func (s *Service) Sweep(ctx context.Context) {
	sessions := s.sessions.Sweep(ctx)
	tokens := s.csrf.Sweep()
	records := s.lockout.Prune(ctx)
	if sessions+tokens+records > 0 {
		s.logger.Debug("security sweep",
			slog.Int("sessions", sessions),
			slog.Int("csrf_tokens", tokens),
			slog.Int("lockout_records", records),
		)
	}
}

// Start records SERVICE_STARTED and runs Sweep periodically until ctx ends
// or Close is called. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.audit.Append(ctx, audit.KindServiceStarted, map[string]any{
		"sweepIntervalMs": s.sweepInterval.Milliseconds(),
	})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx)
			}
		}
	}()
}

// Close stops the sweeper, destroys every session and CSRF token and records
// SERVICE_STOPPED. State is cleared even when ctx expires before the sweeper
// exits; the error then reports the timeout. It is safe to call more than
// once.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("security: sweeper did not stop: %w", ctx.Err())
		}
	}
	n := s.sessions.Clear()
	s.csrf.Clear()
	s.audit.Append(context.WithoutCancel(ctx), audit.KindServiceStopped, map[string]any{"sessions": n})
	return err
}
