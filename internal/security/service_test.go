package security

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/sanitize"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var everything = auth.PermissionSet{auth.PermAll}

func newService(t *testing.T, opts ...Option) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithLogger(obs.Discard())}
	svc, err := New(auth.DemoAccounts(), append(base, opts...)...)
	require.NoError(t, err)
	return svc, clock
}

func kinds(t *testing.T, svc *Service) []audit.Kind {
	t.Helper()
	events, err := svc.Audit().Query(everything, audit.Filter{Limit: 1000})
	require.NoError(t, err)
	out := make([]audit.Kind, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e.Kind
	}
	return out
}

func TestAuthenticateAdmin(t *testing.T) {
	svc, _ := newService(t)
	login, err := svc.Authenticate(context.Background(), "admin", "admin123", "ADMIN")
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), login.SessionID)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), login.CSRFToken)
	assert.Equal(t, "admin", login.User.Username)
	assert.Equal(t, auth.RoleAdmin, login.User.Role)
	assert.Equal(t,
		[]string{"view_dashboard", "view_sensors", "acknowledge_alerts", "manage_users", "configure_system"},
		login.User.Permissions.Strings())

	events, err := svc.Audit().Query(everything, audit.Filter{Kind: audit.KindAuthSuccess})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "admin", events[0].Username())
	assert.NotContains(t, events[0].Data, "sessionId")
	assert.NotEqual(t, login.SessionID, events[0].Data["session"])
}

func TestAuthenticateLockoutScenario(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t)

	for i := 0; i < auth.DefaultMaxAttempts; i++ {
		_, err := svc.Authenticate(ctx, "operator", "wrong-password", "OPERATOR")
		kind, ok := auth.FailureOf(err)
		require.True(t, ok)
		assert.Equal(t, auth.FailureInvalidCredentials, kind)
	}

	_, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	kind, ok := auth.FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, auth.FailureLocked, kind)
	assert.Equal(t, auth.PublicAuthMessage, err.Error())

	clock.Advance(auth.DefaultLockoutDuration)
	login, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleOperator, login.User.Role)
	assert.Equal(t, 0, svc.Lockout().Failures(ctx, "operator"))

	assert.Equal(t, []audit.Kind{
		audit.KindAuthFailed, audit.KindAuthFailed, audit.KindAuthFailed, audit.KindAuthFailed,
		audit.KindAuthFailed, audit.KindAccountLocked,
		audit.KindAuthLocked,
		audit.KindAuthSuccess,
	}, kinds(t, svc))
}

func TestAuthenticateSuccessResetsCounter(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	for i := 0; i < auth.DefaultMaxAttempts-1; i++ {
		_, _ = svc.Authenticate(ctx, "serwisant", "nope", "SERWISANT")
	}
	_, err := svc.Authenticate(ctx, "serwisant", "serwis123", "SERWISANT")
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, "serwisant", "nope", "SERWISANT")
	kind, _ := auth.FailureOf(err)
	assert.Equal(t, auth.FailureInvalidCredentials, kind)
	assert.Equal(t, 1, svc.Lockout().Failures(ctx, "serwisant"))
}

func TestAuthenticateRoles(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Authenticate(ctx, "admin", "admin123", "GUEST")
	kind, ok := auth.FailureOf(err)
	require.True(t, ok)
	assert.Equal(t, auth.FailureInvalidRole, kind)

	_, err = svc.Authenticate(ctx, "operator", "operator123", "ADMIN")
	kind, _ = auth.FailureOf(err)
	assert.Equal(t, auth.FailureInvalidRole, kind)

	login, err := svc.Authenticate(ctx, "admin", "admin123", "superuser")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleSuperuser, login.User.Role)
	assert.Equal(t, []string{"*"}, login.User.Permissions.Strings())

	assert.Equal(t, []audit.Kind{audit.KindAuthInvalidRole, audit.KindAuthInvalidRole, audit.KindAuthSuccess}, kinds(t, svc))
}

func TestAuthenticateMessagesAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, WithLockoutPolicy(1, time.Hour))

	_, unknown := svc.Authenticate(ctx, "ghost", "whatever", "OPERATOR")
	_, badPass := svc.Authenticate(ctx, "admin", "nope", "ADMIN")
	_, locked := svc.Authenticate(ctx, "admin", "admin123", "ADMIN")
	_, badRole := svc.Authenticate(ctx, "operator", "operator123", "SUPERUSER")
	_, badName := svc.Authenticate(ctx, "'; DROP TABLE users; --", "x", "ADMIN")

	for _, err := range []error{unknown, badPass, locked, badRole, badName} {
		require.Error(t, err)
		assert.ErrorIs(t, err, auth.ErrAuthFailed)
		assert.Equal(t, auth.PublicAuthMessage, err.Error())
	}
	kind, _ := auth.FailureOf(locked)
	assert.Equal(t, auth.FailureLocked, kind)
}

func TestAuthenticateProviderError(t *testing.T) {
	boom := errors.New("directory offline")
	svc, err := New(auth.ProviderFunc(func(context.Context, string) (string, error) {
		return "", boom
	}), WithLogger(obs.Discard()))
	require.NoError(t, err)

	_, err = svc.Authenticate(context.Background(), "admin", "admin123", "ADMIN")
	assert.ErrorIs(t, err, boom)
	_, isAuth := auth.FailureOf(err)
	assert.False(t, isAuth)
	assert.Equal(t, []audit.Kind{audit.KindAuthError}, kinds(t, svc))
	assert.Equal(t, 0, svc.Lockout().Failures(context.Background(), "admin"))
}

func TestLockoutPersistsAcrossServices(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory()
	first, _ := newService(t, WithLockoutStore(store), WithLockoutPolicy(2, time.Hour))
	_, _ = first.Authenticate(ctx, "admin", "x", "ADMIN")
	_, _ = first.Authenticate(ctx, "admin", "y", "ADMIN")

	second, _ := newService(t, WithLockoutStore(store), WithLockoutPolicy(2, time.Hour))
	_, err := second.Authenticate(ctx, "admin", "admin123", "ADMIN")
	kind, _ := auth.FailureOf(err)
	assert.Equal(t, auth.FailureLocked, kind)
}

func TestPermissionGateRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	login, err := svc.Authenticate(ctx, "admin", "admin123", "SUPERUSER")
	require.NoError(t, err)
	id := login.SessionID

	check := func(want bool) {
		t.Helper()
		has := svc.HasPermission(ctx, id, auth.PermViewAuditLogs)
		_, err := svc.GetAuditLog(ctx, id, audit.Filter{})
		assert.Equal(t, want, has)
		assert.Equal(t, has, err == nil, "gate and permission disagree: %v", err)
	}
	check(true)

	_, err = svc.ChangeRole(ctx, id, "SERWISANT")
	require.NoError(t, err)
	check(true)

	_, err = svc.ChangeRole(ctx, id, "ADMIN")
	assert.ErrorIs(t, err, auth.ErrPermissionDenied, "cannot climb back up")
	check(true)

	svc2, _ := newService(t)
	admin, _ := svc2.Authenticate(ctx, "admin", "admin123", "ADMIN")
	_, err = svc2.ChangeRole(ctx, admin.SessionID, "OPERATOR")
	require.NoError(t, err)
	has := svc2.HasPermission(ctx, admin.SessionID, auth.PermManageUsers)
	assert.False(t, has)
	_, err = svc2.GetAuditLog(ctx, admin.SessionID, audit.Filter{})
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)

	_, err = svc.ChangeRole(ctx, id, "JANITOR")
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestDeniedAuditReadsAreRecorded(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	op, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)

	_, err = svc.GetAuditLog(ctx, op.SessionID, audit.Filter{})
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = svc.GetSecurityMetrics(ctx, "no-such-session")
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)
	_, err = svc.SubscribeAudit(ctx, op.SessionID)
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)

	denied, err := svc.Audit().Query(everything, audit.Filter{Kind: audit.KindAuditAccessDenied})
	require.NoError(t, err)
	assert.Len(t, denied, 3)
}

func TestSessionTimeoutThroughFacade(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t, WithSessionTimeout(10*time.Minute))
	login, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)

	clock.Advance(10*time.Minute - time.Millisecond)
	_, ok := svc.ValidateSession(ctx, login.SessionID)
	require.True(t, ok)

	clock.Advance(10*time.Minute + time.Millisecond)
	_, ok = svc.ValidateSession(ctx, login.SessionID)
	assert.False(t, ok)
	assert.False(t, svc.HasPermission(ctx, login.SessionID, auth.PermViewDashboard))
	assert.Contains(t, kinds(t, svc), audit.KindSessionTimeout)
}

func TestCSRFLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	login, err := svc.Authenticate(ctx, "admin", "admin123", "ADMIN")
	require.NoError(t, err)

	assert.True(t, svc.ValidateCSRFToken(ctx, login.SessionID, login.CSRFToken))

	fresh, err := svc.IssueCSRFToken(ctx, login.SessionID)
	require.NoError(t, err)
	assert.False(t, svc.ValidateCSRFToken(ctx, login.SessionID, login.CSRFToken))
	assert.True(t, svc.ValidateCSRFToken(ctx, login.SessionID, fresh))

	assert.True(t, svc.Logout(ctx, login.SessionID))
	assert.False(t, svc.Logout(ctx, login.SessionID))
	assert.False(t, svc.ValidateCSRFToken(ctx, login.SessionID, fresh))

	_, err = svc.IssueCSRFToken(ctx, login.SessionID)
	assert.ErrorIs(t, err, auth.ErrPermissionDenied)

	failed, _ := svc.Audit().Query(everything, audit.Filter{Kind: audit.KindCSRFValidationFailed})
	assert.Len(t, failed, 2)
}

func TestValidateInputAudits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.ValidateInput(ctx, "'; DROP TABLE users; --", sanitize.KindText, sanitize.Options{Required: true})
	assert.False(t, res.Valid)
	var verr *sanitize.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = svc.ValidateInput(ctx, "weak", sanitize.KindPassword, sanitize.Options{Required: true})
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 3)

	res, err = svc.ValidateInput(ctx, "tech@plant.local", sanitize.KindEmail, sanitize.Options{})
	require.NoError(t, err)
	assert.True(t, res.Valid)

	assert.Equal(t, []audit.Kind{audit.KindSQLInjectionAttempt, audit.KindInputValidation}, kinds(t, svc))
	assert.Equal(t, "Hello", svc.SanitizeInput("<script>alert(1)</script>Hello"))
}

func TestSecurityMetrics(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, WithLockoutPolicy(1, time.Hour))
	tech, err := svc.Authenticate(ctx, "serwisant", "serwis123", "SERWISANT")
	require.NoError(t, err)
	_, _ = svc.Authenticate(ctx, "operator", "bad", "OPERATOR")
	svc.LogSecurityEvent(ctx, audit.Kind("PANEL_OPENED"), map[string]any{"panel": "diagnostics"})

	m, err := svc.GetSecurityMetrics(ctx, tech.SessionID)
	require.NoError(t, err)
	assert.Equal(t, Metrics{
		ActiveSessions:   1,
		AuditEntries:     4, // AUTH_SUCCESS, AUTH_FAILED, ACCOUNT_LOCKED, CUSTOM
		AuditCapacity:    audit.DefaultCapacity,
		CSRFTokens:       1,
		LockedPrincipals: 1,
	}, m)
}

func TestStartAndClose(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, WithSweepInterval(time.Millisecond))
	svc.Start(ctx)
	svc.Start(ctx)
	_, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)

	require.NoError(t, svc.Close(ctx))
	require.NoError(t, svc.Close(ctx))

	m := svc.Audit()
	assert.Equal(t, 0, svc.sessions.Len())
	assert.Equal(t, 0, svc.csrf.Len())
	got := kinds(t, svc)
	assert.Equal(t, audit.KindServiceStarted, got[0])
	assert.Equal(t, audit.KindServiceStopped, got[len(got)-1])
	assert.Equal(t, 3, m.Len())
}

func TestCloseClearsStateWhenContextExpired(t *testing.T) {
	svc, _ := newService(t, WithSweepInterval(time.Hour))
	svc.Start(context.Background())
	_, err := svc.Authenticate(context.Background(), "operator", "operator123", "OPERATOR")
	require.NoError(t, err)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_ = svc.Close(expired)

	assert.Equal(t, 0, svc.sessions.Len())
	assert.Equal(t, 0, svc.csrf.Len())
	got := kinds(t, svc)
	assert.Equal(t, audit.KindServiceStopped, got[len(got)-1])
	assert.NoError(t, svc.Close(context.Background()))
}

func TestCSRFTokenRevokedWhenSessionTimesOut(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t, WithSessionTimeout(10*time.Minute))
	login, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)
	require.Equal(t, 1, svc.csrf.Len())

	clock.Advance(11 * time.Minute)
	svc.Sweep(ctx)
	assert.Equal(t, 0, svc.csrf.Len())
	assert.False(t, svc.ValidateCSRFToken(ctx, login.SessionID, login.CSRFToken))

	again, err := svc.Authenticate(ctx, "operator", "operator123", "OPERATOR")
	require.NoError(t, err)
	clock.Advance(11 * time.Minute)
	_, ok := svc.ValidateSession(ctx, again.SessionID)
	require.False(t, ok)
	assert.Equal(t, 0, svc.csrf.Len())
}

// drain collects events until the channel closes or the wait runs out.
func drain(t *testing.T, ch <-chan audit.Event) []audit.Event {
	t.Helper()
	var got []audit.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("audit stream still open after %d events", len(got))
			return got
		}
	}
}

func TestAuditStreamDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc, _ := newService(t)
	tech, err := svc.Authenticate(ctx, "serwisant", "serwis123", "SERWISANT")
	require.NoError(t, err)

	ch, err := svc.SubscribeAudit(ctx, tech.SessionID)
	require.NoError(t, err)
	svc.LogSecurityEvent(ctx, audit.KindCustom, map[string]any{"panel": "diagnostics"})

	select {
	case e := <-ch:
		assert.Equal(t, audit.KindCustom, e.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	cancel()
	drain(t, ch)
}

func TestAuditStreamEndsOnLogout(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	tech, err := svc.Authenticate(ctx, "serwisant", "serwis123", "SERWISANT")
	require.NoError(t, err)
	ch, err := svc.SubscribeAudit(ctx, tech.SessionID)
	require.NoError(t, err)

	svc.Logout(ctx, tech.SessionID)
	svc.LogSecurityEvent(ctx, audit.KindCustom, map[string]any{"secret": "after-logout"})

	assert.Empty(t, drain(t, ch))
}

func TestAuditStreamEndsOnTimeout(t *testing.T) {
	ctx := context.Background()
	svc, clock := newService(t, WithSessionTimeout(10*time.Minute))
	tech, err := svc.Authenticate(ctx, "serwisant", "serwis123", "SERWISANT")
	require.NoError(t, err)
	ch, err := svc.SubscribeAudit(ctx, tech.SessionID)
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	svc.LogSecurityEvent(ctx, audit.KindCustom, map[string]any{"secret": "after-timeout"})

	assert.Empty(t, drain(t, ch))
}

func TestAuditStreamEndsWhenRoleDropsPermission(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	admin, err := svc.Authenticate(ctx, "admin", "admin123", "SUPERUSER")
	require.NoError(t, err)
	ch, err := svc.SubscribeAudit(ctx, admin.SessionID)
	require.NoError(t, err)

	_, err = svc.ChangeRole(ctx, admin.SessionID, "OPERATOR")
	require.NoError(t, err)
	svc.LogSecurityEvent(ctx, audit.KindCustom, map[string]any{"secret": "after-drop"})

	assert.Empty(t, drain(t, ch))
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(auth.DemoAccounts(), WithSessionTimeout(-time.Second))
	assert.Error(t, err)
}
