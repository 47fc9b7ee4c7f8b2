// Package httpapi exposes the security service over HTTP and gRPC health.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/security"
)

const serviceName = "ironwatch-guard"

// ReadyFunc reports whether backing storage is reachable.
type ReadyFunc func(ctx context.Context) error

// Check calls f; a nil ReadyFunc is always ready.
func (f ReadyFunc) Check(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}

// API is the HTTP layer over a security.Service.
type API struct {
	svc           *security.Service
	ready         ReadyFunc
	version       string
	signer        *auth.Signer
	origins       []string
	maxBody       int64
	limiter       *RateLimiter
	secureCookies bool
	trusted       []netip.Prefix
	logger        *slog.Logger
	router        chi.Router

	draining  chan struct{}
	drainOnce sync.Once
}

// Option configures API.
type Option func(*API)

func WithReadiness(fn ReadyFunc) Option { return func(a *API) { a.ready = fn } }

func WithVersion(v string) Option { return func(a *API) { a.version = v } }

// WithSigner enables snapshot tokens in login and role responses.
func WithSigner(s *auth.Signer) Option { return func(a *API) { a.signer = s } }

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.origins = append([]string(nil), origins...) }
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithLoginRateLimit limits login attempts per client IP.
func WithLoginRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 {
			a.limiter = NewRateLimiter(perSecond, burst)
		}
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For is
// used for the client address. Without it the socket peer is always used.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trusted = append([]netip.Prefix(nil), prefixes...) }
}

// WithSecureCookies marks the session cookie Secure.
func WithSecureCookies(on bool) Option { return func(a *API) { a.secureCookies = on } }

func WithLogger(l *slog.Logger) Option {
	return func(a *API) {
		if l != nil {
			a.logger = l
		}
	}
}

// New builds the router.
func New(svc *security.Service, opts ...Option) *API {
	a := &API{
		svc:      svc,
		version:  "dev",
		maxBody:  1 << 20,
		limiter:  NewRateLimiter(1, 5),
		logger:   obs.Logger(),
		draining: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.limiter.OnReject = func(r *http.Request, ip string) {
		a.svc.LogSecurityEvent(r.Context(), audit.KindRateLimited, map[string]any{
			"ip":   ip,
			"path": r.URL.Path,
		})
	}
	a.router = a.routes()
	return a
}

// CloseStreams ends every open audit stream. http.Server.Shutdown does not
// cancel request contexts, so register it with RegisterOnShutdown.
func (a *API) CloseStreams() {
	a.drainOnce.Do(func() { close(a.draining) })
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.trusted), ClientMeta, LoggingJSON, SecurityHeaders, CORS(a.origins), MaxBodyBytes(a.maxBody))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.With(a.limiter.Middleware).Post("/v1/auth/login", a.handleLogin)
	r.Post("/v1/snapshot/verify", a.handleSnapshotVerify)
	r.Post("/v1/audit/events", a.handleReportEvent)
	r.Post("/v1/input/sanitize", a.handleSanitize)
	r.Post("/v1/input/validate", a.handleValidate)

	// Audit reads go straight to the service so denied attempts are recorded.
	r.Get("/v1/audit", a.handleAuditLog)
	r.Get("/v1/audit/stream", a.handleAuditStream)
	r.Get("/v1/security/metrics", a.handleSecurityMetrics)

	r.Group(func(r chi.Router) {
		r.Use(a.withSession)
		r.Get("/v1/session", a.handleSession)
		r.Post("/v1/csrf", a.handleIssueCSRF)
		r.Get("/v1/permissions/{permission}", a.handlePermission)

		r.Group(func(r chi.Router) {
			r.Use(a.requireCSRF)
			r.Post("/v1/auth/logout", a.handleLogout)
			r.Post("/v1/session/role", a.handleChangeRole)
		})
	})
	return r
}

// Handler returns the instrumented router.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// Limiter exposes the login rate limiter so callers can prune it.
func (a *API) Limiter() *RateLimiter { return a.limiter }

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  "storage unavailable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
