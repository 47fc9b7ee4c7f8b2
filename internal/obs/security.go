package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SecurityMetrics tracks authentication and session activity.
// A nil *SecurityMetrics is valid and records nothing.
type SecurityMetrics struct {
	authAttempts    *prometheus.CounterVec
	activeSessions  prometheus.Gauge
	lockouts        prometheus.Counter
	csrfValidations *prometheus.CounterVec
	auditEvents     *prometheus.CounterVec
}

// NewSecurityMetrics creates the collectors and registers them on reg.
// A nil reg skips registration.
func NewSecurityMetrics(reg prometheus.Registerer) (*SecurityMetrics, error) {
	m := &SecurityMetrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_auth_attempts_total",
			Help: "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "guard_active_sessions",
			Help: "Sessions currently held in the session store.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_lockouts_total",
			Help: "Accounts locked after repeated failures.",
		}),
		csrfValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_csrf_validations_total",
			Help: "CSRF token validations by result.",
		}, []string{"result"}),
		auditEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_audit_events_total",
			Help: "Audit events appended by kind.",
		}, []string{"event"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.authAttempts, m.activeSessions, m.lockouts, m.csrfValidations, m.auditEvents} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *SecurityMetrics) AuthAttempt(outcome string) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(outcome).Inc()
}

func (m *SecurityMetrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *SecurityMetrics) Lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *SecurityMetrics) CSRFValidation(ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "accepted"
	}
	m.csrfValidations.WithLabelValues(result).Inc()
}

func (m *SecurityMetrics) AuditEvent(kind string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(kind).Inc()
}
