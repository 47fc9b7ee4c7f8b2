package security

import (
	"errors"
	"log/slog"
	"time"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/token"
)

const DefaultSweepInterval = time.Minute

// Option configures Service.
type Option func(*Service) error

// WithClock overrides the time source for every component.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTimeout sets the idle session timeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("security: session timeout must not be negative")
		}
		s.sessionTimeout = d
		return nil
	}
}

// WithCSRFTTL sets the CSRF token lifetime.
func WithCSRFTTL(d time.Duration) Option {
	return func(s *Service) error {
		if d < 0 {
			return errors.New("security: csrf ttl must not be negative")
		}
		s.csrfTTL = d
		return nil
	}
}

// WithLockoutPolicy sets the failure threshold and lock duration.
func WithLockoutPolicy(maxAttempts int, duration time.Duration) Option {
	return func(s *Service) error {
		if maxAttempts < 0 || duration < 0 {
			return errors.New("security: lockout policy must not be negative")
		}
		s.maxAttempts = maxAttempts
		s.lockoutDuration = duration
		return nil
	}
}

// WithLockoutStore persists lockout counters.
func WithLockoutStore(store kv.Store) Option {
	return func(s *Service) error {
		s.lockoutStore = store
		return nil
	}
}

// WithAuditCapacity bounds the in-memory audit ring.
func WithAuditCapacity(n int) Option {
	return func(s *Service) error {
		if n < 0 {
			return errors.New("security: audit capacity must not be negative")
		}
		s.auditCapacity = n
		return nil
	}
}

// WithAuditSink forwards every audit event to sink.
func WithAuditSink(sink audit.Sink) Option {
	return func(s *Service) error {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics records security metrics.
func WithMetrics(m *obs.SecurityMetrics) Option {
	return func(s *Service) error {
		s.metrics = m
		return nil
	}
}

// WithSweepInterval sets how often Start's background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) error {
		if d > 0 {
			s.sweepInterval = d
		}
		return nil
	}
}

// WithTokenSource overrides session id and CSRF token generation.
func WithTokenSource(src token.Source) Option {
	return func(s *Service) error {
		s.tokens = src
		return nil
	}
}
