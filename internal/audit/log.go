// Package audit keeps a bounded, queryable log of security events.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/ids"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/stream"
)

const (
	DefaultCapacity   = 1000
	DefaultQueryLimit = 100
)

// Event is an immutable audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"event"`
	Data      map[string]any `json:"data"`
	UserAgent string         `json:"userAgent"`
	URL       string         `json:"url"`
	Referrer  string         `json:"referrer"`
	IP        string         `json:"ip,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
}

// Username returns data.username when it is a string.
func (e Event) Username() string {
	s, _ := e.Data["username"].(string)
	return s
}

func (e Event) clone() Event {
	e.Data = maps.Clone(e.Data)
	return e
}

// Sink receives every appended event for durable storage.
type Sink interface {
	WriteEvent(ctx context.Context, e Event) error
}

// Filter narrows a query. Zero fields match everything.
type Filter struct {
	Kind     Kind
	Username string
	Start    time.Time
	End      time.Time
	Limit    int
}

func (f Filter) match(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Username != "" && e.Username() != f.Username {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Option configures Log.
type Option func(*Log)

// WithCapacity bounds the number of retained events.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger mirrors events to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSink adds a durable sink.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithMetrics counts appended events by kind.
func WithMetrics(m *obs.SecurityMetrics) Option {
	return func(l *Log) {
		l.metrics = m
	}
}

// Log is a fixed-size ring of events. Appends never fail; reads require
// the view_audit_logs permission.
type Log struct {
	mu       sync.RWMutex
	buf      []Event
	start    int
	count    int
	capacity int

	now     func() time.Time
	logger  *slog.Logger
	sinks   []Sink
	metrics *obs.SecurityMetrics
	live    *stream.Stream[Event]
}

// New returns an empty log.
func New(opts ...Option) *Log {
	l := &Log{
		capacity: DefaultCapacity,
		now:      time.Now,
		logger:   obs.Logger(),
		live:     stream.New[Event](64),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.buf = make([]Event, l.capacity)
	return l
}

// Append records an event. Kinds outside the taxonomy are stored as CUSTOM
// with the original name under data.kind.
func (l *Log) Append(ctx context.Context, kind Kind, data map[string]any) Event {
	fields := maps.Clone(data)
	if fields == nil {
		fields = map[string]any{}
	}
	if !kind.Known() {
		fields["kind"] = string(kind)
		kind = KindCustom
	}

	now := l.now()
	meta := ClientMetaFromContext(ctx)
	e := Event{
		ID:        ids.NewAt(now),
		Timestamp: now.UTC(),
		Kind:      kind,
		Data:      fields,
		UserAgent: meta.UserAgent,
		URL:       meta.URL,
		Referrer:  meta.Referrer,
		IP:        meta.IP,
		RequestID: meta.RequestID,
	}

	l.mu.Lock()
	if l.count < l.capacity {
		l.buf[(l.start+l.count)%l.capacity] = e
		l.count++
	} else {
		l.buf[l.start] = e
		l.start = (l.start + 1) % l.capacity
	}
	l.mu.Unlock()

	l.logger.LogAttrs(ctx, levelFor(kind), "security_event",
		slog.String("id", e.ID),
		slog.String("event", string(kind)),
		slog.Any("data", fields),
		slog.String("ip", meta.IP),
		slog.String("request_id", meta.RequestID),
	)
	l.metrics.AuditEvent(string(kind))
	l.live.Publish(e.clone())

	if len(l.sinks) > 0 {
		sinkCtx := context.WithoutCancel(ctx)
		for _, s := range l.sinks {
			if err := s.WriteEvent(sinkCtx, e.clone()); err != nil {
				l.logger.Warn("audit sink write failed", slog.String("id", e.ID), slog.Any("error", err))
			}
		}
	}
	return e.clone()
}

// Query returns matching events, most recent first.
func (l *Log) Query(perms auth.PermissionSet, f Filter) ([]Event, error) {
	if !perms.Has(auth.PermViewAuditLogs) {
		return nil, fmt.Errorf("%w: %s required", auth.ErrPermissionDenied, auth.PermViewAuditLogs)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, min(limit, l.count))
	for i := l.count - 1; i >= 0 && len(out) < limit; i-- {
		e := l.buf[(l.start+i)%l.capacity]
		if f.match(e) {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

// Len reports the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Capacity reports the maximum number of retained events.
func (l *Log) Capacity() int { return l.capacity }

// Subscribe streams events appended after the call until ctx ends.
func (l *Log) Subscribe(ctx context.Context) <-chan Event {
	return l.live.Subscribe(ctx)
}

func levelFor(kind Kind) slog.Level {
	switch kind {
	case KindAuthFailed, KindAuthLocked, KindAuthInvalidRole, KindAccountLocked,
		KindCSRFValidationFailed, KindSQLInjectionAttempt, KindAuditAccessDenied:
		return slog.LevelWarn
	case KindAuthError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
