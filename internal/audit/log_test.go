package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/obs"
)

var auditor = auth.PermissionSet{auth.PermViewAuditLogs}

type steppingClock struct {
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.now = c.now.Add(time.Second)
	return c.now
}

type failingSink struct {
	calls int
}

func (s *failingSink) WriteEvent(context.Context, Event) error {
	s.calls++
	return errors.New("sink down")
}

func TestAppendMirrorsToLogger(t *testing.T) {
	var buf bytes.Buffer
	log := New(WithLogger(obs.NewLogger(obs.ParseLevel("info"), "json", &buf)))

	ctx := WithClientMeta(context.Background(), ClientMeta{IP: "10.0.0.7", UserAgent: "panel/1.0"})
	ctx = WithRequestID(ctx, "req-123")
	e := log.Append(ctx, KindAuthFailed, map[string]any{"username": "operator"})

	if e.IP != "10.0.0.7" || e.UserAgent != "panel/1.0" || e.RequestID != "req-123" {
		t.Fatalf("client meta not attached: %+v", e)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["msg"] != "security_event" || entry["event"] != "AUTH_FAILED" || entry["level"] != "WARN" {
		t.Fatalf("unexpected log entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	data, ok := entry["data"].(map[string]any)
	if !ok || data["username"] != "operator" {
		t.Fatalf("data missing or incorrect: %v", entry["data"])
	}
}

func TestEventJSONShape(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	e := log.Append(context.Background(), KindSessionLogout, nil)
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "timestamp", "event", "data", "userAgent", "url", "referrer"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing %q in %s", key, raw)
		}
	}
	if _, ok := m["ip"]; ok {
		t.Fatalf("empty ip should be omitted: %s", raw)
	}
	if _, err := time.Parse(time.RFC3339, m["timestamp"].(string)); err != nil {
		t.Fatalf("timestamp is not RFC 3339: %v", err)
	}
}

func TestRingKeepsMostRecent(t *testing.T) {
	const capacity, extra = 10, 4
	log := New(WithCapacity(capacity), WithLogger(obs.Discard()))
	for i := 0; i < capacity+extra; i++ {
		log.Append(context.Background(), KindCustom, map[string]any{"seq": i})
	}
	if log.Len() != capacity {
		t.Fatalf("Len = %d, want %d", log.Len(), capacity)
	}
	events, err := log.Query(auditor, Filter{Limit: capacity * 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != capacity {
		t.Fatalf("got %d events", len(events))
	}
	// most recent first: seq 13 down to 4
	for i, e := range events {
		want := capacity + extra - 1 - i
		if e.Data["seq"] != want {
			t.Fatalf("events[%d].seq = %v, want %d", i, e.Data["seq"], want)
		}
	}
}

func TestDefaultCapacityBound(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	for i := 0; i < DefaultCapacity+5; i++ {
		log.Append(context.Background(), KindCustom, map[string]any{"seq": i})
	}
	if log.Len() != DefaultCapacity {
		t.Fatalf("Len = %d", log.Len())
	}
	events, _ := log.Query(auditor, Filter{})
	if len(events) != DefaultQueryLimit {
		t.Fatalf("default limit returned %d", len(events))
	}
	if events[0].Data["seq"] != DefaultCapacity+4 {
		t.Fatalf("newest event is %v", events[0].Data["seq"])
	}
}

func TestQueryRequiresPermission(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	log.Append(context.Background(), KindAuthSuccess, map[string]any{"username": "admin"})

	if _, err := log.Query(auth.PermissionsForRole(auth.RoleAdmin), Filter{}); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := log.Query(nil, Filter{}); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied for empty set, got %v", err)
	}
	events, err := log.Query(auth.PermissionsForRole(auth.RoleSuperuser), Filter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("wildcard read failed: %v %v", events, err)
	}
}

func TestQueryFilters(t *testing.T) {
	clock := &steppingClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	log := New(WithClock(clock.Now), WithLogger(obs.Discard()))
	ctx := context.Background()
	log.Append(ctx, KindAuthFailed, map[string]any{"username": "operator"}) // 08:00:01
	log.Append(ctx, KindAuthFailed, map[string]any{"username": "admin"})    // 08:00:02
	log.Append(ctx, KindAuthSuccess, map[string]any{"username": "admin"})   // 08:00:03
	log.Append(ctx, KindAuthFailed, map[string]any{"username": "admin"})    // 08:00:04

	cases := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"kind", Filter{Kind: KindAuthFailed}, 3},
		{"username", Filter{Username: "admin"}, 3},
		{"kind and username", Filter{Kind: KindAuthFailed, Username: "admin"}, 2},
		{"window", Filter{Start: clock.now.Add(-2 * time.Second), End: clock.now.Add(-time.Second)}, 2},
		{"limit", Filter{Limit: 1}, 1},
		{"no match", Filter{Username: "ghost"}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := log.Query(auditor, tc.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(events) != tc.want {
				t.Fatalf("got %d events, want %d", len(events), tc.want)
			}
		})
	}
}

func TestQueryReturnsCopies(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	log.Append(context.Background(), KindCustom, map[string]any{"note": "original"})

	events, _ := log.Query(auditor, Filter{})
	events[0].Data["note"] = "tampered"

	again, _ := log.Query(auditor, Filter{})
	if again[0].Data["note"] != "original" {
		t.Fatalf("stored event was mutated: %v", again[0].Data)
	}
}

func TestUnknownKindBecomesCustom(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	e := log.Append(context.Background(), Kind("WIDGET_OPENED"), map[string]any{"widget": "alerts"})
	if e.Kind != KindCustom || e.Data["kind"] != "WIDGET_OPENED" || e.Data["widget"] != "alerts" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestSinkFailureDoesNotBreakAppend(t *testing.T) {
	sink := &failingSink{}
	log := New(WithSink(sink), WithLogger(obs.Discard()))
	for i := 0; i < 3; i++ {
		log.Append(context.Background(), KindAuthSuccess, map[string]any{"username": fmt.Sprintf("u%d", i)})
	}
	if sink.calls != 3 || log.Len() != 3 {
		t.Fatalf("calls=%d len=%d", sink.calls, log.Len())
	}
}

func TestSubscribeReceivesAppends(t *testing.T) {
	log := New(WithLogger(obs.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := log.Subscribe(ctx)

	log.Append(context.Background(), KindServiceStarted, nil)
	select {
	case e := <-ch:
		if e.Kind != KindServiceStarted {
			t.Fatalf("unexpected event %s", e.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestParseKind(t *testing.T) {
	if k, ok := ParseKind(" auth_success "); !ok || k != KindAuthSuccess {
		t.Fatalf("ParseKind = %q, %v", k, ok)
	}
	if _, ok := ParseKind("widget_opened"); ok {
		t.Fatalf("unexpected known kind")
	}
}
