package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
)

func directory(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	accounts := map[string]Record{
		"admin":  {Username: "admin", PasswordHash: "abc", Roles: []string{"ADMIN", "superuser"}},
		"legacy": {Username: "legacy", PasswordHash: "def"},
		"gone":   {Username: "gone", PasswordHash: "ghi", Disabled: true},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		if r.Header.Get("Authorization") != "Bearer k3y" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Request-ID") == "boom" {
			http.Error(w, "directory offline", http.StatusBadGateway)
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/v1/credentials/")
		rec, ok := accounts[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(rec)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLookupAndRoles(t *testing.T) {
	var hits int32
	srv := directory(t, &hits)
	c := New(srv.URL+"/", nil, WithAPIKey("k3y"))
	ctx := context.Background()

	hash, err := c.Lookup(ctx, "admin")
	if err != nil || hash != "abc" {
		t.Fatalf("Lookup = %q, %v", hash, err)
	}
	ok, err := c.AllowsRole(ctx, "admin", auth.RoleSuperuser)
	if err != nil || !ok {
		t.Fatalf("expected SUPERUSER allowed, got %v %v", ok, err)
	}
	ok, err = c.AllowsRole(ctx, "admin", auth.RoleOperator)
	if err != nil || ok {
		t.Fatalf("expected OPERATOR denied, got %v %v", ok, err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected cached record, directory hit %d times", n)
	}
	ok, err = c.AllowsRole(ctx, "legacy", auth.RoleServiceTech)
	if err != nil || !ok {
		t.Fatalf("empty roles should allow, got %v %v", ok, err)
	}
}

func TestUnknownAndDisabled(t *testing.T) {
	var hits int32
	srv := directory(t, &hits)
	c := New(srv.URL, nil, WithAPIKey("k3y"))
	for _, name := range []string{"ghost", "gone"} {
		if _, err := c.Lookup(context.Background(), name); !errors.Is(err, auth.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}
	}
}

func TestDirectoryFailure(t *testing.T) {
	var hits int32
	srv := directory(t, &hits)
	c := New(srv.URL, nil, WithAPIKey("k3y"))

	ctx := audit.WithRequestID(context.Background(), "boom")
	_, err := c.Lookup(ctx, "admin")
	if err == nil || errors.Is(err, auth.ErrNotFound) || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected upstream error, got %v", err)
	}

	c = New(srv.URL, nil)
	if _, err := c.Lookup(context.Background(), "admin"); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 without key, got %v", err)
	}
}

func TestCacheExpiry(t *testing.T) {
	var hits int32
	srv := directory(t, &hits)
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := New(srv.URL, nil, WithAPIKey("k3y"), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := c.Lookup(ctx, "admin"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	now = now.Add(DefaultCacheTTL)
	if _, err := c.Lookup(ctx, "admin"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	c.Forget("admin")
	if _, err := c.Lookup(ctx, "admin"); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 directory hits, got %d", n)
	}
}
