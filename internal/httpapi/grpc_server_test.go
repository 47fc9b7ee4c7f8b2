package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"ironwatch.dev/internal/obs"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, h *HealthService) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer()
	h.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}
	t.Cleanup(func() {
		server.Stop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return healthpb.NewHealthClient(conn)
}

func TestHealthServiceTracksReadiness(t *testing.T) {
	var storageErr error
	h := NewHealthService(func(context.Context) error { return storageErr }, 0, obs.Discard())
	client := startBufGRPC(t, h)
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("Check(%q): %v", service, err)
		}
		return resp.GetStatus()
	}

	if got := check(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before first probe, got %v", got)
	}
	if !h.Probe(ctx) {
		t.Fatal("expected probe to succeed")
	}
	if got := check(serviceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}

	storageErr = errors.New("connection refused")
	if h.Probe(ctx) {
		t.Fatal("expected probe to fail")
	}
	if got := check(""); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING after failure, got %v", got)
	}
}
