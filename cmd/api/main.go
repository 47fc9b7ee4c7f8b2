package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"ironwatch.dev/internal/audit"
	"ironwatch.dev/internal/auth"
	"ironwatch.dev/internal/config"
	"ironwatch.dev/internal/credentials/remote"
	"ironwatch.dev/internal/httpapi"
	"ironwatch.dev/internal/kv"
	"ironwatch.dev/internal/obs"
	"ironwatch.dev/internal/security"
	"ironwatch.dev/internal/store/pg"
	"ironwatch.dev/internal/store/sqlite"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("GUARD_CONFIG"), "Path to YAML config file")
	debug := flag.Bool("debug", false, "Shorthand for log level debug")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Level = "debug"
	}

	logger := obs.NewLogger(obs.ParseLevel(cfg.Log.Level), cfg.Log.Format, os.Stderr)
	obs.SetLogger(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("guard stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// backend is the storage selected by configuration.
type backend struct {
	lockout  kv.Store
	sink     audit.Sink
	provider auth.CredentialProvider
	ready    httpapi.ReadyFunc
	closers  []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backend, error) {
	b := &backend{lockout: kv.NewMemory()}

	var pgStore *pg.Store
	openPG := func() (*pg.Store, error) {
		if pgStore != nil {
			return pgStore, nil
		}
		st, err := pg.Open(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		pgStore = st
		b.closers = append(b.closers, st.Close)
		b.ready = st.Ping
		return st, nil
	}

	switch cfg.Storage.Driver {
	case config.DriverMemory:
	case config.DriverSQLite:
		st, err := sqlite.Open(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, st.Close)
		b.lockout, b.sink = st, st
		logger.Info("sqlite storage ready", slog.String("path", cfg.Storage.SQLitePath))
	case config.DriverPostgres:
		st, err := openPG()
		if err != nil {
			return nil, err
		}
		b.lockout, b.sink = st, st
		logger.Info("postgres storage ready")
	}

	switch cfg.Credentials.Source {
	case config.CredentialsDemo:
		logger.Warn("using demo credentials; do not run this configuration in production")
		b.provider = auth.DemoAccounts()
	case config.CredentialsPostgres:
		st, err := openPG()
		if err != nil {
			b.close()
			return nil, err
		}
		b.provider = st
	case config.CredentialsRemote:
		b.provider = remote.New(cfg.Credentials.RemoteURL, nil, remote.WithAPIKey(cfg.Credentials.RemoteAPIKey))
	}
	return b, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	metrics, err := obs.NewSecurityMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer b.close()

	var signer *auth.Signer
	if cfg.Security.SnapshotSecret != "" {
		signer, err = auth.NewSigner(cfg.Security.SnapshotSecret, auth.WithSnapshotTTL(cfg.Security.SnapshotTTL))
		if err != nil {
			return fmt.Errorf("snapshot signer: %w", err)
		}
	}
	trusted, err := httpapi.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	opts := []security.Option{
		security.WithLogger(logger),
		security.WithMetrics(metrics),
		security.WithSessionTimeout(cfg.Security.SessionTimeout),
		security.WithCSRFTTL(cfg.Security.CSRFTTL),
		security.WithLockoutPolicy(cfg.Security.MaxAttempts, cfg.Security.LockoutDuration),
		security.WithLockoutStore(b.lockout),
		security.WithAuditCapacity(cfg.Security.AuditCapacity),
		security.WithSweepInterval(cfg.Security.SweepInterval),
	}
	if b.sink != nil {
		opts = append(opts, security.WithAuditSink(b.sink))
	}
	svc, err := security.New(b.provider, opts...)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("build security service: %w", err)
	}
	svc.Start(ctx)

	apiOpts := []httpapi.Option{
		httpapi.WithVersion(version),
		httpapi.WithReadiness(b.ready),
		httpapi.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		httpapi.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		httpapi.WithLoginRateLimit(cfg.Server.LoginRate, cfg.Server.LoginBurst),
		httpapi.WithSecureCookies(cfg.Server.SecureCookies),
		httpapi.WithTrustedProxies(trusted),
		httpapi.WithLogger(logger),
	}
	if signer != nil {
		apiOpts = append(apiOpts, httpapi.WithSigner(signer))
	}
	api := httpapi.New(svc, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		// The audit stream is long-lived, so writes are not bounded here.
		IdleTimeout: 60 * time.Second,
	}
	srv.RegisterOnShutdown(api.CloseStreams)

	health := httpapi.NewHealthService(b.ready, 10*time.Second, logger)
	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)

	go health.Run(runCtx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				api.Limiter().Prune()
			}
		}
	}()
	go func() {
		logger.Info("grpc health listening", slog.String("addr", cfg.Server.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		logger.Info("guard api listening", slog.String("addr", srv.Addr), slog.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	grpcSrv.GracefulStop()

	closeCtx, closeDone := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeDone()
	if err := svc.Close(closeCtx); err != nil {
		logger.Warn("security shutdown", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return runErr
}
