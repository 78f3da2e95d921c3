package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"homebase.io/internal/access"
	"homebase.io/internal/audit"
	"homebase.io/internal/auth"
	"homebase.io/internal/config"
	"homebase.io/internal/directory"
	"homebase.io/internal/httpapi"
	"homebase.io/internal/impersonation"
	"homebase.io/internal/mfa"
	"homebase.io/internal/migrate"
	"homebase.io/internal/obs"
	"homebase.io/internal/rbac"
	"homebase.io/internal/relationship"
	"homebase.io/internal/session"
	"homebase.io/internal/store/memory"
	"homebase.io/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what both store implementations provide.
type backend interface {
	directory.Store
	rbac.Store
	audit.Store
	mfa.Store
	impersonation.Store
	relationship.Store
	Ping(ctx context.Context) error
}

type pingers []httpapi.ReadyProbe

func (p pingers) Ping(ctx context.Context) error {
	for _, probe := range p {
		if err := probe.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		obs.Logger().Error("homebase-access stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel))
	obs.Init()
	bi := obs.InitBuildInfo(version, commit)
	logger := obs.Logger()
	logger.Info("starting homebase-access",
		slog.String("version", bi.Version),
		slog.String("commit", bi.Commit),
		slog.String("go", bi.GoVersion),
		slog.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	probes := pingers{store}

	var sessions session.Store = session.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		rs := session.NewRedisStore(client)
		sessions = rs
		probes = append(probes, rs)
	}

	svc, err := buildServices(ctx, cfg, store, sessions)
	if err != nil {
		return err
	}

	api, err := httpapi.New(svc, probes, httpapi.Options{
		Version:         version,
		TokenTTL:        cfg.TokenTTL,
		ViewSessionTTL:  cfg.ViewSessionTTL,
		RateBurst:       cfg.RateBurst,
		RatePerSecond:   cfg.RatePerSecond,
		MFAVerifyBurst:  cfg.MFAVerifyBurst,
		MFAVerifyPerMin: cfg.MFAVerifyPerMin,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := httpapi.NewHealthServer(probes)
	grpcSrv := httpapi.NewGRPCServer(health)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go health.Run(ctx, 10*time.Second)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		logger.Info("grpc listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", slog.String("error", serr.Error()))
	}
	grpcSrv.GracefulStop()
	logger.Info("stopped")
	return err
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, func(), error) {
	if cfg.Store == config.StoreMemory {
		obs.Logger().Warn("using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}
	if err := migrateUp(cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}
	store, err := pg.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// migrateUp applies migrations on a dedicated handle; the migrator closes it.
func migrateUp(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration db: %w", err)
	}
	m, err := migrate.New(db)
	if err != nil {
		_ = db.Close()
		return err
	}
	upErr := m.Up()
	return errors.Join(upErr, m.Close())
}

func buildServices(ctx context.Context, cfg *config.Config, store backend, sessions session.Store) (httpapi.Services, error) {
	var svc httpapi.Services
	var err error

	if svc.Audit, err = audit.NewLedger(store); err != nil {
		return svc, err
	}
	if svc.Directory, err = directory.New(store); err != nil {
		return svc, err
	}
	if svc.RBAC, err = rbac.NewService(store,
		rbac.WithAuditor(svc.Audit),
		rbac.WithPermissionCache(cfg.PermissionCacheSize, cfg.PermissionCacheTTL),
	); err != nil {
		return svc, err
	}
	if err := svc.RBAC.EnsureBuiltins(ctx); err != nil {
		return svc, fmt.Errorf("seed builtin roles: %w", err)
	}

	mfaOpts := []mfa.Option{mfa.WithIssuer(cfg.MFAIssuer)}
	if cfg.MFASealIdentity != "" {
		sealer, err := mfa.NewAgeSealer(cfg.MFASealIdentity)
		if err != nil {
			return svc, err
		}
		mfaOpts = append(mfaOpts, mfa.WithSealer(sealer))
	} else {
		obs.Logger().Warn("HOMEBASE_MFA_SEAL_IDENTITY is empty; TOTP secrets are stored unsealed")
	}
	if svc.MFA, err = mfa.NewManager(store, svc.Audit, mfaOpts...); err != nil {
		return svc, err
	}
	if svc.Impersonation, err = impersonation.NewManager(store, svc.Directory, svc.Audit); err != nil {
		return svc, err
	}
	if svc.Relationships, err = relationship.NewService(store, relationship.WithAuditor(svc.Audit)); err != nil {
		return svc, err
	}
	if svc.Access, err = access.NewFacade(svc.Relationships, svc.RBAC,
		access.WithAuditor(svc.Audit),
		access.WithImpersonatorReadAccess(cfg.SupportReadAccess),
	); err != nil {
		return svc, err
	}
	if svc.Signer, err = auth.NewSigner(cfg.AuthSecret, cfg.AuthIssuer); err != nil {
		return svc, err
	}
	svc.Sessions = sessions
	return svc, nil
}
