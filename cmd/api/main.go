package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"ontour.app/internal/audit"
	"ontour.app/internal/auth"
	"ontour.app/internal/config"
	"ontour.app/internal/httpapi"
	"ontour.app/internal/obs"
	"ontour.app/internal/pipeline"
	"ontour.app/internal/ratelimit"
	"ontour.app/internal/rbac"
	"ontour.app/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	envFile := flag.String("env", ".env", "optional dotenv file, existing environment wins")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := run(cfg); err != nil {
		obs.Error("api.exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store  *pg.Store
		table  rbac.RoleTable = rbac.DefaultTable()
		tiers  ratelimit.TierResolver
		sinks  = audit.Multi{audit.LogSink{}}
		orgs   httpapi.OrganizationLister
		closer []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		var err error
		store, err = pg.Open(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer store.Close()
		table = store
		tiers = ratelimit.NewCachedTiers(store, cfg.RBACCacheTTL)
		orgs = store
		async := audit.NewAsyncSink(store, 1024)
		sinks = append(sinks, async)
		closer = append(closer, async.Close)
	}
	table = rbac.NewCachedTable(table, cfg.RBACCacheTTL)

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	backend, readyChecks, err := rateBackend(ctx, cfg)
	if err != nil {
		return err
	}

	codec, err := auth.NewCodec(cfg.AuthSecret, auth.WithIssuer(cfg.AuthIssuer), auth.WithLeeway(cfg.AuthLeeway))
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	govOpts := []ratelimit.GovernorOption{ratelimit.WithAuditSink(sinks)}
	if tiers != nil {
		govOpts = append(govOpts, ratelimit.WithTierResolver(tiers))
	}
	governor, err := ratelimit.NewGovernor(backend, policy, govOpts...)
	if err != nil {
		return fmt.Errorf("rate governor: %w", err)
	}
	composer, err := pipeline.NewComposer(
		codec,
		auth.NewBuilder(sinks),
		rbac.NewEvaluator(table, rbac.WithLookupTimeout(cfg.RBACLookupTimeout)),
		governor,
	)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	ready := httpapi.ReadyCheck{Checks: readyChecks}
	if store != nil {
		ready.DB = store.DB()
	}
	api, err := httpapi.New(httpapi.Options{
		Version:       version,
		Ready:         ready,
		Composer:      composer,
		Organizations: orgs,
		Audit:         sinks,
		IPRateBurst:   cfg.IPRateBurst,
		IPRatePerSec:  cfg.IPRatePerSec,
		MaxBodyBytes:  cfg.MaxBodyBytes,
	})
	if err != nil {
		return err
	}
	adminKey, err := auth.AdminKey(cfg.AuthSecret)
	if err != nil {
		return fmt.Errorf("admin key: %w", err)
	}
	admin, err := httpapi.NewAdmin(governor, adminKey)
	if err != nil {
		return err
	}
	grpcSrv := httpapi.NewGRPCServer(composer, ready)
	grpcSrv.RefreshHealth(ctx)

	public := newHTTPServer(cfg.HTTPAddr, api.Handler())
	adminSrv := newHTTPServer(cfg.AdminAddr, admin.Handler())
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errc := make(chan error, 3)
	serveHTTP := func(name string, srv *http.Server) {
		obs.Info("api.listen", map[string]any{"listener": name, "addr": srv.Addr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serveHTTP("public", public)
	go serveHTTP("admin", adminSrv)
	go func() {
		obs.Info("api.listen", map[string]any{"listener": "grpc", "addr": cfg.GRPCAddr, "version": version})
		if err := grpcSrv.Server().Serve(grpcLis); err != nil {
			errc <- fmt.Errorf("grpc listener: %w", err)
		}
	}()
	go refreshHealth(ctx, grpcSrv)

	var runErr error
	select {
	case <-ctx.Done():
		obs.Info("api.shutdown", nil)
	case runErr = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = public.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	grpcSrv.Stop()
	for _, c := range closer {
		if err := c(shutdownCtx); err != nil {
			obs.Warn("api.shutdown_close", map[string]any{"error": err.Error()})
		}
	}
	obs.Info("api.stopped", nil)
	return runErr
}

func newHTTPServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func loadPolicy(cfg config.Config) (ratelimit.Policy, error) {
	switch {
	case cfg.RatePolicyFile != "":
		f, err := os.Open(cfg.RatePolicyFile)
		if err != nil {
			return ratelimit.Policy{}, fmt.Errorf("rate policy: %w", err)
		}
		defer f.Close()
		return ratelimit.LoadPolicy(f)
	case cfg.RateTiers != "":
		return ratelimit.ParsePolicy(cfg.RateTiers, cfg.RateDefaultTier)
	default:
		return ratelimit.DefaultPolicy(), nil
	}
}

func rateBackend(ctx context.Context, cfg config.Config) (ratelimit.Backend, map[string]func(context.Context) error, error) {
	if cfg.RedisAddr == "" {
		obs.Warn("ratelimit.memory_backend", map[string]any{"reason": "ONTOUR_REDIS_ADDR not set; counters are per process"})
		return ratelimit.NewMemoryBackend(), nil, nil
	}
	client, err := ratelimit.DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	backend, err := ratelimit.NewRedisBackend(client)
	if err != nil {
		return nil, nil, err
	}
	checks := map[string]func(context.Context) error{
		"redis": func(ctx context.Context) error { return client.Ping(ctx).Err() },
	}
	return backend, checks, nil
}

func refreshHealth(ctx context.Context, srv *httpapi.GRPCServer) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			srv.RefreshHealth(ctx)
		}
	}
}
