// Package main is the entry point for the crfd validation and lifecycle
// server. It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/internal/config"
	"github.com/trialgrid/crfengine/internal/lifecycle"
	"github.com/trialgrid/crfengine/internal/observability"
	"github.com/trialgrid/crfengine/internal/rules"
	"github.com/trialgrid/crfengine/internal/store"
	"github.com/trialgrid/crfengine/internal/transport"
	"github.com/trialgrid/crfengine/internal/validation"
	"github.com/trialgrid/crfengine/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// dataStore is the full persistence surface the server needs. Both the
// in-memory and the postgres backends satisfy it.
type dataStore interface {
	rules.Store
	lifecycle.Store
	transport.WorkflowConfigStore
	validation.QueryOpener
	observability.HealthChecker
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "crfd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	ds, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	ruleCache, cacheChecker, cacheCloser, err := buildRuleCache(cfg.Rules.Cache, metrics, logger)
	if err != nil {
		logger.Error("rule cache initialization failed", zap.Error(err))
		return 1
	}

	repoOpts := []rules.RepositoryOption{
		rules.WithSourceFailureHook(func(source model.RuleSource) {
			metrics.RecordRuleSourceFailure(string(source))
		}),
		rules.WithSources(func(source model.RuleSource) bool {
			return cfg.Rules.Sources.SourceEnabled(string(source))
		}),
	}
	if ruleCache != nil {
		repoOpts = append(repoOpts, rules.WithCache(ruleCache))
	}
	repo := rules.NewRepository(ds, logger, repoOpts...)

	evaluator := rules.NewEvaluator(logger)

	var queryOpener validation.QueryOpener
	if cfg.Queries.Enabled {
		queryOpener = ds
	}
	orchestrator := validation.NewOrchestrator(repo, evaluator, queryOpener, logger, validation.Hooks{
		ValidationRun: metrics.RecordValidation,
		Violation: func(severity model.Severity) {
			metrics.RecordViolation(string(severity))
		},
		QueryOpened: metrics.RecordQueryOpened,
	})

	machine := lifecycle.NewMachine(ds)
	lockGuard := lifecycle.NewLockGuard(ds, logger, metrics.RecordLockAttempt)

	authenticator, err := buildAuthenticator(cfg.Identity, logger)
	if err != nil {
		logger.Error("identity initialization failed", zap.Error(err))
		return 1
	}

	readiness := observability.ReadinessChecks{Store: ds, RuleCache: cacheChecker}

	router := transport.NewRouter(transport.Dependencies{
		Config:        cfg,
		Logger:        logger,
		Metrics:       metrics,
		Authenticator: authenticator,
		Orchestrator:  orchestrator,
		Repository:    repo,
		Evaluator:     evaluator,
		Machine:       machine,
		LockGuard:     lockGuard,
		ConfigStore:   ds,
		Readiness:     readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Bool("identity", cfg.Identity.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if cacheCloser != nil {
		cacheCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the persistence backend based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (dataStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory store")
		return store.NewMemoryStore(), nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxConns)
		poolCfg.MinConns = int32(cfg.MinConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("store: connect: %w", err)
		}

		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("store: ensure schema: %w", err)
		}
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildRuleCache creates the rule cache based on config. A nil cache
// disables caching entirely.
func buildRuleCache(cfg config.RuleCacheConfig, metrics *observability.Metrics, logger *zap.Logger) (rules.Cache, observability.HealthChecker, func(), error) {
	stats := rules.CacheStats{
		Hit:  metrics.RecordRuleCacheHit,
		Miss: metrics.RecordRuleCacheMiss,
	}

	switch cfg.Driver {
	case "none":
		return nil, nil, nil, nil
	case "memory", "":
		return rules.NewMemoryCache(cfg.TTL, stats), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("rule cache: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		cache := rules.NewRedisCache(client, cfg.TTL, stats, logger)
		return cache, cache, func() { client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported rule cache driver: %q", cfg.Driver)
	}
}

// buildAuthenticator creates the request authenticator. With identity
// disabled, requests run unauthenticated; intended for local development
// only.
func buildAuthenticator(cfg config.IdentityConfig, logger *zap.Logger) (*transport.Authenticator, error) {
	if !cfg.Enabled {
		logger.Warn("identity disabled, requests are unauthenticated")
		return transport.NewAuthenticator(cfg, nil, logger), nil
	}
	secret := os.Getenv(cfg.SecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("identity: %s environment variable not set", cfg.SecretEnv)
	}
	return transport.NewAuthenticator(cfg, []byte(secret), logger), nil
}
