package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tally/pkg/api"
	"github.com/platinummonkey/tally/pkg/audit"
	"github.com/platinummonkey/tally/pkg/billing"
	"github.com/platinummonkey/tally/pkg/cache"
	"github.com/platinummonkey/tally/pkg/config"
	"github.com/platinummonkey/tally/pkg/costs"
	"github.com/platinummonkey/tally/pkg/ledger"
	"github.com/platinummonkey/tally/pkg/middleware"
	"github.com/platinummonkey/tally/pkg/observability"
	"github.com/platinummonkey/tally/pkg/orgs"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Infof("Starting tally credit service on :%s", cfg.Server.Port)

	ctx := context.Background()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logrus.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Durable ledger store.
	var (
		store ledger.Store
		db    *sql.DB
	)
	switch cfg.Store.Backend {
	case "postgres":
		db, err = sql.Open("postgres", cfg.Store.PostgresURL)
		if err != nil {
			logrus.Fatalf("Failed to open postgres: %v", err)
		}
		db.SetMaxOpenConns(cfg.Store.PostgresMaxConns)
		if err := db.PingContext(ctx); err != nil {
			logrus.Fatalf("Failed to connect to postgres: %v", err)
		}
		pgStore := ledger.NewPostgresStore(db, cfg.Store.DefaultCredits)
		if err := pgStore.Migrate(ctx); err != nil {
			logrus.Fatalf("Ledger migration failed: %v", err)
		}
		store = pgStore
	case "sqlite":
		sqliteStore, err := ledger.OpenSQLiteStore(cfg.Store.SQLitePath, cfg.Store.DefaultCredits)
		if err != nil {
			logrus.Fatalf("Failed to open sqlite store: %v", err)
		}
		defer sqliteStore.Close()
		store = sqliteStore
		logger.Warn("sqlite backend selected: billing reconciliation and webhook are disabled")
	}

	// Balance cache: optional, fails open when absent or down.
	var balanceCache ledger.BalanceCache = cache.Noop{}
	var redisCache *cache.RedisBalanceCache
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisBalanceCache(cache.Config{
			URL:        cfg.Redis.URL,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			MaxRetries: cfg.Redis.MaxRetries,
			PoolSize:   cfg.Redis.PoolSize,
		})
		if err != nil {
			logrus.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisCache.Close()
		balanceCache = redisCache
	} else {
		logger.Warn("no redis configured, balance reads always hit the store")
	}

	creditLedger := ledger.NewService(store, balanceCache, cfg.Redis.BalanceTTL, logger)

	// Cost table with optional override file and hot reload.
	resolver := costs.NewResolver()
	if cfg.Costs.File != "" {
		if err := resolver.LoadFile(cfg.Costs.File); err != nil {
			logrus.Fatalf("Failed to load cost file: %v", err)
		}
		if cfg.Costs.Watch {
			if err := resolver.Watch(ctx, cfg.Costs.File, logger); err != nil {
				logrus.Fatalf("Failed to watch cost file: %v", err)
			}
		}
	}

	// Billing reconciliation needs the relational feature set of postgres.
	var (
		reconciler     *billing.Reconciler
		sweeper        *billing.Sweeper
		auditLogger    *audit.Logger
		auditRetention *audit.Retention
		orgStore       *orgs.Store
	)
	if db != nil {
		orgStore = orgs.NewStore(db)
		billingStore := billing.NewPostgresStore(db)
		if err := billingStore.Migrate(ctx); err != nil {
			logrus.Fatalf("Billing migration failed: %v", err)
		}
		catalog, err := billing.NewCatalog(billingStore)
		if err != nil {
			logrus.Fatalf("Failed to create product catalog: %v", err)
		}
		reconciler = billing.NewReconciler(billingStore, creditLedger, catalog, logger)

		sweeper = billing.NewSweeper(billingStore, logger)
		if err := sweeper.Start(cfg.Billing.SweepSchedule); err != nil {
			logrus.Fatalf("Failed to start subscription sweeper: %v", err)
		}

		auditLogger, err = audit.NewLogger(ctx, db)
		if err != nil {
			logrus.Fatalf("Failed to initialize audit log: %v", err)
		}
		if cfg.Audit.RetentionDays > 0 {
			retainFor := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
			auditRetention = audit.NewRetention(auditLogger, retainFor, logger)
			if err := auditRetention.Start(cfg.Audit.PruneSchedule); err != nil {
				logrus.Fatalf("Failed to start audit retention job: %v", err)
			}
		}
	}

	var rateLimiter *middleware.DistributedRateLimiter
	if redisCache != nil {
		rateLimiter = middleware.NewDistributedRateLimiter(redisCache.Client(), &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Redis.RateLimitPerMinute,
			WindowDuration:    time.Minute,
		}, "ratelimit")
	}

	var redisClient *redis.Client
	if redisCache != nil {
		redisClient = redisCache.Client()
	}
	health := observability.NewHealthChecker(db, redisClient)

	server := api.NewServer(api.Config{
		Ledger:             creditLedger,
		Costs:              resolver,
		Reconciler:         reconciler,
		Orgs:               orgStore,
		Audit:              auditLogger,
		Sessions:           middleware.HeaderSessionProvider{},
		RateLimiter:        rateLimiter,
		Health:             health,
		Logger:             logger,
		WebhookSecret:      cfg.Billing.WebhookSecret,
		SignatureTolerance: cfg.Billing.SignatureTolerance,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(server.Router(), "tally-api"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", health.Liveness)
	healthMux.HandleFunc("/health/ready", health.Readiness)
	healthMux.Handle("/metrics", observability.Handler())
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	if sweeper != nil {
		shutdown.RegisterShutdownFunc(sweeper.Stop)
	}
	if auditRetention != nil {
		shutdown.RegisterShutdownFunc(auditRetention.Stop)
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	if db != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return db.Close()
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	if err := g.Wait(); err != nil {
		logrus.Fatalf("Server exited with error: %v", err)
	}
	logger.Info("Shutdown complete")
}
