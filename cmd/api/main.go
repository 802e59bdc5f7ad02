package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexus-platform/credits/internal/api"
	"github.com/nexus-platform/credits/internal/audit"
	"github.com/nexus-platform/credits/internal/auth"
	"github.com/nexus-platform/credits/internal/catalog"
	"github.com/nexus-platform/credits/internal/config"
	"github.com/nexus-platform/credits/internal/credits"
	"github.com/nexus-platform/credits/internal/database"
	"github.com/nexus-platform/credits/internal/guard"
	"github.com/nexus-platform/credits/internal/ledger"
	mw "github.com/nexus-platform/credits/internal/middleware"
	inats "github.com/nexus-platform/credits/internal/nats"
	"github.com/nexus-platform/credits/internal/quota"
	iredis "github.com/nexus-platform/credits/internal/redis"
	"github.com/nexus-platform/credits/internal/reservation"
	"github.com/nexus-platform/credits/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	readiness := map[string]api.ReadinessCheck{}

	// Ledger
	store, pool, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if pool != nil {
		defer pool.Close()
	}
	readiness["ledger"] = store.Ping

	// Catalog
	tools := catalog.DefaultTools()
	if cfg.Credits.CatalogPath != "" {
		tools, err = catalog.LoadFile(cfg.Credits.CatalogPath)
		if err != nil {
			return err
		}
	}
	toolCatalog, err := catalog.New(tools)
	if err != nil {
		return fmt.Errorf("building catalog: %w", err)
	}
	slog.Info("catalog loaded", "tools", toolCatalog.Len(), "path", cfg.Credits.CatalogPath)

	if cfg.Credits.CatalogPath != "" && cfg.Credits.CatalogWatch {
		if err := toolCatalog.Watch(ctx, cfg.Credits.CatalogPath); err != nil {
			return err
		}
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()
	readiness["redis"] = func(ctx context.Context) error {
		return redisClient.Ping(ctx).Err()
	}

	// Credits
	creditSvc := credits.NewService(
		store,
		toolCatalog,
		quota.NewTracker(),
		quota.NewRateLimiter(redisClient),
		credits.Config{
			SignupGrant:       cfg.Credits.SignupGrant,
			DefaultDailyCap:   cfg.Credits.DefaultDailyCap,
			CommitRetries:     cfg.Credits.CommitRetries,
			ConsumesPerMinute: cfg.Credits.ConsumesPerMinute,
		},
	)
	creditHandler := credits.NewHandler(creditSvc)

	guardHandler := guard.NewHandler(guard.New(creditSvc))

	quoteSvc := reservation.NewService(creditSvc, cfg.Credits.QuoteSecret, cfg.Credits.QuoteTTL)
	quoteHandler := reservation.NewHandler(quoteSvc)

	handlers := api.HandlerSet{
		ListTools:    creditHandler.Tools,
		OpenAccount:  creditHandler.OpenAccount,
		GetBalance:   creditHandler.Balance,
		Consume:      creditHandler.Consume,
		Transactions: creditHandler.Transactions,

		Check: guardHandler.Check,

		CreateQuote: quoteHandler.CreateQuote,
		CommitQuote: quoteHandler.CommitQuote,

		AuthMiddleware: auth.Middleware(auth.NewJWTManager(cfg.JWT.AccessSecret, cfg.JWT.AccessExpiry)),
	}

	if cfg.Admin.APIKey != "" {
		handlers.Grant = creditHandler.Grant
		handlers.AdminMiddleware = mw.AdminKey(cfg.Admin.APIKey)
	}

	// NATS events and audit trail
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			return fmt.Errorf("connecting to nats: %w", err)
		}
		defer natsClient.Close()
		readiness["nats"] = natsClient.Ping

		creditSvc.Subscribe(inats.NewNotifier(inats.NewPublisher(natsClient.JetStream())))

		if pool != nil {
			auditRepo := audit.NewRepository(pool)
			auditConsumer := audit.NewConsumer(auditRepo, inats.NewConsumerManager(natsClient.JetStream()))
			go func() {
				if err := auditConsumer.Start(ctx); err != nil {
					slog.Error("audit consumer stopped", "error", err)
				}
			}()
			handlers.ListAuditLogs = audit.NewHandler(auditRepo).List
		}
	}

	routerCfg := api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		Readiness:          readiness,
	}
	if cfg.Server.RequestsPerMinute > 0 {
		routerCfg.APIRateLimiter = mw.NewRateLimiter(redisClient, cfg.Server.RequestsPerMinute, 60).Middleware
	}

	router := api.NewRouter(routerCfg, handlers)

	return server.New(cfg.Server, router).Run(ctx)
}

// openLedger returns the configured ledger backend. pool is nil unless the
// driver is postgres.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Store, *pgxpool.Pool, error) {
	switch cfg.Ledger.Driver {
	case config.DriverPostgres:
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.Ledger.MigrationsPath); err != nil {
			return nil, nil, err
		}
		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		return ledger.NewPostgresStore(pool), pool, nil

	case config.DriverSQLite:
		store, err := ledger.OpenSQLite(ctx, cfg.Ledger.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("using sqlite ledger", "path", cfg.Ledger.SQLitePath)
		return store, nil, nil

	case config.DriverMemory:
		slog.Warn("using in-memory ledger, balances are lost on restart")
		return ledger.NewMemoryStore(), nil, nil
	}
	return nil, nil, errors.New("unknown ledger driver: " + cfg.Ledger.Driver)
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
