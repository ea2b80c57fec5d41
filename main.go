package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"execution-core/internal/api"
	"execution-core/internal/bracket"
	"execution-core/internal/engine"
	"execution-core/internal/metrics"
	"execution-core/internal/order"
	"execution-core/internal/position"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/scheduler"
	sig "execution-core/internal/signal"
	"execution-core/internal/trailing"
	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
)

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openDatabase(ctx context.Context, cfg *config.Config) (*db.Database, error) {
	switch cfg.DBDriver {
	case "postgres", "postgresql", "pgx":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the postgres driver")
		}
		return db.NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
		return db.New(cfg.DBPath)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// seedStrategies upserts the strategies of the seed file with their exit rules.
func seedStrategies(ctx context.Context, database *db.Database, path string, logger *zap.Logger) error {
	seeds, err := config.LoadStrategies(path)
	if err != nil {
		return err
	}
	q := database.Queries()
	now := time.Now().UTC()
	for _, s := range seeds {
		if err := q.UpsertStrategy(ctx, &db.Strategy{ID: s.ID, Name: s.Name, IsActive: !s.Inactive, CreatedAt: now}); err != nil {
			return fmt.Errorf("seed strategy %s: %w", s.ID, err)
		}
		if s.ExitRules == nil {
			continue
		}
		rules := order.DefaultExitRules(s.ID, now)
		rules.StopLossPct = config.Pct(s.ExitRules.StopLossPct, rules.StopLossPct)
		rules.TakeProfitPct = config.Pct(s.ExitRules.TakeProfitPct, rules.TakeProfitPct)
		rules.TrailingStopPct = config.Pct(s.ExitRules.TrailingStopPct, rules.TrailingStopPct)
		rules.RiskRewardRatio = config.Pct(s.ExitRules.RiskRewardRatio, rules.RiskRewardRatio)
		rules.TrailingEnabled = s.ExitRules.TrailingEnabled
		if err := q.UpsertExitRules(ctx, &rules); err != nil {
			return fmt.Errorf("seed exit rules %s: %w", s.ID, err)
		}
	}
	logger.Info("strategies seeded", zap.Int("count", len(seeds)), zap.String("file", path))
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("execution core stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.ExchangeTZ)
	if err != nil {
		return fmt.Errorf("load exchange timezone: %w", err)
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	logger.Info("database ready", zap.String("driver", cfg.DBDriver))

	if err := seedStrategies(ctx, database, cfg.StrategiesFile, logger); err != nil {
		return err
	}

	b, err := broker.New(broker.Config{
		Kind:      cfg.Broker,
		PaperCash: cfg.PaperCash,
		Timeout:   cfg.BrokerTimeout,
		RateLimit: cfg.BrokerRateLimit,
		RateBurst: cfg.BrokerRateBurst,
	})
	if err != nil {
		return err
	}
	if paper, ok := broker.Unwrap(b).(*broker.Paper); ok {
		for symbol, price := range cfg.PaperPrices {
			paper.SetPrice(symbol, price)
		}
		logger.Info("paper broker", zap.Int("symbols", len(cfg.PaperPrices)), zap.String("cash", cfg.PaperCash.String()))
	}

	m := metrics.New()
	quotes := cache.NewQuotes(cfg.QuoteTTL)
	quoted := broker.NewQuoteCached(b, quotes)

	// Order pipeline
	exec := order.NewExecutor(b, logger, m)
	orders := order.NewManager(database, quoted, logger)
	proc := order.NewProcessor(database, exec, logger, m, cfg.Workers)
	brackets := bracket.NewProcessor(database, exec, logger, m)
	ledger := position.NewLedger(database, logger)
	proc.AddFillListener(brackets)
	proc.AddFillListener(ledger)

	riskMgr := risk.NewManager(database, quoted, loc, logger, m)
	riskMgr.QuantityPrecision = cfg.QuantityPrecision

	validator := sig.NewValidator(database)
	validator.AllowDefaultedAction = !cfg.StrictActions

	var claimer sig.Claimer
	if cfg.RedisAddr != "" {
		rc, err := sig.NewRedisClaimer(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Warn("redis claims disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			defer rc.Close()
			claimer = rc
			logger.Info("redis claims enabled", zap.String("addr", cfg.RedisAddr))
		}
	}

	router := engine.NewRouter(engine.Config{
		DB:         database,
		Normalizer: sig.NewNormalizer(database),
		Validator:  validator,
		Risk:       riskMgr,
		Orders:     orders,
		Claimer:    claimer,
		Logger:     logger,
		Metrics:    m,
	})

	reconciler := reconciliation.NewService(database, proc, brackets, logger, m).WithLedger(ledger)
	monitor := trailing.NewMonitor(database, b, exec, logger, m)

	sched := scheduler.New(logger, m)
	loops := []scheduler.Loop{
		{Name: "process_orders", Interval: cfg.ProcessInterval, Fn: func(ctx context.Context) error {
			_, err := proc.ProcessPendingOrders(ctx)
			return err
		}},
		{Name: "update_fills", Interval: cfg.FillInterval, Fn: func(ctx context.Context) error {
			_, err := proc.UpdateOrderFills(ctx)
			return err
		}},
		{Name: "cleanup", Interval: cfg.CleanupInterval, Fn: func(ctx context.Context) error {
			_, err := proc.Cleanup(ctx)
			quotes.Cleanup()
			return err
		}},
		{Name: "trailing_stops", Interval: cfg.TrailingInterval, Fn: func(ctx context.Context) error {
			_, err := monitor.Run(ctx)
			return err
		}},
		{Name: "reconciliation", Interval: cfg.ReconcileInterval, Fn: func(ctx context.Context) error {
			if r := reconciler.RunCycle(ctx); r.ErrorCount > 0 {
				return fmt.Errorf("reconciliation finished with %d errors", r.ErrorCount)
			}
			return nil
		}},
	}
	for _, l := range loops {
		if err := sched.RegisterLoop(l); err != nil {
			return fmt.Errorf("register %s: %w", l.Name, err)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(api.Deps{
		DB:             database,
		Signals:        router,
		Orders:         proc,
		Brackets:       brackets,
		Reconciler:     reconciler,
		Scheduler:      sched,
		Risk:           riskMgr,
		Metrics:        m,
		Logger:         logger,
		RequestTimeout: 30 * time.Second,
		RateLimit:      20,
		RateBurst:      50,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	sched.Stop()
	logger.Info("execution core stopped")
	return nil
}
