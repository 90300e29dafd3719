package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerpulse/ledgerpulse/internal/app"
	jobmetrics "github.com/ledgerpulse/ledgerpulse/internal/jobs"
	"github.com/ledgerpulse/ledgerpulse/internal/ledger"
	"github.com/ledgerpulse/ledgerpulse/internal/observability"
	"github.com/ledgerpulse/ledgerpulse/internal/platform/cache"
	"github.com/ledgerpulse/ledgerpulse/internal/platform/db"
	"github.com/ledgerpulse/ledgerpulse/internal/sales"
	saleshttp "github.com/ledgerpulse/ledgerpulse/internal/sales/http"
	"github.com/ledgerpulse/ledgerpulse/internal/scheduler"
	"github.com/ledgerpulse/ledgerpulse/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := sales.NewRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		logger.Error("migrate cache tables", slog.Any("error", err))
		os.Exit(1)
	}

	authenticator := ledger.NewAuthenticator(ledger.AuthenticatorConfig{
		ClientID:     cfg.LedgerClientID,
		ClientSecret: cfg.LedgerClientSecret,
		RedirectURI:  cfg.LedgerRedirectURI,
		AuthorizeURL: cfg.LedgerAuthURL,
		TokenURL:     cfg.LedgerTokenURL,
		StateSecret:  cfg.StateSecret,
	})
	ledgerClient := ledger.NewClient(cfg.LedgerAPIBaseURL, authenticator, logger)

	details := sales.NewDetailStore(redisClient, cfg.DetailTTL)
	salesService := sales.NewService(repo, details, ledgerClient, logger)
	registry := scheduler.New(salesService, logger)

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	refreshJob := jobs.NewSalesRefreshJob(registry, logger, jobMetrics)
	pruneJob := jobs.NewCachePruneJob(salesService, cfg.CacheRetention(), logger, jobMetrics)
	statsJob := jobs.NewCacheStatsJob(salesService, logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSalesRefreshAll, Handler: refreshJob.HandleAll},
			{Type: jobs.TaskSalesRefreshTenant, Handler: refreshJob.HandleTenant},
			{Type: jobs.TaskCachePrune, Handler: pruneJob.Handle},
			{Type: jobs.TaskCacheStats, Handler: statsJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.RefreshInterval.String(), Task: jobs.NewSalesRefreshAllTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "0 2 * * *", Task: jobs.NewCachePruneTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "@every 6h", Task: jobs.NewCacheStatsTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	salesHandler := saleshttp.NewHandler(saleshttp.HandlerConfig{
		Service:  salesService,
		Registry: registry,
		Identity: authenticator,
		EnqueueRefresh: func(ctx context.Context, tenantID string) error {
			_, err := jobClient.EnqueueTenantRefresh(ctx, tenantID, 10*time.Second)
			return err
		},
		ListJobs: func() []scheduler.JobInfo {
			entries, err := jobs.SchedulerEntries(inspector)
			if err != nil {
				logger.Warn("list scheduler entries", slog.Any("error", err))
				return nil
			}
			infos := make([]scheduler.JobInfo, 0, len(entries))
			for _, e := range entries {
				next := e.Next
				infos = append(infos, scheduler.JobInfo{
					ID:      fmt.Sprintf("%s (%s)", e.Task.Type(), e.ID),
					Spec:    e.Spec,
					NextRun: &next,
				})
			}
			return infos
		},
		Logger: logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		SalesHandler: salesHandler,
		JobHandler:   jobHandler,
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		registry.SetRunning(true)
		defer registry.SetRunning(false)
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("worker stopped", slog.Any("error", err))
			stop()
		}
	}()

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
