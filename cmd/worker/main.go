package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-sapsync/internal/app"
	"github.com/odyssey-erp/odyssey-sapsync/internal/integration/sapb1"
	"github.com/odyssey-erp/odyssey-sapsync/internal/observability"
	"github.com/odyssey-erp/odyssey-sapsync/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-sapsync/internal/platform/db"
	"github.com/odyssey-erp/odyssey-sapsync/internal/reconcile"
	"github.com/odyssey-erp/odyssey-sapsync/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	repo := reconcile.NewRepository(pool)

	sap, err := sapb1.NewClient(sapb1.Config{
		BaseURL:     cfg.SAPServiceLayerURL,
		CompanyDB:   cfg.SAPCompanyDB,
		UserName:    cfg.SAPUser,
		Password:    cfg.SAPPassword,
		Timeout:     cfg.SAPTimeout,
		InsecureTLS: cfg.SAPInsecureTLS,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("init sap client", slog.Any("error", err))
		os.Exit(1)
	}
	// The worker does not start polling without a session.
	if err := sap.Login(ctx); err != nil {
		logger.Error("sap login", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := sap.Logout(logoutCtx); err != nil {
			logger.Warn("sap logout", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	checks := map[string]app.HealthCheck{
		"postgres": repo.Ping,
		"sap":      sap.Ping,
	}

	var (
		heartbeat  reconcile.Heartbeat
		worker     *jobs.Worker
		jobHandler *jobs.Handler
	)
	if cfg.RedisEnabled() {
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
		heartbeat = cache.NewHeartbeat(redisClient, cfg.WorkerID, cfg.HeartbeatTTL)
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}

		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	policy := reconcile.Policy{}
	if cfg.KeepIneligibleReason {
		policy.Ineligible = reconcile.KeepIneligibleReason
	}
	if cfg.CommentFromEligibleOnly {
		policy.Comment = reconcile.CommentFromEligibleOnly
	}

	poller, err := reconcile.NewPoller(reconcile.PollerConfig{
		Store:     repo,
		Connector: sap,
		WorkerID:  cfg.WorkerID,
		Interval:  cfg.PollInterval,
		Policy:    policy,
		Logger:    logger,
		Metrics:   metrics.Jobs(),
		Heartbeat: heartbeat,
	})
	if err != nil {
		logger.Error("init poller", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.RedisEnabled() {
		nudge := jobs.NewSignalNudgeJob(poller, logger, metrics.Jobs())
		worker, err = jobs.NewWorker(jobs.WorkerConfig{
			RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
			Logger:    logger,
			Handlers: []jobs.TaskHandler{
				{Type: jobs.TaskSignalNudge, Handler: nudge.Handle},
			},
		})
		if err != nil {
			logger.Error("init queue worker", slog.Any("error", err))
			os.Exit(1)
		}
	}

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		JobHandler: jobHandler,
		Checks:     checks,
	})
	server := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return poller.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("starting ops server", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if worker != nil {
		g.Go(func() error {
			return worker.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, reconcile.ErrConnectorUnavailable) {
			logger.Error("sap session lost, restart required", slog.Any("error", err))
		} else {
			logger.Error("worker run", slog.Any("error", err))
		}
		os.Exit(1)
	}
	logger.Info("shutting down")
}
