package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/atlasaccounts/atlas/internal/app"
	"github.com/atlasaccounts/atlas/internal/audit"
	jobmetrics "github.com/atlasaccounts/atlas/internal/jobs"
	"github.com/atlasaccounts/atlas/internal/observability"
	"github.com/atlasaccounts/atlas/internal/platform/db"
	"github.com/atlasaccounts/atlas/internal/verification"
	"github.com/atlasaccounts/atlas/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := observability.NewMetrics()
	jm := jobmetrics.NewMetrics(metrics.Registerer())

	dispatcher := verification.NewRoutingDispatcher(map[verification.Channel]verification.Dispatcher{
		verification.ChannelEmail: &verification.SMTPDispatcher{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			From: cfg.SMTPFrom,
		},
		verification.ChannelPhone: &verification.WebhookDispatcher{URL: cfg.SMSWebhookURL, Provider: "sms"},
		verification.ChannelChat:  &verification.WebhookDispatcher{URL: cfg.ChatWebhookURL, Provider: "chat"},
	})

	verificationRepo := verification.NewRepository(pool)
	dispatchHandler := jobs.NewDispatchHandler(dispatcher, verificationRepo, logger, metrics, jm)

	auditRepo := audit.NewRepository(pool)
	recorder := audit.NewRecorder(auditRepo, logger, cfg.AuditClientCapture)
	purgeHandler := jobs.NewPurgeHandler(recorder, cfg.AuditRetention, logger, metrics, jm)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeVerificationDispatch, Handler: dispatchHandler},
			{Type: jobs.TaskTypeAuditPurge, Handler: purgeHandler},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: jobs.NewAuditPurgeTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
