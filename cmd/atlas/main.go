package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atlasaccounts/atlas/internal/accounts"
	"github.com/atlasaccounts/atlas/internal/app"
	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/authz"
	"github.com/atlasaccounts/atlas/internal/credentials"
	"github.com/atlasaccounts/atlas/internal/observability"
	"github.com/atlasaccounts/atlas/internal/platform/cache"
	"github.com/atlasaccounts/atlas/internal/platform/db"
	"github.com/atlasaccounts/atlas/internal/ratelimit"
	"github.com/atlasaccounts/atlas/internal/session"
	"github.com/atlasaccounts/atlas/internal/verification"
	"github.com/atlasaccounts/atlas/jobs"
)

// accountDirectory resolves assignment participants straight from the
// accounts table, keeping the ledger service off the account service.
type accountDirectory struct {
	repo *accounts.PGRepository
}

func (d accountDirectory) Participant(ctx context.Context, id string) (authz.Participant, error) {
	account, err := d.repo.FindByID(ctx, id)
	if err != nil {
		return authz.Participant{}, err
	}
	return authz.Participant{ID: account.ID, Role: account.Role, Active: account.IsActive}, nil
}

// ledgerAssigner adapts the assignment service for staff-provisioned
// customers, where the account service only needs the side effect.
type ledgerAssigner struct {
	assignments *authz.Service
}

func (a ledgerAssigner) Assign(ctx context.Context, customerID, staffID, assignedByID string) error {
	_, err := a.assignments.Assign(ctx, customerID, staffID, assignedByID)
	return err
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
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

	metrics := observability.NewMetrics()

	limiter := ratelimit.NewRedisLimiter(redisClient, ratelimit.Policies{
		Default: ratelimit.Policy{
			Attempts: cfg.RateLimitAttempts,
			Window:   cfg.RateLimitWindow,
			Cooldown: cfg.RateLimitCooldown,
		},
		ByAction: map[string]ratelimit.Policy{
			"login": {
				Attempts: cfg.LoginLimitAttempts,
				Window:   cfg.LoginLimitWindow,
				Cooldown: cfg.LoginLimitCooldown,
			},
		},
	})

	auditRepo := audit.NewRepository(pool)
	recorder := audit.NewRecorder(auditRepo, logger, cfg.AuditClientCapture)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	accountsRepo := accounts.NewRepository(pool)
	credentialStore := credentials.NewStore(credentials.NewRepository(pool))

	ledgerRepo := authz.NewRepository(pool)
	evaluator := authz.NewEvaluator(ledgerRepo)
	directory := accountDirectory{repo: accountsRepo}
	assignmentService := authz.NewService(ledgerRepo, directory, recorder)
	assignmentHandler := authz.NewHandler(logger, assignmentService)

	accountsService := accounts.NewService(accountsRepo, credentialStore,
		ledgerAssigner{assignments: assignmentService}, recorder, logger)
	accountsHandler := accounts.NewHandler(logger, accountsService, evaluator)

	dispatchClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := dispatchClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	verificationRepo := verification.NewRepository(pool)
	engine := verification.NewEngine(verificationRepo, limiter, accountsService,
		recorder, dispatchClient, verification.Expiries{
			Email: cfg.VerifyTokenTTLEmail,
			Phone: cfg.VerifyTokenTTLPhone,
			Chat:  cfg.VerifyTokenTTLChat,
		}, logger)
	verificationHandler := verification.NewHandler(logger, engine, evaluator, directory)

	signer := session.NewSigner(cfg.AuthSecret, cfg.TokenIssuer, cfg.AccessTokenTTL)
	sessionRepo := session.NewRepository(pool)
	sessionService := session.NewService(accountsService, credentialStore, accountsService,
		sessionRepo, limiter, recorder, signer, cfg.RefreshTokenTTL, logger)
	sessionHandler := session.NewHandler(logger, sessionService, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Verifier:            sessionService,
		SessionHandler:      sessionHandler,
		AccountsHandler:     accountsHandler,
		VerificationHandler: verificationHandler,
		AssignmentHandler:   assignmentHandler,
		AuditHandler:        auditHandler,
		JobHandler:          jobHandler,
		Pool:                pool,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

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
