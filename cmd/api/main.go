package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mentree/api/internal/di"
	"github.com/mentree/api/internal/handlers"
	"github.com/mentree/api/internal/platform/auth"
	"github.com/mentree/api/internal/platform/config"
	"github.com/mentree/api/internal/platform/database"
	"github.com/mentree/api/internal/platform/observability"
	"github.com/mentree/api/internal/platform/secrets"
	"github.com/mentree/api/internal/repositories/gormrepo"
	"github.com/mentree/api/internal/services"
)

const shutdownGrace = 10 * time.Second

func main() {
	ctx := context.Background()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(fetcher))
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := database.Open(cfg.Database, logger.Named("database"))
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	if autoMigrate() {
		if err := database.Migrate(db); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
	}

	registry, err := gormrepo.NewRegistry(db)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	container, err := di.NewContainer(ctx, cfg, di.Deps{
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build container", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("container close error", zap.Error(err))
		}
	}()

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Events.ProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(cfg.Events.ProjectID),
		auth.Middleware(),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(registry.Health())),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(container.Services.Orders).Routes),
		handlers.WithPaymentRoutes(handlers.NewPaymentHandlers(container.Services.Payments).Routes),
		handlers.WithSubscriptionRoutes(handlers.NewSubscriptionHandlers(container.Services.Subscriptions).Routes),
		handlers.WithWebhookRoutes(handlers.NewWebhookHandlers(container.Services.Payments).Routes),
		handlers.WithInternalRoutes(handlers.NewJobHandlers(container.Jobs.Billing, container.Jobs.Grace).Routes),
	}
	if hmacMiddleware := buildJobsHMACMiddleware(ctx, logger.Named("auth"), fetcher); hmacMiddleware != nil {
		opts = append(opts, handlers.WithInternalMiddlewares(hmacMiddleware))
	} else {
		logger.Warn("internal job routes are unguarded; set API_INTERNAL_JOBS_SECRET to enable HMAC")
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweepWG sync.WaitGroup
	startSweep(sweepCtx, &sweepWG, logger.Named("billing_sweep"), container.Jobs.Billing, cfg.Billing.SweepInterval)
	startSweep(sweepCtx, &sweepWG, logger.Named("grace_sweep"), container.Jobs.Grace, cfg.Billing.GraceSweepInterval)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("marketplace api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	sweepCancel()
	sweepWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// startSweep drives a job on a fixed interval until ctx is cancelled. Each run
// gets its own timeout so a stuck sweep cannot block shutdown.
func startSweep(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, job services.Job, interval time.Duration) {
	if job == nil || interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, interval)
				err := job.Run(runCtx)
				cancel()
				if err != nil {
					logger.Error("sweep run failed", zap.Error(err))
					continue
				}
				logger.Debug("sweep run completed")
			case <-ctx.Done():
				return
			}
		}
	}()
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	envLabel := strings.ToLower(lookup("API_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project := lookup("API_SECRET_DEFAULT_PROJECT_ID"); project != "" {
		opts = append(opts, secrets.WithDefaultProject(project))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// buildJobsHMACMiddleware guards the scheduler-triggered job routes. The
// shared secret comes from API_INTERNAL_JOBS_SECRET, which may be a secret://
// reference resolved through the fetcher.
func buildJobsHMACMiddleware(ctx context.Context, logger *zap.Logger, fetcher *secrets.Fetcher) func(http.Handler) http.Handler {
	raw := strings.TrimSpace(os.Getenv("API_INTERNAL_JOBS_SECRET"))
	if raw == "" {
		return nil
	}
	secret := raw
	if strings.HasPrefix(raw, "secret://") || strings.HasPrefix(raw, "sm://") {
		resolved, err := fetcher.ResolveSecret(ctx, raw)
		if err != nil {
			logger.Warn("failed to resolve internal jobs secret", zap.Error(err))
			return nil
		}
		secret = resolved
	}

	provider := auth.SecretProviderFunc(func(context.Context, string) (string, error) {
		if secret == "" {
			return "", errors.New("internal jobs secret not configured")
		}
		return secret, nil
	})
	validator := auth.NewHMACValidator(provider, auth.NewInMemoryNonceStore(), auth.WithHMACLogger(logger))
	return validator.RequireHMAC("internal_jobs")
}

func autoMigrate() bool {
	value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("API_DATABASE_AUTO_MIGRATE")))
	return err == nil && value
}
