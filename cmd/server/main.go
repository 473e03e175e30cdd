package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/stwalsh4118/parcelledger/internal/auth"
	"github.com/stwalsh4118/parcelledger/internal/clock"
	"github.com/stwalsh4118/parcelledger/internal/config"
	"github.com/stwalsh4118/parcelledger/internal/database"
	"github.com/stwalsh4118/parcelledger/internal/events"
	"github.com/stwalsh4118/parcelledger/internal/handlers"
	"github.com/stwalsh4118/parcelledger/internal/logger"
	"github.com/stwalsh4118/parcelledger/internal/metrics"
	"github.com/stwalsh4118/parcelledger/internal/middleware"
	"github.com/stwalsh4118/parcelledger/internal/models"
	"github.com/stwalsh4118/parcelledger/internal/payments"
	"github.com/stwalsh4118/parcelledger/internal/repository"
	"github.com/stwalsh4118/parcelledger/internal/services"
)

const (
	shutdownTimeout = 30 * time.Second
	startupTimeout  = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Env, cfg.Server.LogLevel)
	log.Info("Starting parcel ledger", map[string]interface{}{
		"version":     handlers.APIVersion,
		"environment": cfg.Server.Env,
		"port":        cfg.Server.Port,
		"storage":     cfg.Registry.StorageDriver,
		"clock":       cfg.Clock.Mode,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("Server stopped with error", err, nil)
	}
	log.Info("Server exited", nil)
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	repo, closeRepo, err := openRepository(startCtx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	ledgerClock, err := newClock(cfg.Clock)
	if err != nil {
		return err
	}

	publisher, err := newPublisher(startCtx, cfg.Events, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("Failed to close event publisher", map[string]interface{}{"error": err.Error()})
		}
	}()

	authority, err := auth.NewAuthority(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("failed to create token authority: %w", err)
	}

	appMetrics := metrics.New()

	registryService, err := services.NewRegistryService(startCtx, services.Dependencies{
		Admin:      models.Principal(cfg.Registry.Admin),
		Clock:      ledgerClock,
		Repository: repo,
		Gateway:    payments.Noop{},
		Publisher:  publisher,
		Metrics:    appMetrics,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("failed to initialise registry: %w", err)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// Order: RequestID -> Logger -> Recovery -> CORS -> Metrics -> RateLimit
	limiter := middleware.NewRateLimiter(ctx, middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Enabled:           cfg.RateLimit.Enabled,
	})
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.CORS.Origins))
	router.Use(middleware.Metrics(appMetrics))
	router.Use(limiter.Middleware())

	healthHandler := handlers.NewHealthHandler(repo, cfg.Server.Env, cfg.Registry.StorageDriver)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/ready", healthHandler.Ready)
	router.GET("/metrics", gin.WrapH(appMetrics.Handler()))

	v1 := router.Group("/api/v1")
	v1.GET("/info", healthHandler.Info)
	handlers.NewRegistryHandler(registryService).Register(v1, middleware.Auth(authority))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server listening", map[string]interface{}{
			"port": cfg.Server.Port,
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", err, map[string]interface{}{
				"timeout": shutdownTimeout.String(),
			})
			return err
		}
		return nil
	})

	return g.Wait()
}

// openRepository selects the ledger store. The returned func releases it.
func openRepository(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.LedgerRepository, func(), error) {
	if cfg.Registry.StorageDriver != config.StoragePostgres {
		log.Warn("Using in-memory storage; ledger state is lost on restart", nil)
		return repository.NewMemoryRepository(), func() {}, nil
	}

	db, err := database.NewPostgresPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database %s:%s/%s: %w",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.Name, err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	log.Info("Database connection established", map[string]interface{}{
		"host":     cfg.Database.Host,
		"port":     cfg.Database.Port,
		"database": cfg.Database.Name,
		"pool_min": cfg.Database.PoolMin,
		"pool_max": cfg.Database.PoolMax,
	})

	return repository.NewLedgerRepository(db), db.Close, nil
}

// newClock builds the configured height source.
func newClock(cfg config.ClockConfig) (clock.Clock, error) {
	if cfg.Mode == config.ClockInterval {
		return clock.NewInterval(cfg.Genesis, cfg.BlockInterval, models.Tick(cfg.StartHeight))
	}
	return clock.NewManual(models.Tick(cfg.StartHeight)), nil
}

// newPublisher connects to Redis when configured and discards events otherwise.
func newPublisher(ctx context.Context, cfg config.EventsConfig, log *logger.Logger) (events.Publisher, error) {
	if cfg.RedisURL == "" {
		return events.NopPublisher{}, nil
	}

	publisher, err := events.NewRedisPublisher(ctx, cfg.RedisURL, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to connect event publisher: %w", err)
	}
	log.Info("Publishing registry events to Redis", map[string]interface{}{
		"channel": cfg.Channel,
	})
	return publisher, nil
}
