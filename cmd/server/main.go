// Package main runs the slot registration HTTP server with graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/internal/admission"
	"github.com/slotline/backend/internal/auth"
	"github.com/slotline/backend/internal/execution"
	"github.com/slotline/backend/internal/jobs"
	"github.com/slotline/backend/internal/middleware"
	"github.com/slotline/backend/internal/notify"
	"github.com/slotline/backend/internal/prewarm"
	"github.com/slotline/backend/internal/provider"
	"github.com/slotline/backend/internal/registrations"
	"github.com/slotline/backend/internal/sessions"
	"github.com/slotline/backend/internal/timesync"
	"github.com/slotline/backend/pkg/database"
	"github.com/slotline/backend/pkg/queue"
	"github.com/slotline/backend/pkg/redis"
	"github.com/slotline/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	validator := auth.NewValidator(cfg.JWT.Secret)

	// Sessions (read-only catalog)
	sessionRepo := sessions.NewRepository(pool)
	sessionHandler := sessions.NewHandler(sessionRepo, logger)

	// Admission gate
	gate := admission.NewGate(admission.NewPostgresSource(pool), cfg.Quota)

	// Registrations (hold creation behind the advisory lock)
	registrationRepo := registrations.NewRepository(pool)
	holdLock := registrations.NewHoldLock(pool, logger)
	registrationHandler := registrations.NewHandler(registrationRepo, sessionRepo, gate, holdLock, logger)

	// Prewarm jobs; the manual-run endpoint drives the same executor the
	// worker's dispatcher does.
	jobQueue := queue.NewQueue(rdb.Client, logger)
	finalizer := prewarm.NewQueueFinalizer(jobQueue, cfg.Billing.SuccessFeeCents, logger)
	executor := prewarm.NewExecutor(
		sessionRepo,
		registrationRepo,
		gate,
		timesync.New(cfg.TimeRef.URL, cfg.TimeRef.Timeout, logger),
		provider.NewPageChecker(cfg.Provider.FetchTimeout, cfg.Provider.UserAgent, logger),
		finalizer,
		cfg.Prewarm,
		logger,
	)
	jobRepo := jobs.NewRepository(pool)
	jobHandler := jobs.NewHandler(jobRepo, sessionRepo, executor, logger)

	// Manual-mode execution: one attempt per call, re-invoked by the
	// operator or an external scheduler per the reported outcome.
	execRunner := execution.NewRunner(
		provider.NewRegistrationClient(cfg.Provider.AutomationURL, cfg.Provider.UserAgent, logger),
		registrationRepo,
		notify.NewQueueNotifier(jobQueue),
		execution.Policy{
			MaxAttempts: cfg.Execution.MaxAttempts,
			RetryDelay:  cfg.Execution.RetryDelay,
			Fallback:    execution.Fallback(cfg.Execution.Fallback),
		},
		logger,
	)
	execHandler := execution.NewHandler(registrationRepo, execRunner, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(cfg.RateLimit, rdb.Client, logger))
	}

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Public session catalog
	router.GET("/sessions", sessionHandler.List)
	router.GET("/sessions/:id", sessionHandler.GetByID)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(validator))
	{
		// Registrations
		api.POST("/sessions/:id/registrations", registrationHandler.Create)
		api.GET("/registrations/:id", registrationHandler.GetByID)
		api.GET("/users/me/registrations", registrationHandler.ListMine)

		// Manual execution (operators only)
		api.POST("/registrations/:id/execute", middleware.RequireRole("admin"), execHandler.Execute)

		// Prewarm jobs (operators only)
		api.POST("/sessions/:id/prewarm", middleware.RequireRole("admin"), jobHandler.Create)
		api.GET("/prewarm/jobs", middleware.RequireRole("admin"), jobHandler.List)
		api.GET("/prewarm/jobs/:id", middleware.RequireRole("admin"), jobHandler.GetByID)
		api.POST("/prewarm/jobs/:id/run", middleware.RequireRole("admin"), jobHandler.Run)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
