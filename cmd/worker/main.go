// Package main runs the background worker: the minute-granularity
// prewarm dispatcher and the side-effect queue consumer.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/internal/admission"
	"github.com/slotline/backend/internal/billing"
	"github.com/slotline/backend/internal/jobs"
	"github.com/slotline/backend/internal/notify"
	"github.com/slotline/backend/internal/prewarm"
	"github.com/slotline/backend/internal/provider"
	"github.com/slotline/backend/internal/registrations"
	"github.com/slotline/backend/internal/sessions"
	"github.com/slotline/backend/internal/timesync"
	"github.com/slotline/backend/internal/worker"
	"github.com/slotline/backend/pkg/database"
	"github.com/slotline/backend/pkg/queue"
	"github.com/slotline/backend/pkg/redis"
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

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)

	sessionRepo := sessions.NewRepository(pool)
	registrationRepo := registrations.NewRepository(pool)
	gate := admission.NewGate(admission.NewPostgresSource(pool), cfg.Quota)
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
	dispatcher := prewarm.NewDispatcher(jobRepo, executor, cfg.Prewarm.DispatchBatch, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Coarse tier: sweep for due jobs once a minute. The executor inside
	// handles the sub-second precision.
	sched := cron.New()
	if _, err := sched.AddFunc("* * * * *", func() { dispatcher.Sweep(workerCtx) }); err != nil {
		logger.Fatal("schedule sweep", zap.Error(err))
	}
	sched.Start()

	// Side effects: fee captures and notifications enqueued by the
	// finalizer.
	capturer := billing.NewHTTPCapturer(cfg.Billing.CaptureURL, logger)
	notifier := notify.NewLogNotifier(logger)
	processor := worker.NewSideEffectProcessor(capturer, notifier, jobQueue, logger)
	go processor.Run(workerCtx)

	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	<-sched.Stop().Done()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
