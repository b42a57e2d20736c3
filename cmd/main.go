package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avelichka/trustshare-server/internal/config"
	"github.com/avelichka/trustshare-server/internal/logger"
	"github.com/avelichka/trustshare-server/internal/model"
	queue "github.com/avelichka/trustshare-server/internal/queue/redis"
	"github.com/avelichka/trustshare-server/internal/repository/postgres"
	"github.com/avelichka/trustshare-server/internal/resolver"
	"github.com/avelichka/trustshare-server/internal/service"
	"github.com/avelichka/trustshare-server/internal/worker"
)

var (
	buildVersion = "N/A" // set by ldflags
	buildDate    = "N/A" // set by ldflags
	buildCommit  = "N/A" // set by ldflags
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, os.Interrupt)
	defer stop()

	cfg, err := config.NewConfig()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	logger := logger.New(cfg.LogLevel)

	db, err := postgres.NewConection(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to redis", "error", err)
	}
	defer rdb.Close()

	jobQueue := queue.New(rdb, queue.Config{
		Concurrency:       cfg.Queue.Concurrency,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBase:         cfg.Queue.RetryBase,
		RetryMax:          cfg.Queue.RetryMax,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Queue.PollInterval,
		AckTimeout:        cfg.Queue.AckTimeout,
	}, logger)

	sessionRepo := postgres.NewSessionRepository(db)
	identityRepo := postgres.NewIdentityRepository(db)
	identityResolver := resolver.NewHTTP(cfg.Identity.Timeout)

	sessionService := service.NewSession(sessionRepo, jobQueue, cfg.Identity.DefaultHost, logger)
	identityService := service.NewIdentity(identityRepo, identityResolver, logger)

	jobQueue.Register(model.JobAddRecipient, worker.NewFanout(sessionService, logger).Handle)
	jobQueue.Register(model.JobPopulateCache, worker.NewIdentityCache(identityService, logger).Handle)
	jobQueue.Register(model.JobUpdateKeys, worker.NewRotation(sessionService, logger).Handle)

	jobQueue.Run(ctx)
	logger.Info("workers started",
		"concurrency", cfg.Queue.Concurrency,
		"max_attempts", cfg.Queue.MaxAttempts)

	logAppVersion()

	<-ctx.Done()
	logger.Info("received interruption signal, shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := jobQueue.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during queue shutdown", "error", err)
	}

	logger.Info("shutdown complete")
}

func logAppVersion() {
	tmpl := `
Build version: %s
Build date: %s
Build commit: %s
`

	log.Printf(tmpl, buildVersion, buildDate, buildCommit)
}
