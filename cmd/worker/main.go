package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"kiln/internal/pkg/logger"
	"kiln/internal/storage"
	"kiln/internal/worker"
	"kiln/internal/worker/util"
)

func main() {
	log := logger.New(logger.Config{
		Level:       util.Env("LOG_LEVEL", "info"),
		Format:      util.Env("LOG_FORMAT", "json"),
		ServiceName: "kiln-worker",
	})

	redisAddr := util.MustEnv("REDIS_ADDR")
	rendererBaseURL := util.MustEnv("RENDERER_HTTP_BASEURL")
	queueName := util.Env("INVOCATION_QUEUE_NAME", "kiln:invocations")
	memorySizeMb := util.IntEnv("WORKER_MEMORY_SIZE_MB", 2048)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.LogFatal("failed to ping Redis", err)
	}
	cancel()

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}

	log.Info("kiln worker started",
		"queue", queueName,
		"provider", sp.Provider(),
		"memory_size_mb", memorySizeMb,
	)

	deps := worker.Deps{
		RDB:             rdb,
		SP:              sp,
		RendererBaseURL: rendererBaseURL,
		QueueName:       queueName,
		MemorySizeMb:    memorySizeMb,
		Log:             log,
	}
	if err := worker.Run(ctx, deps); err != nil && ctx.Err() == nil {
		log.LogFatal("worker loop failed", err)
	}
}
