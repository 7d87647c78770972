package handlers

import (
	"github.com/redis/go-redis/v9"

	"kiln/internal/costs"
	"kiln/internal/dispatch"
	"kiln/internal/pkg/logger"
	"kiln/internal/ports"
	"kiln/internal/progress"
)

type Deps struct {
	RDB           *redis.Client
	SP            ports.StorageProvider
	Log           *logger.Logger
	DefaultBucket string
	QueueName     string
	CostConfig    costs.Config

	// Invoker overrides the redis-backed invoker when set. Tests inject a
	// fake here.
	Invoker dispatch.Invoker
}

type Handler struct {
	rdb           *redis.Client
	sp            ports.StorageProvider
	log           *logger.Logger
	defaultBucket string
	dispatcher    *dispatch.Dispatcher
	aggregator    *progress.Aggregator
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	invoker := d.Invoker
	if invoker == nil {
		invoker = dispatch.NewRedisInvoker(d.RDB, d.QueueName)
	}
	return &Handler{
		rdb:           d.RDB,
		sp:            d.SP,
		log:           log,
		defaultBucket: d.DefaultBucket,
		dispatcher:    dispatch.New(d.SP, invoker, log, dispatch.Config{}),
		aggregator:    progress.New(d.SP, d.CostConfig, log),
	}
}
