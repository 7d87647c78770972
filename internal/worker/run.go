// Package worker runs the stateless chunk-render loop: pop an invocation,
// render the frame range, write artifact and terminal record, stitch when
// last. Workers never talk to each other; the bucket is the only channel.
package worker

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"kiln/internal/dispatch"
	"kiln/internal/pkg/logger"
	"kiln/internal/ports"
	"kiln/internal/worker/renderer"
)

type Deps struct {
	RDB             *redis.Client
	SP              ports.StorageProvider
	RendererBaseURL string
	QueueName       string
	MemorySizeMb    int
	Log             *logger.Logger
}

func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	q := &invocationQueue{rdb: d.RDB, queueName: d.QueueName}
	rc := renderer.NewHTTPClient(d.RendererBaseURL)
	p := NewProcessor(d.SP, rc, d.MemorySizeMb, log)

	for {
		select {
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		default:
		}

		popCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		payload, err := q.Pop(popCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			log.Warn("queue pop error, retrying", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if payload == "" {
			continue
		}

		inv, err := dispatch.DecodeInvocation(payload)
		if err != nil {
			log.Error("dropping malformed invocation", "error", err.Error())
			continue
		}

		chunkCtx := logger.ContextWithRenderID(ctx, inv.RenderID)
		chunkLog := log.WithRenderID(inv.RenderID)

		chunkLog.Info("processing chunk", "chunk_index", inv.ChunkIndex, "attempt", inv.Attempt)
		start := time.Now()

		if err := p.ProcessChunk(chunkCtx, inv); err != nil {
			chunkLog.Error("chunk failed",
				"chunk_index", inv.ChunkIndex,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		} else {
			chunkLog.Info("chunk completed",
				"chunk_index", inv.ChunkIndex,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
	}
}
