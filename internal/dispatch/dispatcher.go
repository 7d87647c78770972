// Package dispatch creates render jobs and fans their chunks out to
// stateless workers. Dispatch never waits for chunk completion; once every
// invocation is issued the job advances purely through worker writes to the
// shared bucket.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiln/internal/pkg/errors"
	"kiln/internal/pkg/logger"
	"kiln/internal/planner"
	"kiln/internal/ports"
	"kiln/internal/render"
)

// Config tunes dispatch behavior.
type Config struct {
	// MaxInvokeAttempts bounds retries of transient invocation-issuance
	// failures per chunk. Default 3.
	MaxInvokeAttempts int
	// RetryBackoff is the base delay between attempts, doubled per retry.
	// Default 100ms.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxInvokeAttempts <= 0 {
		c.MaxInvokeAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

type Dispatcher struct {
	sp      ports.StorageProvider
	invoker Invoker
	log     *logger.Logger
	cfg     Config
}

func New(sp ports.StorageProvider, invoker Invoker, log *logger.Logger, cfg Config) *Dispatcher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Dispatcher{
		sp:      sp,
		invoker: invoker,
		log:     log.WithComponent("dispatcher"),
		cfg:     cfg.withDefaults(),
	}
}

// Request describes one render to dispatch.
type Request struct {
	BucketName              string
	CompositionID           string
	Codec                   string
	TotalFrames             int
	Concurrency             int
	UsesOptimizationProfile bool
	FrameCostHint           []float64
}

// DispatchRender plans the chunks, writes the immutable job metadata, and
// concurrently issues one worker invocation per chunk. Only planning-time
// validation errors are returned synchronously; invocation failures are
// recorded in the bucket and surface through the next progress read. When
// the function returns without error, an invocation record exists for every
// chunk that was dispatched, and a chunk whose issuance exhausted its
// retries has a fatal error record instead.
func (d *Dispatcher) DispatchRender(ctx context.Context, req Request) (render.Job, error) {
	plan, err := planner.Plan(req.TotalFrames, planner.Options{
		Concurrency:         req.Concurrency,
		OptimizationProfile: req.UsesOptimizationProfile,
		FrameCostHint:       req.FrameCostHint,
	})
	if err != nil {
		return render.Job{}, err
	}

	job := render.Job{
		RenderID:                   uuid.NewString(),
		BucketName:                 req.BucketName,
		CompositionID:              req.CompositionID,
		Codec:                      req.Codec,
		TotalFrames:                req.TotalFrames,
		TotalChunks:                len(plan.Chunks),
		StartedDate:                time.Now().UnixMilli(),
		UsesOptimizationProfile:    req.UsesOptimizationProfile,
		EstimatedRenderInvocations: len(plan.Chunks),
		// One extra invocation for the stitch pass.
		EstimatedTotalInvocations: len(plan.Chunks) + 1,
	}

	store := render.NewStore(d.sp, req.BucketName)
	if err := store.WriteJob(ctx, job); err != nil {
		// Metadata never landed: the render never starts and no snapshot
		// will ever be observable for this ID.
		return render.Job{}, errors.Wrap(err, "dispatch.job", "failed to write render metadata")
	}

	log := d.log.WithRenderID(job.RenderID)
	log.Info("dispatching render",
		"composition_id", job.CompositionID,
		"total_frames", job.TotalFrames,
		"total_chunks", job.TotalChunks,
	)

	dispatchCtx, abort := context.WithCancel(ctx)
	defer abort()

	var wg sync.WaitGroup
	for _, idx := range plan.DispatchOrder {
		chunk := plan.Chunks[idx]
		wg.Add(1)
		go func(chunk planner.Chunk) {
			defer wg.Done()
			err := d.dispatchChunk(dispatchCtx, store, job.RenderID, chunk)
			if err == nil {
				return
			}
			if errors.Is(err, context.Canceled) {
				// Aborted because some other chunk already went fatal.
				return
			}

			log.Error("chunk dispatch exhausted retries", "chunk_index", chunk.Index, "error", err.Error())
			chunkIndex := chunk.Index
			if recErr := store.AppendError(ctx, job.RenderID, render.ErrorRecord{
				ChunkIndex: &chunkIndex,
				Message:    err.Error(),
				Fatal:      true,
			}); recErr != nil {
				log.Error("failed to record fatal dispatch error", "error", recErr.Error())
			}
			// One permanently undispatchable chunk makes the job
			// unstitchable; stop issuing the rest.
			abort()
		}(chunk)
	}
	wg.Wait()

	return job, nil
}

// dispatchChunk writes the invocation record and issues the invocation,
// retrying transient issuance failures with doubling backoff.
func (d *Dispatcher) dispatchChunk(ctx context.Context, store *render.Store, renderID string, chunk planner.Chunk) error {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.MaxInvokeAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := render.InvokedRecord{
			ChunkIndex: chunk.Index,
			FrameRange: chunk.Range,
			Attempt:    attempt,
			InvokedAt:  time.Now().UnixMilli(),
		}
		if err := store.WriteInvoked(ctx, renderID, rec); err != nil {
			return errors.Wrap(err, "dispatch.record", "failed to write invocation record")
		}

		lastErr = d.invoker.Invoke(ctx, Invocation{
			RenderID:   renderID,
			ChunkIndex: chunk.Index,
			FrameRange: chunk.Range,
			BucketName: store.Bucket(),
			Attempt:    attempt,
		})
		if lastErr == nil {
			return nil
		}

		d.log.Warn("invocation attempt failed",
			"render_id", renderID,
			"chunk_index", chunk.Index,
			"attempt", attempt,
			"error", lastErr.Error(),
		)

		if attempt < d.cfg.MaxInvokeAttempts {
			if err := sleepCtx(ctx, d.cfg.RetryBackoff<<(attempt-1)); err != nil {
				return err
			}
		}
	}
	return errors.WrapWithCode(lastErr, errors.CodeInvocation, "dispatch.invoke",
		"chunk invocation failed after retries")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
