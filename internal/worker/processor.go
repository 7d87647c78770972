package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"kiln/internal/dispatch"
	"kiln/internal/pkg/errors"
	"kiln/internal/pkg/logger"
	"kiln/internal/ports"
	"kiln/internal/render"
	"kiln/internal/stitch"
	"kiln/internal/worker/renderer"
)

// Processor executes one chunk invocation end to end: render the frame
// range, upload the artifact, write the terminal chunk record, and stitch
// when this chunk turns out to be the last one needed.
type Processor struct {
	sp           ports.StorageProvider
	renderer     renderer.Client
	memorySizeMb int
	log          *logger.Logger
}

func NewProcessor(sp ports.StorageProvider, rc renderer.Client, memorySizeMb int, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Processor{
		sp:           sp,
		renderer:     rc,
		memorySizeMb: memorySizeMb,
		log:          log.WithComponent("processor"),
	}
}

// ProcessChunk is idempotent under re-invocation: an already-succeeded
// chunk is not re-rendered, and the artifact is uploaded before the
// succeeded record so a reader never observes the record without the
// artifact.
func (p *Processor) ProcessChunk(ctx context.Context, inv dispatch.Invocation) error {
	store := render.NewStore(p.sp, inv.BucketName)
	log := p.log.WithRenderID(inv.RenderID)

	job, err := store.ReadJob(ctx, inv.RenderID)
	if err != nil {
		return errors.Wrap(err, "worker.job", "failed to read render metadata")
	}

	invoked, results, err := store.ReadChunkState(ctx, inv.RenderID)
	if err != nil {
		return errors.Wrap(err, "worker.state", "failed to read chunk state")
	}
	for _, rec := range render.MergeChunkState(invoked, results) {
		if rec.ChunkIndex == inv.ChunkIndex && rec.State == render.StateSucceeded {
			log.Debug("chunk already succeeded, skipping render", "chunk_index", inv.ChunkIndex)
			return p.maybeStitch(ctx, store, job)
		}
	}

	start := time.Now()
	artifact, renderErr := p.renderChunk(ctx, job, inv)
	durationMs := time.Since(start).Milliseconds()

	if renderErr != nil {
		log.Error("chunk render failed",
			"chunk_index", inv.ChunkIndex,
			"attempt", inv.Attempt,
			"error", renderErr.Error(),
		)
		p.recordFailure(ctx, store, inv, durationMs, renderErr)
		return errors.WrapWithCode(renderErr, errors.CodeWorkerRender, "worker.render",
			fmt.Sprintf("chunk %d render failed", inv.ChunkIndex))
	}

	ext := render.ContainerExt(job.Codec)
	artifactKey := render.ArtifactKey(inv.RenderID, inv.ChunkIndex, ext)
	if err := store.PutArtifact(ctx, artifactKey, "video/"+ext, artifact.body, artifact.size); err != nil {
		p.recordFailure(ctx, store, inv, durationMs, err)
		return errors.WrapWithCode(err, errors.CodeWorkerRender, "worker.upload",
			fmt.Sprintf("chunk %d artifact upload failed", inv.ChunkIndex))
	}

	result := render.ChunkResult{
		ChunkIndex:   inv.ChunkIndex,
		FrameRange:   inv.FrameRange,
		State:        render.StateSucceeded,
		Attempt:      inv.Attempt,
		DurationMs:   durationMs,
		MemorySizeMb: p.memorySizeMb,
		ArtifactKey:  artifactKey,
	}
	if err := store.WriteResult(ctx, inv.RenderID, result); err != nil {
		return errors.Wrap(err, "worker.result", "failed to write chunk result")
	}

	log.Info("chunk rendered",
		"chunk_index", inv.ChunkIndex,
		"frames", inv.FrameRange.Frames(),
		"duration_ms", durationMs,
	)

	return p.maybeStitch(ctx, store, job)
}

type renderedArtifact struct {
	body io.Reader
	size int64
}

func (p *Processor) renderChunk(ctx context.Context, job render.Job, inv dispatch.Invocation) (renderedArtifact, error) {
	rc, err := p.renderer.RenderChunk(ctx, renderer.ChunkSpec{
		CompositionID: job.CompositionID,
		Codec:         job.Codec,
		StartFrame:    inv.FrameRange.Start,
		EndFrame:      inv.FrameRange.End,
	})
	if err != nil {
		return renderedArtifact{}, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return renderedArtifact{}, err
	}
	if len(data) == 0 {
		return renderedArtifact{}, fmt.Errorf("renderer produced empty chunk")
	}
	return renderedArtifact{body: bytes.NewReader(data), size: int64(len(data))}, nil
}

// recordFailure writes the terminal failed record plus the fatal error
// entry. An unrecoverable render error (a user composition throwing) is not
// retried here.
func (p *Processor) recordFailure(ctx context.Context, store *render.Store, inv dispatch.Invocation, durationMs int64, cause error) {
	log := p.log.WithRenderID(inv.RenderID)

	if err := store.WriteResult(ctx, inv.RenderID, render.ChunkResult{
		ChunkIndex:   inv.ChunkIndex,
		FrameRange:   inv.FrameRange,
		State:        render.StateFailed,
		Attempt:      inv.Attempt,
		DurationMs:   durationMs,
		MemorySizeMb: p.memorySizeMb,
		ErrorMessage: cause.Error(),
	}); err != nil {
		log.Error("failed to write failure result", "error", err.Error())
	}

	chunkIndex := inv.ChunkIndex
	if err := store.AppendError(ctx, inv.RenderID, render.ErrorRecord{
		ChunkIndex: &chunkIndex,
		Message:    cause.Error(),
		Fatal:      true,
	}); err != nil {
		log.Error("failed to append error record", "error", err.Error())
	}
}

// maybeStitch runs the stitcher when this worker observes the completion
// condition. The stitcher itself re-checks and no-ops on duplicates, so a
// race between two last finishers is harmless.
func (p *Processor) maybeStitch(ctx context.Context, store *render.Store, job render.Job) error {
	invoked, results, err := store.ReadChunkState(ctx, job.RenderID)
	if err != nil {
		return errors.Wrap(err, "worker.state", "failed to read chunk state")
	}

	succeeded := 0
	for _, rec := range render.MergeChunkState(invoked, results) {
		if rec.State == render.StateSucceeded {
			succeeded++
		}
	}
	if succeeded != job.TotalChunks {
		return nil
	}

	_, err = stitch.New(store, p.log).Run(ctx, job.RenderID)
	return err
}
