// Package stitch concatenates succeeded chunk artifacts into the final
// render artifact. At most one stitch should make progress per render;
// racing duplicates detect the completion record and no-op.
package stitch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"kiln/internal/pkg/errors"
	"kiln/internal/pkg/logger"
	"kiln/internal/render"
)

type Stitcher struct {
	store *render.Store
	log   *logger.Logger
}

func New(store *render.Store, log *logger.Logger) *Stitcher {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Stitcher{store: store, log: log.WithComponent("stitcher")}
}

// Run stitches the render if and only if its completion condition holds:
// every chunk succeeded and no fatal error exists. It returns true when the
// final artifact is in place (whether written now or by an earlier run),
// false when the render is not ready. A concatenation failure is terminal:
// it records a fatal STITCH_ERROR and the job stays not-done forever.
func (s *Stitcher) Run(ctx context.Context, renderID string) (bool, error) {
	log := s.log.WithRenderID(renderID)

	// Re-running after completion is a no-op.
	if _, done, err := s.store.ReadOutput(ctx, renderID); err != nil {
		return false, err
	} else if done {
		log.Debug("output already written, nothing to do")
		return true, nil
	}

	job, err := s.store.ReadJob(ctx, renderID)
	if err != nil {
		return false, errors.Wrap(err, "stitch.job", "failed to read render metadata")
	}

	if fatal, err := s.store.HasFatalError(ctx, renderID); err != nil {
		return false, err
	} else if fatal {
		log.Debug("fatal error present, refusing to stitch")
		return false, nil
	}

	invoked, results, err := s.store.ReadChunkState(ctx, renderID)
	if err != nil {
		return false, errors.Wrap(err, "stitch.chunks", "failed to read chunk state")
	}
	records := render.MergeChunkState(invoked, results)
	succeeded := make([]render.ChunkRecord, 0, len(records))
	for _, rec := range records {
		if rec.State == render.StateSucceeded {
			succeeded = append(succeeded, rec)
		}
	}
	if len(succeeded) != job.TotalChunks {
		log.Debug("not all chunks succeeded yet",
			"succeeded", len(succeeded),
			"total_chunks", job.TotalChunks,
		)
		return false, nil
	}

	log.Info("stitching", "total_chunks", job.TotalChunks, "codec", job.Codec)

	if err := s.concat(ctx, job, succeeded); err != nil {
		s.recordFatal(ctx, renderID, err)
		return false, err
	}

	ext := render.ContainerExt(job.Codec)
	outKey := render.FinalKey(renderID, ext)
	out := render.Output{
		OutputFile:   s.store.ObjectURL(outKey),
		OutKey:       outKey,
		TimeToFinish: time.Now().UnixMilli() - job.StartedDate,
	}
	if err := s.store.WriteOutput(ctx, renderID, out); err != nil {
		return false, errors.Wrap(err, "stitch.output", "failed to write completion record")
	}

	log.Info("stitch complete", "out_key", outKey, "time_to_finish_ms", out.TimeToFinish)
	return true, nil
}

// concat reads chunk artifacts strictly in ascending index order and writes
// their concatenation as the final artifact, advancing the encoding
// progress counter per chunk so polling clients see incremental progress.
func (s *Stitcher) concat(ctx context.Context, job render.Job, records []render.ChunkRecord) error {
	var assembled bytes.Buffer
	framesEncoded := 0

	if err := s.store.WriteEncodingProgress(ctx, job.RenderID, 0); err != nil {
		return errors.Wrap(err, "stitch.progress", "failed to initialize encoding progress")
	}

	for _, rec := range records {
		rc, size, err := s.store.GetArtifact(ctx, rec.ArtifactKey)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeStitch, "stitch.read",
				fmt.Sprintf("chunk %d artifact unreadable despite succeeded state", rec.ChunkIndex))
		}
		n, err := io.Copy(&assembled, rc)
		rc.Close()
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeStitch, "stitch.read",
				fmt.Sprintf("chunk %d artifact read failed", rec.ChunkIndex))
		}
		if size > 0 && n != size {
			return errors.Newf(errors.CodeStitch, "chunk %d artifact truncated: %d of %d bytes", rec.ChunkIndex, n, size)
		}
		if n == 0 {
			return errors.Newf(errors.CodeStitch, "chunk %d artifact is empty", rec.ChunkIndex)
		}

		framesEncoded += rec.FrameRange.Frames()
		if err := s.store.WriteEncodingProgress(ctx, job.RenderID, framesEncoded); err != nil {
			return errors.Wrap(err, "stitch.progress", "failed to update encoding progress")
		}
	}

	ext := render.ContainerExt(job.Codec)
	outKey := render.FinalKey(job.RenderID, ext)
	contentType := "video/" + ext
	if err := s.store.PutArtifact(ctx, outKey, contentType, bytes.NewReader(assembled.Bytes()), int64(assembled.Len())); err != nil {
		return errors.WrapWithCode(err, errors.CodeStitch, "stitch.write", "failed to write final artifact")
	}
	return nil
}

func (s *Stitcher) recordFatal(ctx context.Context, renderID string, cause error) {
	if err := s.store.AppendError(ctx, renderID, render.ErrorRecord{
		Message: cause.Error(),
		Fatal:   true,
	}); err != nil {
		s.log.WithRenderID(renderID).Error("failed to record stitch error", "error", err.Error())
	}
}
