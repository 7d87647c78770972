// Package progress is the pull-based read path: it reconstructs render
// state from the bucket on every call and derives a snapshot without ever
// mutating state. Snapshots reflect storage at the instant of the read and
// may be stale relative to concurrent worker writes.
package progress

import (
	"context"
	"time"

	"kiln/internal/costs"
	"kiln/internal/pkg/errors"
	"kiln/internal/pkg/logger"
	"kiln/internal/ports"
	"kiln/internal/render"
)

// Request identifies the render being polled. Region and FunctionName
// select the compute scope the render was dispatched to; they are part of
// the wire contract and carried through for multi-region deployments.
type Request struct {
	RenderID     string `json:"renderId"`
	BucketName   string `json:"bucketName"`
	Region       string `json:"region"`
	FunctionName string `json:"functionName"`
}

// EncodingStatus is non-null only while stitching is in flight.
type EncodingStatus struct {
	FramesEncoded int `json:"framesEncoded"`
}

// Costs is the client-facing estimate block.
type Costs struct {
	EstimatedDisplayCost string `json:"estimatedDisplayCost"`
	Disclaimer           string `json:"disclaimer"`
}

// Metadata echoes the immutable job fields.
type Metadata struct {
	TotalFrames                      int    `json:"totalFrames"`
	StartedDate                      int64  `json:"startedDate"`
	TotalChunks                      int    `json:"totalChunks"`
	EstimatedTotalLambdaInvokations  int    `json:"estimatedTotalLambdaInvokations"`
	EstimatedRenderLambdaInvokations int    `json:"estimatedRenderLambdaInvokations"`
	CompositionID                    string `json:"compositionId"`
	Codec                            string `json:"codec"`
	UsesOptimizationProfile          bool   `json:"usesOptimizationProfile"`
}

// ErrorEntry is one element of the append-only errors array.
type ErrorEntry struct {
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	ChunkIndex *int   `json:"chunkIndex"`
}

// Snapshot is the externally visible progress object. It is derived on
// every read and never persisted.
type Snapshot struct {
	Chunks                int             `json:"chunks"`
	Done                  bool            `json:"done"`
	EncodingStatus        *EncodingStatus `json:"encodingStatus"`
	Costs                 Costs           `json:"costs"`
	RenderID              string          `json:"renderId"`
	RenderMetadata        Metadata        `json:"renderMetadata"`
	Bucket                string          `json:"bucket"`
	OutputFile            *string         `json:"outputFile"`
	OutKey                *string         `json:"outKey"`
	TimeToFinish          *int64          `json:"timeToFinish"`
	Errors                []ErrorEntry    `json:"errors"`
	FatalErrorEncountered bool            `json:"fatalErrorEncountered"`
	CurrentTime           int64           `json:"currentTime"`
	RenderSize            int64           `json:"renderSize"`
	LambdasInvoked        int             `json:"lambdasInvoked"`
	EstimatedPrice        float64         `json:"estimatedPrice"`
}

type Aggregator struct {
	sp    ports.StorageProvider
	costs costs.Config
	log   *logger.Logger
}

func New(sp ports.StorageProvider, costCfg costs.Config, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Aggregator{sp: sp, costs: costCfg, log: log.WithComponent("progress")}
}

// GetRenderProgress composes a snapshot from the records currently in the
// bucket. Chunks that have not been invoked yet simply contribute nothing;
// the call never blocks on chunk completion. A NOT_FOUND error means the
// render was never dispatched (or its metadata write never landed).
func (a *Aggregator) GetRenderProgress(ctx context.Context, req Request) (Snapshot, error) {
	store := render.NewStore(a.sp, req.BucketName)

	job, err := store.ReadJob(ctx, req.RenderID)
	if ports.IsNotFound(err) {
		return Snapshot{}, errors.NotFound("render", req.RenderID)
	}
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.job", "failed to read render metadata")
	}

	invoked, results, err := store.ReadChunkState(ctx, req.RenderID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.chunks", "failed to read chunk state")
	}
	records := render.MergeChunkState(invoked, results)

	errorRecords, err := store.ListErrors(ctx, req.RenderID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.errors", "failed to read error log")
	}

	encoding, stitching, err := store.ReadEncodingProgress(ctx, req.RenderID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.encoding", "failed to read encoding progress")
	}

	output, done, err := store.ReadOutput(ctx, req.RenderID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.output", "failed to read completion record")
	}

	renderSize, err := store.RenderSize(ctx, req.RenderID)
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "progress.size", "failed to size render namespace")
	}

	succeeded := 0
	lambdasInvoked := 0
	for _, rec := range records {
		if rec.State == render.StateSucceeded {
			succeeded++
		}
		if rec.State != render.StatePending {
			lambdasInvoked++
		}
	}

	fatalEncountered := false
	errorEntries := make([]ErrorEntry, 0, len(errorRecords))
	for _, rec := range errorRecords {
		if rec.Fatal {
			fatalEncountered = true
		}
		errorEntries = append(errorEntries, ErrorEntry{
			Message:    rec.Message,
			Timestamp:  rec.Timestamp,
			ChunkIndex: rec.ChunkIndex,
		})
	}

	estimate := a.costs.Estimate(results, lambdasInvoked)

	snapshot := Snapshot{
		Chunks: succeeded,
		Done:   done,
		Costs: Costs{
			EstimatedDisplayCost: estimate.DisplayCost,
			Disclaimer:           estimate.Disclaimer,
		},
		RenderID: job.RenderID,
		RenderMetadata: Metadata{
			TotalFrames:                      job.TotalFrames,
			StartedDate:                      job.StartedDate,
			TotalChunks:                      job.TotalChunks,
			EstimatedTotalLambdaInvokations:  job.EstimatedTotalInvocations,
			EstimatedRenderLambdaInvokations: job.EstimatedRenderInvocations,
			CompositionID:                    job.CompositionID,
			Codec:                            job.Codec,
			UsesOptimizationProfile:          job.UsesOptimizationProfile,
		},
		Bucket:                req.BucketName,
		Errors:                errorEntries,
		FatalErrorEncountered: fatalEncountered,
		CurrentTime:           time.Now().UnixMilli(),
		RenderSize:            renderSize,
		LambdasInvoked:        lambdasInvoked,
		EstimatedPrice:        estimate.Price,
	}

	// Encoding status is visible only between stitch start and completion;
	// once done, outputFile and timeToFinish supersede it.
	if stitching && !done {
		snapshot.EncodingStatus = &EncodingStatus{FramesEncoded: encoding.FramesEncoded}
	}

	if done {
		outputFile := output.OutputFile
		outKey := output.OutKey
		timeToFinish := output.TimeToFinish
		snapshot.OutputFile = &outputFile
		snapshot.OutKey = &outKey
		snapshot.TimeToFinish = &timeToFinish
	}

	return snapshot, nil
}
