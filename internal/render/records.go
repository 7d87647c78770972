// Package render holds the durable state model for a chunked render: the
// job metadata, per-chunk invocation records, the append-only error log and
// the stitching progress marker, plus the blob-store access layer that reads
// and writes them. There is no coordinator process; every record has exactly
// one writer class and all consistency comes from read-time reconciliation.
package render

import "sort"

// ChunkState describes how far a chunk has progressed.
type ChunkState string

const (
	StatePending   ChunkState = "pending"
	StateInvoked   ChunkState = "invoked"
	StateSucceeded ChunkState = "succeeded"
	StateFailed    ChunkState = "failed"
)

// FrameRange is a contiguous, half-open range of frames [Start, End).
type FrameRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Frames returns the number of frames in the range.
func (r FrameRange) Frames() int {
	return r.End - r.Start
}

// Job is the immutable render metadata, written exactly once by the
// dispatcher before any chunk is invoked. Every other component treats it
// as read-only.
type Job struct {
	RenderID                   string `json:"renderId"`
	BucketName                 string `json:"bucketName"`
	CompositionID              string `json:"compositionId"`
	Codec                      string `json:"codec"`
	TotalFrames                int    `json:"totalFrames"`
	TotalChunks                int    `json:"totalChunks"`
	StartedDate                int64  `json:"startedDate"`
	UsesOptimizationProfile    bool   `json:"usesOptimizationProfile"`
	EstimatedTotalInvocations  int    `json:"estimatedTotalInvocations"`
	EstimatedRenderInvocations int    `json:"estimatedRenderInvocations"`
}

// InvokedRecord is written by the dispatcher once per invocation attempt,
// before the worker invocation is issued.
type InvokedRecord struct {
	ChunkIndex int        `json:"chunkIndex"`
	FrameRange FrameRange `json:"frameRange"`
	Attempt    int        `json:"attempt"`
	InvokedAt  int64      `json:"invokedAt"`
}

// ChunkResult is the terminal record a worker writes for one attempt:
// exactly one per chunk per attempt, and a succeeded result is never
// overwritten.
type ChunkResult struct {
	ChunkIndex   int        `json:"chunkIndex"`
	FrameRange   FrameRange `json:"frameRange"`
	State        ChunkState `json:"state"`
	Attempt      int        `json:"attempt"`
	DurationMs   int64      `json:"durationMs"`
	MemorySizeMb int        `json:"memorySizeMb"`
	ArtifactKey  string     `json:"artifactKey,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// ChunkRecord is the reconciled, read-time view of one chunk, merged from
// its invoked records and terminal results. It is never persisted.
type ChunkRecord struct {
	ChunkIndex   int
	FrameRange   FrameRange
	State        ChunkState
	AttemptCount int
	InvokedAt    int64
	DurationMs   int64
	MemorySizeMb int
	ArtifactKey  string
	ErrorMessage string
}

// ErrorRecord is one entry of the append-only error log. ChunkIndex is nil
// for job-level errors. Fatal records mark the render permanently failed.
type ErrorRecord struct {
	ChunkIndex *int   `json:"chunkIndex"`
	Message    string `json:"message"`
	Timestamp  int64  `json:"timestamp"`
	Fatal      bool   `json:"fatal"`
}

// EncodingProgress is written by the stitcher while concatenation is in
// flight. FramesEncoded is monotonically non-decreasing.
type EncodingProgress struct {
	FramesEncoded int `json:"framesEncoded"`
}

// Output marks a finished render. Its presence in storage is the done flag.
type Output struct {
	OutputFile   string `json:"outputFile"`
	OutKey       string `json:"outKey"`
	TimeToFinish int64  `json:"timeToFinish"`
}

// MergeChunkState reconciles invoked records and terminal results into one
// ChunkRecord per chunk, ordered by chunk index. A succeeded result wins
// over anything else for that chunk; otherwise the highest-attempt result
// wins; a chunk with only invoked records is StateInvoked.
func MergeChunkState(invoked []InvokedRecord, results []ChunkResult) []ChunkRecord {
	byChunk := make(map[int]*ChunkRecord)

	rec := func(index int) *ChunkRecord {
		if r, ok := byChunk[index]; ok {
			return r
		}
		r := &ChunkRecord{ChunkIndex: index, State: StatePending}
		byChunk[index] = r
		return r
	}

	for _, inv := range invoked {
		r := rec(inv.ChunkIndex)
		r.FrameRange = inv.FrameRange
		if r.State == StatePending {
			r.State = StateInvoked
		}
		if inv.Attempt > r.AttemptCount {
			r.AttemptCount = inv.Attempt
		}
		if r.InvokedAt == 0 || inv.InvokedAt < r.InvokedAt {
			r.InvokedAt = inv.InvokedAt
		}
	}

	// Apply results in attempt order so the latest attempt wins, except that
	// a succeeded result is final for its chunk.
	sorted := make([]ChunkResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Attempt < sorted[j].Attempt })

	for _, res := range sorted {
		r := rec(res.ChunkIndex)
		if res.Attempt > r.AttemptCount {
			r.AttemptCount = res.Attempt
		}
		if r.State == StateSucceeded {
			continue
		}
		r.FrameRange = res.FrameRange
		r.State = res.State
		r.DurationMs = res.DurationMs
		r.MemorySizeMb = res.MemorySizeMb
		r.ArtifactKey = res.ArtifactKey
		r.ErrorMessage = res.ErrorMessage
	}

	out := make([]ChunkRecord, 0, len(byChunk))
	for _, r := range byChunk {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out
}
