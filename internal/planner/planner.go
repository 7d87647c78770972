// Package planner maps a frame count onto an ordered set of render chunks.
// Chunking balances per-invocation duration against invocation overhead:
// small compositions get a handful of larger chunks, large ones are capped
// at a concurrency bound so the compute platform is not overwhelmed.
package planner

import (
	"sort"

	"kiln/internal/pkg/errors"
	"kiln/internal/render"
)

const (
	// DefaultConcurrency caps how many chunks (and therefore concurrent
	// worker invocations) one render may produce.
	DefaultConcurrency = 200

	// minFramesPerChunk keeps chunks from degenerating into per-frame
	// invocations where the invocation overhead dominates.
	minFramesPerChunk = 4
)

// Chunk is one planned worker invocation.
type Chunk struct {
	Index int
	Range render.FrameRange
}

// RenderPlan is the full chunking of a composition. Chunks is ordered by
// index; DispatchOrder is the order in which chunks should be invoked,
// which differs from index order only under the optimization profile.
type RenderPlan struct {
	Chunks        []Chunk
	DispatchOrder []int
}

// Options tune the plan.
type Options struct {
	// Concurrency bounds the chunk count; 0 means DefaultConcurrency.
	Concurrency int
	// OptimizationProfile enables cost-hint based re-balancing.
	OptimizationProfile bool
	// FrameCostHint is an optional per-frame relative cost, indexed by
	// frame number. It is only consulted under the optimization profile
	// and must cover every frame to take effect.
	FrameCostHint []float64
}

// Plan splits totalFrames into contiguous, non-overlapping chunks covering
// [0, totalFrames). It fails with an INVALID_FRAME_COUNT error when
// totalFrames is not positive.
func Plan(totalFrames int, opts Options) (RenderPlan, error) {
	if totalFrames <= 0 {
		return RenderPlan{}, errors.Newf(errors.CodeInvalidFrameCount, "totalFrames must be positive, got %d", totalFrames)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	framesPerChunk := ceilDiv(totalFrames, concurrency)
	if framesPerChunk < minFramesPerChunk {
		framesPerChunk = min(minFramesPerChunk, totalFrames)
	}
	chunkCount := ceilDiv(totalFrames, framesPerChunk)

	var chunks []Chunk
	if opts.OptimizationProfile && len(opts.FrameCostHint) >= totalFrames && chunkCount > 1 {
		chunks = weightedChunks(totalFrames, chunkCount, opts.FrameCostHint)
	} else {
		chunks = evenChunks(totalFrames, framesPerChunk, chunkCount)
	}

	plan := RenderPlan{Chunks: chunks, DispatchOrder: make([]int, chunkCount)}
	for i := range plan.DispatchOrder {
		plan.DispatchOrder[i] = i
	}

	if opts.OptimizationProfile && len(opts.FrameCostHint) >= totalFrames {
		orderByWeight(plan.DispatchOrder, chunks, opts.FrameCostHint)
	}

	return plan, nil
}

func evenChunks(totalFrames, framesPerChunk, chunkCount int) []Chunk {
	chunks := make([]Chunk, 0, chunkCount)
	for i := 0; i < chunkCount; i++ {
		start := i * framesPerChunk
		end := min(start+framesPerChunk, totalFrames)
		chunks = append(chunks, Chunk{Index: i, Range: render.FrameRange{Start: start, End: end}})
	}
	return chunks
}

// weightedChunks places boundaries so each chunk carries roughly equal
// total frame cost, keeping the chunk count fixed and every chunk
// non-empty.
func weightedChunks(totalFrames, chunkCount int, costs []float64) []Chunk {
	var total float64
	for _, c := range costs[:totalFrames] {
		total += c
	}
	if total <= 0 {
		return evenChunks(totalFrames, ceilDiv(totalFrames, chunkCount), chunkCount)
	}
	target := total / float64(chunkCount)

	chunks := make([]Chunk, 0, chunkCount)
	start := 0
	var accumulated float64
	for i := 0; i < chunkCount; i++ {
		end := start + 1
		accumulated += costs[start]
		// Frames still needed by the remaining chunks.
		reserve := chunkCount - i - 1
		for end < totalFrames-reserve && accumulated < float64(i+1)*target {
			accumulated += costs[end]
			end++
		}
		if i == chunkCount-1 {
			end = totalFrames
		}
		chunks = append(chunks, Chunk{Index: i, Range: render.FrameRange{Start: start, End: end}})
		start = end
	}
	return chunks
}

// orderByWeight sorts the dispatch order so heavier chunks are invoked
// first, reducing tail latency before stitching. Chunk indexes are
// untouched; only issue order changes.
func orderByWeight(order []int, chunks []Chunk, costs []float64) {
	weight := func(c Chunk) float64 {
		var w float64
		for f := c.Range.Start; f < c.Range.End && f < len(costs); f++ {
			w += costs[f]
		}
		return w
	}
	weights := make([]float64, len(chunks))
	for i, c := range chunks {
		weights[i] = weight(c)
	}
	sort.SliceStable(order, func(i, j int) bool {
		return weights[order[i]] > weights[order[j]]
	})
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
