package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"kiln/internal/pkg/errors"
	"kiln/internal/render"
	"kiln/internal/testsupport"
)

const testBucket = "renders-test"

type funcInvoker struct {
	mu    sync.Mutex
	calls []Invocation
	fn    func(inv Invocation) error
}

func (f *funcInvoker) Invoke(ctx context.Context, inv Invocation) error {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(inv)
	}
	return nil
}

func (f *funcInvoker) byChunk() map[int]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]int)
	for _, inv := range f.calls {
		out[inv.ChunkIndex]++
	}
	return out
}

func fastConfig() Config {
	return Config{MaxInvokeAttempts: 3, RetryBackoff: time.Millisecond}
}

func TestDispatchRender(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	inv := &funcInvoker{}
	d := New(sp, inv, nil, fastConfig())

	job, err := d.DispatchRender(ctx, Request{
		BucketName:    testBucket,
		CompositionID: "intro",
		Codec:         "h264",
		TotalFrames:   1920,
		Concurrency:   10,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if job.TotalChunks != 10 {
		t.Fatalf("expected 10 chunks, got %d", job.TotalChunks)
	}
	if job.EstimatedRenderInvocations != 10 || job.EstimatedTotalInvocations != 11 {
		t.Errorf("unexpected invocation estimates: %d / %d",
			job.EstimatedRenderInvocations, job.EstimatedTotalInvocations)
	}

	store := render.NewStore(sp, testBucket)

	t.Run("job metadata persisted", func(t *testing.T) {
		got, err := store.ReadJob(ctx, job.RenderID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != job {
			t.Errorf("stored job differs: %+v vs %+v", got, job)
		}
	})

	t.Run("one invocation record per chunk", func(t *testing.T) {
		invoked, _, err := store.ReadChunkState(ctx, job.RenderID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(invoked) != 10 {
			t.Fatalf("expected 10 invocation records, got %d", len(invoked))
		}
	})

	t.Run("one invocation issued per chunk", func(t *testing.T) {
		counts := inv.byChunk()
		if len(counts) != 10 {
			t.Fatalf("expected 10 chunks invoked, got %d", len(counts))
		}
		for idx, n := range counts {
			if n != 1 {
				t.Errorf("chunk %d invoked %d times", idx, n)
			}
		}
	})

	t.Run("invocations carry the boundary fields", func(t *testing.T) {
		first := inv.calls[0]
		if first.RenderID != job.RenderID || first.BucketName != testBucket {
			t.Errorf("invocation missing identifiers: %+v", first)
		}
		if first.FrameRange.Frames() != 192 {
			t.Errorf("expected 192-frame range, got %+v", first.FrameRange)
		}
	})
}

func TestDispatchRenderInvalidFrameCount(t *testing.T) {
	sp := testsupport.NewMemStorage()
	d := New(sp, &funcInvoker{}, nil, fastConfig())

	_, err := d.DispatchRender(context.Background(), Request{
		BucketName:  testBucket,
		TotalFrames: 0,
	})
	if !errors.IsCode(err, errors.CodeInvalidFrameCount) {
		t.Fatalf("expected INVALID_FRAME_COUNT, got %v", err)
	}

	// Nothing was written: the render never started.
	if n := sp.Count(testBucket, "renders/"); n != 0 {
		t.Errorf("expected no objects written, got %d", n)
	}
}

func TestDispatchRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()

	var mu sync.Mutex
	failuresLeft := 2
	inv := &funcInvoker{fn: func(i Invocation) error {
		mu.Lock()
		defer mu.Unlock()
		if failuresLeft > 0 {
			failuresLeft--
			return errors.New(errors.CodeInvocation, "throttled")
		}
		return nil
	}}

	d := New(sp, inv, nil, fastConfig())
	job, err := d.DispatchRender(ctx, Request{
		BucketName:  testBucket,
		TotalFrames: 8,
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	store := render.NewStore(sp, testBucket)

	invoked, _, err := store.ReadChunkState(ctx, job.RenderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(invoked) != 3 {
		t.Errorf("expected 3 invocation records (one per attempt), got %d", len(invoked))
	}

	fatal, err := store.HasFatalError(ctx, job.RenderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fatal {
		t.Error("expected no fatal error after eventual success")
	}
}

func TestDispatchExhaustionWritesFatalError(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	inv := &funcInvoker{fn: func(i Invocation) error {
		return errors.New(errors.CodeInvocation, "quota exceeded")
	}}

	d := New(sp, inv, nil, fastConfig())
	job, err := d.DispatchRender(ctx, Request{
		BucketName:  testBucket,
		TotalFrames: 8,
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("dispatch itself should not fail synchronously: %v", err)
	}

	store := render.NewStore(sp, testBucket)

	recs, err := store.ListErrors(ctx, job.RenderID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(recs))
	}
	if !recs[0].Fatal {
		t.Error("expected fatal error record")
	}
	if recs[0].ChunkIndex == nil || *recs[0].ChunkIndex != 0 {
		t.Errorf("expected error to reference chunk 0, got %v", recs[0].ChunkIndex)
	}

	if got := len(inv.calls); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}
