package stitch

import (
	"bytes"
	"context"
	"testing"

	"kiln/internal/pkg/errors"
	"kiln/internal/render"
	"kiln/internal/testsupport"
)

const testBucket = "renders-test"

func seedRender(t *testing.T, store *render.Store, renderID string, chunks int, framesPerChunk int) render.Job {
	t.Helper()
	ctx := context.Background()

	job := render.Job{
		RenderID:                   renderID,
		BucketName:                 testBucket,
		CompositionID:              "intro",
		Codec:                      "h264",
		TotalFrames:                chunks * framesPerChunk,
		TotalChunks:                chunks,
		StartedDate:                1700000000000,
		EstimatedRenderInvocations: chunks,
		EstimatedTotalInvocations:  chunks + 1,
	}
	if err := store.WriteJob(ctx, job); err != nil {
		t.Fatalf("WriteJob: %v", err)
	}
	return job
}

func seedSucceededChunk(t *testing.T, store *render.Store, renderID string, index, framesPerChunk int, payload []byte) {
	t.Helper()
	ctx := context.Background()

	fr := render.FrameRange{Start: index * framesPerChunk, End: (index + 1) * framesPerChunk}
	if err := store.WriteInvoked(ctx, renderID, render.InvokedRecord{ChunkIndex: index, FrameRange: fr, Attempt: 1}); err != nil {
		t.Fatalf("WriteInvoked: %v", err)
	}

	key := render.ArtifactKey(renderID, index, "mp4")
	if payload != nil {
		if err := store.PutArtifact(ctx, key, "video/mp4", bytes.NewReader(payload), int64(len(payload))); err != nil {
			t.Fatalf("PutArtifact: %v", err)
		}
	}
	if err := store.WriteResult(ctx, renderID, render.ChunkResult{
		ChunkIndex: index, FrameRange: fr, State: render.StateSucceeded,
		Attempt: 1, DurationMs: 1000, MemorySizeMb: 2048, ArtifactKey: key,
	}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}
}

func TestStitcherConcatenatesInIndexOrder(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	store := render.NewStore(sp, testBucket)

	seedRender(t, store, "r-1", 3, 10)
	// Seed out of order to prove the stitcher reads by index, not by
	// completion order.
	seedSucceededChunk(t, store, "r-1", 2, 10, []byte("CC"))
	seedSucceededChunk(t, store, "r-1", 0, 10, []byte("AA"))
	seedSucceededChunk(t, store, "r-1", 1, 10, []byte("BB"))

	done, err := New(store, nil).Run(ctx, "r-1")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !done {
		t.Fatal("expected stitch to complete")
	}

	final := sp.Raw(testBucket, render.FinalKey("r-1", "mp4"))
	if string(final) != "AABBCC" {
		t.Fatalf("final artifact = %q, want AABBCC", final)
	}

	out, ok, err := store.ReadOutput(ctx, "r-1")
	if err != nil || !ok {
		t.Fatalf("ReadOutput: ok=%v err=%v", ok, err)
	}
	if out.OutKey != render.FinalKey("r-1", "mp4") {
		t.Errorf("outKey = %q", out.OutKey)
	}
	if out.OutputFile != store.ObjectURL(out.OutKey) {
		t.Errorf("outputFile = %q", out.OutputFile)
	}
	if out.TimeToFinish <= 0 {
		t.Errorf("timeToFinish = %d, want > 0", out.TimeToFinish)
	}

	p, started, err := store.ReadEncodingProgress(ctx, "r-1")
	if err != nil || !started {
		t.Fatalf("ReadEncodingProgress: started=%v err=%v", started, err)
	}
	if p.FramesEncoded != 30 {
		t.Errorf("framesEncoded = %d, want 30", p.FramesEncoded)
	}
}

func TestStitcherRerunIsNoop(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	store := render.NewStore(sp, testBucket)

	seedRender(t, store, "r-2", 1, 10)
	seedSucceededChunk(t, store, "r-2", 0, 10, []byte("XY"))

	s := New(store, nil)
	if done, err := s.Run(ctx, "r-2"); err != nil || !done {
		t.Fatalf("first Run: done=%v err=%v", done, err)
	}
	first, _, err := store.ReadOutput(ctx, "r-2")
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}

	if done, err := s.Run(ctx, "r-2"); err != nil || !done {
		t.Fatalf("second Run: done=%v err=%v", done, err)
	}
	second, _, err := store.ReadOutput(ctx, "r-2")
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if first != second {
		t.Fatalf("rerun changed output record: %+v vs %+v", first, second)
	}
}

func TestStitcherRefusesIncompleteRender(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	store := render.NewStore(sp, testBucket)

	seedRender(t, store, "r-3", 3, 10)
	seedSucceededChunk(t, store, "r-3", 0, 10, []byte("AA"))

	done, err := New(store, nil).Run(ctx, "r-3")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done {
		t.Fatal("stitched with chunks outstanding")
	}
	if _, ok, _ := store.ReadOutput(ctx, "r-3"); ok {
		t.Fatal("output record written for incomplete render")
	}
}

func TestStitcherRefusesAfterFatalError(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	store := render.NewStore(sp, testBucket)

	seedRender(t, store, "r-4", 1, 10)
	seedSucceededChunk(t, store, "r-4", 0, 10, []byte("AA"))
	if err := store.AppendError(ctx, "r-4", render.ErrorRecord{Message: "invocation exhausted", Fatal: true}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}

	done, err := New(store, nil).Run(ctx, "r-4")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if done {
		t.Fatal("stitched a render with a fatal error")
	}
}

func TestStitcherMissingArtifactIsFatal(t *testing.T) {
	ctx := context.Background()
	sp := testsupport.NewMemStorage()
	store := render.NewStore(sp, testBucket)

	seedRender(t, store, "r-5", 2, 10)
	seedSucceededChunk(t, store, "r-5", 0, 10, []byte("AA"))
	// Result claims success but the artifact bytes are gone.
	seedSucceededChunk(t, store, "r-5", 1, 10, nil)

	done, err := New(store, nil).Run(ctx, "r-5")
	if done {
		t.Fatal("stitch reported done despite missing artifact")
	}
	if !errors.IsCode(err, errors.CodeStitch) {
		t.Fatalf("error code = %v, want STITCH_ERROR", errors.GetCode(err))
	}

	fatal, ferr := store.HasFatalError(ctx, "r-5")
	if ferr != nil || !fatal {
		t.Fatalf("fatal=%v err=%v, want fatal error recorded", fatal, ferr)
	}
	if _, ok, _ := store.ReadOutput(ctx, "r-5"); ok {
		t.Fatal("output record written after stitch failure")
	}
}
