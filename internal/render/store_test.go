package render_test

import (
	"bytes"
	"context"
	"testing"

	"kiln/internal/render"
	"kiln/internal/testsupport"
)

const testBucket = "renders-test"

func newStore() (*render.Store, *testsupport.MemStorage) {
	sp := testsupport.NewMemStorage()
	return render.NewStore(sp, testBucket), sp
}

func TestStoreJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	job := render.Job{
		RenderID:                   "r-1",
		BucketName:                 testBucket,
		CompositionID:              "intro",
		Codec:                      "h264",
		TotalFrames:                1920,
		TotalChunks:                10,
		StartedDate:                1700000000000,
		EstimatedRenderInvocations: 10,
		EstimatedTotalInvocations:  11,
	}
	if err := store.WriteJob(ctx, job); err != nil {
		t.Fatalf("WriteJob: %v", err)
	}

	got, err := store.ReadJob(ctx, "r-1")
	if err != nil {
		t.Fatalf("ReadJob: %v", err)
	}
	if got != job {
		t.Fatalf("ReadJob = %+v, want %+v", got, job)
	}
}

func TestStoreWriteResultNeverReplacesSuccess(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	ok := render.ChunkResult{
		ChunkIndex: 0, State: render.StateSucceeded, Attempt: 1,
		DurationMs: 1200, ArtifactKey: "renders/r-1/artifacts/chunk-00000.mp4",
	}
	if err := store.WriteResult(ctx, "r-1", ok); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	// A duplicate invocation for the same attempt must not clobber the
	// success with its failure.
	dup := render.ChunkResult{ChunkIndex: 0, State: render.StateFailed, Attempt: 1, ErrorMessage: "dup"}
	if err := store.WriteResult(ctx, "r-1", dup); err != nil {
		t.Fatalf("WriteResult duplicate: %v", err)
	}

	_, results, err := store.ReadChunkState(ctx, "r-1")
	if err != nil {
		t.Fatalf("ReadChunkState: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].State != render.StateSucceeded || results[0].ArtifactKey != ok.ArtifactKey {
		t.Fatalf("success was replaced: %+v", results[0])
	}
}

func TestStoreReadChunkStateSplitsRecordTypes(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	for i := 0; i < 3; i++ {
		rec := render.InvokedRecord{ChunkIndex: i, FrameRange: render.FrameRange{Start: i * 10, End: (i + 1) * 10}, Attempt: 1}
		if err := store.WriteInvoked(ctx, "r-2", rec); err != nil {
			t.Fatalf("WriteInvoked: %v", err)
		}
	}
	if err := store.WriteResult(ctx, "r-2", render.ChunkResult{ChunkIndex: 1, State: render.StateSucceeded, Attempt: 1}); err != nil {
		t.Fatalf("WriteResult: %v", err)
	}

	invoked, results, err := store.ReadChunkState(ctx, "r-2")
	if err != nil {
		t.Fatalf("ReadChunkState: %v", err)
	}
	if len(invoked) != 3 {
		t.Errorf("invoked count = %d, want 3", len(invoked))
	}
	if len(results) != 1 || results[0].ChunkIndex != 1 {
		t.Errorf("results = %+v, want single result for chunk 1", results)
	}
}

func TestStoreErrorLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	chunk := 2
	if err := store.AppendError(ctx, "r-3", render.ErrorRecord{ChunkIndex: &chunk, Message: "boom", Fatal: true}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}
	if err := store.AppendError(ctx, "r-3", render.ErrorRecord{Message: "later note"}); err != nil {
		t.Fatalf("AppendError: %v", err)
	}

	recs, err := store.ListErrors(ctx, "r-3")
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 error records, got %d", len(recs))
	}
	if recs[0].Message != "boom" || recs[0].ChunkIndex == nil || *recs[0].ChunkIndex != 2 {
		t.Errorf("first record = %+v, want fatal chunk-2 error first", recs[0])
	}
	if recs[0].Timestamp == 0 {
		t.Errorf("timestamp was not stamped")
	}

	fatal, err := store.HasFatalError(ctx, "r-3")
	if err != nil {
		t.Fatalf("HasFatalError: %v", err)
	}
	if !fatal {
		t.Fatal("expected fatal error to be reported")
	}
}

func TestStoreEncodingProgress(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	if _, started, err := store.ReadEncodingProgress(ctx, "r-4"); err != nil || started {
		t.Fatalf("before stitch: started=%v err=%v, want false nil", started, err)
	}

	if err := store.WriteEncodingProgress(ctx, "r-4", 0); err != nil {
		t.Fatalf("WriteEncodingProgress: %v", err)
	}
	if err := store.WriteEncodingProgress(ctx, "r-4", 192); err != nil {
		t.Fatalf("WriteEncodingProgress: %v", err)
	}

	p, started, err := store.ReadEncodingProgress(ctx, "r-4")
	if err != nil {
		t.Fatalf("ReadEncodingProgress: %v", err)
	}
	if !started || p.FramesEncoded != 192 {
		t.Fatalf("got started=%v frames=%d, want true 192", started, p.FramesEncoded)
	}
}

func TestStoreOutputWriteOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	if _, done, err := store.ReadOutput(ctx, "r-5"); err != nil || done {
		t.Fatalf("before output: done=%v err=%v, want false nil", done, err)
	}

	first := render.Output{OutputFile: "mem://renders-test/renders/r-5/out.mp4", OutKey: "renders/r-5/out.mp4", TimeToFinish: 42000}
	if err := store.WriteOutput(ctx, "r-5", first); err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}

	// A racing duplicate stitcher must not change the recorded output.
	second := render.Output{OutputFile: "other", OutKey: "other", TimeToFinish: 1}
	if err := store.WriteOutput(ctx, "r-5", second); err != nil {
		t.Fatalf("WriteOutput duplicate: %v", err)
	}

	got, done, err := store.ReadOutput(ctx, "r-5")
	if err != nil {
		t.Fatalf("ReadOutput: %v", err)
	}
	if !done || got != first {
		t.Fatalf("output = %+v done=%v, want first record", got, done)
	}
}

func TestStoreRenderSize(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()

	if err := store.PutArtifact(ctx, render.ArtifactKey("r-6", 0, "mp4"), "video/mp4", bytes.NewReader(make([]byte, 100)), 100); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	if err := store.PutArtifact(ctx, render.ArtifactKey("r-6", 1, "mp4"), "video/mp4", bytes.NewReader(make([]byte, 50)), 50); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}
	// Another render's objects must not count.
	if err := store.PutArtifact(ctx, render.ArtifactKey("r-7", 0, "mp4"), "video/mp4", bytes.NewReader(make([]byte, 999)), 999); err != nil {
		t.Fatalf("PutArtifact: %v", err)
	}

	size, err := store.RenderSize(ctx, "r-6")
	if err != nil {
		t.Fatalf("RenderSize: %v", err)
	}
	if size != 150 {
		t.Fatalf("RenderSize = %d, want 150", size)
	}
}

func TestStoreObjectURL(t *testing.T) {
	store, _ := newStore()
	got := store.ObjectURL("renders/r-8/out.mp4")
	want := "mem://renders-test/renders/r-8/out.mp4"
	if got != want {
		t.Fatalf("ObjectURL = %q, want %q", got, want)
	}
}
