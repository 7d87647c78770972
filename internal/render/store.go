package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiln/internal/ports"
)

// Store is the access layer for render state in one bucket. It is purely a
// codec over the storage provider: no caching, no locking, no state of its
// own, so it is safe to construct per call.
type Store struct {
	sp     ports.StorageProvider
	bucket string
}

func NewStore(sp ports.StorageProvider, bucket string) *Store {
	return &Store{sp: sp, bucket: bucket}
}

func (s *Store) Bucket() string { return s.bucket }

// ObjectURL returns a resolvable location for a stored object.
func (s *Store) ObjectURL(objectKey string) string {
	return fmt.Sprintf("%s://%s/%s", s.sp.Provider(), s.bucket, objectKey)
}

// WriteJob persists the immutable render metadata. Called exactly once, by
// the dispatcher, before any chunk is invoked.
func (s *Store) WriteJob(ctx context.Context, job Job) error {
	return s.putJSON(ctx, jobKey(job.RenderID), job)
}

func (s *Store) ReadJob(ctx context.Context, renderID string) (Job, error) {
	var job Job
	err := s.getJSON(ctx, jobKey(renderID), &job)
	return job, err
}

// WriteInvoked records one invocation attempt. The key is attempt-scoped so
// re-dispatch after a transient failure appends rather than overwrites.
func (s *Store) WriteInvoked(ctx context.Context, renderID string, rec InvokedRecord) error {
	return s.putJSON(ctx, invokedKey(renderID, rec.ChunkIndex, rec.Attempt), rec)
}

// WriteResult records a terminal chunk result. A succeeded result already
// present at the key is never replaced, which makes worker re-invocation
// idempotent.
func (s *Store) WriteResult(ctx context.Context, renderID string, res ChunkResult) error {
	key := resultKey(renderID, res.ChunkIndex, res.Attempt)

	var existing ChunkResult
	err := s.getJSON(ctx, key, &existing)
	if err == nil && existing.State == StateSucceeded {
		return nil
	}
	if err != nil && !ports.IsNotFound(err) {
		return err
	}

	return s.putJSON(ctx, key, res)
}

// ReadChunkState reads every invocation record and terminal result under
// the render. Missing chunks simply do not appear; the caller reconciles
// with MergeChunkState.
func (s *Store) ReadChunkState(ctx context.Context, renderID string) ([]InvokedRecord, []ChunkResult, error) {
	objects, err := s.sp.ListObjects(ctx, s.bucket, chunksPrefix(renderID))
	if err != nil {
		return nil, nil, fmt.Errorf("list chunk records: %w", err)
	}

	var invoked []InvokedRecord
	var results []ChunkResult
	for _, obj := range objects {
		switch {
		case strings.Contains(obj.ObjectKey, "/invoked-"):
			var rec InvokedRecord
			if err := s.getJSON(ctx, obj.ObjectKey, &rec); err != nil {
				if ports.IsNotFound(err) {
					continue
				}
				return nil, nil, err
			}
			invoked = append(invoked, rec)
		case strings.Contains(obj.ObjectKey, "/result-"):
			var res ChunkResult
			if err := s.getJSON(ctx, obj.ObjectKey, &res); err != nil {
				if ports.IsNotFound(err) {
					continue
				}
				return nil, nil, err
			}
			results = append(results, res)
		}
	}
	return invoked, results, nil
}

// AppendError adds one record to the append-only error log. Records are
// never modified or removed.
func (s *Store) AppendError(ctx context.Context, renderID string, rec ErrorRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	suffix := uuid.NewString()[:8]
	return s.putJSON(ctx, errorKey(renderID, time.Now().UnixNano(), suffix), rec)
}

// ListErrors returns the error log in append order.
func (s *Store) ListErrors(ctx context.Context, renderID string) ([]ErrorRecord, error) {
	objects, err := s.sp.ListObjects(ctx, s.bucket, errorsPrefix(renderID))
	if err != nil {
		return nil, fmt.Errorf("list errors: %w", err)
	}

	recs := make([]ErrorRecord, 0, len(objects))
	for _, obj := range objects {
		var rec ErrorRecord
		if err := s.getJSON(ctx, obj.ObjectKey, &rec); err != nil {
			if ports.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// HasFatalError reports whether any error record is fatal.
func (s *Store) HasFatalError(ctx context.Context, renderID string) (bool, error) {
	recs, err := s.ListErrors(ctx, renderID)
	if err != nil {
		return false, err
	}
	for _, rec := range recs {
		if rec.Fatal {
			return true, nil
		}
	}
	return false, nil
}

// WriteEncodingProgress updates the stitcher's frames-encoded counter.
func (s *Store) WriteEncodingProgress(ctx context.Context, renderID string, framesEncoded int) error {
	return s.putJSON(ctx, encodingProgressKey(renderID), EncodingProgress{FramesEncoded: framesEncoded})
}

// ReadEncodingProgress returns the counter and whether stitching has begun.
func (s *Store) ReadEncodingProgress(ctx context.Context, renderID string) (EncodingProgress, bool, error) {
	var p EncodingProgress
	err := s.getJSON(ctx, encodingProgressKey(renderID), &p)
	if ports.IsNotFound(err) {
		return EncodingProgress{}, false, nil
	}
	if err != nil {
		return EncodingProgress{}, false, err
	}
	return p, true, nil
}

// WriteOutput marks the render done. If an output record already exists the
// call is a no-op, so a racing duplicate stitcher cannot change the result.
func (s *Store) WriteOutput(ctx context.Context, renderID string, out Output) error {
	if _, ok, err := s.ReadOutput(ctx, renderID); err != nil {
		return err
	} else if ok {
		return nil
	}
	return s.putJSON(ctx, outputRecordKey(renderID), out)
}

// ReadOutput returns the completion record and whether the render is done.
func (s *Store) ReadOutput(ctx context.Context, renderID string) (Output, bool, error) {
	var out Output
	err := s.getJSON(ctx, outputRecordKey(renderID), &out)
	if ports.IsNotFound(err) {
		return Output{}, false, nil
	}
	if err != nil {
		return Output{}, false, err
	}
	return out, true, nil
}

// PutArtifact uploads chunk or final video bytes.
func (s *Store) PutArtifact(ctx context.Context, objectKey, contentType string, r io.Reader, size int64) error {
	_, err := s.sp.PutObject(ctx, ports.PutObjectInput{
		Bucket:      s.bucket,
		ObjectKey:   objectKey,
		ContentType: contentType,
		Reader:      r,
		Size:        size,
	})
	if err != nil {
		return fmt.Errorf("put artifact %s: %w", objectKey, err)
	}
	return nil
}

// GetArtifact opens a stored artifact for reading.
func (s *Store) GetArtifact(ctx context.Context, objectKey string) (io.ReadCloser, int64, error) {
	rc, _, size, err := s.sp.GetObject(ctx, s.bucket, objectKey)
	if err != nil {
		return nil, 0, err
	}
	return rc, size, nil
}

// RenderSize sums the byte sizes of every object written under the render
// namespace so far.
func (s *Store) RenderSize(ctx context.Context, renderID string) (int64, error) {
	objects, err := s.sp.ListObjects(ctx, s.bucket, Prefix(renderID))
	if err != nil {
		return 0, fmt.Errorf("list render objects: %w", err)
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	return total, nil
}

func (s *Store) putJSON(ctx context.Context, objectKey string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", objectKey, err)
	}
	_, err = s.sp.PutObject(ctx, ports.PutObjectInput{
		Bucket:      s.bucket,
		ObjectKey:   objectKey,
		ContentType: "application/json",
		Reader:      bytes.NewReader(data),
		Size:        int64(len(data)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", objectKey, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, objectKey string, v any) error {
	rc, _, _, err := s.sp.GetObject(ctx, s.bucket, objectKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", objectKey, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", objectKey, err)
	}
	return nil
}
