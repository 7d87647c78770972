package ports

import (
	"context"
	"errors"
	"io"
)

// ErrObjectNotFound is returned by GetObject when the key does not exist in
// the bucket. Callers use it to distinguish "not written yet" from real
// storage failures.
var ErrObjectNotFound = errors.New("object not found")

// IsNotFound reports whether err indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

type PutObjectInput struct {
	Bucket      string
	ObjectKey   string
	ContentType string
	Reader      io.Reader
	Size        int64
}

type PutObjectOutput struct {
	ObjectKey string
	Size      int64
}

// ObjectInfo describes one stored object as seen by ListObjects.
type ObjectInfo struct {
	ObjectKey string
	Size      int64
}

// StorageProvider is the blob-store contract every component coordinates
// through: implementations (localfs, gdrive, pgblob, ...) provide durable
// put/get/list over named buckets and nothing else. All render coordination
// is encoded in key naming and record content, never in the provider.
type StorageProvider interface {
	Provider() string

	PutObject(ctx context.Context, in PutObjectInput) (PutObjectOutput, error)
	GetObject(ctx context.Context, bucket, objectKey string) (rc io.ReadCloser, contentType string, size int64, err error)
	ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, objectKey string) error
}
