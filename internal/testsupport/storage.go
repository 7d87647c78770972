// Package testsupport provides shared helpers for kiln tests.
package testsupport

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"kiln/internal/ports"
)

type memObject struct {
	data        []byte
	contentType string
}

// MemStorage is an in-memory ports.StorageProvider for tests. It is safe
// for concurrent use and supports injected failures per operation.
type MemStorage struct {
	mu      sync.Mutex
	objects map[string]memObject

	// PutErr, GetErr and ListErr, when set, fail the corresponding call.
	PutErr  error
	GetErr  error
	ListErr error
}

func NewMemStorage() *MemStorage {
	return &MemStorage{objects: make(map[string]memObject)}
}

func (m *MemStorage) Provider() string { return "mem" }

func (m *MemStorage) key(bucket, objectKey string) string {
	return bucket + "\x00" + objectKey
}

func (m *MemStorage) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PutErr != nil {
		return ports.PutObjectOutput{}, m.PutErr
	}

	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	m.objects[m.key(in.Bucket, in.ObjectKey)] = memObject{data: data, contentType: in.ContentType}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (m *MemStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, "", 0, m.GetErr
	}

	obj, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return nil, "", 0, ports.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.contentType, int64(len(obj.data)), nil
}

func (m *MemStorage) ListObjects(ctx context.Context, bucket, prefix string) ([]ports.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}

	marker := bucket + "\x00"
	var out []ports.ObjectInfo
	for k, obj := range m.objects {
		if !strings.HasPrefix(k, marker) {
			continue
		}
		objectKey := strings.TrimPrefix(k, marker)
		if strings.HasPrefix(objectKey, prefix) {
			out = append(out, ports.ObjectInfo{ObjectKey: objectKey, Size: int64(len(obj.data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out, nil
}

func (m *MemStorage) DeleteObject(ctx context.Context, bucket, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, m.key(bucket, objectKey))
	return nil
}

// Raw returns the stored bytes for a key, or nil when absent.
func (m *MemStorage) Raw(bucket, objectKey string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[m.key(bucket, objectKey)]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.data...)
}

// Count returns how many objects exist under a prefix.
func (m *MemStorage) Count(bucket, prefix string) int {
	infos, _ := m.ListObjects(context.Background(), bucket, prefix)
	return len(infos)
}
