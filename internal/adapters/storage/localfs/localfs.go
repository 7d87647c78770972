package localfs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"kiln/internal/ports"
)

// LocalFS implements ports.StorageProvider on the local filesystem. A
// bucket is a directory under the configured root; object keys map to
// slash-separated paths below it. Useful for development and as the worker
// scratch store in single-host deployments.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) path(bucket, objectKey string) string {
	return filepath.Join(l.root, bucket, filepath.FromSlash(objectKey))
}

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	dst := l.path(in.Bucket, in.ObjectKey)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, err
	}

	// Write to a temp file and rename so readers never observe a partial
	// object.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return ports.PutObjectOutput{}, err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return ports.PutObjectOutput{}, err
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

func (l *LocalFS) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, string, int64, error) {
	f, err := os.Open(l.path(bucket, objectKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", 0, ports.ErrObjectNotFound
		}
		return nil, "", 0, err
	}

	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	return f, "", size, nil
}

func (l *LocalFS) ListObjects(ctx context.Context, bucket, prefix string) ([]ports.ObjectInfo, error) {
	bucketRoot := filepath.Join(l.root, bucket)

	var out []ports.ObjectInfo
	err := filepath.WalkDir(bucketRoot, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}

		rel, err := filepath.Rel(bucketRoot, p)
		if err != nil {
			return err
		}
		objectKey := filepath.ToSlash(rel)
		if !strings.HasPrefix(objectKey, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ports.ObjectInfo{ObjectKey: objectKey, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ObjectKey < out[j].ObjectKey })
	return out, nil
}

func (l *LocalFS) DeleteObject(ctx context.Context, bucket, objectKey string) error {
	return os.Remove(l.path(bucket, objectKey))
}
