package pgblob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"kiln/internal/ports"
)

// Store implements ports.StorageProvider over a single Postgres table.
// It keeps the coordination records in the same database as the rest of
// a deployment's infrastructure when no object store is available.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the backing table if it does not exist. Callers run it
// once at startup.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS blobs (
			bucket       TEXT NOT NULL,
			object_key   TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			data         BYTEA NOT NULL,
			size         BIGINT NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (bucket, object_key)
		)`)
	if err != nil {
		return fmt.Errorf("pgblob migrate failed: %w", err)
	}
	return nil
}

func (s *Store) Provider() string { return "pgblob" }

func (s *Store) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}

	data, err := io.ReadAll(in.Reader)
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("pgblob read payload failed: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO blobs (bucket, object_key, content_type, data, size, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (bucket, object_key)
		DO UPDATE SET content_type = EXCLUDED.content_type,
		              data = EXCLUDED.data,
		              size = EXCLUDED.size,
		              updated_at = now()`,
		in.Bucket, in.ObjectKey, in.ContentType, data, int64(len(data)))
	if err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("pgblob put failed: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: int64(len(data))}, nil
}

func (s *Store) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, string, int64, error) {
	var (
		contentType string
		data        []byte
		size        int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT content_type, data, size
		FROM blobs
		WHERE bucket = $1 AND object_key = $2`,
		bucket, objectKey).Scan(&contentType, &data, &size)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, "", 0, ports.ErrObjectNotFound
	}
	if err != nil {
		return nil, "", 0, fmt.Errorf("pgblob get failed: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), contentType, size, nil
}

func (s *Store) ListObjects(ctx context.Context, bucket, prefix string) ([]ports.ObjectInfo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT object_key, size
		FROM blobs
		WHERE bucket = $1 AND object_key LIKE $2
		ORDER BY object_key`,
		bucket, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("pgblob list failed: %w", err)
	}
	defer rows.Close()

	var out []ports.ObjectInfo
	for rows.Next() {
		var info ports.ObjectInfo
		if err := rows.Scan(&info.ObjectKey, &info.Size); err != nil {
			return nil, fmt.Errorf("pgblob list scan failed: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgblob list failed: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteObject(ctx context.Context, bucket, objectKey string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM blobs WHERE bucket = $1 AND object_key = $2`,
		bucket, objectKey)
	if err != nil {
		return fmt.Errorf("pgblob delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ports.ErrObjectNotFound
	}
	return nil
}

// escapeLike neutralizes LIKE metacharacters so prefixes match literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
