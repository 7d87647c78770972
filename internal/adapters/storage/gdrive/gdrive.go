package gdrive

import (
	"context"
	"fmt"
	"io"
	"strings"

	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"kiln/internal/ports"
)

// Client implements ports.StorageProvider backed by Google Drive. Objects
// are addressed by name ("bucket/objectKey") inside one Drive folder so
// the key-based coordination scheme works unchanged; the Drive fileId
// stays an internal detail.
type Client struct {
	srv      *drive.Service
	folderID string
}

func NewClient(srv *drive.Service, folderID string) *Client {
	return &Client{srv: srv, folderID: folderID}
}

func (c *Client) Provider() string { return "gdrive" }

func (c *Client) name(bucket, objectKey string) string {
	return bucket + "/" + objectKey
}

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	if in.ObjectKey == "" {
		return ports.PutObjectOutput{}, fmt.Errorf("object_key is required")
	}
	name := c.name(in.Bucket, in.ObjectKey)

	// Same-name upload replaces content so record overwrites behave like a
	// real object store.
	existingID, err := c.findID(ctx, name)
	if err != nil && !ports.IsNotFound(err) {
		return ports.PutObjectOutput{}, err
	}

	if existingID != "" {
		call := c.srv.Files.Update(existingID, &drive.File{})
		if in.ContentType != "" {
			call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
		} else {
			call = call.Media(in.Reader)
		}
		if _, err := call.Context(ctx).Do(); err != nil {
			return ports.PutObjectOutput{}, fmt.Errorf("gdrive update failed: %w", err)
		}
		return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: in.Size}, nil
	}

	file := &drive.File{Name: name}
	if c.folderID != "" {
		file.Parents = []string{c.folderID}
	}
	call := c.srv.Files.Create(file)
	if in.ContentType != "" {
		call = call.Media(in.Reader, googleapi.ContentType(in.ContentType))
	} else {
		call = call.Media(in.Reader)
	}
	if _, err := call.Context(ctx).Do(); err != nil {
		return ports.PutObjectOutput{}, fmt.Errorf("gdrive upload failed: %w", err)
	}
	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: in.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, string, int64, error) {
	id, err := c.findID(ctx, c.name(bucket, objectKey))
	if err != nil {
		return nil, "", 0, err
	}

	resp, err := c.srv.Files.Get(id).
		SupportsAllDrives(true).
		Context(ctx).
		Download()
	if err != nil {
		return nil, "", 0, err
	}
	return resp.Body, resp.Header.Get("Content-Type"), resp.ContentLength, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ports.ObjectInfo, error) {
	namePrefix := c.name(bucket, prefix)

	// Drive queries have no prefix operator; "contains" narrows the result
	// set and the real prefix check happens client-side.
	q := fmt.Sprintf("name contains '%s' and trashed = false", escapeQuery(namePrefix))
	if c.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(c.folderID))
	}

	var out []ports.ObjectInfo
	pageToken := ""
	for {
		call := c.srv.Files.List().
			Q(q).
			Fields("nextPageToken, files(id, name, size)").
			PageSize(1000).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("gdrive list failed: %w", err)
		}

		for _, f := range res.Files {
			if !strings.HasPrefix(f.Name, namePrefix) {
				continue
			}
			out = append(out, ports.ObjectInfo{
				ObjectKey: strings.TrimPrefix(f.Name, bucket+"/"),
				Size:      f.Size,
			})
		}

		if res.NextPageToken == "" {
			return out, nil
		}
		pageToken = res.NextPageToken
	}
}

func (c *Client) DeleteObject(ctx context.Context, bucket, objectKey string) error {
	id, err := c.findID(ctx, c.name(bucket, objectKey))
	if err != nil {
		return err
	}
	return c.srv.Files.Delete(id).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
}

func (c *Client) findID(ctx context.Context, name string) (string, error) {
	q := fmt.Sprintf("name = '%s' and trashed = false", escapeQuery(name))
	if c.folderID != "" {
		q += fmt.Sprintf(" and '%s' in parents", escapeQuery(c.folderID))
	}

	res, err := c.srv.Files.List().
		Q(q).
		Fields("files(id)").
		PageSize(1).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gdrive lookup failed: %w", err)
	}
	if len(res.Files) == 0 {
		return "", ports.ErrObjectNotFound
	}
	return res.Files[0].Id, nil
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}
