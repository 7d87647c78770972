// Package renderer wraps the external rendering engine behind a narrow
// "render one frame range, produce chunk bytes" contract. Engine-internal
// retries of transient errors are its own business and invisible here.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChunkSpec asks the engine for one contiguous frame range.
type ChunkSpec struct {
	CompositionID string `json:"compositionId"`
	Codec         string `json:"codec"`
	StartFrame    int    `json:"startFrame"`
	EndFrame      int    `json:"endFrame"`
}

type Client interface {
	RenderChunk(ctx context.Context, spec ChunkSpec) (io.ReadCloser, error)
}

// HTTPClient talks to a rendering engine over HTTP. The response body is
// the chunk artifact bytes.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Minute},
	}
}

func (c *HTTPClient) RenderChunk(ctx context.Context, spec ChunkSpec) (io.ReadCloser, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, fmt.Errorf("renderer http %d", res.StatusCode)
	}
	return res.Body, nil
}
