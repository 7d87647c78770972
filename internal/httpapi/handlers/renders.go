package handlers

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"kiln/internal/dispatch"
	"kiln/internal/httpkit"
	"kiln/internal/pkg/errors"
	"kiln/internal/ports"
	"kiln/internal/progress"
	"kiln/internal/render"
)

type CreateRenderRequest struct {
	CompositionID           string    `json:"compositionId"`
	Codec                   string    `json:"codec"`
	TotalFrames             int       `json:"totalFrames"`
	Concurrency             int       `json:"concurrency"`
	BucketName              string    `json:"bucketName"`
	UsesOptimizationProfile bool      `json:"usesOptimizationProfile"`
	FrameCostHint           []float64 `json:"frameCostHint"`
}

// PostRender plans and dispatches a render. The response carries the job
// metadata; progress is polled separately via PostProgress.
func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	var req CreateRenderRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, 400, string(errors.CodeValidation), "invalid json body", nil)
		return
	}

	if strings.TrimSpace(req.CompositionID) == "" {
		httpkit.WriteErr(w, 400, string(errors.CodeValidation), "compositionId is required",
			map[string]any{"field": "compositionId"})
		return
	}
	bucket := strings.TrimSpace(req.BucketName)
	if bucket == "" {
		bucket = h.defaultBucket
	}
	if bucket == "" {
		httpkit.WriteErr(w, 400, string(errors.CodeValidation), "bucketName is required",
			map[string]any{"field": "bucketName"})
		return
	}

	job, err := h.dispatcher.DispatchRender(ctx, dispatch.Request{
		BucketName:              bucket,
		CompositionID:           req.CompositionID,
		Codec:                   req.Codec,
		TotalFrames:             req.TotalFrames,
		Concurrency:             req.Concurrency,
		UsesOptimizationProfile: req.UsesOptimizationProfile,
		FrameCostHint:           req.FrameCostHint,
	})
	if err != nil {
		log.Error("render dispatch failed", "error", err.Error())
		httpkit.WriteErr(w, errors.GetHTTPStatus(err), string(errors.GetCode(err)), err.Error(), errors.GetFields(err))
		return
	}

	log.Info("render dispatched", "render_id", job.RenderID, "total_chunks", job.TotalChunks)
	httpkit.WriteJSON(w, 201, map[string]any{
		"renderId":   job.RenderID,
		"bucketName": job.BucketName,
		"job":        job,
	})
}

// PostProgress returns the current progress snapshot for a render. It is a
// POST because the request body carries the full render address.
func (h *Handler) PostProgress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	var req progress.Request
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		httpkit.WriteErr(w, 400, string(errors.CodeValidation), "invalid json body", nil)
		return
	}
	if strings.TrimSpace(req.RenderID) == "" {
		httpkit.WriteErr(w, 400, string(errors.CodeValidation), "renderId is required",
			map[string]any{"field": "renderId"})
		return
	}
	if strings.TrimSpace(req.BucketName) == "" {
		req.BucketName = h.defaultBucket
	}

	snapshot, err := h.aggregator.GetRenderProgress(ctx, req)
	if err != nil {
		if !errors.IsCode(err, errors.CodeNotFound) {
			log.Error("progress read failed", "render_id", req.RenderID, "error", err.Error())
		}
		httpkit.WriteErr(w, errors.GetHTTPStatus(err), string(errors.GetCode(err)), err.Error(), errors.GetFields(err))
		return
	}

	httpkit.WriteJSON(w, 200, snapshot)
}

// StreamOutput streams the stitched artifact of a finished render.
func (h *Handler) StreamOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	renderID := chi.URLParam(r, "renderId")
	bucket := strings.TrimSpace(r.URL.Query().Get("bucketName"))
	if bucket == "" {
		bucket = h.defaultBucket
	}

	store := render.NewStore(h.sp, bucket)
	output, done, err := store.ReadOutput(ctx, renderID)
	if err != nil {
		log.Error("output lookup failed", "render_id", renderID, "error", err.Error())
		httpkit.WriteErr(w, 500, string(errors.CodeInternal), "output lookup failed", nil)
		return
	}
	if !done {
		httpkit.WriteErr(w, 404, string(errors.CodeNotFound), "render has no output yet",
			map[string]any{"render_id": renderID})
		return
	}

	rc, contentType, size, err := h.sp.GetObject(ctx, bucket, output.OutKey)
	if ports.IsNotFound(err) {
		httpkit.WriteErr(w, 404, string(errors.CodeNotFound), "output artifact missing",
			map[string]any{"render_id": renderID})
		return
	}
	if err != nil {
		log.Error("output stream failed", "render_id", renderID, "error", err.Error())
		httpkit.WriteErr(w, 500, string(errors.CodeInternal), "output stream failed", nil)
		return
	}
	defer rc.Close()

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.WriteHeader(200)
	_, _ = io.Copy(w, rc)
}
