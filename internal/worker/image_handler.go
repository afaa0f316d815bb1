package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"knowledge-pipeline/internal/blob"
	"knowledge-pipeline/internal/genai"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/store"
)

const thumbnailWidth = 512

// styleSuffixes enrich the raw prompt before it reaches the image model.
var styleSuffixes = map[string]string{
	"cyberpunk":  ", cyberpunk aesthetic, neon colors, futuristic, high detail",
	"minimalist": ", minimalist design, clean lines, simple composition, muted palette",
	"abstract":   ", abstract art style, bold shapes, vivid colors, non-representational",
	"realistic":  ", photorealistic, natural lighting, sharp focus",
}

// ImageHandler generates a standalone image product or a product preview.
type ImageHandler struct {
	store    GenerationStore
	images   genai.ImageGenerator
	uploader blob.Uploader
	client   *http.Client
	log      *zap.Logger
}

func NewImageHandler(st GenerationStore, images genai.ImageGenerator, uploader blob.Uploader, log *zap.Logger) *ImageHandler {
	return &ImageHandler{
		store:    st,
		images:   images,
		uploader: uploader,
		client:   &http.Client{Timeout: 60 * time.Second},
		log:      log,
	}
}

type imagePayload struct {
	JobID     string `json:"jobId"`
	UserID    string `json:"userId"`
	Prompt    string `json:"prompt"`
	Style     string `json:"style"`
	Size      string `json:"size"`
	ProductID string `json:"productId"`
}

func (h *ImageHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeImagePayload(job)
	if err != nil {
		return Permanent(err)
	}
	log := h.log.With(zap.String("job_id", payload.JobID), zap.String("style", payload.Style))

	if rec, err := h.store.GetGenerationJob(ctx, payload.JobID); err == nil && rec.Terminal() {
		log.Info("image record already terminal, skipping redelivery", zap.String("status", rec.Status))
		return nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load generation record: %w", err)
	}

	if err := h.store.InsertGenerationJob(ctx, models.GenerationJob{
		ID:     payload.JobID,
		UserID: payload.UserID,
		Type:   "image",
		Prompt: payload.Prompt,
	}); err != nil {
		return err
	}

	result, err := h.produce(ctx, payload, log)
	if err != nil {
		// Keep the record in processing across transient failures so a
		// retried delivery can finish. Only a dead-lettering error marks
		// the record failed.
		if isPermanent(err) || job.Attempts >= job.MaxAttempts {
			if ferr := h.store.FailGenerationJob(ctx, payload.JobID, err.Error()); ferr != nil {
				log.Error("record failure state", zap.Error(ferr))
			}
		}
		return err
	}

	if err := h.store.CompleteGenerationJob(ctx, payload.JobID, result); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn("completion raced a terminal record")
			return nil
		}
		return err
	}
	log.Info("image generation completed", zap.String("image_url", result.ImageURL))
	return nil
}

func (h *ImageHandler) produce(ctx context.Context, payload imagePayload, log *zap.Logger) (models.GenerationResult, error) {
	size := payload.Size
	if size == "" {
		size = "1024x1024"
	}
	sourceURL, err := h.images.Generate(ctx, payload.Prompt+styleSuffixes[payload.Style], size)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("generate image: %w", err)
	}

	raw, err := h.download(ctx, sourceURL)
	if err != nil {
		return models.GenerationResult{}, err
	}

	imageURL, err := h.uploader.Upload(ctx, fmt.Sprintf("%s/images/%s.png", payload.UserID, payload.JobID), raw, "image/png")
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("upload image: %w", err)
	}

	previewURL := imageURL
	if thumb, err := h.thumbnail(raw); err != nil {
		log.Warn("thumbnail generation failed, reusing original", zap.Error(err))
	} else {
		url, err := h.uploader.Upload(ctx, fmt.Sprintf("%s/images/%s_thumb.png", payload.UserID, payload.JobID), thumb, "image/png")
		if err != nil {
			return models.GenerationResult{}, fmt.Errorf("upload thumbnail: %w", err)
		}
		previewURL = url
	}

	if payload.ProductID != "" {
		if err := h.store.UpdateProductPreview(ctx, payload.ProductID, payload.UserID, previewURL); err != nil {
			return models.GenerationResult{}, fmt.Errorf("attach preview to product: %w", err)
		}
	}

	return models.GenerationResult{ImageURL: imageURL, PreviewImage: previewURL}, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read image body: %w", err)
	}
	return raw, nil
}

func (h *ImageHandler) thumbnail(raw []byte) ([]byte, error) {
	src, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	resized := imaging.Resize(src, thumbnailWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := png.Encode(&buf, resized); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImagePayload(job models.Job) (imagePayload, error) {
	var payload imagePayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}
	if payload.UserID == "" {
		return payload, errors.New("userId is required")
	}
	if payload.Prompt == "" {
		return payload, errors.New("prompt is required")
	}
	return payload, nil
}
