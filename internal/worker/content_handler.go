package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"knowledge-pipeline/internal/blob"
	"knowledge-pipeline/internal/course"
	"knowledge-pipeline/internal/docgen"
	"knowledge-pipeline/internal/genai"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/store"
)

// Formats turn into ebooks and courses get the long-form model; everything
// else is short enough for the fast one.
const longFormLengthThreshold = 2000

// placeholderPreviewURL substitutes for a failed preview-image generation.
const placeholderPreviewURL = "https://via.placeholder.com/1024x1024.png?text=Knowledge+Product"

// GenerationStore is the persistence surface of the generation handlers.
type GenerationStore interface {
	InsertGenerationJob(ctx context.Context, job models.GenerationJob) error
	GetGenerationJob(ctx context.Context, id string) (models.GenerationJob, error)
	CompleteGenerationJob(ctx context.Context, id string, result models.GenerationResult) error
	FailGenerationJob(ctx context.Context, id, message string) error
	CreateProduct(ctx context.Context, p models.Product) (models.Product, error)
	UpdateProductPreview(ctx context.Context, id, userID, previewURL string) error
}

// ContentHandler turns a prompt into a finished knowledge product.
type ContentHandler struct {
	store      GenerationStore
	fastText   genai.TextGenerator
	longText   genai.TextGenerator
	images     genai.ImageGenerator
	uploader   blob.Uploader
	priceCents int
	log        *zap.Logger
}

func NewContentHandler(st GenerationStore, fastText, longText genai.TextGenerator, images genai.ImageGenerator, uploader blob.Uploader, priceCents int, log *zap.Logger) *ContentHandler {
	return &ContentHandler{
		store:      st,
		fastText:   fastText,
		longText:   longText,
		images:     images,
		uploader:   uploader,
		priceCents: priceCents,
		log:        log,
	}
}

type contentPayload struct {
	JobID    string `json:"jobId"`
	UserID   string `json:"userId"`
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
	Format   string `json:"format"`
	Length   int    `json:"length"`
}

// Handle runs one content-generation delivery.
func (h *ContentHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeContentPayload(job)
	if err != nil {
		return Permanent(err)
	}
	log := h.log.With(zap.String("job_id", payload.JobID), zap.String("format", payload.Format))

	// Redelivery of a finished run is a no-op: the record is the
	// idempotency marker.
	if rec, err := h.store.GetGenerationJob(ctx, payload.JobID); err == nil && rec.Terminal() {
		log.Info("generation record already terminal, skipping redelivery", zap.String("status", rec.Status))
		return nil
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load generation record: %w", err)
	}

	if err := h.store.InsertGenerationJob(ctx, models.GenerationJob{
		ID:       payload.JobID,
		UserID:   payload.UserID,
		Type:     "content",
		Prompt:   payload.Prompt,
		Category: payload.Category,
		Format:   payload.Format,
	}); err != nil {
		return err
	}

	result, err := h.produce(ctx, payload, log)
	if err != nil {
		// A transient failure leaves the record in processing so the
		// retried delivery can finish the work. Only an error that is
		// about to dead-letter lands the record in failed.
		if isPermanent(err) || job.Attempts >= job.MaxAttempts {
			if ferr := h.store.FailGenerationJob(ctx, payload.JobID, err.Error()); ferr != nil {
				log.Error("record failure state", zap.Error(ferr))
			}
		}
		return err
	}

	if err := h.store.CompleteGenerationJob(ctx, payload.JobID, result); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			// Another delivery finished first; the earlier result stands.
			log.Warn("completion raced a terminal record")
			return nil
		}
		return err
	}
	log.Info("content generation completed", zap.String("product_id", result.ProductID))
	return nil
}

func (h *ContentHandler) produce(ctx context.Context, payload contentPayload, log *zap.Logger) (models.GenerationResult, error) {
	generator := h.selectGenerator(payload.Format, payload.Length)
	content, err := generator.Generate(ctx,
		contentSystemPrompt(payload.Format, payload.Category),
		fmt.Sprintf("Create a high-quality %s based on this prompt: %s", formatOrDefault(payload.Format), payload.Prompt),
		maxTokensFor(payload.Format, payload.Length),
		0.7,
	)
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("generate content: %w", err)
	}

	title := h.generateTitle(ctx, content, payload.Category, log)

	contentURL, err := h.renderAndUpload(ctx, payload, title, content)
	if err != nil {
		return models.GenerationResult{}, err
	}

	previewURL := h.generatePreview(ctx, payload, title, log)

	product, err := h.store.CreateProduct(ctx, models.Product{
		ID:           uuid.New().String(),
		UserID:       payload.UserID,
		Title:        title,
		Description:  truncate(payload.Prompt, 200),
		ContentURL:   contentURL,
		PreviewImage: previewURL,
		PriceCents:   h.priceCents,
		IsActive:     true,
	})
	if err != nil {
		return models.GenerationResult{}, fmt.Errorf("create product: %w", err)
	}

	return models.GenerationResult{
		Title:        title,
		ContentURL:   contentURL,
		PreviewImage: previewURL,
		ProductID:    product.ID,
	}, nil
}

// selectGenerator applies the threshold policy: long-form model for ebooks,
// courses, and anything past the length threshold; fast model otherwise.
// This is a simple threshold, not a cost optimizer.
func (h *ContentHandler) selectGenerator(format string, length int) genai.TextGenerator {
	if format == "ebook" || format == "course" || length > longFormLengthThreshold {
		return h.longText
	}
	return h.fastText
}

// generateTitle asks the fast model for a title from the opening of the
// content, masking failure with a dated placeholder.
func (h *ContentHandler) generateTitle(ctx context.Context, content, category string, log *zap.Logger) string {
	system := fmt.Sprintf("You are an expert copywriter specializing in creating engaging titles for %s content. Generate a single, catchy, and SEO-friendly title under 60 characters. Return ONLY the title with no additional text or formatting.", categoryOrDefault(category))
	title, err := h.fastText.Generate(ctx, system, "Create a title for this content:\n\n"+truncate(content, 1000), 50, 0.7)
	if err != nil {
		log.Warn("title generation failed, using fallback", zap.Error(err))
		return "Knowledge Product - " + time.Now().Format("January 2, 2006")
	}
	return strings.Trim(strings.TrimSpace(title), `"'`)
}

// renderAndUpload applies format-specific post-processing and stores the
// artifact under {userID}/{jobID}.{ext}.
func (h *ContentHandler) renderAndUpload(ctx context.Context, payload contentPayload, title, content string) (string, error) {
	var (
		body        []byte
		ext         string
		contentType string
	)
	switch payload.Format {
	case "ebook":
		pdf, err := docgen.RenderEbook(docgen.EbookInfo{
			Title:     title,
			Category:  payload.Category,
			CreatedAt: time.Now(),
		}, content)
		if err != nil {
			return "", err
		}
		body, ext, contentType = pdf, "pdf", "application/pdf"
	case "course":
		parsed := course.Parse(title, content)
		js, err := json.Marshal(parsed)
		if err != nil {
			return "", fmt.Errorf("marshal course: %w", err)
		}
		body, ext, contentType = js, "json", "application/json"
	default:
		body, ext, contentType = []byte(content), "txt", "text/plain"
	}

	url, err := h.uploader.Upload(ctx, fmt.Sprintf("%s/%s.%s", payload.UserID, payload.JobID, ext), body, contentType)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return url, nil
}

// generatePreview derives a cover prompt and masks failure with a static
// placeholder rather than failing the run.
func (h *ContentHandler) generatePreview(ctx context.Context, payload contentPayload, title string, log *zap.Logger) string {
	prompt := fmt.Sprintf("Create a professional cover image for a %s titled %q about %s",
		formatOrDefault(payload.Format), title, categoryOrDefault(payload.Category))
	url, err := h.images.Generate(ctx, prompt, "1024x1024")
	if err != nil {
		log.Warn("preview image generation failed, using placeholder", zap.Error(err))
		return placeholderPreviewURL
	}
	return url
}

func decodeContentPayload(job models.Job) (contentPayload, error) {
	var payload contentPayload
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

func contentSystemPrompt(format, category string) string {
	var b strings.Builder
	b.WriteString("You are an expert content creator specializing in transforming ideas into valuable knowledge products.")
	switch format {
	case "ebook":
		b.WriteString(" Create a well-structured eBook with chapters, headings, and a cohesive narrative. Use markdown formatting.")
	case "course":
		b.WriteString(" Create a structured mini-course with modules, lessons, and actionable exercises. Use markdown formatting.")
	case "script":
		b.WriteString(" Create a script suitable for a video or podcast, with clear sections and talking points.")
	case "summary":
		b.WriteString(" Create a concise yet comprehensive summary that captures the key points and insights.")
	case "guide":
		b.WriteString(" Create a practical guide with clear steps, tips, and actionable advice.")
	}
	if category != "" {
		fmt.Fprintf(&b, " Focus on %s topics and insights.", category)
	}
	return b.String()
}

func maxTokensFor(format string, length int) int {
	if format == "ebook" || format == "course" || length > longFormLengthThreshold {
		return 4000
	}
	return 2000
}

func formatOrDefault(format string) string {
	if format == "" {
		return "knowledge product"
	}
	return format
}

func categoryOrDefault(category string) string {
	if category == "" {
		return "knowledge sharing"
	}
	return category
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
