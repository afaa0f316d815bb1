package worker

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/genai"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/store"
)

type genStore struct {
	records  map[string]*models.GenerationJob
	products map[string]models.Product
	previews map[string]string
}

func newGenStore() *genStore {
	return &genStore{
		records:  map[string]*models.GenerationJob{},
		products: map[string]models.Product{},
		previews: map[string]string{},
	}
}

func (s *genStore) InsertGenerationJob(ctx context.Context, job models.GenerationJob) error {
	if _, ok := s.records[job.ID]; ok {
		return nil
	}
	job.Status = models.GenerationProcessing
	s.records[job.ID] = &job
	return nil
}
func (s *genStore) GetGenerationJob(ctx context.Context, id string) (models.GenerationJob, error) {
	rec, ok := s.records[id]
	if !ok {
		return models.GenerationJob{}, store.ErrNotFound
	}
	return *rec, nil
}
func (s *genStore) CompleteGenerationJob(ctx context.Context, id string, result models.GenerationResult) error {
	rec, ok := s.records[id]
	if !ok || rec.Terminal() {
		return store.ErrStaleTransition
	}
	rec.Status = models.GenerationCompleted
	rec.Result = &result
	return nil
}
func (s *genStore) FailGenerationJob(ctx context.Context, id, message string) error {
	rec, ok := s.records[id]
	if !ok || rec.Terminal() {
		return store.ErrStaleTransition
	}
	rec.Status = models.GenerationFailed
	rec.Error = &message
	return nil
}
func (s *genStore) CreateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	s.products[p.ID] = p
	return p, nil
}
func (s *genStore) UpdateProductPreview(ctx context.Context, id, userID, previewURL string) error {
	if _, ok := s.products[id]; !ok {
		return store.ErrNotFound
	}
	s.previews[id] = previewURL
	return nil
}

type stubTextGen struct {
	name    string
	out     string
	err     error
	calls   int
	prompts []string
}

func (g *stubTextGen) Generate(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	g.calls++
	g.prompts = append(g.prompts, user)
	if g.err != nil {
		return "", g.err
	}
	return g.out, nil
}

type stubImageGen struct {
	url   string
	err   error
	calls int
}

func (g *stubImageGen) Generate(ctx context.Context, prompt, size string) (string, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.url, nil
}

type stubUploader struct {
	keys  []string
	types []string
}

func (u *stubUploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	u.keys = append(u.keys, key)
	u.types = append(u.types, contentType)
	return "https://assets.test/" + key, nil
}

func contentJob(id string, payload map[string]any) models.Job {
	return models.Job{ID: id, Kind: models.KindContentGeneration, Payload: payload, MaxAttempts: 3, Attempts: 1}
}

func TestContentHandlerShortFormUsesFastModel(t *testing.T) {
	st := newGenStore()
	fast := &stubTextGen{name: "fast", out: "Generated summary content."}
	long := &stubTextGen{name: "long", out: "long output"}
	images := &stubImageGen{url: "https://cdn.test/cover.png"}
	up := &stubUploader{}
	h := NewContentHandler(st, fast, long, images, up, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-1", map[string]any{
		"userId":   "user-1",
		"prompt":   "summarize distributed consensus",
		"format":   "summary",
		"length":   500,
		"category": "technology",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if long.calls != 0 {
		t.Fatalf("long-form model used for short job")
	}
	// One call for the content, one for the title.
	if fast.calls != 2 {
		t.Fatalf("fast model calls %d want 2", fast.calls)
	}

	rec := st.records["job-1"]
	if rec.Status != models.GenerationCompleted {
		t.Fatalf("record status %q", rec.Status)
	}
	if rec.Result == nil || rec.Result.ProductID == "" {
		t.Fatalf("result missing product: %+v", rec.Result)
	}
	if !strings.HasSuffix(rec.Result.ContentURL, ".txt") {
		t.Fatalf("short-form artifact %q want .txt", rec.Result.ContentURL)
	}
	product, ok := st.products[rec.Result.ProductID]
	if !ok {
		t.Fatalf("product row missing")
	}
	if !product.IsActive || product.PriceCents != 999 {
		t.Fatalf("product defaults wrong: %+v", product)
	}
}

func TestContentHandlerEbookUsesLongModelAndPDF(t *testing.T) {
	st := newGenStore()
	fast := &stubTextGen{out: "The Art of Focus"}
	long := &stubTextGen{out: "# Chapter 1\n\nDeep work matters.\n\n# Chapter 2\n\nMore depth."}
	h := NewContentHandler(st, fast, long, &stubImageGen{url: "https://cdn.test/c.png"}, &stubUploader{}, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-2", map[string]any{
		"userId": "user-1",
		"prompt": "a book on focus",
		"format": "ebook",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if long.calls != 1 {
		t.Fatalf("long model calls %d want 1", long.calls)
	}
	rec := st.records["job-2"]
	if !strings.HasSuffix(rec.Result.ContentURL, ".pdf") {
		t.Fatalf("ebook artifact %q want .pdf", rec.Result.ContentURL)
	}
}

func TestContentHandlerTitleFallback(t *testing.T) {
	st := newGenStore()
	// First call (content) succeeds, second call (title) fails.
	fast := &stubTextGen{out: "content"}
	calls := 0
	titleFail := textGenFunc(func(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
		calls++
		if calls == 1 {
			return "guide content", nil
		}
		return "", errors.New("rate limited")
	})
	h := NewContentHandler(st, titleFail, fast, &stubImageGen{url: "u"}, &stubUploader{}, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-3", map[string]any{
		"userId": "user-1",
		"prompt": "short guide",
		"format": "guide",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	title := st.records["job-3"].Result.Title
	if !strings.HasPrefix(title, "Knowledge Product - ") {
		t.Fatalf("fallback title %q", title)
	}
}

type textGenFunc func(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error)

func (f textGenFunc) Generate(ctx context.Context, system, user string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, system, user, maxTokens, temperature)
}

func TestContentHandlerPreviewFallback(t *testing.T) {
	st := newGenStore()
	fast := &stubTextGen{out: "text"}
	h := NewContentHandler(st, fast, fast, &stubImageGen{err: errors.New("image provider down")}, &stubUploader{}, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-4", map[string]any{
		"userId": "user-1",
		"prompt": "anything",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := st.records["job-4"].Result.PreviewImage; got != placeholderPreviewURL {
		t.Fatalf("preview %q want placeholder", got)
	}
}

func TestContentHandlerSkipsTerminalRecord(t *testing.T) {
	st := newGenStore()
	st.records["job-5"] = &models.GenerationJob{ID: "job-5", Status: models.GenerationCompleted}
	fast := &stubTextGen{out: "text"}
	h := NewContentHandler(st, fast, fast, &stubImageGen{url: "u"}, &stubUploader{}, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-5", map[string]any{
		"userId": "user-1",
		"prompt": "anything",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if fast.calls != 0 {
		t.Fatalf("redelivery of completed job called the model")
	}
}

func TestContentHandlerFailureMarksRecord(t *testing.T) {
	st := newGenStore()
	failing := &stubTextGen{err: errors.New("provider exploded")}
	h := NewContentHandler(st, failing, failing, &stubImageGen{url: "u"}, &stubUploader{}, 999, zap.NewNop())

	job := contentJob("job-6", map[string]any{
		"userId": "user-1",
		"prompt": "anything",
	})
	job.Attempts = job.MaxAttempts
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error")
	}
	rec := st.records["job-6"]
	if rec.Status != models.GenerationFailed {
		t.Fatalf("record status %q want failed", rec.Status)
	}
	if rec.Error == nil || !strings.Contains(*rec.Error, "provider exploded") {
		t.Fatalf("record error %v", rec.Error)
	}
}

func TestContentHandlerTransientFailureRetriesToCompletion(t *testing.T) {
	st := newGenStore()
	gen := &stubTextGen{out: "recovered body", err: &genai.RetryableError{
		Provider:   "openai",
		StatusCode: 429,
		Err:        errors.New("rate limited"),
	}}
	h := NewContentHandler(st, gen, gen, &stubImageGen{url: "preview"}, &stubUploader{}, 999, zap.NewNop())

	job := contentJob("job-7", map[string]any{
		"userId": "user-1",
		"prompt": "a short guide",
	})
	if err := h.Handle(context.Background(), job); err == nil {
		t.Fatalf("expected transient error on first delivery")
	}
	rec := st.records["job-7"]
	if rec.Status != models.GenerationProcessing {
		t.Fatalf("record status %q after transient failure, want processing", rec.Status)
	}

	gen.err = nil
	job.Attempts = 2
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	rec = st.records["job-7"]
	if rec.Status != models.GenerationCompleted {
		t.Fatalf("record status %q want completed", rec.Status)
	}
	if rec.Result == nil || rec.Result.ProductID == "" {
		t.Fatalf("completed record missing result: %+v", rec.Result)
	}
	// Delivery 1 fails on the content call; delivery 2 generates content
	// and a title.
	if gen.calls != 3 {
		t.Fatalf("generator calls %d want 3", gen.calls)
	}
}

func TestContentHandlerRejectsMissingPrompt(t *testing.T) {
	st := newGenStore()
	fast := &stubTextGen{out: "x"}
	h := NewContentHandler(st, fast, fast, &stubImageGen{url: "u"}, &stubUploader{}, 999, zap.NewNop())

	err := h.Handle(context.Background(), contentJob("job-7", map[string]any{"userId": "user-1"}))
	if err == nil || !isPermanent(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
}
