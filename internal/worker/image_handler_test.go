package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/genai"
	"knowledge-pipeline/internal/models"
)

func servePNG(t *testing.T, width, height int) *httptest.Server {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func imageJob(id string, payload map[string]any) models.Job {
	return models.Job{ID: id, Kind: models.KindImageGeneration, Payload: payload, Attempts: 1, MaxAttempts: 3}
}

func TestImageHandlerUploadsOriginalAndThumbnail(t *testing.T) {
	srv := servePNG(t, 1024, 1024)
	st := newGenStore()
	up := &stubUploader{}
	h := NewImageHandler(st, &stubImageGen{url: srv.URL + "/img.png"}, up, zap.NewNop())

	err := h.Handle(context.Background(), imageJob("img-1", map[string]any{
		"userId": "user-1",
		"prompt": "a mountain at dusk",
		"style":  "minimalist",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(up.keys) != 2 {
		t.Fatalf("uploads %v want original and thumbnail", up.keys)
	}
	if up.keys[0] != "user-1/images/img-1.png" {
		t.Fatalf("original key %q", up.keys[0])
	}
	if !strings.HasSuffix(up.keys[1], "_thumb.png") {
		t.Fatalf("thumbnail key %q", up.keys[1])
	}

	rec := st.records["img-1"]
	if rec.Status != models.GenerationCompleted {
		t.Fatalf("record status %q", rec.Status)
	}
	if rec.Result.ImageURL == "" || rec.Result.PreviewImage == "" {
		t.Fatalf("result missing urls: %+v", rec.Result)
	}
}

func TestImageHandlerAttachesProductPreview(t *testing.T) {
	srv := servePNG(t, 64, 64)
	st := newGenStore()
	st.products["prod-1"] = models.Product{ID: "prod-1", UserID: "user-1"}
	h := NewImageHandler(st, &stubImageGen{url: srv.URL + "/img.png"}, &stubUploader{}, zap.NewNop())

	err := h.Handle(context.Background(), imageJob("img-2", map[string]any{
		"userId":    "user-1",
		"prompt":    "cover art",
		"productId": "prod-1",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if st.previews["prod-1"] == "" {
		t.Fatalf("product preview not updated")
	}
}

func TestImageHandlerDownloadFailureFailsRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	st := newGenStore()
	h := NewImageHandler(st, &stubImageGen{url: srv.URL + "/img.png"}, &stubUploader{}, zap.NewNop())

	job := imageJob("img-3", map[string]any{
		"userId": "user-1",
		"prompt": "anything",
	})
	job.Attempts = job.MaxAttempts
	err := h.Handle(context.Background(), job)
	if err == nil {
		t.Fatalf("expected error")
	}
	if st.records["img-3"].Status != models.GenerationFailed {
		t.Fatalf("record status %q want failed", st.records["img-3"].Status)
	}
}

func TestImageHandlerTransientFailureRetriesToCompletion(t *testing.T) {
	srv := servePNG(t, 64, 64)
	st := newGenStore()
	gen := &stubImageGen{url: srv.URL + "/img.png", err: &genai.RetryableError{
		Provider:   "openai",
		StatusCode: 503,
		Err:        errors.New("backend overloaded"),
	}}
	h := NewImageHandler(st, gen, &stubUploader{}, zap.NewNop())

	job := imageJob("img-5", map[string]any{
		"userId": "user-1",
		"prompt": "a lighthouse in fog",
	})
	if err := h.Handle(context.Background(), job); err == nil {
		t.Fatalf("expected transient error on first delivery")
	}
	if st.records["img-5"].Status != models.GenerationProcessing {
		t.Fatalf("record status %q after transient failure, want processing", st.records["img-5"].Status)
	}

	gen.err = nil
	job.Attempts = 2
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	rec := st.records["img-5"]
	if rec.Status != models.GenerationCompleted {
		t.Fatalf("record status %q want completed", rec.Status)
	}
	if gen.calls != 2 {
		t.Fatalf("generator calls %d want 2", gen.calls)
	}
}

func TestImageHandlerSkipsTerminalRecord(t *testing.T) {
	st := newGenStore()
	st.records["img-4"] = &models.GenerationJob{ID: "img-4", Status: models.GenerationFailed}
	gen := &stubImageGen{url: "unused"}
	h := NewImageHandler(st, gen, &stubUploader{}, zap.NewNop())

	err := h.Handle(context.Background(), imageJob("img-4", map[string]any{
		"userId": "user-1",
		"prompt": "anything",
	}))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("generator called for terminal record")
	}
}
