package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"knowledge-pipeline/internal/config"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/ratelimit"
	"knowledge-pipeline/internal/store"
	"knowledge-pipeline/internal/telemetry"
)

// Broker is the queue surface the producer API needs.
type Broker interface {
	Enqueue(ctx context.Context, jobID, kind string, runAt time.Time) error
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Store is the persistence surface the producer API needs.
type Store interface {
	CreateJob(ctx context.Context, id, kind string, payload map[string]any, maxAttempts int, runAt time.Time) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	GetGenerationJob(ctx context.Context, id string) (models.GenerationJob, error)
	CreateMintRequest(ctx context.Context, id, productID, userID string) (models.MintRequest, error)
	GetMintRequest(ctx context.Context, id string) (models.MintRequest, error)
	GetProduct(ctx context.Context, id string) (models.Product, error)
}

// Server wires the HTTP producer API: it accepts generation and mint
// requests, records them, and hands them to the queue.
type Server struct {
	cfg     config.Config
	store   Store
	queue   Broker
	limiter *ratelimit.TokenBucket
	log     *zap.Logger
}

func New(cfg config.Config, st Store, q Broker, limiter *ratelimit.TokenBucket, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/ai/generate", s.handleGenerateContent)
		r.Post("/ai/images", s.handleGenerateImage)
		r.Post("/blockchain/mint-requests", s.handleCreateMintRequest)
	})

	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/blockchain/mint-requests/{id}", s.handleGetMintRequest)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type generateContentRequest struct {
	UserID   string `json:"userId"`
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
	Format   string `json:"format"`
	Length   int    `json:"length"`
}

var knownFormats = map[string]bool{
	"": true, "ebook": true, "course": true, "script": true, "summary": true, "guide": true,
}

func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	var req generateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "userId and prompt are required")
		return
	}
	if !knownFormats[req.Format] {
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}

	jobID := uuid.New().String()
	payload := map[string]any{
		"jobId":    jobID,
		"userId":   req.UserID,
		"prompt":   req.Prompt,
		"category": req.Category,
		"format":   req.Format,
		"length":   req.Length,
	}
	s.enqueue(w, r, jobID, models.KindContentGeneration, payload)
}

type generateImageRequest struct {
	UserID    string `json:"userId"`
	Prompt    string `json:"prompt"`
	Style     string `json:"style"`
	Size      string `json:"size"`
	ProductID string `json:"productId"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "userId and prompt are required")
		return
	}

	jobID := uuid.New().String()
	payload := map[string]any{
		"jobId":     jobID,
		"userId":    req.UserID,
		"prompt":    req.Prompt,
		"style":     req.Style,
		"size":      req.Size,
		"productId": req.ProductID,
	}
	s.enqueue(w, r, jobID, models.KindImageGeneration, payload)
}

type mintRequestRequest struct {
	UserID    string `json:"userId"`
	ProductID string `json:"productId"`
}

func (s *Server) handleCreateMintRequest(w http.ResponseWriter, r *http.Request) {
	var req mintRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.UserID == "" || req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "userId and productId are required")
		return
	}
	if _, err := s.store.GetProduct(r.Context(), req.ProductID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "product not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup product")
		return
	}

	id := uuid.New().String()
	mint, err := s.store.CreateMintRequest(r.Context(), id, req.ProductID, req.UserID)
	if err != nil {
		s.log.Error("create mint request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create mint request")
		return
	}

	payload := map[string]any{
		"mintRequestId": mint.ID,
		"productId":     req.ProductID,
		"userId":        req.UserID,
	}
	s.enqueue(w, r, mint.ID, models.KindNFTMinting, payload)
}

// enqueue records the job row and pushes the id to the broker. The row is
// written first so a crash between the two writes leaves a visible queued
// job that the reconciliation sweep can re-enqueue.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, jobID, kind string, payload map[string]any) {
	now := time.Now()
	job, err := s.store.CreateJob(r.Context(), jobID, kind, payload, s.cfg.MaxAttemptsFor(kind), now)
	if err != nil {
		s.log.Error("create job", zap.String("kind", kind), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "create job")
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, kind, now); err != nil {
		s.log.Error("enqueue job", zap.String("kind", kind), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue job")
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(kind).Inc()
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":  job.ID,
		"kind":   kind,
		"status": job.Status,
	})
}

type jobStatusResponse struct {
	ID       string                   `json:"id"`
	Kind     string                   `json:"kind"`
	Status   string                   `json:"status"`
	Attempts int                      `json:"attempts"`
	Error    *string                  `json:"error,omitempty"`
	Result   *models.GenerationResult `json:"result,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup job")
		return
	}

	resp := jobStatusResponse{
		ID:       job.ID,
		Kind:     job.Kind,
		Status:   job.Status,
		Attempts: job.Attempts,
		Error:    job.LastError,
	}
	// Generation jobs carry a progress record with the artifact links.
	if job.Kind == models.KindContentGeneration || job.Kind == models.KindImageGeneration {
		if rec, err := s.store.GetGenerationJob(r.Context(), id); err == nil {
			resp.Result = rec.Result
			if rec.Error != nil {
				resp.Error = rec.Error
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMintRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	mint, err := s.store.GetMintRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "mint request not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup mint request")
		return
	}
	writeJSON(w, http.StatusOK, mint)
}

// handleDLQ returns the dead-letter queue contents (job ids only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
