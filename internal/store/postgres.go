package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"knowledge-pipeline/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleTransition is returned when a guarded status update matched no
// row, meaning the record already moved past the expected state.
var ErrStaleTransition = errors.New("stale status transition")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// --- broker bookkeeping -----------------------------------------------------

// CreateJob inserts a broker job row. The caller-supplied id doubles as the
// idempotency key: re-inserting the same id is a no-op.
func (s *Store) CreateJob(ctx context.Context, id, kind string, payload map[string]any, maxAttempts int, runAt time.Time) (models.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, kind, payload, status, attempts, max_attempts, next_run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
		ON CONFLICT (id) DO NOTHING
	`, id, kind, payloadJSON, models.StatusQueued, maxAttempts, runAt, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return models.Job{
		ID:          id,
		Kind:        kind,
		Payload:     payload,
		Status:      models.StatusQueued,
		MaxAttempts: maxAttempts,
		NextRunAt:   runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a broker job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, kind, payload, status, attempts, max_attempts, next_run_at, last_error, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text

	if err := row.Scan(&job.ID, &job.Kind, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.NextRunAt, &lastErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	return job, nil
}

// MarkJobInProgress records that a delivery attempt started.
func (s *Store) MarkJobInProgress(ctx context.Context, id string, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusInProgress, attempts)
	return err
}

// MarkJobSucceeded transitions a broker job to succeeded.
func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusSucceeded)
	return err
}

// RescheduleJob records a failed attempt and the next delivery time.
func (s *Store) RescheduleJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, next_run_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, nextRun, lastErr)
	return err
}

// MarkJobDeadLetter flags a broker job as dead-lettered.
func (s *Store) MarkJobDeadLetter(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDeadLetter, lastError)
	return err
}

// --- generation jobs --------------------------------------------------------

// InsertGenerationJob creates the processing record for a run. Redelivery of
// the same job id is a no-op, keeping the insert idempotent.
func (s *Store) InsertGenerationJob(ctx context.Context, job models.GenerationJob) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO generation_jobs (id, user_id, type, status, prompt, category, format, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.UserID, job.Type, models.GenerationProcessing, job.Prompt, job.Category, job.Format, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert generation job: %w", err)
	}
	return nil
}

// GetGenerationJob fetches a generation record by id.
func (s *Store) GetGenerationJob(ctx context.Context, id string) (models.GenerationJob, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, type, status, prompt, COALESCE(category, ''), COALESCE(format, ''), result, error, created_at, completed_at
		FROM generation_jobs WHERE id = $1
	`, id)

	var job models.GenerationJob
	var resultJSON []byte
	var errMsg pgtype.Text
	var completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.UserID, &job.Type, &job.Status, &job.Prompt, &job.Category, &job.Format, &resultJSON, &errMsg, &job.CreatedAt, &completed); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.GenerationJob{}, ErrNotFound
		}
		return models.GenerationJob{}, fmt.Errorf("scan generation job: %w", err)
	}
	if len(resultJSON) > 0 {
		job.Result = &models.GenerationResult{}
		if err := json.Unmarshal(resultJSON, job.Result); err != nil {
			return models.GenerationJob{}, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	job.Error = textPtr(errMsg)
	if completed.Valid {
		job.CompletedAt = &completed.Time
	}
	return job, nil
}

// CompleteGenerationJob records a successful run. The guard on the current
// status keeps terminal states final.
func (s *Store) CompleteGenerationJob(ctx context.Context, id string, result models.GenerationResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, result = $3, error = NULL, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.GenerationCompleted, resultJSON, models.GenerationProcessing)
	if err != nil {
		return fmt.Errorf("complete generation job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FailGenerationJob records a failed run unless the record is already terminal.
func (s *Store) FailGenerationJob(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE generation_jobs
		SET status = $2, error = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.GenerationFailed, message, models.GenerationProcessing)
	if err != nil {
		return fmt.Errorf("fail generation job: %w", err)
	}
	return nil
}

// --- mint requests ----------------------------------------------------------

// CreateMintRequest inserts a pending request so clients can poll immediately.
func (s *Store) CreateMintRequest(ctx context.Context, id, productID, userID string) (models.MintRequest, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nft_mint_requests (id, ai_product_id, user_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, productID, userID, models.MintPending, now)
	if err != nil {
		return models.MintRequest{}, fmt.Errorf("insert mint request: %w", err)
	}
	return models.MintRequest{
		ID:        id,
		ProductID: productID,
		UserID:    userID,
		Status:    models.MintPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GetMintRequest fetches a mint request by id.
func (s *Store) GetMintRequest(ctx context.Context, id string) (models.MintRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, ai_product_id, user_id, status, metadata_url, txn_hash, token_id, error_message, created_at, updated_at
		FROM nft_mint_requests WHERE id = $1
	`, id)

	var req models.MintRequest
	var metadataURL, txnHash, tokenID, errMsg pgtype.Text
	if err := row.Scan(&req.ID, &req.ProductID, &req.UserID, &req.Status, &metadataURL, &txnHash, &tokenID, &errMsg, &req.CreatedAt, &req.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MintRequest{}, ErrNotFound
		}
		return models.MintRequest{}, fmt.Errorf("scan mint request: %w", err)
	}
	req.MetadataURL = textPtr(metadataURL)
	req.TxnHash = textPtr(txnHash)
	req.TokenID = textPtr(tokenID)
	req.ErrorMessage = textPtr(errMsg)
	return req, nil
}

// StartMint transitions pending -> processing. Redelivery of a request that
// already left pending is tolerated: the handler inspects the current state.
func (s *Store) StartMint(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nft_mint_requests SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.MintProcessing, models.MintPending)
	if err != nil {
		return fmt.Errorf("start mint: %w", err)
	}
	return nil
}

// SetMintMetadataURL checkpoints the pinned metadata URI so a retry can skip
// re-pinning.
func (s *Store) SetMintMetadataURL(ctx context.Context, id, url string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nft_mint_requests SET metadata_url = $2, updated_at = NOW() WHERE id = $1
	`, id, url)
	return err
}

// SetMintConfirming checkpoints the submitted transaction hash. A redelivery
// that finds this state resumes receipt polling instead of re-submitting.
func (s *Store) SetMintConfirming(ctx context.Context, id, txnHash string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nft_mint_requests SET status = $2, txn_hash = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ($4, $5)
	`, id, models.MintConfirming, txnHash, models.MintProcessing, models.MintConfirming)
	if err != nil {
		return fmt.Errorf("set mint confirming: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CompleteMint transitions to minted with the transaction hash and token id.
func (s *Store) CompleteMint(ctx context.Context, id, txnHash, tokenID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nft_mint_requests
		SET status = $2, txn_hash = $3, token_id = $4, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.MintMinted, txnHash, tokenID, models.MintProcessing, models.MintConfirming)
	if err != nil {
		return fmt.Errorf("complete mint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTransition
	}
	return nil
}

// FailMint records a terminal failure unless the request already minted.
func (s *Store) FailMint(ctx context.Context, id, message string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE nft_mint_requests SET status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $1 AND status <> $4
	`, id, models.MintFailed, message, models.MintMinted)
	if err != nil {
		return fmt.Errorf("fail mint: %w", err)
	}
	return nil
}

// FindUnreconciledMints returns minted requests whose product row is missing
// the token id, so the dual write can be repaired.
func (s *Store) FindUnreconciledMints(ctx context.Context, limit int) ([]models.MintRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.ai_product_id, r.user_id, r.status, r.metadata_url, r.txn_hash, r.token_id, r.error_message, r.created_at, r.updated_at
		FROM nft_mint_requests r
		JOIN ai_products p ON p.id = r.ai_product_id
		WHERE r.status = $1 AND (p.token_id IS NULL OR p.token_id <> r.token_id)
		LIMIT $2
	`, models.MintMinted, limit)
	if err != nil {
		return nil, fmt.Errorf("query unreconciled mints: %w", err)
	}
	defer rows.Close()

	var out []models.MintRequest
	for rows.Next() {
		var req models.MintRequest
		var metadataURL, txnHash, tokenID, errMsg pgtype.Text
		if err := rows.Scan(&req.ID, &req.ProductID, &req.UserID, &req.Status, &metadataURL, &txnHash, &tokenID, &errMsg, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mint request: %w", err)
		}
		req.MetadataURL = textPtr(metadataURL)
		req.TxnHash = textPtr(txnHash)
		req.TokenID = textPtr(tokenID)
		req.ErrorMessage = textPtr(errMsg)
		out = append(out, req)
	}
	return out, rows.Err()
}

// --- products ---------------------------------------------------------------

// CreateProduct inserts the artifact row produced by a successful run.
func (s *Store) CreateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ai_products (id, user_id, title, description, content_url, preview_image, price_cents, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.UserID, p.Title, p.Description, p.ContentURL, p.PreviewImage, p.PriceCents, p.IsActive, now)
	if err != nil {
		return models.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

// GetProduct fetches a product by id.
func (s *Store) GetProduct(ctx context.Context, id string) (models.Product, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, description, content_url, preview_image, price_cents, is_active, is_nft, token_id, metadata_url, created_at, updated_at
		FROM ai_products WHERE id = $1
	`, id)

	var p models.Product
	var tokenID, metadataURL pgtype.Text
	if err := row.Scan(&p.ID, &p.UserID, &p.Title, &p.Description, &p.ContentURL, &p.PreviewImage, &p.PriceCents, &p.IsActive, &p.IsNFT, &tokenID, &metadataURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Product{}, ErrNotFound
		}
		return models.Product{}, fmt.Errorf("scan product: %w", err)
	}
	p.TokenID = textPtr(tokenID)
	p.MetadataURL = textPtr(metadataURL)
	return p, nil
}

// UpdateProductPreview patches the preview image for the owner's product.
func (s *Store) UpdateProductPreview(ctx context.Context, id, userID, previewURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_products SET preview_image = $3, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, id, userID, previewURL)
	return err
}

// AttachTokenToProduct records the minted token on the artifact so the mint
// request and product rows agree.
func (s *Store) AttachTokenToProduct(ctx context.Context, id, tokenID, metadataURL string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ai_products SET is_nft = TRUE, token_id = $2, metadata_url = $3, updated_at = NOW()
		WHERE id = $1
	`, id, tokenID, metadataURL)
	return err
}

// --- users ------------------------------------------------------------------

// GetUser fetches the contact and wallet fields the pipeline reads.
func (s *Store) GetUser(ctx context.Context, id string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, username, wallet_address FROM users WHERE id = $1
	`, id)

	var u models.User
	var wallet pgtype.Text
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &wallet); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, ErrNotFound
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.WalletAddress = textPtr(wallet)
	return u, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
