package models

import "time"

// Generation job states. Status is monotonic: once a record reaches
// completed or failed it never returns to processing.
const (
	GenerationProcessing = "processing"
	GenerationCompleted  = "completed"
	GenerationFailed     = "failed"
)

// GenerationJob is the durable progress record for a content or image
// generation run, observable independently of the queue's bookkeeping.
type GenerationJob struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	Prompt      string            `json:"prompt"`
	Category    string            `json:"category,omitempty"`
	Format      string            `json:"format,omitempty"`
	Result      *GenerationResult `json:"result,omitempty"`
	Error       *string           `json:"error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Terminal reports whether the record can no longer change state.
func (g GenerationJob) Terminal() bool {
	return g.Status == GenerationCompleted || g.Status == GenerationFailed
}

// GenerationResult points at the artifacts a successful run produced.
type GenerationResult struct {
	Title        string `json:"title,omitempty"`
	ContentURL   string `json:"content_url,omitempty"`
	PreviewImage string `json:"preview_image,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
}

// Mint request states. pending -> processing -> {minted | failed}.
// confirming is a sub-state of processing: the transaction was submitted
// but the receipt has not been observed yet, so a redelivery resumes
// receipt polling instead of minting a second token.
const (
	MintPending    = "pending"
	MintProcessing = "processing"
	MintConfirming = "confirming"
	MintMinted     = "minted"
	MintFailed     = "failed"
)

// MintRequest tracks the lifecycle of turning a product into an on-chain token.
type MintRequest struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"ai_product_id"`
	UserID       string    `json:"user_id"`
	Status       string    `json:"status"`
	MetadataURL  *string   `json:"metadata_url,omitempty"`
	TxnHash      *string   `json:"txn_hash,omitempty"`
	TokenID      *string   `json:"token_id,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the request can no longer change state.
func (m MintRequest) Terminal() bool {
	return m.Status == MintMinted || m.Status == MintFailed
}

// Product is the user-visible artifact a pipeline run produces or annotates.
type Product struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	ContentURL   string    `json:"content_url"`
	PreviewImage string    `json:"preview_image"`
	PriceCents   int       `json:"price_cents"`
	IsActive     bool      `json:"is_active"`
	IsNFT        bool      `json:"is_nft"`
	TokenID      *string   `json:"token_id,omitempty"`
	MetadataURL  *string   `json:"metadata_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// User carries the contact and wallet fields the pipeline reads. Full
// profile CRUD lives outside the pipeline.
type User struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	Username      string  `json:"username"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

// NFTMetadata is the token metadata document pinned to IPFS.
type NFTMetadata struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Image       string         `json:"image"`
	ExternalURL string         `json:"external_url"`
	Attributes  []NFTAttribute `json:"attributes"`
}

type NFTAttribute struct {
	TraitType string `json:"trait_type"`
	Value     string `json:"value"`
}
