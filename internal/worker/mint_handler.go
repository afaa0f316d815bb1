package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/chain"
	"knowledge-pipeline/internal/ipfs"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/store"
)

// MintStore is the persistence surface of the NFT mint handler.
type MintStore interface {
	GetMintRequest(ctx context.Context, id string) (models.MintRequest, error)
	StartMint(ctx context.Context, id string) error
	SetMintMetadataURL(ctx context.Context, id, url string) error
	SetMintConfirming(ctx context.Context, id, txnHash string) error
	CompleteMint(ctx context.Context, id, txnHash, tokenID string) error
	FailMint(ctx context.Context, id, message string) error
	GetProduct(ctx context.Context, id string) (models.Product, error)
	AttachTokenToProduct(ctx context.Context, id, tokenID, metadataURL string) error
	GetUser(ctx context.Context, id string) (models.User, error)
}

// MintHandler pins token metadata, submits the mint transaction, and waits
// for its receipt. Every step checkpoints into the mint request row so a
// redelivery resumes where the previous attempt stopped instead of minting
// a second token.
type MintHandler struct {
	store      MintStore
	pinner     ipfs.Pinner
	minter     chain.Minter
	royaltyBps int
	siteURL    string
	log        *zap.Logger
}

func NewMintHandler(st MintStore, pinner ipfs.Pinner, minter chain.Minter, royaltyBps int, siteURL string, log *zap.Logger) *MintHandler {
	return &MintHandler{
		store:      st,
		pinner:     pinner,
		minter:     minter,
		royaltyBps: royaltyBps,
		siteURL:    siteURL,
		log:        log,
	}
}

type mintPayload struct {
	MintRequestID string `json:"mintRequestId"`
	ProductID     string `json:"productId"`
	UserID        string `json:"userId"`
}

func (h *MintHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeMintPayload(job)
	if err != nil {
		return Permanent(err)
	}
	log := h.log.With(zap.String("mint_request_id", payload.MintRequestID), zap.String("product_id", payload.ProductID))

	req, err := h.store.GetMintRequest(ctx, payload.MintRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permanent(fmt.Errorf("mint request %s does not exist", payload.MintRequestID))
		}
		return fmt.Errorf("load mint request: %w", err)
	}
	if req.Terminal() {
		log.Info("mint request already terminal, skipping redelivery", zap.String("status", req.Status))
		return nil
	}

	if err := h.process(ctx, req, log); err != nil {
		// A confirmation timeout keeps the confirming checkpoint so the
		// next delivery polls the same transaction. Everything that is
		// about to dead-letter lands the row in failed first.
		timeout := errors.Is(err, chain.ErrConfirmationTimeout)
		exhausted := job.Attempts >= job.MaxAttempts
		if (!timeout && isPermanent(err)) || exhausted {
			if ferr := h.store.FailMint(ctx, req.ID, err.Error()); ferr != nil {
				log.Error("record mint failure", zap.Error(ferr))
			}
		}
		return err
	}
	return nil
}

func (h *MintHandler) process(ctx context.Context, req models.MintRequest, log *zap.Logger) error {
	// A submitted transaction resumes at receipt polling.
	if req.Status == models.MintConfirming && req.TxnHash != nil {
		log.Info("resuming confirmation wait", zap.String("txn_hash", *req.TxnHash))
		metadataURL := ""
		if req.MetadataURL != nil {
			metadataURL = *req.MetadataURL
		}
		return h.confirm(ctx, req, chain.PendingTx{Hash: *req.TxnHash}, metadataURL, log)
	}

	if req.Status == models.MintPending {
		if err := h.store.StartMint(ctx, req.ID); err != nil {
			if errors.Is(err, store.ErrStaleTransition) {
				log.Warn("mint request moved concurrently, dropping delivery")
				return nil
			}
			return err
		}
	}

	user, err := h.store.GetUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user.WalletAddress == nil || *user.WalletAddress == "" {
		return Permanent(errors.New("user has no wallet address connected"))
	}

	product, err := h.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permanent(fmt.Errorf("product %s does not exist", req.ProductID))
		}
		return fmt.Errorf("load product: %w", err)
	}

	// Reuse a previously pinned document rather than pinning a duplicate.
	metadataURL := ""
	if req.MetadataURL != nil {
		metadataURL = *req.MetadataURL
	}
	if metadataURL == "" {
		metadataURL, err = h.pinner.PinJSON(ctx, h.buildMetadata(product))
		if err != nil {
			return fmt.Errorf("pin metadata: %w", err)
		}
		if err := h.store.SetMintMetadataURL(ctx, req.ID, metadataURL); err != nil {
			return err
		}
		log.Info("metadata pinned", zap.String("metadata_url", metadataURL))
	}

	tx, err := h.minter.Mint(ctx, *user.WalletAddress, metadataURL, h.royaltyBps)
	if err != nil {
		return fmt.Errorf("submit mint transaction: %w", err)
	}
	if err := h.store.SetMintConfirming(ctx, req.ID, tx.Hash); err != nil {
		return err
	}
	log.Info("mint transaction submitted", zap.String("txn_hash", tx.Hash))

	return h.confirm(ctx, req, tx, metadataURL, log)
}

func (h *MintHandler) confirm(ctx context.Context, req models.MintRequest, tx chain.PendingTx, metadataURL string, log *zap.Logger) error {
	receipt, err := h.minter.AwaitConfirmation(ctx, tx)
	if err != nil {
		if errors.Is(err, chain.ErrTransactionReverted) {
			return Permanent(err)
		}
		return fmt.Errorf("await confirmation: %w", err)
	}

	tokenID, err := chain.TokenIDFromReceipt(receipt)
	if err != nil {
		return Permanent(fmt.Errorf("extract token id: %w", err))
	}

	if err := h.store.CompleteMint(ctx, req.ID, receipt.TransactionHash, tokenID); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			log.Warn("mint completion raced a terminal record")
			return nil
		}
		return err
	}
	if err := h.store.AttachTokenToProduct(ctx, req.ProductID, tokenID, metadataURL); err != nil {
		return fmt.Errorf("attach token to product: %w", err)
	}
	log.Info("mint confirmed", zap.String("token_id", tokenID), zap.String("txn_hash", receipt.TransactionHash))
	return nil
}

func (h *MintHandler) buildMetadata(product models.Product) models.NFTMetadata {
	return models.NFTMetadata{
		Name:        product.Title,
		Description: product.Description,
		Image:       product.PreviewImage,
		ExternalURL: fmt.Sprintf("%s/products/%s", h.siteURL, product.ID),
		Attributes: []models.NFTAttribute{
			{TraitType: "Type", Value: "Knowledge Product"},
			{TraitType: "Creator", Value: product.UserID},
		},
	}
}

func decodeMintPayload(job models.Job) (mintPayload, error) {
	var payload mintPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.MintRequestID == "" {
		payload.MintRequestID = job.ID
	}
	if payload.ProductID == "" {
		return payload, errors.New("productId is required")
	}
	return payload, nil
}
