package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/models"
)

// ReconcilerStore exposes the dual-write repair queries.
type ReconcilerStore interface {
	FindUnreconciledMints(ctx context.Context, limit int) ([]models.MintRequest, error)
	AttachTokenToProduct(ctx context.Context, id, tokenID, metadataURL string) error
}

// Reconciler repairs the mint-request/product dual write: a crash between
// CompleteMint and the product update leaves a minted request whose product
// never learned its token. The sweep re-applies the product side.
type Reconciler struct {
	store    ReconcilerStore
	interval time.Duration
	log      *zap.Logger
}

func NewReconciler(st ReconcilerStore, interval time.Duration, log *zap.Logger) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{store: st, interval: interval, log: log}
}

// Run sweeps until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) {
	mints, err := r.store.FindUnreconciledMints(ctx, 100)
	if err != nil {
		r.log.Error("find unreconciled mints", zap.Error(err))
		return
	}
	for _, mint := range mints {
		if mint.TokenID == nil {
			continue
		}
		metadataURL := ""
		if mint.MetadataURL != nil {
			metadataURL = *mint.MetadataURL
		}
		if err := r.store.AttachTokenToProduct(ctx, mint.ProductID, *mint.TokenID, metadataURL); err != nil {
			r.log.Error("reconcile product token",
				zap.String("mint_request_id", mint.ID),
				zap.String("product_id", mint.ProductID),
				zap.Error(err))
			continue
		}
		r.log.Info("reconciled minted product",
			zap.String("mint_request_id", mint.ID),
			zap.String("product_id", mint.ProductID),
			zap.String("token_id", *mint.TokenID))
	}
}
