package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/notify"
	"knowledge-pipeline/internal/store"
)

// Sellers keep 90% of each sale.
const sellerShare = 0.9

// NotifyStore is the persistence surface of the notification handler.
type NotifyStore interface {
	GetUser(ctx context.Context, id string) (models.User, error)
	GetProduct(ctx context.Context, id string) (models.Product, error)
}

// NotifyHandler renders and sends transactional mail for pipeline events.
type NotifyHandler struct {
	store        NotifyStore
	mailer       notify.Mailer
	chainNetwork string
	siteURL      string
	log          *zap.Logger
}

func NewNotifyHandler(st NotifyStore, mailer notify.Mailer, chainNetwork, siteURL string, log *zap.Logger) *NotifyHandler {
	return &NotifyHandler{
		store:        st,
		mailer:       mailer,
		chainNetwork: chainNetwork,
		siteURL:      siteURL,
		log:          log,
	}
}

type notifyPayload struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	ProductID  string `json:"productId"`
	OrderID    string `json:"orderId"`
	PriceCents int    `json:"priceCents"`
	TokenID    string `json:"tokenId"`
	TxnHash    string `json:"txnHash"`
}

func (h *NotifyHandler) Handle(ctx context.Context, job models.Job) error {
	payload, err := decodeNotifyPayload(job)
	if err != nil {
		return Permanent(err)
	}
	log := h.log.With(zap.String("type", payload.Type), zap.String("user_id", payload.UserID))

	subject, known := notify.Subject(payload.Type)
	if !known {
		// An unknown type will never become deliverable; drop it rather
		// than burn retries.
		log.Warn("unknown notification type, dropping")
		return nil
	}

	user, err := h.store.GetUser(ctx, payload.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Permanent(fmt.Errorf("user %s does not exist", payload.UserID))
		}
		return fmt.Errorf("load user: %w", err)
	}

	data, err := h.templateData(ctx, payload, user)
	if err != nil {
		return err
	}
	html, err := notify.Render(payload.Type, data)
	if err != nil {
		return Permanent(err)
	}

	if err := h.mailer.Send(ctx, user.Email, subject, html); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	log.Info("notification sent", zap.String("to", user.Email))
	return nil
}

func (h *NotifyHandler) templateData(ctx context.Context, payload notifyPayload, user models.User) (map[string]any, error) {
	data := map[string]any{
		"Username":     user.Username,
		"DashboardURL": h.siteURL + "/dashboard",
	}

	if payload.ProductID != "" {
		product, err := h.store.GetProduct(ctx, payload.ProductID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, Permanent(fmt.Errorf("product %s does not exist", payload.ProductID))
			}
			return nil, fmt.Errorf("load product: %w", err)
		}
		data["ProductTitle"] = product.Title
		data["ProductURL"] = fmt.Sprintf("%s/products/%s", h.siteURL, product.ID)
	}

	switch payload.Type {
	case notify.TypePurchaseConfirmation:
		data["OrderID"] = payload.OrderID
		data["Price"] = formatCents(payload.PriceCents)
	case notify.TypeSaleNotification:
		data["Price"] = formatCents(payload.PriceCents)
		data["Earnings"] = formatCents(int(float64(payload.PriceCents) * sellerShare))
	case notify.TypeNFTMinted:
		data["TokenID"] = payload.TokenID
		data["ExplorerURL"] = notify.ExplorerURL(h.chainNetwork, payload.TxnHash)
	}
	return data, nil
}

func formatCents(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func decodeNotifyPayload(job models.Job) (notifyPayload, error) {
	var payload notifyPayload
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return payload, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	if payload.UserID == "" {
		return payload, errors.New("userId is required")
	}
	return payload, nil
}
