package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// Registry manages webhook subscriptions. Every operation is scoped to the
// owning account; a webhook owned by someone else reads as not found.
type Registry struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func NewRegistry(s store.Store, log *slog.Logger) *Registry {
	return &Registry{store: s, log: log, now: time.Now}
}

// Create registers a subscription and generates its signing secret.
func (r *Registry) Create(ctx context.Context, accountID uuid.UUID, url string, events []string) (*domain.Webhook, error) {
	wh := &domain.Webhook{
		ID:        uuid.New(),
		AccountID: accountID,
		URL:       url,
		Events:    events,
		Secret:    uuid.NewString(),
		IsActive:  true,
		CreatedAt: r.now(),
		UpdatedAt: r.now(),
	}
	if err := r.store.CreateWebhook(ctx, wh); err != nil {
		return nil, err
	}
	r.log.InfoContext(ctx, "webhook registered", "webhook_id", wh.ID, "account_id", accountID, "url", url)
	return wh, nil
}

func (r *Registry) Get(ctx context.Context, accountID, webhookID uuid.UUID) (*domain.Webhook, error) {
	wh, err := r.store.GetWebhook(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if wh.AccountID != accountID {
		return nil, &domain.WebhookNotFoundError{WebhookID: webhookID}
	}
	return wh, nil
}

// Update replaces the url and subscribed events; the secret and active flag
// are untouched.
func (r *Registry) Update(ctx context.Context, accountID, webhookID uuid.UUID, url string, events []string) (*domain.Webhook, error) {
	if _, err := r.Get(ctx, accountID, webhookID); err != nil {
		return nil, err
	}
	return r.store.UpdateWebhook(ctx, webhookID, url, events)
}

func (r *Registry) Delete(ctx context.Context, accountID, webhookID uuid.UUID) error {
	if _, err := r.Get(ctx, accountID, webhookID); err != nil {
		return err
	}
	return r.store.DeleteWebhook(ctx, webhookID)
}

func (r *Registry) Deliveries(ctx context.Context, accountID, webhookID uuid.UUID) ([]*domain.WebhookDelivery, error) {
	if _, err := r.Get(ctx, accountID, webhookID); err != nil {
		return nil, err
	}
	return r.store.DeliveriesForWebhook(ctx, webhookID)
}
