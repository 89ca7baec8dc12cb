package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

// ErrDuplicateIdempotencyKey is returned by InsertTransaction when another
// transaction already holds the key. The store's uniqueness constraint is
// the arbiter between concurrent posts carrying the same key.
var ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists")

// LedgerTx is the atomic unit of work for one transaction posting. All
// methods act inside the same store transaction; if the callback passed to
// Store.Post returns an error, none of them take effect.
type LedgerTx interface {
	// AccountForUpdate reads an account balance under row-exclusive access,
	// holding the lock until the unit of work commits or rolls back.
	AccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	InsertTransaction(ctx context.Context, txn *domain.Transaction) error
	ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta int64) error
	SetTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus) error
}

// Store is the durable state behind the ledger engine, the webhook registry
// and the delivery retry machinery.
type Store interface {
	CreateAccount(ctx context.Context, account *domain.Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	InsertAPIKey(ctx context.Context, key *domain.APIKey) error
	// AccountIDForKeyHash resolves an active API key hash to its account and
	// records the use. Returns domain.ErrInvalidAPIKey on no match.
	AccountIDForKeyHash(ctx context.Context, keyHash string) (uuid.UUID, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error)
	// TransactionByIdempotencyKey returns (nil, nil) when no transaction
	// carries the key.
	TransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error)

	CreateWebhook(ctx context.Context, webhook *domain.Webhook) error
	GetWebhook(ctx context.Context, id uuid.UUID) (*domain.Webhook, error)
	UpdateWebhook(ctx context.Context, id uuid.UUID, url string, events []string) (*domain.Webhook, error)
	DeleteWebhook(ctx context.Context, id uuid.UUID) error
	// ActiveWebhooksForEvent lists an account's active webhooks subscribed to
	// the given event name.
	ActiveWebhooksForEvent(ctx context.Context, accountID uuid.UUID, event string) ([]*domain.Webhook, error)

	CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
	MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error
	MarkRetrying(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
	// DueDeliveries selects deliveries eligible for a retry sweep: retrying,
	// next_retry_at <= now, attempts < max_attempts, owning webhook active.
	DueDeliveries(ctx context.Context, now time.Time) ([]*domain.WebhookDelivery, error)
	DeliveriesForWebhook(ctx context.Context, webhookID uuid.UUID) ([]*domain.WebhookDelivery, error)

	// Post runs fn inside one atomic unit of work. Any error from fn rolls
	// back every LedgerTx mutation with no partial effect.
	Post(ctx context.Context, fn func(tx LedgerTx) error) error
}
