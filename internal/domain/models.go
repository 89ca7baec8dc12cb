package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TransactionType is the closed set of ledger movement kinds.
type TransactionType string

const (
	TypeCredit   TransactionType = "credit"
	TypeDebit    TransactionType = "debit"
	TypeTransfer TransactionType = "transfer"
)

// ParseTransactionType maps wire text to a TransactionType.
func ParseTransactionType(s string) (TransactionType, error) {
	switch TransactionType(s) {
	case TypeCredit, TypeDebit, TypeTransfer:
		return TransactionType(s), nil
	default:
		return "", ErrInvalidTransactionType
	}
}

// EventName returns the webhook event name for a transaction type and
// reports whether the type maps to one at all.
func (t TransactionType) EventName() (string, bool) {
	switch t {
	case TypeCredit:
		return "transaction.credit", true
	case TypeDebit:
		return "transaction.debit", true
	case TypeTransfer:
		return "transaction.transfer", true
	default:
		return "", false
	}
}

// TransactionStatus transitions are one-directional: pending may move to
// completed or failed, nothing moves out of a terminal status.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
	StatusCancelled TransactionStatus = "cancelled"
)

// DeliveryStatus is the retry state of one webhook delivery.
// Delivered and failed are terminal.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
)

// Terminal reports whether the retry sweep must leave the delivery alone.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Account holds a balance in minor currency units.
type Account struct {
	ID           uuid.UUID `json:"id"`
	BusinessName string    `json:"business_name"`
	Email        string    `json:"email"`
	Balance      int64     `json:"balance"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Transaction is an append-only record of one posted movement.
type Transaction struct {
	ID                    uuid.UUID         `json:"id"`
	AccountID             uuid.UUID         `json:"account_id"`
	CounterpartyAccountID *uuid.UUID        `json:"counterparty_account_id"`
	Type                  TransactionType   `json:"type"`
	Amount                int64             `json:"amount"`
	Description           *string           `json:"description"`
	Status                TransactionStatus `json:"status"`
	IdempotencyKey        *string           `json:"idempotency_key"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Webhook is a subscriber endpoint owned by an account. The secret signs
// outbound payloads and must never appear in logs.
type Webhook struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscribed reports whether the webhook wants the given event.
func (w *Webhook) Subscribed(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is the durable intent to notify one webhook about one
// transaction, created before the first attempt so a crash mid-attempt is
// recoverable by the retry sweep.
type WebhookDelivery struct {
	ID             uuid.UUID      `json:"id"`
	WebhookID      uuid.UUID      `json:"webhook_id"`
	TransactionID  uuid.UUID      `json:"transaction_id"`
	Status         DeliveryStatus `json:"status"`
	ResponseStatus *int           `json:"response_status"`
	ResponseBody   *string        `json:"response_body"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	NextRetryAt    *time.Time     `json:"next_retry_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// APIKey authenticates requests for an account. Only the SHA-256 hash of
// the issued key is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	KeyHash    string     `json:"-"`
	Name       string     `json:"name"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at"`
}

// WebhookPayload is the wire body POSTed to subscribers. Transaction holds
// the raw JSON the signature was computed over, embedded verbatim so the
// signed bytes and the transmitted bytes cannot drift.
type WebhookPayload struct {
	Event       string          `json:"event"`
	Transaction json.RawMessage `json:"transaction"`
	Timestamp   time.Time       `json:"timestamp"`
	Signature   string          `json:"signature"`
}
