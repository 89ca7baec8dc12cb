package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

// Memory implements Store on maps guarded by one mutex. Post holds the lock
// for the whole unit of work, which serializes postings; mutations are staged
// and applied only when the callback succeeds, so rollback means discarding
// the stage. Intended for tests and local development.
type Memory struct {
	mu             sync.Mutex
	now            func() time.Time
	accounts       map[uuid.UUID]*domain.Account
	apiKeys        map[string]*domain.APIKey // keyed by hash
	transactions   map[uuid.UUID]*domain.Transaction
	idempotencyIdx map[string]uuid.UUID
	webhooks       map[uuid.UUID]*domain.Webhook
	deliveries     map[uuid.UUID]*domain.WebhookDelivery
}

func NewMemory() *Memory {
	return &Memory{
		now:            time.Now,
		accounts:       make(map[uuid.UUID]*domain.Account),
		apiKeys:        make(map[string]*domain.APIKey),
		transactions:   make(map[uuid.UUID]*domain.Transaction),
		idempotencyIdx: make(map[string]uuid.UUID),
		webhooks:       make(map[uuid.UUID]*domain.Webhook),
		deliveries:     make(map[uuid.UUID]*domain.WebhookDelivery),
	}
}

// SetNow overrides the clock, for tests.
func (s *Memory) SetNow(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Memory) CreateAccount(_ context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *account
	s.accounts[account.ID] = &c
	return nil
}

func (s *Memory) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[id]
	if !ok {
		return nil, &domain.AccountNotFoundError{AccountID: id}
	}
	c := *account
	return &c, nil
}

func (s *Memory) InsertAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *key
	s.apiKeys[key.KeyHash] = &c
	return nil
}

func (s *Memory) AccountIDForKeyHash(_ context.Context, keyHash string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.apiKeys[keyHash]
	if !ok || !key.IsActive {
		return uuid.Nil, domain.ErrInvalidAPIKey
	}
	used := s.now()
	key.LastUsedAt = &used
	return key.AccountID, nil
}

func (s *Memory) GetTransaction(_ context.Context, id uuid.UUID) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[id]
	if !ok {
		return nil, &domain.TransactionNotFoundError{TransactionID: id}
	}
	c := *txn
	return &c, nil
}

func (s *Memory) TransactionByIdempotencyKey(_ context.Context, key string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.idempotencyIdx[key]
	if !ok {
		return nil, nil
	}
	c := *s.transactions[id]
	return &c, nil
}

func (s *Memory) CreateWebhook(_ context.Context, webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *webhook
	c.Events = append([]string(nil), webhook.Events...)
	s.webhooks[webhook.ID] = &c
	return nil
}

func (s *Memory) GetWebhook(_ context.Context, id uuid.UUID) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	webhook, ok := s.webhooks[id]
	if !ok {
		return nil, &domain.WebhookNotFoundError{WebhookID: id}
	}
	return cloneWebhook(webhook), nil
}

func (s *Memory) UpdateWebhook(_ context.Context, id uuid.UUID, url string, events []string) (*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	webhook, ok := s.webhooks[id]
	if !ok {
		return nil, &domain.WebhookNotFoundError{WebhookID: id}
	}
	webhook.URL = url
	webhook.Events = append([]string(nil), events...)
	webhook.UpdatedAt = s.now()
	return cloneWebhook(webhook), nil
}

func (s *Memory) DeleteWebhook(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[id]; !ok {
		return &domain.WebhookNotFoundError{WebhookID: id}
	}
	delete(s.webhooks, id)
	return nil
}

func (s *Memory) ActiveWebhooksForEvent(_ context.Context, accountID uuid.UUID, event string) ([]*domain.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []*domain.Webhook
	for _, webhook := range s.webhooks {
		if webhook.AccountID == accountID && webhook.IsActive && webhook.Subscribed(event) {
			matches = append(matches, cloneWebhook(webhook))
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return matches, nil
}

func (s *Memory) CreateDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *delivery
	s.deliveries[delivery.ID] = &c
	return nil
}

func (s *Memory) MarkDelivered(_ context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil
	}
	d.Status = domain.DeliveryDelivered
	d.ResponseStatus = &responseStatus
	d.ResponseBody = &responseBody
	d.Attempts++
	d.NextRetryAt = nil
	d.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkRetrying(_ context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil
	}
	d.Status = domain.DeliveryRetrying
	d.Attempts++
	retryAt := nextRetryAt
	d.NextRetryAt = &retryAt
	d.UpdatedAt = s.now()
	return nil
}

func (s *Memory) MarkFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil
	}
	d.Status = domain.DeliveryFailed
	d.Attempts++
	d.NextRetryAt = nil
	d.UpdatedAt = s.now()
	return nil
}

func (s *Memory) DueDeliveries(_ context.Context, now time.Time) ([]*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != domain.DeliveryRetrying || d.NextRetryAt == nil || d.NextRetryAt.After(now) {
			continue
		}
		if d.Attempts >= d.MaxAttempts {
			continue
		}
		webhook, ok := s.webhooks[d.WebhookID]
		if !ok || !webhook.IsActive {
			continue
		}
		due = append(due, cloneDelivery(d))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due, nil
}

func (s *Memory) DeliveriesForWebhook(_ context.Context, webhookID uuid.UUID) ([]*domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.WebhookDelivery
	for _, d := range s.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, cloneDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Memory) Post(_ context.Context, fn func(tx LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memLedgerTx{store: s, deltas: make(map[uuid.UUID]int64)}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memLedgerTx stages writes against the locked store and applies them on
// commit. A posting touches each account's balance at most once, reads
// before it writes, so reads may serve committed state directly.
type memLedgerTx struct {
	store  *Memory
	deltas map[uuid.UUID]int64
	staged *domain.Transaction
	status *domain.TransactionStatus
}

func (t *memLedgerTx) AccountForUpdate(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	account, ok := t.store.accounts[id]
	if !ok {
		return nil, &domain.AccountNotFoundError{AccountID: id}
	}
	c := *account
	return &c, nil
}

func (t *memLedgerTx) InsertTransaction(_ context.Context, txn *domain.Transaction) error {
	if txn.IdempotencyKey != nil {
		if _, exists := t.store.idempotencyIdx[*txn.IdempotencyKey]; exists {
			return ErrDuplicateIdempotencyKey
		}
	}
	c := *txn
	t.staged = &c
	return nil
}

func (t *memLedgerTx) ApplyBalanceDelta(_ context.Context, accountID uuid.UUID, delta int64) error {
	if _, ok := t.store.accounts[accountID]; !ok {
		return &domain.AccountNotFoundError{AccountID: accountID}
	}
	t.deltas[accountID] += delta
	return nil
}

func (t *memLedgerTx) SetTransactionStatus(_ context.Context, id uuid.UUID, status domain.TransactionStatus) error {
	if t.staged != nil && t.staged.ID == id {
		t.status = &status
		return nil
	}
	if txn, ok := t.store.transactions[id]; ok {
		txn.Status = status
		txn.UpdatedAt = t.store.now()
	}
	return nil
}

func (t *memLedgerTx) commit() {
	for id, delta := range t.deltas {
		account := t.store.accounts[id]
		account.Balance += delta
		account.UpdatedAt = t.store.now()
	}
	if t.staged != nil {
		if t.status != nil {
			t.staged.Status = *t.status
			t.staged.UpdatedAt = t.store.now()
		}
		t.store.transactions[t.staged.ID] = t.staged
		if t.staged.IdempotencyKey != nil {
			t.store.idempotencyIdx[*t.staged.IdempotencyKey] = t.staged.ID
		}
	}
}

func cloneWebhook(w *domain.Webhook) *domain.Webhook {
	c := *w
	c.Events = append([]string(nil), w.Events...)
	return &c
}

func cloneDelivery(d *domain.WebhookDelivery) *domain.WebhookDelivery {
	c := *d
	if d.ResponseStatus != nil {
		status := *d.ResponseStatus
		c.ResponseStatus = &status
	}
	if d.ResponseBody != nil {
		body := *d.ResponseBody
		c.ResponseBody = &body
	}
	if d.NextRetryAt != nil {
		at := *d.NextRetryAt
		c.NextRetryAt = &at
	}
	return &c
}
