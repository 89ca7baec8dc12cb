package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and pings the database.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *Postgres) Close() {
	s.pool.Close()
}

const accountColumns = "id, business_name, email, balance, created_at, updated_at"

func (s *Postgres) CreateAccount(ctx context.Context, account *domain.Account) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO accounts (id, business_name, email, balance, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)",
		account.ID, account.BusinessName, account.Email, account.Balance, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("account insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1", id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.AccountNotFoundError{AccountID: id}
	}
	return account, err
}

func (s *Postgres) InsertAPIKey(ctx context.Context, key *domain.APIKey) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO api_keys (id, account_id, key_hash, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		key.ID, key.AccountID, key.KeyHash, key.Name, key.IsActive, key.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("api key insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) AccountIDForKeyHash(ctx context.Context, keyHash string) (uuid.UUID, error) {
	var accountID uuid.UUID
	err := s.pool.QueryRow(ctx,
		"UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1 AND is_active RETURNING account_id",
		keyHash,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, domain.ErrInvalidAPIKey
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("api key lookup failed: %w", err)
	}
	return accountID, nil
}

const transactionColumns = "id, account_id, counterparty_account_id, type, amount, description, status, idempotency_key, created_at, updated_at"

func (s *Postgres) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE id = $1", id)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.TransactionNotFoundError{TransactionID: id}
	}
	return txn, err
}

func (s *Postgres) TransactionByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+transactionColumns+" FROM transactions WHERE idempotency_key = $1", key)
	txn, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return txn, err
}

const webhookColumns = "id, account_id, url, events, secret, is_active, created_at, updated_at"

func (s *Postgres) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	_, err := s.pool.Exec(ctx,
		"INSERT INTO webhooks (id, account_id, url, events, secret, is_active, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		webhook.ID, webhook.AccountID, webhook.URL, webhook.Events, webhook.Secret,
		webhook.IsActive, webhook.CreatedAt, webhook.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("webhook insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) GetWebhook(ctx context.Context, id uuid.UUID) (*domain.Webhook, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+webhookColumns+" FROM webhooks WHERE id = $1", id)
	webhook, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.WebhookNotFoundError{WebhookID: id}
	}
	return webhook, err
}

func (s *Postgres) UpdateWebhook(ctx context.Context, id uuid.UUID, url string, events []string) (*domain.Webhook, error) {
	row := s.pool.QueryRow(ctx,
		"UPDATE webhooks SET url = $1, events = $2, updated_at = NOW() WHERE id = $3 RETURNING "+webhookColumns,
		url, events, id,
	)
	webhook, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.WebhookNotFoundError{WebhookID: id}
	}
	return webhook, err
}

func (s *Postgres) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM webhooks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("webhook delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.WebhookNotFoundError{WebhookID: id}
	}
	return nil
}

func (s *Postgres) ActiveWebhooksForEvent(ctx context.Context, accountID uuid.UUID, event string) ([]*domain.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+webhookColumns+" FROM webhooks WHERE account_id = $1 AND is_active AND $2 = ANY(events)",
		accountID, event,
	)
	if err != nil {
		return nil, fmt.Errorf("webhook list failed: %w", err)
	}
	defer rows.Close()

	var webhooks []*domain.Webhook
	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		webhooks = append(webhooks, webhook)
	}
	return webhooks, rows.Err()
}

const deliveryColumns = "id, webhook_id, transaction_id, status, response_status, response_body, attempts, max_attempts, next_retry_at, created_at, updated_at"

func (s *Postgres) CreateDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_deliveries (id, webhook_id, transaction_id, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		delivery.ID, delivery.WebhookID, delivery.TransactionID, string(delivery.Status),
		delivery.Attempts, delivery.MaxAttempts, delivery.CreatedAt, delivery.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("delivery insert failed: %w", err)
	}
	return nil
}

func (s *Postgres) MarkDelivered(ctx context.Context, id uuid.UUID, responseStatus int, responseBody string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'delivered', response_status = $1, response_body = $2,
		     attempts = attempts + 1, next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $3`,
		responseStatus, responseBody, id,
	)
	return err
}

func (s *Postgres) MarkRetrying(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'retrying', attempts = attempts + 1, next_retry_at = $1, updated_at = NOW()
		 WHERE id = $2`,
		nextRetryAt, id,
	)
	return err
}

func (s *Postgres) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_deliveries
		 SET status = 'failed', attempts = attempts + 1, next_retry_at = NULL, updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	return err
}

func (s *Postgres) DueDeliveries(ctx context.Context, now time.Time) ([]*domain.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT wd.id, wd.webhook_id, wd.transaction_id, wd.status, wd.response_status, wd.response_body,
		        wd.attempts, wd.max_attempts, wd.next_retry_at, wd.created_at, wd.updated_at
		 FROM webhook_deliveries wd
		 JOIN webhooks w ON wd.webhook_id = w.id
		 WHERE wd.status = 'retrying' AND wd.next_retry_at <= $1
		   AND wd.attempts < wd.max_attempts AND w.is_active`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("due delivery query failed: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

func (s *Postgres) DeliveriesForWebhook(ctx context.Context, webhookID uuid.UUID) ([]*domain.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT "+deliveryColumns+" FROM webhook_deliveries WHERE webhook_id = $1 ORDER BY created_at DESC",
		webhookID,
	)
	if err != nil {
		return nil, fmt.Errorf("delivery list failed: %w", err)
	}
	defer rows.Close()
	return collectDeliveries(rows)
}

// Post runs fn inside a single database transaction. Row locks taken by
// AccountForUpdate are held until commit or rollback.
func (s *Postgres) Post(ctx context.Context, fn func(tx LedgerTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) AccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := t.tx.QueryRow(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = $1 FOR UPDATE", id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.AccountNotFoundError{AccountID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	return account, nil
}

func (t *pgLedgerTx) InsertTransaction(ctx context.Context, txn *domain.Transaction) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO transactions (id, account_id, counterparty_account_id, type, amount, description, status, idempotency_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.ID, txn.AccountID, txn.CounterpartyAccountID, string(txn.Type), txn.Amount,
		txn.Description, string(txn.Status), txn.IdempotencyKey, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("transaction insert failed: %w", err)
	}
	return nil
}

func (t *pgLedgerTx) ApplyBalanceDelta(ctx context.Context, accountID uuid.UUID, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2",
		delta, accountID,
	)
	if err != nil {
		return fmt.Errorf("balance update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.AccountNotFoundError{AccountID: accountID}
	}
	return nil
}

func (t *pgLedgerTx) SetTransactionStatus(ctx context.Context, id uuid.UUID, status domain.TransactionStatus) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2",
		string(status), id,
	)
	return err
}

// Scan helpers. Enum columns go through plain strings.

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.BusinessName, &a.Email, &a.Balance, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		t            domain.Transaction
		txType       string
		txStatus     string
		counterparty *uuid.UUID
	)
	err := row.Scan(&t.ID, &t.AccountID, &counterparty, &txType, &t.Amount,
		&t.Description, &txStatus, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.CounterpartyAccountID = counterparty
	t.Type = domain.TransactionType(txType)
	t.Status = domain.TransactionStatus(txStatus)
	return &t, nil
}

func scanWebhook(row rowScanner) (*domain.Webhook, error) {
	var w domain.Webhook
	err := row.Scan(&w.ID, &w.AccountID, &w.URL, &w.Events, &w.Secret, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func scanDelivery(row rowScanner) (*domain.WebhookDelivery, error) {
	var (
		d      domain.WebhookDelivery
		status string
	)
	err := row.Scan(&d.ID, &d.WebhookID, &d.TransactionID, &status, &d.ResponseStatus,
		&d.ResponseBody, &d.Attempts, &d.MaxAttempts, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = domain.DeliveryStatus(status)
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*domain.WebhookDelivery, error) {
	var deliveries []*domain.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}
