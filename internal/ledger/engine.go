package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// PostParams carries one posting request into the engine.
type PostParams struct {
	Type                  string
	Amount                int64
	Description           *string
	CounterpartyAccountID *uuid.UUID
	IdempotencyKey        *string
}

// Engine validates and posts transactions. It is the only component that
// mutates account balances.
type Engine struct {
	store   store.Store
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

func NewEngine(s store.Store, collector *metrics.Collector, log *slog.Logger) *Engine {
	return &Engine{
		store:   s,
		metrics: collector,
		log:     log,
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (e *Engine) SetNow(now func() time.Time) {
	e.now = now
}

// Post applies one monetary movement as a single atomic unit of work.
// Replaying an idempotency key returns the original transaction verbatim and
// mutates nothing; the returned bool reports whether a new transaction was
// posted, so the caller dispatches webhooks exactly once per transaction.
func (e *Engine) Post(ctx context.Context, accountID uuid.UUID, params PostParams) (*domain.Transaction, bool, error) {
	txType, err := domain.ParseTransactionType(params.Type)
	if err != nil {
		e.metrics.PostFailures.WithLabelValues("invalid_type").Inc()
		return nil, false, err
	}
	if params.Amount <= 0 {
		e.metrics.PostFailures.WithLabelValues("invalid_amount").Inc()
		return nil, false, domain.ErrInvalidAmount
	}
	if txType == domain.TypeTransfer && params.CounterpartyAccountID == nil {
		e.metrics.PostFailures.WithLabelValues("missing_counterparty").Inc()
		return nil, false, domain.ErrMissingCounterparty
	}

	if params.IdempotencyKey != nil {
		existing, err := e.store.TransactionByIdempotencyKey(ctx, *params.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
		}
		if existing != nil {
			if existing.AccountID != accountID {
				return nil, false, domain.ErrIdempotencyKeyUsed
			}
			return existing, false, nil
		}
	}

	txn := &domain.Transaction{
		ID:                    uuid.New(),
		AccountID:             accountID,
		CounterpartyAccountID: params.CounterpartyAccountID,
		Type:                  txType,
		Amount:                params.Amount,
		Description:           params.Description,
		Status:                domain.StatusPending,
		IdempotencyKey:        params.IdempotencyKey,
		CreatedAt:             e.now(),
		UpdatedAt:             e.now(),
	}

	err = e.store.Post(ctx, func(tx store.LedgerTx) error {
		return e.execute(ctx, tx, txn)
	})
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		// Lost a concurrent race on the key: the winner's row is the result.
		winner, lookupErr := e.store.TransactionByIdempotencyKey(ctx, *params.IdempotencyKey)
		if lookupErr != nil || winner == nil {
			return nil, false, fmt.Errorf("idempotency winner lookup failed: %w", lookupErr)
		}
		if winner.AccountID != accountID {
			return nil, false, domain.ErrIdempotencyKeyUsed
		}
		return winner, false, nil
	}
	if err != nil {
		e.recordPostFailure(err)
		return nil, false, err
	}

	e.metrics.TransactionsPosted.WithLabelValues(string(txn.Type)).Inc()
	e.log.InfoContext(ctx, "transaction posted",
		"transaction_id", txn.ID,
		"account_id", txn.AccountID,
		"type", txn.Type,
		"amount", txn.Amount,
	)
	return txn, true, nil
}

// execute runs the posting steps inside the unit of work: lock rows in id
// order, check funds, insert pending, apply deltas, mark completed.
func (e *Engine) execute(ctx context.Context, tx store.LedgerTx, txn *domain.Transaction) error {
	locked := make(map[uuid.UUID]*domain.Account)
	for _, id := range lockOrder(txn) {
		account, err := tx.AccountForUpdate(ctx, id)
		if err != nil {
			return err
		}
		locked[id] = account
	}

	source := locked[txn.AccountID]
	if txn.Type == domain.TypeDebit || txn.Type == domain.TypeTransfer {
		if source.Balance < txn.Amount {
			return &domain.InsufficientFundsError{
				AccountID: txn.AccountID,
				Balance:   source.Balance,
				Required:  txn.Amount,
			}
		}
	}

	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return err
	}

	switch txn.Type {
	case domain.TypeCredit:
		if err := tx.ApplyBalanceDelta(ctx, txn.AccountID, txn.Amount); err != nil {
			return err
		}
	case domain.TypeDebit:
		if err := tx.ApplyBalanceDelta(ctx, txn.AccountID, -txn.Amount); err != nil {
			return err
		}
	case domain.TypeTransfer:
		if err := tx.ApplyBalanceDelta(ctx, txn.AccountID, -txn.Amount); err != nil {
			return err
		}
		if err := tx.ApplyBalanceDelta(ctx, *txn.CounterpartyAccountID, txn.Amount); err != nil {
			return err
		}
	}

	if err := tx.SetTransactionStatus(ctx, txn.ID, domain.StatusCompleted); err != nil {
		return err
	}
	txn.Status = domain.StatusCompleted
	txn.UpdatedAt = e.now()
	return nil
}

// Get returns a transaction by id, read-only.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return e.store.GetTransaction(ctx, id)
}

// lockOrder returns the account rows a posting touches, ordered by id so
// concurrent transfers cannot deadlock.
func lockOrder(txn *domain.Transaction) []uuid.UUID {
	if txn.Type != domain.TypeTransfer || txn.CounterpartyAccountID == nil {
		return []uuid.UUID{txn.AccountID}
	}
	a, b := txn.AccountID, *txn.CounterpartyAccountID
	if a == b {
		return []uuid.UUID{a}
	}
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return []uuid.UUID{a, b}
}

func (e *Engine) recordPostFailure(err error) {
	var (
		notFound     *domain.AccountNotFoundError
		insufficient *domain.InsufficientFundsError
	)
	switch {
	case errors.As(err, &notFound):
		e.metrics.PostFailures.WithLabelValues("account_not_found").Inc()
	case errors.As(err, &insufficient):
		e.metrics.PostFailures.WithLabelValues("insufficient_funds").Inc()
	default:
		e.metrics.PostFailures.WithLabelValues("store").Inc()
	}
}
