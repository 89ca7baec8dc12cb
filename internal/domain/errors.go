package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrMissingCounterparty    = errors.New("missing counterparty account for transfer")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidAPIKey          = errors.New("invalid API key")
	ErrIdempotencyKeyUsed     = errors.New("idempotency key already used by another account")
)

// AccountNotFoundError identifies which account a lookup missed; a failed
// transfer reports the counterparty here, not the source.
type AccountNotFoundError struct {
	AccountID uuid.UUID
}

func (e *AccountNotFoundError) Error() string {
	return fmt.Sprintf("account not found: %s", e.AccountID)
}

// InsufficientFundsError carries the offending balance and the amount the
// debit or transfer required.
type InsufficientFundsError struct {
	AccountID uuid.UUID
	Balance   int64
	Required  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s has balance %d, required %d",
		e.AccountID, e.Balance, e.Required)
}

type TransactionNotFoundError struct {
	TransactionID uuid.UUID
}

func (e *TransactionNotFoundError) Error() string {
	return fmt.Sprintf("transaction not found: %s", e.TransactionID)
}

type WebhookNotFoundError struct {
	WebhookID uuid.UUID
}

func (e *WebhookNotFoundError) Error() string {
	return fmt.Sprintf("webhook not found: %s", e.WebhookID)
}
