package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/punchamoorthee/ledgerhooks/internal/account"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/ledger"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/webhook"
)

// Request/response DTOs.

type CreateAccountRequest struct {
	BusinessName string `json:"business_name"`
	Email        string `json:"email"`
}

type CreateAccountResponse struct {
	Account *domain.Account `json:"account"`
	APIKey  string          `json:"api_key"`
}

type BalanceResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
}

type CreateTransactionRequest struct {
	IdempotencyKey        *string    `json:"idempotency_key"`
	Type                  string     `json:"type"`
	Amount                int64      `json:"amount"`
	Description           *string    `json:"description"`
	CounterpartyAccountID *uuid.UUID `json:"counterparty_account_id"`
}

type TransactionResponse struct {
	Transaction *domain.Transaction `json:"transaction"`
}

type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type WebhookResponse struct {
	Webhook *domain.Webhook `json:"webhook"`
}

type Handler struct {
	accounts   *account.Service
	engine     *ledger.Engine
	registry   *webhook.Registry
	dispatcher *webhook.Dispatcher
	metrics    *metrics.Collector
	log        *slog.Logger
}

func NewHandler(
	accounts *account.Service,
	engine *ledger.Engine,
	registry *webhook.Registry,
	dispatcher *webhook.Dispatcher,
	collector *metrics.Collector,
	log *slog.Logger,
) *Handler {
	return &Handler{
		accounts:   accounts,
		engine:     engine,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    collector,
		log:        log,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/accounts")
		return
	}
	if req.BusinessName == "" || req.Email == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "business_name and email are required", "POST", "/accounts")
		return
	}

	acct, apiKey, err := h.accounts.Create(r.Context(), req.BusinessName, req.Email)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, CreateAccountResponse{Account: acct, APIKey: apiKey}, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}")
	if !ok {
		return
	}
	acct, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]*domain.Account{"account": acct}, "GET", "/accounts/{id}")
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/accounts/{id}/balance")
	if !ok {
		return
	}
	balance, err := h.accounts.Balance(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/accounts/{id}/balance")
		return
	}
	h.respondJSON(w, http.StatusOK, BalanceResponse{
		AccountID: id,
		Balance:   balance,
		Currency:  "USD",
	}, "GET", "/accounts/{id}/balance")
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(h.metrics.HTTPRequestDuration.WithLabelValues("POST", "/transactions"))
	defer timer.ObserveDuration()

	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "POST", "/transactions")
		return
	}

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/transactions")
		return
	}
	if req.IdempotencyKey == nil {
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			req.IdempotencyKey = &key
		}
	}

	txn, posted, err := h.engine.Post(r.Context(), accountID, ledger.PostParams{
		Type:                  req.Type,
		Amount:                req.Amount,
		Description:           req.Description,
		CounterpartyAccountID: req.CounterpartyAccountID,
		IdempotencyKey:        req.IdempotencyKey,
	})
	if err != nil {
		h.respondDomainError(w, err, "POST", "/transactions")
		return
	}

	// Delivery is fire-and-forget: the response never waits on it, and only
	// a freshly posted transaction is dispatched.
	if posted {
		h.dispatcher.Enqueue(txn)
	}

	status := http.StatusCreated
	if !posted {
		status = http.StatusOK
	}
	h.respondJSON(w, status, TransactionResponse{Transaction: txn}, "POST", "/transactions")
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id", "GET", "/transactions/{id}")
	if !ok {
		return
	}
	txn, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/transactions/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, TransactionResponse{Transaction: txn}, "GET", "/transactions/{id}")
}

func (h *Handler) CreateWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "POST", "/webhooks")
		return
	}
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "POST", "/webhooks")
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "url and events are required", "POST", "/webhooks")
		return
	}

	wh, err := h.registry.Create(r.Context(), accountID, req.URL, req.Events)
	if err != nil {
		h.respondDomainError(w, err, "POST", "/webhooks")
		return
	}
	h.respondJSON(w, http.StatusCreated, WebhookResponse{Webhook: wh}, "POST", "/webhooks")
}

func (h *Handler) GetWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "GET", "/webhooks/{id}")
		return
	}
	id, ok := h.pathID(w, r, "id", "GET", "/webhooks/{id}")
	if !ok {
		return
	}
	wh, err := h.registry.Get(r.Context(), accountID, id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/webhooks/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, WebhookResponse{Webhook: wh}, "GET", "/webhooks/{id}")
}

func (h *Handler) UpdateWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "PUT", "/webhooks/{id}")
		return
	}
	id, ok := h.pathID(w, r, "id", "PUT", "/webhooks/{id}")
	if !ok {
		return
	}
	var req CreateWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Malformed JSON body", "PUT", "/webhooks/{id}")
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "url and events are required", "PUT", "/webhooks/{id}")
		return
	}

	wh, err := h.registry.Update(r.Context(), accountID, id, req.URL, req.Events)
	if err != nil {
		h.respondDomainError(w, err, "PUT", "/webhooks/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, WebhookResponse{Webhook: wh}, "PUT", "/webhooks/{id}")
}

func (h *Handler) DeleteWebhook(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "DELETE", "/webhooks/{id}")
		return
	}
	id, ok := h.pathID(w, r, "id", "DELETE", "/webhooks/{id}")
	if !ok {
		return
	}
	if err := h.registry.Delete(r.Context(), accountID, id); err != nil {
		h.respondDomainError(w, err, "DELETE", "/webhooks/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"message": "Webhook deleted successfully"}, "DELETE", "/webhooks/{id}")
}

func (h *Handler) ListWebhookDeliveries(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFrom(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", "GET", "/webhooks/{id}/deliveries")
		return
	}
	id, ok := h.pathID(w, r, "id", "GET", "/webhooks/{id}/deliveries")
	if !ok {
		return
	}
	deliveries, err := h.registry.Deliveries(r.Context(), accountID, id)
	if err != nil {
		h.respondDomainError(w, err, "GET", "/webhooks/{id}/deliveries")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string][]*domain.WebhookDelivery{"deliveries": deliveries}, "GET", "/webhooks/{id}/deliveries")
}

// Helpers

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondDomainError(w http.ResponseWriter, err error, method, endpoint string) {
	var (
		accountNotFound *domain.AccountNotFoundError
		txnNotFound     *domain.TransactionNotFoundError
		whNotFound      *domain.WebhookNotFoundError
		insufficient    *domain.InsufficientFundsError
	)
	switch {
	case errors.As(err, &accountNotFound), errors.As(err, &txnNotFound), errors.As(err, &whNotFound):
		h.respondError(w, http.StatusNotFound, err.Error(), method, endpoint)
	case errors.As(err, &insufficient):
		h.respondJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"balance":  insufficient.Balance,
			"required": insufficient.Required,
		}, method, endpoint)
	case errors.Is(err, domain.ErrInvalidTransactionType),
		errors.Is(err, domain.ErrMissingCounterparty),
		errors.Is(err, domain.ErrInvalidAmount):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrIdempotencyKeyUsed):
		h.respondError(w, http.StatusConflict, err.Error(), method, endpoint)
	case errors.Is(err, domain.ErrInvalidAPIKey):
		h.respondError(w, http.StatusUnauthorized, "Unauthorized", method, endpoint)
	default:
		h.log.Error("request failed", "method", method, "endpoint", endpoint, "error", err)
		h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	h.metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, code int, message, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": message}, method, endpoint)
}
