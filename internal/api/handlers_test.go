package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/ledgerhooks/internal/account"
	"github.com/punchamoorthee/ledgerhooks/internal/api"
	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/ledger"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"github.com/punchamoorthee/ledgerhooks/internal/webhook"
)

type testServer struct {
	router     http.Handler
	store      *store.Memory
	dispatcher *webhook.Dispatcher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemory()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	accounts := account.NewService(st, collector, log)
	engine := ledger.NewEngine(st, collector, log)
	whRegistry := webhook.NewRegistry(st, log)
	dispatcher := webhook.NewDispatcher(st, collector, log, webhook.Options{
		Client:    &http.Client{Timeout: time.Second},
		QueueSize: 64,
	})

	h := api.NewHandler(accounts, engine, whRegistry, dispatcher, collector, log)
	router := api.NewRouter(h, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &testServer{router: router, store: st, dispatcher: dispatcher}
}

// do issues a request against the router and decodes the JSON response into
// out when out is non-nil.
func (ts *testServer) do(t *testing.T, method, path, apiKey string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec
}

func (ts *testServer) createAccount(t *testing.T, name string) (uuid.UUID, string) {
	t.Helper()
	var resp api.CreateAccountResponse
	rec := ts.do(t, "POST", "/api/v1/accounts", "", api.CreateAccountRequest{
		BusinessName: name,
		Email:        name + "@example.com",
	}, &resp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create account status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp.APIKey == "" {
		t.Fatal("no api key issued")
	}
	return resp.Account.ID, resp.APIKey
}

func (ts *testServer) credit(t *testing.T, apiKey string, amount int64) {
	t.Helper()
	rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, api.CreateTransactionRequest{
		Type:   "credit",
		Amount: amount,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("funding credit status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, "GET", "/health", "", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestCreateAccountValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/accounts", "", api.CreateAccountRequest{Email: "x@example.com"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing business_name status = %d, want 422", rec.Code)
	}

	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewBufferString("{not json"))
	rec2 := httptest.NewRecorder()
	ts.router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec2.Code)
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)
	accountID, apiKey := ts.createAccount(t, "acme")
	path := fmt.Sprintf("/api/v1/accounts/%s", accountID)

	if rec := ts.do(t, "GET", path, "", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	if rec := ts.do(t, "GET", path, "not-a-real-key", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key status = %d, want 401", rec.Code)
	}

	var resp struct {
		Account *domain.Account `json:"account"`
	}
	rec := ts.do(t, "GET", path, apiKey, nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("valid key status = %d, want 200", rec.Code)
	}
	if resp.Account.ID != accountID {
		t.Errorf("account id = %s, want %s", resp.Account.ID, accountID)
	}
}

func TestGetBalance(t *testing.T) {
	ts := newTestServer(t)
	accountID, apiKey := ts.createAccount(t, "acme")
	ts.credit(t, apiKey, 1500)

	var resp api.BalanceResponse
	rec := ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", accountID), apiKey, nil, &resp)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Balance != 1500 || resp.Currency != "USD" || resp.AccountID != accountID {
		t.Errorf("balance response = %+v", resp)
	}
}

func TestCreateTransactionCredit(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.createAccount(t, "acme")

	var resp api.TransactionResponse
	rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, api.CreateTransactionRequest{
		Type:   "credit",
		Amount: 250,
	}, &resp)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp.Transaction.Status != domain.StatusCompleted || resp.Transaction.Amount != 250 {
		t.Errorf("transaction = %+v", resp.Transaction)
	}
}

func TestCreateTransactionInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	accountID, apiKey := ts.createAccount(t, "acme")
	ts.credit(t, apiKey, 100)

	var resp struct {
		Error    string `json:"error"`
		Balance  int64  `json:"balance"`
		Required int64  `json:"required"`
	}
	rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, api.CreateTransactionRequest{
		Type:   "debit",
		Amount: 500,
	}, &resp)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if resp.Balance != 100 || resp.Required != 500 {
		t.Errorf("balance/required = %d/%d, want 100/500", resp.Balance, resp.Required)
	}

	var bal api.BalanceResponse
	ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", accountID), apiKey, nil, &bal)
	if bal.Balance != 100 {
		t.Errorf("balance after rejected debit = %d, want 100", bal.Balance)
	}
}

func TestCreateTransactionValidation(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.createAccount(t, "acme")

	cases := []struct {
		name string
		req  api.CreateTransactionRequest
	}{
		{"unknown type", api.CreateTransactionRequest{Type: "withdraw", Amount: 10}},
		{"zero amount", api.CreateTransactionRequest{Type: "credit", Amount: 0}},
		{"negative amount", api.CreateTransactionRequest{Type: "credit", Amount: -1}},
		{"transfer without counterparty", api.CreateTransactionRequest{Type: "transfer", Amount: 10}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, tc.req, nil)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Errorf("status = %d, want 422", rec.Code)
			}
		})
	}
}

func TestIdempotentReplayReturns200(t *testing.T) {
	ts := newTestServer(t)
	accountID, apiKey := ts.createAccount(t, "acme")
	key := "order-42"
	req := api.CreateTransactionRequest{Type: "credit", Amount: 100, IdempotencyKey: &key}

	var first api.TransactionResponse
	if rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, req, &first); rec.Code != http.StatusCreated {
		t.Fatalf("first status = %d", rec.Code)
	}

	var second api.TransactionResponse
	if rec := ts.do(t, "POST", "/api/v1/transactions", apiKey, req, &second); rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Error("replay returned a different transaction")
	}

	var bal api.BalanceResponse
	ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", accountID), apiKey, nil, &bal)
	if bal.Balance != 100 {
		t.Errorf("balance = %d, want single application of 100", bal.Balance)
	}
}

func TestIdempotencyKeyHeaderFallback(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.createAccount(t, "acme")

	post := func() (*httptest.ResponseRecorder, api.TransactionResponse) {
		raw, _ := json.Marshal(api.CreateTransactionRequest{Type: "credit", Amount: 100})
		req := httptest.NewRequest("POST", "/api/v1/transactions", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Idempotency-Key", "header-key-1")
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		var resp api.TransactionResponse
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec, resp
	}

	rec1, first := post()
	if rec1.Code != http.StatusCreated {
		t.Fatalf("first status = %d", rec1.Code)
	}
	rec2, second := post()
	if rec2.Code != http.StatusOK {
		t.Fatalf("replay via header status = %d, want 200", rec2.Code)
	}
	if second.Transaction.ID != first.Transaction.ID {
		t.Error("header key did not dedupe")
	}
}

func TestIdempotencyKeyCrossAccountConflict(t *testing.T) {
	ts := newTestServer(t)
	_, keyA := ts.createAccount(t, "alpha")
	_, keyB := ts.createAccount(t, "beta")
	idem := "shared-key"

	if rec := ts.do(t, "POST", "/api/v1/transactions", keyA, api.CreateTransactionRequest{
		Type: "credit", Amount: 100, IdempotencyKey: &idem,
	}, nil); rec.Code != http.StatusCreated {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := ts.do(t, "POST", "/api/v1/transactions", keyB, api.CreateTransactionRequest{
		Type: "credit", Amount: 100, IdempotencyKey: &idem,
	}, nil); rec.Code != http.StatusConflict {
		t.Errorf("cross-account reuse status = %d, want 409", rec.Code)
	}
}

func TestTransfer(t *testing.T) {
	ts := newTestServer(t)
	srcID, srcKey := ts.createAccount(t, "src")
	dstID, dstKey := ts.createAccount(t, "dst")
	ts.credit(t, srcKey, 1000)

	rec := ts.do(t, "POST", "/api/v1/transactions", srcKey, api.CreateTransactionRequest{
		Type:                  "transfer",
		Amount:                400,
		CounterpartyAccountID: &dstID,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("transfer status = %d, body %s", rec.Code, rec.Body.String())
	}

	var srcBal, dstBal api.BalanceResponse
	ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", srcID), srcKey, nil, &srcBal)
	ts.do(t, "GET", fmt.Sprintf("/api/v1/accounts/%s/balance", dstID), dstKey, nil, &dstBal)
	if srcBal.Balance != 600 || dstBal.Balance != 400 {
		t.Errorf("balances = %d/%d, want 600/400", srcBal.Balance, dstBal.Balance)
	}
}

func TestGetTransaction(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.createAccount(t, "acme")

	var created api.TransactionResponse
	ts.do(t, "POST", "/api/v1/transactions", apiKey, api.CreateTransactionRequest{
		Type: "credit", Amount: 75,
	}, &created)

	var fetched api.TransactionResponse
	rec := ts.do(t, "GET", "/api/v1/transactions/"+created.Transaction.ID.String(), apiKey, nil, &fetched)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if fetched.Transaction.ID != created.Transaction.ID {
		t.Error("fetched wrong transaction")
	}

	if rec := ts.do(t, "GET", "/api/v1/transactions/"+uuid.NewString(), apiKey, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, "GET", "/api/v1/transactions/not-a-uuid", apiKey, nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", rec.Code)
	}
}

func TestWebhookCRUD(t *testing.T) {
	ts := newTestServer(t)
	accountID, apiKey := ts.createAccount(t, "acme")

	var created api.WebhookResponse
	rec := ts.do(t, "POST", "/api/v1/webhooks", apiKey, api.CreateWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{"transaction.credit"},
	}, &created)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	wh := created.Webhook
	if wh.AccountID != accountID || !wh.IsActive || wh.Secret == "" {
		t.Errorf("created webhook = %+v", wh)
	}

	path := "/api/v1/webhooks/" + wh.ID.String()

	var fetched api.WebhookResponse
	if rec := ts.do(t, "GET", path, apiKey, nil, &fetched); rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	var updated api.WebhookResponse
	rec = ts.do(t, "PUT", path, apiKey, api.CreateWebhookRequest{
		URL:    "https://example.com/hook-v2",
		Events: []string{"transaction.debit"},
	}, &updated)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	if updated.Webhook.URL != "https://example.com/hook-v2" || !updated.Webhook.Subscribed("transaction.debit") {
		t.Errorf("updated webhook = %+v", updated.Webhook)
	}
	if updated.Webhook.Secret != wh.Secret {
		t.Error("update rotated the secret")
	}

	if rec := ts.do(t, "GET", path+"/deliveries", apiKey, nil, nil); rec.Code != http.StatusOK {
		t.Errorf("deliveries status = %d", rec.Code)
	}

	if rec := ts.do(t, "DELETE", path, apiKey, nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := ts.do(t, "GET", path, apiKey, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestWebhookCrossAccountIsolation(t *testing.T) {
	ts := newTestServer(t)
	_, ownerKey := ts.createAccount(t, "owner")
	_, strangerKey := ts.createAccount(t, "stranger")

	var created api.WebhookResponse
	ts.do(t, "POST", "/api/v1/webhooks", ownerKey, api.CreateWebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{"transaction.credit"},
	}, &created)
	path := "/api/v1/webhooks/" + created.Webhook.ID.String()

	if rec := ts.do(t, "GET", path, strangerKey, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("stranger get status = %d, want 404", rec.Code)
	}
	if rec := ts.do(t, "DELETE", path, strangerKey, nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("stranger delete status = %d, want 404", rec.Code)
	}
	// The owner still sees it.
	if rec := ts.do(t, "GET", path, ownerKey, nil, nil); rec.Code != http.StatusOK {
		t.Errorf("owner get status = %d, want 200", rec.Code)
	}
}

func TestReplayDoesNotDispatchTwice(t *testing.T) {
	ts := newTestServer(t)
	_, apiKey := ts.createAccount(t, "acme")

	var created api.WebhookResponse
	ts.do(t, "POST", "/api/v1/webhooks", apiKey, api.CreateWebhookRequest{
		URL:    "http://127.0.0.1:1",
		Events: []string{"transaction.credit"},
	}, &created)

	ts.dispatcher.Start()
	key := "intent-key"
	req := api.CreateTransactionRequest{Type: "credit", Amount: 100, IdempotencyKey: &key}
	ts.do(t, "POST", "/api/v1/transactions", apiKey, req, nil)
	ts.do(t, "POST", "/api/v1/transactions", apiKey, req, nil)
	ts.dispatcher.Close()

	// Only the first post is a fresh completion, so exactly one delivery
	// intent exists for the webhook.
	rows, err := ts.store.DeliveriesForWebhook(context.Background(), created.Webhook.ID)
	if err != nil {
		t.Fatalf("DeliveriesForWebhook: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d delivery intents, want 1", len(rows))
	}
}
