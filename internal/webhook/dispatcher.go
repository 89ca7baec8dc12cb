package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"

	DefaultMaxAttempts = 3
	DefaultBackoff     = 5 * time.Minute

	// Response bodies are recorded for observability, not replayed; cap them.
	maxResponseBody = 64 << 10
)

// Options tunes the dispatcher. Zero values fall back to defaults.
type Options struct {
	Client      *http.Client
	Backoff     time.Duration
	MaxAttempts int
	Workers     int
	QueueSize   int
	Now         func() time.Time
}

// Dispatcher fans completed transactions out to subscribed webhooks. It owns
// an explicit outbound queue: Enqueue hands a transaction off without
// blocking the caller, Close drains the queue deterministically.
type Dispatcher struct {
	store       store.Store
	metrics     *metrics.Collector
	log         *slog.Logger
	client      *http.Client
	backoff     time.Duration
	maxAttempts int
	workers     int
	now         func() time.Time

	queue chan *domain.Transaction
	wg    sync.WaitGroup
}

func NewDispatcher(s store.Store, collector *metrics.Collector, log *slog.Logger, opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:       s,
		metrics:     collector,
		log:         log,
		client:      client,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		workers:     workers,
		now:         now,
		queue:       make(chan *domain.Transaction, queueSize),
	}
}

// Start launches the worker pool consuming the outbound queue.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for txn := range d.queue {
				d.Dispatch(context.Background(), txn)
			}
		}()
	}
}

// Enqueue hands a completed transaction to the workers. It never blocks the
// posting path: when the queue is full the transaction is dropped with a
// log line, since no delivery intent exists yet there is nothing to recover.
func (d *Dispatcher) Enqueue(txn *domain.Transaction) {
	select {
	case d.queue <- txn:
	default:
		d.log.Warn("outbound queue full, dropping dispatch", "transaction_id", txn.ID)
	}
}

// Close drains the queue and waits for in-flight attempts to finish.
func (d *Dispatcher) Close() {
	close(d.queue)
	d.wg.Wait()
}

// Dispatch fans one completed transaction out to every matching active
// webhook. A delivery intent row is persisted before each attempt so a crash
// mid-attempt is recoverable by the retry sweep. One webhook failing never
// blocks the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, txn *domain.Transaction) {
	event, ok := txn.Type.EventName()
	if !ok {
		return
	}

	webhooks, err := d.store.ActiveWebhooksForEvent(ctx, txn.AccountID, event)
	if err != nil {
		d.log.ErrorContext(ctx, "webhook lookup failed", "transaction_id", txn.ID, "error", err)
		return
	}

	for _, wh := range webhooks {
		delivery := &domain.WebhookDelivery{
			ID:            uuid.New(),
			WebhookID:     wh.ID,
			TransactionID: txn.ID,
			Status:        domain.DeliveryPending,
			Attempts:      0,
			MaxAttempts:   d.maxAttempts,
			CreatedAt:     d.now(),
			UpdatedAt:     d.now(),
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			d.log.ErrorContext(ctx, "delivery intent insert failed",
				"webhook_id", wh.ID, "transaction_id", txn.ID, "error", err)
			continue
		}
		d.attempt(ctx, wh, txn, delivery)
	}
}

// attempt performs one signed HTTP POST and folds the outcome into the
// delivery's retry state. A retry sweep re-runs this exactly as the first
// attempt was run.
func (d *Dispatcher) attempt(ctx context.Context, wh *domain.Webhook, txn *domain.Transaction, delivery *domain.WebhookDelivery) {
	event, _ := txn.Type.EventName()

	txnJSON, err := json.Marshal(txn)
	if err != nil {
		d.log.ErrorContext(ctx, "payload encode failed", "transaction_id", txn.ID, "error", err)
		return
	}
	signature := Sign(wh.Secret, txnJSON)

	body, err := json.Marshal(domain.WebhookPayload{
		Event:       event,
		Transaction: txnJSON,
		Timestamp:   d.now(),
		Signature:   signature,
	})
	if err != nil {
		d.log.ErrorContext(ctx, "payload encode failed", "transaction_id", txn.ID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		d.recordFailure(ctx, wh, delivery, fmt.Errorf("request build failed: %w", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderEvent, event)

	start := d.now()
	resp, err := d.client.Do(req)
	d.metrics.DeliveryDuration.Observe(d.now().Sub(start).Seconds())
	if err != nil {
		d.recordFailure(ctx, wh, delivery, err)
		return
	}
	defer resp.Body.Close()

	// A response of any status counts as delivered; the subscriber's status
	// and body are recorded for inspection.
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err := d.store.MarkDelivered(ctx, delivery.ID, resp.StatusCode, string(respBody)); err != nil {
		d.log.ErrorContext(ctx, "delivery update failed", "delivery_id", delivery.ID, "error", err)
		return
	}
	d.metrics.DeliveryAttempts.WithLabelValues("delivered").Inc()
	d.log.InfoContext(ctx, "webhook delivered",
		"delivery_id", delivery.ID,
		"webhook_id", wh.ID,
		"response_status", resp.StatusCode,
		"attempt", delivery.Attempts+1,
	)
}

// recordFailure handles a transport failure: schedule a retry while attempts
// remain, otherwise the delivery is terminally failed.
func (d *Dispatcher) recordFailure(ctx context.Context, wh *domain.Webhook, delivery *domain.WebhookDelivery, cause error) {
	attempts := delivery.Attempts + 1
	if attempts < delivery.MaxAttempts {
		nextRetry := d.now().Add(d.backoff)
		if err := d.store.MarkRetrying(ctx, delivery.ID, nextRetry); err != nil {
			d.log.ErrorContext(ctx, "delivery update failed", "delivery_id", delivery.ID, "error", err)
			return
		}
		d.metrics.DeliveryAttempts.WithLabelValues("retrying").Inc()
		d.log.WarnContext(ctx, "webhook delivery failed, will retry",
			"delivery_id", delivery.ID,
			"webhook_id", wh.ID,
			"attempt", attempts,
			"next_retry_at", nextRetry,
			"error", cause,
		)
		return
	}

	if err := d.store.MarkFailed(ctx, delivery.ID); err != nil {
		d.log.ErrorContext(ctx, "delivery update failed", "delivery_id", delivery.ID, "error", err)
		return
	}
	d.metrics.DeliveryAttempts.WithLabelValues("failed").Inc()
	d.log.ErrorContext(ctx, "webhook delivery exhausted retries",
		"delivery_id", delivery.ID,
		"webhook_id", wh.ID,
		"attempts", attempts,
		"error", cause,
	)
}
