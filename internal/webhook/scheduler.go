package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// Scheduler is the single periodic sweep that resumes deliveries whose retry
// deadline has elapsed. SkipIfStillRunning guarantees sweeps never overlap,
// so a delivery cannot be attempted twice by competing sweeps.
type Scheduler struct {
	store      store.Store
	dispatcher *Dispatcher
	log        *slog.Logger
	interval   time.Duration
	now        func() time.Time
	cron       *cron.Cron
}

func NewScheduler(s store.Store, dispatcher *Dispatcher, log *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	sched := &Scheduler{
		store:      s,
		dispatcher: dispatcher,
		log:        log,
		interval:   interval,
		now:        time.Now,
	}
	sched.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})))
	return sched
}

func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.Sweep(context.Background())
	})
	if err != nil {
		return fmt.Errorf("scheduling retry sweep failed: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep re-dispatches every due delivery. Failures are logged, never
// propagated; each attempt runs exactly as a first attempt would.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.store.DueDeliveries(ctx, s.now())
	if err != nil {
		s.log.ErrorContext(ctx, "due delivery query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	s.log.InfoContext(ctx, "retry sweep started", "due", len(due))

	for _, delivery := range due {
		wh, err := s.store.GetWebhook(ctx, delivery.WebhookID)
		if err != nil {
			s.log.ErrorContext(ctx, "webhook load failed", "delivery_id", delivery.ID, "error", err)
			continue
		}
		txn, err := s.store.GetTransaction(ctx, delivery.TransactionID)
		if err != nil {
			s.log.ErrorContext(ctx, "transaction load failed", "delivery_id", delivery.ID, "error", err)
			continue
		}
		s.dispatcher.attempt(ctx, wh, txn, delivery)
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
