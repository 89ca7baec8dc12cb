package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/punchamoorthee/ledgerhooks/internal/domain"
	"github.com/punchamoorthee/ledgerhooks/internal/metrics"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
)

// Service handles account onboarding and API key authentication. Balances
// are only read here; all mutation goes through the ledger engine.
type Service struct {
	store   store.Store
	metrics *metrics.Collector
	log     *slog.Logger
	now     func() time.Time
}

func NewService(s store.Store, collector *metrics.Collector, log *slog.Logger) *Service {
	return &Service{store: s, metrics: collector, log: log, now: time.Now}
}

// Create opens an account with zero balance and issues its first API key.
// The cleartext key is returned exactly once; only its hash is stored.
func (s *Service) Create(ctx context.Context, businessName, email string) (*domain.Account, string, error) {
	acct := &domain.Account{
		ID:           uuid.New(),
		BusinessName: businessName,
		Email:        email,
		Balance:      0,
		CreatedAt:    s.now(),
		UpdatedAt:    s.now(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, "", err
	}

	apiKey := uuid.NewString()
	key := &domain.APIKey{
		ID:        uuid.New(),
		AccountID: acct.ID,
		KeyHash:   HashKey(apiKey),
		Name:      "Default API Key",
		IsActive:  true,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertAPIKey(ctx, key); err != nil {
		return nil, "", err
	}

	s.metrics.AccountsCreated.Inc()
	s.log.InfoContext(ctx, "account created", "account_id", acct.ID, "business_name", businessName)
	return acct, apiKey, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.store.GetAccount(ctx, id)
}

func (s *Service) Balance(ctx context.Context, id uuid.UUID) (int64, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acct.Balance, nil
}

// Authenticate resolves a cleartext API key to its account id.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (uuid.UUID, error) {
	return s.store.AccountIDForKeyHash(ctx, HashKey(apiKey))
}

// HashKey is the stored form of an API key. SHA-256 keeps the lookup
// deterministic.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
