package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/repo"
	"go.uber.org/zap"
)

const defaultListLimit = 100

// Posting is a request to append one entry.
type Posting struct {
	AccountID   string
	Amount      int64
	Kind        db.EntryKind
	ReferenceID string
	// IdempotencyKey makes the posting safe to replay. Empty means every call
	// appends a new entry.
	IdempotencyKey string
}

type Service struct {
	db      *db.DB
	entries *repo.LedgerRepository
	cache   BalanceCache
	clock   clock.Clock
	metrics *metrics.Metrics
	log     *zap.Logger
}

func NewService(database *db.DB, entries *repo.LedgerRepository, cache BalanceCache, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Service {
	if cache == nil {
		cache = NopCache{}
	}
	return &Service{
		db:      database,
		entries: entries,
		cache:   cache,
		clock:   clk,
		metrics: m,
		log:     log,
	}
}

// PostEntry appends an entry. It reports false when the idempotency key was
// already used, in which case nothing is written.
func (s *Service) PostEntry(ctx context.Context, p Posting) (bool, error) {
	if p.AccountID == "" || p.ReferenceID == "" {
		return false, fmt.Errorf("posting needs an account and a reference: %w", domain.ErrValidation)
	}
	if !p.Kind.Valid() {
		return false, fmt.Errorf("unknown entry kind %q: %w", p.Kind, domain.ErrValidation)
	}
	if p.Amount == 0 {
		return false, fmt.Errorf("zero posting: %w", domain.ErrInvalidAmount)
	}

	key := p.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	now := s.clock.Now()
	applied := false
	err := s.db.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.entries.EnsureAccount(txCtx, p.AccountID, now); err != nil {
			return err
		}

		var err error
		applied, err = s.entries.Append(txCtx, &db.LedgerEntry{
			ID:             uuid.NewString(),
			AccountID:      p.AccountID,
			Amount:         p.Amount,
			Kind:           p.Kind,
			ReferenceID:    p.ReferenceID,
			IdempotencyKey: key,
			CreatedAt:      now,
		})
		if err != nil || !applied {
			return err
		}

		db.AfterCommit(txCtx, func() {
			s.cache.Invalidate(context.Background(), p.AccountID)
			s.metrics.LedgerPosting(string(p.Kind))
		})
		return nil
	})
	if err != nil {
		return false, err
	}

	if applied {
		s.log.Info("Ledger entry posted",
			zap.String("account_id", p.AccountID),
			zap.String("kind", string(p.Kind)),
			zap.Int64("amount", p.Amount),
			zap.String("reference_id", p.ReferenceID),
		)
	} else {
		s.log.Debug("Ledger posting replayed", zap.String("idempotency_key", key))
	}
	return applied, nil
}

// BalanceOf returns the derived balance, served from the cache when possible.
// Decisions that debit an account must use AuthoritativeBalance instead.
func (s *Service) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	balance, generation, ok := s.cache.Get(ctx, accountID)
	if ok {
		return balance, nil
	}

	balance, err := s.entries.Sum(ctx, accountID)
	if err != nil {
		return 0, err
	}

	s.cache.Set(ctx, accountID, generation, balance)
	return balance, nil
}

// AuthoritativeBalance replays the entries, bypassing the cache. Inside a
// transaction holding the account lock the result cannot go stale.
func (s *Service) AuthoritativeBalance(ctx context.Context, accountID string) (int64, error) {
	return s.entries.Sum(ctx, accountID)
}

// LockAccount serializes debits against accountID until ctx's transaction ends.
func (s *Service) LockAccount(ctx context.Context, accountID string) error {
	if !db.InTx(ctx) {
		return fmt.Errorf("lock %s outside a transaction: %w", accountID, domain.ErrValidation)
	}
	if err := s.entries.EnsureAccount(ctx, accountID, s.clock.Now()); err != nil {
		return err
	}
	return s.entries.LockAccount(ctx, accountID)
}

// Entries lists the newest entries of an account.
func (s *Service) Entries(ctx context.Context, accountID string, limit int) ([]db.LedgerEntry, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.entries.List(ctx, accountID, limit)
}

// EntriesFor lists every entry posted for a booking or withdrawal.
func (s *Service) EntriesFor(ctx context.Context, referenceID string) ([]db.LedgerEntry, error) {
	return s.entries.ListByReference(ctx, referenceID)
}
