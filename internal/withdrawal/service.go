// Package withdrawal reserves provider funds for payout so that a wallet can
// never be drawn below its retained minimum.
package withdrawal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/ledger"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/notify"
	"github.com/marketplace/services/settlement/internal/repo"
	"go.uber.org/zap"
)

type Service struct {
	db          *db.DB
	withdrawals *repo.WithdrawalRepository
	ledger      *ledger.Service
	notifier    notify.Notifier
	clock       clock.Clock
	metrics     *metrics.Metrics
	log         *zap.Logger
	minRetained int64
}

func NewService(
	database *db.DB,
	withdrawals *repo.WithdrawalRepository,
	ledgerSvc *ledger.Service,
	notifier notify.Notifier,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
	minimumRetainedBalance int64,
) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		db:          database,
		withdrawals: withdrawals,
		ledger:      ledgerSvc,
		notifier:    notifier,
		clock:       clk,
		metrics:     m,
		log:         log,
		minRetained: minimumRetainedBalance,
	}
}

// RequestWithdrawal debits amount from the account and records the request in
// one transaction. The account row lock makes concurrent requests see each
// other's reserve entries.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID string, amount int64) (*db.WithdrawalRequest, error) {
	if !ledger.IsProviderAccount(accountID) {
		return nil, fmt.Errorf("account %q: only provider accounts can withdraw: %w", accountID, domain.ErrValidation)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("amount %d: %w", amount, domain.ErrInvalidAmount)
	}

	now := s.clock.Now()
	request := &db.WithdrawalRequest{
		ID:                     uuid.NewString(),
		AccountID:              accountID,
		Amount:                 amount,
		State:                  db.WithdrawalReserved,
		MinimumRetainedBalance: s.minRetained,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	err := s.db.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.ledger.LockAccount(txCtx, accountID); err != nil {
			return err
		}

		balance, err := s.ledger.AuthoritativeBalance(txCtx, accountID)
		if err != nil {
			return err
		}
		available := balance - s.minRetained
		if amount > available {
			return fmt.Errorf("requested %d, available %d: %w", amount, available, domain.ErrInsufficientAvailableBalance)
		}

		if err := s.withdrawals.Create(txCtx, request); err != nil {
			return err
		}
		if _, err := s.ledger.PostEntry(txCtx, ledger.Posting{
			AccountID:      accountID,
			Amount:         -amount,
			Kind:           db.KindWithdrawalReserve,
			ReferenceID:    request.ID,
			IdempotencyKey: postingKey(request.ID, "reserve"),
		}); err != nil {
			return err
		}

		db.AfterCommit(txCtx, func() {
			s.metrics.WithdrawalTransition(string(db.WithdrawalReserved))
			s.notifier.Notify(ctx, notify.WithdrawalReserved, payload(request))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Withdrawal reserved",
		zap.String("withdrawal_id", request.ID),
		zap.String("account_id", accountID),
		zap.Int64("amount", amount),
	)
	return request, nil
}

// ConfirmPayout marks a reserved withdrawal as paid out. Repeating it is a
// no-op that reports applied=false.
func (s *Service) ConfirmPayout(ctx context.Context, withdrawalID string) (*db.WithdrawalRequest, bool, error) {
	return s.settle(ctx, withdrawalID, db.WithdrawalPaidOut, "")
}

// FailPayout marks a reserved withdrawal as failed and credits the reserved
// amount back. Repeating it is a no-op.
func (s *Service) FailPayout(ctx context.Context, withdrawalID, reason string) (*db.WithdrawalRequest, bool, error) {
	return s.settle(ctx, withdrawalID, db.WithdrawalFailed, reason)
}

func (s *Service) Get(ctx context.Context, withdrawalID string) (*db.WithdrawalRequest, error) {
	return s.withdrawals.Get(ctx, withdrawalID)
}

func (s *Service) settle(ctx context.Context, withdrawalID string, to db.WithdrawalState, reason string) (*db.WithdrawalRequest, bool, error) {
	reason = db.TruncateReason(reason)
	var (
		request *db.WithdrawalRequest
		applied bool
	)

	err := s.db.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		request, err = s.withdrawals.Get(txCtx, withdrawalID)
		if err != nil {
			return err
		}
		if request.State == to {
			return nil
		}
		if request.State != db.WithdrawalReserved {
			return fmt.Errorf("withdrawal %s: %s to %s: %w", withdrawalID, request.State, to, domain.ErrInvalidTransition)
		}

		now := s.clock.Now()
		fields := map[string]interface{}{"updated_at": now}
		if reason != "" {
			fields["failure_reason"] = reason
		}

		won, err := s.withdrawals.Transition(txCtx, withdrawalID, db.WithdrawalReserved, to, fields)
		if err != nil {
			return err
		}
		if !won {
			request, err = s.withdrawals.Get(txCtx, withdrawalID)
			if err != nil {
				return err
			}
			if request.State == to {
				return nil
			}
			return fmt.Errorf("withdrawal %s: %s to %s: %w", withdrawalID, request.State, to, domain.ErrInvalidTransition)
		}

		request.State = to
		request.FailureReason = reason
		request.UpdatedAt = now

		eventType := notify.WithdrawalPaidOut
		if to == db.WithdrawalFailed {
			eventType = notify.WithdrawalFailed
			if _, err := s.ledger.PostEntry(txCtx, ledger.Posting{
				AccountID:      request.AccountID,
				Amount:         request.Amount,
				Kind:           db.KindWithdrawalRelease,
				ReferenceID:    request.ID,
				IdempotencyKey: postingKey(request.ID, "release"),
			}); err != nil {
				return err
			}
		}

		applied = true
		db.AfterCommit(txCtx, func() {
			s.metrics.WithdrawalTransition(string(to))
			s.notifier.Notify(ctx, eventType, payload(request))
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		s.log.Info("Withdrawal settled",
			zap.String("withdrawal_id", request.ID),
			zap.String("account_id", request.AccountID),
			zap.String("state", string(request.State)),
		)
	}
	return request, applied, nil
}

func postingKey(withdrawalID, suffix string) string {
	return "withdrawal:" + withdrawalID + ":" + suffix
}

func payload(r *db.WithdrawalRequest) map[string]interface{} {
	p := map[string]interface{}{
		"withdrawal_id": r.ID,
		"account_id":    r.AccountID,
		"amount":        r.Amount,
		"state":         string(r.State),
	}
	if r.FailureReason != "" {
		p["reason"] = r.FailureReason
	}
	return p
}
