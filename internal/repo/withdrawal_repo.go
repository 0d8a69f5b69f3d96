package repo

import (
	"context"

	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"go.uber.org/zap"
)

// WithdrawalRepository persists withdrawal requests.
type WithdrawalRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewWithdrawalRepository creates a new withdrawal repository
func NewWithdrawalRepository(database *db.DB, logger *zap.Logger) *WithdrawalRepository {
	return &WithdrawalRepository{
		db:  database,
		log: logger,
	}
}

func (r *WithdrawalRepository) Create(ctx context.Context, request *db.WithdrawalRequest) error {
	if err := r.db.Conn(ctx).Create(request).Error; err != nil {
		r.log.Error("Failed to create withdrawal request", zap.String("withdrawal_id", request.ID), zap.Error(err))
		return wrap("create withdrawal", err)
	}
	return nil
}

func (r *WithdrawalRepository) Get(ctx context.Context, id string) (*db.WithdrawalRequest, error) {
	var request db.WithdrawalRequest
	if err := r.db.Conn(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, lookup("get withdrawal", err, domain.ErrWithdrawalNotFound)
	}
	return &request, nil
}

// Transition applies a state change only from the expected prior state.
func (r *WithdrawalRepository) Transition(ctx context.Context, id string, from, to db.WithdrawalState, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"state": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.Conn(ctx).Model(&db.WithdrawalRequest{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, wrap("transition withdrawal", res.Error)
	}
	return res.RowsAffected == 1, nil
}
