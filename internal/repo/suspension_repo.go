package repo

import (
	"context"
	"errors"

	"github.com/marketplace/services/settlement/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SuspensionRepository mirrors moderation suspensions for purchase gating.
type SuspensionRepository struct {
	db  *db.DB
	log *zap.Logger
}

func NewSuspensionRepository(database *db.DB, logger *zap.Logger) *SuspensionRepository {
	return &SuspensionRepository{
		db:  database,
		log: logger,
	}
}

// Get returns the buyer's suspension, or nil when there is none.
func (r *SuspensionRepository) Get(ctx context.Context, buyerID string) (*db.BuyerSuspension, error) {
	var suspension db.BuyerSuspension
	err := r.db.Conn(ctx).Where("buyer_id = ?", buyerID).First(&suspension).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get suspension", err)
	}
	return &suspension, nil
}

func (r *SuspensionRepository) Suspend(ctx context.Context, suspension *db.BuyerSuspension) error {
	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "buyer_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "until", "suspended_at"}),
	}).Create(suspension).Error
	if err != nil {
		return wrap("suspend buyer", err)
	}
	r.log.Info("Buyer suspended", zap.String("buyer_id", suspension.BuyerID))
	return nil
}

func (r *SuspensionRepository) Reinstate(ctx context.Context, buyerID string) error {
	if err := r.db.Conn(ctx).Where("buyer_id = ?", buyerID).Delete(&db.BuyerSuspension{}).Error; err != nil {
		return wrap("reinstate buyer", err)
	}
	r.log.Info("Buyer reinstated", zap.String("buyer_id", buyerID))
	return nil
}
