package repo

import (
	"context"

	"github.com/marketplace/services/settlement/internal/db"
	"go.uber.org/zap"
	"gorm.io/gorm/clause"
)

// GatewayEventRepository remembers which gateway events were already applied.
type GatewayEventRepository struct {
	db  *db.DB
	log *zap.Logger
}

func NewGatewayEventRepository(database *db.DB, logger *zap.Logger) *GatewayEventRepository {
	return &GatewayEventRepository{
		db:  database,
		log: logger,
	}
}

func (r *GatewayEventRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int64
	if err := r.db.Conn(ctx).Model(&db.ProcessedGatewayEvent{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		return false, wrap("check processed event", err)
	}
	return count > 0, nil
}

// MarkProcessed records the event; false means another delivery recorded it first.
func (r *GatewayEventRepository) MarkProcessed(ctx context.Context, event *db.ProcessedGatewayEvent) (bool, error) {
	res := r.db.Conn(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "event_id"}}, DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, wrap("mark event processed", res.Error)
	}
	return res.RowsAffected == 1, nil
}
