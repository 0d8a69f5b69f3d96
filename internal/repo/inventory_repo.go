package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryRepository owns inventory units and their reservation tokens.
type InventoryRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewInventoryRepository creates a new inventory repository
func NewInventoryRepository(database *db.DB, logger *zap.Logger) *InventoryRepository {
	return &InventoryRepository{
		db:  database,
		log: logger,
	}
}

// GetUnit retrieves an inventory unit by id
func (r *InventoryRepository) GetUnit(ctx context.Context, id string) (*db.InventoryUnit, error) {
	var unit db.InventoryUnit
	if err := r.db.Conn(ctx).Where("id = ?", id).First(&unit).Error; err != nil {
		return nil, lookup("get inventory unit", err, domain.ErrListingNotFound)
	}
	return &unit, nil
}

// UpsertListing inserts a unit or refreshes its listing columns. The reserved
// counter is never written here, and a capacity below it is raised to it so
// the rest of the update still lands.
func (r *InventoryRepository) UpsertListing(ctx context.Context, unit *db.InventoryUnit) error {
	updates := clause.AssignmentColumns([]string{
		"provider_account_id", "title", "unit_price", "currency",
		"commission_rate", "is_exempt", "updated_at",
	})
	updates = append(updates, clause.Assignment{
		Column: clause.Column{Name: "capacity"},
		Value: gorm.Expr("CASE WHEN excluded.capacity IS NOT NULL AND excluded.capacity < inventory_units.reserved " +
			"THEN inventory_units.reserved ELSE excluded.capacity END"),
	})

	err := r.db.Conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: updates,
	}).Omit("reserved").Create(unit).Error
	if err != nil {
		r.log.Error("Failed to upsert listing", zap.String("inventory_unit_id", unit.ID), zap.Error(err))
		return wrap("upsert listing", err)
	}

	r.log.Info("Listing synced", zap.String("inventory_unit_id", unit.ID))
	return nil
}

// Reserve atomically claims quantity units. The conditional increment is the
// only write path to reserved, so concurrent callers can never push it past
// capacity. The returned row is the reservation token.
func (r *InventoryRepository) Reserve(ctx context.Context, unitID string, quantity int64, now time.Time) (*db.CapacityReservation, error) {
	var reservation *db.CapacityReservation

	err := r.db.WithTx(ctx, func(txCtx context.Context) error {
		conn := r.db.Conn(txCtx)

		res := conn.Model(&db.InventoryUnit{}).
			Where("id = ? AND (capacity IS NULL OR reserved + ? <= capacity)", unitID, quantity).
			Updates(map[string]interface{}{
				"reserved":   gorm.Expr("reserved + ?", quantity),
				"updated_at": now,
			})
		if res.Error != nil {
			return wrap("increment reserved", res.Error)
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := conn.Model(&db.InventoryUnit{}).Where("id = ?", unitID).Count(&count).Error; err != nil {
				return wrap("check inventory unit", err)
			}
			if count == 0 {
				return domain.ErrListingNotFound
			}
			return domain.ErrCapacityExceeded
		}

		reservation = &db.CapacityReservation{
			ID:              uuid.NewString(),
			InventoryUnitID: unitID,
			Quantity:        quantity,
			CreatedAt:       now,
		}
		return wrap("create reservation", conn.Create(reservation).Error)
	})
	if err != nil {
		return nil, err
	}

	return reservation, nil
}

// Release returns a reservation's quantity to the pool. It reports false when
// the reservation was already released.
func (r *InventoryRepository) Release(ctx context.Context, reservationID string, now time.Time) (bool, error) {
	released := false

	err := r.db.WithTx(ctx, func(txCtx context.Context) error {
		conn := r.db.Conn(txCtx)

		var reservation db.CapacityReservation
		if err := conn.Where("id = ?", reservationID).First(&reservation).Error; err != nil {
			return lookup("get reservation", err, domain.ErrReservationMissing)
		}

		res := conn.Model(&db.CapacityReservation{}).
			Where("id = ? AND released_at IS NULL", reservationID).
			Update("released_at", now)
		if res.Error != nil {
			return wrap("mark reservation released", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		res = conn.Model(&db.InventoryUnit{}).
			Where("id = ?", reservation.InventoryUnitID).
			Updates(map[string]interface{}{
				"reserved":   gorm.Expr("reserved - ?", reservation.Quantity),
				"updated_at": now,
			})
		if res.Error != nil {
			return wrap("decrement reserved", res.Error)
		}

		released = true
		return nil
	})
	if err != nil {
		return false, err
	}

	return released, nil
}

// ListOrphanReservations returns unreleased reservations created before the
// cutoff that never got a booking.
func (r *InventoryRepository) ListOrphanReservations(ctx context.Context, before time.Time, limit int) ([]db.CapacityReservation, error) {
	var reservations []db.CapacityReservation
	err := r.db.Conn(ctx).
		Where("released_at IS NULL AND created_at < ?", before).
		Where("NOT EXISTS (SELECT 1 FROM bookings WHERE bookings.reservation_id = capacity_reservations.id)").
		Order("created_at ASC").
		Limit(limit).
		Find(&reservations).Error
	if err != nil {
		return nil, wrap("list orphan reservations", err)
	}
	return reservations, nil
}
