package repo

import (
	"context"
	"time"

	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"go.uber.org/zap"
)

// BookingRepository persists bookings and their tickets.
type BookingRepository struct {
	db  *db.DB
	log *zap.Logger
}

// NewBookingRepository creates a new booking repository
func NewBookingRepository(database *db.DB, logger *zap.Logger) *BookingRepository {
	return &BookingRepository{
		db:  database,
		log: logger,
	}
}

// Create inserts a new booking
func (r *BookingRepository) Create(ctx context.Context, booking *db.Booking) error {
	if err := r.db.Conn(ctx).Create(booking).Error; err != nil {
		r.log.Error("Failed to create booking", zap.String("booking_id", booking.ID), zap.Error(err))
		return wrap("create booking", err)
	}
	return nil
}

// Get retrieves a booking by id
func (r *BookingRepository) Get(ctx context.Context, id string) (*db.Booking, error) {
	var booking db.Booking
	if err := r.db.Conn(ctx).Where("id = ?", id).First(&booking).Error; err != nil {
		return nil, lookup("get booking", err, domain.ErrBookingNotFound)
	}
	return &booking, nil
}

// GetByGatewayReference retrieves the booking a gateway charge belongs to
func (r *BookingRepository) GetByGatewayReference(ctx context.Context, reference string) (*db.Booking, error) {
	var booking db.Booking
	if err := r.db.Conn(ctx).Where("gateway_reference = ?", reference).First(&booking).Error; err != nil {
		return nil, lookup("get booking by reference", err, domain.ErrBookingNotFound)
	}
	return &booking, nil
}

// AttachGatewayReference stores the charge reference on a pending booking. It
// reports false if the booking is no longer pending or already carries a
// different reference.
func (r *BookingRepository) AttachGatewayReference(ctx context.Context, id, reference string, now time.Time) (bool, error) {
	res := r.db.Conn(ctx).Model(&db.Booking{}).
		Where("id = ? AND state = ? AND (gateway_reference IS NULL OR gateway_reference = ?)", id, db.BookingPending, reference).
		Updates(map[string]interface{}{
			"gateway_reference": reference,
			"updated_at":        now,
		})
	if res.Error != nil {
		return false, wrap("attach gateway reference", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Transition moves a booking from one state to another only if it is still in
// the expected prior state. It reports whether this caller won the transition.
func (r *BookingRepository) Transition(ctx context.Context, id string, from, to db.BookingState, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"state": to}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.Conn(ctx).Model(&db.Booking{}).
		Where("id = ? AND state = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		r.log.Error("Failed to transition booking",
			zap.String("booking_id", id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(res.Error),
		)
		return false, wrap("transition booking", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListPendingBefore returns pending bookings created before the cutoff, oldest first.
func (r *BookingRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]db.Booking, error) {
	var bookings []db.Booking
	err := r.db.Conn(ctx).
		Where("state = ? AND created_at < ?", db.BookingPending, before).
		Order("created_at ASC").
		Limit(limit).
		Find(&bookings).Error
	if err != nil {
		return nil, wrap("list stale pending bookings", err)
	}
	return bookings, nil
}

// CreateTickets inserts the tickets issued for a booking
func (r *BookingRepository) CreateTickets(ctx context.Context, tickets []db.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	return wrap("create tickets", r.db.Conn(ctx).Create(&tickets).Error)
}

// ListTickets returns a booking's tickets ordered by serial
func (r *BookingRepository) ListTickets(ctx context.Context, bookingID string) ([]db.Ticket, error) {
	var tickets []db.Ticket
	if err := r.db.Conn(ctx).Where("booking_id = ?", bookingID).Order("serial ASC").Find(&tickets).Error; err != nil {
		return nil, wrap("list tickets", err)
	}
	return tickets, nil
}
