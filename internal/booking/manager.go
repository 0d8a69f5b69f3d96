// Package booking owns the booking state machine: pending → confirmed and
// pending → failed. Every side effect of a transition (tickets, ledger
// postings, capacity release, points reversal) commits in the same
// transaction as the state change.
package booking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marketplace/services/settlement/internal/capacity"
	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/ledger"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/notify"
	"github.com/marketplace/services/settlement/internal/pricing"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Eligibility answers whether a buyer may purchase right now.
type Eligibility interface {
	IsBuyerEligible(ctx context.Context, buyerID string) (bool, error)
}

// Listings supplies the pricing input of an inventory unit.
type Listings interface {
	GetListingPricing(ctx context.Context, inventoryUnitID string) (domain.ListingPricing, error)
}

// DefaultMaxQuantity bounds the tickets issued for one booking when Config
// leaves MaxQuantity unset.
const DefaultMaxQuantity = 100

type Config struct {
	PlatformAccountID  string
	LoyaltyEarnPercent decimal.Decimal
	MaxQuantity        int64
}

// CreateRequest is the input of CreateBooking.
type CreateRequest struct {
	BuyerID         string
	InventoryUnitID string
	Quantity        int64
	PointsToRedeem  int64
}

// View is a booking together with its issued tickets.
type View struct {
	Booking *db.Booking
	Tickets []db.Ticket
}

type Manager struct {
	db          *db.DB
	bookings    *repo.BookingRepository
	capacity    *capacity.Service
	ledger      *ledger.Service
	listings    Listings
	eligibility Eligibility
	notifier    notify.Notifier
	clock       clock.Clock
	metrics     *metrics.Metrics
	log         *zap.Logger
	cfg         Config
}

func NewManager(
	database *db.DB,
	bookings *repo.BookingRepository,
	capacitySvc *capacity.Service,
	ledgerSvc *ledger.Service,
	listings Listings,
	eligibility Eligibility,
	notifier notify.Notifier,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
	cfg Config,
) *Manager {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.MaxQuantity <= 0 {
		cfg.MaxQuantity = DefaultMaxQuantity
	}
	return &Manager{
		db:          database,
		bookings:    bookings,
		capacity:    capacitySvc,
		ledger:      ledgerSvc,
		listings:    listings,
		eligibility: eligibility,
		notifier:    notifier,
		clock:       clk,
		metrics:     m,
		log:         log,
		cfg:         cfg,
	}
}

// CreateBooking claims capacity, snapshots the price breakdown and persists a
// pending booking. Redeemed points are debited immediately and restored if
// the booking later fails.
func (m *Manager) CreateBooking(ctx context.Context, req CreateRequest) (*db.Booking, error) {
	if req.BuyerID == "" || req.InventoryUnitID == "" {
		return nil, fmt.Errorf("buyer and inventory unit are required: %w", domain.ErrValidation)
	}
	if req.Quantity <= 0 || req.Quantity > m.cfg.MaxQuantity {
		return nil, fmt.Errorf("quantity %d outside 1..%d: %w", req.Quantity, m.cfg.MaxQuantity, domain.ErrInvalidQuantity)
	}
	if req.PointsToRedeem < 0 {
		return nil, fmt.Errorf("points %d: %w", req.PointsToRedeem, domain.ErrInvalidAmount)
	}

	eligible, err := m.eligibility.IsBuyerEligible(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("check buyer eligibility: %w", err)
	}
	if !eligible {
		return nil, domain.ErrBuyerSuspended
	}

	listing, err := m.listings.GetListingPricing(ctx, req.InventoryUnitID)
	if err != nil {
		return nil, err
	}

	if listing.UnitPrice < 0 {
		return nil, fmt.Errorf("unit price %d: %w", listing.UnitPrice, domain.ErrInvalidAmount)
	}
	if listing.UnitPrice > 0 && req.Quantity > math.MaxInt64/listing.UnitPrice {
		return nil, fmt.Errorf("%d x %d overflows the gross amount: %w", req.Quantity, listing.UnitPrice, domain.ErrInvalidAmount)
	}
	gross := listing.UnitPrice * req.Quantity
	breakdown, err := pricing.ComputeBreakdown(gross, listing.CommissionRate, listing.IsExempt)
	if err != nil {
		return nil, err
	}

	token, err := m.capacity.Reserve(ctx, req.InventoryUnitID, req.Quantity)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			return nil, fmt.Errorf("%w: %w", domain.ErrInsufficientCapacity, err)
		}
		return nil, err
	}

	now := m.clock.Now()
	booking := &db.Booking{
		ID:                 uuid.NewString(),
		BuyerID:            req.BuyerID,
		InventoryUnitID:    req.InventoryUnitID,
		ReservationID:      token.ID,
		ProviderAccountID:  listing.ProviderAccountID,
		Quantity:           req.Quantity,
		Currency:           listing.Currency,
		GrossAmount:        gross,
		CommissionRate:     breakdown.CommissionRate,
		PlatformCommission: breakdown.PlatformCommission,
		VatOnCommission:    breakdown.VatOnCommission,
		NetCommission:      breakdown.NetCommission,
		ProviderEarnings:   breakdown.ProviderEarnings,
		IsCommissionExempt: breakdown.IsExempt,
		State:              db.BookingPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = m.db.WithTx(ctx, func(txCtx context.Context) error {
		if req.PointsToRedeem > 0 {
			account := ledger.LoyaltyAccount(req.BuyerID)
			if err := m.ledger.LockAccount(txCtx, account); err != nil {
				return err
			}
			balance, err := m.ledger.AuthoritativeBalance(txCtx, account)
			if err != nil {
				return err
			}
			if balance < req.PointsToRedeem {
				return fmt.Errorf("balance %d, requested %d: %w", balance, req.PointsToRedeem, domain.ErrInsufficientPoints)
			}
			booking.PointsRedeemed = min(req.PointsToRedeem, gross)
		}
		booking.NetPayable = gross - booking.PointsRedeemed

		if err := m.bookings.Create(txCtx, booking); err != nil {
			return err
		}

		if booking.PointsRedeemed > 0 {
			if _, err := m.ledger.PostEntry(txCtx, ledger.Posting{
				AccountID:      ledger.LoyaltyAccount(booking.BuyerID),
				Amount:         -booking.PointsRedeemed,
				Kind:           db.KindLoyaltyRedeem,
				ReferenceID:    booking.ID,
				IdempotencyKey: postingKey(booking.ID, "loyalty_redeem"),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if _, releaseErr := m.capacity.Release(ctx, token.ID); releaseErr != nil {
			m.log.Error("Failed to release reservation after aborted booking",
				zap.String("reservation_id", token.ID),
				zap.Error(releaseErr),
			)
		}
		return nil, err
	}

	m.metrics.BookingTransition(string(db.BookingPending))
	m.log.Info("Booking created",
		zap.String("booking_id", booking.ID),
		zap.String("buyer_id", booking.BuyerID),
		zap.String("inventory_unit_id", booking.InventoryUnitID),
		zap.Int64("gross_amount", booking.GrossAmount),
		zap.Int64("net_payable", booking.NetPayable),
	)
	return booking, nil
}

// ConfirmBooking moves a pending booking to confirmed, issues its tickets and
// posts the earnings. Confirming an already confirmed booking is a no-op and
// reports applied=false.
func (m *Manager) ConfirmBooking(ctx context.Context, bookingID, gatewayReference string) (*db.Booking, bool, error) {
	var (
		booking *db.Booking
		applied bool
	)

	err := m.db.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		booking, err = m.bookings.Get(txCtx, bookingID)
		if err != nil {
			return err
		}

		switch booking.State {
		case db.BookingConfirmed:
			return nil
		case db.BookingFailed:
			return fmt.Errorf("confirm booking %s in state %s: %w", bookingID, booking.State, domain.ErrInvalidTransition)
		}
		if booking.GatewayReference != nil && gatewayReference != "" && *booking.GatewayReference != gatewayReference {
			return fmt.Errorf("booking %s is bound to another gateway reference: %w", bookingID, domain.ErrReconciliationConflict)
		}

		now := m.clock.Now()
		fields := map[string]interface{}{
			"confirmed_at": now,
			"updated_at":   now,
		}
		if gatewayReference != "" {
			fields["gateway_reference"] = gatewayReference
		}

		won, err := m.bookings.Transition(txCtx, bookingID, db.BookingPending, db.BookingConfirmed, fields)
		if err != nil {
			return err
		}
		if !won {
			// lost the race; re-evaluate against the committed state
			booking, err = m.bookings.Get(txCtx, bookingID)
			if err != nil {
				return err
			}
			if booking.State == db.BookingConfirmed {
				return nil
			}
			return fmt.Errorf("confirm booking %s in state %s: %w", bookingID, booking.State, domain.ErrInvalidTransition)
		}

		booking.State = db.BookingConfirmed
		booking.ConfirmedAt = &now
		if gatewayReference != "" {
			booking.GatewayReference = &gatewayReference
		}

		if err := m.bookings.CreateTickets(txCtx, newTickets(booking, now)); err != nil {
			return err
		}
		if err := m.postConfirmationEntries(txCtx, booking); err != nil {
			return err
		}

		applied = true
		db.AfterCommit(txCtx, func() {
			m.metrics.BookingTransition(string(db.BookingConfirmed))
			m.notifier.Notify(ctx, notify.BookingConfirmed, bookingPayload(booking))
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		m.log.Info("Booking confirmed",
			zap.String("booking_id", booking.ID),
			zap.Stringp("gateway_reference", booking.GatewayReference),
			zap.Int64("quantity", booking.Quantity),
		)
	}
	return booking, applied, nil
}

// FailBooking moves a pending booking to failed, releases its capacity and
// restores redeemed points. Failing an already failed booking is a no-op.
// This is the only failure path: explicit rejections, gateway timeouts and
// expiry all go through it.
func (m *Manager) FailBooking(ctx context.Context, bookingID, reason string) (*db.Booking, bool, error) {
	var (
		booking *db.Booking
		applied bool
	)

	err := m.db.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		booking, err = m.bookings.Get(txCtx, bookingID)
		if err != nil {
			return err
		}

		switch booking.State {
		case db.BookingFailed:
			return nil
		case db.BookingConfirmed:
			return fmt.Errorf("fail booking %s in state %s: %w", bookingID, booking.State, domain.ErrInvalidTransition)
		}

		now := m.clock.Now()
		reason = db.TruncateReason(reason)
		won, err := m.bookings.Transition(txCtx, bookingID, db.BookingPending, db.BookingFailed, map[string]interface{}{
			"failure_reason": reason,
			"failed_at":      now,
			"updated_at":     now,
		})
		if err != nil {
			return err
		}
		if !won {
			booking, err = m.bookings.Get(txCtx, bookingID)
			if err != nil {
				return err
			}
			if booking.State == db.BookingFailed {
				return nil
			}
			return fmt.Errorf("fail booking %s in state %s: %w", bookingID, booking.State, domain.ErrInvalidTransition)
		}

		booking.State = db.BookingFailed
		booking.FailureReason = reason
		booking.FailedAt = &now

		if _, err := m.capacity.Release(txCtx, booking.ReservationID); err != nil {
			if !errors.Is(err, domain.ErrReservationMissing) {
				return err
			}
			m.log.Warn("Failed booking has no reservation to release",
				zap.String("booking_id", booking.ID),
				zap.String("reservation_id", booking.ReservationID),
			)
		}

		if booking.PointsRedeemed > 0 {
			if _, err := m.ledger.PostEntry(txCtx, ledger.Posting{
				AccountID:      ledger.LoyaltyAccount(booking.BuyerID),
				Amount:         booking.PointsRedeemed,
				Kind:           db.KindLoyaltyRedeem,
				ReferenceID:    booking.ID,
				IdempotencyKey: postingKey(booking.ID, "loyalty_restore"),
			}); err != nil {
				return err
			}
		}

		applied = true
		db.AfterCommit(txCtx, func() {
			m.metrics.BookingTransition(string(db.BookingFailed))
			m.notifier.Notify(ctx, notify.BookingFailed, bookingPayload(booking))
		})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if applied {
		m.log.Info("Booking failed",
			zap.String("booking_id", booking.ID),
			zap.String("reason", reason),
			zap.Int64("points_restored", booking.PointsRedeemed),
		)
	}
	return booking, applied, nil
}

// AttachGatewayReference binds the charge reference to a pending booking.
func (m *Manager) AttachGatewayReference(ctx context.Context, bookingID, gatewayReference string) error {
	ok, err := m.bookings.AttachGatewayReference(ctx, bookingID, gatewayReference, m.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("attach reference to booking %s: %w", bookingID, domain.ErrInvalidTransition)
	}
	return nil
}

// Get returns a booking with its tickets.
func (m *Manager) Get(ctx context.Context, bookingID string) (*View, error) {
	booking, err := m.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	tickets, err := m.bookings.ListTickets(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return &View{Booking: booking, Tickets: tickets}, nil
}

// GetByGatewayReference finds the booking a charge belongs to.
func (m *Manager) GetByGatewayReference(ctx context.Context, gatewayReference string) (*db.Booking, error) {
	return m.bookings.GetByGatewayReference(ctx, gatewayReference)
}

func (m *Manager) postConfirmationEntries(ctx context.Context, booking *db.Booking) error {
	postings := []ledger.Posting{
		{
			AccountID: ledger.ProviderAccount(booking.ProviderAccountID),
			Amount:    booking.ProviderEarnings,
			Kind:      db.KindProviderEarning,
		},
		{
			AccountID: m.cfg.PlatformAccountID,
			Amount:    booking.PlatformCommission,
			Kind:      db.KindPlatformCommission,
		},
		{
			AccountID: ledger.LoyaltyAccount(booking.BuyerID),
			Amount:    pricing.Percentage(booking.NetPayable, m.cfg.LoyaltyEarnPercent),
			Kind:      db.KindLoyaltyEarn,
		},
	}

	for _, p := range postings {
		if p.Amount == 0 {
			continue
		}
		p.ReferenceID = booking.ID
		p.IdempotencyKey = postingKey(booking.ID, string(p.Kind))
		if _, err := m.ledger.PostEntry(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func newTickets(booking *db.Booking, now time.Time) []db.Ticket {
	tickets := make([]db.Ticket, 0, booking.Quantity)
	for i := 1; i <= int(booking.Quantity); i++ {
		tickets = append(tickets, db.Ticket{
			ID:             uuid.NewString(),
			BookingID:      booking.ID,
			Serial:         i,
			RedemptionCode: redemptionCode(),
			State:          db.TicketActive,
			CreatedAt:      now,
		})
	}
	return tickets
}

func redemptionCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func postingKey(bookingID, suffix string) string {
	return "booking:" + bookingID + ":" + suffix
}

func bookingPayload(b *db.Booking) map[string]interface{} {
	payload := map[string]interface{}{
		"booking_id":        b.ID,
		"buyer_id":          b.BuyerID,
		"inventory_unit_id": b.InventoryUnitID,
		"quantity":          b.Quantity,
		"state":             string(b.State),
		"net_payable":       b.NetPayable,
		"currency":          b.Currency,
	}
	if b.GatewayReference != nil {
		payload["gateway_reference"] = *b.GatewayReference
	}
	if b.FailureReason != "" {
		payload["reason"] = b.FailureReason
	}
	return payload
}
