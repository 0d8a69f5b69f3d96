package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/metrics"
	"go.uber.org/zap"
)

// PointsReferencePrefix marks bookings fully paid with loyalty points.
const PointsReferencePrefix = "points:"

// Bookings is the slice of the booking lifecycle the payment flow drives.
type Bookings interface {
	CreateBooking(ctx context.Context, req booking.CreateRequest) (*db.Booking, error)
	ConfirmBooking(ctx context.Context, bookingID, gatewayReference string) (*db.Booking, bool, error)
	FailBooking(ctx context.Context, bookingID, reason string) (*db.Booking, bool, error)
	AttachGatewayReference(ctx context.Context, bookingID, gatewayReference string) error
	Get(ctx context.Context, bookingID string) (*booking.View, error)
	GetByGatewayReference(ctx context.Context, gatewayReference string) (*db.Booking, error)
}

// CheckoutRequest is a purchase: booking creation followed by the charge.
type CheckoutRequest struct {
	BuyerID         string
	InventoryUnitID string
	Quantity        int64
	PointsToRedeem  int64
	PaymentMethod   string
}

type CheckoutResult struct {
	Booking *db.Booking
	Charge  ChargeResult
}

type Service struct {
	bookings Bookings
	gateway  Gateway
	timeout  time.Duration
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewService(bookings Bookings, gateway Gateway, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		bookings: bookings,
		gateway:  gateway,
		timeout:  timeout,
		metrics:  m,
		log:      log,
	}
}

// Checkout creates the booking and charges netPayable. A booking paid fully
// with points is confirmed without contacting the gateway.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if req.PaymentMethod == "" && req.PointsToRedeem == 0 {
		return nil, fmt.Errorf("payment method is required: %w", domain.ErrValidation)
	}

	b, err := s.bookings.CreateBooking(ctx, booking.CreateRequest{
		BuyerID:         req.BuyerID,
		InventoryUnitID: req.InventoryUnitID,
		Quantity:        req.Quantity,
		PointsToRedeem:  req.PointsToRedeem,
	})
	if err != nil {
		return nil, err
	}

	if b.NetPayable == 0 {
		reference := PointsReferencePrefix + b.ID
		confirmed, _, err := s.bookings.ConfirmBooking(ctx, b.ID, reference)
		if err != nil {
			return nil, err
		}
		return &CheckoutResult{
			Booking: confirmed,
			Charge:  ChargeResult{Reference: reference, Status: ChargeSucceeded},
		}, nil
	}

	if req.PaymentMethod == "" {
		s.failAfterCharge(ctx, b.ID, "no payment method for remaining amount")
		return nil, fmt.Errorf("booking %s: payment method is required for %d remaining: %w", b.ID, b.NetPayable, domain.ErrValidation)
	}

	charge, err := s.InitiateCharge(ctx, b.ID, req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	view, err := s.bookings.Get(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	return &CheckoutResult{Booking: view.Booking, Charge: charge}, nil
}

// InitiateCharge charges a pending booking's netPayable. A rejection or a
// timeout fails the booking before returning; a synchronous success confirms
// it, and later gateway events for it become no-ops.
func (s *Service) InitiateCharge(ctx context.Context, bookingID, paymentMethod string) (ChargeResult, error) {
	view, err := s.bookings.Get(ctx, bookingID)
	if err != nil {
		return ChargeResult{}, err
	}
	b := view.Booking

	switch b.State {
	case db.BookingConfirmed:
		ref := ""
		if b.GatewayReference != nil {
			ref = *b.GatewayReference
		}
		return ChargeResult{Reference: ref, Status: ChargeSucceeded}, nil
	case db.BookingFailed:
		return ChargeResult{}, fmt.Errorf("charge booking %s in state %s: %w", bookingID, b.State, domain.ErrInvalidTransition)
	}

	chargeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := s.gateway.Charge(chargeCtx, ChargeRequest{
		BookingID:      b.ID,
		IdempotencyKey: b.ID,
		Amount:         b.NetPayable,
		Currency:       b.Currency,
		PaymentMethod:  paymentMethod,
	})
	took := time.Since(start)

	if err != nil {
		if errors.Is(chargeCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrGatewayTimeout) {
			err = fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
		}
		if !errors.Is(err, domain.ErrGatewayTimeout) && !errors.Is(err, domain.ErrGatewayRejected) {
			err = fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
		}

		outcome := "rejected"
		if errors.Is(err, domain.ErrGatewayTimeout) {
			outcome = "timeout"
		}
		s.metrics.GatewayCharge(outcome, took)
		s.failAfterCharge(ctx, b.ID, err.Error())
		return ChargeResult{}, fmt.Errorf("booking %s: %w", b.ID, err)
	}

	s.metrics.GatewayCharge(string(result.Status), took)

	if err := s.bookings.AttachGatewayReference(ctx, b.ID, result.Reference); err != nil {
		// a webhook may have settled the booking while the charge call was in flight
		s.log.Warn("Could not attach gateway reference",
			zap.String("booking_id", b.ID),
			zap.String("gateway_reference", result.Reference),
			zap.Error(err),
		)
	}

	switch result.Status {
	case ChargeSucceeded:
		if _, _, err := s.bookings.ConfirmBooking(ctx, b.ID, result.Reference); err != nil {
			return result, err
		}
	case ChargeFailed:
		reason := result.FailureReason
		if reason == "" {
			reason = "charge failed"
		}
		s.failAfterCharge(ctx, b.ID, reason)
		return result, fmt.Errorf("booking %s: %w: %s", b.ID, domain.ErrGatewayRejected, reason)
	}

	s.log.Info("Charge initiated",
		zap.String("booking_id", b.ID),
		zap.String("gateway_reference", result.Reference),
		zap.String("status", string(result.Status)),
	)
	return result, nil
}

// failAfterCharge runs the failure path on a context that outlives the caller's.
func (s *Service) failAfterCharge(ctx context.Context, bookingID, reason string) {
	failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if _, _, err := s.bookings.FailBooking(failCtx, bookingID, reason); err != nil {
		s.log.Error("Failed to fail booking after charge error",
			zap.String("booking_id", bookingID),
			zap.Error(err),
		)
	}
}
