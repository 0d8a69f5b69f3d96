package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/repo"
	"go.uber.org/zap"
)

// Outcome is what a gateway event says happened to a charge.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// GatewayEvent is an asynchronous charge outcome. Delivery is at-least-once
// and in any order.
type GatewayEvent struct {
	EventID          string  `json:"event_id"`
	GatewayReference string  `json:"gateway_reference"`
	BookingID        string  `json:"booking_id,omitempty"`
	Outcome          Outcome `json:"outcome"`
	FailureReason    string  `json:"failure_reason,omitempty"`
}

// dedupeKey falls back to reference+outcome for gateways without event ids.
func (e GatewayEvent) dedupeKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.GatewayReference + ":" + string(e.Outcome)
}

// Result says what Reconcile did with an event.
type Result string

const (
	ResultApplied        Result = "applied"
	ResultAlreadyApplied Result = "already_applied"
	ResultDuplicate      Result = "duplicate"
	ResultConflict       Result = "conflict"
	ResultDropped        Result = "dropped"
)

type ReconcilerConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

type Reconciler struct {
	db       *db.DB
	bookings Bookings
	events   *repo.GatewayEventRepository
	clock    clock.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
	cfg      ReconcilerConfig
}

func NewReconciler(database *db.DB, bookings Bookings, events *repo.GatewayEventRepository, clk clock.Clock, m *metrics.Metrics, log *zap.Logger, cfg ReconcilerConfig) *Reconciler {
	return &Reconciler{
		db:       database,
		bookings: bookings,
		events:   events,
		clock:    clk,
		metrics:  m,
		log:      log,
		cfg:      cfg,
	}
}

// Reconcile applies a gateway event to its booking exactly once. Conflicts
// and unknown bookings are logged and dropped; the only error returned is a
// storage failure, which the caller may retry.
func (r *Reconciler) Reconcile(ctx context.Context, event GatewayEvent) (Result, error) {
	if event.Outcome != OutcomeSucceeded && event.Outcome != OutcomeFailed {
		r.log.Warn("Dropping gateway event with unknown outcome",
			zap.String("event_id", event.EventID),
			zap.String("outcome", string(event.Outcome)),
		)
		return r.done(ResultDropped), nil
	}
	if event.GatewayReference == "" && event.BookingID == "" {
		r.log.Warn("Dropping gateway event without reference", zap.String("event_id", event.EventID))
		return r.done(ResultDropped), nil
	}

	backoff := r.cfg.Backoff
	for attempt := 0; ; attempt++ {
		result, err := r.apply(ctx, event)
		if err == nil {
			return r.done(result), nil
		}
		if !errors.Is(err, domain.ErrBookingNotFound) {
			r.log.Error("Gateway event reconciliation failed",
				zap.String("event_id", event.EventID),
				zap.String("gateway_reference", event.GatewayReference),
				zap.Error(err),
			)
			return "", err
		}

		if attempt >= r.cfg.MaxRetries {
			r.log.Warn("Dropping gateway event for unknown booking",
				zap.String("event_id", event.EventID),
				zap.String("gateway_reference", event.GatewayReference),
				zap.String("booking_id", event.BookingID),
				zap.Int("attempts", attempt+1),
			)
			return r.done(ResultDropped), nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}

func (r *Reconciler) apply(ctx context.Context, event GatewayEvent) (Result, error) {
	key := event.dedupeKey()
	var result Result

	err := r.db.WithTx(ctx, func(txCtx context.Context) error {
		processed, err := r.events.IsProcessed(txCtx, key)
		if err != nil {
			return err
		}
		if processed {
			result = ResultDuplicate
			return nil
		}

		b, err := r.lookup(txCtx, event)
		if err != nil {
			return err
		}

		reference := event.GatewayReference
		if reference == "" && b.GatewayReference != nil {
			reference = *b.GatewayReference
		}

		var applied bool
		switch event.Outcome {
		case OutcomeSucceeded:
			_, applied, err = r.bookings.ConfirmBooking(txCtx, b.ID, reference)
		case OutcomeFailed:
			reason := event.FailureReason
			if reason == "" {
				reason = "payment failed"
			}
			_, applied, err = r.bookings.FailBooking(txCtx, b.ID, reason)
		}

		switch {
		case err == nil && applied:
			result = ResultApplied
		case err == nil:
			result = ResultAlreadyApplied
		case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrReconciliationConflict):
			result = ResultConflict
			r.log.Warn("Gateway event conflicts with booking state",
				zap.String("event_id", event.EventID),
				zap.String("booking_id", b.ID),
				zap.String("state", string(b.State)),
				zap.String("outcome", string(event.Outcome)),
				zap.Error(fmt.Errorf("%w: %v", domain.ErrReconciliationConflict, err)),
			)
		default:
			return err
		}

		_, err = r.events.MarkProcessed(txCtx, &db.ProcessedGatewayEvent{
			EventID:          key,
			GatewayReference: reference,
			BookingID:        b.ID,
			Outcome:          string(event.Outcome),
			Result:           string(result),
			ProcessedAt:      r.clock.Now(),
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if result == ResultApplied {
		r.log.Info("Gateway event applied",
			zap.String("event_id", event.EventID),
			zap.String("gateway_reference", event.GatewayReference),
			zap.String("outcome", string(event.Outcome)),
		)
	}
	return result, nil
}

// lookup finds the booking by reference, then by the booking id the charge
// was tagged with, for events that arrive before the reference is attached.
func (r *Reconciler) lookup(ctx context.Context, event GatewayEvent) (*db.Booking, error) {
	if event.GatewayReference != "" {
		b, err := r.bookings.GetByGatewayReference(ctx, event.GatewayReference)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, domain.ErrBookingNotFound) || event.BookingID == "" {
			return nil, err
		}
	}

	view, err := r.bookings.Get(ctx, event.BookingID)
	if err != nil {
		return nil, err
	}
	return view.Booking, nil
}

func (r *Reconciler) done(result Result) Result {
	r.metrics.ReconcileResult(string(result))
	return result
}
