// Package sweeper expires stale pending bookings and returns capacity held by
// reservations that never became bookings.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	batchSize    = 100
	expiryReason = "pending booking expired"
)

// BookingFailer is the single booking failure path.
type BookingFailer interface {
	FailBooking(ctx context.Context, bookingID, reason string) (*db.Booking, bool, error)
}

// ReservationReleaser returns reserved capacity.
type ReservationReleaser interface {
	Release(ctx context.Context, tokenID string) (bool, error)
}

// Report summarizes one sweep.
type Report struct {
	ExpiredBookings      int
	ReleasedReservations int
}

type Sweeper struct {
	bookings  *repo.BookingRepository
	inventory *repo.InventoryRepository
	failer    BookingFailer
	releaser  ReservationReleaser
	ttl       time.Duration
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(
	bookings *repo.BookingRepository,
	inventory *repo.InventoryRepository,
	failer BookingFailer,
	releaser ReservationReleaser,
	ttl time.Duration,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Sweeper {
	return &Sweeper{
		bookings:  bookings,
		inventory: inventory,
		failer:    failer,
		releaser:  releaser,
		ttl:       ttl,
		clock:     clk,
		metrics:   m,
		log:       log,
	}
}

// Start schedules RunOnce on a cron spec such as "@every 1m". Overlapping
// runs are skipped.
func (s *Sweeper) Start(schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.log.Error("Sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	s.cron = c
	s.log.Info("Sweeper started", zap.String("schedule", schedule), zap.Duration("ttl", s.ttl))
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		s.log.Info("Sweeper stopped")
	}
}

// RunOnce fails every pending booking older than the TTL and releases orphan
// reservations. Per-item failures are logged and the sweep continues.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	cutoff := s.clock.Now().Add(-s.ttl)

	expired, err := s.expireBookings(ctx, cutoff)
	report.ExpiredBookings = expired
	if err != nil {
		return report, err
	}

	released, err := s.releaseOrphans(ctx, cutoff)
	report.ReleasedReservations = released
	if err != nil {
		return report, err
	}

	s.metrics.Swept(report.ExpiredBookings, report.ReleasedReservations)
	if report.ExpiredBookings > 0 || report.ReleasedReservations > 0 {
		s.log.Info("Sweep completed",
			zap.Int("expired_bookings", report.ExpiredBookings),
			zap.Int("released_reservations", report.ReleasedReservations),
		)
	}
	return report, nil
}

func (s *Sweeper) expireBookings(ctx context.Context, cutoff time.Time) (int, error) {
	expired := 0
	seen := map[string]bool{}

	for {
		stale, err := s.bookings.ListPendingBefore(ctx, cutoff, batchSize)
		if err != nil {
			return expired, err
		}

		progressed := false
		for _, b := range stale {
			if seen[b.ID] {
				continue
			}
			seen[b.ID] = true
			progressed = true

			_, applied, err := s.failer.FailBooking(ctx, b.ID, expiryReason)
			if err != nil {
				if errors.Is(err, domain.ErrStorageUnavailable) {
					return expired, err
				}
				s.log.Warn("Could not expire booking", zap.String("booking_id", b.ID), zap.Error(err))
				continue
			}
			if applied {
				expired++
			}
		}

		if len(stale) < batchSize || !progressed {
			return expired, nil
		}
	}
}

func (s *Sweeper) releaseOrphans(ctx context.Context, cutoff time.Time) (int, error) {
	orphans, err := s.inventory.ListOrphanReservations(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range orphans {
		ok, err := s.releaser.Release(ctx, r.ID)
		if err != nil {
			if errors.Is(err, domain.ErrStorageUnavailable) {
				return released, err
			}
			s.log.Warn("Could not release orphan reservation", zap.String("reservation_id", r.ID), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	return released, nil
}
