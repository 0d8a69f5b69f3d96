package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/capacity"
	"github.com/marketplace/services/settlement/internal/clients"
	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/ledger"
	"github.com/marketplace/services/settlement/internal/notify"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/marketplace/services/settlement/internal/testutil"
	"github.com/marketplace/services/settlement/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	sweeper   *Sweeper
	manager   *booking.Manager
	capacity  *capacity.Service
	inventory *repo.InventoryRepository
	ledger    *ledger.Service
	clock     *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewDB(t)
	log := logger.NewLogger("test", "info")
	clk := clock.NewFixed(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))

	inventory := repo.NewInventoryRepository(database, log)
	bookings := repo.NewBookingRepository(database, log)
	directory := clients.NewDirectory(inventory, repo.NewSuspensionRepository(database, log), "SAR", clk, log)
	ledgerSvc := ledger.NewService(database, repo.NewLedgerRepository(database, log), nil, clk, nil, log)
	capacitySvc := capacity.NewService(inventory, clk, nil, log)

	manager := booking.NewManager(database, bookings, capacitySvc, ledgerSvc, directory, directory, notify.Nop{}, clk, nil, log,
		booking.Config{PlatformAccountID: "platform", LoyaltyEarnPercent: decimal.Zero})

	capacityLimit := int64(5)
	require.NoError(t, directory.SyncListing(context.Background(), clients.Listing{
		InventoryUnitID:   "evt-1",
		ProviderAccountID: "prov-1",
		UnitPrice:         2000,
		CommissionRate:    decimal.NewFromInt(10),
		Capacity:          &capacityLimit,
	}))

	return &fixture{
		sweeper:   New(bookings, inventory, manager, capacitySvc, 15*time.Minute, clk, nil, log),
		manager:   manager,
		capacity:  capacitySvc,
		inventory: inventory,
		ledger:    ledgerSvc,
		clock:     clk,
	}
}

func (f *fixture) reserved(t *testing.T) int64 {
	t.Helper()
	unit, err := f.inventory.GetUnit(context.Background(), "evt-1")
	require.NoError(t, err)
	return unit.Reserved
}

func TestSweepExpiresStalePendingBookings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.PostEntry(ctx, ledger.Posting{AccountID: ledger.LoyaltyAccount("buyer-1"), Amount: 500, Kind: db.KindLoyaltyEarn, ReferenceID: "seed"})
	require.NoError(t, err)

	stale, err := f.manager.CreateBooking(ctx, booking.CreateRequest{BuyerID: "buyer-1", InventoryUnitID: "evt-1", Quantity: 2, PointsToRedeem: 500})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	fresh, err := f.manager.CreateBooking(ctx, booking.CreateRequest{BuyerID: "buyer-2", InventoryUnitID: "evt-1", Quantity: 1})
	require.NoError(t, err)

	f.clock.Advance(6 * time.Minute)
	report, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredBookings)

	view, err := f.manager.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingFailed, view.Booking.State)
	assert.Equal(t, expiryReason, view.Booking.FailureReason)

	view, err = f.manager.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BookingPending, view.Booking.State)

	assert.Equal(t, int64(1), f.reserved(t))
	points, err := f.ledger.AuthoritativeBalance(ctx, ledger.LoyaltyAccount("buyer-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(500), points)

	// a second sweep finds nothing new
	report, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExpiredBookings)
}

func TestSweepReleasesOrphanReservations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.capacity.Reserve(ctx, "evt-1", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.reserved(t))

	report, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.ReleasedReservations)

	f.clock.Advance(20 * time.Minute)
	report, err = f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReleasedReservations)
	assert.Equal(t, int64(0), f.reserved(t))
}

func TestSweepLeavesConfirmedBookingsAlone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	b, err := f.manager.CreateBooking(ctx, booking.CreateRequest{BuyerID: "buyer-1", InventoryUnitID: "evt-1", Quantity: 1})
	require.NoError(t, err)
	_, _, err = f.manager.ConfirmBooking(ctx, b.ID, "pi_1")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	report, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{}, report)
	assert.Equal(t, int64(1), f.reserved(t))
}

func TestStartRejectsBadSchedule(t *testing.T) {
	f := newFixture(t)

	assert.Error(t, f.sweeper.Start("every now and then"))

	require.NoError(t, f.sweeper.Start("@every 1h"))
	assert.Error(t, f.sweeper.Start("@every 1h"))
	f.sweeper.Stop()
}
