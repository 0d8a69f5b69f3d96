package payment

import (
	"context"
	"sync"
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
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	calls    []ChargeRequest
	result   ChargeResult
	err      error
	blockFor time.Duration
}

func (g *fakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.mu.Unlock()

	if g.blockFor > 0 {
		select {
		case <-ctx.Done():
			return ChargeResult{}, ctx.Err()
		case <-time.After(g.blockFor):
		}
	}
	return g.result, g.err
}

type fixture struct {
	db        *db.DB
	manager   *booking.Manager
	ledger    *ledger.Service
	inventory *repo.InventoryRepository
	events    *repo.GatewayEventRepository
	gateway   *fakeGateway
	service   *Service
	clock     *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database := testutil.NewDB(t)
	log := logger.NewLogger("test", "info")
	clk := clock.NewFixed(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))

	inventory := repo.NewInventoryRepository(database, log)
	directory := clients.NewDirectory(inventory, repo.NewSuspensionRepository(database, log), "SAR", clk, log)
	ledgerSvc := ledger.NewService(database, repo.NewLedgerRepository(database, log), nil, clk, nil, log)

	manager := booking.NewManager(
		database,
		repo.NewBookingRepository(database, log),
		capacity.NewService(inventory, clk, nil, log),
		ledgerSvc,
		directory,
		directory,
		notify.Nop{},
		clk,
		nil,
		log,
		booking.Config{PlatformAccountID: "platform", LoyaltyEarnPercent: decimal.NewFromInt(1)},
	)

	require.NoError(t, directory.SyncListing(context.Background(), clients.Listing{
		InventoryUnitID:   "evt-1",
		ProviderAccountID: "prov-1",
		UnitPrice:         10000,
		CommissionRate:    decimal.NewFromInt(10),
	}))

	gateway := &fakeGateway{result: ChargeResult{Reference: "pi_1", Status: ChargePending}}

	return &fixture{
		db:        database,
		manager:   manager,
		ledger:    ledgerSvc,
		inventory: inventory,
		events:    repo.NewGatewayEventRepository(database, log),
		gateway:   gateway,
		service:   NewService(manager, gateway, 200*time.Millisecond, nil, log),
		clock:     clk,
	}
}

func (f *fixture) reconciler(maxRetries int) *Reconciler {
	return NewReconciler(f.db, f.manager, f.events, f.clock, nil, logger.NewLogger("test", "info"), ReconcilerConfig{
		MaxRetries: maxRetries,
		Backoff:    5 * time.Millisecond,
	})
}

func (f *fixture) balance(t *testing.T, account string) int64 {
	t.Helper()
	b, err := f.ledger.AuthoritativeBalance(context.Background(), account)
	require.NoError(t, err)
	return b
}

func (f *fixture) ticketCount(t *testing.T, bookingID string) int {
	t.Helper()
	view, err := f.manager.Get(context.Background(), bookingID)
	require.NoError(t, err)
	return len(view.Tickets)
}
