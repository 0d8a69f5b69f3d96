package capacity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/marketplace/services/settlement/internal/testutil"
	"github.com/marketplace/services/settlement/pkg/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, capacity *int64) (*Service, *repo.InventoryRepository) {
	database := testutil.NewDB(t)
	log := logger.NewLogger("test", "info")
	inventory := repo.NewInventoryRepository(database, log)

	require.NoError(t, inventory.UpsertListing(context.Background(), &db.InventoryUnit{
		ID:                "unit-1",
		ProviderAccountID: "prov-1",
		UnitPrice:         5000,
		Currency:          "SAR",
		CommissionRate:    decimal.NewFromInt(10),
		Capacity:          capacity,
	}))

	return NewService(inventory, clock.NewFixed(time.Now()), nil, log), inventory
}

func capacityOf(n int64) *int64 { return &n }

func TestReserveRejectsNonPositiveQuantity(t *testing.T) {
	svc, _ := setup(t, capacityOf(5))

	_, err := svc.Reserve(context.Background(), "unit-1", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = svc.Reserve(context.Background(), "unit-1", -3)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestTwoConcurrentReservesForLastUnit(t *testing.T) {
	svc, _ := setup(t, capacityOf(1))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Reserve(context.Background(), "unit-1", 1)
		}(i)
	}
	wg.Wait()

	var ok, exceeded int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case assert.ErrorIs(t, err, domain.ErrCapacityExceeded):
			exceeded++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exceeded)
}

func TestConcurrentMixedQuantitiesNeverOvercommit(t *testing.T) {
	svc, inventory := setup(t, capacityOf(10))

	quantities := []int64{3, 4, 2, 5, 1, 3, 2}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int64
	)
	for _, q := range quantities {
		wg.Add(1)
		go func(q int64) {
			defer wg.Done()
			token, err := svc.Reserve(context.Background(), "unit-1", q)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
				return
			}
			mu.Lock()
			reserved += token.Quantity
			mu.Unlock()
		}(q)
	}
	wg.Wait()

	assert.LessOrEqual(t, reserved, int64(10))
	unit, err := inventory.GetUnit(context.Background(), "unit-1")
	require.NoError(t, err)
	assert.Equal(t, reserved, unit.Reserved)
}

func TestReleaseReturnsCapacity(t *testing.T) {
	svc, _ := setup(t, capacityOf(1))
	ctx := context.Background()

	token, err := svc.Reserve(ctx, "unit-1", 1)
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "unit-1", 1)
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	released, err := svc.Release(ctx, token.ID)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = svc.Release(ctx, token.ID)
	require.NoError(t, err)
	assert.False(t, released)

	_, err = svc.Reserve(ctx, "unit-1", 1)
	assert.NoError(t, err)
}
