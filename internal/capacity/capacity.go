// Package capacity claims and returns units of a finite inventory pool.
package capacity

import (
	"context"
	"errors"
	"fmt"

	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/metrics"
	"github.com/marketplace/services/settlement/internal/repo"
	"go.uber.org/zap"
)

// Token proves that Quantity units of InventoryUnitID were claimed.
type Token struct {
	ID              string
	InventoryUnitID string
	Quantity        int64
}

type Service struct {
	inventory *repo.InventoryRepository
	clock     clock.Clock
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func NewService(inventory *repo.InventoryRepository, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		inventory: inventory,
		clock:     clk,
		metrics:   m,
		log:       log,
	}
}

// Reserve claims quantity units or fails with domain.ErrCapacityExceeded.
func (s *Service) Reserve(ctx context.Context, inventoryUnitID string, quantity int64) (Token, error) {
	if quantity <= 0 {
		return Token{}, fmt.Errorf("quantity %d: %w", quantity, domain.ErrInvalidQuantity)
	}

	reservation, err := s.inventory.Reserve(ctx, inventoryUnitID, quantity, s.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrCapacityExceeded) {
			s.metrics.Reservation("exceeded")
			s.log.Info("Reservation rejected",
				zap.String("inventory_unit_id", inventoryUnitID),
				zap.Int64("quantity", quantity),
			)
		}
		return Token{}, err
	}

	s.metrics.Reservation("reserved")
	return Token{
		ID:              reservation.ID,
		InventoryUnitID: reservation.InventoryUnitID,
		Quantity:        reservation.Quantity,
	}, nil
}

// Release returns the token's units to the pool. Releasing twice is a no-op
// and reports false.
func (s *Service) Release(ctx context.Context, tokenID string) (bool, error) {
	released, err := s.inventory.Release(ctx, tokenID, s.clock.Now())
	if err != nil {
		return false, err
	}
	if released {
		s.metrics.Reservation("released")
		s.log.Info("Reservation released", zap.String("reservation_id", tokenID))
	}
	return released, nil
}
