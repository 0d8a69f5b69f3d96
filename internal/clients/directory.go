package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketplace/services/settlement/internal/clock"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Directory answers the listing and moderation questions settlement asks of
// the rest of the marketplace. It reads local copies kept current by the
// broker consumer, so checkout never waits on another service.
type Directory struct {
	inventory   *repo.InventoryRepository
	suspensions *repo.SuspensionRepository
	currency    string
	clock       clock.Clock
	log         *zap.Logger
}

// NewDirectory creates a new listing and eligibility directory
func NewDirectory(inventory *repo.InventoryRepository, suspensions *repo.SuspensionRepository, defaultCurrency string, clk clock.Clock, log *zap.Logger) *Directory {
	return &Directory{
		inventory:   inventory,
		suspensions: suspensions,
		currency:    defaultCurrency,
		clock:       clk,
		log:         log,
	}
}

// Listing is the payload of listing.published and listing.updated.
type Listing struct {
	InventoryUnitID   string          `json:"inventory_unit_id"`
	ProviderAccountID string          `json:"provider_account_id"`
	Title             string          `json:"title"`
	UnitPrice         int64           `json:"unit_price"`
	Currency          string          `json:"currency"`
	CommissionRate    decimal.Decimal `json:"commission_rate"`
	ListingType       string          `json:"listing_type"`
	IsExempt          bool            `json:"is_exempt"`
	Capacity          *int64          `json:"capacity"`
}

// Suspension is the payload of user.suspended.
type Suspension struct {
	UserID string     `json:"user_id"`
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until"`
}

// GetListingPricing retrieves the pricing input of an inventory unit
func (d *Directory) GetListingPricing(ctx context.Context, inventoryUnitID string) (domain.ListingPricing, error) {
	unit, err := d.inventory.GetUnit(ctx, inventoryUnitID)
	if err != nil {
		return domain.ListingPricing{}, err
	}

	return domain.ListingPricing{
		InventoryUnitID:   unit.ID,
		ProviderAccountID: unit.ProviderAccountID,
		UnitPrice:         unit.UnitPrice,
		Currency:          unit.Currency,
		CommissionRate:    unit.CommissionRate,
		IsExempt:          unit.IsExempt,
		Capacity:          unit.Capacity,
	}, nil
}

// IsBuyerEligible reports false while the buyer has an active suspension
func (d *Directory) IsBuyerEligible(ctx context.Context, buyerID string) (bool, error) {
	suspension, err := d.suspensions.Get(ctx, buyerID)
	if err != nil {
		return false, err
	}
	if suspension == nil {
		return true, nil
	}
	if suspension.Until != nil && !suspension.Until.After(d.clock.Now()) {
		return true, nil
	}
	return false, nil
}

// SyncListing upserts a published or updated listing. Discount listings are
// always commission-exempt.
func (d *Directory) SyncListing(ctx context.Context, l Listing) error {
	if l.InventoryUnitID == "" || l.ProviderAccountID == "" {
		return fmt.Errorf("listing needs an id and a provider: %w", domain.ErrValidation)
	}
	if l.UnitPrice < 0 {
		return fmt.Errorf("unit price %d: %w", l.UnitPrice, domain.ErrInvalidAmount)
	}
	if l.Capacity != nil && *l.Capacity < 0 {
		return fmt.Errorf("capacity %d: %w", *l.Capacity, domain.ErrInvalidQuantity)
	}

	currency := strings.ToUpper(l.Currency)
	if currency == "" {
		currency = d.currency
	}

	if l.Capacity != nil {
		d.warnIfBelowReserved(ctx, l.InventoryUnitID, *l.Capacity)
	}

	now := d.clock.Now()
	return d.inventory.UpsertListing(ctx, &db.InventoryUnit{
		ID:                l.InventoryUnitID,
		ProviderAccountID: l.ProviderAccountID,
		Title:             l.Title,
		UnitPrice:         l.UnitPrice,
		Currency:          currency,
		CommissionRate:    l.CommissionRate,
		IsExempt:          l.IsExempt || strings.EqualFold(l.ListingType, "discount"),
		Capacity:          l.Capacity,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

func (d *Directory) warnIfBelowReserved(ctx context.Context, inventoryUnitID string, capacity int64) {
	unit, err := d.inventory.GetUnit(ctx, inventoryUnitID)
	if err != nil {
		if !errors.Is(err, domain.ErrListingNotFound) {
			d.log.Warn("Failed to read unit before listing sync", zap.String("inventory_unit_id", inventoryUnitID), zap.Error(err))
		}
		return
	}
	if capacity < unit.Reserved {
		d.log.Warn("Listing capacity below reserved units, keeping reserved as capacity",
			zap.String("inventory_unit_id", inventoryUnitID),
			zap.Int64("requested_capacity", capacity),
			zap.Int64("reserved", unit.Reserved))
	}
}

func (d *Directory) Suspend(ctx context.Context, s Suspension) error {
	if s.UserID == "" {
		return fmt.Errorf("suspension needs a user id: %w", domain.ErrValidation)
	}
	return d.suspensions.Suspend(ctx, &db.BuyerSuspension{
		BuyerID:     s.UserID,
		Reason:      s.Reason,
		Until:       s.Until,
		SuspendedAt: d.clock.Now(),
	})
}

func (d *Directory) Reinstate(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("reinstatement needs a user id: %w", domain.ErrValidation)
	}
	return d.suspensions.Reinstate(ctx, userID)
}
