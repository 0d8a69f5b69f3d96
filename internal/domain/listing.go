package domain

import "github.com/shopspring/decimal"

// ListingPricing is the read-only pricing input of a bookable unit.
type ListingPricing struct {
	InventoryUnitID   string
	ProviderAccountID string
	UnitPrice         int64 // VAT-inclusive, minor units
	Currency          string
	CommissionRate    decimal.Decimal
	IsExempt          bool
	Capacity          *int64 // nil means unlimited
}
