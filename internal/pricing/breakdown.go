// Package pricing splits a VAT-inclusive gross amount between the provider and
// the platform. All amounts are in minor currency units.
package pricing

import (
	"fmt"

	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/shopspring/decimal"
)

// VATRate is the VAT contained in every platform commission.
var VATRate = decimal.RequireFromString("0.15")

var (
	hundred = decimal.NewFromInt(100)
	vatBase = decimal.NewFromInt(1).Add(VATRate)
)

// Breakdown is the split of one booking's gross amount.
type Breakdown struct {
	GrossAmount        int64
	CommissionRate     decimal.Decimal
	PlatformCommission int64
	VatOnCommission    int64
	NetCommission      int64
	ProviderEarnings   int64
	IsExempt           bool
}

// ComputeBreakdown derives the commission split for grossAmount. Intermediate
// values stay exact; rounding (half-up) happens once per output, and the
// provider and net-commission shares are derived from the rounded commission
// so that the parts always add back up.
func ComputeBreakdown(grossAmount int64, ratePercent decimal.Decimal, isExempt bool) (Breakdown, error) {
	if grossAmount < 0 {
		return Breakdown{}, fmt.Errorf("gross amount %d: %w", grossAmount, domain.ErrInvalidAmount)
	}

	rate := ratePercent
	if isExempt {
		rate = decimal.Zero
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return Breakdown{}, fmt.Errorf("commission rate %s: %w", rate, domain.ErrInvalidRate)
	}

	gross := decimal.NewFromInt(grossAmount)
	commission := gross.Mul(rate).Div(hundred)
	vat := commission.Sub(commission.Div(vatBase))

	platformCommission := commission.Round(0).IntPart()
	vatOnCommission := vat.Round(0).IntPart()

	return Breakdown{
		GrossAmount:        grossAmount,
		CommissionRate:     rate,
		PlatformCommission: platformCommission,
		VatOnCommission:    vatOnCommission,
		NetCommission:      platformCommission - vatOnCommission,
		ProviderEarnings:   grossAmount - platformCommission,
		IsExempt:           isExempt,
	}, nil
}

// Percentage returns percent% of amount, rounded half-up.
func Percentage(amount int64, percent decimal.Decimal) int64 {
	if amount <= 0 || !percent.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(amount).Mul(percent).Div(hundred).Round(0).IntPart()
}
