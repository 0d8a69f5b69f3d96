package pricing

import (
	"testing"

	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBreakdownStandardCommission(t *testing.T) {
	// 100.00 SAR at 10%
	b, err := ComputeBreakdown(10000, decimal.NewFromInt(10), false)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), b.PlatformCommission)
	assert.Equal(t, int64(130), b.VatOnCommission) // 1000 - 1000/1.15 = 130.43
	assert.Equal(t, int64(870), b.NetCommission)
	assert.Equal(t, int64(9000), b.ProviderEarnings)
	assert.False(t, b.IsExempt)
}

func TestComputeBreakdownExemptIgnoresRate(t *testing.T) {
	b, err := ComputeBreakdown(10000, decimal.NewFromInt(10), true)
	require.NoError(t, err)

	assert.Equal(t, int64(0), b.PlatformCommission)
	assert.Equal(t, int64(0), b.VatOnCommission)
	assert.Equal(t, int64(10000), b.ProviderEarnings)
	assert.True(t, b.CommissionRate.IsZero())

	// an out-of-range rate is irrelevant when exempt
	_, err = ComputeBreakdown(10000, decimal.NewFromInt(250), true)
	assert.NoError(t, err)
}

func TestComputeBreakdownRejectsNegativeGross(t *testing.T) {
	_, err := ComputeBreakdown(-1, decimal.NewFromInt(10), false)
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	assert.True(t, domain.IsValidation(err))
}

func TestComputeBreakdownRejectsRateOutOfRange(t *testing.T) {
	_, err := ComputeBreakdown(100, decimal.NewFromInt(101), false)
	assert.ErrorIs(t, err, domain.ErrInvalidRate)

	_, err = ComputeBreakdown(100, decimal.NewFromInt(-1), false)
	assert.ErrorIs(t, err, domain.ErrInvalidRate)
}

func TestComputeBreakdownRoundsHalfUp(t *testing.T) {
	// 15 * 10% = 1.5 -> 2
	b, err := ComputeBreakdown(15, decimal.NewFromInt(10), false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.PlatformCommission)
	assert.Equal(t, int64(13), b.ProviderEarnings)

	// 12.5% of 1234 = 154.25 -> 154, vat 20.12 -> 20
	b, err = ComputeBreakdown(1234, decimal.RequireFromString("12.5"), false)
	require.NoError(t, err)
	assert.Equal(t, int64(154), b.PlatformCommission)
	assert.Equal(t, int64(20), b.VatOnCommission)
	assert.Equal(t, int64(134), b.NetCommission)
}

func TestComputeBreakdownPartsAlwaysSum(t *testing.T) {
	rates := []string{"0", "0.5", "1", "2.75", "7.5", "10", "12.5", "15", "33.33", "50", "99.99", "100"}
	grosses := []int64{0, 1, 2, 3, 7, 99, 101, 999, 1001, 12345, 99999, 1000000, 7654321}

	for _, r := range rates {
		rate := decimal.RequireFromString(r)
		for _, gross := range grosses {
			b, err := ComputeBreakdown(gross, rate, false)
			require.NoError(t, err)

			assert.Equal(t, gross, b.ProviderEarnings+b.PlatformCommission, "gross=%d rate=%s", gross, r)
			assert.Equal(t, b.PlatformCommission, b.VatOnCommission+b.NetCommission, "gross=%d rate=%s", gross, r)
			assert.GreaterOrEqual(t, b.VatOnCommission, int64(0))
			assert.GreaterOrEqual(t, b.ProviderEarnings, int64(0))
		}
	}
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, int64(100), Percentage(10000, decimal.NewFromInt(1)))
	assert.Equal(t, int64(1), Percentage(50, decimal.NewFromInt(1))) // 0.5 -> 1
	assert.Equal(t, int64(0), Percentage(49, decimal.NewFromInt(1)))
	assert.Equal(t, int64(0), Percentage(0, decimal.NewFromInt(5)))
	assert.Equal(t, int64(0), Percentage(1000, decimal.Zero))
}
