package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRate(t *testing.T) {
	cases := []struct {
		raw      string
		interval int64
		want     string
	}{
		{"0.0001", 8, "0.0001"},  // already canonical
		{"0.0001", 1, "0.0008"},  // hourly venue
		{"0.0002", 4, "0.0004"},  // 4h venue
		{"-0.0003", 1, "-0.0024"},
	}
	for _, tc := range cases {
		raw := decimal.RequireFromString(tc.raw)
		got := NormalizeRate(raw, decimal.NewFromInt(tc.interval))
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"raw=%s interval=%d got=%s want=%s", tc.raw, tc.interval, got, tc.want)
	}
}

// For every sample with interval h, normalized × 1095 must equal the
// annualized APY of raw × (8760 / h) to within 1e-9.
func TestRateCanonicalizationAnnualizes(t *testing.T) {
	tolerance := decimal.New(1, -9)
	for _, h := range []int64{1, 2, 4, 8, 24} {
		raw := decimal.RequireFromString("0.000137")
		normalized := NormalizeRate(raw, decimal.NewFromInt(h))
		apyFromNormalized := normalized.Mul(PeriodsPerYear)
		apyDirect := raw.Mul(decimal.NewFromInt(8760)).Div(decimal.NewFromInt(h))
		diff := apyFromNormalized.Sub(apyDirect).Abs()
		require.True(t, diff.LessThanOrEqual(tolerance),
			"interval %dh: normalized APY %s vs direct %s", h, apyFromNormalized, apyDirect)
	}
}

func TestBBO(t *testing.T) {
	bbo := BBO{Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101)}
	assert.True(t, bbo.Valid())
	assert.True(t, bbo.Mid().Equal(decimal.NewFromInt(100)))
	assert.True(t, bbo.Spread().Equal(decimal.NewFromInt(2)))
	assert.True(t, bbo.SpreadBps().Equal(decimal.NewFromInt(200)))

	crossed := BBO{Bid: decimal.NewFromInt(101), Ask: decimal.NewFromInt(99)}
	assert.False(t, crossed.Valid())
	zero := BBO{}
	assert.False(t, zero.Valid())
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.False(t, OrderStatusOpen.Terminal())
	assert.False(t, OrderStatusPartiallyFilled.Terminal())
	assert.True(t, OrderStatusFilled.Terminal())
	assert.True(t, OrderStatusCanceled.Terminal())
	assert.True(t, OrderStatusRejected.Terminal())
}
