package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchedule() Schedule {
	// 1 bps maker per leg → 0.0004 total round-trip across four maker legs.
	return Schedule{
		"venueA": {MakerBps: decimal.NewFromInt(1), TakerBps: decimal.NewFromInt(3)},
		"venueB": {MakerBps: decimal.NewFromInt(1), TakerBps: decimal.NewFromInt(3)},
	}
}

func TestCalculateMakerRoundTrip(t *testing.T) {
	calc := NewCalculator(testSchedule())

	// Divergence 0.0008 per 8h, fees 0.0004 round trip → net 0.0004,
	// APY 0.0004 × 1095 = 0.438.
	divergence := decimal.RequireFromString("0.0008")
	b, err := calc.Calculate("venueA", "venueB", divergence, true)
	require.NoError(t, err)

	assert.True(t, b.TotalFee.Equal(decimal.RequireFromString("0.0004")), "total fee %s", b.TotalFee)
	assert.True(t, b.TotalFeeBps.Equal(decimal.NewFromInt(4)))
	assert.True(t, b.NetRate.Equal(decimal.RequireFromString("0.0004")), "net %s", b.NetRate)
	assert.True(t, b.NetAPY.Equal(decimal.RequireFromString("0.438")), "apy %s", b.NetAPY)
	assert.True(t, b.IsProfitable())
}

func TestCalculateTakerSubstitution(t *testing.T) {
	calc := NewCalculator(testSchedule())
	divergence := decimal.RequireFromString("0.0008")
	b, err := calc.Calculate("venueA", "venueB", divergence, false)
	require.NoError(t, err)
	// 3+3 bps per side, both sides → 12 bps.
	assert.True(t, b.TotalFeeBps.Equal(decimal.NewFromInt(12)))
	assert.True(t, b.NetRate.Equal(decimal.RequireFromString("-0.0004")))
	assert.False(t, b.IsProfitable())
}

func TestCalculateDeterministic(t *testing.T) {
	calc := NewCalculator(testSchedule())
	divergence := decimal.RequireFromString("0.000731")
	first, err := calc.Calculate("venueA", "venueB", divergence, true)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := calc.Calculate("venueA", "venueB", divergence, true)
		require.NoError(t, err)
		assert.Equal(t, first, again, "calculation must be pure")
	}
}

func TestCalculateUnknownVenue(t *testing.T) {
	calc := NewCalculator(testSchedule())
	_, err := calc.Calculate("venueA", "nowhere", decimal.NewFromInt(1), true)
	require.Error(t, err)
}

func TestProfit(t *testing.T) {
	calc := NewCalculator(testSchedule())
	divergence := decimal.RequireFromString("0.0008")
	b, err := calc.Calculate("venueA", "venueB", divergence, true)
	require.NoError(t, err)

	// $300 notional held for 3 periods: gross 0.0008×3×300 = 0.72,
	// fees 0.0004×300 = 0.12, net 0.60.
	p := calc.Profit(b, divergence, decimal.NewFromInt(300), 3)
	assert.True(t, p.GrossUSD.Equal(decimal.RequireFromString("0.72")), "gross %s", p.GrossUSD)
	assert.True(t, p.FeesUSD.Equal(decimal.RequireFromString("0.12")), "fees %s", p.FeesUSD)
	assert.True(t, p.NetUSD.Equal(decimal.RequireFromString("0.6")), "net %s", p.NetUSD)
	assert.True(t, p.ROI.Equal(decimal.RequireFromString("0.002")), "roi %s", p.ROI)
}

func TestDefaultScheduleCoversBuiltinVenues(t *testing.T) {
	calc := NewCalculator(nil)
	for _, venue := range []string{"hyperliquid", "aster", "sim"} {
		_, err := calc.Venue(venue)
		assert.NoError(t, err, venue)
	}
}
