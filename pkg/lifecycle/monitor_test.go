package lifecycle_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/pkg/exchange"
	"perparb/pkg/exchange/sim"
	"perparb/pkg/lifecycle"
	"perparb/pkg/position"
)

type lifecycleStore struct {
	mu      sync.Mutex
	rates   map[string]exchange.FundingRateSample // venue → sample
	patches []position.Patch
}

func newLifecycleStore() *lifecycleStore {
	return &lifecycleStore{rates: make(map[string]exchange.FundingRateSample)}
}

func (s *lifecycleStore) UpdatePosition(ctx context.Context, id string, patch position.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, patch)
	return nil
}

func (s *lifecycleStore) LatestRates(ctx context.Context, symbol string, venues []string, maxAge time.Duration) (map[string]exchange.FundingRateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]exchange.FundingRateSample)
	for _, venue := range venues {
		if sample, ok := s.rates[venue]; ok {
			out[venue] = sample
		}
	}
	return out, nil
}

func (s *lifecycleStore) setRate(venue, rate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := decimal.RequireFromString(rate)
	s.rates[venue] = exchange.FundingRateSample{
		Venue:          venue,
		NormalizedRate: r,
		SampledAt:      time.Now().UTC(),
	}
}

func (s *lifecycleStore) lastPatch() position.Patch {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.patches) == 0 {
		return position.Patch{}
	}
	return s.patches[len(s.patches)-1]
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	long    *sim.Venue
	short   *sim.Venue
	store   *lifecycleStore
	monitor *lifecycle.Monitor
	pos     *position.Position
	now     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, cfg lifecycle.Config) *fixture {
	t.Helper()
	long := sim.New("sim")
	short := sim.New("aster")
	for _, v := range []*sim.Venue{long, short} {
		v.SetBook("BTC", dec("99.99"), dec("100.01"))
		require.NoError(t, v.SetLeverage(context.Background(), "BTC", 3))
	}
	// Open equal and opposite legs directly on the venues.
	_, err := long.PlaceMarket(context.Background(), exchange.MarketOrder{
		Symbol: "BTC", Side: exchange.OrderSideBuy, Quantity: dec("3"),
	})
	require.NoError(t, err)
	_, err = short.PlaceMarket(context.Background(), exchange.MarketOrder{
		Symbol: "BTC", Side: exchange.OrderSideSell, Quantity: dec("3"),
	})
	require.NoError(t, err)

	store := newLifecycleStore()
	store.setRate("sim", "-0.0002")
	store.setRate("aster", "0.0006")

	monitor := lifecycle.New(map[string]exchange.Provider{"sim": long, "aster": short}, store, cfg)

	f := &fixture{
		long:    long,
		short:   short,
		store:   store,
		monitor: monitor,
		now:     time.Now().UTC(),
	}
	monitor.SetClock(func() time.Time { return f.now })

	f.pos = &position.Position{
		ID:              "pos-1",
		AccountID:       "default",
		Symbol:          "BTC",
		LongVenue:       "sim",
		ShortVenue:      "aster",
		SizeUSD:         dec("300"),
		Leverage:        3,
		Quantity:        dec("3"),
		EntryLongRate:   dec("-0.0002"),
		EntryShortRate:  dec("0.0006"),
		EntryDivergence: dec("0.0008"),
		EntryLongPrice:  dec("100"),
		EntryShortPrice: dec("100"),
		Stage:           position.StageMonitoring,
		OpenedAt:        f.now.Add(-2 * time.Hour),
	}
	return f
}

func baseConfig() lifecycle.Config {
	return lifecycle.Config{
		MinHold:                   time.Hour,
		MaxAge:                    12 * time.Hour,
		ProfitErosionThreshold:    dec("0.4"),
		MinLiquidationDistancePct: dec("0.10"),
		MaxSpreadBps:              dec("50"),
		WideSpreadCooldown:        time.Hour,
	}
}

func TestEvaluateHealthyPositionNoAction(t *testing.T) {
	f := newFixture(t, baseConfig())
	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action)
}

func TestEvaluateMaxAgeForcesClose(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.pos.OpenedAt = f.now.Add(-12*time.Hour - time.Minute)

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionClose, decision.Action)
	assert.Equal(t, position.ExitReasonMaxAge, decision.ExitReason)
}

func TestEvaluateMinHoldGatesRiskChecks(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.pos.OpenedAt = f.now.Add(-10 * time.Minute)
	// Full erosion: would trigger closure if the gate were open.
	f.store.setRate("sim", "0.0001")
	f.store.setRate("aster", "0.0001")

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action)

	// Funding accrual still happened inside the hold window.
	f.long.SetFundingAccrued("BTC", dec("-0.4"))
	f.short.SetFundingAccrued("BTC", dec("1.0"))
	_, err = f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	patch := f.store.lastPatch()
	require.NotNil(t, patch.CumulativeFundingUSD)
	assert.True(t, patch.CumulativeFundingUSD.Equal(dec("0.6")), "funding %s", patch.CumulativeFundingUSD)
	require.NotNil(t, patch.LastHeartbeat)
}

func TestEvaluateProfitErosion(t *testing.T) {
	f := newFixture(t, baseConfig())
	// Divergence collapses from 0.0008 to 0.0001: erosion 0.875 ≥ 0.4.
	f.store.setRate("sim", "0.0000")
	f.store.setRate("aster", "0.0001")

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionClose, decision.Action)
	assert.Equal(t, position.ExitReasonProfitErosion, decision.ExitReason)
}

func TestEvaluateErosionSkippedWhenRatesStale(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.store.mu.Lock()
	f.store.rates = map[string]exchange.FundingRateSample{} // nothing fresh
	f.store.mu.Unlock()

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action, "stale rates must not trigger erosion")
}

func TestEvaluateLiquidationProximity(t *testing.T) {
	f := newFixture(t, baseConfig())
	// Long entry 100 at 3x puts estimated liquidation near 66.7; mark just
	// above it is inside the 10% buffer.
	f.long.SetBook("BTC", dec("67.99"), dec("68.01"))

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionClose, decision.Action)
	assert.Equal(t, position.ExitReasonLiquidationRisk, decision.ExitReason)
}

func TestEvaluateWideSpreadCooldown(t *testing.T) {
	f := newFixture(t, baseConfig())
	// 1% spread is far above the 50 bps bound.
	f.long.SetBook("BTC", dec("99.5"), dec("100.5"))

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action, "first wide sample defers")

	f.advance(30 * time.Minute)
	decision, err = f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action, "cooldown not elapsed")

	f.advance(31 * time.Minute)
	decision, err = f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionClose, decision.Action)
	assert.Equal(t, position.ExitReasonPersistentWideSpread, decision.ExitReason)
}

// One usable book on both venues resets the cooldown timer.
func TestEvaluateWideSpreadTimerResetsOnGoodSample(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.long.SetBook("BTC", dec("99.5"), dec("100.5"))

	_, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)

	// Book recovers for one tick.
	f.advance(30 * time.Minute)
	f.long.SetBook("BTC", dec("99.99"), dec("100.01"))
	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action)

	// Wide again: the clock starts over, so another 40 minutes is not enough.
	f.advance(10 * time.Minute)
	f.long.SetBook("BTC", dec("99.5"), dec("100.5"))
	_, err = f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	f.advance(40 * time.Minute)
	decision, err = f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action, "timer must restart after a good sample")
}

func TestEvaluateUnavailableBBODefers(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.long.SetBBOError(exchange.ErrPriceUnavailable)

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action)
}

func TestEvaluateLegDriftRequestsRebalance(t *testing.T) {
	f := newFixture(t, baseConfig())
	// Grow the long leg 5% beyond target.
	_, err := f.long.PlaceMarket(context.Background(), exchange.MarketOrder{
		Symbol: "BTC", Side: exchange.OrderSideBuy, Quantity: dec("0.15"),
	})
	require.NoError(t, err)

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionRebalance, decision.Action)
}

// A position closed early for risk reasons must never happen inside the
// min-hold window; only max-age may fire there.
func TestMinHoldNeverAllowsRiskExit(t *testing.T) {
	f := newFixture(t, baseConfig())
	f.pos.OpenedAt = f.now.Add(-10 * time.Minute)
	f.long.SetBook("BTC", dec("67.99"), dec("68.01")) // liquidation territory
	f.store.setRate("sim", "0.0001")
	f.store.setRate("aster", "0.0001") // full erosion

	decision, err := f.monitor.Evaluate(context.Background(), f.pos)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionNone, decision.Action)
}
