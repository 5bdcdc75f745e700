package executor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/pkg/exchange"
	"perparb/pkg/exchange/sim"
	"perparb/pkg/executor"
	"perparb/pkg/position"
)

// memStore is an in-memory executor.Store for tests.
type memStore struct {
	mu        sync.Mutex
	positions map[string]*position.Position
	fills     map[string]position.Fill // positionID|orderID
}

func newMemStore() *memStore {
	return &memStore{
		positions: make(map[string]*position.Position),
		fills:     make(map[string]position.Fill),
	}
}

func (s *memStore) InsertPositionWithFills(ctx context.Context, pos *position.Position, fills []position.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *pos
	s.positions[pos.ID] = &copied
	for _, fill := range fills {
		key := fill.PositionID + "|" + fill.OrderID
		if _, exists := s.fills[key]; !exists {
			s.fills[key] = fill
		}
	}
	return nil
}

func (s *memStore) UpdatePosition(ctx context.Context, id string, patch position.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[id]
	if !ok {
		return errors.New("memstore: position not found")
	}
	if patch.Stage != nil {
		pos.Stage = *patch.Stage
	}
	if patch.CumulativeFundingUSD != nil {
		pos.CumulativeFundingUSD = *patch.CumulativeFundingUSD
	}
	if patch.Quantity != nil {
		pos.Quantity = *patch.Quantity
	}
	if patch.LastHeartbeat != nil {
		pos.LastHeartbeat = *patch.LastHeartbeat
	}
	if patch.ClosedAt != nil {
		closedAt := *patch.ClosedAt
		pos.ClosedAt = &closedAt
	}
	if patch.PnlUSD != nil {
		pnl := *patch.PnlUSD
		pos.PnlUSD = &pnl
	}
	if patch.ExitReason != nil {
		pos.ExitReason = *patch.ExitReason
	}
	for k, v := range patch.Metadata {
		pos.SetMeta(k, v)
	}
	return nil
}

func (s *memStore) InsertFill(ctx context.Context, fill position.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fill.PositionID + "|" + fill.OrderID
	if _, exists := s.fills[key]; exists {
		return false, nil
	}
	s.fills[key] = fill
	return true, nil
}

func (s *memStore) FillsForPosition(ctx context.Context, positionID string) ([]position.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []position.Fill
	for _, fill := range s.fills {
		if fill.PositionID == positionID {
			out = append(out, fill)
		}
	}
	return out, nil
}

func (s *memStore) fillCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fills)
}

func (s *memStore) position(id string) *position.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positions[id]
}

// --- helpers ---------------------------------------------------------------

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPair(t *testing.T) (*sim.Venue, *sim.Venue, *memStore, *executor.Executor) {
	t.Helper()
	long := sim.New("sim") // registry name must resolve for fills
	short := sim.New("aster")
	long.SetBook("BTC", dec("99.9"), dec("100.1"))
	short.SetBook("BTC", dec("99.8"), dec("100.2"))
	store := newMemStore()
	exec := executor.New(map[string]exchange.Provider{
		"sim":   long,
		"aster": short,
	}, store)
	return long, short, store, exec
}

func openRequest() executor.OpenRequest {
	return executor.OpenRequest{
		Symbol:     "BTC",
		LongVenue:  "sim",
		ShortVenue: "aster",
		LongRate:   dec("-0.0002"),
		ShortRate:  dec("0.0006"),
	}
}

func params() executor.Params {
	return executor.Params{
		AccountID:             "default",
		TargetMarginUSD:       dec("100"),
		Leverage:              3,
		MaxEntryDivergencePct: dec("0.01"),
		LimitOffsetPct:        dec("0.0002"),
		FillTimeout:           100 * time.Millisecond,
	}
}

// --- open ------------------------------------------------------------------

func TestOpenBothLegsFilled(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, position.StageMonitoring, pos.Stage)
	assert.True(t, pos.Quantity.IsPositive())
	assert.True(t, pos.SizeUSD.Equal(dec("300")))
	assert.True(t, pos.EntryDivergence.Equal(dec("0.0008")))

	// Both venues hold equal and opposite exposure.
	assert.True(t, long.PositionQty("BTC").Equal(pos.Quantity))
	assert.True(t, short.PositionQty("BTC").Equal(pos.Quantity.Neg()))

	// Position row and one entry fill per leg.
	require.NotNil(t, store.position(pos.ID))
	assert.Equal(t, 2, store.fillCount())
}

func TestOpenDivergenceTooWide(t *testing.T) {
	long, short, store, exec := newPair(t)
	long.SetBook("BTC", dec("99.9"), dec("100.1"))   // mid 100
	short.SetBook("BTC", dec("102.9"), dec("103.1")) // mid 103 → 3% apart

	p := params()
	p.MaxEntryDivergencePct = dec("0.02")
	pos, err := exec.Open(context.Background(), openRequest(), p)
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrDivergenceTooWide))
	assert.Nil(t, pos)
	assert.Equal(t, 0, store.fillCount())
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
}

func TestOpenOneSidedFillRollsBack(t *testing.T) {
	long, short, store, exec := newPair(t)
	short.SetLimitFillMode(sim.RestOpen) // short leg never fills

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrPartialEntryRolledBack))
	assert.Nil(t, pos)

	// Long leg was flattened by a reduce-only market; no net exposure remains.
	assert.True(t, long.PositionQty("BTC").IsZero(), "long venue must be flat after rollback")
	assert.True(t, short.PositionQty("BTC").IsZero())

	// The initial fill and its reversal are both recorded.
	assert.Equal(t, 2, store.fillCount())
}

func TestOpenPostOnlyCrossed(t *testing.T) {
	long, short, store, exec := newPair(t)
	long.SetLimitFillMode(sim.RejectPostOnly)
	short.SetLimitFillMode(sim.RejectPostOnly)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrPostOnlyCrossed))
	assert.Nil(t, pos)
	assert.Equal(t, 0, store.fillCount())
}

func TestOpenBelowMinNotional(t *testing.T) {
	long, _, store, exec := newPair(t)
	long.SetMinOrderNotional(dec("1000"))

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrBelowMinNotional))
	assert.Nil(t, pos)
	assert.Equal(t, 0, store.fillCount())
}

func TestOpenBothUnfilledTimesOut(t *testing.T) {
	long, short, store, exec := newPair(t)
	long.SetLimitFillMode(sim.RestOpen)
	short.SetLimitFillMode(sim.RestOpen)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrEntryTimedOut))
	assert.Nil(t, pos)
	assert.Equal(t, 0, store.fillCount())
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
}

func TestOpenMatchingPartialsAccepted(t *testing.T) {
	_, short, store, exec := newPair(t)
	// Long fills in full immediately; short rests with a partial fill within
	// one percent of the target.
	short.SetLimitFillMode(sim.RestOpen)

	// Target quantity is notional 300 / ref mid 100 = 3.0.
	short.ScriptPartialFill("BTC", dec("2.98"))

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(dec("2.98")), "realized quantity %s", pos.Quantity)
	assert.Equal(t, 2, store.fillCount())
	assert.Equal(t, position.StageMonitoring, store.position(pos.ID).Stage)
}

func TestOpenMismatchedPartialsRollBack(t *testing.T) {
	long, short, store, exec := newPair(t)
	short.SetLimitFillMode(sim.RestOpen)
	short.ScriptPartialFill("BTC", dec("1.5")) // half the long leg

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.Error(t, err)
	assert.True(t, errors.Is(err, executor.ErrPartialEntryRolledBack))
	assert.Nil(t, pos)
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
	require.GreaterOrEqual(t, store.fillCount(), 2, "entry fills and reversals recorded")
}

// --- close -----------------------------------------------------------------

func TestCloseMarketComputesPnl(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)

	// Funding accrued while held.
	pos.CumulativeFundingUSD = dec("1.5")

	result, err := exec.Close(context.Background(), pos, executor.CloseMarket, position.ExitReasonProfitErosion, params())
	require.NoError(t, err)
	require.NotNil(t, result)

	stored := store.position(pos.ID)
	assert.Equal(t, position.StageClosed, stored.Stage)
	require.NotNil(t, stored.ClosedAt)
	require.NotNil(t, stored.PnlUSD)
	assert.Equal(t, position.ExitReasonProfitErosion, stored.ExitReason)
	assert.False(t, result.Degraded)

	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
	assert.Equal(t, 4, store.fillCount(), "two entry and two exit fills")

	// Entry long buy at ~99.88, exit long sell at bid 99.9; entry short sell
	// at ~100.22, exit short buy at ask 100.2: price legs nearly cancel and
	// funding dominates. PnL must include the accrued funding minus fees.
	assert.True(t, result.PnlUSD.GreaterThan(dec("0")), "pnl %s", result.PnlUSD)
}

func TestCloseWhenOneLegAlreadyFlat(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)

	// Flatten the short leg out-of-band; close must still converge.
	_, err = short.PlaceMarket(context.Background(), exchange.MarketOrder{
		Symbol: "BTC", Side: exchange.OrderSideBuy, Quantity: pos.Quantity, ReduceOnly: true,
	})
	require.NoError(t, err)

	result, err := exec.Close(context.Background(), pos, executor.CloseMarket, position.ExitReasonMaxAge, params())
	require.NoError(t, err)
	assert.Equal(t, position.StageClosed, store.position(pos.ID).Stage)
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
	require.NotNil(t, result)
}

func TestCloseLimitEscalation(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)

	// Limit closes never fill: both legs must escalate to market.
	long.SetLimitFillMode(sim.RestOpen)
	short.SetLimitFillMode(sim.RestOpen)

	result, err := exec.Close(context.Background(), pos, executor.CloseLimit, position.ExitReasonManual, params())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, position.StageClosed, store.position(pos.ID).Stage)
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
}

func TestRebalanceTrimsLargerLeg(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)

	// Drift the long leg 10% larger.
	drift := pos.Quantity.Mul(dec("0.1"))
	_, err = long.PlaceMarket(context.Background(), exchange.MarketOrder{
		Symbol: "BTC", Side: exchange.OrderSideBuy, Quantity: drift,
	})
	require.NoError(t, err)

	require.NoError(t, exec.Rebalance(context.Background(), pos))
	assert.True(t, long.PositionQty("BTC").Equal(short.PositionQty("BTC").Neg()),
		"legs must match after rebalance: long=%s short=%s", long.PositionQty("BTC"), short.PositionQty("BTC"))
	require.NotNil(t, store.position(pos.ID))
}

func TestCloseIsShieldedFromCancellation(t *testing.T) {
	long, short, store, exec := newPair(t)

	pos, err := exec.Open(context.Background(), openRequest(), params())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: the close must still run to completion

	result, err := exec.Close(ctx, pos, executor.CloseMarket, position.ExitReasonShutdown, params())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, position.StageClosed, store.position(pos.ID).Stage)
	assert.True(t, long.PositionQty("BTC").IsZero())
	assert.True(t, short.PositionQty("BTC").IsZero())
}
