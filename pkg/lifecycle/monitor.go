// Package lifecycle evaluates open positions against their exit and
// rebalancing triggers. Each evaluation is side-effect free on the venues:
// it reads snapshots and quotes, persists heartbeat and funding accrual, and
// returns a decision for the orchestrator to act on.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"perparb/pkg/exchange"
	"perparb/pkg/position"
)

// Action is what the orchestrator should do with a position.
type Action string

const (
	ActionNone      Action = "none"
	ActionClose     Action = "close"
	ActionRebalance Action = "rebalance"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action     Action
	ExitReason position.ExitReason
	Detail     string
}

var noAction = Decision{Action: ActionNone}

// Config bounds the risk checks.
type Config struct {
	MinHold                   time.Duration
	MaxAge                    time.Duration
	ProfitErosionThreshold    decimal.Decimal // 0..1
	MinLiquidationDistancePct decimal.Decimal
	MaxSpreadBps              decimal.Decimal
	WideSpreadCooldown        time.Duration
	RebalanceToleranceBps     int64
}

// Store is the slice of persistence the monitor touches.
type Store interface {
	UpdatePosition(ctx context.Context, id string, patch position.Patch) error
	// LatestRates returns fresh samples for the symbol keyed by venue.
	LatestRates(ctx context.Context, symbol string, venues []string, maxAge time.Duration) (map[string]exchange.FundingRateSample, error)
}

// Monitor runs the per-position state machine checks.
type Monitor struct {
	venues map[string]exchange.Provider
	store  Store
	cfg    Config
	clock  func() time.Time

	mu sync.Mutex
	// spreadSince tracks when a position first saw an unusable or too-wide
	// book. One good BBO sample on both venues resets the timer.
	spreadSince map[string]time.Time
}

// New constructs a monitor.
func New(venues map[string]exchange.Provider, store Store, cfg Config) *Monitor {
	if cfg.RebalanceToleranceBps <= 0 {
		cfg.RebalanceToleranceBps = 100
	}
	return &Monitor{
		venues:      venues,
		store:       store,
		cfg:         cfg,
		clock:       time.Now,
		spreadSince: make(map[string]time.Time),
	}
}

// SetClock overrides the time source for tests.
func (m *Monitor) SetClock(clock func() time.Time) {
	if clock != nil {
		m.clock = clock
	}
}

// Forget drops per-position cooldown state after a close.
func (m *Monitor) Forget(positionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.spreadSince, positionID)
}

// Evaluate runs the trigger checks in priority order; first match wins.
func (m *Monitor) Evaluate(ctx context.Context, pos *position.Position) (Decision, error) {
	longVenue, ok := m.venues[pos.LongVenue]
	if !ok {
		return noAction, fmt.Errorf("lifecycle: unknown venue %s", pos.LongVenue)
	}
	shortVenue, ok := m.venues[pos.ShortVenue]
	if !ok {
		return noAction, fmt.Errorf("lifecycle: unknown venue %s", pos.ShortVenue)
	}

	now := m.clock().UTC()
	logger := logx.WithContext(ctx)

	longSnap, longErr := longVenue.GetPositionSnapshot(ctx, pos.Symbol)
	shortSnap, shortErr := shortVenue.GetPositionSnapshot(ctx, pos.Symbol)

	// Funding accrual and heartbeat run every tick, including inside the
	// min-hold window.
	m.persistHeartbeat(ctx, pos, longSnap, shortSnap, now)

	// 1. Max age.
	if m.cfg.MaxAge > 0 && pos.Age(now) > m.cfg.MaxAge {
		return Decision{
			Action:     ActionClose,
			ExitReason: position.ExitReasonMaxAge,
			Detail:     fmt.Sprintf("age %s exceeds %s", pos.Age(now).Truncate(time.Minute), m.cfg.MaxAge),
		}, nil
	}

	// 2. Min-hold gate: remaining risk checks are skipped.
	if pos.Age(now) < m.cfg.MinHold {
		return noAction, nil
	}

	// 3. Liquidation proximity.
	if longErr != nil || shortErr != nil {
		// Snapshot unavailable: defer the risk checks to the next tick.
		logger.Errorf("lifecycle: snapshots for %s unavailable (long=%v short=%v)", pos.ID, longErr, shortErr)
		return noAction, nil
	}
	for _, snap := range []*exchange.PositionSnapshot{longSnap, shortSnap} {
		if reason, risky := m.liquidationRisk(snap); risky {
			return Decision{Action: ActionClose, ExitReason: position.ExitReasonLiquidationRisk, Detail: reason}, nil
		}
	}

	// 4. Profit erosion.
	if d, triggered := m.profitErosion(ctx, pos); triggered {
		return d, nil
	}

	// 5. Wide spread / stale data cooldown.
	if d, triggered := m.wideSpread(ctx, pos, longVenue, shortVenue, now); triggered {
		return d, nil
	}

	// 6. Leg drift.
	if d, triggered := m.legDrift(pos, longSnap, shortSnap); triggered {
		return d, nil
	}

	return noAction, nil
}

func (m *Monitor) persistHeartbeat(ctx context.Context, pos *position.Position, long, short *exchange.PositionSnapshot, now time.Time) {
	patch := position.Patch{LastHeartbeat: &now}
	if long != nil && short != nil {
		funding := long.FundingAccruedUSD.Add(short.FundingAccruedUSD)
		patch.CumulativeFundingUSD = &funding
		pos.CumulativeFundingUSD = funding
	}
	if err := m.store.UpdatePosition(ctx, pos.ID, patch); err != nil {
		logx.WithContext(ctx).Errorf("lifecycle: heartbeat %s: %v", pos.ID, err)
	}
	pos.LastHeartbeat = now
}

func (m *Monitor) liquidationRisk(snap *exchange.PositionSnapshot) (string, bool) {
	if snap == nil || !snap.MarkPrice.IsPositive() || !snap.LiquidationPrice.IsPositive() {
		return "", false
	}
	distance := snap.MarkPrice.Sub(snap.LiquidationPrice).Abs().Div(snap.MarkPrice)
	if distance.LessThan(m.cfg.MinLiquidationDistancePct) {
		return fmt.Sprintf("%s %s leg %s from liquidation", snap.Venue, snap.Side, distance.StringFixed(4)), true
	}
	return "", false
}

func (m *Monitor) profitErosion(ctx context.Context, pos *position.Position) (Decision, bool) {
	if !pos.EntryDivergence.IsPositive() || m.cfg.ProfitErosionThreshold.IsZero() {
		return noAction, false
	}
	rates, err := m.store.LatestRates(ctx, pos.Symbol, []string{pos.LongVenue, pos.ShortVenue}, 2*time.Minute)
	if err != nil {
		logx.WithContext(ctx).Errorf("lifecycle: latest rates for %s: %v", pos.ID, err)
		return noAction, false
	}
	longRate, okLong := rates[pos.LongVenue]
	shortRate, okShort := rates[pos.ShortVenue]
	if !okLong || !okShort {
		// Stale samples: skip the check rather than act on old data.
		return noAction, false
	}
	current := shortRate.NormalizedRate.Sub(longRate.NormalizedRate)
	erosion := pos.EntryDivergence.Sub(current).Div(pos.EntryDivergence)
	if erosion.GreaterThanOrEqual(m.cfg.ProfitErosionThreshold) {
		return Decision{
			Action:     ActionClose,
			ExitReason: position.ExitReasonProfitErosion,
			Detail: fmt.Sprintf("divergence %s -> %s, erosion %s",
				pos.EntryDivergence.StringFixed(6), current.StringFixed(6), erosion.StringFixed(3)),
		}, true
	}
	return noAction, false
}

// wideSpread defers while a book is unusable and forces closure once the
// condition has held continuously for the cooldown. A single tick where both
// venues quote a usable, tight book resets the timer.
func (m *Monitor) wideSpread(ctx context.Context, pos *position.Position, long, short exchange.Provider, now time.Time) (Decision, bool) {
	bad := false
	for _, venue := range []exchange.Provider{long, short} {
		bbo, err := venue.FetchBBO(ctx, pos.Symbol)
		if err != nil || bbo == nil || !bbo.Valid() {
			bad = true
			break
		}
		if m.cfg.MaxSpreadBps.IsPositive() && bbo.SpreadBps().GreaterThan(m.cfg.MaxSpreadBps) {
			bad = true
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !bad {
		delete(m.spreadSince, pos.ID)
		return noAction, false
	}
	since, seen := m.spreadSince[pos.ID]
	if !seen {
		m.spreadSince[pos.ID] = now
		return noAction, false
	}
	if m.cfg.WideSpreadCooldown > 0 && now.Sub(since) >= m.cfg.WideSpreadCooldown {
		delete(m.spreadSince, pos.ID)
		return Decision{
			Action:     ActionClose,
			ExitReason: position.ExitReasonPersistentWideSpread,
			Detail:     fmt.Sprintf("book unusable since %s", since.Format(time.RFC3339)),
		}, true
	}
	return noAction, true // defer: condition present but cooldown not elapsed
}

func (m *Monitor) legDrift(pos *position.Position, long, short *exchange.PositionSnapshot) (Decision, bool) {
	if long == nil || short == nil || !pos.Quantity.IsPositive() {
		return noAction, false
	}
	diff := long.Quantity.Sub(short.Quantity).Abs()
	tolerance := pos.Quantity.Mul(decimal.NewFromInt(m.cfg.RebalanceToleranceBps)).Div(decimal.NewFromInt(10000))
	if diff.GreaterThan(tolerance) {
		return Decision{
			Action: ActionRebalance,
			Detail: fmt.Sprintf("legs drifted: long=%s short=%s", long.Quantity.String(), short.Quantity.String()),
		}, true
	}
	return noAction, false
}
