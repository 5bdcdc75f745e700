package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"perparb/pkg/exchange"
	"perparb/pkg/position"
)

// ErrEntryTimedOut reports an entry where neither leg filled before the fill
// timeout; both orders were cancelled and no position exists.
var ErrEntryTimedOut = errors.New("executor: entry timed out with no fills")

const (
	defaultFillTimeout = 10 * time.Second
	// partialMatchToleranceBps is the max relative quantity mismatch accepted
	// when both legs filled partially.
	partialMatchToleranceBps = 100 // 1%
)

// OpenRequest identifies the directed pair to enter. Rates are per the
// canonical 8-hour interval and recorded on the position for later erosion
// checks.
type OpenRequest struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	LongRate   decimal.Decimal
	ShortRate  decimal.Decimal
}

// Executor is the atomic two-leg order engine.
type Executor struct {
	venues map[string]exchange.Provider
	store  Store
	events Events
	clock  func() time.Time
}

// Option customises the executor.
type Option func(*Executor)

// WithEvents attaches a stage-transition sink.
func WithEvents(events Events) Option {
	return func(e *Executor) {
		if events != nil {
			e.events = events
		}
	}
}

// WithClock overrides the time source (primarily for testing).
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// New constructs an executor over the given venue providers and store.
func New(venues map[string]exchange.Provider, store Store, opts ...Option) *Executor {
	e := &Executor{
		venues: venues,
		store:  store,
		events: noopEvents{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) venue(name string) (exchange.Provider, error) {
	v, ok := e.venues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVenue, name)
	}
	return v, nil
}

// legState tracks one leg through placement and settlement.
type legState struct {
	venue    exchange.Provider
	side     exchange.OrderSide
	orderID  string
	final    *exchange.OrderInfo
	placeErr error
}

func (l *legState) filledQty() decimal.Decimal {
	if l.final == nil {
		return decimal.Zero
	}
	return l.final.FilledQuantity
}

// Open enters both legs of the pair. On return either the returned position
// exists with matching entry fills persisted, or no position exists and net
// exposure on the symbol is flat across both venues.
func (e *Executor) Open(ctx context.Context, req OpenRequest, p Params) (*position.Position, error) {
	longVenue, err := e.venue(req.LongVenue)
	if err != nil {
		return nil, err
	}
	shortVenue, err := e.venue(req.ShortVenue)
	if err != nil {
		return nil, err
	}
	if p.FillTimeout <= 0 {
		p.FillTimeout = defaultFillTimeout
	}
	logger := logx.WithContext(ctx)

	// Pre-flight: both BBOs in parallel.
	var longBBO, shortBBO *exchange.BBO
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		longBBO, err = longVenue.FetchBBO(gctx, req.Symbol)
		return err
	})
	g.Go(func() error {
		var err error
		shortBBO, err = shortVenue.FetchBBO(gctx, req.Symbol)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	priceDivergence, err := ValidateEntryDivergence(*longBBO, *shortBBO, p.MaxEntryDivergencePct)
	if err != nil {
		return nil, err
	}

	// Size both legs to one canonical quantity.
	notional := p.TargetMarginUSD.Mul(decimal.NewFromInt(int64(p.Leverage)))
	reference := longBBO.Mid().Add(shortBBO.Mid()).Div(decimal.NewFromInt(2))
	longStep, err := longVenue.OrderSizeIncrement(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	shortStep, err := shortVenue.OrderSizeIncrement(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	qty := sizeLegs(notional, reference, longStep, shortStep)
	if !qty.IsPositive() {
		return nil, fmt.Errorf("%w: quantity rounds to zero at notional %s", exchange.ErrBelowMinNotional, notional.String())
	}
	if err := e.checkMinNotional(ctx, longVenue, req.Symbol, qty, longBBO.Mid()); err != nil {
		return nil, err
	}
	if err := e.checkMinNotional(ctx, shortVenue, req.Symbol, qty, shortBBO.Mid()); err != nil {
		return nil, err
	}

	if err := longVenue.SetLeverage(ctx, req.Symbol, p.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage on %s: %w", req.LongVenue, err)
	}
	if err := shortVenue.SetLeverage(ctx, req.Symbol, p.Leverage); err != nil {
		return nil, fmt.Errorf("set leverage on %s: %w", req.ShortVenue, err)
	}

	positionID := uuid.NewString()
	logger.Infof("executor: opening %s long=%s short=%s qty=%s notional=%s price_div=%s",
		req.Symbol, req.LongVenue, req.ShortVenue, qty.String(), notional.String(), priceDivergence.StringFixed(6))

	long := &legState{venue: longVenue, side: exchange.OrderSideBuy}
	short := &legState{venue: shortVenue, side: exchange.OrderSideSell}

	// Place both legs concurrently as post-only maker orders; wall-clock
	// parallelism here bounds the divergence risk between the two entries.
	var wg errgroup.Group
	wg.Go(func() error {
		long.orderID, long.placeErr = e.placeEntryLeg(ctx, longVenue, req.Symbol, exchange.OrderSideBuy, qty, p.LimitOffsetPct)
		return nil
	})
	wg.Go(func() error {
		short.orderID, short.placeErr = e.placeEntryLeg(ctx, shortVenue, req.Symbol, exchange.OrderSideSell, qty, p.LimitOffsetPct)
		return nil
	})
	_ = wg.Wait()

	if long.placeErr != nil || short.placeErr != nil {
		return nil, e.failPlacement(ctx, req, positionID, p, long, short)
	}

	// Await settlement of both legs.
	var settle errgroup.Group
	settle.Go(func() error {
		long.final = e.settleLeg(ctx, longVenue, req.Symbol, long.orderID, p.FillTimeout)
		return nil
	})
	settle.Go(func() error {
		short.final = e.settleLeg(ctx, shortVenue, req.Symbol, short.orderID, p.FillTimeout)
		return nil
	})
	_ = settle.Wait()

	// Cancel any remainder still resting on either book.
	e.cancelRemainder(ctx, longVenue, req.Symbol, long)
	e.cancelRemainder(ctx, shortVenue, req.Symbol, short)

	longQty, shortQty := long.filledQty(), short.filledQty()
	switch {
	case longQty.IsZero() && shortQty.IsZero():
		return nil, ErrEntryTimedOut

	case longQty.IsPositive() && shortQty.IsPositive():
		if !e.partialsMatch(ctx, req, qty, long, short, longBBO, shortBBO) {
			e.rollback(ctx, req, positionID, long, short)
			return nil, ErrPartialEntryRolledBack
		}
		return e.commitOpen(ctx, req, positionID, p, qty, long, short)

	default:
		// Exactly one side filled: flatten it.
		e.rollback(ctx, req, positionID, long, short)
		return nil, ErrPartialEntryRolledBack
	}
}

func (e *Executor) checkMinNotional(ctx context.Context, venue exchange.Provider, symbol string, qty, price decimal.Decimal) error {
	min, err := venue.MinOrderNotional(ctx, symbol)
	if err != nil {
		return err
	}
	legNotional := qty.Mul(price)
	if legNotional.LessThan(min) {
		return fmt.Errorf("%w: %s leg notional %s < %s", exchange.ErrBelowMinNotional,
			venue.Name(), legNotional.StringFixed(2), min.StringFixed(2))
	}
	return nil
}

// placeEntryLeg places one post-only maker order, re-pegging once at the new
// BBO if the first attempt would cross.
func (e *Executor) placeEntryLeg(ctx context.Context, venue exchange.Provider, symbol string, side exchange.OrderSide, qty, offsetPct decimal.Decimal) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		bbo, err := venue.FetchBBO(ctx, symbol)
		if err != nil {
			return "", err
		}
		price := makerPrice(*bbo, side, offsetPct)
		result, err := venue.PlaceLimit(ctx, exchange.LimitOrder{
			Symbol:   symbol,
			Side:     side,
			Quantity: qty,
			Price:    price,
			PostOnly: true,
		})
		if err != nil {
			if errors.Is(err, exchange.ErrPostOnlyRejected) && attempt == 0 {
				continue
			}
			return "", err
		}
		return result.OrderID, nil
	}
	return "", exchange.ErrPostOnlyRejected
}

// makerPrice computes the resting price for a maker order: buys sit below the
// bid, sells above the ask, by the configured offset.
func makerPrice(bbo exchange.BBO, side exchange.OrderSide, offsetPct decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == exchange.OrderSideBuy {
		return bbo.Bid.Mul(one.Sub(offsetPct))
	}
	return bbo.Ask.Mul(one.Add(offsetPct))
}

// settleLeg waits for the order to reach a new state and returns the
// authoritative final view. A nil return means the order is unknown.
func (e *Executor) settleLeg(ctx context.Context, venue exchange.Provider, symbol, orderID string, timeout time.Duration) *exchange.OrderInfo {
	info, err := venue.AwaitOrderUpdate(ctx, symbol, orderID, timeout)
	if err != nil {
		logx.WithContext(ctx).Errorf("executor: await order %s on %s: %v", orderID, venue.Name(), err)
	}
	if info != nil && info.Status.Terminal() {
		return info
	}
	final, err := venue.GetOrderInfo(ctx, symbol, orderID, true)
	if err != nil {
		logx.WithContext(ctx).Errorf("executor: refresh order %s on %s: %v", orderID, venue.Name(), err)
		return info
	}
	return final
}

func (e *Executor) cancelRemainder(ctx context.Context, venue exchange.Provider, symbol string, leg *legState) {
	if leg.orderID == "" || (leg.final != nil && leg.final.Status.Terminal()) {
		return
	}
	cctx := context.WithoutCancel(ctx)
	if _, err := venue.CancelOrder(cctx, symbol, leg.orderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logx.WithContext(ctx).Errorf("executor: cancel order %s on %s: %v", leg.orderID, venue.Name(), err)
	}
	if final, err := venue.GetOrderInfo(cctx, symbol, leg.orderID, true); err == nil && final != nil {
		leg.final = final
	}
}

// partialsMatch applies the partial-fill acceptance rule: both legs at or
// above the venue minimum and quantities within tolerance of each other.
func (e *Executor) partialsMatch(ctx context.Context, req OpenRequest, target decimal.Decimal, long, short *legState, longBBO, shortBBO *exchange.BBO) bool {
	longQty, shortQty := long.filledQty(), short.filledQty()
	if longQty.Equal(target) && shortQty.Equal(target) {
		return true
	}
	if err := e.checkMinNotional(ctx, long.venue, req.Symbol, longQty, longBBO.Mid()); err != nil {
		return false
	}
	if err := e.checkMinNotional(ctx, short.venue, req.Symbol, shortQty, shortBBO.Mid()); err != nil {
		return false
	}
	bigger := decimal.Max(longQty, shortQty)
	diff := longQty.Sub(shortQty).Abs()
	tolerance := bigger.Mul(decimal.NewFromInt(partialMatchToleranceBps)).Div(decimal.NewFromInt(10000))
	return !diff.GreaterThan(tolerance)
}

// failPlacement handles placement-phase errors: cancel and flatten whichever
// leg made it to the book, then surface the most meaningful error.
func (e *Executor) failPlacement(ctx context.Context, req OpenRequest, positionID string, p Params, long, short *legState) error {
	e.cancelRemainder(ctx, long.venue, req.Symbol, long)
	e.cancelRemainder(ctx, short.venue, req.Symbol, short)
	if long.filledQty().IsPositive() || short.filledQty().IsPositive() {
		e.rollback(ctx, req, positionID, long, short)
		return ErrPartialEntryRolledBack
	}
	if errors.Is(long.placeErr, exchange.ErrPostOnlyRejected) && errors.Is(short.placeErr, exchange.ErrPostOnlyRejected) {
		return ErrPostOnlyCrossed
	}
	if long.placeErr != nil {
		return fmt.Errorf("place %s leg: %w", req.LongVenue, long.placeErr)
	}
	return fmt.Errorf("place %s leg: %w", req.ShortVenue, short.placeErr)
}

// rollback flattens any filled quantity with reduce-only market orders and
// records the entry fills plus their reversals. Runs shielded from caller
// cancellation: a cancelled open must still unwind.
func (e *Executor) rollback(ctx context.Context, req OpenRequest, positionID string, legs ...*legState) {
	rctx := context.WithoutCancel(ctx)
	logger := logx.WithContext(ctx)
	for _, leg := range legs {
		qty := leg.filledQty()
		if !qty.IsPositive() {
			continue
		}
		e.recordFill(rctx, positionID, req.Symbol, leg.venue.Name(), position.TradeTypeEntry, leg.final)

		result, err := leg.venue.PlaceMarket(rctx, exchange.MarketOrder{
			Symbol:     req.Symbol,
			Side:       leg.side.Opposite(),
			Quantity:   qty,
			ReduceOnly: true,
		})
		if err != nil {
			logger.Errorf("executor: CRITICAL rollback failed on %s %s qty=%s: %v",
				leg.venue.Name(), req.Symbol, qty.String(), err)
			continue
		}
		if info, err := leg.venue.GetOrderInfo(rctx, req.Symbol, result.OrderID, true); err == nil && info != nil {
			e.recordFill(rctx, positionID, req.Symbol, leg.venue.Name(), position.TradeTypeEntry, info)
		}
		logger.Infof("executor: rolled back %s leg on %s qty=%s", req.Symbol, leg.venue.Name(), qty.String())
	}
}

// commitOpen persists the new position and its entry fills.
func (e *Executor) commitOpen(ctx context.Context, req OpenRequest, positionID string, p Params, target decimal.Decimal, long, short *legState) (*position.Position, error) {
	now := e.clock().UTC()
	realized := decimal.Min(long.filledQty(), short.filledQty())

	pos := &position.Position{
		ID:              positionID,
		AccountID:       p.AccountID,
		Symbol:          req.Symbol,
		LongVenue:       req.LongVenue,
		ShortVenue:      req.ShortVenue,
		SizeUSD:         p.TargetMarginUSD.Mul(decimal.NewFromInt(int64(p.Leverage))),
		Leverage:        p.Leverage,
		Quantity:        realized,
		EntryLongRate:   req.LongRate,
		EntryShortRate:  req.ShortRate,
		EntryDivergence: req.ShortRate.Sub(req.LongRate),
		EntryLongPrice:  long.final.AvgFillPrice,
		EntryShortPrice: short.final.AvgFillPrice,
		Stage:           position.StageMonitoring,
		OpenedAt:        now,
		LastHeartbeat:   now,
	}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	fills := []position.Fill{
		fillFromOrder(positionID, p.AccountID, req.LongVenue, req.Symbol, position.TradeTypeEntry, long.final, now),
		fillFromOrder(positionID, p.AccountID, req.ShortVenue, req.Symbol, position.TradeTypeEntry, short.final, now),
	}
	// Persistence runs shielded: the venues hold real exposure at this point
	// and the row must exist for the monitor to pick it up.
	if err := e.store.InsertPositionWithFills(context.WithoutCancel(ctx), pos, fills); err != nil {
		return nil, fmt.Errorf("persist position %s: %w", positionID, err)
	}
	e.events.StageChanged(positionID, position.StageOpening, position.StageMonitoring, "entry filled")
	logx.WithContext(ctx).Infof("executor: opened %s id=%s qty=%s long@%s short@%s",
		req.Symbol, positionID, realized.String(), pos.EntryLongPrice.String(), pos.EntryShortPrice.String())
	return pos, nil
}

func (e *Executor) recordFill(ctx context.Context, positionID, symbol, venue string, tradeType position.TradeType, info *exchange.OrderInfo) {
	if info == nil || !info.FilledQuantity.IsPositive() {
		return
	}
	fill := fillFromOrder(positionID, "", venue, symbol, tradeType, info, e.clock().UTC())
	if _, err := e.store.InsertFill(ctx, fill); err != nil {
		logx.WithContext(ctx).Errorf("executor: record fill order=%s venue=%s: %v", info.OrderID, venue, err)
	}
}

func fillFromOrder(positionID, accountID, venue, symbol string, tradeType position.TradeType, info *exchange.OrderInfo, ts time.Time) position.Fill {
	fill := position.Fill{
		PositionID:       positionID,
		AccountID:        accountID,
		Venue:            venue,
		Symbol:           symbol,
		TradeType:        tradeType,
		Side:             string(info.Side),
		OrderID:          info.OrderID,
		Timestamp:        ts,
		TotalQuantity:    info.FilledQuantity,
		WeightedAvgPrice: info.AvgFillPrice,
		TotalFee:         info.Fee,
		FeeCurrency:      info.FeeCurrency,
		FillCount:        info.FillCount,
	}
	if !info.UpdatedAt.IsZero() {
		fill.Timestamp = info.UpdatedAt.UTC()
	}
	return fill
}
