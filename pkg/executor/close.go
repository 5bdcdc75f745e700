package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"perparb/pkg/exchange"
	"perparb/pkg/position"
)

// Close unwinds both legs with reduce-only orders and marks the position
// closed. Closures are never interrupted mid-flight: all venue calls run
// shielded from caller cancellation once the closure starts.
func (e *Executor) Close(ctx context.Context, pos *position.Position, orderType CloseOrderType, reason position.ExitReason, p Params) (*CloseResult, error) {
	longVenue, err := e.venue(pos.LongVenue)
	if err != nil {
		return nil, err
	}
	shortVenue, err := e.venue(pos.ShortVenue)
	if err != nil {
		return nil, err
	}
	if p.FillTimeout <= 0 {
		p.FillTimeout = defaultFillTimeout
	}
	cctx := context.WithoutCancel(ctx)
	logger := logx.WithContext(ctx)
	logger.Infof("executor: closing %s id=%s reason=%s type=%s", pos.Symbol, pos.ID, reason, orderType)

	e.events.StageChanged(pos.ID, pos.Stage, position.StageClosing, string(reason))
	stage := position.StageClosing
	if err := e.store.UpdatePosition(cctx, pos.ID, position.Patch{Stage: &stage}); err != nil {
		logger.Errorf("executor: mark closing %s: %v", pos.ID, err)
	}

	type closeOutcome struct {
		fill     *exchange.OrderInfo
		degraded bool
		err      error
	}
	var longOut, shortOut closeOutcome
	var g errgroup.Group
	g.Go(func() error {
		longOut.fill, longOut.degraded, longOut.err = e.closeLeg(cctx, pos, longVenue, exchange.OrderSideSell, orderType, p)
		return nil
	})
	g.Go(func() error {
		shortOut.fill, shortOut.degraded, shortOut.err = e.closeLeg(cctx, pos, shortVenue, exchange.OrderSideBuy, orderType, p)
		return nil
	})
	_ = g.Wait()

	degraded := longOut.degraded || shortOut.degraded
	var exitFills []position.Fill
	now := e.clock().UTC()
	for _, out := range []struct {
		venue string
		oc    closeOutcome
	}{{pos.LongVenue, longOut}, {pos.ShortVenue, shortOut}} {
		if out.oc.fill != nil && out.oc.fill.FilledQuantity.IsPositive() {
			fill := fillFromOrder(pos.ID, pos.AccountID, out.venue, pos.Symbol, position.TradeTypeExit, out.oc.fill, now)
			if _, err := e.store.InsertFill(cctx, fill); err != nil {
				logger.Errorf("executor: record exit fill %s: %v", out.oc.fill.OrderID, err)
			}
			exitFills = append(exitFills, fill)
		}
	}

	// A leg error is terminal only while the venue still reports exposure.
	flat := e.bothLegsFlat(cctx, longVenue, shortVenue, pos.Symbol)
	if (longOut.err != nil || shortOut.err != nil) && !flat {
		degradedTrue := map[string]string{position.MetaCloseDegraded: "true"}
		if err := e.store.UpdatePosition(cctx, pos.ID, position.Patch{Metadata: degradedTrue}); err != nil {
			logger.Errorf("executor: flag degraded close %s: %v", pos.ID, err)
		}
		if longOut.err != nil {
			return nil, fmt.Errorf("close %s leg: %w", pos.LongVenue, longOut.err)
		}
		return nil, fmt.Errorf("close %s leg: %w", pos.ShortVenue, shortOut.err)
	}

	pnl, err := e.computePnl(cctx, pos, exitFills)
	if err != nil {
		logger.Errorf("executor: pnl for %s: %v", pos.ID, err)
		pnl = decimal.Zero
	}

	closed := position.StageClosed
	patch := position.Patch{
		Stage:      &closed,
		ClosedAt:   &now,
		PnlUSD:     &pnl,
		ExitReason: &reason,
	}
	if degraded || longOut.err != nil || shortOut.err != nil {
		degraded = true
		patch.Metadata = map[string]string{position.MetaCloseDegraded: "true"}
	}
	if err := e.store.UpdatePosition(cctx, pos.ID, patch); err != nil {
		return nil, fmt.Errorf("persist close %s: %w", pos.ID, err)
	}
	e.events.StageChanged(pos.ID, position.StageClosing, position.StageClosed, string(reason))
	logger.Infof("executor: closed %s id=%s pnl=%s degraded=%v", pos.Symbol, pos.ID, pnl.StringFixed(4), degraded)

	return &CloseResult{PositionID: pos.ID, PnlUSD: pnl, Degraded: degraded, ExitFills: exitFills}, nil
}

// closeLeg flattens one leg. Limit closes rest post-only at the touch and
// escalate to market on timeout. Returns the terminal order info, whether the
// leg needed degraded handling, and the terminal error if the leg could not
// be flattened.
func (e *Executor) closeLeg(ctx context.Context, pos *position.Position, venue exchange.Provider, side exchange.OrderSide, orderType CloseOrderType, p Params) (*exchange.OrderInfo, bool, error) {
	symbol := pos.Symbol
	snapshot, err := venue.GetPositionSnapshot(ctx, symbol)
	if err != nil {
		return nil, true, err
	}
	if snapshot == nil || !snapshot.Quantity.IsPositive() {
		// Already flat; nothing to do.
		return nil, false, nil
	}
	qty := snapshot.Quantity

	if orderType == CloseLimit {
		info, err := e.closeLegLimit(ctx, venue, symbol, side, qty, p)
		if err == nil && info != nil && info.Status == exchange.OrderStatusFilled {
			return info, false, nil
		}
		// Timeout or rejection: fall through to market escalation, keeping
		// whatever partial quantity the limit attempt realized.
		if info != nil && info.FilledQuantity.IsPositive() {
			qty = qty.Sub(info.FilledQuantity)
		}
		logx.WithContext(ctx).Infof("executor: escalating %s close on %s to market", symbol, venue.Name())
		if !qty.IsPositive() {
			return info, false, nil
		}
		marketInfo, degraded, merr := e.closeLegMarket(ctx, venue, symbol, side, qty)
		if info != nil && info.FilledQuantity.IsPositive() {
			// The limit fill is reported upward; the market remainder gets
			// recorded here under its own order id.
			if marketInfo != nil && marketInfo.FilledQuantity.IsPositive() {
				fill := fillFromOrder(pos.ID, pos.AccountID, venue.Name(), symbol, position.TradeTypeExit, marketInfo, e.clock().UTC())
				if _, err := e.store.InsertFill(ctx, fill); err != nil {
					logx.WithContext(ctx).Errorf("executor: record escalation fill %s: %v", marketInfo.OrderID, err)
				}
			}
			return info, degraded, merr
		}
		return marketInfo, degraded, merr
	}

	return e.closeLegMarket(ctx, venue, symbol, side, qty)
}

func (e *Executor) closeLegMarket(ctx context.Context, venue exchange.Provider, symbol string, side exchange.OrderSide, qty decimal.Decimal) (*exchange.OrderInfo, bool, error) {
	result, err := venue.PlaceMarket(ctx, exchange.MarketOrder{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		if errors.Is(err, exchange.ErrReduceOnlyNoPosition) {
			// Venue reports no position: the leg is flat, but the close path
			// did not see the exposure it expected.
			return nil, true, nil
		}
		return nil, true, err
	}
	info, err := venue.GetOrderInfo(ctx, symbol, result.OrderID, true)
	if err != nil {
		return nil, true, err
	}
	return info, false, nil
}

func (e *Executor) closeLegLimit(ctx context.Context, venue exchange.Provider, symbol string, side exchange.OrderSide, qty decimal.Decimal, p Params) (*exchange.OrderInfo, error) {
	var orderID string
	for attempt := 0; attempt < 2; attempt++ {
		bbo, err := venue.FetchBBO(ctx, symbol)
		if err != nil {
			return nil, err
		}
		price := makerPrice(*bbo, side, p.LimitOffsetPct)
		result, err := venue.PlaceLimit(ctx, exchange.LimitOrder{
			Symbol:     symbol,
			Side:       side,
			Quantity:   qty,
			Price:      price,
			PostOnly:   true,
			ReduceOnly: true,
		})
		if err != nil {
			if errors.Is(err, exchange.ErrPostOnlyRejected) && attempt == 0 {
				continue
			}
			return nil, err
		}
		orderID = result.OrderID
		break
	}
	if orderID == "" {
		return nil, exchange.ErrPostOnlyRejected
	}

	info := e.settleLeg(ctx, venue, symbol, orderID, p.FillTimeout)
	if info == nil || !info.Status.Terminal() {
		if _, err := venue.CancelOrder(ctx, symbol, orderID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			logx.WithContext(ctx).Errorf("executor: cancel close order %s on %s: %v", orderID, venue.Name(), err)
		}
		if refreshed, err := venue.GetOrderInfo(ctx, symbol, orderID, true); err == nil && refreshed != nil {
			info = refreshed
		}
	}
	return info, nil
}

// bothLegsFlat confirms the venues report zero size for the symbol.
func (e *Executor) bothLegsFlat(ctx context.Context, long, short exchange.Provider, symbol string) bool {
	for _, venue := range []exchange.Provider{long, short} {
		snapshot, err := venue.GetPositionSnapshot(ctx, symbol)
		if err != nil {
			return false
		}
		if snapshot != nil && snapshot.Quantity.IsPositive() {
			return false
		}
	}
	return true
}

// computePnl derives realized PnL from the coalesced fills:
// sum of signed fill notionals over entry and exit fills (sells +, buys −)
// + accrued funding − all fees.
func (e *Executor) computePnl(ctx context.Context, pos *position.Position, exitFills []position.Fill) (decimal.Decimal, error) {
	fills, err := e.store.FillsForPosition(ctx, pos.ID)
	if err != nil {
		return decimal.Zero, err
	}
	seen := make(map[string]bool, len(fills))
	for _, f := range fills {
		seen[f.OrderID] = true
	}
	for _, f := range exitFills {
		if !seen[f.OrderID] {
			fills = append(fills, f)
		}
	}

	cash := decimal.Zero
	totalFees := decimal.Zero
	for _, f := range fills {
		cash = cash.Add(f.SignedNotional())
		totalFees = totalFees.Add(f.TotalFee)
	}
	return cash.Add(pos.CumulativeFundingUSD).Sub(totalFees), nil
}

// Rebalance shrinks the larger leg with a reduce-only market order so both
// legs match the smaller leg's quantity.
func (e *Executor) Rebalance(ctx context.Context, pos *position.Position) error {
	longVenue, err := e.venue(pos.LongVenue)
	if err != nil {
		return err
	}
	shortVenue, err := e.venue(pos.ShortVenue)
	if err != nil {
		return err
	}

	longSnap, err := longVenue.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	shortSnap, err := shortVenue.GetPositionSnapshot(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	if longSnap == nil || shortSnap == nil {
		return fmt.Errorf("executor: rebalance %s: missing leg snapshot", pos.ID)
	}

	longQty, shortQty := longSnap.Quantity, shortSnap.Quantity
	diff := longQty.Sub(shortQty)
	if diff.IsZero() {
		return nil
	}

	cctx := context.WithoutCancel(ctx)
	var venue exchange.Provider
	var side exchange.OrderSide
	if diff.IsPositive() {
		venue, side = longVenue, exchange.OrderSideSell // trim the long leg
	} else {
		venue, side = shortVenue, exchange.OrderSideBuy // trim the short leg
		diff = diff.Neg()
	}

	result, err := venue.PlaceMarket(cctx, exchange.MarketOrder{
		Symbol:     pos.Symbol,
		Side:       side,
		Quantity:   diff,
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("rebalance %s on %s: %w", pos.ID, venue.Name(), err)
	}
	if info, err := venue.GetOrderInfo(cctx, pos.Symbol, result.OrderID, true); err == nil && info != nil && info.FilledQuantity.IsPositive() {
		fill := fillFromOrder(pos.ID, pos.AccountID, venue.Name(), pos.Symbol, position.TradeTypeExit, info, e.clock().UTC())
		if _, err := e.store.InsertFill(cctx, fill); err != nil {
			logx.WithContext(ctx).Errorf("executor: record rebalance fill %s: %v", info.OrderID, err)
		}
	}
	newQty := decimal.Min(longQty, shortQty)
	if err := e.store.UpdatePosition(cctx, pos.ID, position.Patch{Quantity: &newQty}); err != nil {
		return fmt.Errorf("persist rebalance %s: %w", pos.ID, err)
	}
	logx.WithContext(ctx).Infof("executor: rebalanced %s id=%s trimmed %s on %s", pos.Symbol, pos.ID, diff.String(), venue.Name())
	return nil
}
