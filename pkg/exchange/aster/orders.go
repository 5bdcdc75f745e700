package aster

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// PlaceLimit implements exchange.Provider. Post-only maps to GTX; the venue
// answers an immediately-marketable GTX order with status EXPIRED.
func (p *Provider) PlaceLimit(ctx context.Context, order exchange.LimitOrder) (*exchange.OrderResult, error) {
	filters, err := p.client.filtersFor(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	params.Set("side", apiSide(order.Side))
	params.Set("type", "LIMIT")
	if order.PostOnly {
		params.Set("timeInForce", "GTX")
	} else {
		params.Set("timeInForce", "GTC")
	}
	params.Set("quantity", formatStep(order.Quantity, filters.StepSize))
	params.Set("price", formatStep(order.Price, filters.TickSize))
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	var resp orderResponse
	if err := p.client.do(ctx, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, err
	}
	if order.PostOnly && strings.EqualFold(resp.Status, "EXPIRED") {
		return nil, fmt.Errorf("%w: aster GTX order expired on entry", exchange.ErrPostOnlyRejected)
	}
	return resultFromOrder(&resp), nil
}

// PlaceMarket implements exchange.Provider.
func (p *Provider) PlaceMarket(ctx context.Context, order exchange.MarketOrder) (*exchange.OrderResult, error) {
	filters, err := p.client.filtersFor(ctx, order.Symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	params.Set("side", apiSide(order.Side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatStep(order.Quantity, filters.StepSize))
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}
	params.Set("newOrderRespType", "RESULT")

	var resp orderResponse
	if err := p.client.do(ctx, "POST", "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, err
	}
	return resultFromOrder(&resp), nil
}

// CancelOrder implements exchange.Provider.
func (p *Provider) CancelOrder(ctx context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	params.Set("orderId", orderID)

	var resp orderResponse
	if err := p.client.do(ctx, "DELETE", "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, err
	}
	return resultFromOrder(&resp), nil
}

// GetOrderInfo implements exchange.Provider. Without forceRefresh a cached
// websocket view is served when present; otherwise the REST order plus its
// trades are coalesced.
func (p *Provider) GetOrderInfo(ctx context.Context, symbol, orderID string, forceRefresh bool) (*exchange.OrderInfo, error) {
	if !forceRefresh {
		if cached := p.client.stream.cachedOrder(orderID); cached != nil {
			return cached, nil
		}
	}
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	params.Set("orderId", orderID)

	var resp orderResponse
	if err := p.client.get(ctx, "/fapi/v1/order", params, true, &resp); err != nil {
		return nil, err
	}
	info := infoFromOrder(&resp)

	if info.FilledQuantity.IsPositive() {
		if err := p.mergeTrades(ctx, filters.Native, orderID, info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func (p *Provider) mergeTrades(ctx context.Context, native, orderID string, info *exchange.OrderInfo) error {
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("orderId", orderID)
	var trades []userTradeEntry
	if err := p.client.get(ctx, "/fapi/v1/userTrades", params, true, &trades); err != nil {
		return err
	}
	totalFee := decimal.Zero
	count := 0
	feeAsset := ""
	for _, trade := range trades {
		if strconv.FormatInt(trade.OrderId, 10) != orderID {
			continue
		}
		if fee, err := decimal.NewFromString(trade.Commission); err == nil {
			totalFee = totalFee.Add(fee)
		}
		feeAsset = trade.CommissionAsset
		count++
	}
	info.Fee = totalFee
	info.FeeCurrency = feeAsset
	info.FillCount = count
	return nil
}

// AwaitOrderUpdate implements exchange.Provider via the user-data websocket
// stream; cached terminal states return immediately.
func (p *Provider) AwaitOrderUpdate(ctx context.Context, symbol, orderID string, timeout time.Duration) (*exchange.OrderInfo, error) {
	if err := p.client.stream.ensureStarted(ctx); err != nil {
		return nil, err
	}
	if cached := p.client.stream.cachedOrder(orderID); cached != nil && cached.Status.Terminal() {
		return cached, nil
	}
	return p.client.stream.await(ctx, orderID, timeout)
}

func apiSide(side exchange.OrderSide) string {
	if side == exchange.OrderSideBuy {
		return "BUY"
	}
	return "SELL"
}

// formatStep renders a value truncated to the symbol's step/tick grid.
func formatStep(value, step decimal.Decimal) string {
	if step.IsPositive() {
		value = value.Div(step).Floor().Mul(step)
	}
	return value.String()
}

func resultFromOrder(resp *orderResponse) *exchange.OrderResult {
	result := &exchange.OrderResult{
		OrderID:   strconv.FormatInt(resp.OrderId, 10),
		Status:    mapOrderStatus(resp.Status),
		RawStatus: resp.Status,
	}
	if qty, err := decimal.NewFromString(resp.ExecutedQty); err == nil {
		result.FilledQuantity = qty
	}
	if avg, err := decimal.NewFromString(resp.AvgPrice); err == nil {
		result.AvgFillPrice = avg
	}
	return result
}

func infoFromOrder(resp *orderResponse) *exchange.OrderInfo {
	side := exchange.OrderSideSell
	if strings.EqualFold(resp.Side, "BUY") {
		side = exchange.OrderSideBuy
	}
	info := &exchange.OrderInfo{
		OrderID:    strconv.FormatInt(resp.OrderId, 10),
		Symbol:     exchange.NormalizeSymbol(resp.Symbol),
		Side:       side,
		Status:     mapOrderStatus(resp.Status),
		ReduceOnly: resp.ReduceOnly,
		UpdatedAt:  time.UnixMilli(resp.UpdateTime).UTC(),
	}
	if v, err := decimal.NewFromString(resp.Price); err == nil {
		info.Price = v
	}
	if v, err := decimal.NewFromString(resp.OrigQty); err == nil {
		info.Quantity = v
	}
	if v, err := decimal.NewFromString(resp.ExecutedQty); err == nil {
		info.FilledQuantity = v
	}
	if v, err := decimal.NewFromString(resp.AvgPrice); err == nil {
		info.AvgFillPrice = v
	}
	return info
}

func mapOrderStatus(status string) exchange.OrderStatus {
	switch strings.ToUpper(status) {
	case "NEW":
		return exchange.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return exchange.OrderStatusPartiallyFilled
	case "FILLED":
		return exchange.OrderStatusFilled
	case "CANCELED", "EXPIRED":
		return exchange.OrderStatusCanceled
	case "REJECTED":
		return exchange.OrderStatusRejected
	default:
		return exchange.OrderStatusOpen
	}
}
