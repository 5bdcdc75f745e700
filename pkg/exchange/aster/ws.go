package aster

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"perparb/pkg/exchange"
)

func decimalFromWire(raw string) (decimal.Decimal, error) {
	return decimal.NewFromString(raw)
}

const (
	listenKeyKeepalive = 30 * time.Minute
	wsReconnectBase    = 1 * time.Second
	wsReconnectMax     = 30 * time.Second
)

// orderStream is the singleton user-data websocket per venue account. It
// maintains a coalesced per-order view fed by ORDER_TRADE_UPDATE events and
// wakes waiters on every transition.
type orderStream struct {
	client *Client

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	orders   map[string]*exchange.OrderInfo
	watchers map[string][]chan *exchange.OrderInfo
}

func newOrderStream(client *Client) *orderStream {
	return &orderStream{
		client:   client,
		orders:   make(map[string]*exchange.OrderInfo),
		watchers: make(map[string][]chan *exchange.OrderInfo),
	}
}

// ensureStarted lazily spins up the stream goroutine.
func (s *orderStream) ensureStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true
	threading.GoSafe(func() { s.run(runCtx) })
	return nil
}

// Close stops the stream.
func (s *orderStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.started = false
}

func (s *orderStream) cachedOrder(orderID string) *exchange.OrderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.orders[orderID]; ok {
		out := *info
		return &out
	}
	return nil
}

// await blocks until the order transitions or the timeout elapses.
func (s *orderStream) await(ctx context.Context, orderID string, timeout time.Duration) (*exchange.OrderInfo, error) {
	ch := make(chan *exchange.OrderInfo, 1)
	s.mu.Lock()
	s.watchers[orderID] = append(s.watchers[orderID], ch)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case info := <-ch:
		return info, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run keeps one websocket alive, reconnecting with backoff on drops.
func (s *orderStream) run(ctx context.Context) {
	backoff := wsReconnectBase
	for ctx.Err() == nil {
		if err := s.connectAndRead(ctx); err != nil && ctx.Err() == nil {
			logx.Errorf("aster: order stream dropped: %v (reconnecting in %s)", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > wsReconnectMax {
				backoff = wsReconnectMax
			}
			continue
		}
		backoff = wsReconnectBase
	}
}

func (s *orderStream) connectAndRead(ctx context.Context) error {
	listenKey, err := s.fetchListenKey(ctx)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.client.wsURL+"/"+listenKey, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	logx.Info("aster: order stream connected")

	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()
	threading.GoSafe(func() {
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-keepalive.C:
				if err := s.client.do(ctx, "PUT", "/fapi/v1/listenKey", nil, false, nil); err != nil {
					logx.Errorf("aster: listen key keepalive: %v", err)
				}
			}
		}
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(message)
	}
}

func (s *orderStream) fetchListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := s.client.do(ctx, "POST", "/fapi/v1/listenKey", url.Values{}, false, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

func (s *orderStream) handleMessage(message []byte) {
	var update orderTradeUpdate
	if err := json.Unmarshal(message, &update); err != nil {
		return
	}
	if update.EventType != "ORDER_TRADE_UPDATE" {
		return
	}
	o := update.Order
	orderID := strconv.FormatInt(o.OrderId, 10)

	s.mu.Lock()
	info, ok := s.orders[orderID]
	if !ok {
		side := exchange.OrderSideSell
		if o.Side == "BUY" {
			side = exchange.OrderSideBuy
		}
		info = &exchange.OrderInfo{
			OrderID:    orderID,
			Symbol:     exchange.NormalizeSymbol(o.Symbol),
			Side:       side,
			ReduceOnly: o.ReduceOnly,
		}
		s.orders[orderID] = info
	}
	info.Status = mapOrderStatus(o.Status)
	if v, err := decimalFromWire(o.OrigQty); err == nil {
		info.Quantity = v
	}
	if v, err := decimalFromWire(o.Price); err == nil {
		info.Price = v
	}
	if v, err := decimalFromWire(o.CumFilledQty); err == nil {
		info.FilledQuantity = v
	}
	if v, err := decimalFromWire(o.AvgPrice); err == nil {
		info.AvgFillPrice = v
	}
	if v, err := decimalFromWire(o.Commission); err == nil && !v.IsZero() {
		info.Fee = info.Fee.Add(v)
		info.FeeCurrency = o.CommissionAsset
		info.FillCount++
	}
	info.UpdatedAt = time.UnixMilli(o.TradeTime).UTC()

	snapshot := *info
	subs := s.watchers[orderID]
	delete(s.watchers, orderID)
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- &snapshot:
		default:
		}
	}
}
