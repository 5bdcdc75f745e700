package aster

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"perparb/pkg/exchange"
)

// Provider adapts the Aster client to the exchange.Provider interface.
type Provider struct {
	name   string
	client *Client
}

// NewProvider constructs an Aster venue provider.
func NewProvider(name, apiKey, apiSecret string, opts ...ClientOption) (*Provider, error) {
	client, err := NewClient(apiKey, apiSecret, opts...)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "aster"
	}
	return &Provider{name: name, client: client}, nil
}

func init() {
	exchange.RegisterProvider("aster", func(name string, cfg *exchange.ProviderConfig) (exchange.Provider, error) {
		opts := []ClientOption{}
		if cfg.Timeout > 0 {
			opts = append(opts, WithHTTPClient(newHTTPClient(cfg.Timeout)))
		}
		if cfg.MaxConcurrentRequests > 0 {
			opts = append(opts, WithMaxConcurrentRequests(cfg.MaxConcurrentRequests))
		}
		return NewProvider("aster", cfg.APIKey, cfg.APISecret, opts...)
	})
}

// Name implements exchange.Provider.
func (p *Provider) Name() string { return p.name }

// --- market data -----------------------------------------------------------

// FetchFundingRates implements exchange.Provider. Rates come from the
// premium index endpoint; intervals from fundingInfo (default 8h).
func (p *Provider) FetchFundingRates(ctx context.Context) (map[string]exchange.FundingRateSample, error) {
	var entries []premiumIndexEntry
	if err := p.client.get(ctx, "/fapi/v1/premiumIndex", nil, false, &entries); err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	out := make(map[string]exchange.FundingRateSample, len(entries))
	for _, entry := range entries {
		raw, err := decimal.NewFromString(entry.LastFundingRate)
		if err != nil {
			continue
		}
		symbol := exchange.NormalizeSymbol(entry.Symbol)
		interval := p.client.fundingIntervalFor(ctx, symbol)
		sample := exchange.FundingRateSample{
			Venue:          p.name,
			Symbol:         symbol,
			RawRate:        raw,
			IntervalHours:  interval,
			NormalizedRate: exchange.NormalizeRate(raw, interval),
			SampledAt:      now,
		}
		if entry.NextFundingTime > 0 {
			next := time.UnixMilli(entry.NextFundingTime).UTC()
			sample.NextFundingTime = &next
		}
		out[symbol] = sample
	}
	return out, nil
}

// FetchMarketData implements exchange.Provider. The venue reports one-sided
// open interest in base units; it is doubled and converted to USD at mark.
func (p *Provider) FetchMarketData(ctx context.Context) (map[string]exchange.MarketData, error) {
	var tickers []ticker24hEntry
	if err := p.client.get(ctx, "/fapi/v1/ticker/24hr", nil, false, &tickers); err != nil {
		return nil, err
	}
	var premium []premiumIndexEntry
	if err := p.client.get(ctx, "/fapi/v1/premiumIndex", nil, false, &premium); err != nil {
		return nil, err
	}
	marks := make(map[string]decimal.Decimal, len(premium))
	for _, entry := range premium {
		if mark, err := decimal.NewFromString(entry.MarkPrice); err == nil {
			marks[entry.Symbol] = mark
		}
	}
	now := time.Now().UTC()
	two := decimal.NewFromInt(2)

	var mu sync.Mutex
	out := make(map[string]exchange.MarketData, len(tickers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(defaultConcurrency)
	for _, ticker := range tickers {
		ticker := ticker
		symbol := exchange.NormalizeSymbol(ticker.Symbol)
		md := exchange.MarketData{Venue: p.name, Symbol: symbol, UpdatedAt: now}
		if vol, err := decimal.NewFromString(ticker.QuoteVolume); err == nil {
			md.Volume24hUSD = &vol
		}
		mark, hasMark := marks[ticker.Symbol]
		if !hasMark {
			mu.Lock()
			out[symbol] = md
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			params := url.Values{}
			params.Set("symbol", ticker.Symbol)
			var oi openInterestResponse
			if err := p.client.get(gctx, "/fapi/v1/openInterest", params, false, &oi); err != nil {
				logx.WithContext(gctx).Errorf("aster: open interest for %s: %v", ticker.Symbol, err)
			} else if base, err := decimal.NewFromString(oi.OpenInterest); err == nil {
				twoSided := base.Mul(mark).Mul(two)
				md.OpenInterestUSD = &twoSided
			}
			mu.Lock()
			out[symbol] = md
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBBO implements exchange.Provider.
func (p *Provider) FetchBBO(ctx context.Context, symbol string) (*exchange.BBO, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	var resp bookTickerResponse
	if err := p.client.get(ctx, "/fapi/v1/ticker/bookTicker", params, false, &resp); err != nil {
		return nil, err
	}
	bid, err1 := decimal.NewFromString(resp.BidPrice)
	ask, err2 := decimal.NewFromString(resp.AskPrice)
	if err1 != nil || err2 != nil {
		return nil, exchange.ErrPriceUnavailable
	}
	bbo := exchange.BBO{Bid: bid, Ask: ask}
	if !bbo.Valid() {
		return nil, exchange.ErrPriceUnavailable
	}
	return &bbo, nil
}

// FetchOrderBook implements exchange.Provider.
func (p *Provider) FetchOrderBook(ctx context.Context, symbol string, depth int) (*exchange.OrderBook, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	if depth > 0 {
		params.Set("limit", strconv.Itoa(depth))
	}
	var resp depthResponse
	if err := p.client.get(ctx, "/fapi/v1/depth", params, false, &resp); err != nil {
		return nil, err
	}
	book := &exchange.OrderBook{Symbol: exchange.NormalizeSymbol(filters.Native)}
	book.Bids = parseDepthLevels(resp.Bids)
	book.Asks = parseDepthLevels(resp.Asks)
	return book, nil
}

func parseDepthLevels(levels [][]string) []exchange.BookLevel {
	out := make([]exchange.BookLevel, 0, len(levels))
	for _, level := range levels {
		if len(level) < 2 {
			continue
		}
		px, err1 := decimal.NewFromString(level[0])
		sz, err2 := decimal.NewFromString(level[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, exchange.BookLevel{Price: px, Size: sz})
	}
	return out
}

// NormalizeSymbol implements exchange.Provider.
func (p *Provider) NormalizeSymbol(venueSymbol string) string {
	return exchange.NormalizeSymbol(venueSymbol)
}

// DenormalizeSymbol implements exchange.Provider, consulting the cached
// exchangeInfo so multiplier listings round-trip ("PEPE" → "1000PEPEUSDT").
func (p *Provider) DenormalizeSymbol(canonical string) string {
	key := strings.ToUpper(strings.TrimSpace(canonical))
	p.client.filtersMu.RLock()
	defer p.client.filtersMu.RUnlock()
	if filters, ok := p.client.filters[key]; ok {
		return filters.Native
	}
	return key + "USDT"
}

// --- account ---------------------------------------------------------------

// GetPositionSnapshot implements exchange.Provider. Funding accrued since
// the position opened comes from the income history.
func (p *Provider) GetPositionSnapshot(ctx context.Context, symbol string) (*exchange.PositionSnapshot, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	var entries []positionRiskEntry
	if err := p.client.get(ctx, "/fapi/v2/positionRisk", params, true, &entries); err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.Symbol != filters.Native {
			continue
		}
		amt, err := decimal.NewFromString(entry.PositionAmt)
		if err != nil || amt.IsZero() {
			return nil, nil
		}
		side := exchange.PositionSideLong
		if amt.IsNegative() {
			side = exchange.PositionSideShort
		}
		snapshot := &exchange.PositionSnapshot{
			Venue:    p.name,
			Symbol:   exchange.NormalizeSymbol(filters.Native),
			Side:     side,
			Quantity: amt.Abs(),
		}
		if entry.Leverage != "" {
			if lev, err := strconv.Atoi(entry.Leverage); err == nil {
				snapshot.Leverage = lev
			}
		}
		if v, err := decimal.NewFromString(entry.EntryPrice); err == nil {
			snapshot.EntryPrice = v
		}
		if v, err := decimal.NewFromString(entry.MarkPrice); err == nil {
			snapshot.MarkPrice = v
		}
		if v, err := decimal.NewFromString(entry.LiquidationPrice); err == nil {
			snapshot.LiquidationPrice = v
		}
		if v, err := decimal.NewFromString(entry.UnRealizedProfit); err == nil {
			snapshot.UnrealizedPnlUSD = v
		}
		if funding, err := p.fundingAccrued(ctx, filters.Native); err == nil {
			snapshot.FundingAccruedUSD = funding
		}
		return snapshot, nil
	}
	return nil, nil
}

// fundingAccrued sums FUNDING_FEE income for the symbol over the last week;
// income entries are signed from the account's perspective.
func (p *Provider) fundingAccrued(ctx context.Context, native string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", native)
	params.Set("incomeType", "FUNDING_FEE")
	params.Set("startTime", strconv.FormatInt(time.Now().Add(-7*24*time.Hour).UnixMilli(), 10))
	params.Set("limit", "1000")
	var entries []incomeEntry
	if err := p.client.get(ctx, "/fapi/v1/income", params, true, &entries); err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, entry := range entries {
		if income, err := decimal.NewFromString(entry.Income); err == nil {
			total = total.Add(income)
		}
	}
	return total, nil
}

// SetLeverage implements exchange.Provider.
func (p *Provider) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", filters.Native)
	params.Set("leverage", strconv.Itoa(leverage))
	return p.client.do(ctx, "POST", "/fapi/v1/leverage", params, true, nil)
}

// MinOrderNotional implements exchange.Provider.
func (p *Provider) MinOrderNotional(ctx context.Context, symbol string) (decimal.Decimal, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if filters.MinNotional.IsPositive() {
		return filters.MinNotional, nil
	}
	return decimal.NewFromInt(5), nil
}

// OrderSizeIncrement implements exchange.Provider.
func (p *Provider) OrderSizeIncrement(ctx context.Context, symbol string) (decimal.Decimal, error) {
	filters, err := p.client.filtersFor(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if filters.StepSize.IsPositive() {
		return filters.StepSize, nil
	}
	return decimal.New(1, -3), nil
}

var _ exchange.Provider = (*Provider)(nil)
