// Package aster implements the venue adapter for the Aster perpetual DEX.
// The REST surface is Binance-futures shaped: HMAC-signed queries for
// account endpoints, public market data, and a listen-key websocket user
// stream for order updates.
package aster

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/exchange"
)

const (
	mainnetBaseURL = "https://fapi.asterdex.com"
	mainnetWsURL   = "wss://fstream.asterdex.com/ws"

	defaultHTTPTimeout = 10 * time.Second
	defaultConcurrency = 10
	filtersTTL         = 10 * time.Minute
	fundingInfoTTL     = 10 * time.Minute
	recvWindowMs       = 5000
)

// symbolFilters carries the per-symbol trading rules from exchangeInfo.
type symbolFilters struct {
	Native      string
	StepSize    decimal.Decimal
	TickSize    decimal.Decimal
	MinNotional decimal.Decimal
}

// Client is the REST/websocket core shared by the provider methods.
type Client struct {
	baseURL    string
	wsURL      string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	clock      func() time.Time

	sem chan struct{}

	filtersMu      sync.RWMutex
	filters        map[string]symbolFilters // canonical → filters
	filtersLastRef time.Time

	fundingMu       sync.RWMutex
	fundingHours    map[string]decimal.Decimal // canonical → interval hours
	fundingLastRef  time.Time

	stream *orderStream
}

// ClientOption customises the client.
type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithBaseURL overrides the REST endpoint (primarily for testing).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithWsURL overrides the websocket endpoint (primarily for testing).
func WithWsURL(wsURL string) ClientOption {
	return func(c *Client) {
		if wsURL != "" {
			c.wsURL = wsURL
		}
	}
}

// WithClock overrides the time source (primarily for testing).
func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithMaxConcurrentRequests bounds in-flight HTTP calls.
func WithMaxConcurrentRequests(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// NewClient constructs an Aster client.
func NewClient(apiKey, apiSecret string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, fmt.Errorf("aster: api key and secret are required")
	}
	client := &Client{
		baseURL:      mainnetBaseURL,
		wsURL:        mainnetWsURL,
		apiKey:       apiKey,
		apiSecret:    apiSecret,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		clock:        time.Now,
		sem:          make(chan struct{}, defaultConcurrency),
		filters:      make(map[string]symbolFilters),
		fundingHours: make(map[string]decimal.Decimal),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.stream = newOrderStream(client)
	return client, nil
}

func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// get performs a GET with the shared retry policy.
func (c *Client) get(ctx context.Context, path string, params url.Values, signed bool, result interface{}) error {
	return exchange.WithRetry(ctx, func() error {
		return c.do(ctx, http.MethodGet, path, params, signed, result)
	})
}

// do performs one request. Mutating calls (POST/DELETE) are not retried; the
// caller owns idempotency.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, result interface{}) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.clock().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(recvWindowMs))
		params.Set("signature", c.sign(params.Encode()))
	}

	endpoint := c.baseURL + path
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return fmt.Errorf("aster: build request: %w", err)
	}
	if signed || c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return exchange.NewTransportError("aster", path, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return exchange.NewTransportError("aster", path, readErr)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return exchange.NewTransportError("aster", path, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: aster %s: %s", exchange.ErrUnauthorized, path, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= 300 {
		return mapAPIError(path, body)
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("aster: decode %s response: %w", path, err)
		}
	}
	return nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// mapAPIError converts venue error codes into the shared taxonomy.
func mapAPIError(path string, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return fmt.Errorf("aster: %s failed: %s", path, strings.TrimSpace(string(body)))
	}
	switch apiErr.Code {
	case -2019: // margin is insufficient
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientMargin, apiErr.Msg)
	case -2022: // reduce-only order is rejected
		return fmt.Errorf("%w: %s", exchange.ErrReduceOnlyNoPosition, apiErr.Msg)
	case -5022, -2021: // post-only would trade / would immediately trigger
		return fmt.Errorf("%w: %s", exchange.ErrPostOnlyRejected, apiErr.Msg)
	case -1121: // invalid symbol
		return fmt.Errorf("%w: %s", exchange.ErrSymbolNotFound, apiErr.Msg)
	case -2013: // order does not exist
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, apiErr.Msg)
	case -4164: // notional below minimum
		return fmt.Errorf("%w: %s", exchange.ErrBelowMinNotional, apiErr.Msg)
	case -2014, -2015, -1022: // key / signature problems
		return fmt.Errorf("%w: %s", exchange.ErrUnauthorized, apiErr.Msg)
	default:
		return fmt.Errorf("aster: %s failed: code=%d msg=%s", path, apiErr.Code, apiErr.Msg)
	}
}

// filtersFor resolves the trading rules for a canonical symbol, refreshing
// the exchangeInfo cache when stale.
func (c *Client) filtersFor(ctx context.Context, canonical string) (symbolFilters, error) {
	key := strings.ToUpper(strings.TrimSpace(canonical))
	c.filtersMu.RLock()
	filters, ok := c.filters[key]
	fresh := c.clock().Sub(c.filtersLastRef) < filtersTTL
	c.filtersMu.RUnlock()
	if ok && fresh {
		return filters, nil
	}
	if err := c.refreshFilters(ctx); err != nil {
		if ok {
			return filters, nil
		}
		return symbolFilters{}, err
	}
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	filters, ok = c.filters[key]
	if !ok {
		return symbolFilters{}, fmt.Errorf("%w: aster %s", exchange.ErrSymbolNotFound, canonical)
	}
	return filters, nil
}

func (c *Client) refreshFilters(ctx context.Context) error {
	var resp exchangeInfoResponse
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", nil, false, &resp); err != nil {
		return err
	}
	filters := make(map[string]symbolFilters, len(resp.Symbols))
	for _, sym := range resp.Symbols {
		if !strings.EqualFold(sym.Status, "TRADING") {
			continue
		}
		entry := symbolFilters{Native: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if step, err := decimal.NewFromString(f.StepSize); err == nil {
					entry.StepSize = step
				}
			case "PRICE_FILTER":
				if tick, err := decimal.NewFromString(f.TickSize); err == nil {
					entry.TickSize = tick
				}
			case "MIN_NOTIONAL":
				if notional, err := decimal.NewFromString(f.Notional); err == nil {
					entry.MinNotional = notional
				}
			}
		}
		filters[exchange.NormalizeSymbol(sym.Symbol)] = entry
	}
	if len(filters) == 0 {
		return fmt.Errorf("aster: exchangeInfo contained no trading symbols")
	}
	c.filtersMu.Lock()
	c.filters = filters
	c.filtersLastRef = c.clock()
	c.filtersMu.Unlock()
	return nil
}

// fundingIntervalFor returns the advertised funding interval for the symbol,
// defaulting to 8 hours when the venue does not list it.
func (c *Client) fundingIntervalFor(ctx context.Context, canonical string) decimal.Decimal {
	c.fundingMu.RLock()
	hours, ok := c.fundingHours[canonical]
	fresh := c.clock().Sub(c.fundingLastRef) < fundingInfoTTL
	c.fundingMu.RUnlock()
	if ok && fresh {
		return hours
	}
	if !fresh {
		c.refreshFundingInfo(ctx)
		c.fundingMu.RLock()
		hours, ok = c.fundingHours[canonical]
		c.fundingMu.RUnlock()
		if ok {
			return hours
		}
	}
	return exchange.CanonicalIntervalHours
}

func (c *Client) refreshFundingInfo(ctx context.Context) {
	var resp []fundingInfoEntry
	if err := c.get(ctx, "/fapi/v1/fundingInfo", nil, false, &resp); err != nil {
		return // keep defaults; next tick retries
	}
	hours := make(map[string]decimal.Decimal, len(resp))
	for _, entry := range resp {
		if entry.FundingIntervalHours > 0 {
			hours[exchange.NormalizeSymbol(entry.Symbol)] = decimal.NewFromInt(int64(entry.FundingIntervalHours))
		}
	}
	c.fundingMu.Lock()
	c.fundingHours = hours
	c.fundingLastRef = c.clock()
	c.fundingMu.Unlock()
}
