package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"perparb/pkg/exchange"
)

const (
	mainnetInfoURL     = "https://api.hyperliquid.xyz/info"
	mainnetExchangeURL = "https://api.hyperliquid.xyz/exchange"
	testnetInfoURL     = "https://api.hyperliquid-testnet.xyz/info"
	testnetExchangeURL = "https://api.hyperliquid-testnet.xyz/exchange"

	defaultHTTPTimeout  = 30 * time.Second
	defaultAssetTTL     = 10 * time.Minute
	defaultConcurrency  = 10
)

// Client coordinates requests against Hyperliquid info and exchange endpoints.
type Client struct {
	infoURL     string
	exchangeURL string
	httpClient  *http.Client
	signer      Signer
	address     string // API wallet address (derived from signer)
	mainAddress string // main account address when using an API wallet
	isTestnet   bool
	clock       func() time.Time

	// sem bounds in-flight HTTP calls to the venue.
	sem chan struct{}

	assetMu      sync.RWMutex
	assets       map[string]assetInfo // canonical symbol → entry
	assetsByIdx  map[int]assetInfo
	assetLastRef time.Time
	assetTTL     time.Duration
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

// WithBaseURLs overrides both endpoints (primarily for testing).
func WithBaseURLs(infoURL, exchangeURL string) ClientOption {
	return func(c *Client) {
		if infoURL != "" {
			c.infoURL = infoURL
		}
		if exchangeURL != "" {
			c.exchangeURL = exchangeURL
		}
	}
}

// WithMainAddress configures the main account address for info requests when
// the signing key belongs to an API wallet.
func WithMainAddress(addr string) ClientOption {
	return func(c *Client) {
		if common.IsHexAddress(addr) {
			c.mainAddress = common.HexToAddress(addr).Hex()
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

// NewClient constructs a Hyperliquid client using the provided private key.
func NewClient(privateKeyHex string, isTestnet bool, opts ...ClientOption) (*Client, error) {
	signer, err := NewPrivateKeySigner(privateKeyHex)
	if err != nil {
		return nil, err
	}

	client := &Client{
		infoURL:     mainnetInfoURL,
		exchangeURL: mainnetExchangeURL,
		httpClient:  &http.Client{Timeout: defaultHTTPTimeout},
		signer:      signer,
		address:     signer.GetAddress(),
		isTestnet:   isTestnet,
		clock:       time.Now,
		sem:         make(chan struct{}, defaultConcurrency),
		assets:      make(map[string]assetInfo),
		assetsByIdx: make(map[int]assetInfo),
		assetTTL:    defaultAssetTTL,
	}
	if isTestnet {
		client.infoURL = testnetInfoURL
		client.exchangeURL = testnetExchangeURL
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// getInfoAddress returns the address used for account-scoped info requests.
func (c *Client) getInfoAddress() string {
	if c.mainAddress != "" {
		return c.mainAddress
	}
	return c.address
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

// doInfoRequest queries the public info endpoint with the shared retry policy.
func (c *Client) doInfoRequest(ctx context.Context, req InfoRequest, result interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hyperliquid: encode info request: %w", err)
	}
	return exchange.WithRetry(ctx, func() error {
		return c.post(ctx, c.infoURL, payload, "info "+req.Type, result)
	})
}

// doExchangeRequest signs and submits an exchange action. Not retried: the
// caller decides whether a failed order placement is safe to repeat.
func (c *Client) doExchangeRequest(ctx context.Context, action Action, result interface{}) error {
	exchangeReq, err := signAction(action, c.signer, c.clock().UnixMilli(), "", !c.isTestnet)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(exchangeReq)
	if err != nil {
		return fmt.Errorf("hyperliquid: encode exchange request: %w", err)
	}
	return c.post(ctx, c.exchangeURL, payload, "exchange "+action.Type, result)
}

func (c *Client) post(ctx context.Context, url string, payload []byte, op string, result interface{}) error {
	if err := c.acquire(ctx); err != nil {
		return err
	}
	defer c.release()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("hyperliquid: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return exchange.NewTransportError("hyperliquid", op, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return exchange.NewTransportError("hyperliquid", op, readErr)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: hyperliquid %s: %s", exchange.ErrUnauthorized, op, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return exchange.NewTransportError("hyperliquid", op, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= 300:
		return fmt.Errorf("hyperliquid: %s http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("hyperliquid: decode %s response: %w", op, err)
		}
	}
	return nil
}

// UnmarshalJSON decodes the two-element [meta, assetCtxs] array.
func (m *metaAndAssetCtxsResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [meta, assetCtxs] pair, got %d elements", len(raw))
	}
	var meta struct {
		Universe []universeEntry `json:"universe"`
	}
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[1], &m.AssetCtxs); err != nil {
		return err
	}
	m.Universe = meta.Universe
	return nil
}

// fetchMetaAndCtxs loads the full asset directory with live contexts.
func (c *Client) fetchMetaAndCtxs(ctx context.Context) (*metaAndAssetCtxsResponse, error) {
	var resp metaAndAssetCtxsResponse
	if err := c.doInfoRequest(ctx, InfoRequest{Type: "metaAndAssetCtxs"}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Universe) == 0 {
		return nil, fmt.Errorf("hyperliquid: metaAndAssetCtxs contained no assets")
	}
	c.storeAssetDirectory(resp.Universe)
	return &resp, nil
}

func (c *Client) storeAssetDirectory(universe []universeEntry) {
	assets := make(map[string]assetInfo, len(universe))
	byIdx := make(map[int]assetInfo, len(universe))
	for idx, entry := range universe {
		info := assetInfo{
			Name:       entry.Name,
			Index:      idx,
			SzDecimals: entry.SzDecimals,
			IsDelisted: entry.IsDelisted,
		}
		assets[normalizeNative(entry.Name)] = info
		byIdx[idx] = info
	}
	c.assetMu.Lock()
	c.assets = assets
	c.assetsByIdx = byIdx
	c.assetLastRef = c.clock()
	c.assetMu.Unlock()
}

// assetFor resolves the directory entry for a canonical symbol, refreshing
// the cache when stale.
func (c *Client) assetFor(ctx context.Context, canonical string) (assetInfo, error) {
	key := strings.ToUpper(strings.TrimSpace(canonical))
	c.assetMu.RLock()
	info, ok := c.assets[key]
	fresh := c.clock().Sub(c.assetLastRef) < c.assetTTL
	c.assetMu.RUnlock()
	if ok && fresh {
		return info, nil
	}
	if _, err := c.fetchMetaAndCtxs(ctx); err != nil {
		if ok {
			return info, nil // serve stale rather than fail
		}
		return assetInfo{}, err
	}
	c.assetMu.RLock()
	defer c.assetMu.RUnlock()
	info, ok = c.assets[key]
	if !ok {
		return assetInfo{}, fmt.Errorf("%w: hyperliquid %s", exchange.ErrSymbolNotFound, canonical)
	}
	return info, nil
}

// normalizeNative maps a native listing name to the canonical symbol:
// Hyperliquid prefixes thousand-multiplied listings with "k" (kPEPE).
func normalizeNative(name string) string {
	trimmed := strings.TrimSpace(name)
	if len(trimmed) > 1 && trimmed[0] == 'k' && trimmed[1:] == strings.ToUpper(trimmed[1:]) {
		return strings.ToUpper(trimmed[1:])
	}
	return exchange.NormalizeSymbol(trimmed)
}
