package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/pkg/exchange"
)

const metaAndCtxsBody = `[
  {"universe": [
    {"name": "BTC", "szDecimals": 5, "maxLeverage": 50},
    {"name": "kPEPE", "szDecimals": 0, "maxLeverage": 10},
    {"name": "OLD", "szDecimals": 2, "maxLeverage": 3, "isDelisted": true}
  ]},
  [
    {"funding": "0.0000125", "openInterest": "1000", "dayNtlVlm": "250000000", "markPx": "50000", "midPx": "50000.5", "oraclePx": "50001"},
    {"funding": "-0.0000375", "openInterest": "900000000", "dayNtlVlm": "1200000", "markPx": "0.00001", "midPx": "0.0000101", "oraclePx": "0.00001"},
    {"funding": "0", "openInterest": "0", "dayNtlVlm": "0", "markPx": "1"}
  ]
]`

// newTestProvider spins an info-endpoint stub and a provider pointed at it.
func newTestProvider(t *testing.T, handler func(reqType string, body []byte) (int, string)) *Provider {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Type string `json:"type"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &req)
		status, body := handler(req.Type, raw)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	provider, err := NewProvider("hyperliquid", testPrivateKey, false,
		WithBaseURLs(server.URL, server.URL))
	require.NoError(t, err)
	return provider
}

func TestFetchFundingRatesNormalizesHourly(t *testing.T) {
	provider := newTestProvider(t, func(reqType string, _ []byte) (int, string) {
		require.Equal(t, "metaAndAssetCtxs", reqType)
		return http.StatusOK, metaAndCtxsBody
	})

	rates, err := provider.FetchFundingRates(context.Background())
	require.NoError(t, err)

	btc, ok := rates["BTC"]
	require.True(t, ok)
	assert.True(t, btc.RawRate.Equal(decimal.RequireFromString("0.0000125")))
	assert.True(t, btc.IntervalHours.Equal(decimal.NewFromInt(1)))
	// Hourly rate × 8 → canonical interval.
	assert.True(t, btc.NormalizedRate.Equal(decimal.RequireFromString("0.0001")), "normalized %s", btc.NormalizedRate)
	require.NotNil(t, btc.NextFundingTime)

	// Multiplier listing normalizes to the base asset.
	pepe, ok := rates["PEPE"]
	require.True(t, ok)
	assert.True(t, pepe.NormalizedRate.Equal(decimal.RequireFromString("-0.0003")))

	_, delisted := rates["OLD"]
	assert.False(t, delisted, "delisted assets are dropped")
}

func TestFetchMarketDataTwoSidedOI(t *testing.T) {
	provider := newTestProvider(t, func(string, []byte) (int, string) {
		return http.StatusOK, metaAndCtxsBody
	})

	data, err := provider.FetchMarketData(context.Background())
	require.NoError(t, err)

	btc, ok := data["BTC"]
	require.True(t, ok)
	require.NotNil(t, btc.Volume24hUSD)
	assert.True(t, btc.Volume24hUSD.Equal(decimal.NewFromInt(250000000)))
	require.NotNil(t, btc.OpenInterestUSD)
	// 1000 BTC × 50000 × 2 sides = 100M.
	assert.True(t, btc.OpenInterestUSD.Equal(decimal.NewFromInt(100000000)), "oi %s", btc.OpenInterestUSD)
}

func TestFetchBBO(t *testing.T) {
	provider := newTestProvider(t, func(reqType string, _ []byte) (int, string) {
		if reqType == "metaAndAssetCtxs" {
			return http.StatusOK, metaAndCtxsBody
		}
		require.Equal(t, "l2Book", reqType)
		return http.StatusOK, `{"coin":"BTC","levels":[
            [{"px":"49999","sz":"1.5","n":3},{"px":"49998","sz":"2","n":1}],
            [{"px":"50001","sz":"0.7","n":2},{"px":"50002","sz":"1","n":1}]
        ],"time":1700000000000}`
	})

	bbo, err := provider.FetchBBO(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, bbo.Bid.Equal(decimal.NewFromInt(49999)))
	assert.True(t, bbo.Ask.Equal(decimal.NewFromInt(50001)))
}

func TestFetchBBOCrossedBook(t *testing.T) {
	provider := newTestProvider(t, func(reqType string, _ []byte) (int, string) {
		if reqType == "metaAndAssetCtxs" {
			return http.StatusOK, metaAndCtxsBody
		}
		return http.StatusOK, `{"coin":"BTC","levels":[
            [{"px":"50002","sz":"1","n":1}],
            [{"px":"50001","sz":"1","n":1}]
        ],"time":1}`
	})

	_, err := provider.FetchBBO(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrPriceUnavailable))
}

func TestSymbolRoundTrip(t *testing.T) {
	provider := newTestProvider(t, func(string, []byte) (int, string) {
		return http.StatusOK, metaAndCtxsBody
	})
	// Warm the directory cache.
	_, err := provider.FetchFundingRates(context.Background())
	require.NoError(t, err)

	for _, canonical := range []string{"BTC", "PEPE"} {
		native := provider.DenormalizeSymbol(canonical)
		assert.Equal(t, canonical, provider.NormalizeSymbol(native), "round trip for %s via %s", canonical, native)
	}
	assert.Equal(t, "kPEPE", provider.DenormalizeSymbol("PEPE"))
}

func TestOrderSizeIncrement(t *testing.T) {
	provider := newTestProvider(t, func(string, []byte) (int, string) {
		return http.StatusOK, metaAndCtxsBody
	})
	step, err := provider.OrderSizeIncrement(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, step.Equal(decimal.RequireFromString("0.00001")), "step %s", step)

	pepeStep, err := provider.OrderSizeIncrement(context.Background(), "PEPE")
	require.NoError(t, err)
	assert.True(t, pepeStep.Equal(decimal.NewFromInt(1)))
}

func TestMapOrderError(t *testing.T) {
	assert.True(t, errors.Is(mapOrderError("Post only order could not immediately match"), exchange.ErrPostOnlyRejected))
	assert.True(t, errors.Is(mapOrderError("Insufficient margin to place order"), exchange.ErrInsufficientMargin))
	assert.True(t, errors.Is(mapOrderError("Reduce only order would increase position"), exchange.ErrReduceOnlyNoPosition))
	assert.True(t, errors.Is(mapOrderError("Order must have minimum value of $10"), exchange.ErrBelowMinNotional))
	assert.False(t, errors.Is(mapOrderError("something else"), exchange.ErrPostOnlyRejected))
}

func TestFormatPrice(t *testing.T) {
	cases := []struct {
		px         string
		szDecimals int
		want       string
	}{
		{"50000.123", 5, "50000"},       // 5 significant figures
		{"1234.5678", 3, "1234.6"},      // sig-fig rounding
		{"0.00012345678", 0, "0.000123"}, // decimals capped at 6 − szDecimals
		{"99.8800", 4, "99.88"},
	}
	for _, tc := range cases {
		got := formatPrice(decimal.RequireFromString(tc.px), tc.szDecimals)
		assert.Equal(t, tc.want, got, "px=%s szDecimals=%d", tc.px, tc.szDecimals)
	}
}

func TestFormatSizeTruncates(t *testing.T) {
	assert.Equal(t, "2.12345", formatSize(decimal.RequireFromString("2.123456789"), 5))
	assert.Equal(t, "3", formatSize(decimal.RequireFromString("3.9"), 0))
}
