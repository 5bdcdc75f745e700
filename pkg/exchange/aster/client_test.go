package aster

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perparb/pkg/exchange"
)

const exchangeInfoBody = `{"symbols":[
  {"symbol":"BTCUSDT","status":"TRADING","filters":[
    {"filterType":"PRICE_FILTER","tickSize":"0.10"},
    {"filterType":"LOT_SIZE","stepSize":"0.001"},
    {"filterType":"MIN_NOTIONAL","notional":"5"}
  ]},
  {"symbol":"1000PEPEUSDT","status":"TRADING","filters":[
    {"filterType":"PRICE_FILTER","tickSize":"0.0000010"},
    {"filterType":"LOT_SIZE","stepSize":"1"},
    {"filterType":"MIN_NOTIONAL","notional":"5"}
  ]},
  {"symbol":"DEADUSDT","status":"BREAK","filters":[]}
]}`

func newTestProvider(t *testing.T, mux *http.ServeMux) *Provider {
	t.Helper()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	provider, err := NewProvider("aster", "key", "secret", WithBaseURL(server.URL))
	require.NoError(t, err)
	return provider
}

func TestFetchFundingRatesUsesAdvertisedInterval(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
          {"symbol":"BTCUSDT","markPrice":"50000","lastFundingRate":"0.0001","nextFundingTime":1700003600000,"time":1700000000000},
          {"symbol":"1000PEPEUSDT","markPrice":"0.01","lastFundingRate":"0.0002","nextFundingTime":1700003600000,"time":1700000000000}
        ]`))
	})
	mux.HandleFunc("/fapi/v1/fundingInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"1000PEPEUSDT","fundingIntervalHours":4}]`))
	})
	provider := newTestProvider(t, mux)

	rates, err := provider.FetchFundingRates(context.Background())
	require.NoError(t, err)

	btc, ok := rates["BTC"]
	require.True(t, ok)
	// No advertised interval → default 8h, already canonical.
	assert.True(t, btc.IntervalHours.Equal(decimal.NewFromInt(8)))
	assert.True(t, btc.NormalizedRate.Equal(decimal.RequireFromString("0.0001")))
	require.NotNil(t, btc.NextFundingTime)

	pepe, ok := rates["PEPE"]
	require.True(t, ok)
	// 4h interval → doubled to the 8h reference.
	assert.True(t, pepe.IntervalHours.Equal(decimal.NewFromInt(4)))
	assert.True(t, pepe.NormalizedRate.Equal(decimal.RequireFromString("0.0004")), "normalized %s", pepe.NormalizedRate)
}

func TestFetchMarketDataTwoSidedOI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/ticker/24hr", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","quoteVolume":"150000000"}]`))
	})
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","markPrice":"50000","lastFundingRate":"0.0001","nextFundingTime":0,"time":0}]`))
	})
	mux.HandleFunc("/fapi/v1/openInterest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","openInterest":"1000"}`))
	})
	provider := newTestProvider(t, mux)

	data, err := provider.FetchMarketData(context.Background())
	require.NoError(t, err)

	btc, ok := data["BTC"]
	require.True(t, ok)
	require.NotNil(t, btc.Volume24hUSD)
	assert.True(t, btc.Volume24hUSD.Equal(decimal.NewFromInt(150000000)))
	require.NotNil(t, btc.OpenInterestUSD)
	// 1000 BTC one-sided × 50000 × 2 = 100M two-sided.
	assert.True(t, btc.OpenInterestUSD.Equal(decimal.NewFromInt(100000000)), "oi %s", btc.OpenInterestUSD)
}

func TestFetchBBO(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	mux.HandleFunc("/fapi/v1/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"49999.9","askPrice":"50000.1"}`))
	})
	provider := newTestProvider(t, mux)

	bbo, err := provider.FetchBBO(context.Background(), "BTC")
	require.NoError(t, err)
	assert.True(t, bbo.Bid.Equal(decimal.RequireFromString("49999.9")))
	assert.True(t, bbo.Ask.Equal(decimal.RequireFromString("50000.1")))
}

func TestFetchBBOInvalid(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	mux.HandleFunc("/fapi/v1/ticker/bookTicker", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","bidPrice":"50001","askPrice":"50000"}`))
	})
	provider := newTestProvider(t, mux)

	_, err := provider.FetchBBO(context.Background(), "BTC")
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrPriceUnavailable))
}

func TestSymbolRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	provider := newTestProvider(t, mux)

	// Warm the filters cache.
	_, err := provider.MinOrderNotional(context.Background(), "BTC")
	require.NoError(t, err)

	assert.Equal(t, "BTCUSDT", provider.DenormalizeSymbol("BTC"))
	assert.Equal(t, "1000PEPEUSDT", provider.DenormalizeSymbol("PEPE"))
	for _, canonical := range []string{"BTC", "PEPE"} {
		assert.Equal(t, canonical, provider.NormalizeSymbol(provider.DenormalizeSymbol(canonical)))
	}
}

func TestPlaceLimitPostOnlyExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "GTX", r.URL.Query().Get("timeInForce"))
		assert.NotEmpty(t, r.URL.Query().Get("signature"))
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		_, _ = w.Write([]byte(`{"orderId":42,"symbol":"BTCUSDT","status":"EXPIRED","executedQty":"0","avgPrice":"0"}`))
	})
	provider := newTestProvider(t, mux)

	_, err := provider.PlaceLimit(context.Background(), exchange.LimitOrder{
		Symbol:   "BTC",
		Side:     exchange.OrderSideBuy,
		Quantity: decimal.RequireFromString("0.01"),
		Price:    decimal.RequireFromString("49000"),
		PostOnly: true,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrPostOnlyRejected))
}

func TestPlaceLimitQuantizesToFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(exchangeInfoBody))
	})
	mux.HandleFunc("/fapi/v1/order", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "0.003", r.URL.Query().Get("quantity"), "quantity snapped to step")
		assert.Equal(t, "49000.1", r.URL.Query().Get("price"), "price snapped to tick")
		_, _ = w.Write([]byte(`{"orderId":7,"symbol":"BTCUSDT","status":"NEW","executedQty":"0","avgPrice":"0"}`))
	})
	provider := newTestProvider(t, mux)

	result, err := provider.PlaceLimit(context.Background(), exchange.LimitOrder{
		Symbol:   "BTC",
		Side:     exchange.OrderSideBuy,
		Quantity: decimal.RequireFromString("0.00399"),
		Price:    decimal.RequireFromString("49000.17"),
		PostOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "7", result.OrderID)
	assert.Equal(t, exchange.OrderStatusOpen, result.Status)
}

func TestAPIErrorMapping(t *testing.T) {
	cases := []struct {
		code int
		want error
	}{
		{-2019, exchange.ErrInsufficientMargin},
		{-2022, exchange.ErrReduceOnlyNoPosition},
		{-5022, exchange.ErrPostOnlyRejected},
		{-1121, exchange.ErrSymbolNotFound},
		{-2013, exchange.ErrOrderNotFound},
		{-2014, exchange.ErrUnauthorized},
	}
	for _, tc := range cases {
		body := []byte(`{"code":` + decimal.NewFromInt(int64(tc.code)).String() + `,"msg":"nope"}`)
		err := mapAPIError("/fapi/v1/order", body)
		assert.True(t, errors.Is(err, tc.want), "code %d → %v", tc.code, err)
	}
}

func TestTransportErrorsAreRetriedOnGet(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/fapi/v1/premiumIndex", func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/fapi/v1/fundingInfo", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	provider := newTestProvider(t, mux)

	_, err := provider.FetchFundingRates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}
