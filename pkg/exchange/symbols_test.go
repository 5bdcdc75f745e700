package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"BTC", "BTC"},
		{"btc", "BTC"},
		{"BTC-PERP", "BTC"},
		{"BTCUSDT", "BTC"},
		{"BTCUSD", "BTC"},
		{"ETHUSDC", "ETH"},
		{"PERP_BTC_USDC", "BTC"},
		{"1000PEPEUSDT", "PEPE"},
		{"1000PEPE", "PEPE"},
		{"10000SATSUSDT", "SATS"},
		{"ZORA", "ZORA"},
		{" sol ", "SOL"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSymbol(tc.in), "input %q", tc.in)
	}
}

func TestNormalizeSymbolIdempotent(t *testing.T) {
	inputs := []string{"BTC-PERP", "1000PEPEUSDT", "PERP_ETH_USDC", "SOLUSDT", "DOGE"}
	for _, in := range inputs {
		once := NormalizeSymbol(in)
		assert.Equal(t, once, NormalizeSymbol(once), "normalize not idempotent for %q", in)
	}
}
