package exchange

import (
	"regexp"
	"strings"
)

// Symbol normalization shared by adapters. The canonical form is the
// uppercase base asset with no quote suffix and no listing multiplier:
// "BTC-PERP" → "BTC", "1000PEPEUSDT" → "PEPE", "PERP_BTC_USDC" → "BTC".

// multiplierPrefix matches listing multipliers such as 1000PEPE or 10000SATS:
// a leading 1 followed by zeros, directly before the asset letters.
var multiplierPrefix = regexp.MustCompile(`^1(0+)([A-Z].*)$`)

// NormalizeSymbol reduces a venue symbol to the canonical base asset.
// It is idempotent: normalizing an already-canonical symbol is a no-op.
func NormalizeSymbol(venueSymbol string) string {
	s := strings.ToUpper(strings.TrimSpace(venueSymbol))
	if s == "" {
		return ""
	}

	// Underscore formats like PERP_BTC_USDC keep the middle token.
	if strings.Contains(s, "_") {
		parts := strings.Split(s, "_")
		for _, p := range parts {
			if p == "PERP" || isQuoteAsset(p) || p == "" {
				continue
			}
			s = p
			break
		}
	}

	s = strings.TrimSuffix(s, "-PERP")
	for _, suffix := range []string{"USDT", "USDC"} {
		s = strings.TrimSuffix(s, suffix)
	}
	// Plain USD only when something remains in front of it.
	if trimmed := strings.TrimSuffix(s, "USD"); trimmed != "" && trimmed != s {
		s = trimmed
	}
	s = strings.TrimSuffix(s, "-")

	if m := multiplierPrefix.FindStringSubmatch(s); m != nil {
		s = m[2]
	}
	return s
}

func isQuoteAsset(token string) bool {
	switch token {
	case "USDT", "USDC", "USD":
		return true
	}
	return false
}
