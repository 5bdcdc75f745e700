package strategy

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
scan_venues: [hyperliquid, aster]
target_margin: "100"
max_positions: 4
`

func loadYAML(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	return LoadConfigFromReader(strings.NewReader(yaml))
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadYAML(t, minimalYAML)
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.AccountID)
	assert.Equal(t, 3, cfg.Leverage)
	assert.Equal(t, 1, cfg.MaxNewPositionsPerCycle)
	assert.Equal(t, 8, cfg.MaxConcurrentEvaluations)
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.Equal(t, 10*time.Second, cfg.FillTimeout)
	assert.Equal(t, time.Hour, cfg.WideSpreadCooldown())
	assert.True(t, cfg.TargetMargin.Equal(decimal.NewFromInt(100)))
	assert.True(t, cfg.MaxEntryDivergence.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, cfg.MinLiquidationDistance.Equal(decimal.RequireFromString("0.10")))
	assert.True(t, cfg.LimitOrderOffset.Equal(decimal.RequireFromString("0.0002")))
	assert.True(t, cfg.ProfitErosionThreshold.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, cfg.UseMaker())
	assert.Nil(t, cfg.MaxOpenInterest)
}

func TestLoadConfigLegacyTargetExposure(t *testing.T) {
	cfg, err := loadYAML(t, `
scan_venues: [hyperliquid, aster]
target_exposure: "1000"
max_positions: 4
`)
	require.NoError(t, err)
	// Legacy notional knob converts with the default factor of 10.
	assert.True(t, cfg.TargetMargin.Equal(decimal.NewFromInt(100)), "margin %s", cfg.TargetMargin)

	cfg, err = loadYAML(t, `
scan_venues: [hyperliquid, aster]
target_exposure: "1000"
exposure_to_margin_factor: "5"
max_positions: 4
`)
	require.NoError(t, err)
	assert.True(t, cfg.TargetMargin.Equal(decimal.NewFromInt(200)))
}

func TestLoadConfigTargetMarginWinsOverExposure(t *testing.T) {
	cfg, err := loadYAML(t, `
scan_venues: [hyperliquid, aster]
target_margin: "250"
target_exposure: "1000"
max_positions: 4
`)
	require.NoError(t, err)
	assert.True(t, cfg.TargetMargin.Equal(decimal.NewFromInt(250)))
}

func TestLoadConfigHoursParsing(t *testing.T) {
	cfg, err := loadYAML(t, `
scan_venues: [hyperliquid, aster]
target_margin: "100"
max_positions: 4
min_hold_hours: "1.5"
max_position_age_hours: "12"
`)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, cfg.MinHold)
	assert.Equal(t, 12*time.Hour, cfg.MaxPositionAge)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"one venue", `
scan_venues: [hyperliquid]
target_margin: "100"
max_positions: 4
`},
		{"missing margin", `
scan_venues: [hyperliquid, aster]
max_positions: 4
`},
		{"missing max positions", `
scan_venues: [hyperliquid, aster]
target_margin: "100"
`},
		{"mandatory venue not scanned", `
scan_venues: [hyperliquid, aster]
mandatory_venue: lighter
target_margin: "100"
max_positions: 4
`},
		{"erosion threshold out of range", `
scan_venues: [hyperliquid, aster]
target_margin: "100"
max_positions: 4
profit_erosion_threshold: "1.5"
`},
		{"min hold above max age", `
scan_venues: [hyperliquid, aster]
target_margin: "100"
max_positions: 4
min_hold_hours: "24"
max_position_age_hours: "12"
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadYAML(t, tc.yaml)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_TARGET_MARGIN", "175")
	cfg, err := loadYAML(t, `
scan_venues: [hyperliquid, aster]
target_margin: "${TEST_TARGET_MARGIN}"
max_positions: 4
`)
	require.NoError(t, err)
	assert.True(t, cfg.TargetMargin.Equal(decimal.NewFromInt(175)))
}
