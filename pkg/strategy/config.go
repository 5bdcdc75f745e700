// Package strategy ties the collector, scanner, executor and lifecycle
// monitor together into the funding-arbitrage control loop.
package strategy

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the strategy configuration loaded from etc/strategy.yaml.
// Decimal-valued fields arrive as strings and are parsed in normalise.
type Config struct {
	AccountID      string   `yaml:"account_id"`
	ScanVenues     []string `yaml:"scan_venues"`
	MandatoryVenue string   `yaml:"mandatory_venue"`

	TargetMarginRaw string `yaml:"target_margin"`
	// TargetExposureRaw is the legacy notional-denominated knob; when set and
	// target_margin is absent, margin = exposure / ExposureToMarginFactor.
	TargetExposureRaw        string `yaml:"target_exposure"`
	ExposureToMarginFactorRaw string `yaml:"exposure_to_margin_factor"`

	Leverage                int `yaml:"leverage"`
	MaxPositions            int `yaml:"max_positions"`
	MaxNewPositionsPerCycle int `yaml:"max_new_positions_per_cycle"`

	MinProfitRateRaw          string   `yaml:"min_profit_rate"`
	MinHoldHoursRaw           string   `yaml:"min_hold_hours"`
	MaxPositionAgeHoursRaw    string   `yaml:"max_position_age_hours"`
	ProfitErosionThresholdRaw string   `yaml:"profit_erosion_threshold"`
	MinVolume24hRaw           string   `yaml:"min_volume_24h"`
	MinOpenInterestRaw        string   `yaml:"min_oi_usd"`
	MaxOpenInterestRaw        string   `yaml:"max_oi_usd"`
	MaxEntryDivergenceRaw     string   `yaml:"max_entry_price_divergence_pct"`
	MinLiquidationDistanceRaw string   `yaml:"min_liquidation_distance_pct"`
	WideSpreadCooldownMinutes int      `yaml:"wide_spread_cooldown_minutes"`
	WideSpreadBpsRaw          string   `yaml:"wide_spread_bps"`
	LimitOrderOffsetRaw       string   `yaml:"limit_order_offset_pct"`
	CheckIntervalSeconds      int      `yaml:"check_interval_seconds"`
	FillTimeoutSeconds        int      `yaml:"fill_timeout_seconds"`
	MaxConcurrentEvaluations  int      `yaml:"max_concurrent_position_evaluations"`
	ScanLimit                 int      `yaml:"scan_limit"`
	ExcludedSymbols           []string `yaml:"excluded_symbols"`
	UseMakerFees              *bool    `yaml:"use_maker_fees"`
	DryRun                    bool     `yaml:"dry_run"`

	// FeeOverrides patches the built-in per-venue fee schedule, in bps.
	FeeOverrides map[string]FeeOverride `yaml:"fee_overrides"`

	// Parsed values.
	TargetMargin           decimal.Decimal `yaml:"-"`
	MinProfitRate          decimal.Decimal `yaml:"-"`
	MinHold                time.Duration   `yaml:"-"`
	MaxPositionAge         time.Duration   `yaml:"-"`
	ProfitErosionThreshold decimal.Decimal `yaml:"-"`
	MinVolume24h           decimal.Decimal `yaml:"-"`
	MinOpenInterest        decimal.Decimal `yaml:"-"`
	MaxOpenInterest        *decimal.Decimal `yaml:"-"`
	MaxEntryDivergence     decimal.Decimal `yaml:"-"`
	MinLiquidationDistance decimal.Decimal `yaml:"-"`
	WideSpreadBps          decimal.Decimal `yaml:"-"`
	LimitOrderOffset       decimal.Decimal `yaml:"-"`
	CheckInterval          time.Duration   `yaml:"-"`
	FillTimeout            time.Duration   `yaml:"-"`
}

// FeeOverride patches one venue's maker/taker schedule.
type FeeOverride struct {
	MakerBps float64 `yaml:"maker_bps"`
	TakerBps float64 `yaml:"taker_bps"`
}

// LoadConfig reads strategy configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open strategy config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal strategy config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	expand := func(s string) string { return strings.TrimSpace(os.ExpandEnv(s)) }

	if c.AccountID == "" {
		c.AccountID = "default"
	}
	if c.Leverage <= 0 {
		c.Leverage = 3
	}
	if c.MaxNewPositionsPerCycle <= 0 {
		c.MaxNewPositionsPerCycle = 1
	}
	if c.CheckIntervalSeconds <= 0 {
		c.CheckIntervalSeconds = 60
	}
	if c.FillTimeoutSeconds <= 0 {
		c.FillTimeoutSeconds = 10
	}
	if c.MaxConcurrentEvaluations <= 0 {
		c.MaxConcurrentEvaluations = 8
	}
	if c.WideSpreadCooldownMinutes <= 0 {
		c.WideSpreadCooldownMinutes = 60
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 10
	}
	c.CheckInterval = time.Duration(c.CheckIntervalSeconds) * time.Second
	c.FillTimeout = time.Duration(c.FillTimeoutSeconds) * time.Second

	var err error
	if c.TargetMargin, err = parseDecimal(expand(c.TargetMarginRaw), "0"); err != nil {
		return fmt.Errorf("strategy config: target_margin: %w", err)
	}
	if c.TargetMargin.IsZero() && expand(c.TargetExposureRaw) != "" {
		exposure, err := parseDecimal(expand(c.TargetExposureRaw), "0")
		if err != nil {
			return fmt.Errorf("strategy config: target_exposure: %w", err)
		}
		factor, err := parseDecimal(expand(c.ExposureToMarginFactorRaw), "10")
		if err != nil {
			return fmt.Errorf("strategy config: exposure_to_margin_factor: %w", err)
		}
		if !factor.IsPositive() {
			return fmt.Errorf("strategy config: exposure_to_margin_factor must be positive")
		}
		c.TargetMargin = exposure.Div(factor)
	}

	if c.MinProfitRate, err = parseDecimal(expand(c.MinProfitRateRaw), "0"); err != nil {
		return fmt.Errorf("strategy config: min_profit_rate: %w", err)
	}
	if c.ProfitErosionThreshold, err = parseDecimal(expand(c.ProfitErosionThresholdRaw), "0.4"); err != nil {
		return fmt.Errorf("strategy config: profit_erosion_threshold: %w", err)
	}
	if c.MinVolume24h, err = parseDecimal(expand(c.MinVolume24hRaw), "0"); err != nil {
		return fmt.Errorf("strategy config: min_volume_24h: %w", err)
	}
	if c.MinOpenInterest, err = parseDecimal(expand(c.MinOpenInterestRaw), "0"); err != nil {
		return fmt.Errorf("strategy config: min_oi_usd: %w", err)
	}
	if raw := expand(c.MaxOpenInterestRaw); raw != "" {
		maxOI, err := parseDecimal(raw, "")
		if err != nil {
			return fmt.Errorf("strategy config: max_oi_usd: %w", err)
		}
		c.MaxOpenInterest = &maxOI
	}
	if c.MaxEntryDivergence, err = parseDecimal(expand(c.MaxEntryDivergenceRaw), "0.01"); err != nil {
		return fmt.Errorf("strategy config: max_entry_price_divergence_pct: %w", err)
	}
	if c.MinLiquidationDistance, err = parseDecimal(expand(c.MinLiquidationDistanceRaw), "0.10"); err != nil {
		return fmt.Errorf("strategy config: min_liquidation_distance_pct: %w", err)
	}
	if c.WideSpreadBps, err = parseDecimal(expand(c.WideSpreadBpsRaw), "50"); err != nil {
		return fmt.Errorf("strategy config: wide_spread_bps: %w", err)
	}
	if c.LimitOrderOffset, err = parseDecimal(expand(c.LimitOrderOffsetRaw), "0.0002"); err != nil {
		return fmt.Errorf("strategy config: limit_order_offset_pct: %w", err)
	}

	if c.MinHold, err = parseHours(expand(c.MinHoldHoursRaw), 0); err != nil {
		return fmt.Errorf("strategy config: min_hold_hours: %w", err)
	}
	if c.MaxPositionAge, err = parseHours(expand(c.MaxPositionAgeHoursRaw), 0); err != nil {
		return fmt.Errorf("strategy config: max_position_age_hours: %w", err)
	}
	return nil
}

// Validate ensures the configuration can drive the loop safely.
func (c *Config) Validate() error {
	if len(c.ScanVenues) < 2 {
		return fmt.Errorf("strategy config: scan_venues needs at least two venues")
	}
	if c.MandatoryVenue != "" && !contains(c.ScanVenues, c.MandatoryVenue) {
		return fmt.Errorf("strategy config: mandatory_venue %q not in scan_venues", c.MandatoryVenue)
	}
	if !c.TargetMargin.IsPositive() {
		return fmt.Errorf("strategy config: target_margin (or target_exposure) must be positive")
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("strategy config: max_positions must be positive")
	}
	if c.ProfitErosionThreshold.IsNegative() || c.ProfitErosionThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("strategy config: profit_erosion_threshold must be within [0,1]")
	}
	if c.MaxPositionAge > 0 && c.MinHold > c.MaxPositionAge {
		return fmt.Errorf("strategy config: min_hold_hours exceeds max_position_age_hours")
	}
	return nil
}

// UseMaker reports whether pair fees assume maker execution (the default).
func (c *Config) UseMaker() bool {
	if c.UseMakerFees == nil {
		return true
	}
	return *c.UseMakerFees
}

// WideSpreadCooldown returns the cooldown as a duration.
func (c *Config) WideSpreadCooldown() time.Duration {
	return time.Duration(c.WideSpreadCooldownMinutes) * time.Minute
}

func parseDecimal(raw, fallback string) (decimal.Decimal, error) {
	if raw == "" {
		raw = fallback
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("value required")
	}
	return decimal.NewFromString(raw)
}

func parseHours(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	hours, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, err
	}
	if hours.IsNegative() {
		return 0, fmt.Errorf("must not be negative")
	}
	f, _ := hours.Float64()
	return time.Duration(f * float64(time.Hour)), nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
