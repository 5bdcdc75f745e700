// Package scanner discovers fee-net-profitable delta-neutral funding pairs
// from the latest collected samples.
package scanner

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/logx"

	"perparb/pkg/exchange"
	"perparb/pkg/fees"
)

// DefaultMaxSampleAge is how old a latest sample or market-data row may be
// before the scanner ignores it.
const DefaultMaxSampleAge = 2 * time.Minute

// Opportunity is a directed candidate pair. It exists only in memory within
// one orchestrator tick.
type Opportunity struct {
	Symbol        string
	LongVenue     string
	ShortVenue    string
	LongRate      decimal.Decimal // per 8h
	ShortRate     decimal.Decimal // per 8h
	Divergence    decimal.Decimal // short − long
	Fees          fees.Breakdown
	NetRate       decimal.Decimal // divergence − round-trip fees
	NetAPY        decimal.Decimal
	MinVolume24h  decimal.Decimal // min across both legs
	MinOpenInt    decimal.Decimal // min across both legs
	MaxOpenInt    decimal.Decimal // max across both legs
	NextFundingAt *time.Time
}

// Filter bounds which pairs the scan returns.
type Filter struct {
	MinProfitPerPeriod decimal.Decimal
	MinOpenInterestUSD decimal.Decimal
	MaxOpenInterestUSD *decimal.Decimal
	MinVolume24hUSD    decimal.Decimal
	ScanVenues         []string
	MandatoryVenue     string
	ExcludedSymbols    []string
	UseMakerFees       bool
	Limit              int
}

// Store is the slice of persistence the scanner reads.
type Store interface {
	LatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]exchange.FundingRateSample, error)
	MarketData(ctx context.Context, venues []string) (map[string]map[string]exchange.MarketData, error)
}

// Scanner ranks directed venue pairs by fee-net funding yield.
type Scanner struct {
	store Store
	calc  *fees.Calculator
}

// New constructs a scanner over the given store and fee calculator.
func New(store Store, calc *fees.Calculator) *Scanner {
	if calc == nil {
		calc = fees.NewCalculator(nil)
	}
	return &Scanner{store: store, calc: calc}
}

// Scan loads fresh samples and market data and returns ranked opportunities.
func (s *Scanner) Scan(ctx context.Context, filter Filter) ([]Opportunity, error) {
	samples, err := s.store.LatestSamples(ctx, filter.ScanVenues, DefaultMaxSampleAge)
	if err != nil {
		return nil, err
	}
	market, err := s.store.MarketData(ctx, filter.ScanVenues)
	if err != nil {
		return nil, err
	}
	opps := FindOpportunities(samples, market, filter, s.calc)
	logx.WithContext(ctx).Infof("scanner: %d samples across %d venues yielded %d opportunities",
		len(samples), len(filter.ScanVenues), len(opps))
	return opps, nil
}

// FindOpportunities is the pure ranking core: it enumerates directed pairs
// over the supplied samples, applies the filter and sorts the survivors.
// Market data is keyed venue → symbol.
func FindOpportunities(
	samples []exchange.FundingRateSample,
	market map[string]map[string]exchange.MarketData,
	filter Filter,
	calc *fees.Calculator,
) []Opportunity {
	if calc == nil {
		calc = fees.NewCalculator(nil)
	}

	now := time.Now().UTC()
	excluded := make(map[string]bool, len(filter.ExcludedSymbols))
	for _, sym := range filter.ExcludedSymbols {
		excluded[exchange.NormalizeSymbol(sym)] = true
	}
	scanned := make(map[string]bool, len(filter.ScanVenues))
	for _, v := range filter.ScanVenues {
		scanned[v] = true
	}

	// Group fresh samples by symbol.
	bySymbol := make(map[string][]exchange.FundingRateSample)
	for _, sample := range samples {
		if len(scanned) > 0 && !scanned[sample.Venue] {
			continue
		}
		if excluded[sample.Symbol] {
			continue
		}
		if now.Sub(sample.SampledAt) > DefaultMaxSampleAge {
			continue
		}
		bySymbol[sample.Symbol] = append(bySymbol[sample.Symbol], sample)
	}

	var opps []Opportunity
	for symbol, group := range bySymbol {
		if len(group) < 2 {
			continue
		}
		for i := range group {
			for j := range group {
				if i == j {
					continue
				}
				long, short := group[i], group[j]
				if filter.MandatoryVenue != "" &&
					long.Venue != filter.MandatoryVenue && short.Venue != filter.MandatoryVenue {
					continue
				}

				divergence := short.NormalizedRate.Sub(long.NormalizedRate)
				if !divergence.IsPositive() {
					continue
				}

				breakdown, err := calc.Calculate(long.Venue, short.Venue, divergence, filter.UseMakerFees)
				if err != nil {
					continue
				}
				if breakdown.NetRate.LessThan(filter.MinProfitPerPeriod) || !breakdown.NetRate.IsPositive() {
					continue
				}

				longMkt, ok := freshMarketData(market, long.Venue, symbol, now)
				if !ok {
					continue
				}
				shortMkt, ok := freshMarketData(market, short.Venue, symbol, now)
				if !ok {
					continue
				}
				liq, ok := checkLiquidity(longMkt, shortMkt, filter)
				if !ok {
					continue
				}

				opps = append(opps, Opportunity{
					Symbol:        symbol,
					LongVenue:     long.Venue,
					ShortVenue:    short.Venue,
					LongRate:      long.NormalizedRate,
					ShortRate:     short.NormalizedRate,
					Divergence:    divergence,
					Fees:          breakdown,
					NetRate:       breakdown.NetRate,
					NetAPY:        breakdown.NetAPY,
					MinVolume24h:  liq.minVolume,
					MinOpenInt:    liq.minOI,
					MaxOpenInt:    liq.maxOI,
					NextFundingAt: short.NextFundingTime,
				})
			}
		}
	}

	sort.Slice(opps, func(i, j int) bool {
		if !opps[i].NetRate.Equal(opps[j].NetRate) {
			return opps[i].NetRate.GreaterThan(opps[j].NetRate)
		}
		if !opps[i].MinOpenInt.Equal(opps[j].MinOpenInt) {
			return opps[i].MinOpenInt.GreaterThan(opps[j].MinOpenInt)
		}
		if opps[i].Symbol != opps[j].Symbol {
			return opps[i].Symbol < opps[j].Symbol
		}
		if opps[i].LongVenue != opps[j].LongVenue {
			return opps[i].LongVenue < opps[j].LongVenue
		}
		return opps[i].ShortVenue < opps[j].ShortVenue
	})

	if filter.Limit > 0 && len(opps) > filter.Limit {
		opps = opps[:filter.Limit]
	}
	return opps
}

type liquidity struct {
	minVolume decimal.Decimal
	minOI     decimal.Decimal
	maxOI     decimal.Decimal
}

func freshMarketData(market map[string]map[string]exchange.MarketData, venue, symbol string, now time.Time) (exchange.MarketData, bool) {
	venueData, ok := market[venue]
	if !ok {
		return exchange.MarketData{}, false
	}
	md, ok := venueData[symbol]
	if !ok {
		return exchange.MarketData{}, false
	}
	if now.Sub(md.UpdatedAt) > DefaultMaxSampleAge {
		return exchange.MarketData{}, false
	}
	return md, true
}

func checkLiquidity(long, short exchange.MarketData, filter Filter) (liquidity, bool) {
	if long.Volume24hUSD == nil || short.Volume24hUSD == nil {
		return liquidity{}, false
	}
	if long.OpenInterestUSD == nil || short.OpenInterestUSD == nil {
		return liquidity{}, false
	}

	minVol := decimal.Min(*long.Volume24hUSD, *short.Volume24hUSD)
	minOI := decimal.Min(*long.OpenInterestUSD, *short.OpenInterestUSD)
	maxOI := decimal.Max(*long.OpenInterestUSD, *short.OpenInterestUSD)

	if minVol.LessThan(filter.MinVolume24hUSD) {
		return liquidity{}, false
	}
	if minOI.LessThan(filter.MinOpenInterestUSD) {
		return liquidity{}, false
	}
	if filter.MaxOpenInterestUSD != nil && maxOI.GreaterThan(*filter.MaxOpenInterestUSD) {
		return liquidity{}, false
	}
	return liquidity{minVolume: minVol, minOI: minOI, maxOI: maxOI}, true
}
