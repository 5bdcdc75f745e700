// Package arbpersist implements the strategy-side persistence contracts over
// the five core tables. Every mutation is a single statement or a short
// transaction; no state is cached between calls.
package arbpersist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"perparb/internal/model"
	"perparb/pkg/exchange"
	"perparb/pkg/position"
)

// Service persists funding samples, market data, positions and fills.
// It satisfies funding.Store, scanner.Store, executor.Store, lifecycle.Store
// and strategy.Store.
type Service struct {
	conn          sqlx.SqlConn
	fundingRates  model.FundingRatesModel
	latestRates   model.LatestFundingRatesModel
	dexSymbols    model.DexSymbolsModel
	positions     model.StrategyPositionsModel
	tradeFills    model.TradeFillsModel
}

// NewService wires the persistence service over one connection.
func NewService(conn sqlx.SqlConn) *Service {
	return &Service{
		conn:         conn,
		fundingRates: model.NewFundingRatesModel(conn),
		latestRates:  model.NewLatestFundingRatesModel(conn),
		dexSymbols:   model.NewDexSymbolsModel(conn),
		positions:    model.NewStrategyPositionsModel(conn),
		tradeFills:   model.NewTradeFillsModel(conn),
	}
}

// --- funding.Store ---------------------------------------------------------

// UpsertFundingRate writes the latest sample for (venue, symbol).
func (s *Service) UpsertFundingRate(ctx context.Context, sample exchange.FundingRateSample) error {
	dexId, err := VenueId(sample.Venue)
	if err != nil {
		return err
	}
	row := &model.LatestFundingRates{
		DexId:         dexId,
		Symbol:        sample.Symbol,
		FundingRate:   sample.NormalizedRate.String(),
		RawRate:       sample.RawRate.String(),
		IntervalHours: sample.IntervalHours.String(),
		UpdatedAt:     sample.SampledAt.UTC(),
	}
	if sample.NextFundingTime != nil {
		row.NextFundingTime = sql.NullTime{Time: sample.NextFundingTime.UTC(), Valid: true}
	}
	return s.latestRates.Upsert(ctx, row)
}

// AppendFundingHistory appends the sample to the history table.
func (s *Service) AppendFundingHistory(ctx context.Context, sample exchange.FundingRateSample) error {
	dexId, err := VenueId(sample.Venue)
	if err != nil {
		return err
	}
	_, err = s.fundingRates.Insert(ctx, &model.FundingRates{
		Time:        sample.SampledAt.UTC(),
		DexId:       dexId,
		Symbol:      sample.Symbol,
		FundingRate: sample.NormalizedRate.String(),
	})
	return err
}

// UpsertMarketData writes the liquidity row for (venue, symbol).
func (s *Service) UpsertMarketData(ctx context.Context, row exchange.MarketData) error {
	dexId, err := VenueId(row.Venue)
	if err != nil {
		return err
	}
	record := &model.DexSymbols{
		DexId:     dexId,
		Symbol:    row.Symbol,
		IsActive:  true,
		UpdatedAt: row.UpdatedAt.UTC(),
	}
	if row.Volume24hUSD != nil {
		record.Volume24h = sql.NullString{String: row.Volume24hUSD.String(), Valid: true}
	}
	if row.OpenInterestUSD != nil {
		record.OpenInterestUsd = sql.NullString{String: row.OpenInterestUSD.String(), Valid: true}
	}
	return s.dexSymbols.Upsert(ctx, record)
}

// FundingHistorySince returns the persisted history for one venue/symbol,
// oldest first. Offline analysis tooling reads this; the live loop does not.
func (s *Service) FundingHistorySince(ctx context.Context, venue, symbol string, since time.Time) ([]exchange.FundingRateSample, error) {
	dexId, err := VenueId(venue)
	if err != nil {
		return nil, err
	}
	rows, err := s.fundingRates.HistorySince(ctx, dexId, symbol, since)
	if err != nil {
		return nil, err
	}
	samples := make([]exchange.FundingRateSample, 0, len(rows))
	for _, row := range rows {
		rate, err := decimal.NewFromString(row.FundingRate)
		if err != nil {
			return nil, fmt.Errorf("persistence: history rate for %s/%s: %w", venue, symbol, err)
		}
		samples = append(samples, exchange.FundingRateSample{
			Venue:          venue,
			Symbol:         row.Symbol,
			NormalizedRate: rate,
			IntervalHours:  exchange.CanonicalIntervalHours,
			SampledAt:      row.Time,
		})
	}
	return samples, nil
}

// --- scanner.Store ---------------------------------------------------------

// LatestSamples returns every fresh latest sample for the venues.
func (s *Service) LatestSamples(ctx context.Context, venues []string, maxAge time.Duration) ([]exchange.FundingRateSample, error) {
	dexIds, err := venueIdsFor(venues)
	if err != nil {
		return nil, err
	}
	rows, err := s.latestRates.LatestWithin(ctx, dexIds, maxAge)
	if err != nil {
		return nil, err
	}
	samples := make([]exchange.FundingRateSample, 0, len(rows))
	for i := range rows {
		sample, err := sampleFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

// MarketData returns the liquidity rows keyed venue → symbol.
func (s *Service) MarketData(ctx context.Context, venues []string) (map[string]map[string]exchange.MarketData, error) {
	dexIds, err := venueIdsFor(venues)
	if err != nil {
		return nil, err
	}
	rows, err := s.dexSymbols.ByDexIds(ctx, dexIds)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]exchange.MarketData)
	for i := range rows {
		row := &rows[i]
		venue, err := VenueName(row.DexId)
		if err != nil {
			return nil, err
		}
		md := exchange.MarketData{
			Venue:     venue,
			Symbol:    row.Symbol,
			UpdatedAt: row.UpdatedAt,
		}
		if row.Volume24h.Valid {
			vol, err := decimal.NewFromString(row.Volume24h.String)
			if err != nil {
				return nil, fmt.Errorf("persistence: volume for %s/%s: %w", venue, row.Symbol, err)
			}
			md.Volume24hUSD = &vol
		}
		if row.OpenInterestUsd.Valid {
			oi, err := decimal.NewFromString(row.OpenInterestUsd.String)
			if err != nil {
				return nil, fmt.Errorf("persistence: open interest for %s/%s: %w", venue, row.Symbol, err)
			}
			md.OpenInterestUSD = &oi
		}
		if out[venue] == nil {
			out[venue] = make(map[string]exchange.MarketData)
		}
		out[venue][row.Symbol] = md
	}
	return out, nil
}

// --- lifecycle.Store -------------------------------------------------------

// LatestRates returns fresh samples for one symbol keyed by venue.
func (s *Service) LatestRates(ctx context.Context, symbol string, venues []string, maxAge time.Duration) (map[string]exchange.FundingRateSample, error) {
	out := make(map[string]exchange.FundingRateSample, len(venues))
	cutoff := time.Now().UTC().Add(-maxAge)
	for _, venue := range venues {
		dexId, err := VenueId(venue)
		if err != nil {
			return nil, err
		}
		row, err := s.latestRates.FindOne(ctx, dexId, symbol)
		if err == model.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if row.UpdatedAt.Before(cutoff) {
			continue
		}
		sample, err := sampleFromRow(row)
		if err != nil {
			return nil, err
		}
		out[venue] = sample
	}
	return out, nil
}

// --- executor.Store --------------------------------------------------------

// InsertPositionWithFills persists a new position and its entry fills in one
// transaction.
func (s *Service) InsertPositionWithFills(ctx context.Context, pos *position.Position, fills []position.Fill) error {
	row, err := rowFromPosition(pos)
	if err != nil {
		return err
	}
	fillRows := make([]*model.TradeFills, 0, len(fills))
	for i := range fills {
		fr, err := rowFromFill(&fills[i])
		if err != nil {
			return err
		}
		fillRows = append(fillRows, fr)
	}
	return s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		if err := s.positions.Insert(ctx, session, row); err != nil {
			return err
		}
		for _, fr := range fillRows {
			if _, err := s.tradeFills.Insert(ctx, session, fr); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePosition applies a partial patch to a position row.
func (s *Service) UpdatePosition(ctx context.Context, id string, patch position.Patch) error {
	var modelPatch model.StrategyPositionsPatch
	if patch.Stage != nil {
		stage := string(*patch.Stage)
		modelPatch.LifecycleStage = &stage
	}
	if patch.CumulativeFundingUSD != nil {
		funding := patch.CumulativeFundingUSD.String()
		modelPatch.CumulativeFundingUsd = &funding
	}
	if patch.Quantity != nil {
		qty := patch.Quantity.String()
		modelPatch.Quantity = &qty
	}
	if patch.LastHeartbeat != nil {
		hb := patch.LastHeartbeat.UTC()
		modelPatch.LastHeartbeat = &hb
	}
	if patch.ClosedAt != nil {
		closedAt := patch.ClosedAt.UTC()
		modelPatch.ClosedAt = &closedAt
	}
	if patch.PnlUSD != nil {
		pnl := patch.PnlUSD.String()
		modelPatch.PnlUsd = &pnl
	}
	if patch.ExitReason != nil {
		reason := string(*patch.ExitReason)
		modelPatch.ExitReason = &reason
	}
	if len(patch.Metadata) > 0 {
		blob, err := json.Marshal(patch.Metadata)
		if err != nil {
			return fmt.Errorf("persistence: encode metadata: %w", err)
		}
		meta := string(blob)
		modelPatch.Metadata = &meta
	}
	return s.positions.Update(ctx, id, modelPatch)
}

// InsertFill records one coalesced fill; duplicates are a silent no-op.
func (s *Service) InsertFill(ctx context.Context, fill position.Fill) (bool, error) {
	row, err := rowFromFill(&fill)
	if err != nil {
		return false, err
	}
	return s.tradeFills.Insert(ctx, nil, row)
}

// FillsForPosition returns every fill of a position in time order.
func (s *Service) FillsForPosition(ctx context.Context, positionID string) ([]position.Fill, error) {
	rows, err := s.tradeFills.ByPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	fills := make([]position.Fill, 0, len(rows))
	for i := range rows {
		fill, err := fillFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		fills = append(fills, fill)
	}
	return fills, nil
}

// --- strategy.Store --------------------------------------------------------

// OpenPositions loads every non-closed position for the account.
func (s *Service) OpenPositions(ctx context.Context, accountID string) ([]*position.Position, error) {
	rows, err := s.positions.FindOpen(ctx, accountID)
	if err != nil {
		return nil, err
	}
	positions := make([]*position.Position, 0, len(rows))
	for i := range rows {
		pos, err := positionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

// GetPosition loads one position by id.
func (s *Service) GetPosition(ctx context.Context, id string) (*position.Position, error) {
	row, err := s.positions.FindOne(ctx, id)
	if err != nil {
		return nil, err
	}
	return positionFromRow(row)
}

// --- row conversions -------------------------------------------------------

func sampleFromRow(row *model.LatestFundingRates) (exchange.FundingRateSample, error) {
	venue, err := VenueName(row.DexId)
	if err != nil {
		return exchange.FundingRateSample{}, err
	}
	normalized, err := decimal.NewFromString(row.FundingRate)
	if err != nil {
		return exchange.FundingRateSample{}, fmt.Errorf("persistence: funding rate for %s/%s: %w", venue, row.Symbol, err)
	}
	raw, err := decimal.NewFromString(row.RawRate)
	if err != nil {
		return exchange.FundingRateSample{}, fmt.Errorf("persistence: raw rate for %s/%s: %w", venue, row.Symbol, err)
	}
	interval, err := decimal.NewFromString(row.IntervalHours)
	if err != nil {
		return exchange.FundingRateSample{}, fmt.Errorf("persistence: interval for %s/%s: %w", venue, row.Symbol, err)
	}
	sample := exchange.FundingRateSample{
		Venue:          venue,
		Symbol:         row.Symbol,
		RawRate:        raw,
		IntervalHours:  interval,
		NormalizedRate: normalized,
		SampledAt:      row.UpdatedAt,
	}
	if row.NextFundingTime.Valid {
		next := row.NextFundingTime.Time
		sample.NextFundingTime = &next
	}
	return sample, nil
}

func rowFromPosition(pos *position.Position) (*model.StrategyPositions, error) {
	if err := pos.Validate(); err != nil {
		return nil, err
	}
	longId, err := VenueId(pos.LongVenue)
	if err != nil {
		return nil, err
	}
	shortId, err := VenueId(pos.ShortVenue)
	if err != nil {
		return nil, err
	}
	row := &model.StrategyPositions{
		Id:                   pos.ID,
		AccountId:            pos.AccountID,
		Symbol:               pos.Symbol,
		LongDexId:            longId,
		ShortDexId:           shortId,
		SizeUsd:              pos.SizeUSD.String(),
		Leverage:             int64(pos.Leverage),
		Quantity:             pos.Quantity.String(),
		EntryLongRate:        pos.EntryLongRate.String(),
		EntryShortRate:       pos.EntryShortRate.String(),
		EntryDivergence:      pos.EntryDivergence.String(),
		EntryLongPrice:       pos.EntryLongPrice.String(),
		EntryShortPrice:      pos.EntryShortPrice.String(),
		CumulativeFundingUsd: pos.CumulativeFundingUSD.String(),
		LifecycleStage:       string(pos.Stage),
		OpenedAt:             pos.OpenedAt.UTC(),
		LastHeartbeat:        pos.LastHeartbeat.UTC(),
	}
	if pos.ClosedAt != nil {
		row.ClosedAt = sql.NullTime{Time: pos.ClosedAt.UTC(), Valid: true}
	}
	if pos.PnlUSD != nil {
		row.PnlUsd = sql.NullString{String: pos.PnlUSD.String(), Valid: true}
	}
	if pos.ExitReason != "" {
		row.ExitReason = sql.NullString{String: string(pos.ExitReason), Valid: true}
	}
	if len(pos.Metadata) > 0 {
		blob, err := json.Marshal(pos.Metadata)
		if err != nil {
			return nil, fmt.Errorf("persistence: encode metadata: %w", err)
		}
		row.Metadata = sql.NullString{String: string(blob), Valid: true}
	}
	return row, nil
}

func positionFromRow(row *model.StrategyPositions) (*position.Position, error) {
	longVenue, err := VenueName(row.LongDexId)
	if err != nil {
		return nil, err
	}
	shortVenue, err := VenueName(row.ShortDexId)
	if err != nil {
		return nil, err
	}
	parse := func(field, raw string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("persistence: position %s %s: %w", row.Id, field, err)
		}
		return d, nil
	}
	pos := &position.Position{
		ID:         row.Id,
		AccountID:  row.AccountId,
		Symbol:     row.Symbol,
		LongVenue:  longVenue,
		ShortVenue: shortVenue,
		Leverage:   int(row.Leverage),
		Stage:      position.Stage(row.LifecycleStage),
		OpenedAt:   row.OpenedAt,
		LastHeartbeat: row.LastHeartbeat,
		ExitReason: position.ExitReason(stringOrEmpty(row.ExitReason)),
	}
	if pos.SizeUSD, err = parse("size_usd", row.SizeUsd); err != nil {
		return nil, err
	}
	if pos.Quantity, err = parse("quantity", row.Quantity); err != nil {
		return nil, err
	}
	if pos.EntryLongRate, err = parse("entry_long_rate", row.EntryLongRate); err != nil {
		return nil, err
	}
	if pos.EntryShortRate, err = parse("entry_short_rate", row.EntryShortRate); err != nil {
		return nil, err
	}
	if pos.EntryDivergence, err = parse("entry_divergence", row.EntryDivergence); err != nil {
		return nil, err
	}
	if pos.EntryLongPrice, err = parse("entry_long_price", row.EntryLongPrice); err != nil {
		return nil, err
	}
	if pos.EntryShortPrice, err = parse("entry_short_price", row.EntryShortPrice); err != nil {
		return nil, err
	}
	if pos.CumulativeFundingUSD, err = parse("cumulative_funding_usd", row.CumulativeFundingUsd); err != nil {
		return nil, err
	}
	if row.ClosedAt.Valid {
		closedAt := row.ClosedAt.Time
		pos.ClosedAt = &closedAt
	}
	if row.PnlUsd.Valid {
		pnl, err := parse("pnl_usd", row.PnlUsd.String)
		if err != nil {
			return nil, err
		}
		pos.PnlUSD = &pnl
	}
	if row.Metadata.Valid && row.Metadata.String != "" {
		if err := json.Unmarshal([]byte(row.Metadata.String), &pos.Metadata); err != nil {
			return nil, fmt.Errorf("persistence: position %s metadata: %w", row.Id, err)
		}
	}
	return pos, nil
}

func rowFromFill(fill *position.Fill) (*model.TradeFills, error) {
	dexId, err := VenueId(fill.Venue)
	if err != nil {
		return nil, err
	}
	row := &model.TradeFills{
		PositionId:       fill.PositionID,
		AccountId:        fill.AccountID,
		DexId:            dexId,
		Symbol:           fill.Symbol,
		TradeType:        string(fill.TradeType),
		Side:             fill.Side,
		OrderId:          fill.OrderID,
		Timestamp:        fill.Timestamp.UTC(),
		TotalQuantity:    fill.TotalQuantity.String(),
		WeightedAvgPrice: fill.WeightedAvgPrice.String(),
		TotalFee:         fill.TotalFee.String(),
		FeeCurrency:      fill.FeeCurrency,
		FillCount:        int64(fill.FillCount),
	}
	if fill.RealizedPnlUSD != nil {
		row.RealizedPnl = sql.NullString{String: fill.RealizedPnlUSD.String(), Valid: true}
	}
	if fill.RealizedFundingUSD != nil {
		row.RealizedFunding = sql.NullString{String: fill.RealizedFundingUSD.String(), Valid: true}
	}
	return row, nil
}

func fillFromRow(row *model.TradeFills) (position.Fill, error) {
	venue, err := VenueName(row.DexId)
	if err != nil {
		return position.Fill{}, err
	}
	qty, err := decimal.NewFromString(row.TotalQuantity)
	if err != nil {
		return position.Fill{}, fmt.Errorf("persistence: fill %s quantity: %w", row.OrderId, err)
	}
	price, err := decimal.NewFromString(row.WeightedAvgPrice)
	if err != nil {
		return position.Fill{}, fmt.Errorf("persistence: fill %s price: %w", row.OrderId, err)
	}
	fee, err := decimal.NewFromString(row.TotalFee)
	if err != nil {
		return position.Fill{}, fmt.Errorf("persistence: fill %s fee: %w", row.OrderId, err)
	}
	fill := position.Fill{
		PositionID:       row.PositionId,
		AccountID:        row.AccountId,
		Venue:            venue,
		Symbol:           row.Symbol,
		TradeType:        position.TradeType(row.TradeType),
		Side:             row.Side,
		OrderID:          row.OrderId,
		Timestamp:        row.Timestamp,
		TotalQuantity:    qty,
		WeightedAvgPrice: price,
		TotalFee:         fee,
		FeeCurrency:      row.FeeCurrency,
		FillCount:        int(row.FillCount),
	}
	if row.RealizedPnl.Valid {
		pnl, err := decimal.NewFromString(row.RealizedPnl.String)
		if err != nil {
			return position.Fill{}, fmt.Errorf("persistence: fill %s realized pnl: %w", row.OrderId, err)
		}
		fill.RealizedPnlUSD = &pnl
	}
	if row.RealizedFunding.Valid {
		funding, err := decimal.NewFromString(row.RealizedFunding.String)
		if err != nil {
			return position.Fill{}, fmt.Errorf("persistence: fill %s realized funding: %w", row.OrderId, err)
		}
		fill.RealizedFundingUSD = &funding
	}
	return fill, nil
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
