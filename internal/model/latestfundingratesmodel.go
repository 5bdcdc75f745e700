package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ LatestFundingRatesModel = (*defaultLatestFundingRatesModel)(nil)

// LatestFundingRates is the upserted per-(dex, symbol) latest sample.
type LatestFundingRates struct {
	DexId           int64          `db:"dex_id"`
	Symbol          string         `db:"symbol"`
	FundingRate     string         `db:"funding_rate"` // normalized per-8h, NUMERIC
	RawRate         string         `db:"raw_rate"`
	IntervalHours   string         `db:"interval_hours"`
	NextFundingTime sql.NullTime   `db:"next_funding_time"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

type (
	// LatestFundingRatesModel wraps the latest_funding_rates table.
	LatestFundingRatesModel interface {
		Upsert(ctx context.Context, data *LatestFundingRates) error
		LatestWithin(ctx context.Context, dexIds []int64, maxAge time.Duration) ([]LatestFundingRates, error)
		FindOne(ctx context.Context, dexId int64, symbol string) (*LatestFundingRates, error)
	}

	defaultLatestFundingRatesModel struct {
		conn sqlx.SqlConn
	}
)

// NewLatestFundingRatesModel returns a model for the latest_funding_rates table.
func NewLatestFundingRatesModel(conn sqlx.SqlConn) LatestFundingRatesModel {
	return &defaultLatestFundingRatesModel{conn: conn}
}

// Upsert writes the latest sample. Writes for the same key are totally
// ordered by sample time: an older sample never overwrites a newer row.
func (m *defaultLatestFundingRatesModel) Upsert(ctx context.Context, data *LatestFundingRates) error {
	const query = `
INSERT INTO latest_funding_rates (dex_id, symbol, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (dex_id, symbol) DO UPDATE SET
    funding_rate = CASE WHEN EXCLUDED.updated_at >= latest_funding_rates.updated_at THEN EXCLUDED.funding_rate ELSE latest_funding_rates.funding_rate END,
    raw_rate = CASE WHEN EXCLUDED.updated_at >= latest_funding_rates.updated_at THEN EXCLUDED.raw_rate ELSE latest_funding_rates.raw_rate END,
    interval_hours = CASE WHEN EXCLUDED.updated_at >= latest_funding_rates.updated_at THEN EXCLUDED.interval_hours ELSE latest_funding_rates.interval_hours END,
    next_funding_time = CASE WHEN EXCLUDED.updated_at >= latest_funding_rates.updated_at THEN EXCLUDED.next_funding_time ELSE latest_funding_rates.next_funding_time END,
    updated_at = GREATEST(latest_funding_rates.updated_at, EXCLUDED.updated_at)`
	_, err := m.conn.ExecCtx(ctx, query,
		data.DexId, data.Symbol, data.FundingRate, data.RawRate, data.IntervalHours,
		data.NextFundingTime, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("latest_funding_rates.Upsert: %w", err)
	}
	return nil
}

func (m *defaultLatestFundingRatesModel) LatestWithin(ctx context.Context, dexIds []int64, maxAge time.Duration) ([]LatestFundingRates, error) {
	const query = `
SELECT dex_id, symbol, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at
FROM latest_funding_rates
WHERE dex_id = ANY($1) AND updated_at >= $2
ORDER BY dex_id, symbol`
	cutoff := time.Now().UTC().Add(-maxAge)
	var rows []LatestFundingRates
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, pq.Array(dexIds), cutoff); err != nil {
		return nil, fmt.Errorf("latest_funding_rates.LatestWithin: %w", err)
	}
	return rows, nil
}

func (m *defaultLatestFundingRatesModel) FindOne(ctx context.Context, dexId int64, symbol string) (*LatestFundingRates, error) {
	const query = `
SELECT dex_id, symbol, funding_rate, raw_rate, interval_hours, next_funding_time, updated_at
FROM latest_funding_rates
WHERE dex_id = $1 AND symbol = $2 LIMIT 1`
	var row LatestFundingRates
	err := m.conn.QueryRowCtx(ctx, &row, query, dexId, symbol)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("latest_funding_rates.FindOne: %w", err)
	}
}
