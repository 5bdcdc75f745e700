package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ FundingRatesModel = (*defaultFundingRatesModel)(nil)

// FundingRates is one row of the append-only funding history.
type FundingRates struct {
	Time        time.Time `db:"time"`
	DexId       int64     `db:"dex_id"`
	Symbol      string    `db:"symbol"`
	FundingRate string    `db:"funding_rate"` // normalized per-8h rate, NUMERIC
}

type (
	// FundingRatesModel wraps the funding_rates history table.
	FundingRatesModel interface {
		Insert(ctx context.Context, data *FundingRates) (sql.Result, error)
		HistorySince(ctx context.Context, dexId int64, symbol string, since time.Time) ([]FundingRates, error)
	}

	defaultFundingRatesModel struct {
		conn sqlx.SqlConn
	}
)

// NewFundingRatesModel returns a model for the funding_rates table.
func NewFundingRatesModel(conn sqlx.SqlConn) FundingRatesModel {
	return &defaultFundingRatesModel{conn: conn}
}

func (m *defaultFundingRatesModel) Insert(ctx context.Context, data *FundingRates) (sql.Result, error) {
	const query = `INSERT INTO funding_rates (time, dex_id, symbol, funding_rate) VALUES ($1, $2, $3, $4)`
	result, err := m.conn.ExecCtx(ctx, query, data.Time, data.DexId, data.Symbol, data.FundingRate)
	if err != nil {
		return nil, fmt.Errorf("funding_rates.Insert: %w", err)
	}
	return result, nil
}

func (m *defaultFundingRatesModel) HistorySince(ctx context.Context, dexId int64, symbol string, since time.Time) ([]FundingRates, error) {
	const query = `
SELECT time, dex_id, symbol, funding_rate
FROM funding_rates
WHERE dex_id = $1 AND symbol = $2 AND time >= $3
ORDER BY time`
	var rows []FundingRates
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, dexId, symbol, since); err != nil {
		return nil, fmt.Errorf("funding_rates.HistorySince: %w", err)
	}
	return rows, nil
}
