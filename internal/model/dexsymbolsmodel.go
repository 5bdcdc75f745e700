package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ DexSymbolsModel = (*defaultDexSymbolsModel)(nil)

// DexSymbols is the per-(dex, symbol) market-data row.
type DexSymbols struct {
	DexId           int64           `db:"dex_id"`
	Symbol          string          `db:"symbol"`
	Volume24h       sql.NullString  `db:"volume_24h"`        // NUMERIC, USD
	OpenInterestUsd sql.NullString  `db:"open_interest_usd"` // NUMERIC, two-sided USD
	IsActive        bool            `db:"is_active"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

type (
	// DexSymbolsModel wraps the dex_symbols table.
	DexSymbolsModel interface {
		Upsert(ctx context.Context, data *DexSymbols) error
		ByDexIds(ctx context.Context, dexIds []int64) ([]DexSymbols, error)
	}

	defaultDexSymbolsModel struct {
		conn sqlx.SqlConn
	}
)

// NewDexSymbolsModel returns a model for the dex_symbols table.
func NewDexSymbolsModel(conn sqlx.SqlConn) DexSymbolsModel {
	return &defaultDexSymbolsModel{conn: conn}
}

func (m *defaultDexSymbolsModel) Upsert(ctx context.Context, data *DexSymbols) error {
	const query = `
INSERT INTO dex_symbols (dex_id, symbol, volume_24h, open_interest_usd, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (dex_id, symbol) DO UPDATE SET
    volume_24h = EXCLUDED.volume_24h,
    open_interest_usd = EXCLUDED.open_interest_usd,
    is_active = EXCLUDED.is_active,
    updated_at = GREATEST(dex_symbols.updated_at, EXCLUDED.updated_at)`
	_, err := m.conn.ExecCtx(ctx, query,
		data.DexId, data.Symbol, data.Volume24h, data.OpenInterestUsd, data.IsActive, data.UpdatedAt)
	if err != nil {
		return fmt.Errorf("dex_symbols.Upsert: %w", err)
	}
	return nil
}

func (m *defaultDexSymbolsModel) ByDexIds(ctx context.Context, dexIds []int64) ([]DexSymbols, error) {
	const query = `
SELECT dex_id, symbol, volume_24h, open_interest_usd, is_active, updated_at
FROM dex_symbols
WHERE dex_id = ANY($1) AND is_active
ORDER BY dex_id, symbol`
	var rows []DexSymbols
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, pq.Array(dexIds)); err != nil {
		return nil, fmt.Errorf("dex_symbols.ByDexIds: %w", err)
	}
	return rows, nil
}
