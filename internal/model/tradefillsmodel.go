package model

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ TradeFillsModel = (*defaultTradeFillsModel)(nil)

// TradeFills is one coalesced fill per (position, order).
type TradeFills struct {
	PositionId       string         `db:"position_id"`
	AccountId        string         `db:"account_id"`
	DexId            int64          `db:"dex_id"`
	Symbol           string         `db:"symbol"`
	TradeType        string         `db:"trade_type"` // entry | exit
	Side             string         `db:"side"`       // buy | sell
	OrderId          string         `db:"order_id"`
	Timestamp        time.Time      `db:"timestamp"` // naive UTC
	TotalQuantity    string         `db:"total_quantity"`
	WeightedAvgPrice string         `db:"weighted_avg_price"`
	TotalFee         string         `db:"total_fee"`
	FeeCurrency      string         `db:"fee_currency"`
	RealizedPnl      sql.NullString `db:"realized_pnl"`
	RealizedFunding  sql.NullString `db:"realized_funding"`
	FillCount        int64          `db:"fill_count"`
}

type (
	// TradeFillsModel wraps the trade_fills table.
	TradeFillsModel interface {
		// Insert writes the fill; duplicate (position_id, order_id) pairs are
		// a silent no-op and report inserted=false.
		Insert(ctx context.Context, session sqlx.Session, data *TradeFills) (bool, error)
		ByPosition(ctx context.Context, positionId string) ([]TradeFills, error)
	}

	defaultTradeFillsModel struct {
		conn sqlx.SqlConn
	}
)

// NewTradeFillsModel returns a model for the trade_fills table.
func NewTradeFillsModel(conn sqlx.SqlConn) TradeFillsModel {
	return &defaultTradeFillsModel{conn: conn}
}

func (m *defaultTradeFillsModel) Insert(ctx context.Context, session sqlx.Session, data *TradeFills) (bool, error) {
	const query = `
INSERT INTO trade_fills (
    position_id, account_id, dex_id, symbol, trade_type, side, order_id, timestamp,
    total_quantity, weighted_avg_price, total_fee, fee_currency, realized_pnl, realized_funding, fill_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (position_id, order_id) DO NOTHING`
	args := []any{
		data.PositionId, data.AccountId, data.DexId, data.Symbol, data.TradeType,
		data.Side, data.OrderId, data.Timestamp,
		data.TotalQuantity, data.WeightedAvgPrice, data.TotalFee, data.FeeCurrency,
		data.RealizedPnl, data.RealizedFunding, data.FillCount,
	}
	var (
		result sql.Result
		err    error
	)
	if session != nil {
		result, err = session.ExecCtx(ctx, query, args...)
	} else {
		result, err = m.conn.ExecCtx(ctx, query, args...)
	}
	if err != nil {
		return false, fmt.Errorf("trade_fills.Insert: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trade_fills.Insert rows affected: %w", err)
	}
	return affected > 0, nil
}

func (m *defaultTradeFillsModel) ByPosition(ctx context.Context, positionId string) ([]TradeFills, error) {
	const query = `
SELECT position_id, account_id, dex_id, symbol, trade_type, side, order_id, timestamp,
       total_quantity, weighted_avg_price, total_fee, fee_currency, realized_pnl, realized_funding, fill_count
FROM trade_fills
WHERE position_id = $1
ORDER BY timestamp`
	var rows []TradeFills
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, positionId); err != nil {
		return nil, fmt.Errorf("trade_fills.ByPosition: %w", err)
	}
	return rows, nil
}
