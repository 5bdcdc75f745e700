package model

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

var _ StrategyPositionsModel = (*defaultStrategyPositionsModel)(nil)

// StrategyPositions is one persisted arbitrage position row.
type StrategyPositions struct {
	Id                   string         `db:"id"`
	AccountId            string         `db:"account_id"`
	Symbol               string         `db:"symbol"`
	LongDexId            int64          `db:"long_dex_id"`
	ShortDexId           int64          `db:"short_dex_id"`
	SizeUsd              string         `db:"size_usd"`
	Leverage             int64          `db:"leverage"`
	Quantity             string         `db:"quantity"`
	EntryLongRate        string         `db:"entry_long_rate"`
	EntryShortRate       string         `db:"entry_short_rate"`
	EntryDivergence      string         `db:"entry_divergence"`
	EntryLongPrice       string         `db:"entry_long_price"`
	EntryShortPrice      string         `db:"entry_short_price"`
	CumulativeFundingUsd string         `db:"cumulative_funding_usd"`
	LifecycleStage       string         `db:"lifecycle_stage"`
	OpenedAt             time.Time      `db:"opened_at"`
	LastHeartbeat        time.Time      `db:"last_heartbeat"`
	ClosedAt             sql.NullTime   `db:"closed_at"`
	PnlUsd               sql.NullString `db:"pnl_usd"`
	ExitReason           sql.NullString `db:"exit_reason"`
	Metadata             sql.NullString `db:"metadata"` // JSONB
}

// StrategyPositionsPatch is a partial row update; nil fields stay untouched.
type StrategyPositionsPatch struct {
	LifecycleStage       *string
	CumulativeFundingUsd *string
	Quantity             *string
	LastHeartbeat        *time.Time
	ClosedAt             *time.Time
	PnlUsd               *string
	ExitReason           *string
	Metadata             *string // merged JSONB object
}

type (
	// StrategyPositionsModel wraps the strategy_positions table.
	StrategyPositionsModel interface {
		Insert(ctx context.Context, session sqlx.Session, data *StrategyPositions) error
		Update(ctx context.Context, id string, patch StrategyPositionsPatch) error
		FindOne(ctx context.Context, id string) (*StrategyPositions, error)
		FindOpen(ctx context.Context, accountId string) ([]StrategyPositions, error)
	}

	defaultStrategyPositionsModel struct {
		conn sqlx.SqlConn
	}
)

// NewStrategyPositionsModel returns a model for the strategy_positions table.
func NewStrategyPositionsModel(conn sqlx.SqlConn) StrategyPositionsModel {
	return &defaultStrategyPositionsModel{conn: conn}
}

const strategyPositionsColumns = `
id, account_id, symbol, long_dex_id, short_dex_id, size_usd, leverage, quantity,
entry_long_rate, entry_short_rate, entry_divergence, entry_long_price, entry_short_price,
cumulative_funding_usd, lifecycle_stage, opened_at, last_heartbeat, closed_at, pnl_usd,
exit_reason, metadata`

// Insert writes a new position row. A non-nil session lets the caller bundle
// the insert with the entry fills in one transaction.
func (m *defaultStrategyPositionsModel) Insert(ctx context.Context, session sqlx.Session, data *StrategyPositions) error {
	query := `INSERT INTO strategy_positions (` + strings.TrimSpace(strategyPositionsColumns) + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`
	args := []any{
		data.Id, data.AccountId, data.Symbol, data.LongDexId, data.ShortDexId,
		data.SizeUsd, data.Leverage, data.Quantity,
		data.EntryLongRate, data.EntryShortRate, data.EntryDivergence,
		data.EntryLongPrice, data.EntryShortPrice,
		data.CumulativeFundingUsd, data.LifecycleStage, data.OpenedAt, data.LastHeartbeat,
		data.ClosedAt, data.PnlUsd, data.ExitReason, data.Metadata,
	}
	var err error
	if session != nil {
		_, err = session.ExecCtx(ctx, query, args...)
	} else {
		_, err = m.conn.ExecCtx(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("strategy_positions.Insert: %w", err)
	}
	return nil
}

// Update applies a partial patch to an open position.
func (m *defaultStrategyPositionsModel) Update(ctx context.Context, id string, patch StrategyPositionsPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.LifecycleStage != nil {
		add("lifecycle_stage", *patch.LifecycleStage)
	}
	if patch.CumulativeFundingUsd != nil {
		add("cumulative_funding_usd", *patch.CumulativeFundingUsd)
	}
	if patch.Quantity != nil {
		add("quantity", *patch.Quantity)
	}
	if patch.LastHeartbeat != nil {
		add("last_heartbeat", *patch.LastHeartbeat)
	}
	if patch.ClosedAt != nil {
		add("closed_at", *patch.ClosedAt)
	}
	if patch.PnlUsd != nil {
		add("pnl_usd", *patch.PnlUsd)
	}
	if patch.ExitReason != nil {
		add("exit_reason", *patch.ExitReason)
	}
	if patch.Metadata != nil {
		args = append(args, *patch.Metadata)
		sets = append(sets, fmt.Sprintf("metadata = COALESCE(metadata, '{}'::jsonb) || $%d::jsonb", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	// Closed positions never mutate again; late heartbeats no-op.
	query := fmt.Sprintf(
		"UPDATE strategy_positions SET %s WHERE id = $%d AND lifecycle_stage <> 'closed'",
		strings.Join(sets, ", "), len(args))
	if _, err := m.conn.ExecCtx(ctx, query, args...); err != nil {
		return fmt.Errorf("strategy_positions.Update: %w", err)
	}
	return nil
}

func (m *defaultStrategyPositionsModel) FindOne(ctx context.Context, id string) (*StrategyPositions, error) {
	query := `SELECT ` + strings.TrimSpace(strategyPositionsColumns) + ` FROM strategy_positions WHERE id = $1 LIMIT 1`
	var row StrategyPositions
	err := m.conn.QueryRowCtx(ctx, &row, query, id)
	switch err {
	case nil:
		return &row, nil
	case sqlx.ErrNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("strategy_positions.FindOne: %w", err)
	}
}

func (m *defaultStrategyPositionsModel) FindOpen(ctx context.Context, accountId string) ([]StrategyPositions, error) {
	query := `SELECT ` + strings.TrimSpace(strategyPositionsColumns) + `
FROM strategy_positions
WHERE lifecycle_stage <> 'closed'`
	args := []any{}
	if accountId != "" {
		query += " AND account_id = $1"
		args = append(args, accountId)
	}
	query += " ORDER BY opened_at"
	var rows []StrategyPositions
	if err := m.conn.QueryRowsCtx(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("strategy_positions.FindOpen: %w", err)
	}
	return rows, nil
}
