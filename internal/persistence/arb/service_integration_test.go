package arbpersist

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"perparb/pkg/exchange"
	"perparb/pkg/position"
)

// Integration tests run against a real Postgres with sql/schema.sql applied.
// They are skipped unless PERPARB_TEST_PG_DSN is set.

func integrationService(t *testing.T) *Service {
	t.Helper()
	dsn := os.Getenv("PERPARB_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("PERPARB_TEST_PG_DSN not set; skipping persistence integration tests")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(sqlx.NewSqlConnFromDB(db))
}

func TestUpsertAndReadLatestSamples(t *testing.T) {
	svc := integrationService(t)
	ctx := context.Background()

	sample := exchange.FundingRateSample{
		Venue:          "sim",
		Symbol:         "ITBTC",
		RawRate:        decimal.RequireFromString("0.0001"),
		IntervalHours:  decimal.NewFromInt(8),
		NormalizedRate: decimal.RequireFromString("0.0001"),
		SampledAt:      time.Now().UTC(),
	}
	require.NoError(t, svc.UpsertFundingRate(ctx, sample))
	require.NoError(t, svc.AppendFundingHistory(ctx, sample))

	// An older sample must not clobber the newer row.
	stale := sample
	stale.NormalizedRate = decimal.RequireFromString("0.9")
	stale.SampledAt = sample.SampledAt.Add(-time.Hour)
	require.NoError(t, svc.UpsertFundingRate(ctx, stale))

	samples, err := svc.LatestSamples(ctx, []string{"sim"}, 2*time.Minute)
	require.NoError(t, err)
	found := false
	for _, s := range samples {
		if s.Symbol == "ITBTC" {
			found = true
			require.True(t, s.NormalizedRate.Equal(sample.NormalizedRate),
				"stale write must not win: got %s", s.NormalizedRate)
		}
	}
	require.True(t, found)
}

// Duplicate (position_id, order_id) inserts are a silent no-op.
func TestInsertFillIdempotent(t *testing.T) {
	svc := integrationService(t)
	ctx := context.Background()

	pos := &position.Position{
		ID:              "9a8b7c6d-0000-4000-8000-00000000a001",
		AccountID:       "it-test",
		Symbol:          "ITBTC",
		LongVenue:       "sim",
		ShortVenue:      "aster",
		SizeUSD:         decimal.NewFromInt(300),
		Leverage:        3,
		Quantity:        decimal.RequireFromString("0.003"),
		EntryLongRate:   decimal.Zero,
		EntryShortRate:  decimal.Zero,
		EntryDivergence: decimal.Zero,
		EntryLongPrice:  decimal.NewFromInt(100),
		EntryShortPrice: decimal.NewFromInt(100),
		Stage:           position.StageMonitoring,
		OpenedAt:        time.Now().UTC(),
		LastHeartbeat:   time.Now().UTC(),
	}
	fill := position.Fill{
		PositionID:       pos.ID,
		AccountID:        pos.AccountID,
		Venue:            "sim",
		Symbol:           "ITBTC",
		TradeType:        position.TradeTypeEntry,
		Side:             "buy",
		OrderID:          "it-order-1",
		Timestamp:        time.Now().UTC(),
		TotalQuantity:    decimal.RequireFromString("0.003"),
		WeightedAvgPrice: decimal.NewFromInt(100),
		TotalFee:         decimal.Zero,
		FeeCurrency:      "USDC",
		FillCount:        1,
	}
	require.NoError(t, svc.InsertPositionWithFills(ctx, pos, []position.Fill{fill}))

	inserted, err := svc.InsertFill(ctx, fill)
	require.NoError(t, err)
	require.False(t, inserted, "duplicate fill must be a no-op")

	fills, err := svc.FillsForPosition(ctx, pos.ID)
	require.NoError(t, err)
	count := 0
	for _, f := range fills {
		if f.OrderID == fill.OrderID {
			count++
		}
	}
	require.Equal(t, 1, count)
}
