// Package executor places and unwinds paired positions atomically: both legs
// concurrently, bounded entry divergence, and rollback to zero exposure when
// only one side fills.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perparb/pkg/position"
)

var (
	// ErrDivergenceTooWide aborts entry when venue mid prices disagree beyond
	// the configured bound.
	ErrDivergenceTooWide = errors.New("executor: entry price divergence too wide")
	// ErrPartialEntryRolledBack reports an entry where one leg filled and was
	// flattened again; no position exists.
	ErrPartialEntryRolledBack = errors.New("executor: partial entry rolled back")
	// ErrPostOnlyCrossed reports both legs rejected as marketable twice in a row.
	ErrPostOnlyCrossed = errors.New("executor: post-only orders crossed the book")
	// ErrUnknownVenue reports an opportunity referencing an unconfigured venue.
	ErrUnknownVenue = errors.New("executor: unknown venue")
)

// CloseOrderType selects how exit legs are priced.
type CloseOrderType string

const (
	CloseMarket CloseOrderType = "market"
	CloseLimit  CloseOrderType = "limit"
)

// Params bounds one open attempt.
type Params struct {
	AccountID             string
	TargetMarginUSD       decimal.Decimal
	Leverage              int
	MaxEntryDivergencePct decimal.Decimal // e.g. 0.01 = 1%
	LimitOffsetPct        decimal.Decimal // maker offset from the touch, e.g. 0.0002
	FillTimeout           time.Duration
}

// CloseResult summarizes a completed closure.
type CloseResult struct {
	PositionID string
	PnlUSD     decimal.Decimal
	Degraded   bool
	ExitFills  []position.Fill
}

// Store is the slice of persistence the executor writes.
type Store interface {
	// InsertPositionWithFills persists a new position and its entry fills in
	// one short transaction.
	InsertPositionWithFills(ctx context.Context, pos *position.Position, fills []position.Fill) error
	UpdatePosition(ctx context.Context, id string, patch position.Patch) error
	// InsertFill records a coalesced fill; returns false when the
	// (position_id, order_id) pair already exists.
	InsertFill(ctx context.Context, fill position.Fill) (bool, error)
	FillsForPosition(ctx context.Context, positionID string) ([]position.Fill, error)
}

// Events receives position stage transitions. Implementations must not block.
type Events interface {
	StageChanged(positionID string, from, to position.Stage, reason string)
}

type noopEvents struct{}

func (noopEvents) StageChanged(string, position.Stage, position.Stage, string) {}
