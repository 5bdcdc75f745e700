package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/zeromicro/go-zero/core/logx"
	"golang.org/x/sync/errgroup"

	"perparb/pkg/executor"
	"perparb/pkg/lifecycle"
	"perparb/pkg/position"
	"perparb/pkg/scanner"
)

// Collector is the slice of the funding collector the orchestrator drives.
type Collector interface {
	CollectOnce(ctx context.Context)
}

// Store is the slice of persistence the orchestrator reads.
type Store interface {
	OpenPositions(ctx context.Context, accountID string) ([]*position.Position, error)
}

// TickReport summarizes one orchestrator iteration for logging and the
// control surface.
type TickReport struct {
	StartedAt            time.Time
	OpportunitiesScanned int
	Opened               int
	Closed               int
	Rebalanced           int
	Errors               int
	OpenPositions        int
}

// Orchestrator runs the outer control loop:
// collect → evaluate open positions → close/rebalance → scan → open.
type Orchestrator struct {
	cfg       *Config
	collector Collector
	scanner   *scanner.Scanner
	executor  *executor.Executor
	monitor   *lifecycle.Monitor
	store     Store

	mu       sync.Mutex
	lastTick TickReport
}

// New wires the orchestrator.
func New(cfg *Config, collector Collector, scan *scanner.Scanner, exec *executor.Executor, monitor *lifecycle.Monitor, store Store) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		collector: collector,
		scanner:   scan,
		executor:  exec,
		monitor:   monitor,
		store:     store,
	}
}

// LastTick returns the most recent tick report.
func (o *Orchestrator) LastTick() TickReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastTick
}

// Run loops until the context is cancelled. Cancellation drains: the current
// tick finishes (closures run shielded inside the executor), then Run returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	logx.Infof("strategy: starting loop interval=%s venues=%v dry_run=%v",
		o.cfg.CheckInterval, o.cfg.ScanVenues, o.cfg.DryRun)
	ticker := time.NewTicker(o.cfg.CheckInterval)
	defer ticker.Stop()

	o.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logx.Info("strategy: termination requested, loop drained")
			return ctx.Err()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one full iteration.
func (o *Orchestrator) Tick(ctx context.Context) {
	report := TickReport{StartedAt: time.Now().UTC()}
	logger := logx.WithContext(ctx)

	// 1. Refresh samples so the scan sees this tick's data.
	o.collector.CollectOnce(ctx)

	// 2. Authoritative open-position state.
	positions, err := o.store.OpenPositions(ctx, o.cfg.AccountID)
	if err != nil {
		logger.Errorf("strategy: load open positions: %v", err)
		tickErrors.WithLabelValues("load_positions").Inc()
		return
	}
	report.OpenPositions = len(positions)
	openPositionsGauge.Set(float64(len(positions)))

	// 3. Evaluate every open position in parallel, bounded.
	closedNow := o.evaluatePositions(ctx, positions, &report)

	// 4/5. Entry budget and new entries. Skipped entirely when draining.
	if ctx.Err() == nil {
		closing := 0
		for _, pos := range positions {
			if pos.Stage == position.StageClosing {
				closing++
			}
		}
		slots := o.cfg.MaxPositions - (len(positions) - closedNow) - closing
		if slots > o.cfg.MaxNewPositionsPerCycle {
			slots = o.cfg.MaxNewPositionsPerCycle
		}
		if slots > 0 {
			o.openBest(ctx, positions, slots, &report)
		}
	}

	ticksTotal.Inc()
	o.mu.Lock()
	o.lastTick = report
	o.mu.Unlock()
	logger.Infof("strategy: tick done scanned=%d opened=%d closed=%d rebalanced=%d errors=%d open=%d took=%s",
		report.OpportunitiesScanned, report.Opened, report.Closed, report.Rebalanced,
		report.Errors, report.OpenPositions-report.Closed+report.Opened, time.Since(report.StartedAt).Truncate(time.Millisecond))
}

// evaluatePositions runs the lifecycle checks for each open position and
// executes the resulting closes/rebalances. Operations on one position are
// serialized; different positions run concurrently up to the configured cap.
func (o *Orchestrator) evaluatePositions(ctx context.Context, positions []*position.Position, report *TickReport) int {
	var mu sync.Mutex
	closed := 0

	var g errgroup.Group
	g.SetLimit(o.cfg.MaxConcurrentEvaluations)
	for _, pos := range positions {
		pos := pos
		if pos.Stage == position.StageClosed {
			continue
		}
		g.Go(func() error {
			didClose := o.evaluateOne(ctx, pos, report, &mu)
			if didClose {
				mu.Lock()
				closed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return closed
}

func (o *Orchestrator) evaluateOne(ctx context.Context, pos *position.Position, report *TickReport, mu *sync.Mutex) bool {
	logger := logx.WithContext(ctx)
	decision, err := o.monitor.Evaluate(ctx, pos)
	if err != nil {
		logger.Errorf("strategy: evaluate %s: %v", pos.ID, err)
		tickErrors.WithLabelValues("evaluate").Inc()
		mu.Lock()
		report.Errors++
		mu.Unlock()
		return false
	}

	switch decision.Action {
	case lifecycle.ActionClose:
		if o.cfg.DryRun {
			logger.Infof("strategy: dry-run close %s reason=%s (%s)", pos.ID, decision.ExitReason, decision.Detail)
			return false
		}
		logger.Infof("strategy: closing %s reason=%s (%s)", pos.ID, decision.ExitReason, decision.Detail)
		_, err := o.executor.Close(ctx, pos, executor.CloseMarket, decision.ExitReason, o.executorParams())
		if err != nil {
			// Failed closures are retried on the next tick.
			logger.Errorf("strategy: close %s: %v", pos.ID, err)
			tickErrors.WithLabelValues("close").Inc()
			mu.Lock()
			report.Errors++
			mu.Unlock()
			return false
		}
		o.monitor.Forget(pos.ID)
		positionsClosed.WithLabelValues(string(decision.ExitReason)).Inc()
		mu.Lock()
		report.Closed++
		mu.Unlock()
		return true

	case lifecycle.ActionRebalance:
		if o.cfg.DryRun {
			logger.Infof("strategy: dry-run rebalance %s (%s)", pos.ID, decision.Detail)
			return false
		}
		if err := o.executor.Rebalance(ctx, pos); err != nil {
			logger.Errorf("strategy: rebalance %s: %v", pos.ID, err)
			tickErrors.WithLabelValues("rebalance").Inc()
			mu.Lock()
			report.Errors++
			mu.Unlock()
			return false
		}
		mu.Lock()
		report.Rebalanced++
		mu.Unlock()
		return false
	}
	return false
}

// openBest scans and attempts up to slots entries, sequentially so margin is
// never double-committed within a tick.
func (o *Orchestrator) openBest(ctx context.Context, open []*position.Position, slots int, report *TickReport) {
	logger := logx.WithContext(ctx)

	opps, err := o.scanner.Scan(ctx, o.scanFilter())
	if err != nil {
		logger.Errorf("strategy: scan: %v", err)
		tickErrors.WithLabelValues("scan").Inc()
		report.Errors++
		return
	}
	report.OpportunitiesScanned = len(opps)
	opportunitiesScanned.Add(float64(len(opps)))

	held := make(map[string]bool, len(open))
	for _, pos := range open {
		if pos.Stage.Open() {
			held[pairKey(pos.Symbol, pos.LongVenue, pos.ShortVenue)] = true
		}
	}

	for _, opp := range opps {
		if slots <= 0 || ctx.Err() != nil {
			return
		}
		if held[pairKey(opp.Symbol, opp.LongVenue, opp.ShortVenue)] {
			continue
		}
		if o.cfg.DryRun {
			logger.Infof("strategy: dry-run open %s long=%s short=%s net=%s apy=%s",
				opp.Symbol, opp.LongVenue, opp.ShortVenue, opp.NetRate.StringFixed(6), opp.NetAPY.StringFixed(4))
			slots--
			continue
		}

		pos, err := o.executor.Open(ctx, executor.OpenRequest{
			Symbol:     opp.Symbol,
			LongVenue:  opp.LongVenue,
			ShortVenue: opp.ShortVenue,
			LongRate:   opp.LongRate,
			ShortRate:  opp.ShortRate,
		}, o.executorParams())
		if err != nil {
			// Market-class rejections are expected churn; next tick retries.
			logger.Infof("strategy: open %s %s/%s skipped: %v", opp.Symbol, opp.LongVenue, opp.ShortVenue, err)
			tickErrors.WithLabelValues("open").Inc()
			report.Errors++
			continue
		}
		held[pairKey(pos.Symbol, pos.LongVenue, pos.ShortVenue)] = true
		positionsOpened.Inc()
		report.Opened++
		slots--
	}
}

func (o *Orchestrator) executorParams() executor.Params {
	return executor.Params{
		AccountID:             o.cfg.AccountID,
		TargetMarginUSD:       o.cfg.TargetMargin,
		Leverage:              o.cfg.Leverage,
		MaxEntryDivergencePct: o.cfg.MaxEntryDivergence,
		LimitOffsetPct:        o.cfg.LimitOrderOffset,
		FillTimeout:           o.cfg.FillTimeout,
	}
}

func (o *Orchestrator) scanFilter() scanner.Filter {
	return scanner.Filter{
		MinProfitPerPeriod: o.cfg.MinProfitRate,
		MinOpenInterestUSD: o.cfg.MinOpenInterest,
		MaxOpenInterestUSD: o.cfg.MaxOpenInterest,
		MinVolume24hUSD:    o.cfg.MinVolume24h,
		ScanVenues:         o.cfg.ScanVenues,
		MandatoryVenue:     o.cfg.MandatoryVenue,
		ExcludedSymbols:    o.cfg.ExcludedSymbols,
		UseMakerFees:       o.cfg.UseMaker(),
		Limit:              o.cfg.ScanLimit,
	}
}

// MonitorConfig derives the lifecycle monitor settings from the strategy
// configuration.
func (c *Config) MonitorConfig() lifecycle.Config {
	return lifecycle.Config{
		MinHold:                   c.MinHold,
		MaxAge:                    c.MaxPositionAge,
		ProfitErosionThreshold:    c.ProfitErosionThreshold,
		MinLiquidationDistancePct: c.MinLiquidationDistance,
		MaxSpreadBps:              c.WideSpreadBps,
		WideSpreadCooldown:        c.WideSpreadCooldown(),
	}
}

func pairKey(symbol, longVenue, shortVenue string) string {
	return symbol + "|" + longVenue + "|" + shortVenue
}
