// Package funding collects funding-rate and market-data samples from every
// enabled venue on a fixed cadence and persists them for the scanner.
package funding

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/threading"

	"perparb/pkg/exchange"
)

const (
	// DefaultInterval is the collection cadence.
	DefaultInterval = 60 * time.Second
	// DefaultVenueTimeout bounds one venue's fetch pair per tick.
	DefaultVenueTimeout = 30 * time.Second
)

// Store is the slice of persistence the collector writes.
type Store interface {
	UpsertFundingRate(ctx context.Context, sample exchange.FundingRateSample) error
	AppendFundingHistory(ctx context.Context, sample exchange.FundingRateSample) error
	UpsertMarketData(ctx context.Context, row exchange.MarketData) error
}

// Collector fans out across venue providers each tick. Per-venue failures
// are isolated; a venue whose breaker is open is skipped until it half-opens.
type Collector struct {
	venues   map[string]exchange.Provider
	store    Store
	interval time.Duration
	timeout  time.Duration

	breakers map[string]*gobreaker.CircuitBreaker

	mu       sync.Mutex
	lastTick time.Time
}

// Option customises the collector.
type Option func(*Collector)

// WithInterval overrides the collection cadence.
func WithInterval(interval time.Duration) Option {
	return func(c *Collector) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithVenueTimeout overrides the per-venue deadline.
func WithVenueTimeout(timeout time.Duration) Option {
	return func(c *Collector) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// New constructs a collector over the given venues.
func New(venues map[string]exchange.Provider, store Store, opts ...Option) *Collector {
	c := &Collector{
		venues:   venues,
		store:    store,
		interval: DefaultInterval,
		timeout:  DefaultVenueTimeout,
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(venues)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for name := range venues {
		venue := name
		c.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "funding-" + venue,
			Interval: 2 * c.interval,
			Timeout:  3 * c.interval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logx.Infof("collector: breaker %s %s -> %s", name, from, to)
			},
		})
	}
	return c
}

// Run ticks until the context is cancelled. The first collection happens
// immediately so the scanner has data on the first orchestrator tick.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.CollectOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CollectOnce(ctx)
		}
	}
}

// CollectOnce fans out across all venues and waits for every venue to finish
// or time out.
func (c *Collector) CollectOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for name, venue := range c.venues {
		wg.Add(1)
		name, venue := name, venue
		threading.GoSafe(func() {
			defer wg.Done()
			c.collectVenue(ctx, name, venue)
		})
	}
	wg.Wait()

	c.mu.Lock()
	c.lastTick = time.Now().UTC()
	c.mu.Unlock()
}

// LastTick reports when the previous fan-out completed.
func (c *Collector) LastTick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTick
}

func (c *Collector) collectVenue(ctx context.Context, name string, venue exchange.Provider) {
	logger := logx.WithContext(ctx)
	breaker := c.breakers[name]

	start := time.Now()
	_, err := breaker.Execute(func() (interface{}, error) {
		vctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return nil, c.fetchAndPersist(vctx, name, venue)
	})
	collectDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		collectErrors.WithLabelValues(name, "breaker_open").Inc()
		logger.Infof("collector: %s skipped, breaker open", name)
	default:
		collectErrors.WithLabelValues(name, errorKind(err)).Inc()
		logger.Errorf("collector: %s failed: %v", name, err)
	}
}

func (c *Collector) fetchAndPersist(ctx context.Context, name string, venue exchange.Provider) error {
	type fetchResult struct {
		rates  map[string]exchange.FundingRateSample
		market map[string]exchange.MarketData
	}
	var result fetchResult
	var ratesErr, marketErr error

	var wg sync.WaitGroup
	wg.Add(2)
	threading.GoSafe(func() {
		defer wg.Done()
		result.rates, ratesErr = venue.FetchFundingRates(ctx)
	})
	threading.GoSafe(func() {
		defer wg.Done()
		result.market, marketErr = venue.FetchMarketData(ctx)
	})
	wg.Wait()

	if ratesErr != nil {
		return ratesErr
	}

	persisted := 0
	for _, sample := range result.rates {
		if !sample.IntervalHours.IsPositive() {
			logx.WithContext(ctx).Errorf("collector: %s %s sample has non-positive interval, dropped", name, sample.Symbol)
			continue
		}
		if err := c.store.UpsertFundingRate(ctx, sample); err != nil {
			return err
		}
		if err := c.store.AppendFundingHistory(ctx, sample); err != nil {
			return err
		}
		persisted++
	}
	samplesCollected.WithLabelValues(name).Add(float64(persisted))

	// Market data failures do not void the funding samples already written.
	if marketErr != nil {
		collectErrors.WithLabelValues(name, "market_data").Inc()
		logx.WithContext(ctx).Errorf("collector: %s market data failed: %v", name, marketErr)
		return nil
	}
	for _, row := range result.market {
		if err := c.store.UpsertMarketData(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, exchange.ErrUnauthorized):
		return "auth"
	case errors.Is(err, exchange.ErrVenueUnavailable):
		return "transport"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "other"
	}
}
