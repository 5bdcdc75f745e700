package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "ticks_total",
		Help:      "Completed orchestrator ticks.",
	})

	opportunitiesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "opportunities_scanned_total",
		Help:      "Opportunities returned by the scanner.",
	})

	positionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "positions_opened_total",
		Help:      "Positions opened successfully.",
	})

	positionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "positions_closed_total",
		Help:      "Positions closed, by exit reason.",
	}, []string{"reason"})

	tickErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "errors_total",
		Help:      "Errors per tick, by kind.",
	}, []string{"kind"})

	openPositionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perparb",
		Subsystem: "strategy",
		Name:      "open_positions",
		Help:      "Currently open positions.",
	})
)
