package http

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds the engine's Prometheus metrics.
type MetricsRegistry struct {
	DecisionLatency *prometheus.HistogramVec
	Decisions       *prometheus.CounterVec
	GateBlocks      *prometheus.CounterVec
	DRPTransitions  *prometheus.CounterVec
	ReservationEvts *prometheus.CounterVec
	PortfolioHeat   *prometheus.GaugeVec
	WriterQueue     prometheus.Gauge
	JournalDropped  prometheus.Counter
}

// NewMetricsRegistry builds and registers all metrics on a fresh registry.
func NewMetricsRegistry() (*MetricsRegistry, *prometheus.Registry) {
	m := &MetricsRegistry{
		DecisionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskgate_decision_latency_seconds",
				Help:    "Admission decision latency",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5},
			},
			[]string{"instrument"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskgate_decisions_total",
				Help: "Admission decisions by outcome",
			},
			[]string{"instrument", "allowed"},
		),
		GateBlocks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskgate_gate_blocks_total",
				Help: "Blocks by gate and reason code",
			},
			[]string{"gate", "reason"},
		),
		DRPTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskgate_drp_transitions_total",
				Help: "DRP state transitions",
			},
			[]string{"from", "to"},
		),
		ReservationEvts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskgate_reservation_events_total",
				Help: "Reservation lifecycle events",
			},
			[]string{"event"},
		),
		PortfolioHeat: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskgate_portfolio_heat_pct",
				Help: "Portfolio heat by matrix",
			},
			[]string{"matrix"},
		),
		WriterQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "riskgate_writer_queue_depth",
			Help: "Portfolio writer pending commits",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "riskgate_journal_dropped_total",
			Help: "Journal records dropped to backpressure",
		}),
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		m.DecisionLatency, m.Decisions, m.GateBlocks, m.DRPTransitions,
		m.ReservationEvts, m.PortfolioHeat, m.WriterQueue, m.JournalDropped,
	)
	return m, reg
}
