package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_carry_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	positionsOpened prometheus.Counter
	positionsClosed prometheus.Counter
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	fundingAccrued  prometheus.Counter
	scansCompleted  prometheus.Counter
	riskViolations  prometheus.Counter
	emergencyStops  prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	positionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_opened_total",
		Help:      "Total number of delta-neutral positions opened.",
	})
	positionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of delta-neutral positions closed.",
	})
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	fundingAccrued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "funding_payments_total",
		Help:      "Total number of funding payments recorded.",
	})
	scansCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "scans_completed_total",
		Help:      "Total number of market scan cycles completed.",
	})
	riskViolations := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "risk_violations_total",
		Help:      "Total number of open attempts rejected by risk limits.",
	})
	emergencyStops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "emergency_stops_total",
		Help:      "Total number of emergency stop triggers.",
	})

	registry.MustRegister(positionsOpened, positionsClosed, ordersPlaced, ordersFailed, fundingAccrued, scansCompleted, riskViolations, emergencyStops)

	m := &Metrics{
		PositionsOpened: promCounter{positionsOpened},
		PositionsClosed: promCounter{positionsClosed},
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		FundingAccrued:  promCounter{fundingAccrued},
		ScansCompleted:  promCounter{scansCompleted},
		RiskViolations:  promCounter{riskViolations},
		EmergencyStops:  promCounter{emergencyStops},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		positionsOpened: positionsOpened,
		positionsClosed: positionsClosed,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		fundingAccrued:  fundingAccrued,
		scansCompleted:  scansCompleted,
		riskViolations:  riskViolations,
		emergencyStops:  emergencyStops,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
