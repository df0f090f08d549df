package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCounters(t *testing.T) {
	prom := NewPrometheus()
	prom.Metrics.PositionsOpened.Inc()
	prom.Metrics.PositionsClosed.Inc()
	prom.Metrics.OrdersPlaced.Inc()
	prom.Metrics.OrdersFailed.Inc()
	prom.Metrics.FundingAccrued.Inc()
	prom.Metrics.ScansCompleted.Inc()
	prom.Metrics.RiskViolations.Inc()
	prom.Metrics.EmergencyStops.Inc()

	assertCounter(t, prom.positionsOpened, 1)
	assertCounter(t, prom.positionsClosed, 1)
	assertCounter(t, prom.ordersPlaced, 1)
	assertCounter(t, prom.ordersFailed, 1)
	assertCounter(t, prom.fundingAccrued, 1)
	assertCounter(t, prom.scansCompleted, 1)
	assertCounter(t, prom.riskViolations, 1)
	assertCounter(t, prom.emergencyStops, 1)
}

func TestNoopMetricsDoNotPanic(t *testing.T) {
	m := NewNoop()
	m.PositionsOpened.Inc()
	m.OrdersFailed.Inc()
	m.EmergencyStops.Inc()
}

func assertCounter(t *testing.T, counter prometheus.Counter, expected float64) {
	t.Helper()
	if got := testutil.ToFloat64(counter); got != expected {
		t.Fatalf("expected %v, got %v", expected, got)
	}
}
