package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	PositionsOpened Counter
	PositionsClosed Counter
	OrdersPlaced    Counter
	OrdersFailed    Counter
	FundingAccrued  Counter
	ScansCompleted  Counter
	RiskViolations  Counter
	EmergencyStops  Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		PositionsOpened: n,
		PositionsClosed: n,
		OrdersPlaced:    n,
		OrdersFailed:    n,
		FundingAccrued:  n,
		ScansCompleted:  n,
		RiskViolations:  n,
		EmergencyStops:  n,
	}
}
