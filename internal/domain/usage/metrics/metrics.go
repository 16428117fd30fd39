package metrics

// Metrics holds provider usage for a time period.
type Metrics struct {
	requests  int64
	units     int64
	costMinor int64
}

// New creates a Metrics snapshot.
func New(requests, units, costMinor int64) Metrics {
	return Metrics{requests: requests, units: units, costMinor: costMinor}
}

// Requests returns the number of recorded provider calls.
func (m Metrics) Requests() int64 { return m.requests }

// Units returns consumed resource units.
func (m Metrics) Units() int64 { return m.units }

// CostMinor returns spend in minor currency units.
func (m Metrics) CostMinor() int64 { return m.costMinor }
