// Package health holds the coordination store health model.
package health

import "time"

// Status is the latency class of the last coordination store ping.
type Status string

// Coordination statuses.
const (
	Green  Status = "green"
	Yellow Status = "yellow"
	Red    Status = "red"
)

// Gauge returns the numeric value exported for dashboards.
func (s Status) Gauge() float64 {
	switch s {
	case Yellow:
		return 1
	case Red:
		return 2
	default:
		return 0
	}
}

// Mode is the global limiter mode.
type Mode string

// Limiter modes.
const (
	Normal Mode = "normal"
	Strict Mode = "strict"
)

// Coordination is the process-local view of coordination store health.
type Coordination struct {
	Status              Status
	LastPing            time.Duration
	ConsecutiveFailures int
	Mode                Mode
	Degraded            bool
	CheckedAt           time.Time
}
