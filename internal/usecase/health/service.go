// Package health aggregates component health and drives limiter mode from coordination store latency.
package health

import (
	"context"

	"github.com/kailas-cloud/callguard/internal/domain/circuit"
	"github.com/kailas-cloud/callguard/internal/domain/health"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates total failure.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckDegraded indicates a component serving with reduced guarantees.
	CheckDegraded CheckResult = "degraded"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	ledger       DBPinger
	coordination CoordinationReporter
	breakers     BreakerReporter
}

// New creates a Service. coordination and breakers can be nil.
func New(ledger DBPinger, coordination CoordinationReporter, breakers BreakerReporter) *Service {
	return &Service{ledger: ledger, coordination: coordination, breakers: breakers}
}

// Check runs health checks against all components.
// The service is down only when both the ledger and the coordination store are.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if err := s.ledger.Ping(ctx); err != nil {
		checks["ledger"] = CheckError
	} else {
		checks["ledger"] = CheckOK
	}

	if s.coordination != nil {
		c := s.coordination.Current()
		switch {
		case c.Status == health.Red:
			checks["coordination"] = CheckError
		case c.Status == health.Yellow, c.Mode == health.Strict:
			checks["coordination"] = CheckDegraded
		default:
			checks["coordination"] = CheckOK
		}
	}

	if s.breakers != nil {
		checks["providers"] = CheckOK
		for _, st := range s.breakers.Snapshots(ctx) {
			if st.Phase != circuit.Closed {
				checks["providers"] = CheckDegraded
				break
			}
		}
	}

	status := Healthy
	for _, v := range checks {
		if v != CheckOK {
			status = Degraded
			break
		}
	}
	if checks["ledger"] == CheckError && checks["coordination"] == CheckError {
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks}
}
