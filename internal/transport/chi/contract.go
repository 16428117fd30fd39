package chi

import (
	"context"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/health"
	domusage "github.com/kailas-cloud/callguard/internal/domain/usage"
	admissionuc "github.com/kailas-cloud/callguard/internal/usecase/admission"
	healthuc "github.com/kailas-cloud/callguard/internal/usecase/health"
)

// Admitter gates provider calls and bills them afterwards.
type Admitter interface {
	Admit(ctx context.Context, id domain.Identity, s domain.ServiceType) admissionuc.Decision
	RecordUsage(ctx context.Context, u admissionuc.Usage) error
	Effective() (health.Mode, admissionuc.LimitConfig, map[domain.ServiceType]admissionuc.LimitConfig)
}

// UsageReporter builds spend reports.
type UsageReporter interface {
	GetReport(ctx context.Context, subject domain.Identity, period domusage.Period) (domusage.Report, error)
}

// HealthChecker aggregates component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// CoordinationReporter exposes the last coordination store health verdict.
type CoordinationReporter interface {
	Current() health.Coordination
}
