package admission

import (
	"errors"
	"testing"
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

func TestRejection_UnwrapsToSentinel(t *testing.T) {
	tests := []struct {
		reason Reason
		want   error
	}{
		{GlobalRateLimit, domain.ErrRateLimited},
		{ServiceRateLimit, domain.ErrRateLimited},
		{QuotaExceeded, domain.ErrQuotaExceeded},
		{CostLimitExceeded, domain.ErrCostLimitExceeded},
		{GlobalCostLimitExceeded, domain.ErrCostLimitExceeded},
	}
	for _, tc := range tests {
		t.Run(string(tc.reason), func(t *testing.T) {
			var err error = &Rejection{Reason: tc.reason, Service: domain.ServiceLLM, Limit: 10, Current: 11}
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRejection_Error(t *testing.T) {
	r := &Rejection{
		Reason:     QuotaExceeded,
		Service:    domain.ServiceSTT,
		Limit:      30,
		Current:    31,
		RetryAfter: time.Hour,
		Detail:     "daily_voice_minutes",
	}
	want := "quota exceeded: quota_exceeded (stt) daily_voice_minutes: 31/30"
	if r.Error() != want {
		t.Errorf("Error() = %q, want %q", r.Error(), want)
	}
}
