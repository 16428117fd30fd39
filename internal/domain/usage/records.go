package usage

import (
	"time"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// CostRecord is one completed, non-fallback provider call. Immutable once written.
type CostRecord struct {
	UserID    string // empty when the caller is unknown
	Service   domain.ServiceType
	CostMinor int64
	Units     int64
	CreatedAt time.Time
}

// Violation is one rejected admission. Immutable once written.
type Violation struct {
	UserID     string
	Service    domain.ServiceType
	Reason     string
	Detail     string
	Limit      int64
	Current    int64
	RetryAfter time.Duration
	Context    map[string]any
	CreatedAt  time.Time
}

// Filter selects cost records. Empty UserID and Service match all.
type Filter struct {
	UserID  string
	Service domain.ServiceType
	Since   time.Time
	Until   time.Time
}

// Totals is an aggregate over cost records.
type Totals struct {
	Calls     int64
	Units     int64
	CostMinor int64
}
