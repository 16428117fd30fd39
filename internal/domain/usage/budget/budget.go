package budget

// Budget is a spend ceiling snapshot in minor currency units.
type Budget struct {
	limitMinor     int64
	remainingMinor int64
	isExhausted    bool
	resetsAt       int64 // unix millis, converted to ISO 8601 at transport layer
}

// New creates a Budget snapshot.
func New(limit, remaining int64, isExhausted bool, resetsAt int64) Budget {
	return Budget{
		limitMinor:     limit,
		remainingMinor: remaining,
		isExhausted:    isExhausted,
		resetsAt:       resetsAt,
	}
}

// FromSpend builds a snapshot from a ceiling and current spend. A ceiling <= 0 is unlimited.
func FromSpend(limit, spent, resetsAt int64) Budget {
	if limit <= 0 {
		return New(limit, -1, false, resetsAt)
	}
	remaining := limit - spent
	if remaining < 0 {
		remaining = 0
	}
	return New(limit, remaining, remaining == 0, resetsAt)
}

// LimitMinor returns the ceiling.
func (b Budget) LimitMinor() int64 { return b.limitMinor }

// RemainingMinor returns spend left, -1 when unlimited.
func (b Budget) RemainingMinor() int64 { return b.remainingMinor }

// IsExhausted reports whether the ceiling is reached.
func (b Budget) IsExhausted() bool { return b.isExhausted }

// ResetsAt returns the reset timestamp (unix millis).
func (b Budget) ResetsAt() int64 { return b.resetsAt }
