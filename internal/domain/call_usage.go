package domain

import "context"

type callUsageKey struct{}

// CallUsage collects consumed resource units for a single provider call.
// The handler puts a mutable pointer into the context before calling the provider;
// the provider adapter writes after the call; the handler reads it to record cost.
type CallUsage struct {
	Units int64 // tokens, characters or seconds of audio depending on service
	Used  bool
}

// NewContextWithUsage returns a context with an embedded usage collector.
func NewContextWithUsage(ctx context.Context) (context.Context, *CallUsage) {
	u := &CallUsage{}
	return context.WithValue(ctx, callUsageKey{}, u), u
}

// UsageFromContext extracts the usage collector from context. Returns nil if not set.
func UsageFromContext(ctx context.Context) *CallUsage {
	u, _ := ctx.Value(callUsageKey{}).(*CallUsage)
	return u
}

// AddUnits records consumed units.
func (u *CallUsage) AddUnits(n int64) {
	if u != nil {
		u.Units += n
		u.Used = true
	}
}
