// Package stream holds the event model of safety-gated streams.
package stream

import "time"

// Kind is the event type as seen by the client.
type Kind string

// Event kinds.
const (
	Chunk Kind = "chunk"
	Meta  Kind = "meta"
	Done  Kind = "done"
	Error Kind = "error"
)

// Terminal reports whether the kind ends a session.
func (k Kind) Terminal() bool { return k == Done || k == Error }

// Event is one outbound stream event.
type Event struct {
	Kind    Kind
	Text    string // chunk text or error message
	Code    string // error code
	Meta    *Timing
	TraceID string
}

// Timing carries out-of-band latency data.
type Timing struct {
	Name             string // "ttft" or "timing"
	TimeToFirstToken time.Duration
	Total            time.Duration
	SafetyCheck      time.Duration
}
