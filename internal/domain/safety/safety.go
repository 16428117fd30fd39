// Package safety holds the content-safety classifier contract.
package safety

import "context"

// RiskLevel is the classifier's severity grade.
type RiskLevel string

// Risk levels.
const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Assessment is a classifier verdict.
type Assessment struct {
	IsSafe            bool
	RiskLevel         RiskLevel
	Concerns          []string
	SuggestedResponse string
}

// Stage says where in the request lifecycle text is being assessed.
type Stage string

// Assessment stages.
const (
	StageInput    Stage = "input"
	StageChunk    Stage = "chunk"
	StageResponse Stage = "response"
)

// AssessContext is passed to the classifier with every call.
type AssessContext struct {
	TraceID string
	UserID  string
	Stage   Stage
}

// Classifier vets text. It must tolerate many calls per streamed response.
type Classifier interface {
	Assess(ctx context.Context, text string, ac AssessContext) (Assessment, error)
}
