package openai

import (
	"context"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/domain/safety"
)

// Classifier is a safety.Classifier backed by the moderation endpoint.
type Classifier struct {
	c *Client
}

// Classifier returns the moderation-backed classifier of this client.
func (c *Client) Classifier() *Classifier { return &Classifier{c: c} }

// Assess implements safety.Classifier. Moderation calls are counted on the llm service line.
func (m *Classifier) Assess(ctx context.Context, text string, ac safety.AssessContext) (safety.Assessment, error) {
	start := time.Now()
	resp, err := m.c.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: m.c.cfg.ModerationModel,
	})
	if err != nil {
		m.c.observe(domain.ServiceLLM, start, err, "moderation_error")
		return safety.Assessment{}, m.c.parseAPIError(err)
	}
	m.c.observe(domain.ServiceLLM, start, nil, "")

	if len(resp.Results) == 0 {
		return safety.Assessment{IsSafe: true, RiskLevel: safety.RiskNone}, nil
	}
	return assessment(resp.Results[0], ac.Stage), nil
}

// assessment grades a moderation result. Anything involving minors or threats is critical.
func assessment(r openai.Result, stage safety.Stage) safety.Assessment {
	cats := r.Categories
	var concerns []string
	add := func(flag bool, name string) {
		if flag {
			concerns = append(concerns, name)
		}
	}
	add(cats.Hate, "hate")
	add(cats.HateThreatening, "hate_threatening")
	add(cats.Harassment, "harassment")
	add(cats.HarassmentThreatening, "harassment_threatening")
	add(cats.SelfHarm, "self_harm")
	add(cats.Sexual, "sexual")
	add(cats.SexualMinors, "sexual_minors")
	add(cats.Violence, "violence")
	add(cats.ViolenceGraphic, "violence_graphic")

	if !r.Flagged && len(concerns) == 0 {
		return safety.Assessment{IsSafe: true, RiskLevel: safety.RiskNone}
	}

	level := safety.RiskMedium
	switch {
	case cats.SexualMinors, cats.HateThreatening, cats.HarassmentThreatening:
		level = safety.RiskCritical
	case cats.SelfHarm, cats.ViolenceGraphic:
		level = safety.RiskHigh
	}

	a := safety.Assessment{IsSafe: false, RiskLevel: level, Concerns: concerns}
	if stage == safety.StageInput && cats.SelfHarm {
		a.SuggestedResponse = "It sounds like you're going through a lot. You don't have to face it alone; please consider reaching out to someone you trust or a local support line."
	}
	return a
}
