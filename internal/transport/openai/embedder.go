package openai

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Embed implements domain.Embedder. Billed units are total tokens.
func (c *Client) Embed(ctx context.Context, text string) (domain.EmbeddingResult, error) {
	req := openai.EmbeddingRequest{
		Input:          []string{text},
		Model:          openai.EmbeddingModel(c.cfg.EmbeddingModel),
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
		User:           c.cfg.User,
	}
	if c.cfg.Dimensions > 0 {
		req.Dimensions = c.cfg.Dimensions
	}

	start := time.Now()
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		c.observe(domain.ServiceEmbedding, start, err, "api_error")
		return domain.EmbeddingResult{}, c.parseAPIError(err)
	}
	if len(resp.Data) == 0 {
		err := &domain.ProviderError{Provider: c.cfg.Provider, Err: fmt.Errorf("empty embedding response")}
		c.observe(domain.ServiceEmbedding, start, err, "empty_response")
		return domain.EmbeddingResult{}, err
	}
	c.observe(domain.ServiceEmbedding, start, nil, "")

	domain.UsageFromContext(ctx).AddUnits(int64(resp.Usage.TotalTokens))

	return domain.EmbeddingResult{
		Embedding:    resp.Data[0].Embedding,
		PromptTokens: resp.Usage.PromptTokens,
		TotalTokens:  resp.Usage.TotalTokens,
	}, nil
}
