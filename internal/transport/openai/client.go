// Package openai adapts an OpenAI-compatible API to the provider contracts.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
	"github.com/kailas-cloud/callguard/internal/metrics"
)

// Config holds the provider settings.
type Config struct {
	APIKey             string
	BaseURL            string
	Provider           string
	ChatModel          string
	EmbeddingModel     string
	Dimensions         int
	TranscriptionModel string
	SpeechModel        string
	ModerationModel    string
	User               string
	Logger             *zap.Logger
}

// Client implements the embedding, chat, speech and moderation contracts.
type Client struct {
	client *openai.Client
	cfg    Config
	tokens *TokenCounter
	logger *zap.Logger
}

// New creates an OpenAI-compatible provider client.
func New(cfg *Config) *Client {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    *cfg,
		tokens: NewTokenCounter(cfg.ChatModel),
		logger: logger.With(zap.String("provider", cfg.Provider)),
	}
}

// Provider returns the provider name used in breaker keys and metrics.
func (c *Client) Provider() string { return c.cfg.Provider }

// HealthCheck verifies API availability via ListModels (free endpoint).
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", c.parseAPIError(err))
	}
	return nil
}

// observe records transport metrics for one call.
func (c *Client) observe(service domain.ServiceType, start time.Time, err error, errType string) {
	status := "success"
	if err != nil {
		status = "error"
		metrics.ProviderErrorsTotal.WithLabelValues(c.cfg.Provider, string(service), errType).Inc()
	}
	metrics.ProviderRequestsTotal.WithLabelValues(c.cfg.Provider, string(service), status).Inc()
	metrics.ProviderRequestDuration.WithLabelValues(c.cfg.Provider, string(service)).Observe(time.Since(start).Seconds())
}

// parseAPIError converts an API failure to a domain.ProviderError carrying the status code,
// so the breaker can tell client errors from provider faults.
func (c *Client) parseAPIError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err //nolint:wrapcheck // classified by the breaker
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = string(reqErr.Body)
		}
		if detail == "" && reqErr.Err != nil {
			detail = reqErr.Err.Error()
		}
		return &domain.ProviderError{Provider: c.cfg.Provider, StatusCode: reqErr.HTTPStatusCode, Err: errors.New(detail)}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: c.cfg.Provider, StatusCode: apiErr.HTTPStatusCode, Err: errors.New(apiErr.Message)}
	}

	return &domain.ProviderError{Provider: c.cfg.Provider, Err: err}
}

// extractDetail extracts the "detail" field from a JSON error body (Nebius error format).
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return ""
}
