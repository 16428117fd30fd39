package openai

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// OpenStream implements domain.ChatStreamer. The returned source bills prompt and
// completion tokens to the usage collector in ctx when it reaches the end.
func (c *Client) OpenStream(ctx context.Context, messages []domain.ChatMessage) (domain.TokenSource, error) {
	msgs := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msgs[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	req := openai.ChatCompletionRequest{
		Model:         c.cfg.ChatModel,
		Messages:      msgs,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		User:          c.cfg.User,
	}

	start := time.Now()
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		c.observe(domain.ServiceLLM, start, err, "api_error")
		return nil, c.parseAPIError(err)
	}
	return &chatStream{
		c:      c,
		stream: stream,
		usage:  domain.UsageFromContext(ctx),
		prompt: messages,
		start:  start,
	}, nil
}

type chatStream struct {
	c      *Client
	stream *openai.ChatCompletionStream
	usage  *domain.CallUsage
	prompt []domain.ChatMessage
	start  time.Time

	completion strings.Builder
	reported   *openai.Usage
	done       bool
}

// Next returns the next non-empty delta, or io.EOF.
func (s *chatStream) Next(ctx context.Context) (string, error) {
	if s.done {
		return "", io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err //nolint:wrapcheck // cancellation passes through
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			return "", io.EOF
		}
		if err != nil {
			s.done = true
			s.c.observe(domain.ServiceLLM, s.start, err, "stream_error")
			return "", s.c.parseAPIError(err)
		}
		if resp.Usage != nil {
			s.reported = resp.Usage
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		text := resp.Choices[0].Delta.Content
		s.completion.WriteString(text)
		return text, nil
	}
}

func (s *chatStream) finish() {
	s.done = true
	s.c.observe(domain.ServiceLLM, s.start, nil, "")

	var tokens int64
	if s.reported != nil && s.reported.TotalTokens > 0 {
		tokens = int64(s.reported.TotalTokens)
	} else {
		tokens = s.c.tokens.CountMessages(s.prompt) + s.c.tokens.Count(s.completion.String())
	}
	s.usage.AddUnits(tokens)
	s.c.logger.Debug("chat stream completed",
		zap.Duration("duration", time.Since(s.start)),
		zap.Int64("tokens", tokens),
		zap.Bool("provider_usage", s.reported != nil),
	)
}

// Close releases the HTTP stream.
func (s *chatStream) Close() error {
	s.done = true
	return s.stream.Close() //nolint:wrapcheck // delegating
}
