package openai

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kailas-cloud/callguard/internal/domain"
)

// Per-message overhead for role and separators.
const messageOverhead = 4

// TokenCounter counts completion tokens when the provider does not report usage.
type TokenCounter struct {
	model string
	once  sync.Once
	enc   *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter for model. The encoding loads on first use.
func NewTokenCounter(model string) *TokenCounter {
	return &TokenCounter{model: model}
}

func (t *TokenCounter) encoding() *tiktoken.Tiktoken {
	t.once.Do(func() {
		enc, err := tiktoken.EncodingForModel(t.model)
		if err != nil {
			enc, err = tiktoken.GetEncoding("cl100k_base")
		}
		if err == nil {
			t.enc = enc
		}
	})
	return t.enc
}

// Count returns the token count of text. Without an encoding it estimates four runes per token.
func (t *TokenCounter) Count(text string) int64 {
	if text == "" {
		return 0
	}
	if enc := t.encoding(); enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	return int64((utf8.RuneCountInString(text) + 3) / 4)
}

// CountMessages returns the prompt token count of messages.
func (t *TokenCounter) CountMessages(messages []domain.ChatMessage) int64 {
	var n int64
	for _, m := range messages {
		n += t.Count(m.Content) + messageOverhead
	}
	return n
}
