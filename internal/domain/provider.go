package domain

import (
	"context"
	"io"
)

// Embedder vectorizes text.
type Embedder interface {
	Embed(ctx context.Context, text string) (EmbeddingResult, error)
}

// EmbeddingResult carries the embedding vector and token usage.
type EmbeddingResult struct {
	Embedding    []float32
	PromptTokens int
	TotalTokens  int
}

// Transcriber converts speech to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (Transcription, error)
}

// Transcription is a speech-to-text result. Duration drives voice-minute quotas.
type Transcription struct {
	Text            string
	DurationSeconds float64
}

// Synthesizer converts text to speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (io.ReadCloser, error)
}

// TokenSource yields generated text incrementally. Next returns io.EOF when exhausted.
type TokenSource interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// ChatMessage is one prompt message.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatStreamer opens a streamed completion.
type ChatStreamer interface {
	OpenStream(ctx context.Context, messages []ChatMessage) (TokenSource, error)
}

// HealthChecker verifies provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
